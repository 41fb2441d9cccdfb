package tally

import "github.com/xraph/tally/plan"

// Re-export plan types for convenience so users don't have to import the plan package.

// Tier is re-exported from the plan package.
type Tier = plan.Tier

// Plan is re-exported from the plan package.
type Plan = plan.Plan

// Feature is re-exported from the plan package.
type Feature = plan.Feature

// Re-export tiers and feature keys
const (
	Starter  = plan.Starter
	Premium  = plan.Premium
	Business = plan.Business

	FeatureMealPlan = plan.FeatureMealPlan
	FeatureRecipe   = plan.FeatureRecipe

	Unlimited = plan.Unlimited
)

// Re-export catalog constructors
var (
	NewCatalog     = plan.NewCatalog
	DefaultCatalog = plan.DefaultCatalog
	ParseTier      = plan.ParseTier
)
