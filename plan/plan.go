// Package plan defines subscription tiers and the per-feature usage limits
// each tier grants.
package plan

import (
	"fmt"
	"sort"
	"strings"
)

// Tier is a subscription tier.
type Tier string

// Tiers, ordered from least to most generous.
const (
	Starter  Tier = "starter"
	Premium  Tier = "premium"
	Business Tier = "business"
)

// Feature keys for the rate-limited actions.
const (
	FeatureMealPlan = "meal-plan"
	FeatureRecipe   = "recipe"
)

// Unlimited is the limit value of a feature with no ceiling.
const Unlimited int64 = -1

// ParseTier maps a stored plan value onto a Tier. Empty values read as
// Starter; unknown values are an error.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case "", Starter:
		return Starter, nil
	case Premium:
		return Premium, nil
	case Business:
		return Business, nil
	default:
		return "", fmt.Errorf("plan: unknown tier %q", s)
	}
}

// Plan is one tier and the features it grants.
type Plan struct {
	Tier     Tier      `json:"tier"     mapstructure:"tier"     yaml:"tier"`
	Name     string    `json:"name"     mapstructure:"name"     yaml:"name"`
	Features []Feature `json:"features" mapstructure:"features" yaml:"features"`
}

// Feature is a rate-limited action and its ceiling. Limit -1 means unlimited.
type Feature struct {
	Key   string `json:"key"   mapstructure:"key"   yaml:"key"`
	Limit int64  `json:"limit" mapstructure:"limit" yaml:"limit"`
}

// Unlimited reports whether the feature has no ceiling.
func (f Feature) Unlimited() bool { return f.Limit < 0 }

// FindFeature returns the feature with key, or nil when the plan lacks it.
func (p *Plan) FindFeature(key string) *Feature {
	for i := range p.Features {
		if p.Features[i].Key == key {
			return &p.Features[i]
		}
	}
	return nil
}

// Allows reports whether another use of featureKey fits in the plan given
// currentUsage. Features the plan lacks are never allowed.
func (p *Plan) Allows(featureKey string, currentUsage int64) bool {
	f := p.FindFeature(featureKey)
	if f == nil {
		return false
	}
	if f.Unlimited() {
		return true
	}
	return currentUsage < f.Limit
}

// Remaining returns how many uses of featureKey are left after currentUsage.
// Unlimited features report -1; missing features and exhausted quotas report 0.
func (p *Plan) Remaining(featureKey string, currentUsage int64) int64 {
	f := p.FindFeature(featureKey)
	if f == nil {
		return 0
	}
	if f.Unlimited() {
		return Unlimited
	}
	if rem := f.Limit - currentUsage; rem > 0 {
		return rem
	}
	return 0
}

// Catalog maps tiers to plans.
type Catalog struct {
	plans map[Tier]*Plan
}

// NewCatalog builds a catalog from plans. Later plans replace earlier ones
// with the same tier.
func NewCatalog(plans ...Plan) *Catalog {
	c := &Catalog{plans: make(map[Tier]*Plan, len(plans))}
	for i := range plans {
		p := plans[i]
		p.Features = append([]Feature(nil), p.Features...)
		c.plans[p.Tier] = &p
	}
	return c
}

// DefaultCatalog returns the stock tiers.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Plan{Tier: Starter, Name: "Starter", Features: []Feature{
			{Key: FeatureMealPlan, Limit: 3},
			{Key: FeatureRecipe, Limit: 5},
		}},
		Plan{Tier: Premium, Name: "Premium", Features: []Feature{
			{Key: FeatureMealPlan, Limit: 30},
			{Key: FeatureRecipe, Limit: 100},
		}},
		Plan{Tier: Business, Name: "Business", Features: []Feature{
			{Key: FeatureMealPlan, Limit: Unlimited},
			{Key: FeatureRecipe, Limit: Unlimited},
		}},
	)
}

// Get returns the plan for tier. Tiers missing from the catalog fall back to
// Starter; ok is false when neither exists.
func (c *Catalog) Get(tier Tier) (*Plan, bool) {
	if p, ok := c.plans[tier]; ok {
		return p, true
	}
	p, ok := c.plans[Starter]
	return p, ok
}

// Limit returns the ceiling for feature under tier.
func (c *Catalog) Limit(tier Tier, feature string) (int64, bool) {
	p, ok := c.Get(tier)
	if !ok {
		return 0, false
	}
	f := p.FindFeature(feature)
	if f == nil {
		return 0, false
	}
	return f.Limit, true
}

// Features returns every feature key in the catalog in sorted order.
func (c *Catalog) Features() []string {
	seen := make(map[string]struct{})
	for _, p := range c.plans {
		for _, f := range p.Features {
			seen[f.Key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Plans returns the catalog's plans ordered by tier.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, t := range []Tier{Starter, Premium, Business} {
		if p, ok := c.plans[t]; ok {
			out = append(out, *p)
		}
	}
	return out
}
