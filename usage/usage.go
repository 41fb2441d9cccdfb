// Package usage defines the per-subject usage record and the writes that
// mutate it.
//
// A record lives at users/{subject}. It carries the subject's plan tier,
// one counter per feature and a few profile fields. Counters only ever
// grow: the only counter write is an increment.
package usage

import (
	"time"

	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/store"
)

// Collection holds one usage record per subject.
const Collection = "users"

// Field names in the store.
const (
	FieldPlan           = "plan"
	FieldUsage          = "usage"
	FieldOwnerName      = "ownerName"
	FieldDogName        = "dogName"
	FieldSubscriptionID = "subscriptionId"
	FieldCustomerID     = "customerId"
	FieldCreatedAt      = "createdAt"
	FieldUpdatedAt      = "updatedAt"
	FieldPlanEventAt    = "planEventAt"
)

// Record is the decoded usage document.
type Record struct {
	Subject        string           `json:"subject"`
	Exists         bool             `json:"-"`
	Plan           plan.Tier        `json:"plan"`
	Usage          map[string]int64 `json:"usage"`
	OwnerName      string           `json:"ownerName,omitempty"`
	DogName        string           `json:"dogName,omitempty"`
	SubscriptionID string           `json:"subscriptionId,omitempty"`
	CustomerID     string           `json:"customerId,omitempty"`
	CreatedAt      time.Time        `json:"createdAt,omitzero"`
	UpdatedAt      time.Time        `json:"updatedAt,omitzero"`
	PlanEventAt    time.Time        `json:"planEventAt,omitzero"`
}

// Used returns the counter for feature. Missing counters read as 0.
func (r *Record) Used(feature string) int64 {
	return r.Usage[feature]
}

// Path returns the document path of subject's record.
func Path(subject string) string {
	return store.Join(Collection, subject)
}

// CounterField returns the dotted field holding feature's counter.
func CounterField(feature string) string {
	return FieldUsage + "." + feature
}

// Decode turns a snapshot into a Record. A missing document decodes to an
// empty starter record; an unrecognized plan value reads as starter.
func Decode(subject string, snap store.Snapshot) *Record {
	r := &Record{
		Subject: subject,
		Exists:  snap.Exists,
		Plan:    plan.Starter,
		Usage:   make(map[string]int64),
	}
	if !snap.Exists {
		return r
	}

	if tier, err := plan.ParseTier(snap.String(FieldPlan)); err == nil {
		r.Plan = tier
	}

	if raw, ok := snap.Lookup(FieldUsage); ok {
		var counters map[string]any
		switch tv := raw.(type) {
		case map[string]any:
			counters = tv
		case store.Fields:
			counters = tv
		}
		for k, v := range counters {
			if n, ok := store.ToInt64(v); ok {
				r.Usage[k] = n
			}
		}
	}

	r.OwnerName = snap.String(FieldOwnerName)
	r.DogName = snap.String(FieldDogName)
	r.SubscriptionID = snap.String(FieldSubscriptionID)
	r.CustomerID = snap.String(FieldCustomerID)
	r.CreatedAt = timeField(snap, FieldCreatedAt)
	r.UpdatedAt = timeField(snap, FieldUpdatedAt)
	if sec := snap.Int(FieldPlanEventAt); sec > 0 {
		r.PlanEventAt = time.Unix(sec, 0).UTC()
	}
	return r
}

func timeField(snap store.Snapshot, key string) time.Time {
	v, ok := snap.Lookup(key)
	if !ok {
		return time.Time{}
	}
	switch tv := v.(type) {
	case time.Time:
		return tv
	case string:
		t, err := time.Parse(time.RFC3339Nano, tv)
		if err != nil {
			return time.Time{}
		}
		return t
	default:
		return time.Time{}
	}
}

// ──────────────────────────────────────────────────
// Writes
// ──────────────────────────────────────────────────

// SignInFields is the upsert issued on every successful sign-in. It never
// touches plan or counters, so it cannot downgrade a subscriber.
func SignInFields(now time.Time) store.Fields {
	return store.Fields{
		FieldCreatedAt: store.OnCreate(now),
		FieldUpdatedAt: now,
	}
}

// IncrementFields is the commit issued after a successful gated action.
func IncrementFields(feature string, now time.Time) store.Fields {
	return store.Fields{
		CounterField(feature): store.Increment(1),
		FieldUpdatedAt:        now,
	}
}

// ProfileFields is the profile edit write.
func ProfileFields(ownerName, dogName string, now time.Time) store.Fields {
	return store.Fields{
		FieldOwnerName: ownerName,
		FieldDogName:   dogName,
		FieldUpdatedAt: now,
	}
}

// UpgradeFields is the write applied when a checkout completes. Every value
// is fixed by the event, so replays produce the same document.
func UpgradeFields(subscriptionID, customerID string, at time.Time) store.Fields {
	return store.Fields{
		FieldPlan:           string(plan.Premium),
		FieldSubscriptionID: subscriptionID,
		FieldCustomerID:     customerID,
		FieldUpdatedAt:      at,
		FieldPlanEventAt:    at.Unix(),
	}
}

// DowngradeFields is the write applied when a subscription ends.
func DowngradeFields(at time.Time) store.Fields {
	return store.Fields{
		FieldPlan:        string(plan.Starter),
		FieldUpdatedAt:   at,
		FieldPlanEventAt: at.Unix(),
	}
}

// PlanGuard admits a plan write stamped at only when no plan event at or
// after at has been applied. Plan writes arrive out of order; the newest
// event wins and replays are no-ops.
func PlanGuard(at time.Time) store.Guard {
	return store.Guard{Field: FieldPlanEventAt, Below: at.Unix()}
}
