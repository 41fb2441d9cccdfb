package store_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/xraph/tally"
	"github.com/xraph/tally/store"
)

func TestSplitSortsLeaves(t *testing.T) {
	c := store.Split(store.Fields{
		"plan":      "premium",
		"usage":     map[string]any{"meal-plan": store.Increment(1)},
		"createdAt": store.OnCreate("t0"),
		"profile":   store.Fields{"ownerName": "Ana", "dogName": "Rex"},
	})

	if c.Set["plan"] != "premium" {
		t.Errorf("expected plan in set bucket, got %v", c.Set)
	}
	if c.Set["profile.ownerName"] != "Ana" || c.Set["profile.dogName"] != "Rex" {
		t.Errorf("expected nested profile to be flattened, got %v", c.Set)
	}
	if c.Inc["usage.meal-plan"] != 1 {
		t.Errorf("expected usage.meal-plan increment of 1, got %v", c.Inc)
	}
	if c.SetOnInsert["createdAt"] != "t0" {
		t.Errorf("expected createdAt in create-only bucket, got %v", c.SetOnInsert)
	}
	if c.Empty() {
		t.Error("expected non-empty changes")
	}
	if !store.Split(nil).Empty() {
		t.Error("expected empty changes for nil data")
	}
}

func TestFlattenKeepsEmptyMaps(t *testing.T) {
	flat := store.Fields{"usage": map[string]any{}}.Flatten()
	v, ok := flat["usage"]
	if !ok {
		t.Fatal("expected empty nested map to stay a leaf")
	}
	if m, _ := v.(map[string]any); len(m) != 0 {
		t.Errorf("expected empty map, got %v", v)
	}
}

func TestLookupAndSetPath(t *testing.T) {
	f := store.Fields{}
	f.SetPath("usage.meal-plan", int64(2))
	f.SetPath("plan", "starter")

	v, ok := f.Lookup("usage.meal-plan")
	if !ok || v != int64(2) {
		t.Errorf("expected 2, got %v (ok=%v)", v, ok)
	}
	if _, ok := f.Lookup("usage.recipe"); ok {
		t.Error("expected missing key")
	}
	if _, ok := f.Lookup("plan.tier"); ok {
		t.Error("expected lookup through a scalar to fail")
	}

	// A scalar intermediate is replaced.
	f.SetPath("plan.tier", "x")
	if v, _ := f.Lookup("plan.tier"); v != "x" {
		t.Errorf("expected x, got %v", v)
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := store.Fields{"usage": map[string]any{"meal-plan": 1}, "tags": []any{"a"}}
	cp := orig.Clone()
	cp.SetPath("usage.meal-plan", 9)
	cp["tags"].([]any)[0] = "b"

	if v, _ := orig.Lookup("usage.meal-plan"); v != 1 {
		t.Errorf("clone mutated the original map: %v", v)
	}
	if orig["tags"].([]any)[0] != "a" {
		t.Error("clone mutated the original slice")
	}
}

func TestSnapshotAccessors(t *testing.T) {
	snap := store.Snapshot{
		Path:   "users/u1",
		Exists: true,
		Data: store.Fields{
			"plan":  "premium",
			"usage": map[string]any{"meal-plan": float64(3), "recipe": int32(2)},
		},
	}
	if got := snap.String("plan"); got != "premium" {
		t.Errorf("expected premium, got %q", got)
	}
	if got := snap.Int("usage.meal-plan"); got != 3 {
		t.Errorf("expected 3, got %d", got)
	}
	if got := snap.Int("usage.recipe"); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
	if got := snap.Int("usage.missing"); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}

	missing := store.Snapshot{Path: "users/u2", Data: store.Fields{"plan": "premium"}}
	if got := missing.String("plan"); got != "" {
		t.Errorf("expected empty string for missing document, got %q", got)
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path    string
		col     string
		doc     string
		wantErr bool
	}{
		{"users/u1", "users", "u1", false},
		{"/users/u1/", "users", "u1", false},
		{"users/u1/plans/p1", "users/u1/plans", "p1", false},
		{"users", "", "", true},
		{"", "", "", true},
		{"users//u1", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			col, doc, err := store.SplitPath(tt.path)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.path)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if col != tt.col || doc != tt.doc {
				t.Errorf("got (%q, %q), want (%q, %q)", col, doc, tt.col, tt.doc)
			}
		})
	}

	if err := store.ValidateCollection("users"); err != nil {
		t.Errorf("users should be a collection: %v", err)
	}
	if err := store.ValidateCollection("users/u1"); err == nil {
		t.Error("users/u1 should not be a collection")
	}
	if got := store.Join("users", "u1"); got != "users/u1" {
		t.Errorf("expected users/u1, got %q", got)
	}
}

func TestErrorCodes(t *testing.T) {
	denied := store.NewError(store.OpSet, "users/u1", store.CodePermissionDenied, errors.New("rules"))
	wrapped := fmt.Errorf("write: %w", denied)

	if store.CodeOf(wrapped) != store.CodePermissionDenied {
		t.Errorf("expected permission-denied, got %q", store.CodeOf(wrapped))
	}
	if !errors.Is(wrapped, tally.ErrPermissionDenied) {
		t.Error("expected errors.Is to match tally.ErrPermissionDenied")
	}
	if !store.IsPermissionDenied(wrapped) {
		t.Error("expected IsPermissionDenied")
	}

	notFound := store.NewError(store.OpUpdate, "users/u1", store.CodeNotFound, nil)
	if !store.IsNotFound(notFound) || !errors.Is(notFound, tally.ErrNotFound) {
		t.Error("expected not-found classification")
	}
	if notFound.Error() != "store: update users/u1: not-found" {
		t.Errorf("unexpected message %q", notFound.Error())
	}

	if store.CodeOf(nil) != "" {
		t.Error("expected empty code for nil")
	}
	if store.CodeOf(errors.New("boom")) != store.CodeUnknown {
		t.Error("expected unknown for foreign errors")
	}
	if store.CodeOf(tally.ErrStoreUnavailable) != store.CodeUnavailable {
		t.Error("expected sentinel to classify as unavailable")
	}
}

func TestToInt64(t *testing.T) {
	tests := []struct {
		in   any
		want int64
		ok   bool
	}{
		{int(4), 4, true},
		{int32(4), 4, true},
		{int64(4), 4, true},
		{uint64(4), 4, true},
		{float64(4.9), 4, true},
		{"4", 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := store.ToInt64(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ToInt64(%v) = (%d, %v), want (%d, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestGuardHolds(t *testing.T) {
	g := store.Guard{Field: "planEventAt", Below: 10}

	tests := []struct {
		name string
		doc  store.Fields
		want bool
	}{
		{"absent document", nil, true},
		{"absent field", store.Fields{"plan": "premium"}, true},
		{"older mark", store.Fields{"planEventAt": int64(9)}, true},
		{"equal mark", store.Fields{"planEventAt": int64(10)}, false},
		{"newer mark", store.Fields{"planEventAt": 11}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.Holds(tt.doc); got != tt.want {
				t.Errorf("Holds = %v, want %v", got, tt.want)
			}
		})
	}
}
