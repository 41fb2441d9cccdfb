package mongo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/tally/store"
)

func TestUpdateDoc(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	update := updateDoc(store.Split(store.Fields{
		"usage.meal-plan": store.Increment(1),
		"updatedAt":       ts,
		"createdAt":       store.OnCreate(ts),
		"plan":            store.OnCreate("starter"),
	}))

	set, ok := update["$set"].(bson.M)
	if !ok || set["updatedAt"] != ts {
		t.Fatalf("expected $set.updatedAt, got %v", update)
	}
	inc, ok := update["$inc"].(bson.M)
	if !ok || inc["usage.meal-plan"] != int64(1) {
		t.Fatalf("expected $inc.usage.meal-plan = 1, got %v", update)
	}
	soi, ok := update["$setOnInsert"].(bson.M)
	if !ok || soi["plan"] != "starter" || soi["createdAt"] != ts {
		t.Fatalf("expected $setOnInsert with plan and createdAt, got %v", update)
	}
}

func TestUpdateDocDropsConflictingCreateOnly(t *testing.T) {
	c := store.Changes{
		Set:         map[string]any{"plan": "premium"},
		Inc:         map[string]int64{},
		SetOnInsert: map[string]any{"plan": "starter"},
	}
	update := updateDoc(c)
	if _, ok := update["$setOnInsert"]; ok {
		t.Errorf("conflicting create-only leaf should be dropped, got %v", update)
	}
	if len(updateDoc(store.Split(nil))) != 0 {
		t.Error("expected empty update for empty write")
	}
}

func TestBodyDoc(t *testing.T) {
	body := bodyDoc("doc_1", store.Split(store.Fields{
		"usage.meal-plan": store.Increment(2),
		"ownerName":       "Ana",
		"createdAt":       store.OnCreate("t0"),
	}))

	if body["_id"] != "doc_1" {
		t.Errorf("expected _id doc_1, got %v", body["_id"])
	}
	usage, ok := body["usage"].(map[string]any)
	if !ok || usage["meal-plan"] != int64(2) {
		t.Errorf("expected nested usage.meal-plan = 2, got %v", body["usage"])
	}
	if body["ownerName"] != "Ana" || body["createdAt"] != "t0" {
		t.Errorf("unexpected body %v", body)
	}
	if _, ok := bodyDoc("", store.Changes{})["_id"]; ok {
		t.Error("replacement body must not carry an _id")
	}
}

func TestFromBSON(t *testing.T) {
	ts := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	raw := bson.M{
		"_id":       "u1",
		"plan":      "premium",
		"usage":     bson.D{{Key: "meal-plan", Value: int32(3)}},
		"updatedAt": bson.NewDateTimeFromTime(ts),
		"tags":      bson.A{"a", bson.M{"k": "v"}},
	}
	f := fromBSON(raw)

	if _, ok := f["_id"]; ok {
		t.Error("_id should not be part of the data")
	}
	snap := store.Snapshot{Path: "users/u1", Exists: true, Data: f}
	if snap.Int("usage.meal-plan") != 3 {
		t.Errorf("expected meal-plan 3, got %v", f["usage"])
	}
	if got, _ := f["updatedAt"].(time.Time); !got.Equal(ts) {
		t.Errorf("expected %v, got %v", ts, f["updatedAt"])
	}
	tags, ok := f["tags"].([]any)
	if !ok || len(tags) != 2 {
		t.Fatalf("expected normalized slice, got %T", f["tags"])
	}
	if _, ok := tags[1].(map[string]any); !ok {
		t.Errorf("expected nested map in slice, got %T", tags[1])
	}
}

func TestCollectionName(t *testing.T) {
	tests := map[string]string{
		"users":          "users",
		"/users/":        "users",
		"users/u1/plans": "users.u1.plans",
	}
	for in, want := range tests {
		if got := collectionName(in); got != want {
			t.Errorf("collectionName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want store.Code
	}{
		{"no documents", mongo.ErrNoDocuments, store.CodeNotFound},
		{"unauthorized", mongo.CommandError{Code: 13, Message: "not authorized"}, store.CodePermissionDenied},
		{"validation", fmt.Errorf("wrapped: %w", mongo.CommandError{Code: 121}), store.CodePermissionDenied},
		{"conflicting operators", mongo.CommandError{Code: 40}, store.CodeInvalidArgument},
		{"duplicate key", mongo.CommandError{Code: 11000}, store.CodeAborted},
		{"stepped down", mongo.CommandError{Code: 189}, store.CodeUnavailable},
		{"deadline", context.DeadlineExceeded, store.CodeUnavailable},
		{"canceled", context.Canceled, store.CodeAborted},
		{"other", errors.New("boom"), store.CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := codeOf(tt.err); got != tt.want {
				t.Errorf("codeOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}

	if classify(store.OpSet, "users/u1", nil) != nil {
		t.Error("classify(nil) should be nil")
	}
	err := classify(store.OpSet, "users/u1", mongo.CommandError{Code: 13})
	if store.CodeOf(err) != store.CodePermissionDenied {
		t.Errorf("expected permission-denied store error, got %v", err)
	}
}

func TestMigrationIndexes(t *testing.T) {
	idx := migrationIndexes()
	if len(idx[colUsers]) == 0 {
		t.Error("expected indexes for the users collection")
	}
}
