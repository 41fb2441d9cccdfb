package mongo

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/tally/store"
)

// ==================== Write documents ====================

// updateDoc builds the update document for a merge write. Create-only leaves
// that are also set directly are dropped so the operators never conflict.
func updateDoc(c store.Changes) bson.M {
	update := bson.M{}
	if len(c.Set) > 0 {
		set := bson.M{}
		for k, v := range c.Set {
			set[k] = toBSON(v)
		}
		update["$set"] = set
	}
	if len(c.Inc) > 0 {
		inc := bson.M{}
		for k, n := range c.Inc {
			inc[k] = n
		}
		update["$inc"] = inc
	}
	if len(c.SetOnInsert) > 0 {
		soi := bson.M{}
		for k, v := range c.SetOnInsert {
			if _, dup := c.Set[k]; dup {
				continue
			}
			if _, dup := c.Inc[k]; dup {
				continue
			}
			soi[k] = toBSON(v)
		}
		if len(soi) > 0 {
			update["$setOnInsert"] = soi
		}
	}
	return update
}

// bodyDoc builds a full document body for inserts and replaces. Increments
// count up from 0 and create-only leaves are written.
func bodyDoc(docID string, c store.Changes) bson.M {
	body := store.Fields{}
	for k, v := range c.SetOnInsert {
		body.SetPath(k, toBSON(v))
	}
	for k, v := range c.Set {
		body.SetPath(k, toBSON(v))
	}
	for k, n := range c.Inc {
		body.SetPath(k, n)
	}
	out := bson.M(toBSONMap(body))
	if docID != "" {
		out["_id"] = docID
	}
	return out
}

func toBSON(v any) any {
	switch tv := v.(type) {
	case store.Fields:
		return toBSONMap(tv)
	case map[string]any:
		return toBSONMap(tv)
	case []any:
		out := make(bson.A, len(tv))
		for i, item := range tv {
			out[i] = toBSON(item)
		}
		return out
	case time.Time:
		return tv.UTC()
	default:
		return v
	}
}

func toBSONMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = toBSON(v)
	}
	return out
}

// ==================== Read documents ====================

// fromBSON converts a decoded document into Fields, dropping _id and turning
// driver types into plain Go values.
func fromBSON(raw bson.M) store.Fields {
	out := make(store.Fields, len(raw))
	for k, v := range raw {
		if k == "_id" {
			continue
		}
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch tv := v.(type) {
	case bson.M:
		m := make(map[string]any, len(tv))
		for k, item := range tv {
			m[k] = normalize(item)
		}
		return m
	case bson.D:
		m := make(map[string]any, len(tv))
		for _, e := range tv {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(tv))
		for k, item := range tv {
			m[k] = normalize(item)
		}
		return m
	case bson.A:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = normalize(item)
		}
		return out
	case bson.DateTime:
		return tv.Time().UTC()
	case int32:
		return int64(tv)
	default:
		return v
	}
}
