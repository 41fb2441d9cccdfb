// Package mongo implements store.Store on MongoDB.
//
// Each collection path maps to one MongoDB collection ("users" -> "users",
// "users/u1/plans" -> "users.u1.plans") and the last path segment is the
// document _id. Merge writes are single upserting UpdateOne calls built from
// $set, $inc and $setOnInsert, so increments are atomic on the server.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/store"
)

// Collection name constants.
const (
	colUsers = "users"
)

// Server error codes mapped onto store codes.
var (
	// Unauthorized, AuthenticationFailed, DocumentValidationFailure
	permissionCodes = []int{13, 18, 121}
	// BadValue, FailedToParse, TypeMismatch, ConflictingUpdateOperators, DollarPrefixedFieldName
	invalidCodes = []int{2, 9, 14, 40, 52}
	// WriteConflict, NoSuchTransaction, DuplicateKey
	abortedCodes = []int{112, 251, 11000}
	// HostUnreachable, HostNotFound, NetworkTimeout, ShutdownInProgress, PrimarySteppedDown
	unavailCodes = []int{6, 7, 89, 91, 189}
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using the official MongoDB driver.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	owned  bool
}

// New creates a store on an existing database handle. Close does not
// disconnect the client it belongs to.
func New(db *mongo.Database) *Store {
	return &Store{client: db.Client(), db: db}
}

// Connect dials uri and opens database. The returned store owns the client.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx) //nolint:errcheck // best-effort cleanup after failed ping
		return nil, fmt.Errorf("tally/mongo: ping: %w", err)
	}
	return &Store{client: client, db: client.Database(database), owned: true}, nil
}

// DB returns the underlying database for direct access.
func (s *Store) DB() *mongo.Database { return s.db }

// Migrate creates indexes for the collections tally reads.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("tally/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return classify("ping", "", err)
	}
	return nil
}

// Close disconnects the client when the store owns it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Disconnect(context.Background())
}

func (s *Store) Get(ctx context.Context, path string) (store.Snapshot, error) {
	coll, docID, err := s.locate(store.OpGet, path)
	if err != nil {
		return store.Snapshot{}, err
	}

	var raw bson.M
	err = coll.FindOne(ctx, bson.M{"_id": docID}).Decode(&raw)
	if err != nil {
		if isNoDocuments(err) {
			return store.Snapshot{Path: path}, nil
		}
		return store.Snapshot{}, classify(store.OpGet, path, err)
	}
	return store.Snapshot{Path: path, Exists: true, Data: fromBSON(raw)}, nil
}

func (s *Store) Set(ctx context.Context, path string, data store.Fields, merge bool) error {
	coll, docID, err := s.locate(store.OpSet, path)
	if err != nil {
		return err
	}

	changes := store.Split(data)
	filter := bson.M{"_id": docID}

	if !merge {
		_, err = coll.ReplaceOne(ctx, filter, bodyDoc("", changes), options.Replace().SetUpsert(true))
		return classify(store.OpSet, path, err)
	}

	update := updateDoc(changes)
	if len(update) == 0 {
		// An empty merge still guarantees the document exists.
		update = bson.M{"$setOnInsert": bson.M{"_id": docID}}
	}
	_, err = coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return classify(store.OpSet, path, err)
}

// SetIf runs the merge as an upsert filtered on the guard. When the document
// exists but the guard fails, the upsert collides on _id and the write is
// reported as not applied.
func (s *Store) SetIf(ctx context.Context, path string, data store.Fields, g store.Guard) (bool, error) {
	coll, docID, err := s.locate(store.OpSet, path)
	if err != nil {
		return false, err
	}

	filter := bson.M{
		"_id": docID,
		"$or": bson.A{
			bson.M{g.Field: bson.M{"$exists": false}},
			bson.M{g.Field: bson.M{"$lt": g.Below}},
		},
	}
	update := updateDoc(store.Split(data))
	if len(update) == 0 {
		update = bson.M{"$setOnInsert": bson.M{"_id": docID}}
	}

	res, err := coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, classify(store.OpSet, path, err)
	}
	return res.MatchedCount > 0 || res.UpsertedCount > 0, nil
}

func (s *Store) Update(ctx context.Context, path string, data store.Fields) error {
	coll, docID, err := s.locate(store.OpUpdate, path)
	if err != nil {
		return err
	}

	changes := store.Split(data)
	changes.SetOnInsert = nil
	filter := bson.M{"_id": docID}

	update := updateDoc(changes)
	if len(update) == 0 {
		n, countErr := coll.CountDocuments(ctx, filter)
		if countErr != nil {
			return classify(store.OpUpdate, path, countErr)
		}
		if n == 0 {
			return store.NewError(store.OpUpdate, path, store.CodeNotFound, nil)
		}
		return nil
	}

	res, err := coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return classify(store.OpUpdate, path, err)
	}
	if res.MatchedCount == 0 {
		return store.NewError(store.OpUpdate, path, store.CodeNotFound, nil)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, collection string, data store.Fields) (string, error) {
	if err := store.ValidateCollection(collection); err != nil {
		return "", store.NewError(store.OpCreate, collection, store.CodeInvalidArgument, err)
	}

	docID := id.NewDocumentID().String()
	_, err := s.db.Collection(collectionName(collection)).
		InsertOne(ctx, bodyDoc(docID, store.Split(data)))
	if err != nil {
		return "", classify(store.OpCreate, collection, err)
	}
	return docID, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	coll, docID, err := s.locate(store.OpDelete, path)
	if err != nil {
		return err
	}
	_, err = coll.DeleteOne(ctx, bson.M{"_id": docID})
	return classify(store.OpDelete, path, err)
}

func (s *Store) locate(op, path string) (*mongo.Collection, string, error) {
	collection, docID, err := store.SplitPath(path)
	if err != nil {
		return nil, "", store.NewError(op, path, store.CodeInvalidArgument, err)
	}
	return s.db.Collection(collectionName(collection)), docID, nil
}

// ==================== Helpers ====================

// collectionName maps a collection path onto a MongoDB collection name.
func collectionName(collection string) string {
	return strings.ReplaceAll(strings.Trim(collection, "/"), "/", ".")
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// classify wraps a driver error in a *store.Error carrying its code.
func classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return store.NewError(op, path, codeOf(err), err)
}

func codeOf(err error) store.Code {
	switch {
	case isNoDocuments(err):
		return store.CodeNotFound
	case errors.Is(err, context.Canceled):
		return store.CodeAborted
	case errors.Is(err, context.DeadlineExceeded), mongo.IsTimeout(err), mongo.IsNetworkError(err):
		return store.CodeUnavailable
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		switch {
		case hasAnyCode(se, permissionCodes):
			return store.CodePermissionDenied
		case hasAnyCode(se, invalidCodes):
			return store.CodeInvalidArgument
		case hasAnyCode(se, abortedCodes):
			return store.CodeAborted
		case hasAnyCode(se, unavailCodes):
			return store.CodeUnavailable
		}
	}
	return store.CodeUnknown
}

func hasAnyCode(se mongo.ServerError, codes []int) bool {
	for _, c := range codes {
		if se.HasErrorCode(c) {
			return true
		}
	}
	return false
}

// migrationIndexes returns the index definitions for tally collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colUsers: {
			{Keys: bson.D{{Key: "plan", Value: 1}}},
			{Keys: bson.D{{Key: "subscriptionId", Value: 1}}, Options: options.Index().SetSparse(true)},
			{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
		},
	}
}
