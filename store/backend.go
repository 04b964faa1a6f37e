package store

import (
	"context"
	"iter"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Backend is the contract a document store engine fulfils. Filters and
// updates are native operator documents; records carry their identifier
// under "_id" as a primitive.ObjectID.
//
// Point operations (FindOne, FindOneAndUpdate, FindOneAndDelete) return
// (nil, nil) when nothing matches.
type Backend interface {
	FindOne(ctx context.Context, filter bson.M, opts FindOptions) (bson.M, error)

	// Find returns a lazy sequence of matching records. Iteration stops at
	// the first error, which is yielded with a nil record.
	Find(ctx context.Context, filter bson.M, opts FindOptions) iter.Seq2[bson.M, error]

	// InsertMany stores docs in order and returns their identifiers. A
	// record without "_id" gets a generated one.
	InsertMany(ctx context.Context, docs []bson.M) ([]primitive.ObjectID, error)

	UpdateMany(ctx context.Context, filter, update bson.M, opts UpdateOptions) (UpdateResult, error)

	// FindOneAndUpdate applies update to the first match and returns it as
	// selected by opts.ReturnNew.
	FindOneAndUpdate(ctx context.Context, filter, update bson.M, opts UpdateOptions) (bson.M, error)

	DeleteMany(ctx context.Context, filter bson.M) (int64, error)
	FindOneAndDelete(ctx context.Context, filter bson.M) (bson.M, error)

	// Distinct returns the distinct values of field among matching records,
	// in the order they were first seen.
	Distinct(ctx context.Context, field string, filter bson.M) ([]any, error)
}

// FindOptions are the read hints a Backend honours.
type FindOptions struct {
	Projection bson.M
	Sort       bson.D
	MaxTime    time.Duration
	Collation  map[string]any
}

// UpdateOptions are the write hints a Backend honours.
type UpdateOptions struct {
	Upsert    bool
	ReturnNew bool
	MaxTime   time.Duration
	Collation map[string]any
}

// UpdateResult reports a bulk update.
type UpdateResult struct {
	Matched  int64
	Modified int64

	// UpsertedID is set when Upsert inserted a new record.
	UpsertedID *primitive.ObjectID
}
