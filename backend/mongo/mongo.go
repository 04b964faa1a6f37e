// Package mongo adapts a MongoDB collection to store.Backend.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/jacentio/shardwise/store"
)

// DefaultDatabase is used when the URI names no database.
const DefaultDatabase = "shardwise"

// Database is a dialed MongoDB database. It owns its client.
type Database struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ store.Database = (*Database)(nil)

// Dial connects to uri and verifies the connection. It is a store.Dialer.
// Nested documents decode as bson.M.
func Dial(ctx context.Context, uri string) (store.Database, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return nil, fmt.Errorf("parse uri: %w", err)
	}
	name := cs.Database
	if name == "" {
		name = DefaultDatabase
	}

	opts := options.Client().
		ApplyURI(uri).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Database{client: client, db: client.Database(name)}, nil
}

// Collection returns the named collection.
func (d *Database) Collection(name string) store.Backend {
	return New(d.db.Collection(name))
}

// DropCollection drops the named collection.
func (d *Database) DropCollection(ctx context.Context, name string) error {
	return d.db.Collection(name).Drop(ctx)
}

// Close disconnects the client.
func (d *Database) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

// Collection is a store.Backend over a MongoDB collection.
type Collection struct {
	coll *mongo.Collection
}

var _ store.Backend = (*Collection)(nil)

// New wraps coll.
func New(coll *mongo.Collection) *Collection {
	return &Collection{coll: coll}
}

func (c *Collection) FindOne(ctx context.Context, filter bson.M, opts store.FindOptions) (bson.M, error) {
	ctx, cancel := withMaxTime(ctx, opts.MaxTime)
	defer cancel()

	findOpts := options.FindOne()
	if len(opts.Projection) > 0 {
		findOpts.SetProjection(opts.Projection)
	}
	if len(opts.Sort) > 0 {
		findOpts.SetSort(opts.Sort)
	}
	if opts.Collation != nil {
		findOpts.SetCollation(collation(opts.Collation))
	}

	var rec bson.M
	err := c.coll.FindOne(ctx, filter, findOpts).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Collection) Find(ctx context.Context, filter bson.M, opts store.FindOptions) iter.Seq2[bson.M, error] {
	return func(yield func(bson.M, error) bool) {
		ctx, cancel := withMaxTime(ctx, opts.MaxTime)
		defer cancel()

		findOpts := options.Find()
		if len(opts.Projection) > 0 {
			findOpts.SetProjection(opts.Projection)
		}
		if len(opts.Sort) > 0 {
			findOpts.SetSort(opts.Sort)
		}
		if opts.Collation != nil {
			findOpts.SetCollation(collation(opts.Collation))
		}

		cursor, err := c.coll.Find(ctx, filter, findOpts)
		if err != nil {
			yield(nil, err)
			return
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			var rec bson.M
			if err := cursor.Decode(&rec); err != nil {
				yield(nil, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := cursor.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func (c *Collection) InsertMany(ctx context.Context, docs []bson.M) ([]primitive.ObjectID, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	batch := make([]interface{}, len(docs))
	for i, doc := range docs {
		batch[i] = doc
	}

	result, err := c.coll.InsertMany(ctx, batch)
	if result == nil {
		return nil, err
	}
	ids := make([]primitive.ObjectID, len(result.InsertedIDs))
	for i, raw := range result.InsertedIDs {
		oid, ok := raw.(primitive.ObjectID)
		if !ok {
			return nil, errors.Join(err, fmt.Errorf("inserted id %d is %T, not an ObjectID", i, raw))
		}
		ids[i] = oid
	}
	if err != nil {
		return ids[:committed(err, len(ids))], err
	}
	return ids, nil
}

// committed returns how many leading documents of an ordered insert were
// written before err. Only write errors pin the position; anything else
// counts as nothing written.
func committed(err error, n int) int {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || len(bwe.WriteErrors) == 0 {
		return 0
	}
	first := n
	for _, we := range bwe.WriteErrors {
		if we.Index >= 0 && we.Index < first {
			first = we.Index
		}
	}
	return first
}

func (c *Collection) UpdateMany(ctx context.Context, filter, update bson.M, opts store.UpdateOptions) (store.UpdateResult, error) {
	ctx, cancel := withMaxTime(ctx, opts.MaxTime)
	defer cancel()

	updateOpts := options.Update().SetUpsert(opts.Upsert)
	if opts.Collation != nil {
		updateOpts.SetCollation(collation(opts.Collation))
	}

	result, err := c.coll.UpdateMany(ctx, filter, update, updateOpts)
	if err != nil {
		return store.UpdateResult{}, err
	}
	res := store.UpdateResult{Matched: result.MatchedCount, Modified: result.ModifiedCount}
	if oid, ok := result.UpsertedID.(primitive.ObjectID); ok {
		res.UpsertedID = &oid
	}
	return res, nil
}

func (c *Collection) FindOneAndUpdate(ctx context.Context, filter, update bson.M, opts store.UpdateOptions) (bson.M, error) {
	ctx, cancel := withMaxTime(ctx, opts.MaxTime)
	defer cancel()

	returnDocument := options.Before
	if opts.ReturnNew {
		returnDocument = options.After
	}
	updateOpts := options.FindOneAndUpdate().
		SetUpsert(opts.Upsert).
		SetReturnDocument(returnDocument)
	if opts.Collation != nil {
		updateOpts.SetCollation(collation(opts.Collation))
	}

	var rec bson.M
	err := c.coll.FindOneAndUpdate(ctx, filter, update, updateOpts).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Collection) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	result, err := c.coll.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}

func (c *Collection) FindOneAndDelete(ctx context.Context, filter bson.M) (bson.M, error) {
	var rec bson.M
	err := c.coll.FindOneAndDelete(ctx, filter).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Distinct returns values in server order, which for MongoDB is not
// necessarily first-seen order.
func (c *Collection) Distinct(ctx context.Context, field string, filter bson.M) ([]any, error) {
	values, err := c.coll.Distinct(ctx, field, filter)
	if err != nil {
		return nil, err
	}
	return values, nil
}

func withMaxTime(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// collation converts a collation document to driver options. Unknown keys
// are ignored.
func collation(m map[string]any) *options.Collation {
	c := &options.Collation{}
	c.Locale, _ = m["locale"].(string)
	c.CaseFirst, _ = m["caseFirst"].(string)
	c.Alternate, _ = m["alternate"].(string)
	c.MaxVariable, _ = m["maxVariable"].(string)
	c.CaseLevel, _ = m["caseLevel"].(bool)
	c.NumericOrdering, _ = m["numericOrdering"].(bool)
	c.Normalization, _ = m["normalization"].(bool)
	c.Backwards, _ = m["backwards"].(bool)
	switch s := m["strength"].(type) {
	case int:
		c.Strength = s
	case int32:
		c.Strength = int(s)
	case int64:
		c.Strength = int(s)
	case float64:
		c.Strength = int(s)
	}
	return c
}
