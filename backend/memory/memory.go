// Package memory provides an in-process store.Backend.
//
// Records are kept in insertion order and evaluated with the same operator
// semantics as MongoDB for the operators the store package emits. It backs
// unit tests and ephemeral test connections:
//
//	server := memory.Start()
//	conn, err := store.ConnectEphemeral(ctx, server, memory.Dial)
package memory

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/jacentio/shardwise/internal/query"
	"github.com/jacentio/shardwise/store"
)

// ErrDuplicateKey is returned when an insert reuses an existing _id.
var ErrDuplicateKey = errors.New("memory: duplicate _id")

const idKey = "_id"

// Database is a set of named in-memory collections.
type Database struct {
	mu          sync.Mutex
	collections map[string]*Collection
}

// New returns an empty Database.
func New() *Database {
	return &Database{collections: make(map[string]*Collection)}
}

// Collection returns the named collection, creating it on first use.
func (d *Database) Collection(name string) store.Backend {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.collections[name]
	if !ok {
		c = &Collection{}
		d.collections[name] = c
	}
	return c
}

// Close is a no-op; the data lives as long as the Database.
func (d *Database) Close(context.Context) error {
	return nil
}

// Collection is an in-memory store.Backend.
type Collection struct {
	mu   sync.RWMutex
	docs []map[string]any
}

var _ store.Backend = (*Collection)(nil)

// Len returns the number of stored records.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// indexes returns the positions of the records matching filter. The caller
// holds c.mu.
func (c *Collection) indexes(filter bson.M) ([]int, error) {
	f := query.Document(filter)
	var matched []int
	for i, doc := range c.docs {
		ok, err := query.Match(doc, f)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, i)
		}
	}
	return matched, nil
}

func (c *Collection) find(ctx context.Context, filter bson.M, opts store.FindOptions) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	matched, err := c.indexes(filter)
	docs := make([]map[string]any, len(matched))
	for i, idx := range matched {
		docs[i] = query.Document(c.docs[idx])
	}
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	query.Sort(docs, opts.Sort)
	for i, doc := range docs {
		docs[i] = query.Project(doc, opts.Projection)
	}
	return docs, nil
}

func (c *Collection) FindOne(ctx context.Context, filter bson.M, opts store.FindOptions) (bson.M, error) {
	docs, err := c.find(ctx, filter, opts)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (c *Collection) Find(ctx context.Context, filter bson.M, opts store.FindOptions) iter.Seq2[bson.M, error] {
	return func(yield func(bson.M, error) bool) {
		docs, err := c.find(ctx, filter, opts)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, doc := range docs {
			if !yield(doc, nil) {
				return
			}
		}
	}
}

// InsertMany stores all of docs or none of them.
func (c *Collection) InsertMany(ctx context.Context, docs []bson.M) ([]primitive.ObjectID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[primitive.ObjectID]struct{}, len(c.docs)+len(docs))
	for _, doc := range c.docs {
		if oid, ok := doc[idKey].(primitive.ObjectID); ok {
			seen[oid] = struct{}{}
		}
	}

	records := make([]map[string]any, len(docs))
	ids := make([]primitive.ObjectID, len(docs))
	for i, doc := range docs {
		rec := query.Document(doc)
		oid, ok := rec[idKey].(primitive.ObjectID)
		if !ok {
			if _, has := rec[idKey]; has {
				return nil, fmt.Errorf("memory: _id must be an ObjectID, got %T", rec[idKey])
			}
			oid = primitive.NewObjectID()
			rec[idKey] = oid
		}
		if _, dup := seen[oid]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, oid.Hex())
		}
		seen[oid] = struct{}{}
		records[i] = rec
		ids[i] = oid
	}

	c.docs = append(c.docs, records...)
	return ids, nil
}

// UpdateMany applies update to every match, or to none if any fails.
func (c *Collection) UpdateMany(ctx context.Context, filter, update bson.M, opts store.UpdateOptions) (store.UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return store.UpdateResult{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	matched, err := c.indexes(filter)
	if err != nil {
		return store.UpdateResult{}, err
	}

	var result store.UpdateResult
	updated := make(map[int]map[string]any, len(matched))
	for _, idx := range matched {
		doc, changed, err := query.Apply(c.docs[idx], update)
		if err != nil {
			return store.UpdateResult{}, err
		}
		result.Matched++
		if changed {
			result.Modified++
			updated[idx] = doc
		}
	}
	for idx, doc := range updated {
		c.docs[idx] = doc
	}

	if len(matched) == 0 && opts.Upsert {
		doc, err := c.upsert(filter, update)
		if err != nil {
			return store.UpdateResult{}, err
		}
		oid := doc[idKey].(primitive.ObjectID)
		result.UpsertedID = &oid
	}
	return result, nil
}

// upsert inserts the document seeded from filter with update applied. The
// caller holds c.mu.
func (c *Collection) upsert(filter, update bson.M) (map[string]any, error) {
	doc, _, err := query.Apply(query.Seed(filter), update)
	if err != nil {
		return nil, err
	}
	if _, ok := doc[idKey].(primitive.ObjectID); !ok {
		doc[idKey] = primitive.NewObjectID()
	}
	c.docs = append(c.docs, doc)
	return doc, nil
}

func (c *Collection) FindOneAndUpdate(ctx context.Context, filter, update bson.M, opts store.UpdateOptions) (bson.M, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	matched, err := c.indexes(filter)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		if !opts.Upsert {
			return nil, nil
		}
		doc, err := c.upsert(filter, update)
		if err != nil || !opts.ReturnNew {
			return nil, err
		}
		return query.Document(doc), nil
	}

	idx := matched[0]
	before := c.docs[idx]
	after, _, err := query.Apply(before, update)
	if err != nil {
		return nil, err
	}
	c.docs[idx] = after
	if opts.ReturnNew {
		return query.Document(after), nil
	}
	return query.Document(before), nil
}

func (c *Collection) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	f := query.Document(filter)
	kept := c.docs[:0:0]
	var deleted int64
	for _, doc := range c.docs {
		ok, err := query.Match(doc, f)
		if err != nil {
			return 0, err
		}
		if ok {
			deleted++
			continue
		}
		kept = append(kept, doc)
	}
	c.docs = kept
	return deleted, nil
}

func (c *Collection) FindOneAndDelete(ctx context.Context, filter bson.M) (bson.M, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	matched, err := c.indexes(filter)
	if err != nil || len(matched) == 0 {
		return nil, err
	}
	idx := matched[0]
	doc := c.docs[idx]
	c.docs = append(c.docs[:idx:idx], c.docs[idx+1:]...)
	return doc, nil
}

func (c *Collection) Distinct(ctx context.Context, field string, filter bson.M) ([]any, error) {
	docs, err := c.find(ctx, filter, store.FindOptions{})
	if err != nil {
		return nil, err
	}
	values := query.Distinct(docs, field)
	if values == nil {
		values = []any{}
	}
	return values, nil
}
