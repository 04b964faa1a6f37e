package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/jacentio/shardwise/internal/ident"
	"github.com/jacentio/shardwise/internal/shard"
)

// Collection provides typed access to one sharded collection of a Backend.
type Collection struct {
	backend Backend
	config  Config
	codec   ident.Codec
	tr      translator
	logger  *slog.Logger

	// Updated publishes the shard-key values touched by every successful
	// create, update or delete.
	Updated *Event
}

// Result reports a single Update or Delete call.
type Result struct {
	// Document is the affected document when the identifier was pinned.
	Document Document

	// Matched counts the documents the filter selected. Modified counts the
	// documents changed, which for a cross-shard update may be lower.
	Matched  int64
	Modified int64

	// Shards lists the touched shard-key values, deduplicated.
	Shards []string
}

// New creates a Collection over backend.
func New(backend Backend, config Config) (*Collection, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", ErrInvalidConfig)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	codec, err := ident.New(config.IDLength)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &Collection{
		backend: backend,
		config:  config,
		codec:   codec,
		tr:      translator{shardKey: config.ShardKey, codec: codec},
		logger:  config.Logger,
		Updated: &Event{},
	}, nil
}

// ShardKey returns the name of the shard-key field.
func (c *Collection) ShardKey() string {
	return c.config.ShardKey
}

// Get returns the first document matching filter, or nil if there is none.
// Options in filter ($projection, $sort, $maxTimeMS, $collation) apply.
func (c *Collection) Get(ctx context.Context, filter Filter) (Document, error) {
	opts, native, err := c.translateFilter(filter)
	if err != nil {
		return nil, err
	}
	rec, err := c.backend.FindOne(ctx, native, opts.find())
	if err != nil {
		return nil, err
	}
	return c.toDocument(rec)
}

// List returns every document matching filter in store order, or in the
// order given by $sort.
func (c *Collection) List(ctx context.Context, filter Filter) ([]Document, error) {
	opts, native, err := c.translateFilter(filter)
	if err != nil {
		return nil, err
	}

	docs := []Document{}
	for rec, err := range c.backend.Find(ctx, native, opts.find()) {
		if err != nil {
			return nil, err
		}
		doc, err := c.toDocument(rec)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Create stores doc and returns it as stored. A document without "id" gets
// a generated identifier. A listener error is returned together with the
// stored document.
func (c *Collection) Create(ctx context.Context, doc Document) (Document, error) {
	rec, err := c.fromDocument(doc)
	if err != nil {
		return nil, err
	}
	docs, err := c.insert(ctx, []bson.M{rec})
	if len(docs) == 0 {
		return nil, err
	}
	return docs[0], err
}

// CreateMany stores docs and returns them as stored, in input order. One
// event is published with the distinct shards of the created documents.
//
// Documents are written in order. When the store fails part way, the
// documents written before the failure stay stored: they are returned and
// published, and the error is a *PartialFailureError whose failure carries
// the index of the first document not written.
func (c *Collection) CreateMany(ctx context.Context, docs []Document) ([]Document, error) {
	if len(docs) == 0 {
		return []Document{}, nil
	}

	recs := make([]bson.M, len(docs))
	for i, doc := range docs {
		rec, err := c.fromDocument(doc)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		recs[i] = rec
	}
	return c.insert(ctx, recs)
}

func (c *Collection) insert(ctx context.Context, recs []bson.M) ([]Document, error) {
	ids, insertErr := c.backend.InsertMany(ctx, recs)
	if len(ids) == 0 {
		return nil, insertErr
	}

	// Read back what the store holds, then restore input order.
	byID := make(map[primitive.ObjectID]Document, len(ids))
	for rec, err := range c.backend.Find(ctx, bson.M{storeIDField: bson.M{"$in": ids}}, FindOptions{}) {
		if err != nil {
			return nil, errors.Join(insertErr, err)
		}
		oid, _ := rec[storeIDField].(primitive.ObjectID)
		doc, err := c.toDocument(rec)
		if err != nil {
			return nil, errors.Join(insertErr, err)
		}
		byID[oid] = doc
	}

	created := make([]Document, 0, len(ids))
	shards := make([]string, 0, len(ids))
	for _, oid := range ids {
		doc, ok := byID[oid]
		if !ok {
			continue
		}
		created = append(created, doc)
		if s, ok := doc[c.config.ShardKey].(string); ok {
			shards = append(shards, s)
		}
	}

	if insertErr != nil {
		c.logger.Warn("create partially applied",
			"completed", len(ids),
			"failed", len(recs)-len(ids),
			"error", insertErr,
		)
		insertErr = &PartialFailureError{
			Op:        "create",
			Completed: len(ids),
			Failures:  []SubError{{Index: len(ids), Err: insertErr}},
		}
	}
	return created, c.publish(ctx, shard.Dedup(shards), insertErr)
}

// Update applies the mutations in payload to the documents selected by the
// criteria in the same payload.
//
// Criteria are "id", the shard key, "$or", Conditions and nested Filters.
// Mutations are literal values (assign), slices (append), Unset (remove) and
// IsSet(true).Unset() (remove where present). Option keys may be included.
//
// With the identifier pinned, the updated document is returned (or the
// previous one with $returnNewDocument false); nil means no match. Without
// a pinned shard key the update runs once per matching shard and may be
// partially applied: see PartialFailureError.
func (c *Collection) Update(ctx context.Context, payload Filter) (*Result, error) {
	m, err := c.updateMutation(payload)
	if err != nil {
		return nil, err
	}
	return c.mutate(ctx, m)
}

// UpdateMany runs each payload as an independent Update, concurrently. It
// returns the documents of payloads that pinned an identifier and matched,
// in input order, and publishes one event for all touched shards. Failed
// payloads are reported through a *PartialFailureError indexed by payload.
func (c *Collection) UpdateMany(ctx context.Context, payloads []Filter) ([]Document, error) {
	muts := make([]mutation, len(payloads))
	for i, p := range payloads {
		m, err := c.updateMutation(p)
		if err != nil {
			return nil, fmt.Errorf("payload %d: %w", i, err)
		}
		muts[i] = m
	}
	return c.mutateBatch(ctx, "update", muts)
}

// Delete removes the documents matching filter. With the identifier pinned,
// the removed document is returned.
func (c *Collection) Delete(ctx context.Context, filter Filter) (*Result, error) {
	m, err := c.deleteMutation(filter)
	if err != nil {
		return nil, err
	}
	if m.opts.MaxTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.MaxTime)
		defer cancel()
	}
	return c.mutate(ctx, m)
}

// DeleteMany runs each filter as an independent Delete, concurrently, with
// the same result and failure reporting as UpdateMany.
func (c *Collection) DeleteMany(ctx context.Context, filters []Filter) ([]Document, error) {
	muts := make([]mutation, len(filters))
	for i, f := range filters {
		m, err := c.deleteMutation(f)
		if err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
		muts[i] = m
	}
	return c.mutateBatch(ctx, "delete", muts)
}

// Distinct returns the distinct values of field across the collection.
func (c *Collection) Distinct(ctx context.Context, field string) ([]any, error) {
	values, err := c.backend.Distinct(ctx, nativeField(field), bson.M{})
	if err != nil {
		return nil, err
	}
	result := make([]any, len(values))
	for i, v := range values {
		if oid, ok := v.(primitive.ObjectID); ok && field == idField {
			id, err := c.codec.Decode(oid)
			if err != nil {
				return nil, dataShapef("%v", err)
			}
			result[i] = id
			continue
		}
		result[i] = NormalizeTimestamps(v)
	}
	return result, nil
}

func (c *Collection) translateFilter(filter Filter) (Options, bson.M, error) {
	opts, rest, err := ExtractOptions(filter)
	if err != nil {
		return Options{}, nil, err
	}
	native, err := c.tr.filter(rest)
	if err != nil {
		return Options{}, nil, err
	}
	return opts, native, nil
}

func (c *Collection) updateMutation(payload Filter) (mutation, error) {
	opts, rest, err := ExtractOptions(payload)
	if err != nil {
		return mutation{}, err
	}
	filter, update, err := c.tr.payload(rest)
	if err != nil {
		return mutation{}, err
	}
	if len(update) == 0 {
		return mutation{}, dataShapef("update has no mutations")
	}
	return mutation{op: "update", filter: filter, update: update, opts: opts.update()}, nil
}

func (c *Collection) deleteMutation(filter Filter) (mutation, error) {
	opts, native, err := c.translateFilter(filter)
	if err != nil {
		return mutation{}, err
	}
	return mutation{op: "delete", filter: native, opts: opts.update()}, nil
}

func (c *Collection) mutate(ctx context.Context, m mutation) (*Result, error) {
	res, err := c.execute(ctx, m)
	shards := shard.Dedup(res.shards)
	err = c.publish(ctx, shards, err)
	if err != nil && len(shards) == 0 {
		return nil, err
	}
	return &Result{Document: res.doc, Matched: res.matched, Modified: res.modified, Shards: shards}, err
}

func (c *Collection) mutateBatch(ctx context.Context, op string, muts []mutation) ([]Document, error) {
	if len(muts) == 0 {
		return []Document{}, nil
	}
	docs, shards, err := c.executeBatch(ctx, op, muts)
	if docs == nil {
		docs = []Document{}
	}
	return docs, c.publish(ctx, shard.Dedup(shards), err)
}

// publish announces shards even when the mutation failed part way, since
// the shards in the list did commit. Listener errors are joined with the
// mutation error.
func (c *Collection) publish(ctx context.Context, shards []string, err error) error {
	pubErr := c.Updated.Publish(ctx, shards)
	switch {
	case pubErr == nil:
		return err
	case err == nil:
		return pubErr
	}
	return errors.Join(err, pubErr)
}
