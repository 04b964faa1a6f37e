package store

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/jacentio/shardwise/internal/shard"
)

// route is the execution path chosen for a translated filter.
type route int

const (
	// routeDocument: the identifier is pinned, one point operation.
	routeDocument route = iota

	// routeShard: the shard key is pinned, one bulk operation.
	routeShard

	// routeCross: discover the matching shards, then one bulk operation per
	// shard, run concurrently. There is no atomicity across shards.
	routeCross
)

func (r route) String() string {
	switch r {
	case routeDocument:
		return "document"
	case routeShard:
		return "shard"
	default:
		return "cross-shard"
	}
}

// mutation is one translated update or delete. update is nil for deletes.
type mutation struct {
	op     string
	filter bson.M
	update bson.M
	opts   UpdateOptions
}

// applied is the aggregated outcome of a mutation. shards lists every shard
// the mutation touched, in discovery order.
type applied struct {
	doc      Document
	matched  int64
	modified int64
	shards   []string
}

func (c *Collection) route(filter bson.M) (route, string) {
	if _, ok := filter[storeIDField].(primitive.ObjectID); ok {
		return routeDocument, ""
	}
	if s, ok := filter[c.config.ShardKey].(string); ok {
		return routeShard, s
	}
	return routeCross, ""
}

// execute runs m on the path its filter selects.
func (c *Collection) execute(ctx context.Context, m mutation) (applied, error) {
	r, pinned := c.route(m.filter)
	c.logger.Debug("routing mutation",
		"op", m.op,
		"route", r.String(),
		"shard", pinned,
	)

	switch r {
	case routeDocument:
		return c.executeDocument(ctx, m)
	case routeShard:
		return c.executeShard(ctx, m, pinned)
	default:
		return c.executeCross(ctx, m)
	}
}

func (c *Collection) executeDocument(ctx context.Context, m mutation) (applied, error) {
	var (
		rec bson.M
		err error
	)
	if m.update == nil {
		rec, err = c.backend.FindOneAndDelete(ctx, m.filter)
	} else {
		rec, err = c.backend.FindOneAndUpdate(ctx, m.filter, m.update, m.opts)
	}
	if err != nil {
		return applied{}, err
	}
	if rec == nil {
		if m.update != nil && m.opts.Upsert {
			return c.upserted(ctx, m)
		}
		return applied{}, nil
	}

	doc, err := c.toDocument(rec)
	if err != nil {
		return applied{}, err
	}
	res := applied{doc: doc, matched: 1, modified: 1}
	if s, ok := doc[c.config.ShardKey].(string); ok {
		res.shards = []string{s}
	}
	return res, nil
}

// upserted reports a point upsert that inserted a document while asking for
// the previous one, so the backend returned nothing. The shard comes from
// the filter when pinned, otherwise from the stored document.
func (c *Collection) upserted(ctx context.Context, m mutation) (applied, error) {
	res := applied{modified: 1}
	if s, ok := m.filter[c.config.ShardKey].(string); ok {
		res.shards = []string{s}
		return res, nil
	}
	rec, err := c.backend.FindOne(ctx, bson.M{storeIDField: m.filter[storeIDField]}, FindOptions{})
	if err != nil {
		return res, err
	}
	if s, ok := rec[c.config.ShardKey].(string); ok {
		res.shards = []string{s}
	}
	return res, nil
}

func (c *Collection) executeShard(ctx context.Context, m mutation, key string) (applied, error) {
	var res applied
	if m.update == nil {
		n, err := c.backend.DeleteMany(ctx, m.filter)
		if err != nil {
			return applied{}, err
		}
		res.matched, res.modified = n, n
	} else {
		r, err := c.backend.UpdateMany(ctx, m.filter, m.update, m.opts)
		if err != nil {
			return applied{}, err
		}
		res.matched, res.modified = r.Matched, r.Modified
		if r.UpsertedID != nil {
			res.modified++
		}
	}
	if res.matched > 0 || res.modified > 0 {
		res.shards = []string{key}
	}
	return res, nil
}

// executeCross discovers the shards matching m.filter with one read and
// runs m scoped to each of them. A failure leaves the shards that already
// committed as they are: they are reported as touched and the error is a
// *PartialFailureError.
func (c *Collection) executeCross(ctx context.Context, m mutation) (applied, error) {
	values, err := c.backend.Distinct(ctx, c.config.ShardKey, m.filter)
	if err != nil {
		return applied{}, err
	}
	keys, err := shard.Keys(values)
	if err != nil {
		return applied{}, dataShapef("%v", err)
	}
	if len(keys) == 0 {
		if m.update != nil && m.opts.Upsert {
			return applied{}, dataShapef("upsert requires the identifier or shard key %q to be pinned", c.config.ShardKey)
		}
		return applied{}, nil
	}

	outcomes := shard.Fanout(ctx, keys, c.config.Concurrency, func(ctx context.Context, key string) (applied, error) {
		scoped := m
		scoped.filter = scope(m.filter, c.config.ShardKey, key)
		return c.executeShard(ctx, scoped, key)
	})

	var (
		res      applied
		failures []SubError
	)
	for _, o := range outcomes {
		if o.Err != nil {
			failures = append(failures, SubError{Shard: o.Key, Index: -1, Err: o.Err})
			continue
		}
		res.matched += o.Value.matched
		res.modified += o.Value.modified
		res.shards = append(res.shards, o.Key)
	}

	if len(failures) > 0 {
		c.logger.Warn("cross-shard mutation partially applied",
			"op", m.op,
			"completed", len(res.shards),
			"failed", len(failures),
		)
	}
	return res, failure(m.op, len(res.shards), failures)
}

// scope returns filter narrowed to one shard. A shard-key condition already
// in filter is kept through $and.
func scope(filter bson.M, shardKey, value string) bson.M {
	scoped := make(bson.M, len(filter)+1)
	for k, v := range filter {
		scoped[k] = v
	}
	if cond, ok := filter[shardKey]; ok {
		and, _ := filter["$and"].([]bson.M)
		scoped["$and"] = append(append([]bson.M(nil), and...), bson.M{shardKey: cond})
	}
	scoped[shardKey] = value
	return scoped
}

// executeBatch runs every mutation independently and concurrently. Items
// that fail do not stop their siblings; their errors are reported by index.
// Documents are returned in input order for the items that resolved to one.
func (c *Collection) executeBatch(ctx context.Context, op string, muts []mutation) ([]Document, []string, error) {
	indexes := make([]int, len(muts))
	for i := range indexes {
		indexes[i] = i
	}

	outcomes := shard.Fanout(ctx, indexes, c.config.Concurrency, func(ctx context.Context, i int) (applied, error) {
		return c.execute(ctx, muts[i])
	})

	var (
		docs      []Document
		shards    []string
		failures  []SubError
		completed int
	)
	for _, o := range outcomes {
		shards = append(shards, o.Value.shards...)
		if o.Err != nil {
			failures = append(failures, SubError{Index: o.Key, Err: o.Err})
			continue
		}
		completed++
		if o.Value.doc != nil {
			docs = append(docs, o.Value.doc)
		}
	}

	if len(failures) > 0 {
		c.logger.Warn("batch mutation partially applied",
			"op", op,
			"completed", completed,
			"failed", len(failures),
		)
	}
	return docs, shards, failure(op, completed, failures)
}
