// Package shard provides shard-key bookkeeping and concurrent per-shard execution.
package shard

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// DefaultLimit bounds concurrent per-shard operations when no limit is given.
const DefaultLimit = 16

// ErrNotString is returned when a shard-key value is not a string.
var ErrNotString = errors.New("shard: shard-key value is not a string")

// Keys converts discovered shard-key values to strings, dropping duplicates
// while keeping first-seen order.
func Keys(values []any) ([]string, error) {
	keys := make([]string, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %v (%T)", ErrNotString, v, v)
		}
		keys = append(keys, s)
	}
	return Dedup(keys), nil
}

// Dedup removes duplicate keys, keeping the first occurrence of each.
func Dedup(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	result := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		result = append(result, k)
	}
	return result
}

// Outcome is the settled result of one fan-out operation.
type Outcome[K comparable, T any] struct {
	Key   K
	Value T
	Err   error
}

// Fanout runs fn once per key with at most limit operations in flight and
// waits for all of them. A failing operation does not cancel its siblings.
// Outcomes are returned in key order, not completion order.
func Fanout[K comparable, T any](ctx context.Context, keys []K, limit int, fn func(ctx context.Context, key K) (T, error)) []Outcome[K, T] {
	outcomes := make([]Outcome[K, T], len(keys))
	if len(keys) == 0 {
		return outcomes
	}
	if limit < 1 {
		limit = DefaultLimit
	}

	// Fast path: a single key runs on the caller's goroutine.
	if len(keys) == 1 {
		v, err := fn(ctx, keys[0])
		outcomes[0] = Outcome[K, T]{Key: keys[0], Value: v, Err: err}
		return outcomes
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, key := range keys {
		g.Go(func() error {
			v, err := fn(ctx, key)
			outcomes[i] = Outcome[K, T]{Key: key, Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}
