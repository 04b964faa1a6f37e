// Package store provides a typed query and mutation layer over a sharded
// document store.
//
// A [Collection] is partitioned by a shard-key field. Callers address
// documents by an opaque base64url identifier that the layer maps to the
// store's 12-byte ObjectID, and express queries and updates as [Filter]
// payloads instead of the store's native operator documents.
//
// # Filters
//
// A Filter maps field names to literal values, [Condition] values or
// nested Filters:
//
//	store.Filter{
//	    "shard":   "tenant-a",
//	    "name":    store.Gt("X").Lt("Z"),
//	    "tags":    store.IsSet(true),
//	    "address": store.Filter{"city": "Oslo"},
//	    store.KeyOr: []store.Filter{{"state": "new"}, {"state": "open"}},
//	}
//
// # Updates
//
// Update payloads mix criteria and mutations. Literal values assign, slices
// append, [Unset] removes a field and IsSet(true).Unset() removes it only
// where present:
//
//	coll.Update(ctx, store.Filter{
//	    "id":      id,
//	    "state":   "done",
//	    "history": []string{"done"},
//	    "lease":   store.Unset,
//	})
//
// Reserved option keys ([OptUpsert], [OptProjection], [OptSort],
// [OptMaxTimeMS], [OptReturnNewDocument], [OptCollation]) may be added to
// any payload.
//
// # Routing
//
// A payload pinning the identifier runs as one point operation. Pinning the
// shard key runs one bulk operation in that shard. Anything else discovers
// the matching shards and runs one bulk operation per shard concurrently,
// with no atomicity across shards.
//
// # Change Notification
//
// Every successful create, update or delete publishes the touched shard-key
// values on [Collection.Updated], once per call.
//
// # Errors
//
// The package defines domain-specific errors:
//
//   - [ErrDataShape] - identifier, filter, update or option cannot be translated
//   - [ErrPartialFailure] - a cross-shard or batch operation was partially applied
//   - [ErrInvalidConfig] - the Config cannot be used
//   - [ErrNotFound] - the backend cannot resolve a collection
//
// Store errors are returned unmodified. The layer does not retry.
package store
