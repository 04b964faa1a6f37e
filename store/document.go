package store

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/jacentio/shardwise/internal/query"
)

const (
	idField      = "id"
	storeIDField = "_id"
)

// Document is a stored document as seen by callers. It always carries "id"
// and the collection's shard-key field.
type Document map[string]any

// ID returns the document identifier, or "" if it has none.
func (d Document) ID() string {
	id, _ := d[idField].(string)
	return id
}

// toDocument converts a store record to its public shape: the binary "_id"
// is decoded into "id" and timestamps are normalized.
func (c *Collection) toDocument(rec bson.M) (Document, error) {
	if rec == nil {
		return nil, nil
	}
	doc := query.Document(rec)
	if raw, ok := doc[storeIDField]; ok {
		oid, ok := raw.(primitive.ObjectID)
		if !ok {
			return nil, dataShapef("record identifier is %T, not an ObjectID", raw)
		}
		id, err := c.codec.Decode(oid)
		if err != nil {
			return nil, dataShapef("%v", err)
		}
		delete(doc, storeIDField)
		doc[idField] = id
	}
	return Document(normalizeMap(doc)), nil
}

// fromDocument converts doc to a store record, generating an identifier
// when doc has none.
func (c *Collection) fromDocument(doc Document) (bson.M, error) {
	if _, ok := doc[c.config.ShardKey].(string); !ok {
		return nil, dataShapef("document shard key %q must be a string, got %T", c.config.ShardKey, doc[c.config.ShardKey])
	}

	rec := make(bson.M, len(doc))
	for k, v := range doc {
		if k == idField || k == storeIDField {
			continue
		}
		rec[k] = NormalizeTimestamps(v)
	}

	id, ok := doc[idField]
	if !ok || id == nil || id == "" {
		id = c.codec.Generate()
	}
	oid, err := c.tr.encodeID(id)
	if err != nil {
		return nil, err
	}
	rec[storeIDField] = oid
	return rec, nil
}
