package dynamo

import (
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/jacentio/shardwise/internal/query"
)

const (
	// idKey is the table's hash key, holding the ObjectID as hex.
	idKey = "_id"

	// seqKey records insertion order, which scans do not preserve.
	seqKey = "_seq"
)

var sequence struct {
	sync.Mutex
	last int64
}

// nextSeq returns a process-wide increasing insertion stamp.
func nextSeq() int64 {
	sequence.Lock()
	defer sequence.Unlock()
	n := time.Now().UnixNano()
	if n <= sequence.last {
		n = sequence.last + 1
	}
	sequence.last = n
	return n
}

// plain converts a value to types attributevalue can marshal: canonical
// maps and lists, with ObjectIDs as hex strings.
func plain(v any) any {
	switch t := query.Canonical(v).(type) {
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC().Format(time.RFC3339Nano)
	case map[string]any:
		for k, e := range t {
			t[k] = plain(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = plain(e)
		}
		return t
	default:
		return t
	}
}

func marshal(v any) (types.AttributeValue, error) {
	av, err := attributevalue.Marshal(plain(v))
	if err != nil {
		return nil, fmt.Errorf("dynamo: marshal: %w", err)
	}
	return av, nil
}

// toItem converts a record to an item stamped with seq.
func toItem(rec bson.M, seq int64) (map[string]types.AttributeValue, error) {
	oid, ok := rec[idKey].(primitive.ObjectID)
	if !ok {
		return nil, fmt.Errorf("dynamo: record %s is %T, not an ObjectID", idKey, rec[idKey])
	}
	doc := plain(rec).(map[string]any)
	doc[idKey] = oid.Hex()
	doc[seqKey] = seq

	item, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return nil, fmt.Errorf("dynamo: marshal: %w", err)
	}
	return item, nil
}

// fromItem converts an item back to a record and returns its insertion
// stamp. Integral numbers decode as int64, others as float64.
func fromItem(item map[string]types.AttributeValue) (bson.M, int64, error) {
	var doc map[string]any
	err := attributevalue.UnmarshalMapWithOptions(item, &doc, func(o *attributevalue.DecoderOptions) {
		o.UseNumber = true
	})
	if err != nil {
		return nil, 0, fmt.Errorf("dynamo: unmarshal: %w", err)
	}
	rec := numbers(doc).(map[string]any)

	var seq int64
	if n, ok := rec[seqKey].(int64); ok {
		seq = n
	}
	delete(rec, seqKey)

	if h, ok := rec[idKey].(string); ok {
		oid, err := primitive.ObjectIDFromHex(h)
		if err != nil {
			return nil, 0, fmt.Errorf("dynamo: item %s %q: %w", idKey, h, err)
		}
		rec[idKey] = oid
	}
	return rec, seq, nil
}

func numbers(v any) any {
	switch t := v.(type) {
	case attributevalue.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = numbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = numbers(e)
		}
		return t
	}
	return v
}

func key(oid primitive.ObjectID) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		idKey: &types.AttributeValueMemberS{Value: oid.Hex()},
	}
}
