// Package query evaluates native filter and update documents against
// documents held in memory.
//
// Documents are canonical trees of map[string]any, []any and scalars.
// Canonical converts driver-specific shapes (bson.M, bson.D, bson.A, typed
// slices) into that form.
package query

import (
	"bytes"
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Canonical returns a deep copy of v using map[string]any for documents and
// []any for arrays.
func Canonical(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = Canonical(e)
		}
		return m
	case bson.M:
		return Canonical(map[string]any(t))
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = Canonical(e.Value)
		}
		return m
	case []any:
		a := make([]any, len(t))
		for i, e := range t {
			a[i] = Canonical(e)
		}
		return a
	case bson.A:
		return Canonical([]any(t))
	case []byte:
		return append([]byte(nil), t...)
	case string, bool, int, int32, int64, float64, primitive.ObjectID, time.Time, primitive.DateTime:
		return t
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		a := make([]any, rv.Len())
		for i := range a {
			a[i] = Canonical(rv.Index(i).Interface())
		}
		return a
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = Canonical(iter.Value().Interface())
		}
		return m
	}
	return v
}

// Document returns a canonical copy of doc.
func Document(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	return Canonical(doc).(map[string]any)
}

// asMap reports whether v is a document and returns it.
func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case bson.M:
		return map[string]any(t), true
	case bson.D:
		return Canonical(t).(map[string]any), true
	}
	return nil, false
}

// asList reports whether v is an array (other than []byte) and returns it.
func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case bson.A:
		return []any(t), true
	case []byte, primitive.ObjectID, nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		return Canonical(v).([]any), true
	}
	return nil, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case primitive.DateTime:
		return t.Time(), true
	}
	return time.Time{}, false
}

// Equal reports whether two values are equal, comparing numbers by value
// regardless of their Go type.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := toFloat64(a); ok {
		y, ok := toFloat64(b)
		return ok && x == y
	}
	if x, ok := toTime(a); ok {
		y, ok := toTime(b)
		return ok && x.Equal(y)
	}
	if x, ok := asMap(a); ok {
		y, ok := asMap(b)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !Equal(xv, yv) {
				return false
			}
		}
		return true
	}
	if x, ok := asList(a); ok {
		y, ok := asList(b)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	}
	if x, ok := a.([]byte); ok {
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	}
	return reflect.DeepEqual(a, b)
}

// Compare orders two values of the same kind. The boolean is false when the
// values are not comparable (different kinds, documents, arrays).
func Compare(a, b any) (int, bool) {
	if x, ok := toFloat64(a); ok {
		y, ok := toFloat64(b)
		if !ok {
			return 0, false
		}
		return cmpOrdered(x, y), true
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return cmpOrdered(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		return cmpOrdered(boolRank(x), boolRank(y)), true
	case primitive.ObjectID:
		y, ok := b.(primitive.ObjectID)
		if !ok {
			return 0, false
		}
		return bytes.Compare(x[:], y[:]), true
	}
	if x, ok := toTime(a); ok {
		y, ok := toTime(b)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	}
	return 0, false
}

func cmpOrdered[T int | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

// typeRank follows the store's cross-type sort order.
func typeRank(v any) int {
	if v == nil {
		return 0
	}
	if _, ok := toFloat64(v); ok {
		return 1
	}
	switch v.(type) {
	case string:
		return 2
	case primitive.ObjectID:
		return 6
	case bool:
		return 7
	}
	if _, ok := toTime(v); ok {
		return 8
	}
	if _, ok := asMap(v); ok {
		return 3
	}
	if _, ok := asList(v); ok {
		return 4
	}
	return 5
}

// order is a total order used for sorting.
func order(a, b any) int {
	if c, ok := Compare(a, b); ok {
		return c
	}
	return cmpOrdered(typeRank(a), typeRank(b))
}
