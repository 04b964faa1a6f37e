package query

import (
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// Apply returns a copy of doc with update applied and whether anything
// changed. Supported operators are $set, $unset and $push (with $each).
func Apply(doc map[string]any, update map[string]any) (map[string]any, bool, error) {
	result := Document(doc)
	if result == nil {
		result = map[string]any{}
	}
	for op, arg := range update {
		fields, ok := asMap(arg)
		if !ok {
			return nil, false, fmt.Errorf("%w: %s requires a document", ErrUnsupported, op)
		}
		for path, v := range fields {
			var err error
			switch op {
			case "$set":
				err = setPath(result, path, Canonical(v))
			case "$unset":
				unsetPath(result, path)
			case "$push":
				err = push(result, path, v)
			default:
				return nil, false, fmt.Errorf("%w: %s", ErrUnsupported, op)
			}
			if err != nil {
				return nil, false, err
			}
		}
	}
	return result, !Equal(doc, result), nil
}

func push(doc map[string]any, path string, v any) error {
	items := []any{Canonical(v)}
	if m, ok := asMap(v); ok {
		if each, ok := m["$each"]; ok {
			list, ok := asList(each)
			if !ok {
				return fmt.Errorf("%w: $each requires an array", ErrUnsupported)
			}
			items = Canonical(list).([]any)
		}
	}
	current, found := getPath(doc, path)
	if !found || current == nil {
		return setPath(doc, path, items)
	}
	list, ok := asList(current)
	if !ok {
		return fmt.Errorf("query: cannot push to non-array field %q", path)
	}
	merged := make([]any, 0, len(list)+len(items))
	merged = append(merged, list...)
	merged = append(merged, items...)
	return setPath(doc, path, merged)
}

// getPath resolves a dotted path through documents only.
func getPath(doc map[string]any, path string) (any, bool) {
	var current any = doc
	for _, segment := range strings.Split(path, ".") {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func setPath(doc map[string]any, path string, v any) error {
	segments := strings.Split(path, ".")
	current := doc
	for _, segment := range segments[:len(segments)-1] {
		child, ok := current[segment]
		if !ok || child == nil {
			m := map[string]any{}
			current[segment] = m
			current = m
			continue
		}
		m, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("query: cannot set %q through non-document field %q", path, segment)
		}
		current = m
	}
	current[segments[len(segments)-1]] = v
	return nil
}

func unsetPath(doc map[string]any, path string) {
	segments := strings.Split(path, ".")
	current := doc
	for _, segment := range segments[:len(segments)-1] {
		m, ok := current[segment].(map[string]any)
		if !ok {
			return
		}
		current = m
	}
	delete(current, segments[len(segments)-1])
}

// Seed builds the initial document for an upsert from the equality
// criteria of filter.
func Seed(filter map[string]any) map[string]any {
	doc := map[string]any{}
	for key, cond := range filter {
		if strings.HasPrefix(key, "$") {
			continue
		}
		if ops, ok := Operators(cond); ok {
			v, ok := ops["$eq"]
			if !ok {
				continue
			}
			cond = v
		}
		_ = setPath(doc, key, Canonical(cond))
	}
	return doc
}

func truthy(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	if n, ok := toFloat64(v); ok {
		return n != 0
	}
	return v != nil
}

// Project applies an inclusion or exclusion projection. _id is kept unless
// excluded explicitly.
func Project(doc map[string]any, projection map[string]any) map[string]any {
	if len(projection) == 0 || doc == nil {
		return doc
	}
	include := false
	for k, v := range projection {
		if k != "_id" && truthy(v) {
			include = true
			break
		}
	}

	if !include {
		result := Document(doc)
		for k, v := range projection {
			if !truthy(v) {
				unsetPath(result, k)
			}
		}
		return result
	}

	result := map[string]any{}
	if v, ok := projection["_id"]; !ok || truthy(v) {
		if id, ok := doc["_id"]; ok {
			result["_id"] = id
		}
	}
	for k, v := range projection {
		if k == "_id" || !truthy(v) {
			continue
		}
		if value, ok := getPath(doc, k); ok {
			_ = setPath(result, k, Canonical(value))
		}
	}
	return result
}

// Sort orders docs in place by the keys of spec; a negative value sorts
// that key descending. The sort is stable, so equal documents keep their
// store order.
func Sort(docs []map[string]any, spec bson.D) {
	if len(spec) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, key := range spec {
			c := order(first(docs[i], key.Key), first(docs[j], key.Key))
			if c == 0 {
				continue
			}
			if n, ok := toFloat64(key.Value); ok && n < 0 {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func first(doc map[string]any, path string) any {
	values, ok := Lookup(doc, path)
	if !ok {
		return nil
	}
	return values[0]
}

// Distinct collects the distinct values of field across docs in first-seen
// order. Array values contribute their elements.
func Distinct(docs []map[string]any, field string) []any {
	var result []any
	add := func(v any) {
		for _, seen := range result {
			if Equal(seen, v) {
				return
			}
		}
		result = append(result, v)
	}
	for _, doc := range docs {
		values, ok := Lookup(doc, field)
		if !ok {
			continue
		}
		for _, v := range values {
			if list, ok := asList(v); ok {
				for _, e := range list {
					add(e)
				}
				continue
			}
			add(v)
		}
	}
	return result
}
