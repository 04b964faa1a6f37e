package store

import (
	"regexp"

	"go.mongodb.org/mongo-driver/bson"
)

// shortFraction matches UTC timestamps with one or two fractional digits.
var shortFraction = regexp.MustCompile(`^(\d{4}-[01]\d-[0-3]\dT[0-2]\d:[0-5]\d:[0-5]\d\.)(\d{1,2})Z$`)

// NormalizeTimestamp pads the fraction of an ISO-8601 UTC timestamp with
// one or two fractional digits to three. Other strings are returned as is.
func NormalizeTimestamp(s string) string {
	if len(s) != 22 && len(s) != 23 {
		return s
	}
	m := shortFraction.FindStringSubmatch(s)
	if m == nil {
		return s
	}
	fraction := m[2]
	for len(fraction) < 3 {
		fraction += "0"
	}
	return m[1] + fraction + "Z"
}

// NormalizeTimestamps returns a copy of v with every timestamp string
// normalized, descending into documents and arrays. v is not modified.
func NormalizeTimestamps(v any) any {
	switch t := v.(type) {
	case string:
		return NormalizeTimestamp(t)
	case Document:
		return Document(normalizeMap(t))
	case Filter:
		return Filter(normalizeMap(t))
	case map[string]any:
		return normalizeMap(t)
	case bson.M:
		return bson.M(normalizeMap(t))
	case bson.D:
		d := make(bson.D, len(t))
		for i, e := range t {
			d[i] = bson.E{Key: e.Key, Value: NormalizeTimestamps(e.Value)}
		}
		return d
	case []any:
		return normalizeSlice(t)
	case bson.A:
		return bson.A(normalizeSlice(t))
	case []string:
		s := make([]string, len(t))
		for i, e := range t {
			s[i] = NormalizeTimestamp(e)
		}
		return s
	case []map[string]any:
		s := make([]map[string]any, len(t))
		for i, e := range t {
			s[i] = normalizeMap(e)
		}
		return s
	case []Document:
		s := make([]Document, len(t))
		for i, e := range t {
			s[i] = normalizeMap(e)
		}
		return s
	}
	return v
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = NormalizeTimestamps(v)
	}
	return result
}

func normalizeSlice(s []any) []any {
	if s == nil {
		return nil
	}
	result := make([]any, len(s))
	for i, v := range s {
		result[i] = NormalizeTimestamps(v)
	}
	return result
}
