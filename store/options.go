package store

import (
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Reserved option keys. They are $-prefixed so they never collide with
// document field names.
const (
	OptUpsert            = "$upsert"
	OptProjection        = "$projection"
	OptSort              = "$sort"
	OptMaxTimeMS         = "$maxTimeMS"
	OptReturnNewDocument = "$returnNewDocument"
	OptCollation         = "$collation"
)

// Options are execution hints carried in a payload next to filter and
// update fields.
type Options struct {
	Upsert     bool
	Projection bson.M
	Sort       bson.D
	MaxTime    time.Duration

	// ReturnNew selects the document returned by single-document updates:
	// the updated one (true, the default) or the one before the update.
	ReturnNew bool

	Collation map[string]any
}

// ExtractOptions separates the reserved option keys from payload. It returns
// the options and a new payload without them; payload itself is not
// modified. Zero-valued options are removed without effect.
func ExtractOptions(payload Filter) (Options, Filter, error) {
	opts := Options{ReturnNew: true}
	rest := make(Filter, len(payload))

	for key, v := range payload {
		var err error
		switch key {
		case OptUpsert:
			opts.Upsert, err = boolOption(key, v)
		case OptReturnNewDocument:
			if v != nil {
				opts.ReturnNew, err = boolOption(key, v)
			}
		case OptProjection:
			opts.Projection, err = projectionOption(v)
		case OptSort:
			opts.Sort, err = sortOption(v)
		case OptMaxTimeMS:
			opts.MaxTime, err = maxTimeOption(v)
		case OptCollation:
			opts.Collation, err = collationOption(v)
		default:
			rest[key] = v
		}
		if err != nil {
			return Options{}, nil, err
		}
	}
	return opts, rest, nil
}

func (o Options) find() FindOptions {
	return FindOptions{
		Projection: o.Projection,
		Sort:       o.Sort,
		MaxTime:    o.MaxTime,
		Collation:  o.Collation,
	}
}

func (o Options) update() UpdateOptions {
	return UpdateOptions{
		Upsert:    o.Upsert,
		ReturnNew: o.ReturnNew,
		MaxTime:   o.MaxTime,
		Collation: o.Collation,
	}
}

func boolOption(key string, v any) (bool, error) {
	switch b := v.(type) {
	case nil:
		return false, nil
	case bool:
		return b, nil
	}
	return false, dataShapef("option %s must be a bool, got %T", key, v)
}

func projectionOption(v any) (bson.M, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := mapOption(v)
	if !ok {
		return nil, dataShapef("option %s must be a map, got %T", OptProjection, v)
	}
	if len(m) == 0 {
		return nil, nil
	}
	projection := make(bson.M, len(m))
	for field, include := range m {
		projection[nativeField(field)] = include
	}
	return projection, nil
}

// sortOption accepts bson.D for a multi-key order. A map is only ordered
// when it has a single key, so larger maps are sorted by key name.
func sortOption(v any) (bson.D, error) {
	var d bson.D
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bson.D:
		d = t
	default:
		m, ok := mapOption(v)
		if !ok {
			return nil, dataShapef("option %s must be bson.D or a map, got %T", OptSort, v)
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			d = append(d, bson.E{Key: k, Value: m[k]})
		}
	}
	if len(d) == 0 {
		return nil, nil
	}
	out := make(bson.D, len(d))
	for i, e := range d {
		out[i] = bson.E{Key: nativeField(e.Key), Value: e.Value}
	}
	return out, nil
}

func maxTimeOption(v any) (time.Duration, error) {
	var ms int64
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		ms = int64(n)
	case int32:
		ms = int64(n)
	case int64:
		ms = n
	case float64:
		ms = int64(n)
	case time.Duration:
		return n, nil
	default:
		return 0, dataShapef("option %s must be a number of milliseconds, got %T", OptMaxTimeMS, v)
	}
	if ms < 0 {
		return 0, dataShapef("option %s must not be negative", OptMaxTimeMS)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func collationOption(v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := mapOption(v)
	if !ok {
		return nil, dataShapef("option %s must be a map, got %T", OptCollation, v)
	}
	if len(m) == 0 {
		return nil, nil
	}
	if _, ok := m["locale"].(string); !ok {
		return nil, dataShapef("option %s requires a locale", OptCollation)
	}
	return m, nil
}

func mapOption(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case bson.M:
		return m, true
	case Filter:
		return m, true
	case Document:
		return m, true
	case map[string]int:
		out := make(map[string]any, len(m))
		for k, n := range m {
			out[k] = n
		}
		return out, true
	}
	return nil, false
}

func nativeField(field string) string {
	if field == idField {
		return storeIDField
	}
	return field
}

