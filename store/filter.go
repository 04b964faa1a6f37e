package store

import (
	"reflect"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/jacentio/shardwise/internal/ident"
)

// KeyOr holds a []Filter of alternatives, combined by logical OR and
// conjoined with the remaining fields of the Filter.
const KeyOr = "$or"

// Filter maps field names to literal values, Conditions or nested Filters.
//
// A nested Filter matches a sub-document partially, field by field:
//
//	store.Filter{"address": store.Filter{"city": "Oslo"}}
//
// while a map[string]any literal matches the whole sub-document exactly,
// unless it holds Conditions or Filters, in which case it is read as a
// nested Filter.
// Update calls use the same payload: see Collection.Update.
type Filter map[string]any

// valueKind tags a payload field once, at the translation boundary.
type valueKind int

const (
	kindLiteral valueKind = iota
	kindList
	kindCondition
	kindRemoval
	kindNested
)

type fieldValue struct {
	kind      valueKind
	literal   any
	condition Condition
	nested    Filter
}

func classify(v any) fieldValue {
	switch t := v.(type) {
	case Condition:
		if _, ok := t.removal(); ok {
			return fieldValue{kind: kindRemoval, condition: t}
		}
		return fieldValue{kind: kindCondition, condition: t}
	case *Condition:
		if t != nil {
			return classify(*t)
		}
	case Filter:
		return fieldValue{kind: kindNested, nested: t}
	}
	if m, ok := mapOf(v); ok && embedsQuery(m) {
		return fieldValue{kind: kindNested, nested: Filter(m)}
	}
	if list, ok := listOf(v); ok {
		return fieldValue{kind: kindList, literal: list}
	}
	return fieldValue{kind: kindLiteral, literal: v}
}

func mapOf(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case bson.M:
		return map[string]any(t), true
	}
	return nil, false
}

// embedsQuery reports whether v holds a Condition or Filter at any depth.
func embedsQuery(v any) bool {
	switch v.(type) {
	case Condition, *Condition, Filter:
		return true
	}
	if m, ok := mapOf(v); ok {
		for _, e := range m {
			if embedsQuery(e) {
				return true
			}
		}
		return false
	}
	if list, ok := listOf(v); ok {
		for _, e := range list {
			if embedsQuery(e) {
				return true
			}
		}
	}
	return false
}

// listOf returns v as []any when it is a slice other than []byte.
func listOf(v any) ([]any, bool) {
	switch t := v.(type) {
	case nil, []byte:
		return nil, false
	case []any:
		return t, true
	case bson.A:
		return []any(t), true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	list := make([]any, rv.Len())
	for i := range list {
		list[i] = rv.Index(i).Interface()
	}
	return list, true
}

// translator converts Filters into native filter and update documents.
type translator struct {
	shardKey string
	codec    ident.Codec
}

// filter translates every field of f as a criterion.
func (t translator) filter(f Filter) (bson.M, error) {
	out := bson.M{}
	if err := t.criteria(out, f, ""); err != nil {
		return nil, err
	}
	return out, nil
}

// payload splits an update payload into its filter and update halves.
func (t translator) payload(p Filter) (filter, update bson.M, err error) {
	filter = bson.M{}
	set, unset, push := bson.M{}, bson.M{}, bson.M{}

	for key, v := range p {
		if key == KeyOr {
			if err := t.or(filter, v, ""); err != nil {
				return nil, nil, err
			}
			continue
		}
		if strings.HasPrefix(key, "$") {
			return nil, nil, dataShapef("unknown reserved key %q", key)
		}

		fv := classify(v)
		switch {
		case key == idField || key == t.shardKey || fv.kind == kindCondition || fv.kind == kindNested:
			err = t.criterion(filter, key, true, fv)
		case fv.kind == kindRemoval:
			if valid, _ := fv.condition.removal(); !valid {
				err = dataShapef("field %q: unset can only be combined with IsSet(true)", key)
			}
			unset[key] = ""
		case embedsQuery(fv.literal):
			err = dataShapef("field %q: a literal value cannot hold conditions", key)
		case fv.kind == kindList:
			push[key] = bson.M{"$each": NormalizeTimestamps(fv.literal)}
		default:
			set[key] = NormalizeTimestamps(fv.literal)
		}
		if err != nil {
			return nil, nil, err
		}
	}

	update = bson.M{}
	for op, fields := range map[string]bson.M{"$set": set, "$unset": unset, "$push": push} {
		if len(fields) > 0 {
			update[op] = fields
		}
	}
	return filter, update, nil
}

func (t translator) criteria(out bson.M, f Filter, prefix string) error {
	for key, v := range f {
		if key == KeyOr {
			if err := t.or(out, v, prefix); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(key, "$") {
			return dataShapef("unknown reserved key %q", key)
		}
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if err := t.criterion(out, path, prefix == "", classify(v)); err != nil {
			return err
		}
	}
	return nil
}

// criterion adds the translation of one field to out. Identifier and
// shard-key handling applies to top-level fields only.
func (t translator) criterion(out bson.M, path string, top bool, fv fieldValue) error {
	isID := top && path == idField
	isShard := top && path == t.shardKey
	key := path
	if isID {
		key = storeIDField
	}

	switch fv.kind {
	case kindNested:
		if isID {
			return dataShapef("field %q cannot hold a nested filter", path)
		}
		return t.criteria(out, fv.nested, path)

	case kindRemoval:
		return dataShapef("field %q: unset is not a filter criterion", path)

	case kindCondition:
		c := fv.condition
		if c.IsEmpty() {
			return nil
		}
		if _, hasEq := c.Get(OpEq); isShard && hasEq && len(c.terms) > 1 {
			return dataShapef("shard key %q is both pinned and constrained", path)
		}
		native, err := t.condition(c, isID, true)
		if err != nil {
			return dataShapef("field %q: %v", path, err)
		}
		if isShard {
			if _, pinned := c.pinned(); pinned {
				if _, ok := native.(string); !ok {
					return dataShapef("shard key %q must be a string, got %T", path, native)
				}
			}
		}
		out[key] = native
		return nil

	default:
		if embedsQuery(fv.literal) {
			return dataShapef("field %q: a literal value cannot hold conditions", path)
		}
		v, err := t.operand(fv.literal, isID)
		if err != nil {
			return err
		}
		if isShard {
			if _, ok := v.(string); !ok {
				return dataShapef("shard key %q must be a string, got %T", path, v)
			}
		}
		out[key] = v
		return nil
	}
}

// condition translates c to a native operand. A bare equality collapses to
// its value unless operator form is required (inside $elemMatch).
func (t translator) condition(c Condition, isID, collapse bool) (any, error) {
	if v, ok := c.pinned(); ok && collapse {
		return t.operand(v, isID)
	}

	m := bson.M{}
	for _, term := range c.terms {
		op := string(term.op)
		if native, ok := nativeOperator[term.op]; ok {
			op = native
		}

		switch term.op {
		case OpIn, OpNin:
			list := flatten(term.value)
			values := make([]any, len(list))
			for i, e := range list {
				v, err := t.operand(e, isID)
				if err != nil {
					return nil, err
				}
				values[i] = v
			}
			m[op] = values
		case OpIsSet:
			b, ok := term.value.(bool)
			if !ok {
				return nil, dataShapef("IsSet requires a bool, got %T", term.value)
			}
			m[op] = b
		case OpElemMatch:
			if isID {
				return nil, dataShapef("ElemMatch cannot apply to the identifier")
			}
			v, err := t.elemMatch(term.value)
			if err != nil {
				return nil, err
			}
			m[op] = v
		case opUnset:
			return nil, dataShapef("unset is not a filter criterion")
		default:
			v, err := t.operand(term.value, isID)
			if err != nil {
				return nil, err
			}
			m[op] = v
		}
	}
	return m, nil
}

func (t translator) elemMatch(v any) (any, error) {
	switch arg := v.(type) {
	case Condition:
		return t.condition(arg, false, false)
	case *Condition:
		if arg != nil {
			return t.condition(*arg, false, false)
		}
	case Filter:
		sub := bson.M{}
		if err := (translator{}).criteria(sub, arg, ""); err != nil {
			return nil, err
		}
		return sub, nil
	}
	return nil, dataShapef("ElemMatch requires a Condition or Filter, got %T", v)
}

// flatten accepts In("a", "b") as well as In([]string{"a", "b"}).
func flatten(v any) []any {
	list, _ := listOf(v)
	if len(list) == 1 {
		if inner, ok := listOf(list[0]); ok {
			return inner
		}
	}
	return list
}

func (t translator) operand(v any, isID bool) (any, error) {
	if !isID {
		return NormalizeTimestamps(v), nil
	}
	return t.encodeID(v)
}

func (t translator) encodeID(v any) (primitive.ObjectID, error) {
	id, ok := v.(string)
	if !ok {
		return primitive.NilObjectID, dataShapef("identifier must be a string, got %T", v)
	}
	oid, err := t.codec.Encode(id)
	if err != nil {
		return primitive.NilObjectID, dataShapef("%v", err)
	}
	return oid, nil
}

// or translates a list of alternatives. A second $or at the same level is
// combined with the first through $and.
func (t translator) or(out bson.M, v any, prefix string) error {
	alts, err := alternatives(v)
	if err != nil {
		return err
	}
	branches := make([]bson.M, 0, len(alts))
	for _, alt := range alts {
		branch := bson.M{}
		if err := t.criteria(branch, alt, prefix); err != nil {
			return err
		}
		branches = append(branches, branch)
	}
	if len(branches) == 0 {
		return dataShapef("%s requires at least one alternative", KeyOr)
	}

	existing, ok := out[KeyOr]
	if !ok {
		out[KeyOr] = branches
		return nil
	}
	delete(out, KeyOr)
	and, _ := out["$and"].([]bson.M)
	out["$and"] = append(and, bson.M{KeyOr: existing}, bson.M{KeyOr: branches})
	return nil
}

func alternatives(v any) ([]Filter, error) {
	switch t := v.(type) {
	case []Filter:
		return t, nil
	case []map[string]any:
		alts := make([]Filter, len(t))
		for i, m := range t {
			alts[i] = Filter(m)
		}
		return alts, nil
	case []any:
		alts := make([]Filter, len(t))
		for i, e := range t {
			switch f := e.(type) {
			case Filter:
				alts[i] = f
			case map[string]any:
				alts[i] = Filter(f)
			default:
				return nil, dataShapef("%s alternative %d is %T, not a Filter", KeyOr, i, e)
			}
		}
		return alts, nil
	}
	return nil, dataShapef("%s requires []Filter, got %T", KeyOr, v)
}
