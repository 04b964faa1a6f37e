package dynamo

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// maxInOperands is the DynamoDB limit on IN operands.
const maxInOperands = 100

var comparators = map[string]string{
	"$eq":  "=",
	"$gt":  ">",
	"$gte": ">=",
	"$lt":  "<",
	"$lte": "<=",
}

// expression accumulates the placeholders of condition and update
// expressions. Only placeholders that end up in an expression are
// registered, since DynamoDB rejects unused ones.
type expression struct {
	names  map[string]string
	values map[string]types.AttributeValue
	byName map[string]string
}

func newExpression() *expression {
	return &expression{
		names:  map[string]string{},
		values: map[string]types.AttributeValue{},
		byName: map[string]string{},
	}
}

func (e *expression) clone() *expression {
	c := newExpression()
	for k, v := range e.names {
		c.names[k] = v
	}
	for k, v := range e.values {
		c.values[k] = v
	}
	for k, v := range e.byName {
		c.byName[k] = v
	}
	return c
}

// name returns the placeholder path for a dotted field path.
func (e *expression) name(path string) string {
	segments := strings.Split(path, ".")
	for i, s := range segments {
		key, ok := e.byName[s]
		if !ok {
			key = fmt.Sprintf("#n%d", len(e.names))
			e.names[key] = s
			e.byName[s] = key
		}
		segments[i] = key
	}
	return strings.Join(segments, ".")
}

func (e *expression) value(av types.AttributeValue) string {
	key := fmt.Sprintf(":v%d", len(e.values))
	e.values[key] = av
	return key
}

// listType is the operand of attribute_type checks for lists.
func (e *expression) listType() string {
	const key = ":list"
	e.values[key] = &types.AttributeValueMemberS{Value: "L"}
	return key
}

// attributeNames returns nil when no names are used.
func (e *expression) attributeNames() map[string]string {
	if len(e.names) == 0 {
		return nil
	}
	return e.names
}

func (e *expression) attributeValues() map[string]types.AttributeValue {
	if len(e.values) == 0 {
		return nil
	}
	return e.values
}

// filter compiles the parts of a native filter that DynamoDB can evaluate
// into a condition expression selecting a superset of the matches. Lists
// always pass, since operators on arrays test their elements. Results must
// still be matched client-side. An empty string means no server-side
// condition.
func (e *expression) filter(filter bson.M) string {
	var clauses []string
	for _, key := range sortedKeys(filter) {
		cond := filter[key]
		var clause string
		switch {
		case key == "$and":
			clause = e.and(cond)
		case key == "$or":
			clause = e.or(cond)
		case strings.HasPrefix(key, "$"), strings.Contains(key, "."):
			continue
		default:
			clause = e.field(key, cond)
		}
		if clause != "" {
			clauses = append(clauses, clause)
		}
	}
	return strings.Join(clauses, " AND ")
}

func (e *expression) and(v any) string {
	subs, ok := subFilters(v)
	if !ok {
		return ""
	}
	var clauses []string
	for _, sub := range subs {
		if clause := e.filter(sub); clause != "" {
			clauses = append(clauses, "("+clause+")")
		}
	}
	return strings.Join(clauses, " AND ")
}

// or compiles only when every branch compiles: an unconstrained branch
// makes the whole disjunction unconstrained.
func (e *expression) or(v any) string {
	subs, ok := subFilters(v)
	if !ok || len(subs) == 0 {
		return ""
	}
	scratch := e.clone()
	clauses := make([]string, 0, len(subs))
	for _, sub := range subs {
		clause := scratch.filter(sub)
		if clause == "" {
			return ""
		}
		clauses = append(clauses, "("+clause+")")
	}
	*e = *scratch
	return "(" + strings.Join(clauses, " OR ") + ")"
}

func (e *expression) field(key string, cond any) string {
	ops, ok := operators(cond)
	if !ok {
		ops = bson.M{"$eq": cond}
	}
	isID := key == idKey

	var clauses []string
	for _, op := range sortedKeys(ops) {
		arg := ops[op]
		var clause string
		switch op {
		case "$eq", "$gt", "$gte", "$lt", "$lte":
			av, ok := operand(arg)
			if !ok {
				continue
			}
			n := e.name(key)
			clause = e.passLists(n, isID, fmt.Sprintf("%s %s %s", n, comparators[op], e.value(av)))
		case "$ne":
			av, ok := operand(arg)
			if !ok {
				continue
			}
			n := e.name(key)
			clause = e.passLists(n, isID, fmt.Sprintf("attribute_not_exists(%s) OR %s <> %s", n, n, e.value(av)))
		case "$in", "$nin":
			avs, ok := operands(arg)
			if !ok {
				continue
			}
			n := e.name(key)
			placeholders := make([]string, len(avs))
			for i, av := range avs {
				placeholders[i] = e.value(av)
			}
			in := fmt.Sprintf("%s IN (%s)", n, strings.Join(placeholders, ", "))
			if op == "$nin" {
				in = fmt.Sprintf("attribute_not_exists(%s) OR NOT (%s)", n, in)
			}
			clause = e.passLists(n, isID, in)
		case "$exists":
			want, ok := arg.(bool)
			if !ok {
				continue
			}
			if want {
				clause = fmt.Sprintf("attribute_exists(%s)", e.name(key))
			} else {
				clause = fmt.Sprintf("attribute_not_exists(%s)", e.name(key))
			}
		}
		if clause != "" {
			clauses = append(clauses, clause)
		}
	}
	return strings.Join(clauses, " AND ")
}

// passLists lets list attributes through a scalar comparison. The
// identifier is never a list.
func (e *expression) passLists(n string, isID bool, expr string) string {
	if isID {
		return "(" + expr + ")"
	}
	return fmt.Sprintf("(attribute_type(%s, %s) OR %s)", n, e.listType(), expr)
}

// update compiles $set, $unset and $push (with $each) into an update
// expression.
func (e *expression) update(update bson.M) (string, error) {
	var set, remove []string
	for _, op := range sortedKeys(update) {
		fields, ok := asMap(update[op])
		if !ok {
			return "", fmt.Errorf("dynamo: %s requires a document", op)
		}
		for _, path := range sortedKeys(fields) {
			v := fields[path]
			switch op {
			case "$set":
				av, err := marshal(v)
				if err != nil {
					return "", err
				}
				set = append(set, fmt.Sprintf("%s = %s", e.name(path), e.value(av)))
			case "$unset":
				remove = append(remove, e.name(path))
			case "$push":
				items := []any{v}
				if m, ok := asMap(v); ok {
					if each, ok := m["$each"]; ok {
						list, ok := asList(each)
						if !ok {
							return "", fmt.Errorf("dynamo: $each requires an array")
						}
						items = list
					}
				}
				av, err := marshal(items)
				if err != nil {
					return "", err
				}
				n := e.name(path)
				empty := e.value(&types.AttributeValueMemberL{Value: []types.AttributeValue{}})
				set = append(set, fmt.Sprintf("%s = list_append(if_not_exists(%s, %s), %s)", n, n, empty, e.value(av)))
			default:
				return "", fmt.Errorf("dynamo: unsupported update operator %s", op)
			}
		}
	}

	var parts []string
	if len(set) > 0 {
		parts = append(parts, "SET "+strings.Join(set, ", "))
	}
	if len(remove) > 0 {
		parts = append(parts, "REMOVE "+strings.Join(remove, ", "))
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("dynamo: empty update")
	}
	return strings.Join(parts, " "), nil
}

// operand converts a scalar filter operand. Documents, arrays and null are
// left to client-side matching.
func operand(v any) (types.AttributeValue, bool) {
	switch t := v.(type) {
	case string, bool, int, int32, int64, float64:
		av, err := attributevalue.Marshal(t)
		return av, err == nil
	case primitive.ObjectID:
		return &types.AttributeValueMemberS{Value: t.Hex()}, true
	}
	return nil, false
}

func operands(v any) ([]types.AttributeValue, bool) {
	list, ok := asList(v)
	if !ok || len(list) == 0 || len(list) > maxInOperands {
		return nil, false
	}
	avs := make([]types.AttributeValue, len(list))
	for i, e := range list {
		av, ok := operand(e)
		if !ok {
			return nil, false
		}
		avs[i] = av
	}
	return avs, true
}

func operators(cond any) (bson.M, bool) {
	m, ok := asMap(cond)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func subFilters(v any) ([]bson.M, bool) {
	list, ok := asList(v)
	if !ok {
		return nil, false
	}
	subs := make([]bson.M, len(list))
	for i, e := range list {
		m, ok := asMap(e)
		if !ok {
			return nil, false
		}
		subs[i] = m
	}
	return subs, true
}

func asMap(v any) (bson.M, bool) {
	switch t := v.(type) {
	case bson.M:
		return t, true
	case map[string]any:
		return t, true
	}
	return nil, false
}

func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case bson.A:
		return t, true
	case []bson.M:
		list := make([]any, len(t))
		for i, m := range t {
			list[i] = m
		}
		return list, true
	case []primitive.ObjectID:
		list := make([]any, len(t))
		for i, oid := range t {
			list[i] = oid
		}
		return list, true
	case []string:
		list := make([]any, len(t))
		for i, s := range t {
			list[i] = s
		}
		return list, true
	}
	return nil, false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
