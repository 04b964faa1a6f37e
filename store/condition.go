package store

// Operator is a comparison operator of a Condition.
type Operator string

const (
	OpEq        Operator = "$eq"
	OpGt        Operator = "$gt"
	OpGte       Operator = "$gte"
	OpLt        Operator = "$lt"
	OpLte       Operator = "$lte"
	OpIn        Operator = "$in"
	OpNin       Operator = "$nin"
	OpNe        Operator = "$ne"
	OpIsSet     Operator = "$isset"
	OpElemMatch Operator = "$elemMatch"

	// opUnset marks a field for removal in an update payload.
	opUnset Operator = "$unset"
)

// nativeOperator maps condition operators to store operators. Everything
// not listed translates one-to-one.
var nativeOperator = map[Operator]string{
	OpIsSet: "$exists",
}

type term struct {
	op    Operator
	value any
}

// Condition is a comparison over a single field. Only the operators that
// were added are translated, so an absent operator means "no constraint".
//
//	store.Filter{"name": store.Gt("X").Lt("Z")}
type Condition struct {
	terms []term
}

// Unset removes a field in an update payload. IsSet(true).Unset() removes it
// only where present; documents lacking the field are left alone either way.
var Unset = Condition{terms: []term{{op: opUnset, value: true}}}

func newCondition(op Operator, v any) Condition {
	return Condition{terms: []term{{op: op, value: v}}}
}

func Eq(v any) Condition { return newCondition(OpEq, v) }
func Gt(v any) Condition { return newCondition(OpGt, v) }
func Gte(v any) Condition { return newCondition(OpGte, v) }
func Lt(v any) Condition { return newCondition(OpLt, v) }
func Lte(v any) Condition { return newCondition(OpLte, v) }
func Ne(v any) Condition { return newCondition(OpNe, v) }
func In(vs ...any) Condition { return newCondition(OpIn, vs) }
func Nin(vs ...any) Condition { return newCondition(OpNin, vs) }
func IsSet(b bool) Condition { return newCondition(OpIsSet, b) }

// ElemMatch matches arrays with at least one element satisfying v, which is
// a Condition for arrays of scalars or a Filter for arrays of documents.
func ElemMatch(v any) Condition { return newCondition(OpElemMatch, v) }

// with returns a copy of c with op set to v, replacing an earlier value.
func (c Condition) with(op Operator, v any) Condition {
	terms := make([]term, 0, len(c.terms)+1)
	for _, t := range c.terms {
		if t.op != op {
			terms = append(terms, t)
		}
	}
	return Condition{terms: append(terms, term{op: op, value: v})}
}

func (c Condition) Eq(v any) Condition { return c.with(OpEq, v) }
func (c Condition) Gt(v any) Condition { return c.with(OpGt, v) }
func (c Condition) Gte(v any) Condition { return c.with(OpGte, v) }
func (c Condition) Lt(v any) Condition { return c.with(OpLt, v) }
func (c Condition) Lte(v any) Condition { return c.with(OpLte, v) }
func (c Condition) Ne(v any) Condition { return c.with(OpNe, v) }
func (c Condition) In(vs ...any) Condition { return c.with(OpIn, vs) }
func (c Condition) Nin(vs ...any) Condition { return c.with(OpNin, vs) }
func (c Condition) IsSet(b bool) Condition { return c.with(OpIsSet, b) }
func (c Condition) ElemMatch(v any) Condition { return c.with(OpElemMatch, v) }
func (c Condition) Unset() Condition { return c.with(opUnset, true) }

// Get returns the operand of op and whether op is present.
func (c Condition) Get(op Operator) (any, bool) {
	for _, t := range c.terms {
		if t.op == op {
			return t.value, true
		}
	}
	return nil, false
}

// Operators lists the operators of c in the order they were added.
func (c Condition) Operators() []Operator {
	ops := make([]Operator, len(c.terms))
	for i, t := range c.terms {
		ops[i] = t.op
	}
	return ops
}

// IsEmpty reports whether c has no operators.
func (c Condition) IsEmpty() bool {
	return len(c.terms) == 0
}

// removal reports whether c is an update removal: Unset alone or together
// with IsSet(true). ok is false when c has no Unset term at all.
func (c Condition) removal() (valid, ok bool) {
	if _, has := c.Get(opUnset); !has {
		return false, false
	}
	for _, t := range c.terms {
		switch t.op {
		case opUnset:
		case OpIsSet:
			if b, _ := t.value.(bool); !b {
				return false, true
			}
		default:
			return false, true
		}
	}
	return true, true
}

// pinned returns the operand when c is a bare equality.
func (c Condition) pinned() (any, bool) {
	if len(c.terms) == 1 && c.terms[0].op == OpEq {
		return c.terms[0].value, true
	}
	return nil, false
}
