package query

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupported is returned for operators the evaluator does not implement.
var ErrUnsupported = errors.New("query: unsupported operator")

// Lookup resolves a dotted path. Arrays met on the way are traversed
// element-wise, so "items.sku" yields the sku of every item.
func Lookup(doc map[string]any, path string) ([]any, bool) {
	current := []any{doc}
	for _, segment := range strings.Split(path, ".") {
		var next []any
		for _, v := range current {
			if m, ok := asMap(v); ok {
				if child, ok := m[segment]; ok {
					next = append(next, child)
				}
				continue
			}
			if list, ok := asList(v); ok {
				for _, e := range list {
					if m, ok := asMap(e); ok {
						if child, ok := m[segment]; ok {
							next = append(next, child)
						}
					}
				}
			}
		}
		if len(next) == 0 {
			return nil, false
		}
		current = next
	}
	return current, true
}

// Match reports whether doc satisfies filter.
func Match(doc map[string]any, filter map[string]any) (bool, error) {
	for key, cond := range filter {
		var (
			ok  bool
			err error
		)
		switch key {
		case "$or", "$and", "$nor":
			ok, err = matchLogical(doc, key, cond)
		default:
			if strings.HasPrefix(key, "$") {
				return false, fmt.Errorf("%w: %s", ErrUnsupported, key)
			}
			ok, err = matchField(doc, key, cond)
		}
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchLogical(doc map[string]any, op string, arg any) (bool, error) {
	list, ok := asList(arg)
	if !ok {
		return false, fmt.Errorf("%w: %s requires an array", ErrUnsupported, op)
	}
	for _, e := range list {
		sub, ok := asMap(e)
		if !ok {
			return false, fmt.Errorf("%w: %s element is not a document", ErrUnsupported, op)
		}
		matched, err := Match(doc, sub)
		if err != nil {
			return false, err
		}
		switch {
		case op == "$or" && matched:
			return true, nil
		case op == "$and" && !matched:
			return false, nil
		case op == "$nor" && matched:
			return false, nil
		}
	}
	return op != "$or", nil
}

// Operators returns cond as an operator document when every key starts with "$".
func Operators(cond any) (map[string]any, bool) {
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

func matchField(doc map[string]any, path string, cond any) (bool, error) {
	values, found := Lookup(doc, path)
	ops, ok := Operators(cond)
	if !ok {
		return matchEq(values, found, cond), nil
	}
	for op, arg := range ops {
		matched, err := matchOp(values, found, op, arg)
		if err != nil || !matched {
			return false, err
		}
	}
	return true, nil
}

// candidates expands array values so scalar operators can test elements.
func candidates(values []any) []any {
	var result []any
	for _, v := range values {
		result = append(result, v)
		if list, ok := asList(v); ok {
			result = append(result, list...)
		}
	}
	return result
}

func matchEq(values []any, found bool, target any) bool {
	if target == nil && !found {
		return true
	}
	for _, v := range candidates(values) {
		if Equal(v, target) {
			return true
		}
	}
	return false
}

func matchOp(values []any, found bool, op string, arg any) (bool, error) {
	switch op {
	case "$eq":
		return matchEq(values, found, arg), nil
	case "$ne":
		return !matchEq(values, found, arg), nil
	case "$gt", "$gte", "$lt", "$lte":
		for _, v := range candidates(values) {
			c, ok := Compare(v, arg)
			if !ok {
				continue
			}
			if (op == "$gt" && c > 0) || (op == "$gte" && c >= 0) ||
				(op == "$lt" && c < 0) || (op == "$lte" && c <= 0) {
				return true, nil
			}
		}
		return false, nil
	case "$in", "$nin":
		list, ok := asList(arg)
		if !ok {
			return false, fmt.Errorf("%w: %s requires an array", ErrUnsupported, op)
		}
		in := false
		for _, target := range list {
			if matchEq(values, found, target) {
				in = true
				break
			}
		}
		return in == (op == "$in"), nil
	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			return false, fmt.Errorf("%w: $exists requires a boolean", ErrUnsupported)
		}
		return found == want, nil
	case "$elemMatch":
		return matchElem(values, arg)
	}
	return false, fmt.Errorf("%w: %s", ErrUnsupported, op)
}

func matchElem(values []any, arg any) (bool, error) {
	ops, isOps := Operators(arg)
	sub, isDoc := asMap(arg)
	if !isOps && !isDoc {
		return false, fmt.Errorf("%w: $elemMatch requires a document", ErrUnsupported)
	}
	for _, v := range values {
		list, ok := asList(v)
		if !ok {
			continue
		}
		for _, e := range list {
			var (
				matched bool
				err     error
			)
			if isOps {
				matched = true
				for op, a := range ops {
					ok, err := matchOp([]any{e}, true, op, a)
					if err != nil {
						return false, err
					}
					if !ok {
						matched = false
						break
					}
				}
			} else if m, ok := asMap(e); ok {
				matched, err = Match(m, sub)
			}
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
	}
	return false, nil
}
