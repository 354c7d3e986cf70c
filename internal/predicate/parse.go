package predicate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPredicate = errors.New("invalid predicate")

// Parse decodes a smart-view predicate definition. Two shapes are accepted:
//
//	{"keypath": "title", "operator": "startsWith", "value": "Foo"}
//	["title", "startsWith", "Foo"]
//
// "and"/"or" take a list of predicates as value and "not" takes one. An
// "includes" leaf whose value is itself a predicate becomes an Includes node.
func Parse(data []byte) (Predicate, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPredicate, err)
	}
	return fromValue(v)
}

func fromValue(v any) (Predicate, error) {
	switch t := v.(type) {
	case map[string]any:
		op, _ := t["operator"].(string)
		keypath, _ := t["keypath"].(string)
		return build(keypath, op, t["value"])
	case []any:
		if len(t) != 3 {
			return nil, fmt.Errorf("%w: array form needs 3 elements, got %d", ErrInvalidPredicate, len(t))
		}
		keypath, ok1 := t[0].(string)
		op, ok2 := t[1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: array form needs keypath and operator strings", ErrInvalidPredicate)
		}
		return build(keypath, op, t[2])
	}
	return nil, fmt.Errorf("%w: unexpected %T", ErrInvalidPredicate, v)
}

func build(keypath, op string, value any) (Predicate, error) {
	switch strings.ToLower(op) {
	case string(OpAnd), string(OpOr):
		list, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s needs a list", ErrInvalidPredicate, op)
		}
		children := make([]Predicate, 0, len(list))
		for _, el := range list {
			child, err := fromValue(el)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return Compound{Op: LogicalOp(strings.ToLower(op)), Children: children}, nil
	case "not":
		child, err := fromValue(value)
		if err != nil {
			return nil, err
		}
		return Not{Child: child}, nil
	}

	if keypath == "" {
		return nil, fmt.Errorf("%w: missing keypath", ErrInvalidPredicate)
	}
	if !knownOperator(Operator(op)) {
		return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidPredicate, op)
	}

	if Operator(op) == OpIncludes {
		if _, isObj := value.(map[string]any); isObj || isPredicateArray(value) {
			inner, err := fromValue(value)
			if err != nil {
				return nil, err
			}
			return Includes{Keypath: keypath, Inner: inner}, nil
		}
	}
	return Leaf{Keypath: keypath, Operator: Operator(op), Value: value}, nil
}

func isPredicateArray(v any) bool {
	l, ok := v.([]any)
	if !ok || len(l) != 3 {
		return false
	}
	_, ok1 := l[0].(string)
	op, ok2 := l[1].(string)
	return ok1 && ok2 && knownOperator(Operator(op))
}

func knownOperator(op Operator) bool {
	switch op {
	case OpEqual, OpNotEqual, OpGreater, OpLess, OpGreaterEqual, OpLessEqual,
		OpStartsWith, OpIn, OpIncludes, OpIncludesString, OpMatches:
		return true
	}
	return false
}

// Marshal encodes p in the object form accepted by Parse.
func Marshal(p Predicate) ([]byte, error) {
	v, err := toValue(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func toValue(p Predicate) (map[string]any, error) {
	switch t := p.(type) {
	case Compound:
		children := make([]any, 0, len(t.Children))
		for _, c := range t.Children {
			v, err := toValue(c)
			if err != nil {
				return nil, err
			}
			children = append(children, v)
		}
		return map[string]any{"operator": string(t.Op), "value": children}, nil
	case Not:
		v, err := toValue(t.Child)
		if err != nil {
			return nil, err
		}
		return map[string]any{"operator": "not", "value": v}, nil
	case Includes:
		v, err := toValue(t.Inner)
		if err != nil {
			return nil, err
		}
		return map[string]any{"keypath": t.Keypath, "operator": string(OpIncludes), "value": v}, nil
	case Leaf:
		return map[string]any{"keypath": t.Keypath, "operator": string(t.Operator), "value": t.Value}, nil
	}
	return nil, fmt.Errorf("%w: unexpected %T", ErrInvalidPredicate, p)
}
