// Package predicate evaluates smart-view filters over item projections.
//
// A predicate is one of Compound, Not, Includes or Leaf. Evaluation never
// fails: a keypath that is missing from the projection makes a leaf false
// (true for "!="), so a malformed definition filters out items instead of
// breaking the query.
package predicate

import "time"

type LogicalOp string

const (
	OpAnd LogicalOp = "and"
	OpOr  LogicalOp = "or"
)

type Operator string

const (
	OpEqual          Operator = "="
	OpNotEqual       Operator = "!="
	OpGreater        Operator = ">"
	OpLess           Operator = "<"
	OpGreaterEqual   Operator = ">="
	OpLessEqual      Operator = "<="
	OpStartsWith     Operator = "startsWith"
	OpIn             Operator = "in"
	OpIncludes       Operator = "includes"
	OpIncludesString Operator = "includesString"
	OpMatches        Operator = "matches"
)

// Predicate is a node of a filter expression.
type Predicate interface {
	evaluate(obj map[string]any, now time.Time) bool
}

type Compound struct {
	Op       LogicalOp
	Children []Predicate
}

type Not struct {
	Child Predicate
}

// Includes holds when any element of the list at Keypath satisfies Inner.
type Includes struct {
	Keypath string
	Inner   Predicate
}

type Leaf struct {
	Keypath  string
	Operator Operator
	Value    any
}

func And(children ...Predicate) Compound {
	return Compound{Op: OpAnd, Children: children}
}

func Or(children ...Predicate) Compound {
	return Compound{Op: OpOr, Children: children}
}

func Negate(child Predicate) Not {
	return Not{Child: child}
}

func Where(keypath string, op Operator, value any) Leaf {
	return Leaf{Keypath: keypath, Operator: op, Value: value}
}

// Evaluate reports whether obj satisfies p. A nil predicate matches everything.
func Evaluate(p Predicate, obj map[string]any) bool {
	return EvaluateAt(p, obj, time.Now())
}

// EvaluateAt is Evaluate with relative dates ("3.days.ago") resolved
// against now.
func EvaluateAt(p Predicate, obj map[string]any, now time.Time) bool {
	if p == nil {
		return true
	}
	return p.evaluate(obj, now)
}

func (c Compound) evaluate(obj map[string]any, now time.Time) bool {
	switch c.Op {
	case OpAnd:
		for _, child := range c.Children {
			if !EvaluateAt(child, obj, now) {
				return false
			}
		}
		return true
	case OpOr:
		for _, child := range c.Children {
			if EvaluateAt(child, obj, now) {
				return true
			}
		}
		return false
	}
	return false
}

func (n Not) evaluate(obj map[string]any, now time.Time) bool {
	return !EvaluateAt(n.Child, obj, now)
}

func (in Includes) evaluate(obj map[string]any, now time.Time) bool {
	v, ok := lookup(obj, in.Keypath)
	if !ok {
		return false
	}
	for _, el := range asList(v) {
		m, ok := el.(map[string]any)
		if !ok {
			m = map[string]any{"value": el}
		}
		if EvaluateAt(in.Inner, m, now) {
			return true
		}
	}
	return false
}

func (l Leaf) evaluate(obj map[string]any, now time.Time) bool {
	v, ok := lookup(obj, l.Keypath)
	if !ok {
		return l.Operator == OpNotEqual
	}
	return compare(v, l.Operator, l.Value, now)
}
