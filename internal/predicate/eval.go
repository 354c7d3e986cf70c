package predicate

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// lookup resolves a dotted keypath through nested maps.
func lookup(obj map[string]any, keypath string) (any, bool) {
	if obj == nil || keypath == "" {
		return nil, false
	}
	var cur any = obj
	for _, part := range strings.Split(keypath, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func compare(left any, op Operator, right any, now time.Time) bool {
	switch op {
	case OpEqual:
		return equal(left, right, now)
	case OpNotEqual:
		return !equal(left, right, now)
	case OpGreater:
		c, ok := order(left, right, now)
		return ok && c > 0
	case OpLess:
		c, ok := order(left, right, now)
		return ok && c < 0
	case OpGreaterEqual:
		c, ok := order(left, right, now)
		return ok && c >= 0
	case OpLessEqual:
		c, ok := order(left, right, now)
		return ok && c <= 0
	case OpStartsWith:
		s, ok1 := left.(string)
		prefix, ok2 := right.(string)
		return ok1 && ok2 && strings.HasPrefix(s, prefix)
	case OpIn:
		for _, el := range asList(right) {
			if equal(left, el, now) {
				return true
			}
		}
		return false
	case OpIncludes:
		if s, ok := left.(string); ok {
			sub, ok := right.(string)
			return ok && strings.Contains(s, sub)
		}
		for _, el := range asList(left) {
			if equal(el, right, now) {
				return true
			}
		}
		return false
	case OpIncludesString:
		sub, ok := right.(string)
		if !ok {
			return false
		}
		sub = strings.ToLower(sub)
		if s, ok := left.(string); ok {
			return strings.Contains(strings.ToLower(s), sub)
		}
		for _, el := range asList(left) {
			if s, ok := el.(string); ok && strings.Contains(strings.ToLower(s), sub) {
				return true
			}
		}
		return false
	case OpMatches:
		s, ok1 := left.(string)
		pattern, ok2 := right.(string)
		if !ok1 || !ok2 {
			return false
		}
		re, err := regexp.Compile(pattern)
		return err == nil && re.MatchString(s)
	}
	return false
}

func equal(left, right any, now time.Time) bool {
	if lt, ok := left.(time.Time); ok {
		rt, ok := toTime(right, now)
		return ok && lt.Equal(rt)
	}
	if lf, ok := toFloat(left); ok {
		rf, ok := toFloat(right)
		return ok && lf == rf
	}
	switch l := left.(type) {
	case string:
		r, ok := right.(string)
		return ok && l == r
	case bool:
		r, ok := right.(bool)
		return ok && l == r
	case nil:
		return right == nil
	}
	return false
}

// order returns -1, 0 or 1 comparing left to right, or false when the two
// values have no common ordering.
func order(left, right any, now time.Time) (int, bool) {
	if lt, ok := left.(time.Time); ok {
		rt, ok := toTime(right, now)
		if !ok {
			return 0, false
		}
		return lt.Compare(rt), true
	}
	if lf, ok := toFloat(left); ok {
		rf, ok := toFloat(right)
		if !ok {
			return 0, false
		}
		switch {
		case lf < rf:
			return -1, true
		case lf > rf:
			return 1, true
		}
		return 0, true
	}
	if ls, ok := left.(string); ok {
		rs, ok := right.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(ls, rs), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// toTime accepts a time.Time, an RFC 3339 string or a relative date such as
// "7.days.ago" or "12.hours.ago".
func toTime(v any, now time.Time) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
		return relativeDate(t, now)
	}
	return time.Time{}, false
}

func relativeDate(s string, now time.Time) (time.Time, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || parts[2] != "ago" {
		return time.Time{}, false
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil || n < 0 {
		return time.Time{}, false
	}
	switch parts[1] {
	case "minutes", "minute":
		return now.Add(-time.Duration(n) * time.Minute), true
	case "hours", "hour":
		return now.Add(-time.Duration(n) * time.Hour), true
	case "days", "day":
		return now.AddDate(0, 0, -n), true
	case "weeks", "week":
		return now.AddDate(0, 0, -7*n), true
	case "months", "month":
		return now.AddDate(0, -n, 0), true
	case "years", "year":
		return now.AddDate(-n, 0, 0), true
	}
	return time.Time{}, false
}

func asList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(l))
		for i, m := range l {
			out[i] = m
		}
		return out
	}
	return nil
}
