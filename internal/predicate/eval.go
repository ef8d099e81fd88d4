package predicate

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

type op int

const (
	opEq op = iota + 1
	opNeq
	opGt
	opGte
	opLt
	opLte
	opContains
	opMatches
)

type node interface {
	eval(env Env) bool
}

type andNode struct{ left, right node }

func (n andNode) eval(env Env) bool { return n.left.eval(env) && n.right.eval(env) }

type orNode struct{ left, right node }

func (n orNode) eval(env Env) bool { return n.left.eval(env) || n.right.eval(env) }

type notNode struct{ inner node }

func (n notNode) eval(env Env) bool { return !n.inner.eval(env) }

type existsNode struct{ path []string }

func (n existsNode) eval(env Env) bool {
	_, ok := env.Lookup(n.path)
	return ok
}

type compareNode struct {
	path []string
	op   op
	lit  any
	re   *regexp.Regexp
}

func (n compareNode) eval(env Env) bool {
	v, ok := env.Lookup(n.path)
	if !ok {
		return false
	}
	switch n.op {
	case opEq:
		return equal(v, n.lit)
	case opNeq:
		return !equal(v, n.lit)
	case opGt, opGte, opLt, opLte:
		l, lok := ToFloat64(v)
		r, rok := ToFloat64(n.lit)
		if !lok || !rok {
			return false
		}
		switch n.op {
		case opGt:
			return l > r
		case opGte:
			return l >= r
		case opLt:
			return l < r
		}
		return l <= r
	case opContains:
		switch t := v.(type) {
		case string:
			return strings.Contains(t, fmt.Sprint(n.lit))
		case []any:
			for _, item := range t {
				if equal(item, n.lit) {
					return true
				}
			}
		}
		return false
	case opMatches:
		s, ok := v.(string)
		return ok && n.re.MatchString(s)
	}
	return false
}

func equal(v, lit any) bool {
	if v == nil || lit == nil {
		return v == nil && lit == nil
	}
	l, lok := ToFloat64(v)
	r, rok := ToFloat64(lit)
	if lok && rok {
		return math.Abs(l-r) < 1e-9
	}
	if lb, ok := v.(bool); ok {
		rb, ok := lit.(bool)
		return ok && lb == rb
	}
	return fmt.Sprint(v) == fmt.Sprint(lit)
}

// ToFloat64 coerces numeric values to float64.
func ToFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// MapEnv resolves paths into nested maps.
type MapEnv map[string]any

func (m MapEnv) Lookup(path []string) (any, bool) {
	return LookupMap(m, path)
}

// LookupMap walks path through nested map[string]any values.
func LookupMap(m map[string]any, path []string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	v, ok := m[path[0]]
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		return v, true
	}
	sub, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return LookupMap(sub, path[1:])
}
