package vars

import (
	"math"
	"strconv"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

type operandKind uint8

const (
	operandUndefined operandKind = iota
	operandString
	operandBool
)

// operand is a dynamically typed condition side: undefined, a string, or a boolean.
type operand struct {
	kind operandKind
	str  string
	b    bool
}

func stringOperand(s string, ok bool) operand {
	if !ok {
		return operand{}
	}
	return operand{kind: operandString, str: s}
}

// number coerces the operand the way a loosely typed comparison would:
// booleans are 0/1, blank strings are 0, anything unparsable is NaN.
func (o operand) number() float64 {
	switch o.kind {
	case operandBool:
		if o.b {
			return 1
		}
		return 0
	case operandString:
		return parseNumber(o.str)
	}
	return math.NaN()
}

func parseNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	lower := strings.ToLower(s)
	if strings.Contains(lower, "inf") || strings.Contains(lower, "nan") || strings.Contains(s, "_") {
		return math.NaN()
	}
	if len(lower) > 2 && lower[0] == '0' && (lower[1] == 'x' || lower[1] == 'o' || lower[1] == 'b') {
		n, err := strconv.ParseInt(lower, 0, 64)
		if err != nil {
			return math.NaN()
		}
		return float64(n)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

// looseEqual compares two operands with type coercion: strings compare as
// strings, a boolean against anything compares numerically, and undefined
// only equals undefined.
func looseEqual(a, b operand) bool {
	if a.kind == operandUndefined || b.kind == operandUndefined {
		return a.kind == b.kind
	}
	if a.kind == operandString && b.kind == operandString {
		return a.str == b.str
	}
	if a.kind == operandBool && b.kind == operandBool {
		return a.b == b.b
	}
	x, y := a.number(), b.number()
	return x == y
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// rhs resolves the right-hand side of c.
func (s *Scope) rhs(c models.Condition) operand {
	switch c.Type {
	case models.ConditionString, models.ConditionNumber:
		return operand{kind: operandString, str: c.Value}
	case models.ConditionNull:
		return operand{}
	case models.ConditionBoolean:
		return operand{kind: operandBool, b: c.Value == "true"}
	default:
		return stringOperand(s.Resolve(c.Value))
	}
}

// Evaluate reports whether condition c holds in this scope.
func (s *Scope) Evaluate(c models.Condition) bool {
	lhs := stringOperand(s.Resolve(c.Variable))
	rhs := s.rhs(c)

	switch c.Operator {
	case models.OpEqual:
		return looseEqual(lhs, rhs)
	case models.OpNotEqual:
		return !looseEqual(lhs, rhs)
	}

	x, y := lhs.number(), rhs.number()
	if !finite(x) || !finite(y) {
		return false
	}
	switch c.Operator {
	case models.OpGreater:
		return x > y
	case models.OpGreaterEqual:
		return x >= y
	case models.OpLess:
		return x < y
	case models.OpLessEqual:
		return x <= y
	}
	return false
}

// Branch returns the index of the first condition that holds, or
// len(conditions) for the else branch.
func (s *Scope) Branch(conditions []models.Condition) int {
	for i, c := range conditions {
		if s.Evaluate(c) {
			return i
		}
	}
	return len(conditions)
}
