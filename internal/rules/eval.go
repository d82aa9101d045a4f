package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/flowpilot/internal/variables"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Eval evaluates a parsed expression against the variables. Placeholders that
// resolve to nothing evaluate to nil. Type errors in arithmetic are CONDITION_ERROR.
func Eval(n Node, vars variables.Resolver) (any, error) {
	switch v := n.(type) {
	case Literal:
		return v.Value, nil

	case VariablePath:
		if vars == nil {
			return nil, nil
		}
		return vars.Lookup(v.Path), nil

	case UnaryOp:
		operand, err := Eval(v.Operand, vars)
		if err != nil {
			return nil, err
		}
		if v.Op == OpNot {
			return !Truthy(operand), nil
		}
		f, ok := ToNumber(operand, true)
		if !ok {
			return nil, typeErr("cannot negate %s", describe(operand))
		}
		return -f, nil

	case LogicalOp:
		left, err := Eval(v.Left, vars)
		if err != nil {
			return nil, err
		}
		lt := Truthy(left)
		if v.Op == OpAnd && !lt {
			return false, nil
		}
		if v.Op == OpOr && lt {
			return true, nil
		}
		right, err := Eval(v.Right, vars)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil

	case BinaryOp:
		left, err := Eval(v.Left, vars)
		if err != nil {
			return nil, err
		}
		right, err := Eval(v.Right, vars)
		if err != nil {
			return nil, err
		}
		return applyBinary(v.Op, left, right)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeCondition, "unknown node %T", n)
	}
}

func applyBinary(op string, l, r any) (any, error) {
	switch op {
	case OpEq:
		return LooseEqual(l, r), nil
	case OpNeq:
		return !LooseEqual(l, r), nil
	case OpStrictEq:
		return StrictEqual(l, r), nil
	case OpStrictNeq:
		return !StrictEqual(l, r), nil
	case OpLt, OpLte, OpGt, OpGte:
		c, ok := compare(l, r)
		if !ok {
			return false, nil
		}
		switch op {
		case OpLt:
			return c < 0, nil
		case OpLte:
			return c <= 0, nil
		case OpGt:
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case OpContains:
		return containsValue(l, r), nil
	case OpStartsWith, OpEndsWith:
		ls, lok := scalarString(l)
		rs, rok := scalarString(r)
		if !lok || !rok {
			return false, nil
		}
		if op == OpStartsWith {
			return strings.HasPrefix(ls, rs), nil
		}
		return strings.HasSuffix(ls, rs), nil
	case OpAdd:
		_, lstr := l.(string)
		_, rstr := r.(string)
		if lstr || rstr {
			ls, lok := scalarString(l)
			rs, rok := scalarString(r)
			if lok && rok {
				return ls + rs, nil
			}
		}
		return arithmetic(op, l, r)
	case OpSub, OpMul, OpDiv, OpMod:
		return arithmetic(op, l, r)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeUnsupportedOperator, "unsupported operator %q", op)
	}
}

func arithmetic(op string, l, r any) (any, error) {
	lf, lok := ToNumber(l, true)
	rf, rok := ToNumber(r, true)
	if !lok || !rok {
		return nil, typeErr("operator %s needs numbers, got %s and %s", op, describe(l), describe(r))
	}
	switch op {
	case OpAdd:
		return lf + rf, nil
	case OpSub:
		return lf - rf, nil
	case OpMul:
		return lf * rf, nil
	case OpDiv:
		if rf == 0 {
			return nil, typeErr("division by zero")
		}
		return lf / rf, nil
	default:
		if rf == 0 {
			return nil, typeErr("modulo by zero")
		}
		return math.Mod(lf, rf), nil
	}
}

// Truthy follows JavaScript truthiness: nil, false, 0, NaN and "" are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	}
	if f, ok := ToNumber(v, false); ok {
		return f != 0 && !math.IsNaN(f)
	}
	return true
}

// ToNumber converts numeric values to float64. Numeric strings convert only
// when coerce is set.
func ToNumber(v any, coerce bool) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		if !coerce {
			return 0, false
		}
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func isNumber(v any) bool {
	_, ok := ToNumber(v, false)
	return ok
}

// LooseEqual compares like ==: numbers and numeric strings compare by value,
// booleans compare to 1/0, null equals only null.
func LooseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
		if isNumber(b) {
			a = boolNumber(ab)
		}
	}
	if bb, ok := b.(bool); ok && isNumber(a) {
		b = boolNumber(bb)
	}
	if isNumber(a) || isNumber(b) {
		af, aok := ToNumber(a, true)
		bf, bok := ToNumber(b, true)
		if aok && bok {
			return af == bf
		}
		return false
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && as == bs
	}
	return reflect.DeepEqual(a, b)
}

// StrictEqual compares like ===: kinds must match, numbers compare by value.
func StrictEqual(a, b any) bool {
	if kindOf(a) != kindOf(b) {
		return false
	}
	switch kindOf(a) {
	case "null":
		return true
	case "number":
		af, _ := ToNumber(a, false)
		bf, _ := ToNumber(b, false)
		return af == bf
	case "string", "bool":
		return a == b
	default:
		return reflect.DeepEqual(a, b)
	}
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	}
	if isNumber(v) {
		return "number"
	}
	return "object"
}

func boolNumber(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// compare orders numbers (numeric strings coerce when the other side is a
// number), strings and times. ok is false for incomparable operands.
func compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if isNumber(a) || isNumber(b) {
		af, aok := ToNumber(a, true)
		bf, bok := ToNumber(b, true)
		if !aok || !bok || math.IsNaN(af) || math.IsNaN(bf) {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs), true
		}
		return 0, false
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Compare(bt), true
		}
	}
	return 0, false
}

func containsValue(container, item any) bool {
	switch c := container.(type) {
	case nil:
		return false
	case string:
		s, ok := scalarString(item)
		return ok && strings.Contains(c, s)
	case []any:
		for _, el := range c {
			if LooseEqual(el, item) {
				return true
			}
		}
		return false
	case []string:
		s, ok := item.(string)
		if !ok {
			return false
		}
		for _, el := range c {
			if el == s {
				return true
			}
		}
		return false
	case map[string]any:
		key, ok := item.(string)
		if !ok {
			return false
		}
		_, found := c[key]
		return found
	default:
		return false
	}
}

// scalarString stringifies strings, numbers and booleans.
func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	}
	if f, ok := ToNumber(v, false); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

func describe(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%s(%v)", kindOf(v), v)
}

func typeErr(format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeCondition, format, args...)
}
