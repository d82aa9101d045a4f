package rules

import (
	"fmt"
	"strconv"
)

// Operators supported by the evaluator.
const (
	OpEq         = "=="
	OpNeq        = "!="
	OpStrictEq   = "==="
	OpStrictNeq  = "!=="
	OpLt         = "<"
	OpLte        = "<="
	OpGt         = ">"
	OpGte        = ">="
	OpContains   = "contains"
	OpStartsWith = "startsWith"
	OpEndsWith   = "endsWith"
	OpAnd        = "&&"
	OpOr         = "||"
	OpNot        = "!"
	OpAdd        = "+"
	OpSub        = "-"
	OpMul        = "*"
	OpDiv        = "/"
	OpMod        = "%"
)

// Node is a parsed expression. The set of implementations is closed.
type Node interface {
	String() string
	node()
}

// Literal is a constant number, string, boolean or null.
type Literal struct {
	Value any
}

// VariablePath is a ${a.b.c} placeholder resolved against the variables.
type VariablePath struct {
	Path string
}

// BinaryOp covers comparisons, string predicates and arithmetic.
type BinaryOp struct {
	Op          string
	Left, Right Node
}

// LogicalOp is a short-circuiting && or ||.
type LogicalOp struct {
	Op          string
	Left, Right Node
}

// UnaryOp is logical negation or numeric negation.
type UnaryOp struct {
	Op      string
	Operand Node
}

func (Literal) node()      {}
func (VariablePath) node() {}
func (BinaryOp) node()     {}
func (LogicalOp) node()    {}
func (UnaryOp) node()      {}

func (n Literal) String() string {
	switch v := n.Value.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(v)
	default:
		return fmt.Sprint(v)
	}
}

func (n VariablePath) String() string { return "${" + n.Path + "}" }

func (n BinaryOp) String() string {
	return "(" + n.Left.String() + " " + n.Op + " " + n.Right.String() + ")"
}

func (n LogicalOp) String() string {
	return "(" + n.Left.String() + " " + n.Op + " " + n.Right.String() + ")"
}

func (n UnaryOp) String() string { return n.Op + n.Operand.String() }

// Paths returns every variable path referenced by n, in order of appearance.
func Paths(n Node) []string {
	var out []string
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case VariablePath:
			out = append(out, v.Path)
		case BinaryOp:
			walk(v.Left)
			walk(v.Right)
		case LogicalOp:
			walk(v.Left)
			walk(v.Right)
		case UnaryOp:
			walk(v.Operand)
		}
	}
	walk(n)
	return out
}
