// Package formula evaluates tenant posting formulas. A formula is a small
// tagged expression tree stored as JSON; only arithmetic over whitelisted
// payload fields is expressible.
package formula

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Op tags a node.
type Op string

const (
	OpConst Op = "const"
	OpField Op = "field"
	OpAdd   Op = "add"
	OpSub   Op = "sub"
	OpMul   Op = "mul"
	OpDiv   Op = "div"
	OpNeg   Op = "neg"
	OpMin   Op = "min"
	OpMax   Op = "max"
	OpRound Op = "round"
)

const (
	maxDepth = 16
	maxNodes = 128
)

var (
	ErrMalformed      = errors.New("formula: malformed expression")
	ErrUnknownField   = errors.New("formula: field not allowed")
	ErrMissingField   = errors.New("formula: field missing from payload")
	ErrDivisionByZero = errors.New("formula: division by zero")
)

// Node is one expression node.
type Node struct {
	Op     Op               `json:"op"`
	Value  *decimal.Decimal `json:"value,omitempty"`
	Field  string           `json:"field,omitempty"`
	Args   []*Node          `json:"args,omitempty"`
	Places int32            `json:"places,omitempty"`
}

// Const builds a constant node.
func Const(v string) *Node {
	d := decimal.RequireFromString(v)
	return &Node{Op: OpConst, Value: &d}
}

// Field builds a payload field reference.
func Field(name string) *Node { return &Node{Op: OpField, Field: name} }

// Call builds an operator node.
func Call(op Op, args ...*Node) *Node { return &Node{Op: op, Args: args} }

// Round rounds its argument to places decimals.
func Round(arg *Node, places int32) *Node {
	return &Node{Op: OpRound, Args: []*Node{arg}, Places: places}
}

// Parse decodes and structurally checks a formula.
func Parse(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := n.check(); err != nil {
		return nil, err
	}
	return &n, nil
}

// Encode checks and serializes the formula for storage.
func (n *Node) Encode() ([]byte, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	return json.Marshal(n)
}

func (n *Node) check() error {
	count := 0
	return n.walk(0, &count)
}

func (n *Node) walk(depth int, count *int) error {
	if n == nil {
		return fmt.Errorf("%w: nil node", ErrMalformed)
	}
	*count++
	if depth > maxDepth || *count > maxNodes {
		return fmt.Errorf("%w: expression too large", ErrMalformed)
	}
	arity := len(n.Args)
	switch n.Op {
	case OpConst:
		if n.Value == nil || arity != 0 {
			return fmt.Errorf("%w: const needs a value", ErrMalformed)
		}
	case OpField:
		if n.Field == "" || arity != 0 {
			return fmt.Errorf("%w: field needs a name", ErrMalformed)
		}
	case OpAdd, OpMul, OpMin, OpMax:
		if arity < 2 {
			return fmt.Errorf("%w: %s needs at least two arguments", ErrMalformed, n.Op)
		}
	case OpSub, OpDiv:
		if arity != 2 {
			return fmt.Errorf("%w: %s needs two arguments", ErrMalformed, n.Op)
		}
	case OpNeg:
		if arity != 1 {
			return fmt.Errorf("%w: neg needs one argument", ErrMalformed)
		}
	case OpRound:
		if arity != 1 || n.Places < 0 || n.Places > 6 {
			return fmt.Errorf("%w: round needs one argument and 0-6 places", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrMalformed, n.Op)
	}
	for _, arg := range n.Args {
		if err := arg.walk(depth+1, count); err != nil {
			return err
		}
	}
	return nil
}

// Fields returns the sorted set of payload fields the formula references.
func (n *Node) Fields() []string {
	seen := map[string]struct{}{}
	var collect func(*Node)
	collect = func(x *Node) {
		if x == nil {
			return
		}
		if x.Op == OpField {
			seen[x.Field] = struct{}{}
		}
		for _, a := range x.Args {
			collect(a)
		}
	}
	collect(n)
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// CheckFields verifies every referenced field is in allowed.
func (n *Node) CheckFields(allowed []string) error {
	set := make(map[string]struct{}, len(allowed))
	for _, f := range allowed {
		set[f] = struct{}{}
	}
	for _, f := range n.Fields() {
		if _, ok := set[f]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownField, f)
		}
	}
	return nil
}

// Eval computes the formula over payload.
func (n *Node) Eval(payload map[string]decimal.Decimal) (decimal.Decimal, error) {
	switch n.Op {
	case OpConst:
		return *n.Value, nil
	case OpField:
		v, ok := payload[n.Field]
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrMissingField, n.Field)
		}
		return v, nil
	}
	args := make([]decimal.Decimal, len(n.Args))
	for i, a := range n.Args {
		v, err := a.Eval(payload)
		if err != nil {
			return decimal.Zero, err
		}
		args[i] = v
	}
	switch n.Op {
	case OpAdd:
		return decimal.Sum(args[0], args[1:]...), nil
	case OpSub:
		return args[0].Sub(args[1]), nil
	case OpMul:
		out := args[0]
		for _, v := range args[1:] {
			out = out.Mul(v)
		}
		return out, nil
	case OpDiv:
		if args[1].IsZero() {
			return decimal.Zero, ErrDivisionByZero
		}
		return args[0].Div(args[1]), nil
	case OpNeg:
		return args[0].Neg(), nil
	case OpMin:
		return decimal.Min(args[0], args[1:]...), nil
	case OpMax:
		return decimal.Max(args[0], args[1:]...), nil
	case OpRound:
		return args[0].Round(n.Places), nil
	}
	return decimal.Zero, fmt.Errorf("%w: unknown op %q", ErrMalformed, n.Op)
}
