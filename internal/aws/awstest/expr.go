package awstest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// exprEnv resolves #names and :values of a DynamoDB expression.
type exprEnv struct {
	names  map[string]string
	values map[string]types.AttributeValue
}

func (e exprEnv) attrName(tok string) string {
	tok = strings.TrimSpace(tok)
	if strings.HasPrefix(tok, "#") {
		if n, ok := e.names[tok]; ok {
			return n
		}
	}
	return tok
}

// operand resolves tok to a value: a :placeholder or an attribute of item.
func (e exprEnv) operand(tok string, item map[string]types.AttributeValue) (types.AttributeValue, error) {
	tok = strings.TrimSpace(tok)
	if strings.HasPrefix(tok, ":") {
		v, ok := e.values[tok]
		if !ok {
			return nil, fmt.Errorf("missing expression value %s", tok)
		}
		return v, nil
	}
	if strings.HasPrefix(tok, "if_not_exists(") && strings.HasSuffix(tok, ")") {
		args := splitTop(tok[len("if_not_exists("):len(tok)-1], ',')
		if len(args) != 2 {
			return nil, fmt.Errorf("bad if_not_exists: %s", tok)
		}
		if v, ok := item[e.attrName(args[0])]; ok {
			return v, nil
		}
		return e.operand(args[1], item)
	}
	return item[e.attrName(tok)], nil
}

// evalCondition supports OR over AND over atoms, without parentheses.
func (e exprEnv) evalCondition(expr string, item map[string]types.AttributeValue) (bool, error) {
	for _, disj := range strings.Split(expr, " OR ") {
		all := true
		for _, atom := range strings.Split(disj, " AND ") {
			ok, err := e.evalAtom(strings.TrimSpace(atom), item)
			if err != nil {
				return false, err
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

func (e exprEnv) evalAtom(atom string, item map[string]types.AttributeValue) (bool, error) {
	if rest, ok := strings.CutPrefix(atom, "NOT "); ok {
		v, err := e.evalAtom(strings.TrimSpace(rest), item)
		return !v, err
	}
	switch {
	case strings.HasPrefix(atom, "contains(") && strings.HasSuffix(atom, ")"):
		args := splitTop(atom[len("contains("):len(atom)-1], ',')
		if len(args) != 2 {
			return false, fmt.Errorf("bad contains: %s", atom)
		}
		have, _ := item[e.attrName(strings.TrimSpace(args[0]))].(*types.AttributeValueMemberS)
		want, err := e.operand(args[1], item)
		if err != nil {
			return false, err
		}
		sub, ok := want.(*types.AttributeValueMemberS)
		if have == nil || !ok {
			return false, nil
		}
		return strings.Contains(have.Value, sub.Value), nil
	case strings.HasPrefix(atom, "attribute_not_exists(") && strings.HasSuffix(atom, ")"):
		_, ok := item[e.attrName(atom[len("attribute_not_exists("):len(atom)-1])]
		return !ok, nil
	case strings.HasPrefix(atom, "attribute_exists(") && strings.HasSuffix(atom, ")"):
		_, ok := item[e.attrName(atom[len("attribute_exists("):len(atom)-1])]
		return ok, nil
	}

	for _, op := range []string{"<>", "<=", ">=", "=", "<", ">"} {
		idx := strings.Index(atom, " "+op+" ")
		if idx < 0 {
			continue
		}
		left, err := e.operand(atom[:idx], item)
		if err != nil {
			return false, err
		}
		right, err := e.operand(atom[idx+len(op)+2:], item)
		if err != nil {
			return false, err
		}
		if left == nil || right == nil {
			return false, nil
		}
		cmp, err := compare(left, right)
		if err != nil {
			return false, err
		}
		switch op {
		case "=":
			return cmp == 0, nil
		case "<>":
			return cmp != 0, nil
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		case ">=":
			return cmp >= 0, nil
		}
	}
	return false, fmt.Errorf("unsupported condition %q", atom)
}

// applyUpdate supports `SET a = operand [+|- operand], ...`.
func (e exprEnv) applyUpdate(expr string, item map[string]types.AttributeValue) error {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "SET ") {
		return fmt.Errorf("unsupported update %q", expr)
	}
	for _, clause := range splitTop(expr[len("SET "):], ',') {
		parts := strings.SplitN(clause, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("bad SET clause %q", clause)
		}
		target := e.attrName(parts[0])
		rhs := strings.TrimSpace(parts[1])

		var v types.AttributeValue
		var err error
		switch {
		case strings.Contains(rhs, " + "):
			v, err = e.arith(rhs, " + ", item)
		case strings.Contains(rhs, " - "):
			v, err = e.arith(rhs, " - ", item)
		default:
			v, err = e.operand(rhs, item)
		}
		if err != nil {
			return err
		}
		item[target] = v
	}
	return nil
}

func (e exprEnv) arith(rhs, op string, item map[string]types.AttributeValue) (types.AttributeValue, error) {
	idx := strings.Index(rhs, op)
	a, err := e.operand(rhs[:idx], item)
	if err != nil {
		return nil, err
	}
	b, err := e.operand(rhs[idx+len(op):], item)
	if err != nil {
		return nil, err
	}
	x, err := number(a)
	if err != nil {
		return nil, err
	}
	y, err := number(b)
	if err != nil {
		return nil, err
	}
	if op == " - " {
		y = -y
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(x+y, 'f', -1, 64)}, nil
}

func number(v types.AttributeValue) (float64, error) {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("operand is not a number: %T", v)
	}
	return strconv.ParseFloat(n.Value, 64)
}

func compare(a, b types.AttributeValue) (int, error) {
	switch x := a.(type) {
	case *types.AttributeValueMemberN:
		xf, err := number(x)
		if err != nil {
			return 0, err
		}
		yf, err := number(b)
		if err != nil {
			return 0, err
		}
		switch {
		case xf < yf:
			return -1, nil
		case xf > yf:
			return 1, nil
		}
		return 0, nil
	case *types.AttributeValueMemberS:
		y, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, fmt.Errorf("type mismatch comparing %T and %T", a, b)
		}
		return strings.Compare(x.Value, y.Value), nil
	case *types.AttributeValueMemberBOOL:
		y, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok || x.Value != y.Value {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("unsupported comparison for %T", a)
}

// splitTop splits s on sep, ignoring separators nested in parentheses.
func splitTop(s string, sep rune) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case sep:
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}
