package cpe

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/version"
)

var termCondition = regexp.MustCompile(`^([^ ]+)[ ]+\([ ]*([^ ]+)[ ]+([^ ]+)[ ]+([^ ]+)\)`)

// Term is a translation value, optionally guarded by a condition on one of
// the candidate's own fields, written as "value (field op operand)".
type Term struct {
	Value        string
	CompareField string
	Condition    string

	program *vm.Program
}

// ConditionEnv is the environment translation conditions are evaluated in.
type ConditionEnv struct {
	Vendor    string `expr:"vendor"`
	Product   string `expr:"product"`
	Version   string `expr:"version"`
	Arch      string `expr:"arch"`
	SwEdition string `expr:"sw_edition"`
	MsuName   string `expr:"msu_name"`
}

func (e ConditionEnv) field(name string) (string, bool) {
	switch name {
	case "vendor":
		return e.Vendor, true
	case "product":
		return e.Product, true
	case "version":
		return e.Version, true
	case "arch", "target_hw":
		return e.Arch, true
	case "sw_edition":
		return e.SwEdition, true
	case "msu_name":
		return e.MsuName, true
	}
	return "", false
}

// ParseTerm splits a raw translation entry. Entries without a condition are
// returned as plain values.
func ParseTerm(raw string) (Term, error) {
	m := termCondition.FindStringSubmatch(raw)
	if m == nil {
		return Term{Value: raw}, nil
	}
	t := Term{
		Value:        m[1],
		CompareField: m[2],
		Condition:    m[3] + " " + m[4],
	}
	if err := t.compile(m[3], m[4]); err != nil {
		return t, err
	}
	return t, nil
}

// NewTerm rebuilds a term from its stored parts.
func NewTerm(value, compareField, condition string) (Term, error) {
	t := Term{Value: value, CompareField: compareField, Condition: condition}
	if compareField == "" {
		return t, nil
	}
	var op, operand string
	if _, err := fmt.Sscanf(condition, "%s %s", &op, &operand); err != nil {
		return t, fmt.Errorf("could not parse condition '%s': %w", condition, err)
	}
	return t, t.compile(op, operand)
}

func (t *Term) compile(op, operand string) error {
	if _, ok := (ConditionEnv{}).field(t.CompareField); !ok {
		return fmt.Errorf("unknown compare field '%s'", t.CompareField)
	}
	field := t.CompareField
	if field == "target_hw" {
		field = "arch"
	}
	quoted := strconv.Quote(operand)

	var code string
	switch op {
	case "==", "!=":
		code = fmt.Sprintf("%s %s %s", field, op, quoted)
	case "<", "<=", ">", ">=":
		code = fmt.Sprintf("cmp(%s, %s) %s 0", field, quoted, op)
	case "matches":
		code = fmt.Sprintf("%s matches %s", field, quoted)
	case "starts":
		code = fmt.Sprintf("%s startsWith %s", field, quoted)
	case "contains":
		code = fmt.Sprintf("%s contains %s", field, quoted)
	default:
		return fmt.Errorf("unknown condition operator '%s'", op)
	}

	program, err := expr.Compile(code,
		expr.Env(ConditionEnv{}),
		expr.Function(
			"cmp",
			exprCompare,
			new(func(string, string) int),
		),
		expr.AsBool(),
	)
	if err != nil {
		return fmt.Errorf("error compiling condition: %w", err)
	}
	t.program = program
	return nil
}

// Holds reports whether the term applies to the candidate. Unconditional
// terms always hold.
func (t Term) Holds(env ConditionEnv) bool {
	if t.program == nil {
		return t.CompareField == ""
	}
	out, err := expr.Run(t.program, env)
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

// exprCompare orders two version strings as -1, 0 or 1. Incomparable
// versions order as equal.
func exprCompare(params ...any) (any, error) {
	a, ok := params[0].(string)
	if !ok {
		return 0, fmt.Errorf("unsupported type for argument 1: %T", params[0])
	}
	b, ok := params[1].(string)
	if !ok {
		return 0, fmt.Errorf("unsupported type for argument 2: %T", params[1])
	}
	switch version.CompareStrings(a, b) {
	case version.Less:
		return -1, nil
	case version.Higher:
		return 1, nil
	default:
		return 0, nil
	}
}
