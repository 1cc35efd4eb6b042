package cpe

import (
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// RewriteRule is the configured form of a rewriter.
type RewriteRule struct {
	Field       string
	Predicate   string
	RewriteRule string `toml:"rewrite_rule"`
}

type RewriterEnv struct {
	Vendor   string `expr:"vendor"`
	Product  string `expr:"product"`
	TargetSW string `expr:"target_sw"`
	TargetHW string `expr:"target_hw"`
	Version  string `expr:"version"`
	MsuName  string `expr:"msu_name"`
	Cpe      CPE    `expr:"cpe"`
}

// Rewriter post-processes generated CPEs. When the predicate holds, the
// rewrite rule's result replaces one field.
type Rewriter struct {
	Predicate   *vm.Program
	RewriteRule *vm.Program
	Field       string
}

func NewRewriter(r RewriteRule) (cr Rewriter, err error) {
	genericOpts := []expr.Option{
		expr.Env(RewriterEnv{}),
		expr.Function(
			"fmt",
			exprFmt,
			new(func(string, string) string),
			new(func([]any, string) string),
		),
	}

	switch r.Field {
	case "":
		cr.Field = "product"
	case "product", "vendor", "version", "target_sw", "target_hw", "msu_name":
		cr.Field = r.Field
	default:
		return cr, fmt.Errorf("unsupported rewrite field '%s'", r.Field)
	}

	predicateOpts := append(genericOpts,
		expr.AsBool(),
	)
	cr.Predicate, err = expr.Compile(r.Predicate, predicateOpts...)
	if err != nil {
		return cr, fmt.Errorf("error compiling predicate: %w", err)
	}

	rewriterOpts := append(genericOpts,
		expr.AsKind(reflect.String),
	)
	cr.RewriteRule, err = expr.Compile(r.RewriteRule, rewriterOpts...)
	if err != nil {
		return cr, fmt.Errorf("error compiling rewrite rule: %w", err)
	}

	return cr, err
}

// NewRewriters compiles all configured rules in order.
func NewRewriters(rules []RewriteRule) ([]Rewriter, error) {
	rewriters := make([]Rewriter, 0, len(rules))
	for i, rule := range rules {
		cr, err := NewRewriter(rule)
		if err != nil {
			return nil, fmt.Errorf("could not parse rewrite rule %d, %w", i+1, err)
		}
		rewriters = append(rewriters, cr)
	}
	return rewriters, nil
}

func (c Rewriter) Rewrite(cpe CPE) CPE {
	env := RewriterEnv{
		Vendor:   cpe.Vendor,
		Product:  cpe.Product,
		TargetSW: cpe.TargetSw,
		TargetHW: cpe.TargetHw,
		Version:  cpe.Version,
		MsuName:  cpe.MsuName,
		Cpe:      cpe,
	}
	predicate, err := expr.Run(c.Predicate, env)
	if err != nil {
		return cpe
	}
	if ok, _ := predicate.(bool); !ok {
		return cpe
	}
	result, err := expr.Run(c.RewriteRule, env)
	if err != nil {
		return cpe
	}
	resultStr, _ := result.(string)
	switch c.Field {
	case "product":
		cpe.Product = resultStr
	case "vendor":
		cpe.Vendor = resultStr
	case "version":
		cpe.Version = resultStr
	case "target_sw":
		cpe.TargetSw = resultStr
	case "target_hw":
		cpe.TargetHw = resultStr
	case "msu_name":
		cpe.MsuName = resultStr
	}

	return cpe
}

// RewriteAll applies every rewriter in order.
func RewriteAll(rewriters []Rewriter, c CPE) CPE {
	for _, r := range rewriters {
		c = r.Rewrite(c)
	}
	return c
}

// exprFmt is an implementation of sprintf for expr. It takes the thing to be
// formatted as the first argument to make it possible to use with pipes. The
// first argument can either be a string, or a list of any value.
func exprFmt(params ...any) (any, error) {
	switch arg1 := params[0].(type) {
	case string:
		return fmt.Sprintf(params[1].(string), arg1), nil
	case []any:
		return fmt.Sprintf(params[1].(string), arg1...), nil
	default:
		return "", fmt.Errorf("unsupported type for argument 1: %T", arg1)
	}
}
