package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/version"
)

var compareCmd = &cobra.Command{
	Use:   "compare <installed> <operation> <version>",
	Short: "Check an installed version against an advisory condition",
	Example: `  vuln-detector compare 1:1.0.2k-8.el7 lt 1:1.0.2k-16.el7
  vuln-detector compare 2.17 "less than or equal" 2.17`,
	Args: cobra.ExactArgs(3),
	// comparing versions needs neither the configuration nor the database
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE:              runCompare,
}

var operations = map[string]string{
	"lt": version.OpLessThan,
	"le": version.OpLessOrEqual,
	"gt": version.OpGreaterThan,
	"ge": version.OpGreaterOrEqual,
	"eq": version.OpEqual,
	"ne": version.OpNotEqual,
	"<":  version.OpLessThan,
	"<=": version.OpLessOrEqual,
	">":  version.OpGreaterThan,
	">=": version.OpGreaterOrEqual,
	"=":  version.OpEqual,
	"!=": version.OpNotEqual,
}

func operation(op string) string {
	if full, ok := operations[op]; ok {
		return full
	}
	return op
}

func runCompare(cmd *cobra.Command, args []string) error {
	op := operation(args[1])
	status := version.Check(args[0], op, &args[2], nil)
	if status == version.CompareError {
		return fmt.Errorf("could not compare %s with %s", args[0], args[2])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s: %s\n", args[0], op, args[2], status)
	return nil
}

func init() {
	rootCmd.AddCommand(compareCmd)
}
