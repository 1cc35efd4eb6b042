package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/cpe"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/scanner"
)

var cpeCmd = &cobra.Command{
	Use:   "cpe",
	Short: "Commands to work with the CPE dictionary",
}

var cpeGenerateCmd = &cobra.Command{
	Use:     "generate <vendor> <name> <version> [architecture]",
	Short:   "Generate the CPE of a Windows package from the dictionary",
	Example: `  vuln-detector cpe generate "Microsoft Corporation" "Skype version 7.40" 7.40.0.104 x86_64`,
	Args:    cobra.RangeArgs(3, 4),
	RunE:    runCPEGenerate,
}

var cpeFlags = struct {
	target string
}{}

func runCPEGenerate(cmd *cobra.Command, args []string) error {
	a := App()
	dict, err := a.Store.Dictionary()
	if err != nil {
		return err
	}
	rewriters, err := newRewriters(a.Config.Rewriters)
	if err != nil {
		return fmt.Errorf("could not compile rewriters: %w", err)
	}

	pkg := cpe.Package{Vendor: args[0], Name: args[1], Version: args[2]}
	if len(args) > 3 {
		pkg.Arch = args[3]
	}
	return generate(cmd.OutOrStdout(), dict, rewriters, cpeFlags.target, pkg)
}

func generate(out io.Writer, dict *cpe.Dictionary, rewriters []cpe.Rewriter, target string, pkg cpe.Package) error {
	m, ok := dict.Match(target, pkg)
	if !ok {
		return fmt.Errorf("no dictionary rule matches %s %s", pkg.Vendor, pkg.Name)
	}
	if m.Ignored {
		fmt.Fprintln(out, "ignored")
		return nil
	}
	fmt.Fprintln(out, cpe.RewriteAll(rewriters, m.CPE).String())
	return nil
}

func init() {
	cpeGenerateCmd.Flags().StringVarP(&cpeFlags.target, "target", "t", scanner.DictionaryTarget, "Dictionary target of the rules")

	cpeCmd.AddCommand(cpeGenerateCmd)
	rootCmd.AddCommand(cpeCmd)
}
