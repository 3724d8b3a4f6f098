// Package main is the CLI entry point for sigma-triage.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/iyulab/sigma-triage/internal/browser"
	"github.com/iyulab/sigma-triage/internal/config"
	"github.com/iyulab/sigma-triage/internal/logging"
	"github.com/iyulab/sigma-triage/internal/orchestrator"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "triage [event logs...]",
		Short: "Sigma-based triage of Windows event logs",
		Long: `sigma-triage runs a Sigma rule corpus over exported Windows event logs
(.evtx, .xml, .json, .jsonl), groups matches per rule, deduplicates the
processes involved and writes a severity-scored report per file.`,
		Args:          cobra.ArbitraryArgs,
		RunE:          runScan,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", config.DefaultPath, "path to config file")
	pf.String("rules", "", "rules directory (overrides config)")
	pf.BoolP("verbose", "v", false, "verbose output")
	addScanFlags(rootCmd)

	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	rootCmd.AddCommand(newScanCmd(), newImportCmd(), newVersionCmd())
	return rootCmd
}

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "scan <event logs...>",
		Short:        "Scan event logs and write one report per file",
		Args:         cobra.MinimumNArgs(1),
		RunE:         runScan,
		SilenceUsage: true,
	}
	addScanFlags(cmd)
	return cmd
}

func addScanFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", "", "output base directory (overrides config)")
	cmd.Flags().Bool("package", false, "zip the output directory after the run")
	cmd.Flags().Bool("no-dump", false, "do not attach the decoded event dump")
	cmd.Flags().Bool("open", false, "open the first report in the browser")
}

// setup loads configuration, applies flag overrides and builds the logger.
// An explicitly named config file must exist; the default one is optional.
func setup(cmd *cobra.Command) (*config.Config, *logging.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	rulesDir, _ := cmd.Flags().GetString("rules")
	verbose, _ := cmd.Flags().GetBool("verbose")

	var cfg *config.Config
	var err error
	if cmd.Flags().Changed("config") {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadOrDefault(configPath)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if rulesDir != "" {
		cfg.Rules.Dir = rulesDir
	}

	opts := logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
	if verbose {
		opts.Level = "debug"
	}
	logger, err := logging.New(os.Stderr, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: %w", err)
	}
	return cfg, logger, nil
}

func runScan(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Close()

	if dir, _ := cmd.Flags().GetString("output"); dir != "" {
		cfg.Output.Dir = dir
	}
	if pkg, _ := cmd.Flags().GetBool("package"); pkg {
		cfg.Output.Package = true
	}
	if noDump, _ := cmd.Flags().GetBool("no-dump"); noDump {
		cfg.Output.DumpEvents = false
	}
	verbose, _ := cmd.Flags().GetBool("verbose")

	reqs := make([]orchestrator.Request, 0, len(args))
	for _, a := range args {
		reqs = append(reqs, orchestrator.Request{Path: a})
	}

	orch := orchestrator.New(cfg, orchestrator.Options{
		DumpEvents: cfg.Output.DumpEvents,
		Package:    cfg.Output.Package,
		Verbose:    verbose,
	}, logger.Logger)

	res, err := orch.Run(cmd.Context(), reqs)
	if res == nil {
		return err
	}
	printSummary(res)
	if open, _ := cmd.Flags().GetBool("open"); open && len(res.Reports) > 0 {
		if err := browser.OpenReport(res.Reports[0]); err != nil {
			fmt.Fprintf(os.Stderr, "[triage] warning: open report: %v\n", err)
		}
	}
	if err != nil {
		return err
	}
	if res.Meta.Failed > 0 {
		return errors.New("one or more files could not be scanned")
	}
	return nil
}

func printSummary(res *orchestrator.Result) {
	findings := 0
	for _, f := range res.Meta.Files {
		findings += f.Findings
	}
	fmt.Printf("\n=== sigma-triage Report ===\n")
	fmt.Printf("Rules: %d (%s)\n", res.Meta.RulesLoaded, res.ToolVersion)
	fmt.Printf("Files: %d | Findings: %d\n", res.Meta.TotalFiles, findings)
	for i, v := range res.Verdicts {
		if v.Escalate {
			fmt.Printf("ESCALATE: %s (%s): %s\n", res.Reports[i], v.Urgency, v.Reason)
		}
	}
	for _, p := range res.Reports {
		fmt.Printf("Report: %s\n", p)
	}
	if res.Package != "" {
		fmt.Printf("Evidence: %s\n", res.Package)
	}
}
