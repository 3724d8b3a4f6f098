package main

import (
	"fmt"

	"github.com/iyulab/sigma-triage/internal/store"
	"github.com/spf13/cobra"
)

func newImportCmd() *cobra.Command {
	var source string
	var dbPath string
	var validateOnly bool
	var list bool

	cmd := &cobra.Command{
		Use:   "import <rule files...>",
		Short: "Import Sigma rule files into the signature store",
		Long: `Validates each rule file against the engine, then stores every rule
under the given signature source in batches. Files the engine cannot load are
skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, args, source, dbPath, validateOnly, list)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&source, "source", "", "signature source name (required)")
	cmd.Flags().StringVar(&dbPath, "db", "", "signature store path (overrides config)")
	cmd.Flags().BoolVar(&validateOnly, "validate", false, "validate rule files without storing them")
	cmd.Flags().BoolVar(&list, "list", false, "list the signatures stored under the source after import")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func runImport(cmd *cobra.Command, files []string, source, dbPath string, validateOnly, list bool) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Close()

	if validateOnly {
		bad := 0
		for _, f := range files {
			if err := store.Validate(f, logger.Logger); err != nil {
				fmt.Printf("✗ %s: %v\n", f, err)
				bad++
				continue
			}
			fmt.Printf("✓ %s\n", f)
		}
		if bad > 0 {
			return fmt.Errorf("import: %d of %d file(s) invalid", bad, len(files))
		}
		return nil
	}

	if dbPath == "" {
		dbPath = cfg.Store.Path
	}
	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	defer s.Close()

	im := store.NewImporter(s, cfg.Store.BatchSize, cfg.Store.Classification, logger.Logger)
	res, err := im.Import(cmd.Context(), files, source)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}

	fmt.Printf("Imported %d/%d rule(s) from %d file(s) into %s (%d batch(es) of up to %d)\n",
		res.Imported, res.Records, res.Files, source, res.Batches, res.BatchSize)
	for _, f := range res.Skipped {
		fmt.Printf("Skipped: %s\n", f)
	}

	counts, err := s.Count(cmd.Context(), source)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	fmt.Printf("%s: %d deployed, %d noisy, %d disabled\n", source,
		counts[store.StatusDeployed], counts[store.StatusNoisy], counts[store.StatusDisabled])

	if !list {
		return nil
	}
	sigs, err := s.List(cmd.Context(), source)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	for _, sig := range sigs {
		fmt.Printf("  %4d  %-8s  %-36s  %s\n", sig.Order, sig.Status, sig.SignatureID, sig.Name)
	}
	return nil
}
