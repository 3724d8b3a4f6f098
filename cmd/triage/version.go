package main

import (
	"fmt"

	"github.com/iyulab/sigma-triage/internal/corpus"
	"github.com/iyulab/sigma-triage/internal/sigma"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build, engine and rule corpus versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Close()

			fmt.Printf("sigma-triage %s (commit: %s, built: %s)\n", version, commit, date)
			engine := sigma.Version()
			fmt.Printf("engine:       %s\n", engine)

			c, err := corpus.Open(cfg.Rules.Dir)
			if err != nil {
				fmt.Printf("rules:        unavailable (%v)\n", err)
				return nil
			}
			fp, err := c.Fingerprint()
			if err != nil {
				return fmt.Errorf("version: %w", err)
			}
			fmt.Printf("rules:        %s (%d file(s), fingerprint %s)\n", cfg.Rules.Dir, len(c.Files()), fp)
			fmt.Printf("tool version: %s\n", corpus.ToolVersion(engine, fp))
			return nil
		},
	}
}
