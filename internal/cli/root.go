// Package cli implements timetablectl, the operator tool for offline
// generation and verification, reference data import, token minting and
// cross-deployment comparison.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/timetable-api/pkg/config"
	"github.com/noah-isme/timetable-api/pkg/logger"
)

type app struct {
	cfg    *config.Config
	logger *zap.Logger
	quiet  bool
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg
	if a.quiet {
		a.logger = zap.NewNop()
		return nil
	}
	a.logger, err = logger.New(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	return nil
}

func (a *app) teardown(cmd *cobra.Command, args []string) {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:               "timetablectl",
		Short:             "Timetable generator tooling",
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: a.teardown,
	}
	root.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "disable logging")
	root.AddCommand(
		newGenerateCmd(a),
		newVerifyCmd(a),
		newImportCmd(a),
		newTokenCmd(a),
		newCompareCmd(a),
	)
	return root
}

// Execute runs the CLI.
func Execute() error { return NewRootCmd().Execute() }
