package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/timetable-api/internal/timetable"
)

type generateOptions struct {
	input    string
	output   string
	seed     int64
	attempts int
	dailyCap int
}

func newGenerateCmd(a *app) *cobra.Command {
	opts := &generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a session timetable from a YAML snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runGenerate(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "snapshot YAML file")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write the result as JSON to this file (- for stdout)")
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "random seed, defaults to SCHEDULER_SEED or the clock")
	cmd.Flags().IntVar(&opts.attempts, "max-attempts", 0, "maximum whole-session attempts")
	cmd.Flags().IntVar(&opts.dailyCap, "daily-cap", 0, "maximum hours of one module per group and day")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func (a *app) runGenerate(cmd *cobra.Command, opts *generateOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snap, err := readSnapshot(opts.input)
	if err != nil {
		return err
	}

	seed := opts.seed
	if !cmd.Flags().Changed("seed") {
		seed = a.cfg.Scheduler.Seed
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	schedOpts := timetable.Options{
		MaxAttempts:             a.cfg.Scheduler.MaxAttempts,
		DayRetries:              a.cfg.Scheduler.DayRetries,
		DailyModuleCap:          a.cfg.Scheduler.DailyModuleCap,
		SecondChoiceProbability: a.cfg.Scheduler.SecondChoiceProbability,
	}
	if opts.attempts > 0 {
		schedOpts.MaxAttempts = opts.attempts
	}
	if opts.dailyCap > 0 {
		schedOpts.DailyModuleCap = opts.dailyCap
	}
	scheduler := timetable.NewSeededScheduler(seed, schedOpts)

	started := time.Now()
	result, err := scheduler.Generate(ctx, snap)
	if err != nil {
		var failure *timetable.SchedulingFailure
		if errors.As(err, &failure) {
			a.logger.Warn("generation failed",
				zap.String("session_id", snap.Session.ID),
				zap.String("kind", string(failure.Kind)),
				zap.String("bottleneck", failure.BottleneckModuleID),
				zap.Int64("seed", seed),
			)
			_ = writeJSON(cmd.ErrOrStderr(), failure)
		}
		return err
	}
	a.logger.Info("generation finished",
		zap.String("session_id", result.SessionID),
		zap.Int("attempts", result.AttemptsUsed),
		zap.Int("assignments", len(result.Assignments)),
		zap.Int64("seed", seed),
		zap.Duration("elapsed", time.Since(started)),
	)

	out := &resultFile{
		SessionID:      result.SessionID,
		Seed:           seed,
		DailyModuleCap: scheduler.Options().DailyModuleCap,
		AttemptsUsed:   result.AttemptsUsed,
		Trainers:       snap.Trainers,
		Assignments:    result.Assignments,
		GroupSchedules: result.GroupSchedules,
		Stats:          result.Stats,
	}
	if opts.output != "" {
		if err := writeResult(opts.output, cmd.OutOrStdout(), out); err != nil {
			return err
		}
		if opts.output == "-" {
			return nil
		}
	}
	return printStats(cmd.OutOrStdout(), out)
}

func printStats(w io.Writer, out *resultFile) error {
	fmt.Fprintf(w, "session %s  seed %d  attempts %d  assignments %d\n",
		out.SessionID, out.Seed, out.AttemptsUsed, len(out.Assignments))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODULE\tREQUIRED\tAVERAGE\tMIN\tSHORTFALL")
	for _, stat := range out.Stats {
		fmt.Fprintf(tw, "%s\t%.1f\t%.1f\t%.1f\t%.1f\n",
			stat.ModuleID, stat.RequiredHours, stat.AverageScheduledHours, stat.MinScheduledHours, stat.Shortfall)
	}
	return tw.Flush()
}

// ExitCode maps a command error to the process exit status. Scheduling
// failures exit with 2 so scripts can tell them from usage errors.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var failure *timetable.SchedulingFailure
	if errors.As(err, &failure) {
		return 2
	}
	if errors.Is(err, context.Canceled) {
		return 130
	}
	return 1
}
