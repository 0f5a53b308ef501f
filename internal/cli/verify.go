package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noah-isme/timetable-api/internal/timetable"
)

func newVerifyCmd(a *app) *cobra.Command {
	var (
		input    string
		dailyCap int
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a generated timetable for double bookings and daily cap breaches",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := readResult(input)
			if err != nil {
				return err
			}
			limit := result.DailyModuleCap
			if dailyCap > 0 {
				limit = dailyCap
			}
			violations := timetable.Verify(result.Assignments, timetable.NewNameResolver(result.Trainers), limit)
			if len(violations) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "ok: %d assignments in session %s\n", len(result.Assignments), result.SessionID)
				return nil
			}
			for _, v := range violations {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", v.Kind, v.Message)
			}
			return fmt.Errorf("%d violations found", len(violations))
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "result JSON written by generate")
	cmd.Flags().IntVar(&dailyCap, "daily-cap", 0, "override the daily module cap stored in the result")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}
