package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/timetable-api/internal/dto"
	"github.com/noah-isme/timetable-api/internal/timetable"
)

type compareOptions struct {
	baseline  string
	candidate string
	prefix    string
	sessionID string
	seed      int64
	token     string
	timeout   time.Duration
}

// generation is the part of a generate response two deployments must agree
// on for the same seed.
type generation struct {
	Status    int
	Seed      int64
	Schedules []timetable.GroupSchedule
	Stats     []timetable.CompletionStat
	Error     string
	Elapsed   time.Duration
}

type generateEnvelope struct {
	Data  *dto.GenerateTimetableResponse `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newCompareCmd(a *app) *cobra.Command {
	opts := &compareOptions{}
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Generate the same session with one seed on two deployments and diff the schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCompare(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.baseline, "baseline", "http://localhost:8080", "base URL of the reference deployment")
	cmd.Flags().StringVar(&opts.candidate, "candidate", "", "base URL of the deployment under test")
	cmd.Flags().StringVar(&opts.prefix, "api-prefix", "/api/v1", "API prefix of both deployments")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "session to generate")
	cmd.Flags().Int64Var(&opts.seed, "seed", 1, "seed sent to both deployments")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token with the PLANNER role")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "per request timeout")
	_ = cmd.MarkFlagRequired("candidate")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func (a *app) runCompare(cmd *cobra.Command, opts *compareOptions) error {
	client := &http.Client{Timeout: opts.timeout}
	ctx := cmd.Context()

	base, err := requestGeneration(ctx, client, opts.baseline, opts)
	if err != nil {
		return fmt.Errorf("baseline: %w", err)
	}
	cand, err := requestGeneration(ctx, client, opts.candidate, opts)
	if err != nil {
		return fmt.Errorf("candidate: %w", err)
	}

	diffs := diffGenerations(base, cand)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "baseline  %s  status %d  %s\n", opts.baseline, base.Status, base.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "candidate %s  status %d  %s\n", opts.candidate, cand.Status, cand.Elapsed.Round(time.Millisecond))
	for _, diff := range diffs {
		fmt.Fprintf(out, "  DIFF %s\n", diff)
	}
	a.logger.Info("comparison finished",
		zap.String("session_id", opts.sessionID),
		zap.Int64("seed", opts.seed),
		zap.Int("diffs", len(diffs)),
	)
	if len(diffs) > 0 {
		return fmt.Errorf("%d differences for session %s seed %d", len(diffs), opts.sessionID, opts.seed)
	}
	fmt.Fprintln(out, "identical")
	return nil
}

func requestGeneration(ctx context.Context, client *http.Client, base string, opts *compareOptions) (*generation, error) {
	payload, err := json.Marshal(dto.GenerateTimetableRequest{SessionID: opts.sessionID, Seed: &opts.seed})
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(base, "/") + "/" + strings.Trim(opts.prefix, "/") + "/timetables/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.token)
	}

	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var envelope generateEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	gen := &generation{Status: resp.StatusCode, Elapsed: time.Since(started)}
	if envelope.Error != nil {
		gen.Error = envelope.Error.Code
	}
	if envelope.Data != nil {
		gen.Seed = envelope.Data.Seed
		gen.Schedules = envelope.Data.Schedules
		gen.Stats = envelope.Data.Stats
	}
	return gen, nil
}

// diffGenerations lists human readable differences. Proposal ids and expiry
// times are expected to differ and are ignored.
func diffGenerations(base, cand *generation) []string {
	var diffs []string
	if base.Status != cand.Status {
		diffs = append(diffs, fmt.Sprintf("status %d != %d", base.Status, cand.Status))
	}
	if base.Error != cand.Error {
		diffs = append(diffs, fmt.Sprintf("error %q != %q", base.Error, cand.Error))
	}
	if base.Seed != cand.Seed {
		diffs = append(diffs, fmt.Sprintf("seed %d != %d", base.Seed, cand.Seed))
	}

	baseGroups := indexSchedules(base.Schedules)
	candGroups := indexSchedules(cand.Schedules)
	ids := make(map[string]struct{}, len(baseGroups)+len(candGroups))
	for id := range baseGroups {
		ids[id] = struct{}{}
	}
	for id := range candGroups {
		ids[id] = struct{}{}
	}
	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)
	for _, id := range ordered {
		left, inBase := baseGroups[id]
		right, inCand := candGroups[id]
		switch {
		case !inBase:
			diffs = append(diffs, "group "+id+" only in candidate")
		case !inCand:
			diffs = append(diffs, "group "+id+" only in baseline")
		case !sameDays(left.Days, right.Days):
			diffs = append(diffs, "group "+id+" schedule differs")
		}
	}
	if !reflect.DeepEqual(base.Stats, cand.Stats) {
		diffs = append(diffs, "completion stats differ")
	}
	return diffs
}

func indexSchedules(schedules []timetable.GroupSchedule) map[string]timetable.GroupSchedule {
	out := make(map[string]timetable.GroupSchedule, len(schedules))
	for _, schedule := range schedules {
		out[schedule.GroupID] = schedule
	}
	return out
}

func sameDays(a, b []timetable.DaySchedule) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Date.Equal(b[i].Date) || !reflect.DeepEqual(a[i].Slots, b[i].Slots) {
			return false
		}
	}
	return true
}
