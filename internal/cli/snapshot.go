package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/noah-isme/timetable-api/internal/service"
	"github.com/noah-isme/timetable-api/internal/timetable"
)

// snapshotFile is the YAML input of generate and import. Calendar rules are
// only used when the session lists no days.
type snapshotFile struct {
	timetable.Snapshot `yaml:",inline"`
	Calendar           timetable.CalendarRules `yaml:"calendar,omitempty"`
}

// resultFile is the JSON output of generate and the input of verify.
type resultFile struct {
	SessionID      string                     `json:"sessionId"`
	Seed           int64                      `json:"seed"`
	DailyModuleCap int                        `json:"dailyModuleCap"`
	AttemptsUsed   int                        `json:"attemptsUsed"`
	Trainers       timetable.TrainerConfig    `json:"trainers"`
	Assignments    []timetable.Assignment     `json:"assignments"`
	GroupSchedules []timetable.GroupSchedule  `json:"groupSchedules"`
	Stats          []timetable.CompletionStat `json:"stats"`
}

func readSnapshot(path string) (timetable.Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return timetable.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var file snapshotFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return timetable.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return service.PrepareSnapshot(file.Snapshot, file.Calendar)
}

func readResult(path string) (*resultFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	var file resultFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", path, err)
	}
	return &file, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeResult(path string, stdout io.Writer, result *resultFile) error {
	if path == "" || path == "-" {
		return writeJSON(stdout, result)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := writeJSON(f, result); err != nil {
		_ = f.Close()
		return fmt.Errorf("write output: %w", err)
	}
	return f.Close()
}
