// Package offline implements the agent's self-scheduled, disconnected
// run path: a minute-tick cron scheduler that runs due jobs locally
// using the last config/secrets snapshot the hub pushed, buffers each
// run's result to disk, and drains that buffer back to the hub once
// reconnected.
package offline

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/syt100/bastion/internal/apperrors"
)

// RunStatus is the status recorded in an offline run's run.json.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunFailed   RunStatus = "failed"
	RunRejected RunStatus = "rejected"
)

// RunFile is the run.json written for every offline run.
type RunFile struct {
	V         int             `json:"v"`
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	JobName   string          `json:"job_name"`
	Status    RunStatus       `json:"status"`
	StartedAt int64           `json:"started_at"`
	EndedAt   *int64          `json:"ended_at,omitempty"`
	Summary   json.RawMessage `json:"summary,omitempty"`
	Error     *string         `json:"error,omitempty"`
}

// RunEvent is one line of events.jsonl.
type RunEvent struct {
	Seq     int64           `json:"seq"`
	TS      int64           `json:"ts"`
	Level   string          `json:"level"`
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Fields  json.RawMessage `json:"fields,omitempty"`
}

// RunsDir is where offline runs are buffered, under the agent data dir.
func RunsDir(dataDir string) string {
	return filepath.Join(dataDir, "agent", "offline_runs")
}

// RunDir is one buffered run's directory under RunsDir.
func RunDir(dataDir, runID string) string {
	return filepath.Join(RunsDir(dataDir), runID)
}

// WriteRunFile atomically (over)writes run.json under dir, the same
// temp-then-rename pattern identity.go's SaveIdentity uses, so a crash
// mid-write never leaves a run.json the sync path can't parse.
func WriteRunFile(dir string, run *RunFile) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "create offline run dir %s", dir)
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal offline run file")
	}
	path := filepath.Join(dir, "run.json")
	tmp := path + ".partial"
	_ = os.Remove(tmp)
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "write offline run tmp file %s", tmp)
	}
	if runtime.GOOS != "windows" {
		_ = os.Chmod(tmp, 0o600)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "rename offline run file to %s", path)
	}
	return nil
}

// LoadRunFile reads and parses run.json from dir.
func LoadRunFile(dir string) (*RunFile, error) {
	data, err := os.ReadFile(filepath.Join(dir, "run.json"))
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "read offline run file in %s", dir)
	}
	var run RunFile
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "parse offline run file in %s", dir)
	}
	return &run, nil
}

// AppendEvent appends one jsonl line to events.jsonl under dir, the
// shape LoadEvents later parses line by line.
func AppendEvent(dir string, ev RunEvent) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "create offline run dir %s", dir)
	}
	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "open events file in %s", dir)
	}
	defer f.Close()

	data, err := json.Marshal(ev)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal offline run event")
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "append event to %s", dir)
	}
	return nil
}

// LoadEvents reads every line of events.jsonl in dir, skipping blank
// lines. A missing file is treated as zero events rather than an error —
// a run that failed before its first event was appended is still valid
// to sync.
func LoadEvents(dir string) ([]RunEvent, error) {
	f, err := os.Open(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "open events file in %s", dir)
	}
	defer f.Close()

	var events []RunEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev RunEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "parse event line in %s", dir)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "scan events file in %s", dir)
	}
	return events, nil
}
