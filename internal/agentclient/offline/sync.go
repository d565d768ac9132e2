package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/syt100/bastion/internal/apperrors"
)

// ingestEvent/ingestRun/ingestRequest mirror internal/httpapi/ingest.go's
// wire shape exactly (this package can't import internal/httpapi — that's
// the hub process — so the shape is reproduced here rather than shared).
type ingestEvent struct {
	TS      int64           `json:"ts"`
	Level   string          `json:"level"`
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Fields  json.RawMessage `json:"fields,omitempty"`
}

type ingestRun struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	Status    string          `json:"status"`
	StartedAt int64           `json:"started_at"`
	EndedAt   int64           `json:"ended_at"`
	Summary   json.RawMessage `json:"summary,omitempty"`
	Error     *string         `json:"error,omitempty"`
	Events    []ingestEvent   `json:"events"`
}

type ingestRequest struct {
	Run ingestRun `json:"run"`
}

// Sync drains every terminal run buffered under RunsDir(dataDir) to the
// hub's POST agent/runs/ingest, removing each run's directory once the
// hub has accepted it: list run dirs sorted (deterministic drain order),
// skip anything still status=running, build the ingest request, POST,
// then remove the dir on success.
func Sync(ctx context.Context, client *http.Client, baseURL, agentKey, dataDir string) error {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	root := RunsDir(dataDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "list offline runs dir %s", root)
	}

	var runDirs []string
	for _, e := range entries {
		if e.IsDir() {
			runDirs = append(runDirs, filepath.Join(root, e.Name()))
		}
	}
	sort.Strings(runDirs)

	for _, dir := range runDirs {
		if err := syncOne(ctx, client, baseURL, agentKey, dir); err != nil {
			return err
		}
	}
	return nil
}

func syncOne(ctx context.Context, client *http.Client, baseURL, agentKey, dir string) error {
	run, err := LoadRunFile(dir)
	if err != nil {
		return err
	}
	if run.Status == RunRunning {
		return nil
	}

	endedAt := run.StartedAt
	if run.EndedAt != nil {
		endedAt = *run.EndedAt
	}

	events, err := LoadEvents(dir)
	if err != nil {
		return err
	}
	ingestEvents := make([]ingestEvent, 0, len(events))
	for _, ev := range events {
		ingestEvents = append(ingestEvents, ingestEvent{
			TS: ev.TS, Level: ev.Level, Kind: ev.Kind, Message: ev.Message, Fields: ev.Fields,
		})
	}

	req := ingestRequest{Run: ingestRun{
		ID: run.ID, JobID: run.JobID, Status: string(run.Status),
		StartedAt: run.StartedAt, EndedAt: endedAt,
		Summary: run.Summary, Error: run.Error, Events: ingestEvents,
	}}
	body, err := json.Marshal(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal ingest request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, trimSlash(baseURL)+"/agent/runs/ingest", bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "build ingest request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+agentKey)

	resp, err := client.Do(httpReq)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "send ingest request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return apperrors.Newf(apperrors.ErrorTypeTransient, "ingest failed: HTTP %d", resp.StatusCode)
	}

	return os.RemoveAll(dir)
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
