package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/store"
)

type ingestEvent struct {
	TS      int64          `json:"ts"`
	Level   string         `json:"level"`
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

type ingestRun struct {
	ID        string            `json:"id"`
	JobID     string            `json:"job_id"`
	Status    string            `json:"status"`
	StartedAt int64             `json:"started_at"`
	EndedAt   *int64            `json:"ended_at"`
	Summary   *store.RunSummary `json:"summary"`
	Error     *string           `json:"error"`
	Events    []ingestEvent     `json:"events"`
}

type ingestRequest struct {
	Run ingestRun `json:"run"`
}

// handleIngest implements POST agent/runs/ingest: an agent drains its offline_runs directory by
// POSTing each terminal run and its recorded event log once reconnected.
// A run whose run-dir the agent hasn't removed yet may be re-POSTed; the
// underlying insert is idempotent on run id (store.RunsRepo.InsertIngestedRun).
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.ErrorTypeValidation, "malformed request body"))
		return
	}
	run := req.Run

	status := store.RunStatus(run.Status)
	if status != store.RunSuccess && status != store.RunFailed {
		// "In-flight runs (status=running) are skipped until they
		// terminate" — the agent shouldn't send these, but treat it as a
		// no-op rather than an error if it does.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	inserted, err := s.Runs.InsertIngestedRun(r.Context(), &store.Run{
		ID: run.ID, JobID: run.JobID, Status: status,
		StartedAt: run.StartedAt, EndedAt: run.EndedAt,
		Summary: run.Summary, Error: run.Error,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if inserted {
		for _, ev := range run.Events {
			if _, err := s.RunEvents.AppendRunEvent(r.Context(), run.ID, ev.TS, ev.Level, ev.Kind, ev.Message, ev.Fields); err != nil {
				s.Log.Error(err, "append ingested run event", "run_id", run.ID)
			}
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
