// Package httpapi implements the hub's agent-facing HTTP surface:
// enrollment, offline run ingest, and the WebSocket upgrade. There is no
// admin/dashboard surface here.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/syt100/bastion/internal/agentmanager"
	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/eventbus"
	"github.com/syt100/bastion/internal/store"
)

// Server holds every dependency the agent-facing handlers need.
type Server struct {
	Agents     *store.AgentsRepo
	Jobs       *store.JobsRepo
	Runs       *store.RunsRepo
	RunEvents  *store.RunEventsRepo
	AgentTasks *store.AgentTasksRepo
	Secrets    *store.SecretsRepo
	Manager    *agentmanager.Manager
	Bus        *eventbus.Bus

	// EnrollmentToken gates POST agent/enroll: the agent must present this
	// shared secret to mint a new identity. Empty means enrollment is
	// disabled (every attempt rejected), never "accept anything".
	EnrollmentToken string

	Log logr.Logger

	// NewAgentID / NewAgentKey / Now are overridable for deterministic
	// tests; they default to uuid.NewString / a random token / time.Now in
	// New.
	NewAgentID func() string
	NewAgentKey func() string
	Now         func() int64
}

// New builds a Server with production defaults for id/key generation and
// the clock; tests override NewAgentID/NewAgentKey/Now for determinism.
func New(agents *store.AgentsRepo, jobs *store.JobsRepo, runs *store.RunsRepo, runEvents *store.RunEventsRepo, agentTasks *store.AgentTasksRepo, secrets *store.SecretsRepo, manager *agentmanager.Manager, bus *eventbus.Bus, enrollmentToken string, log logr.Logger) *Server {
	return &Server{
		Agents:          agents,
		Jobs:            jobs,
		Runs:            runs,
		RunEvents:       runEvents,
		AgentTasks:      agentTasks,
		Secrets:         secrets,
		Manager:         manager,
		Bus:             bus,
		EnrollmentToken: enrollmentToken,
		Log:             log,
		NewAgentID:      uuid.NewString,
		NewAgentKey:     randomAgentKey,
		Now:             func() int64 { return time.Now().Unix() },
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates an apperrors.AppError (or any error) to its
// status-coded JSON body, reusing the taxonomy's statusCodes mapping
// instead of hand-rolling another one per handler.
func writeError(w http.ResponseWriter, err error) {
	appErr, ok := err.(*apperrors.AppError)
	if !ok {
		appErr = apperrors.Wrap(err, apperrors.ErrorTypeInternal, "internal error")
	}
	writeJSON(w, appErr.StatusCode, map[string]string{"error": appErr.Message})
}
