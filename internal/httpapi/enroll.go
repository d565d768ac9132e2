package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/store"
)

type enrollRequest struct {
	Token string `json:"token"`
	Name  string `json:"name"`
}

type enrollResponse struct {
	AgentID  string `json:"agent_id"`
	AgentKey string `json:"agent_key"`
}

func randomAgentKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand failing means the platform's entropy source is broken
	}
	return hex.EncodeToString(buf)
}

// handleEnroll implements POST agent/enroll: a new agent presents the
// hub-wide enrollment token and gets back a freshly minted per-agent
// credential. Admin-issued, single-use enrollment tokens would need an
// admin surface this hub doesn't have; a single shared secret is the
// simplest thing that satisfies the "POST agent/enroll {token, name?}"
// contract.
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.ErrorTypeValidation, "malformed request body"))
		return
	}
	if s.EnrollmentToken == "" || req.Token != s.EnrollmentToken {
		writeError(w, apperrors.New(apperrors.ErrorTypeAuth, "unauthorized"))
		return
	}

	agentKey := s.NewAgentKey()
	agent := &store.Agent{
		ID:        s.NewAgentID(),
		Name:      req.Name,
		KeyHash:   hashAgentKey(agentKey),
		CreatedAt: s.Now(),
	}
	if err := s.Agents.Create(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, enrollResponse{AgentID: agent.ID, AgentKey: agentKey})
}
