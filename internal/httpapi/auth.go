package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/syt100/bastion/internal/apperrors"
)

type agentIDKey struct{}

// AgentIDFromContext returns the authenticated agent id set by
// requireAgent, or "" if none.
func AgentIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(agentIDKey{}).(string)
	return id
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func hashAgentKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// requireAgent authenticates the bearer credential against AgentsRepo,
// rejecting unknown or revoked agents: lookup by key_hash, then check
// revoked_at separately so revocation can be distinguished from an
// unknown token.
func (s *Server) requireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, apperrors.New(apperrors.ErrorTypeAuth, "unauthorized"))
			return
		}
		agent, err := s.Agents.GetByKeyHash(r.Context(), hashAgentKey(token))
		if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			writeError(w, apperrors.New(apperrors.ErrorTypeAuth, "unauthorized"))
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		if agent.RevokedAt != nil {
			writeError(w, apperrors.New(apperrors.ErrorTypeAuth, "agent revoked"))
			return
		}
		ctx := context.WithValue(r.Context(), agentIDKey{}, agent.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
