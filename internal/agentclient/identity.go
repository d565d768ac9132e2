// Package agentclient is the bastion agent process: it
// dials the hub over the WebSocket protocol in internal/protocol, executes
// dispatched and self-scheduled (offline) runs with the same
// internal/runbuilder/internal/targetstore machinery the hub's own worker
// uses, and persists its enrollment identity to a local JSON file rather
// than a database.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"runtime"

	"github.com/syt100/bastion/internal/apperrors"
)

const identityFileName = "agent.json"

// Identity is the agent's persisted enrollment credential.
type Identity struct {
	V          int    `json:"v"`
	HubURL     string `json:"hub_url"`
	AgentID    string `json:"agent_id"`
	AgentKey   string `json:"agent_key"`
	Name       string `json:"name,omitempty"`
	EnrolledAt int64  `json:"enrolled_at"`
}

// IdentityPath returns the identity file's location under dataDir.
func IdentityPath(dataDir string) string {
	return filepath.Join(dataDir, identityFileName)
}

// LoadIdentity returns (nil, nil) when no identity has been saved yet, so
// callers can distinguish "not yet enrolled" from a read failure.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "read identity file %s", path)
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "parse identity file %s", path)
	}
	return &id, nil
}

// SaveIdentity writes identity atomically (write to a sibling .partial
// file, then rename), so a crash mid-write never leaves a corrupt
// identity file for the next start to choke on.
func SaveIdentity(path string, identity *Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "create identity dir for %s", path)
	}
	data, err := json.MarshalIndent(identity, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal identity")
	}

	tmp := path + ".partial"
	_ = os.Remove(tmp)
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "write identity tmp file %s", tmp)
	}
	if runtime.GOOS != "windows" {
		_ = os.Chmod(tmp, 0o600)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "rename identity file to %s", path)
	}
	return nil
}

type enrollRequest struct {
	Token string `json:"token"`
	Name  string `json:"name,omitempty"`
}

type enrollResponse struct {
	AgentID  string `json:"agent_id"`
	AgentKey string `json:"agent_key"`
}

// Enroll calls POST {baseURL}/agent/enroll with the hub-wide enrollment
// token and returns a fresh Identity ready to be saved via SaveIdentity.
func Enroll(ctx context.Context, client *http.Client, baseURL, token, name string, now int64) (*Identity, error) {
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(enrollRequest{Token: token, Name: name})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal enroll request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, trimSlash(baseURL)+"/agent/enroll", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "build enroll request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "send enroll request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Newf(apperrors.ErrorTypeTransient, "enroll failed: HTTP %d", resp.StatusCode)
	}

	var res enrollResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "decode enroll response")
	}

	return &Identity{
		V: 1, HubURL: baseURL, AgentID: res.AgentID, AgentKey: res.AgentKey, Name: name, EnrolledAt: now,
	}, nil
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
