package offline

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/protocol"
	"github.com/syt100/bastion/internal/store"
)

// ConfigSnapshotPath / SecretsSnapshotPath locate the last hub-pushed
// snapshots on the agent's disk. The agent keeps running its schedule
// from the last persisted snapshot across both disconnects and its own
// restarts, so both messages are written down verbatim as they arrive.
func ConfigSnapshotPath(dataDir string) string {
	return filepath.Join(dataDir, "agent", "config_snapshot.json")
}

func SecretsSnapshotPath(dataDir string) string {
	return filepath.Join(dataDir, "agent", "secrets_snapshot.json")
}

// SaveConfigSnapshot persists snap, replacing any earlier one.
func SaveConfigSnapshot(dataDir string, snap protocol.ConfigSnapshot) error {
	return writeSnapshotFile(ConfigSnapshotPath(dataDir), snap)
}

// LoadConfigSnapshot returns the persisted snapshot, or (nil, nil) when
// the agent has never received one.
func LoadConfigSnapshot(dataDir string) (*protocol.ConfigSnapshot, error) {
	var snap protocol.ConfigSnapshot
	ok, err := readSnapshotFile(ConfigSnapshotPath(dataDir), &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

// SaveSecretsSnapshot persists snap, replacing any earlier one. The file
// holds plaintext secrets; it is written 0600 under the agent's own data
// directory, the same trust boundary that already holds agent.json's
// bearer key.
func SaveSecretsSnapshot(dataDir string, snap protocol.SecretsSnapshot) error {
	return writeSnapshotFile(SecretsSnapshotPath(dataDir), snap)
}

// LoadSecretsSnapshot returns the persisted snapshot, or (nil, nil) when
// absent.
func LoadSecretsSnapshot(dataDir string) (*protocol.SecretsSnapshot, error) {
	var snap protocol.SecretsSnapshot
	ok, err := readSnapshotFile(SecretsSnapshotPath(dataDir), &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

// DecodeSnapshotJobs unpacks a ConfigSnapshot's jobs payload into the
// job set the offline Scheduler schedules from.
func DecodeSnapshotJobs(snap *protocol.ConfigSnapshot) ([]*store.Job, error) {
	if snap == nil || len(snap.Jobs) == 0 {
		return nil, nil
	}
	var jobs []*store.Job
	if err := json.Unmarshal(snap.Jobs, &jobs); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "decode config snapshot jobs")
	}
	return jobs, nil
}

// DecodeSnapshotSecrets unpacks a SecretsSnapshot's "kind/name" ->
// plaintext map.
func DecodeSnapshotSecrets(snap *protocol.SecretsSnapshot) (map[string]string, error) {
	if snap == nil || len(snap.Secrets) == 0 {
		return nil, nil
	}
	var secrets map[string]string
	if err := json.Unmarshal(snap.Secrets, &secrets); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "decode secrets snapshot")
	}
	return secrets, nil
}

func writeSnapshotFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "create snapshot dir for %s", path)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal snapshot")
	}
	tmp := path + ".partial"
	_ = os.Remove(tmp)
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "write snapshot tmp file %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "rename snapshot file to %s", path)
	}
	return nil
}

func readSnapshotFile(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "read snapshot file %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "parse snapshot file %s", path)
	}
	return true, nil
}
