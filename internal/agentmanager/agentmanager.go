// Package agentmanager holds the hub-side registry of connected agents
//: agent_id -> { send_channel, last_config_snapshot_id }.
package agentmanager

import (
	"encoding/json"
	"sync"

	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/metrics"
)

const sendBufferSize = 64

type entry struct {
	send                  chan []byte
	lastConfigSnapshotID  string
	lastSecretsSnapshotID string
}

// Manager is protected by a single read/write lock; writers are
// register/unregister/config-dedup, readers are all sends.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func New() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

// Register adds agentID with a fresh send channel, resetting any prior
// last_config_snapshot_id — "a new connection resets last_config_snapshot_id
// to None". Returns the channel the
// caller's WebSocket write pump should drain.
func (m *Manager) Register(agentID string) <-chan []byte {
	ch := make(chan []byte, sendBufferSize)
	m.mu.Lock()
	_, existed := m.entries[agentID]
	m.entries[agentID] = &entry{send: ch}
	m.mu.Unlock()
	if !existed {
		metrics.RecordAgentConnected()
	}
	return ch
}

// Unregister removes agentID and closes its send channel.
func (m *Manager) Unregister(agentID string) {
	m.mu.Lock()
	e, ok := m.entries[agentID]
	if ok {
		close(e.send)
		delete(m.entries, agentID)
	}
	m.mu.Unlock()
	if ok {
		metrics.RecordAgentDisconnected()
	}
}

// SendJSON marshals v and enqueues it on agentID's send channel; fails if
// the agent is not registered or its channel is full.
func (m *Manager) SendJSON(agentID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal agent message")
	}
	m.mu.RLock()
	e, ok := m.entries[agentID]
	m.mu.RUnlock()
	if !ok {
		return apperrors.Newf(apperrors.ErrorTypeNotFound, "agent %q not connected", agentID)
	}
	select {
	case e.send <- data:
		return nil
	default:
		return apperrors.Newf(apperrors.ErrorTypeTransient, "agent %q send buffer full", agentID)
	}
}

// SendConfigSnapshotJSON sends v only if snapshotID differs from the agent's
// last recorded snapshot id, then records the new id. The check-and-record
// happens under the same write lock so two concurrent dispatchers can never
// both observe a stale id and double-send.
func (m *Manager) SendConfigSnapshotJSON(agentID, snapshotID string, v any) (sent bool, err error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal config snapshot")
	}

	m.mu.Lock()
	e, ok := m.entries[agentID]
	if !ok {
		m.mu.Unlock()
		return false, apperrors.Newf(apperrors.ErrorTypeNotFound, "agent %q not connected", agentID)
	}
	if e.lastConfigSnapshotID == snapshotID {
		m.mu.Unlock()
		return false, nil
	}
	e.lastConfigSnapshotID = snapshotID
	sendCh := e.send
	m.mu.Unlock()

	select {
	case sendCh <- data:
		return true, nil
	default:
		return false, apperrors.Newf(apperrors.ErrorTypeTransient, "agent %q send buffer full", agentID)
	}
}

// SendSecretsSnapshotJSON is SendConfigSnapshotJSON's counterpart for the
// secrets snapshot's own dedup id, tracked separately since config and
// secrets change independently.
func (m *Manager) SendSecretsSnapshotJSON(agentID, snapshotID string, v any) (sent bool, err error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal secrets snapshot")
	}

	m.mu.Lock()
	e, ok := m.entries[agentID]
	if !ok {
		m.mu.Unlock()
		return false, apperrors.Newf(apperrors.ErrorTypeNotFound, "agent %q not connected", agentID)
	}
	if e.lastSecretsSnapshotID == snapshotID {
		m.mu.Unlock()
		return false, nil
	}
	e.lastSecretsSnapshotID = snapshotID
	sendCh := e.send
	m.mu.Unlock()

	select {
	case sendCh <- data:
		return true, nil
	default:
		return false, apperrors.Newf(apperrors.ErrorTypeTransient, "agent %q send buffer full", agentID)
	}
}

// IsConnected reports whether agentID currently has a registered send
// channel.
func (m *Manager) IsConnected(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[agentID]
	return ok
}

// ConnectedAgentIDs returns a snapshot of currently registered agent ids.
func (m *Manager) ConnectedAgentIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}
