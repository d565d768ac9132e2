// Package protocol defines the JSON-over-WebSocket wire messages exchanged
// between hub and agent, plus the binary artifact chunk
// frame used for large payload streaming.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Version is the only supported wire protocol version; unknown message
// types are logged and ignored rather than rejected, to allow additive
// evolution.
const Version = 1

// Envelope is the common shape every message decodes through first: Type
// selects which concrete payload to unmarshal into.
type Envelope struct {
	V    int    `json:"v"`
	Type string `json:"type"`
}

const (
	TypeHello           = "hello"
	TypePing            = "ping"
	TypeAck             = "ack"
	TypeRunEvent        = "run_event"
	TypeTaskResult      = "task_result"
	TypeTask            = "task"
	TypePong            = "pong"
	TypeConfigSnapshot  = "config_snapshot"
	TypeSecretsSnapshot = "secrets_snapshot"
)

// Hello is sent by the agent immediately after connecting.
type Hello struct {
	V            int             `json:"v"`
	Type         string          `json:"type"`
	AgentID      string          `json:"agent_id"`
	Name         string          `json:"name,omitempty"`
	Info         json.RawMessage `json:"info,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
}

func NewHello(agentID, name string, capabilities []string) Hello {
	return Hello{V: Version, Type: TypeHello, AgentID: agentID, Name: name, Capabilities: capabilities}
}

// Ping is sent by the agent on its heartbeat interval.
type Ping struct {
	V    int    `json:"v"`
	Type string `json:"type"`
}

func NewPing() Ping { return Ping{V: Version, Type: TypePing} }

// Pong is the hub's reply to a Ping.
type Pong struct {
	V    int    `json:"v"`
	Type string `json:"type"`
}

func NewPong() Pong { return Pong{V: Version, Type: TypePong} }

// Ack acknowledges receipt of a Task; task_id equals run_id.
type Ack struct {
	V      int    `json:"v"`
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

func NewAck(taskID string) Ack { return Ack{V: Version, Type: TypeAck, TaskID: taskID} }

// RunEvent relays one append-only run event from agent to hub.
type RunEvent struct {
	V       int            `json:"v"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	Level   string         `json:"level"`
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func NewRunEvent(runID, level, kind, message string, fields map[string]any) RunEvent {
	return RunEvent{V: Version, Type: TypeRunEvent, RunID: runID, Level: level, Kind: kind, Message: message, Fields: fields}
}

// TaskResult is the agent's exactly-once terminal report for a dispatched
// task.
type TaskResult struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	TaskID  string          `json:"task_id"`
	RunID   string          `json:"run_id"`
	Status  string          `json:"status"`
	Summary json.RawMessage `json:"summary,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Task dispatches a BackupRunTaskV1 payload to the agent. task_id equals
// run_id.
type Task struct {
	V      int             `json:"v"`
	Type   string          `json:"type"`
	TaskID string          `json:"task_id"`
	Task   json.RawMessage `json:"task"`
}

func NewTask(runID string, taskPayload json.RawMessage) Task {
	return Task{V: Version, Type: TypeTask, TaskID: runID, Task: taskPayload}
}

// ConfigSnapshot carries the job set an agent should run while offline.
type ConfigSnapshot struct {
	V          int             `json:"v"`
	Type       string          `json:"type"`
	SnapshotID string          `json:"snapshot_id"`
	IssuedAt   int64           `json:"issued_at"`
	Jobs       json.RawMessage `json:"jobs"`
}

func NewConfigSnapshot(snapshotID string, issuedAt int64, jobs json.RawMessage) ConfigSnapshot {
	return ConfigSnapshot{V: Version, Type: TypeConfigSnapshot, SnapshotID: snapshotID, IssuedAt: issuedAt, Jobs: jobs}
}

// SecretsSnapshot carries the node-scoped secrets an agent needs to execute
// its jobs locally while offline.
type SecretsSnapshot struct {
	V          int             `json:"v"`
	Type       string          `json:"type"`
	SnapshotID string          `json:"snapshot_id"`
	IssuedAt   int64           `json:"issued_at"`
	Secrets    json.RawMessage `json:"secrets"`
}

func NewSecretsSnapshot(snapshotID string, issuedAt int64, secrets json.RawMessage) SecretsSnapshot {
	return SecretsSnapshot{V: Version, Type: TypeSecretsSnapshot, SnapshotID: snapshotID, IssuedAt: issuedAt, Secrets: secrets}
}

// PeekType reads just the envelope to discover the message type without
// committing to a concrete payload shape.
func PeekType(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	return env, nil
}

// --- Artifact chunk frame ---

// FrameHeaderSize is the 16-byte stream id plus 1-byte flags prefix.
const FrameHeaderSize = 17

const flagEOF = 1 << 0

// Frame is one binary artifact chunk: a stream id (so multiple concurrent
// part uploads can share a connection), an end-of-stream flag, and a
// payload.
type Frame struct {
	StreamID uuid.UUID
	EOF      bool
	Payload  []byte
}

// EncodeFrame serializes f to the wire form: 16-byte UUID, 1-byte flags,
// then payload.
func EncodeFrame(f Frame) []byte {
	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	copy(buf[:16], f.StreamID[:])
	if f.EOF {
		buf[16] = flagEOF
	}
	copy(buf[17:], f.Payload)
	return buf
}

// DecodeFrame parses a wire frame. Frames shorter than FrameHeaderSize fail
// with "too short"; unknown flag bits beyond bit0 are silently ignored.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < FrameHeaderSize {
		return Frame{}, fmt.Errorf("protocol: frame too short: %d bytes", len(data))
	}
	var streamID uuid.UUID
	copy(streamID[:], data[:16])
	flags := data[16]
	payload := make([]byte, len(data)-FrameHeaderSize)
	copy(payload, data[17:])
	return Frame{StreamID: streamID, EOF: flags&flagEOF != 0, Payload: payload}, nil
}
