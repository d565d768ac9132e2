package agentclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/jobspec"
	"github.com/syt100/bastion/internal/protocol"
	"github.com/syt100/bastion/internal/store"
	"github.com/syt100/bastion/internal/targetstore"
)

// Runner is the seam BuildRunner satisfies; tests substitute a fake so
// Client's connect/dispatch loop can be exercised without building real
// archives.
type Runner interface {
	BuildAndStore(ctx context.Context, jobID, runID, nodeID string, resolved ResolvedSpec, target targetstore.Store, progress func(store.ProgressSnapshot)) (*store.RunSummary, error)
}

// TargetFactory resolves a dispatched task's target from its inlined
// secrets, the agent-side counterpart of internal/worker.TargetFactory.
type TargetFactory func(target jobspec.Target, secrets map[string]string) (targetstore.Store, error)

// taskPayload is the wire shape of a dispatched protocol.Task's Task
// field (internal/worker's unexported resolvedSpec), decoded here rather
// than reusing that unexported type since the hub never exports it across
// the package boundary.
type taskPayload struct {
	V       int               `json:"v"`
	JobID   string            `json:"job_id"`
	NodeID  string            `json:"node_id"`
	Spec    jobspec.Spec      `json:"spec"`
	Secrets map[string]string `json:"secrets,omitempty"`
}

// Client runs the agent side of the hub/agent WebSocket protocol:
// connect, heartbeat, dispatch, reconnect with backoff, for as long as
// ctx stays live. Mirrors the hub's own read/write pump pair in
// internal/httpapi/ws.go from the opposite side.
type Client struct {
	Identity     *Identity
	Runner       Runner
	Targets      TargetFactory
	NodeID       string
	Capabilities []string
	Log          logr.Logger

	// OnConfigSnapshot/OnSecretsSnapshot feed the offline scheduler's local
	// cache. Both may be left nil when offline execution isn't wired up.
	OnConfigSnapshot  func(protocol.ConfigSnapshot)
	OnSecretsSnapshot func(protocol.SecretsSnapshot)

	// OnConnected fires after Hello is accepted on each (re)connection;
	// the agent binary uses it to drain offline-buffered runs back to the
	// hub.
	OnConnected func()

	// Now defaults to time.Now; overridden in tests.
	Now func() time.Time

	dialer    *websocket.Dialer
	connected atomic.Bool
}

// Connected reports whether a hub connection is currently live. The
// offline cron loop checks it so self-scheduled runs only fire while
// disconnected — while connected, the hub's own scheduler dispatches.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Run dials the hub and serves the connection until ctx is canceled,
// reconnecting with reconnectBackoff after every disconnect or dial
// failure.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.runOnce(ctx)
		if err == nil {
			attempt = 0
			continue
		}
		c.Log.Error(err, "agent connection lost", "agent_id", c.Identity.AgentID)
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff(attempt)):
		}
	}
}

// runOnce dials once, sends Hello, and serves the connection until it
// closes or ctx is canceled.
func (c *Client) runOnce(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "dial hub websocket")
	}
	defer conn.Close()

	c.Log.Info("connected to hub", "agent_id", c.Identity.AgentID)

	if err := conn.WriteJSON(protocol.NewHello(c.Identity.AgentID, c.Identity.Name, c.Capabilities)); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "send hello")
	}

	c.connected.Store(true)
	defer c.connected.Store(false)

	if c.OnConnected != nil {
		c.OnConnected()
	}

	session := &clientSession{client: c, conn: conn, lastPong: c.now()}
	return session.serve(ctx)
}

// dial upgrades baseURL/agent/ws to a WebSocket connection authenticated
// with the agent's bearer key (mirroring requireAgent's expectation on the
// hub side).
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := wsURL(c.Identity.HubURL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.Identity.AgentKey)

	dialer := c.dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	return conn, err
}

func wsURL(baseURL string) (string, error) {
	u, err := url.Parse(trimSlash(baseURL))
	if err != nil {
		return "", apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse hub url %q", baseURL)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/agent/ws"
	return u.String(), nil
}

// clientSession owns one live connection: a write loop serializing
// outbound frames (ping, ack, run_event, task_result) onto the socket, and
// a read loop dispatching inbound frames by envelope type — the client
// side of internal/httpapi/ws.go's writePump/readPump pair.
type clientSession struct {
	client *Client
	conn   *websocket.Conn

	mu       sync.Mutex
	lastPong time.Time
}

func (s *clientSession) now() time.Time { return s.client.now() }

func (s *clientSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *clientSession) serve(ctx context.Context) error {
	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(ctx) }()

	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.conn.WriteMessage(websocket.CloseMessage, closeMessage())
			return nil
		case err := <-readErr:
			return err
		case <-ticker.C:
			if pongTimedOut(s.pongAt(), PongTimeout, s.now()) {
				return apperrors.New(apperrors.ErrorTypeTransient, "pong timed out, reconnecting")
			}
			if err := s.send(protocol.NewPing()); err != nil {
				return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "send ping")
			}
		}
	}
}

func (s *clientSession) pongAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPong
}

func (s *clientSession) markPong() {
	s.mu.Lock()
	s.lastPong = s.now()
	s.mu.Unlock()
}

// readLoop decodes every inbound message by envelope type, mirroring
// internal/httpapi/ws.go's readPump on the other side of the same
// protocol.
func (s *clientSession) readLoop(ctx context.Context) error {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "read websocket message")
		}
		env, err := protocol.PeekType(raw)
		if err != nil {
			s.client.Log.Error(err, "decode hub message envelope")
			continue
		}

		switch env.Type {
		case protocol.TypePong:
			s.markPong()
		case protocol.TypeTask:
			s.handleTask(ctx, raw)
		case protocol.TypeConfigSnapshot:
			s.handleConfigSnapshot(raw)
		case protocol.TypeSecretsSnapshot:
			s.handleSecretsSnapshot(raw)
		default:
			s.client.Log.V(1).Info("ignoring unknown hub message type", "type", env.Type)
		}
	}
}

func (s *clientSession) handleConfigSnapshot(raw []byte) {
	var snap protocol.ConfigSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.client.Log.Error(err, "decode config_snapshot")
		return
	}
	if s.client.OnConfigSnapshot != nil {
		s.client.OnConfigSnapshot(snap)
	}
}

func (s *clientSession) handleSecretsSnapshot(raw []byte) {
	var snap protocol.SecretsSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.client.Log.Error(err, "decode secrets_snapshot")
		return
	}
	if s.client.OnSecretsSnapshot != nil {
		s.client.OnSecretsSnapshot(snap)
	}
}

// handleTask acks the task, runs it to completion (relaying run events
// live), and reports the exactly-once terminal task_result.
func (s *clientSession) handleTask(ctx context.Context, raw []byte) {
	var task protocol.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		s.client.Log.Error(err, "decode task")
		return
	}
	if err := s.send(protocol.NewAck(task.TaskID)); err != nil {
		s.client.Log.Error(err, "send ack", "task_id", task.TaskID)
	}

	var payload taskPayload
	if err := json.Unmarshal(task.Task, &payload); err != nil {
		s.reportFailure(task.TaskID, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "decode task payload"))
		return
	}

	target, err := s.client.Targets(payload.Spec.Target, payload.Secrets)
	if err != nil {
		s.reportFailure(task.TaskID, err)
		return
	}
	if _, err := target.EnsureRunCollection(ctx, payload.JobID, task.TaskID); err != nil {
		s.reportFailure(task.TaskID, err)
		return
	}

	s.relayEvent(task.TaskID, "info", "run_started", "agent started run")

	progress := func(p store.ProgressSnapshot) {
		s.relayEvent(task.TaskID, "info", "progress_snapshot", "")
	}

	summary, err := s.client.Runner.BuildAndStore(ctx, payload.JobID, task.TaskID, payload.NodeID, ResolvedSpec{
		Spec: payload.Spec, Secrets: payload.Secrets,
	}, target, progress)
	if err != nil {
		s.reportFailure(task.TaskID, err)
		return
	}

	s.relayEvent(task.TaskID, "info", "run_succeeded", "run completed")
	s.reportSuccess(task.TaskID, summary)
}

func (s *clientSession) relayEvent(runID, level, kind, message string) {
	if err := s.send(protocol.NewRunEvent(runID, level, kind, message, nil)); err != nil {
		s.client.Log.Error(err, "relay run event", "run_id", runID, "kind", kind)
	}
}

func (s *clientSession) reportSuccess(taskID string, summary *store.RunSummary) {
	data, err := json.Marshal(summary)
	if err != nil {
		s.client.Log.Error(err, "marshal run summary", "task_id", taskID)
		data = nil
	}
	s.reportResult(protocol.TaskResult{
		V: protocol.Version, Type: protocol.TypeTaskResult,
		TaskID: taskID, RunID: taskID, Status: "success", Summary: data,
	})
}

func (s *clientSession) reportFailure(taskID string, cause error) {
	s.client.Log.Error(cause, "task failed", "task_id", taskID)
	s.relayEvent(taskID, "error", "run_failed", cause.Error())
	s.reportResult(protocol.TaskResult{
		V: protocol.Version, Type: protocol.TypeTaskResult,
		TaskID: taskID, RunID: taskID, Status: "failed", Error: cause.Error(),
	})
}

func (s *clientSession) reportResult(result protocol.TaskResult) {
	if err := s.send(result); err != nil {
		s.client.Log.Error(err, "send task_result", "task_id", result.TaskID)
	}
}
