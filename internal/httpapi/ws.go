package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gorilla/websocket"

	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/eventbus"
	"github.com/syt100/bastion/internal/jobspec"
	"github.com/syt100/bastion/internal/protocol"
	"github.com/syt100/bastion/internal/store"
)

// upgrader accepts any origin: the agent-protocol endpoint is consumed by
// the bastion agent binary, not a browser, so there is no cross-site
// request to defend against here.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades an authenticated agent connection, registers it
// with the agent manager, and runs its read/write pumps until either side
// closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	agentID := AgentIDFromContext(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Error(err, "websocket upgrade failed", "agent_id", agentID)
		return
	}

	send := s.Manager.Register(agentID)
	s.Log.Info("agent connected", "agent_id", agentID)

	done := make(chan struct{})
	go s.writePump(conn, send, done)
	s.readPump(context.Background(), conn, agentID)

	close(done)
	s.Manager.Unregister(agentID)
	conn.Close()
	s.Log.Info("agent disconnected", "agent_id", agentID)
}

// writePump drains the agent's registered send channel onto the socket
// until the channel closes (on Unregister) or the connection breaks.
func (s *Server) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case data, ok := <-send:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// readPump decodes every inbound message by its envelope type and applies
// it to store state, returning when the connection closes.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, agentID string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.PeekType(raw)
		if err != nil {
			s.Log.Error(err, "decode agent message envelope", "agent_id", agentID)
			continue
		}

		switch env.Type {
		case protocol.TypeHello:
			s.handleHello(ctx, agentID, raw)
		case protocol.TypePing:
			s.handlePing(agentID)
		case protocol.TypeAck:
			s.handleAck(ctx, agentID, raw)
		case protocol.TypeRunEvent:
			s.handleRunEvent(ctx, raw)
		case protocol.TypeTaskResult:
			s.handleTaskResult(ctx, agentID, raw)
		default:
			// "Protocol version = 1; unknown message types are logged and
			// ignored".
			s.Log.V(1).Info("ignoring unknown agent message type", "agent_id", agentID, "type", env.Type)
		}
	}
}

func (s *Server) handlePing(agentID string) {
	if err := s.Manager.SendJSON(agentID, protocol.NewPong()); err != nil {
		s.Log.V(1).Info("pong send failed", "agent_id", agentID, "error", err.Error())
	}
}

// handleAck records that the agent has taken ownership of a dispatched
// task — task_id equals run_id.
func (s *Server) handleAck(ctx context.Context, agentID string, raw []byte) {
	var ack protocol.Ack
	if err := json.Unmarshal(raw, &ack); err != nil {
		s.Log.Error(err, "decode ack", "agent_id", agentID)
		return
	}
	if err := s.AgentTasks.UpdateStatus(ctx, ack.TaskID, "acked", s.Now()); err != nil {
		s.Log.Error(err, "record task ack", "agent_id", agentID, "task_id", ack.TaskID)
	}
}

// handleRunEvent relays a run event reported live by a connected agent
// into the same durable log and event bus the local worker path uses.
func (s *Server) handleRunEvent(ctx context.Context, raw []byte) {
	var ev protocol.RunEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		s.Log.Error(err, "decode run_event")
		return
	}
	seq, err := s.RunEvents.AppendRunEvent(ctx, ev.RunID, s.Now(), ev.Level, ev.Kind, ev.Message, ev.Fields)
	if err != nil {
		s.Log.Error(err, "append relayed run event", "run_id", ev.RunID)
		return
	}
	s.Bus.Publish(eventbus.Event{RunID: ev.RunID, Seq: seq, TS: s.Now(), Level: ev.Level, Kind: ev.Kind, Message: ev.Message, Fields: ev.Fields})
}

// handleTaskResult applies the agent's exactly-once terminal report for a
// dispatched task: complete the run row (the dispatch poll loop in
// internal/worker observes this transition) and close out the agent_tasks
// record.
func (s *Server) handleTaskResult(ctx context.Context, agentID string, raw []byte) {
	var res protocol.TaskResult
	if err := json.Unmarshal(raw, &res); err != nil {
		s.Log.Error(err, "decode task_result", "agent_id", agentID)
		return
	}

	status := store.RunFailed
	if res.Status == "success" {
		status = store.RunSuccess
	}

	var summary *store.RunSummary
	if len(res.Summary) > 0 {
		summary = &store.RunSummary{}
		if err := json.Unmarshal(res.Summary, summary); err != nil {
			s.Log.Error(err, "decode task_result summary", "run_id", res.RunID)
			summary = nil
		}
	}
	var runErr *string
	if res.Error != "" {
		runErr = &res.Error
	}

	if err := s.Runs.CompleteRun(ctx, res.RunID, status, s.Now(), summary, runErr); err != nil {
		s.Log.Error(err, "complete run from task_result", "run_id", res.RunID)
	}
	taskStatus := "done"
	if status == store.RunFailed {
		taskStatus = "failed"
	}
	if err := s.AgentTasks.UpdateStatus(ctx, res.TaskID, taskStatus, s.Now()); err != nil {
		s.Log.Error(err, "record task result status", "agent_id", agentID, "task_id", res.TaskID)
	}
}

// handleHello pushes the agent's current ConfigSnapshot once it announces
// itself, deduped by the agent manager so a Hello that repeats the same
// snapshot id on the same connection does not re-send; a new connection
// re-registers the agent, which resets that dedup state.
func (s *Server) handleHello(ctx context.Context, agentID string, raw []byte) {
	var hello protocol.Hello
	if err := json.Unmarshal(raw, &hello); err != nil {
		s.Log.Error(err, "decode hello", "agent_id", agentID)
		return
	}

	jobs, err := s.Jobs.ListJobsForAgent(ctx, agentID)
	if err != nil {
		s.Log.Error(err, "list jobs for config snapshot", "agent_id", agentID)
		return
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })

	jobsJSON, err := json.Marshal(jobs)
	if err != nil {
		s.Log.Error(err, "marshal config snapshot jobs", "agent_id", agentID)
		return
	}
	snapshotID := snapshotIDFor(jobsJSON)

	snap := protocol.NewConfigSnapshot(snapshotID, s.Now(), jobsJSON)
	if _, err := s.Manager.SendConfigSnapshotJSON(agentID, snapshotID, snap); err != nil {
		s.Log.Error(err, "send config snapshot", "agent_id", agentID)
	}

	s.sendSecretsSnapshot(ctx, agentID, jobs)
}

// sendSecretsSnapshot inlines the plaintext of every secret the agent's
// jobs reference into a SecretsSnapshot, so a disconnected agent can still
// build and encrypt runs while offline. Keyed "kind/name" -> plaintext, the same shape
// internal/worker's resolveSpec inlines per dispatched task, so
// internal/agentclient decodes both through the same map.
func (s *Server) sendSecretsSnapshot(ctx context.Context, agentID string, jobs []*store.Job) {
	nodeID := agentID
	secrets := make(map[string]string)
	for _, job := range jobs {
		if job.Spec.Target.Kind == jobspec.TargetWebDAV && job.Spec.Target.SecretName != "" {
			key := "webdav/" + job.Spec.Target.SecretName
			if _, ok := secrets[key]; !ok {
				v, err := s.Secrets.GetSecret(ctx, nodeID, "webdav", job.Spec.Target.SecretName)
				if err != nil {
					s.Log.Error(err, "load webdav secret for secrets snapshot", "agent_id", agentID, "secret", job.Spec.Target.SecretName)
				} else {
					secrets[key] = string(v)
				}
			}
		}
		if job.Spec.Pipeline.Encryption.Type == "age_x25519" && job.Spec.Pipeline.Encryption.KeyName != "" {
			key := "encryption_key/" + job.Spec.Pipeline.Encryption.KeyName
			if _, ok := secrets[key]; ok {
				continue
			}
			v, err := s.Secrets.GetSecret(ctx, nodeID, "encryption_key", job.Spec.Pipeline.Encryption.KeyName)
			if err != nil {
				if !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
					s.Log.Error(err, "load encryption key for secrets snapshot", "agent_id", agentID, "key", job.Spec.Pipeline.Encryption.KeyName)
				}
				continue
			}
			secrets[key] = string(v)
		}
	}

	secretsJSON, err := json.Marshal(secrets)
	if err != nil {
		s.Log.Error(err, "marshal secrets snapshot", "agent_id", agentID)
		return
	}
	snapshotID := snapshotIDFor(secretsJSON)
	snap := protocol.NewSecretsSnapshot(snapshotID, s.Now(), secretsJSON)
	if _, err := s.Manager.SendSecretsSnapshotJSON(agentID, snapshotID, snap); err != nil {
		s.Log.Error(err, "send secrets snapshot", "agent_id", agentID)
	}
}

// snapshotIDFor hashes the already-sorted, marshaled job list — "Deduped
// snapshot" requires the id be stable under re-ordering of
// the same logical job set, so the sort happens before this, not inside
// it.
func snapshotIDFor(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
