package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/syt100/bastion/internal/agentmanager"
	"github.com/syt100/bastion/internal/eventbus"
	"github.com/syt100/bastion/internal/httpapi"
	"github.com/syt100/bastion/internal/jobspec"
	"github.com/syt100/bastion/internal/secretsvault"
	"github.com/syt100/bastion/internal/store"
)

const enrollmentToken = "test-enrollment-token"

type harness struct {
	db     *store.DB
	agents *store.AgentsRepo
	jobs   *store.JobsRepo
	runs   *store.RunsRepo
	events *store.RunEventsRepo
	ts     *httptest.Server
}

func newHarness(dir string) *harness {
	db, err := store.Open(context.Background(), filepath.Join(dir, "bastion.db"))
	Expect(err).NotTo(HaveOccurred())

	vault, err := secretsvault.LoadOrCreate(dir)
	Expect(err).NotTo(HaveOccurred())

	h := &harness{
		db:     db,
		agents: store.NewAgentsRepo(db),
		jobs:   store.NewJobsRepo(db),
		runs:   store.NewRunsRepo(db),
		events: store.NewRunEventsRepo(db),
	}
	agentTasks := store.NewAgentTasksRepo(db)
	secrets := store.NewSecretsRepo(db, vault)
	manager := agentmanager.New()
	bus := eventbus.New()

	srv := httpapi.New(h.agents, h.jobs, h.runs, h.events, agentTasks, secrets, manager, bus, enrollmentToken, logr.Discard())
	h.ts = httptest.NewServer(srv.Router())
	return h
}

func (h *harness) close() {
	h.ts.Close()
	Expect(h.db.Close()).To(Succeed())
}

func validJob(id, agentID string) *store.Job {
	return &store.Job{
		ID: id, Name: "nightly-" + id, AgentID: &agentID, ScheduleTimezone: "UTC",
		OverlapPolicy: store.OverlapQueue,
		Spec: jobspec.Spec{
			SourceKind: jobspec.SourceFilesystem,
			Filesystem: &jobspec.FilesystemSource{
				Root: "/data", SymlinkPolicy: jobspec.SymlinkFollow,
				HardlinkPolicy: jobspec.HardlinkDetect, ErrorPolicy: jobspec.ErrorPolicyAbort,
			},
			Pipeline: jobspec.Pipeline{Compression: "zstd", Encryption: jobspec.EncryptionMode{Type: "none"}, PartSizeBytes: 1 << 20},
			Target:   jobspec.Target{Kind: jobspec.TargetLocalDir, BasePath: "/out"},
		},
		CreatedAt: 1, UpdatedAt: 1,
	}
}

var _ = Describe("POST agent/enroll", func() {
	var h *harness

	BeforeEach(func() { h = newHarness(GinkgoT().TempDir()) })
	AfterEach(func() { h.close() })

	It("rejects a missing or wrong enrollment token", func() {
		resp, err := http.Post(h.ts.URL+"/agent/enroll", "application/json", strings.NewReader(`{"token":"wrong"}`))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))

		missing, err := http.Post(h.ts.URL+"/agent/enroll", "application/json", strings.NewReader(`{}`))
		Expect(err).NotTo(HaveOccurred())
		defer missing.Body.Close()
		Expect(missing.StatusCode).To(Equal(http.StatusUnauthorized))
	})

	It("mints a new agent identity for a correct token", func() {
		body, _ := json.Marshal(map[string]string{"token": enrollmentToken, "name": "edge-01"})
		resp, err := http.Post(h.ts.URL+"/agent/enroll", "application/json", bytes.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var parsed struct {
			AgentID  string `json:"agent_id"`
			AgentKey string `json:"agent_key"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&parsed)).To(Succeed())
		Expect(parsed.AgentID).NotTo(BeEmpty())
		Expect(parsed.AgentKey).NotTo(BeEmpty())

		stored, err := h.agents.Get(context.Background(), parsed.AgentID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Name).To(Equal("edge-01"))
		Expect(stored.KeyHash).NotTo(Equal(parsed.AgentKey))
	})
})

func enroll(h *harness, name string) (agentID, agentKey string) {
	body, _ := json.Marshal(map[string]string{"token": enrollmentToken, "name": name})
	resp, err := http.Post(h.ts.URL+"/agent/enroll", "application/json", bytes.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	Expect(resp.StatusCode).To(Equal(http.StatusOK))
	var parsed struct {
		AgentID  string `json:"agent_id"`
		AgentKey string `json:"agent_key"`
	}
	Expect(json.NewDecoder(resp.Body).Decode(&parsed)).To(Succeed())
	return parsed.AgentID, parsed.AgentKey
}

func authedRequest(method, url, token string, body []byte) *http.Request {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req
}

var _ = Describe("agent-authenticated endpoints", func() {
	var h *harness

	BeforeEach(func() { h = newHarness(GinkgoT().TempDir()) })
	AfterEach(func() { h.close() })

	It("rejects requests with no bearer token", func() {
		resp, err := http.Post(h.ts.URL+"/agent/runs/ingest", "application/json", strings.NewReader(`{}`))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
	})

	It("rejects a revoked agent's token", func() {
		agentID, agentKey := enroll(h, "edge-revoked")
		Expect(h.agents.Revoke(context.Background(), agentID, 1000)).To(Succeed())

		req := authedRequest(http.MethodPost, h.ts.URL+"/agent/runs/ingest", agentKey, []byte(`{}`))
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
	})

	Describe("POST agent/runs/ingest", func() {
		It("persists a terminal offline run and its events", func() {
			agentID, agentKey := enroll(h, "edge-ingest")
			job := validJob(uuid.NewString(), agentID)
			Expect(h.jobs.CreateJob(context.Background(), job, nil)).To(Succeed())

			runID := uuid.NewString()
			payload, _ := json.Marshal(map[string]any{
				"run": map[string]any{
					"id": runID, "job_id": job.ID, "status": "success",
					"started_at": 1000, "ended_at": 2000,
					"events": []map[string]any{
						{"ts": 1000, "level": "info", "kind": "run_started", "message": "starting"},
						{"ts": 2000, "level": "info", "kind": "run_succeeded", "message": "done"},
					},
				},
			})

			req := authedRequest(http.MethodPost, h.ts.URL+"/agent/runs/ingest", agentKey, payload)
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			run, err := h.runs.GetRun(context.Background(), runID)
			Expect(err).NotTo(HaveOccurred())
			Expect(run.Status).To(Equal(store.RunSuccess))

			evs, err := h.events.ListRunEvents(context.Background(), runID)
			Expect(err).NotTo(HaveOccurred())
			Expect(evs).To(HaveLen(2))
			Expect(evs[0].Seq).To(Equal(int64(1)))
			Expect(evs[1].Seq).To(Equal(int64(2)))
		})
	})

	Describe("GET agent/ws", func() {
		It("upgrades and pushes a config snapshot after Hello", func() {
			agentID, agentKey := enroll(h, "edge-ws")
			job := validJob(uuid.NewString(), agentID)
			Expect(h.jobs.CreateJob(context.Background(), job, nil)).To(Succeed())

			wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/agent/ws"
			header := http.Header{"Authorization": []string{"Bearer " + agentKey}}
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			defer conn.Close()

			hello, _ := json.Marshal(map[string]any{"v": 1, "type": "hello", "agent_id": agentID})
			Expect(conn.WriteMessage(websocket.TextMessage, hello)).To(Succeed())

			_, raw, err := conn.ReadMessage()
			Expect(err).NotTo(HaveOccurred())

			var env struct {
				Type       string `json:"type"`
				SnapshotID string `json:"snapshot_id"`
			}
			Expect(json.Unmarshal(raw, &env)).To(Succeed())
			Expect(env.Type).To(Equal("config_snapshot"))
			Expect(env.SnapshotID).NotTo(BeEmpty())
		})
	})
})
