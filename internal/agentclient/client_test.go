package agentclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gorilla/websocket"

	"github.com/syt100/bastion/internal/agentclient"
	"github.com/syt100/bastion/internal/jobspec"
	"github.com/syt100/bastion/internal/protocol"
	"github.com/syt100/bastion/internal/store"
	"github.com/syt100/bastion/internal/targetstore"
)

// fakeRunner satisfies agentclient.Runner without touching runbuilder, so
// the dispatch loop can be exercised in isolation from archive building.
type fakeRunner struct {
	summary *store.RunSummary
	err     error
	calls   int
}

func (f *fakeRunner) BuildAndStore(ctx context.Context, jobID, runID, nodeID string, resolved agentclient.ResolvedSpec, target targetstore.Store, progress func(store.ProgressSnapshot)) (*store.RunSummary, error) {
	f.calls++
	progress(store.ProgressSnapshot{V: 1, Kind: "backup", Stage: "archive"})
	if f.err != nil {
		return nil, f.err
	}
	return f.summary, nil
}

var upgrader = websocket.Upgrader{}

var _ = Describe("Client", func() {
	It("completes hello/ack/task_result for a dispatched task", func() {
		hello := make(chan protocol.Hello, 1)
		acks := make(chan protocol.Ack, 1)
		results := make(chan protocol.TaskResult, 1)
		authHeader := make(chan string, 1)

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader <- r.Header.Get("Authorization")
			conn, err := upgrader.Upgrade(w, r, nil)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			_, raw, err := conn.ReadMessage()
			Expect(err).NotTo(HaveOccurred())
			var h protocol.Hello
			Expect(json.Unmarshal(raw, &h)).To(Succeed())
			hello <- h

			taskPayload, err := json.Marshal(map[string]any{
				"v":      1,
				"job_id": "job-1",
				"node_id": "agent-1",
				"spec": jobspec.Spec{
					SourceKind: jobspec.SourceFilesystem,
					Filesystem: &jobspec.FilesystemSource{Root: "/tmp", SymlinkPolicy: jobspec.SymlinkRecordAsLink, HardlinkPolicy: jobspec.HardlinkDetect, ErrorPolicy: jobspec.ErrorPolicyAbort},
					Pipeline:   jobspec.Pipeline{Compression: "zstd", PartSizeBytes: 1 << 20},
					Target:     jobspec.Target{Kind: jobspec.TargetLocalDir, BasePath: "/tmp"},
				},
				"secrets": map[string]string{},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(conn.WriteJSON(protocol.NewTask("run-1", taskPayload))).To(Succeed())

			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				env, err := protocol.PeekType(raw)
				Expect(err).NotTo(HaveOccurred())
				switch env.Type {
				case protocol.TypeAck:
					var a protocol.Ack
					Expect(json.Unmarshal(raw, &a)).To(Succeed())
					acks <- a
				case protocol.TypeTaskResult:
					var res protocol.TaskResult
					Expect(json.Unmarshal(raw, &res)).To(Succeed())
					results <- res
					return
				case protocol.TypeRunEvent:
					// relayed progress/lifecycle events, not asserted on here.
				}
			}
		}))
		defer srv.Close()

		runner := &fakeRunner{summary: &store.RunSummary{PartsCount: 1, BytesTotal: 5}}
		client := &agentclient.Client{
			Identity: &agentclient.Identity{AgentID: "agent-1", AgentKey: "secret-key", HubURL: "http://" + srv.Listener.Addr().String()},
			Runner:   runner,
			Targets: func(target jobspec.Target, secrets map[string]string) (targetstore.Store, error) {
				return targetstore.NewLocalDir(GinkgoT().TempDir()), nil
			},
			NodeID: "agent-1",
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		go client.Run(ctx)

		Eventually(authHeader, time.Second).Should(Receive(Equal("Bearer secret-key")))
		Eventually(hello, time.Second).Should(Receive(WithTransform(func(h protocol.Hello) string { return h.AgentID }, Equal("agent-1"))))
		Eventually(acks, time.Second).Should(Receive(WithTransform(func(a protocol.Ack) string { return a.TaskID }, Equal("run-1"))))

		var res protocol.TaskResult
		Eventually(results, time.Second).Should(Receive(&res))
		Expect(res.Status).To(Equal("success"))
		Expect(res.TaskID).To(Equal("run-1"))
		Expect(runner.calls).To(Equal(1))
	})
})

