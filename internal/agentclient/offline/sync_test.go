package offline_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/syt100/bastion/internal/agentclient/offline"
)

type recordedIngest struct {
	auth string
	body map[string]any
}

var _ = Describe("Sync", func() {
	var (
		dataDir string
		mu      sync.Mutex
		posts   []recordedIngest
		status  int
		hub     *httptest.Server
	)

	BeforeEach(func() {
		dataDir = GinkgoT().TempDir()
		posts = nil
		status = http.StatusNoContent
		hub = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.Method).To(Equal(http.MethodPost))
			Expect(r.URL.Path).To(Equal("/agent/runs/ingest"))
			var body map[string]any
			Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
			mu.Lock()
			posts = append(posts, recordedIngest{auth: r.Header.Get("Authorization"), body: body})
			code := status
			mu.Unlock()
			w.WriteHeader(code)
		}))
		DeferCleanup(hub.Close)
	})

	writeTerminalRun := func(runID string) string {
		dir := offline.RunDir(dataDir, runID)
		ended := int64(20)
		Expect(offline.WriteRunFile(dir, &offline.RunFile{
			V: 1, ID: runID, JobID: "job1", JobName: "nightly",
			Status: offline.RunSuccess, StartedAt: 10, EndedAt: &ended,
		})).To(Succeed())
		Expect(offline.AppendEvent(dir, offline.RunEvent{Seq: 1, TS: 10, Level: "info", Kind: "run_started", Message: "offline run started"})).To(Succeed())
		Expect(offline.AppendEvent(dir, offline.RunEvent{Seq: 2, TS: 20, Level: "info", Kind: "run_succeeded", Message: "offline run completed"})).To(Succeed())
		return dir
	}

	It("is a no-op when the offline runs dir doesn't exist", func() {
		Expect(offline.Sync(context.Background(), hub.Client(), hub.URL, "key", dataDir)).To(Succeed())
		Expect(posts).To(BeEmpty())
	})

	It("drains terminal runs in order and removes each dir after 204", func() {
		dir1 := writeTerminalRun("run-a")
		dir2 := writeTerminalRun("run-b")

		Expect(offline.Sync(context.Background(), hub.Client(), hub.URL, "agent-key", dataDir)).To(Succeed())

		Expect(posts).To(HaveLen(2))
		Expect(posts[0].auth).To(Equal("Bearer agent-key"))
		run := posts[0].body["run"].(map[string]any)
		Expect(run["id"]).To(Equal("run-a"))
		Expect(run["events"]).To(HaveLen(2))

		Expect(dir1).NotTo(BeADirectory())
		Expect(dir2).NotTo(BeADirectory())
	})

	It("skips runs still marked running", func() {
		dir := offline.RunDir(dataDir, "run-live")
		Expect(offline.WriteRunFile(dir, &offline.RunFile{
			V: 1, ID: "run-live", JobID: "job1", Status: offline.RunRunning, StartedAt: 10,
		})).To(Succeed())

		Expect(offline.Sync(context.Background(), hub.Client(), hub.URL, "key", dataDir)).To(Succeed())

		Expect(posts).To(BeEmpty())
		Expect(dir).To(BeADirectory())
	})

	It("keeps the run dir when the hub rejects the ingest", func() {
		dir := writeTerminalRun("run-a")
		mu.Lock()
		status = http.StatusInternalServerError
		mu.Unlock()

		Expect(offline.Sync(context.Background(), hub.Client(), hub.URL, "key", dataDir)).NotTo(Succeed())
		Expect(dir).To(BeADirectory())

		entries, err := os.ReadDir(offline.RunsDir(dataDir))
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
	})
})
