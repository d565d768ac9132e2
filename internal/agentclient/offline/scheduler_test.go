package offline_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"

	"github.com/syt100/bastion/internal/agentclient"
	"github.com/syt100/bastion/internal/agentclient/offline"
	"github.com/syt100/bastion/internal/cron"
	"github.com/syt100/bastion/internal/jobspec"
	"github.com/syt100/bastion/internal/store"
	"github.com/syt100/bastion/internal/targetstore"
)

type fakeRunner struct {
	block chan struct{}
	calls int
}

func (f *fakeRunner) BuildAndStore(ctx context.Context, jobID, runID, nodeID string, resolved agentclient.ResolvedSpec, target targetstore.Store, progress func(store.ProgressSnapshot)) (*store.RunSummary, error) {
	f.calls++
	if f.block != nil {
		<-f.block
	}
	return &store.RunSummary{PartsCount: 1}, nil
}

func everyMinuteJob(id string, policy store.OverlapPolicy) *store.Job {
	sched := "* * * * *"
	return &store.Job{
		ID: id, Name: "job-" + id, Schedule: &sched, ScheduleTimezone: "UTC",
		OverlapPolicy: policy,
		Spec: jobspec.Spec{
			SourceKind: jobspec.SourceFilesystem,
			Filesystem: &jobspec.FilesystemSource{Root: "/tmp", SymlinkPolicy: jobspec.SymlinkRecordAsLink, HardlinkPolicy: jobspec.HardlinkDetect, ErrorPolicy: jobspec.ErrorPolicyAbort},
			Pipeline:   jobspec.Pipeline{Compression: "zstd", PartSizeBytes: 1 << 20},
			Target:     jobspec.Target{Kind: jobspec.TargetLocalDir, BasePath: "/tmp"},
		},
	}
}

var _ = Describe("Scheduler.Tick", func() {
	It("runs a due job to a terminal success RunFile", func() {
		dataDir := GinkgoT().TempDir()
		runner := &fakeRunner{}
		sched := &offline.Scheduler{
			DataDir: dataDir, AgentID: "agent-1", Runner: runner,
			Targets: func(target jobspec.Target, secrets map[string]string) (targetstore.Store, error) {
				return targetstore.NewLocalDir(GinkgoT().TempDir()), nil
			},
			Cron: cron.NewCache(), Log: logr.Discard(),
		}
		job := everyMinuteJob("job-1", store.OverlapQueue)
		sched.SetJobs([]*store.Job{job})
		sched.SetSecrets(map[string]string{})

		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		sched.Tick(context.Background(), now)

		Eventually(func() offline.RunStatus {
			entries, err := os.ReadDir(offline.RunsDir(dataDir))
			if err != nil || len(entries) == 0 {
				return ""
			}
			run, err := offline.LoadRunFile(filepath.Join(offline.RunsDir(dataDir), entries[0].Name()))
			if err != nil {
				return ""
			}
			return run.Status
		}, time.Second).Should(Equal(offline.RunSuccess))
		Expect(runner.calls).To(Equal(1))
	})

	It("skips a due job under reject policy while one is already in flight", func() {
		dataDir := GinkgoT().TempDir()
		block := make(chan struct{})
		runner := &fakeRunner{block: block}
		sched := &offline.Scheduler{
			DataDir: dataDir, AgentID: "agent-1", Runner: runner,
			Targets: func(target jobspec.Target, secrets map[string]string) (targetstore.Store, error) {
				return targetstore.NewLocalDir(GinkgoT().TempDir()), nil
			},
			Cron: cron.NewCache(), Log: logr.Discard(),
		}
		job := everyMinuteJob("job-reject", store.OverlapReject)
		sched.SetJobs([]*store.Job{job})
		sched.SetSecrets(map[string]string{})

		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		sched.Tick(context.Background(), now)
		Eventually(func() int { return runner.calls }, time.Second).Should(Equal(1))

		sched.Tick(context.Background(), now)
		Consistently(func() int { return runner.calls }, 200*time.Millisecond).Should(Equal(1))

		close(block)
	})
})
