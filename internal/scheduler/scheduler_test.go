package scheduler_test

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"

	"github.com/syt100/bastion/internal/eventbus"
	"github.com/syt100/bastion/internal/jobspec"
	"github.com/syt100/bastion/internal/scheduler"
	"github.com/syt100/bastion/internal/store"
)

func openTestDB(dir string) *store.DB {
	db, err := store.Open(context.Background(), filepath.Join(dir, "bastion.db"))
	Expect(err).NotTo(HaveOccurred())
	return db
}

func validJob(id, schedule string) *store.Job {
	return &store.Job{
		ID: id, Name: "nightly-" + id, ScheduleTimezone: "UTC",
		Schedule:      ptr(schedule),
		OverlapPolicy: store.OverlapQueue,
		Spec: jobspec.Spec{
			SourceKind: jobspec.SourceFilesystem,
			Filesystem: &jobspec.FilesystemSource{
				Root: "/data", SymlinkPolicy: jobspec.SymlinkFollow,
				HardlinkPolicy: jobspec.HardlinkDetect, ErrorPolicy: jobspec.ErrorPolicyAbort,
			},
			Pipeline: jobspec.Pipeline{Compression: "zstd", Encryption: jobspec.EncryptionMode{Type: "none"}, PartSizeBytes: 1 << 20},
			Target:   jobspec.Target{Kind: jobspec.TargetLocalDir, BasePath: "/tmp/target"},
		},
		CreatedAt: 1, UpdatedAt: 1,
	}
}

func ptr(s string) *string { return &s }

func newScheduler(dir string, now time.Time) (*scheduler.Scheduler, *store.JobsRepo, *store.RunsRepo) {
	db := openTestDB(dir)
	jobs := store.NewJobsRepo(db)
	runs := store.NewRunsRepo(db)
	runEvents := store.NewRunEventsRepo(db)
	bus := eventbus.New()
	s := scheduler.New(jobs, runs, runEvents, bus, logr.Discard(), 30, 2)
	s.Now = func() time.Time { return now }
	n := 0
	s.NewRunID = func() string { n++; return "run-" + string(rune('0'+n)) }
	return s, jobs, runs
}

var _ = Describe("Scheduler.RunCronTick", func() {
	It("enqueues a run for a job whose schedule matches the current minute", func() {
		dir := GinkgoT().TempDir()
		now := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
		s, jobs, runs := newScheduler(dir, now)

		job := validJob("job-1", "0 3 * * *")
		Expect(jobs.CreateJob(context.Background(), job, nil)).To(Succeed())

		Expect(s.RunCronTick(context.Background())).To(Succeed())

		list, err := runs.ListRunsForJob(context.Background(), "job-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(HaveLen(1))
		Expect(list[0].Status).To(Equal(store.RunQueued))

		Eventually(s.Notify).Should(Receive())
	})

	It("does not enqueue when the schedule does not match the current minute", func() {
		dir := GinkgoT().TempDir()
		now := time.Date(2026, 1, 1, 3, 1, 0, 0, time.UTC)
		s, jobs, runs := newScheduler(dir, now)

		job := validJob("job-1", "0 3 * * *")
		Expect(jobs.CreateJob(context.Background(), job, nil)).To(Succeed())

		Expect(s.RunCronTick(context.Background())).To(Succeed())

		list, err := runs.ListRunsForJob(context.Background(), "job-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(BeEmpty())
	})

	It("skips jobs with no schedule", func() {
		dir := GinkgoT().TempDir()
		now := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
		s, jobs, runs := newScheduler(dir, now)

		job := validJob("job-1", "")
		job.Schedule = nil
		Expect(jobs.CreateJob(context.Background(), job, nil)).To(Succeed())

		Expect(s.RunCronTick(context.Background())).To(Succeed())

		list, err := runs.ListRunsForJob(context.Background(), "job-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(BeEmpty())
	})

	It("creates an already-rejected run when overlap policy is reject and a run is in flight", func() {
		dir := GinkgoT().TempDir()
		now := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
		s, jobs, runs := newScheduler(dir, now)

		job := validJob("job-1", "0 3 * * *")
		job.OverlapPolicy = store.OverlapReject
		Expect(jobs.CreateJob(context.Background(), job, nil)).To(Succeed())
		_, err := runs.EnqueueRun(context.Background(), "job-1", "already-running", store.OverlapReject, now.Unix())
		Expect(err).NotTo(HaveOccurred())

		Expect(s.RunCronTick(context.Background())).To(Succeed())

		list, err := runs.ListRunsForJob(context.Background(), "job-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(HaveLen(2))
	})
})

var _ = Describe("Scheduler.RunRetentionOnce", func() {
	It("prunes runs that ended before the retention cutoff", func() {
		dir := GinkgoT().TempDir()
		now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		s, jobs, runs := newScheduler(dir, now)
		s.RunRetentionDays = 30

		job := validJob("job-1", "")
		job.Schedule = nil
		Expect(jobs.CreateJob(context.Background(), job, nil)).To(Succeed())

		old := now.Add(-60 * 24 * time.Hour).Unix()
		_, err := runs.EnqueueRun(context.Background(), "job-1", "old-run", store.OverlapQueue, old)
		Expect(err).NotTo(HaveOccurred())
		_, err = runs.ClaimNextQueuedRun(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(runs.CompleteRun(context.Background(), "old-run", store.RunSuccess, old, &store.RunSummary{}, nil)).To(Succeed())

		Expect(s.RunRetentionOnce(context.Background())).To(Succeed())

		_, err = runs.GetRun(context.Background(), "old-run")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Scheduler.RunIncompleteCleanupSweepOnce", func() {
	It("invokes upsert for every stale non-terminal run", func() {
		dir := GinkgoT().TempDir()
		now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		s, jobs, runs := newScheduler(dir, now)
		s.IncompleteCleanupDays = 2

		job := validJob("job-1", "")
		job.Schedule = nil
		Expect(jobs.CreateJob(context.Background(), job, nil)).To(Succeed())

		stale := now.Add(-5 * 24 * time.Hour).Unix()
		_, err := runs.EnqueueRun(context.Background(), "job-1", "stuck-run", store.OverlapQueue, stale)
		Expect(err).NotTo(HaveOccurred())

		var upserted []string
		err = s.RunIncompleteCleanupSweepOnce(context.Background(), func(ctx context.Context, run *store.Run) error {
			upserted = append(upserted, run.ID)
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(upserted).To(ConsistOf("stuck-run"))
	})
})
