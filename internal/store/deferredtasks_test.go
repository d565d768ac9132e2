package store_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/syt100/bastion/internal/jobspec"
	"github.com/syt100/bastion/internal/store"
)

var _ = Describe("DeferredTasksRepo", func() {
	var (
		ctx  context.Context
		db   *store.DB
		jobs *store.JobsRepo
		runs *store.RunsRepo
		adt  *store.DeferredTasksRepo
	)

	BeforeEach(func() {
		ctx = context.Background()
		db = openTestDB(GinkgoT().TempDir())
		jobs = store.NewJobsRepo(db)
		runs = store.NewRunsRepo(db)
		adt = store.NewArtifactDeleteTasksRepo(db)

		job := validJob("job-1", store.OverlapQueue)
		Expect(jobs.CreateJob(ctx, job, nil)).To(Succeed())
	})

	newTask := func(runID string) *store.DeferredTask {
		_, err := runs.EnqueueRun(ctx, "job-1", runID, store.OverlapQueue, 100)
		Expect(err).NotTo(HaveOccurred())
		return &store.DeferredTask{
			RunID:      runID,
			JobID:      "job-1",
			NodeID:     "node-1",
			TargetType: jobspec.TargetLocalDir,
			TargetSnapshot: store.TargetSnapshot{
				V: 1, NodeID: "node-1", Kind: jobspec.TargetLocalDir,
				BasePath: "/data", JobID: "job-1", RunID: runID,
			},
		}
	}

	It("enqueues a task and claims it when due", func() {
		t := newTask("run-1")
		Expect(adt.Enqueue(ctx, t, 100)).To(Succeed())

		claimed, err := adt.Claim(ctx, 200)
		Expect(err).NotTo(HaveOccurred())
		Expect(claimed).NotTo(BeNil())
		Expect(claimed.RunID).To(Equal("run-1"))
		Expect(claimed.Status).To(Equal(store.TaskRunning))
		Expect(claimed.Attempts).To(Equal(1))
	})

	It("is idempotent: a second Enqueue for the same run is a no-op", func() {
		t := newTask("run-1")
		Expect(adt.Enqueue(ctx, t, 100)).To(Succeed())
		Expect(adt.Enqueue(ctx, t, 150)).To(Succeed())

		got, err := adt.Get(ctx, "run-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.CreatedAt).To(Equal(int64(100)))
	})

	It("returns nil when nothing is due yet", func() {
		t := newTask("run-1")
		t.RunID = "run-1"
		Expect(adt.Enqueue(ctx, t, 100)).To(Succeed())

		claimed, err := adt.Claim(ctx, 50)
		Expect(err).NotTo(HaveOccurred())
		Expect(claimed).To(BeNil())
	})

	It("moves running -> retrying and becomes claimable again once due", func() {
		t := newTask("run-1")
		Expect(adt.Enqueue(ctx, t, 100)).To(Succeed())
		_, err := adt.Claim(ctx, 200)
		Expect(err).NotTo(HaveOccurred())

		Expect(adt.MarkRetrying(ctx, "run-1", 500, "network", "dial refused", 200)).To(Succeed())

		_, err = adt.Claim(ctx, 300)
		Expect(err).NotTo(HaveOccurred())

		claimed, err := adt.Claim(ctx, 600)
		Expect(err).NotTo(HaveOccurred())
		Expect(claimed).NotTo(BeNil())
		Expect(claimed.Attempts).To(Equal(2))
	})

	It("moves running -> blocked and is not claimable until RetryNow", func() {
		t := newTask("run-1")
		Expect(adt.Enqueue(ctx, t, 100)).To(Succeed())
		_, err := adt.Claim(ctx, 200)
		Expect(err).NotTo(HaveOccurred())
		Expect(adt.MarkBlocked(ctx, "run-1", "auth", "unauthorized", 200)).To(Succeed())

		claimed, err := adt.Claim(ctx, 100000)
		Expect(err).NotTo(HaveOccurred())
		Expect(claimed).To(BeNil())

		Expect(adt.RetryNow(ctx, "run-1", 300)).To(Succeed())
		claimed, err = adt.Claim(ctx, 300)
		Expect(err).NotTo(HaveOccurred())
		Expect(claimed).NotTo(BeNil())
	})

	It("moves running -> done", func() {
		t := newTask("run-1")
		Expect(adt.Enqueue(ctx, t, 100)).To(Succeed())
		_, err := adt.Claim(ctx, 200)
		Expect(err).NotTo(HaveOccurred())
		Expect(adt.MarkDone(ctx, "run-1", 300)).To(Succeed())

		got, err := adt.Get(ctx, "run-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(store.TaskDone))
	})

	It("moves running -> abandoned after the retry cap", func() {
		t := newTask("run-1")
		Expect(adt.Enqueue(ctx, t, 100)).To(Succeed())
		_, err := adt.Claim(ctx, 200)
		Expect(err).NotTo(HaveOccurred())
		Expect(adt.MarkAbandoned(ctx, "run-1", "unknown", "gave up after 10 attempts", 300)).To(Succeed())

		got, err := adt.Get(ctx, "run-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(store.TaskAbandoned))
	})

	It("ignores a blocked task and stops it from being claimed", func() {
		t := newTask("run-1")
		Expect(adt.Enqueue(ctx, t, 100)).To(Succeed())
		_, err := adt.Claim(ctx, 200)
		Expect(err).NotTo(HaveOccurred())
		Expect(adt.MarkBlocked(ctx, "run-1", "auth", "unauthorized", 200)).To(Succeed())

		Expect(adt.Ignore(ctx, "run-1", "user-1", "target decommissioned", 300)).To(Succeed())

		got, err := adt.Get(ctx, "run-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(store.TaskIgnored))
		Expect(*got.IgnoredByUserID).To(Equal("user-1"))
	})

	It("rejects a transition attempted from the wrong state", func() {
		t := newTask("run-1")
		Expect(adt.Enqueue(ctx, t, 100)).To(Succeed())
		Expect(adt.MarkDone(ctx, "run-1", 200)).To(HaveOccurred())
	})

	It("keeps artifact-delete and incomplete-cleanup tasks independent per run", func() {
		_, err := runs.EnqueueRun(ctx, "job-1", "run-1", store.OverlapQueue, 100)
		Expect(err).NotTo(HaveOccurred())
		ict := store.NewIncompleteCleanupTasksRepo(db)

		dt := &store.DeferredTask{
			RunID: "run-1", JobID: "job-1", NodeID: "node-1",
			TargetType:     jobspec.TargetLocalDir,
			TargetSnapshot: store.TargetSnapshot{V: 1, NodeID: "node-1", Kind: jobspec.TargetLocalDir, BasePath: "/data", JobID: "job-1", RunID: "run-1"},
		}
		Expect(adt.Enqueue(ctx, dt, 100)).To(Succeed())
		Expect(ict.Enqueue(ctx, dt, 100)).To(Succeed())

		claimedADT, err := adt.Claim(ctx, 200)
		Expect(err).NotTo(HaveOccurred())
		Expect(claimedADT).NotTo(BeNil())

		got, err := ict.Get(ctx, "run-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(store.TaskQueued))
	})
})
