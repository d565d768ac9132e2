package store_test

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/google/uuid"

	"github.com/syt100/bastion/internal/store"
)

var _ = Describe("RunEventsRepo", func() {
	var (
		ctx       context.Context
		db        *store.DB
		jobsRepo  *store.JobsRepo
		runsRepo  *store.RunsRepo
		eventRepo *store.RunEventsRepo
		run       *store.Run
	)

	BeforeEach(func() {
		ctx = context.Background()
		db = openTestDB(GinkgoT().TempDir())
		jobsRepo = store.NewJobsRepo(db)
		runsRepo = store.NewRunsRepo(db)
		eventRepo = store.NewRunEventsRepo(db)

		job := validJob(uuid.NewString(), store.OverlapQueue)
		Expect(jobsRepo.CreateJob(ctx, job, nil)).To(Succeed())
		var err error
		run, err = runsRepo.EnqueueRun(ctx, job.ID, uuid.NewString(), store.OverlapQueue, 100)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(db.Close()).To(Succeed())
	})

	It("assigns a dense, 1-based, monotonic seq per run", func() {
		for i := 0; i < 5; i++ {
			seq, err := eventRepo.AppendRunEvent(ctx, run.ID, int64(100+i), "info", "log", "message", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(seq).To(Equal(int64(i + 1)))
		}

		events, err := eventRepo.ListRunEvents(ctx, run.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(5))
		for i, ev := range events {
			Expect(ev.Seq).To(Equal(int64(i + 1)))
		}
	})

	It("keeps per-run sequences independent", func() {
		job2 := validJob(uuid.NewString(), store.OverlapQueue)
		Expect(store.NewJobsRepo(db).CreateJob(ctx, job2, nil)).To(Succeed())
		run2, err := runsRepo.EnqueueRun(ctx, job2.ID, uuid.NewString(), store.OverlapQueue, 100)
		Expect(err).NotTo(HaveOccurred())

		seq1, err := eventRepo.AppendRunEvent(ctx, run.ID, 100, "info", "log", "a", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(seq1).To(Equal(int64(1)))

		seq2, err := eventRepo.AppendRunEvent(ctx, run2.ID, 100, "info", "log", "b", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(seq2).To(Equal(int64(1)))
	})

	It("round-trips structured fields", func() {
		fields := map[string]any{"path": "/data/a.txt", "bytes": float64(42)}
		_, err := eventRepo.AppendRunEvent(ctx, run.ID, 100, "info", "file_done", "copied", fields)
		Expect(err).NotTo(HaveOccurred())

		events, err := eventRepo.ListRunEvents(ctx, run.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(events[0].Fields).To(Equal(fields))
	})

	It("ListRunEventsAfterSeq returns only events past the given seq", func() {
		for i := 0; i < 3; i++ {
			_, err := eventRepo.AppendRunEvent(ctx, run.ID, int64(100+i), "info", "log", "m", nil)
			Expect(err).NotTo(HaveOccurred())
		}
		events, err := eventRepo.ListRunEventsAfterSeq(ctx, run.ID, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
		Expect(events[0].Seq).To(Equal(int64(2)))
		Expect(events[1].Seq).To(Equal(int64(3)))
	})

	It("produces a contiguous 1..N sequence under concurrent appenders", func() {
		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := eventRepo.AppendRunEvent(ctx, run.ID, int64(i), "info", "log", "m", nil)
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			Expect(err).NotTo(HaveOccurred())
		}

		events, err := eventRepo.ListRunEvents(ctx, run.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(n))
		for i, ev := range events {
			Expect(ev.Seq).To(Equal(int64(i + 1)))
		}
	})
})
