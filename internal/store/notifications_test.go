package store_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/google/uuid"

	"github.com/syt100/bastion/internal/store"
)

var _ = Describe("NotificationsRepo", func() {
	var (
		ctx   context.Context
		db    *store.DB
		jobs  *store.JobsRepo
		runs  *store.RunsRepo
		notes *store.NotificationsRepo
		runID string
	)

	BeforeEach(func() {
		ctx = context.Background()
		db = openTestDB(GinkgoT().TempDir())
		jobs = store.NewJobsRepo(db)
		runs = store.NewRunsRepo(db)
		notes = store.NewNotificationsRepo(db)

		Expect(jobs.CreateJob(ctx, validJob("job-1", store.OverlapQueue), nil)).To(Succeed())
		run, err := runs.EnqueueRun(ctx, "job-1", uuid.NewString(), store.OverlapQueue, 100)
		Expect(err).NotTo(HaveOccurred())
		runID = run.ID
	})

	It("claims a queued notification and marks it sent", func() {
		n := &store.Notification{ID: uuid.NewString(), RunID: runID, Channel: store.ChannelWeComBot, SecretName: "wecom-1"}
		Expect(notes.Enqueue(ctx, n, 100)).To(Succeed())

		claimed, err := notes.Claim(ctx, 200)
		Expect(err).NotTo(HaveOccurred())
		Expect(claimed).NotTo(BeNil())
		Expect(claimed.Status).To(Equal(store.NotificationSending))
		Expect(claimed.Attempts).To(Equal(1))

		Expect(notes.MarkSent(ctx, n.ID)).To(Succeed())

		list, err := notes.ListForRun(ctx, runID)
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(HaveLen(1))
		Expect(list[0].Status).To(Equal(store.NotificationSent))
	})

	It("returns nil when nothing is due", func() {
		n := &store.Notification{ID: uuid.NewString(), RunID: runID, Channel: store.ChannelEmail, SecretName: "smtp-1"}
		Expect(notes.Enqueue(ctx, n, 1000)).To(Succeed())

		claimed, err := notes.Claim(ctx, 100)
		Expect(err).NotTo(HaveOccurred())
		Expect(claimed).To(BeNil())
	})

	It("requeues a failed notification for retry", func() {
		n := &store.Notification{ID: uuid.NewString(), RunID: runID, Channel: store.ChannelEmail, SecretName: "smtp-1"}
		Expect(notes.Enqueue(ctx, n, 100)).To(Succeed())
		_, err := notes.Claim(ctx, 200)
		Expect(err).NotTo(HaveOccurred())

		Expect(notes.MarkFailed(ctx, n.ID, true, 500)).To(Succeed())

		claimed, err := notes.Claim(ctx, 500)
		Expect(err).NotTo(HaveOccurred())
		Expect(claimed).NotTo(BeNil())
		Expect(claimed.Attempts).To(Equal(2))
	})

	It("marks a notification permanently failed", func() {
		n := &store.Notification{ID: uuid.NewString(), RunID: runID, Channel: store.ChannelEmail, SecretName: "smtp-1"}
		Expect(notes.Enqueue(ctx, n, 100)).To(Succeed())
		_, err := notes.Claim(ctx, 200)
		Expect(err).NotTo(HaveOccurred())
		Expect(notes.MarkFailed(ctx, n.ID, false, 0)).To(Succeed())

		list, err := notes.ListForRun(ctx, runID)
		Expect(err).NotTo(HaveOccurred())
		Expect(list[0].Status).To(Equal(store.NotificationFailed))
	})

	It("cancels a queued notification", func() {
		n := &store.Notification{ID: uuid.NewString(), RunID: runID, Channel: store.ChannelEmail, SecretName: "smtp-1"}
		Expect(notes.Enqueue(ctx, n, 100)).To(Succeed())
		Expect(notes.Cancel(ctx, n.ID)).To(Succeed())

		claimed, err := notes.Claim(ctx, 200)
		Expect(err).NotTo(HaveOccurred())
		Expect(claimed).To(BeNil())
	})
})
