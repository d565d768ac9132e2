package store_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/google/uuid"

	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/store"
)

var _ = Describe("AgentsRepo", func() {
	var (
		ctx    context.Context
		db     *store.DB
		agents *store.AgentsRepo
	)

	BeforeEach(func() {
		ctx = context.Background()
		db = openTestDB(GinkgoT().TempDir())
		agents = store.NewAgentsRepo(db)
	})

	It("creates an agent and fetches it by id and by key hash", func() {
		a := &store.Agent{ID: uuid.NewString(), Name: "edge-01", KeyHash: "hash-1", CreatedAt: 1000}
		Expect(agents.Create(ctx, a)).To(Succeed())

		byID, err := agents.Get(ctx, a.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(byID.Name).To(Equal("edge-01"))
		Expect(byID.RevokedAt).To(BeNil())

		byHash, err := agents.GetByKeyHash(ctx, "hash-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(byHash.ID).To(Equal(a.ID))
	})

	It("returns a not-found AppError for an unknown id or key hash", func() {
		_, err := agents.Get(ctx, "missing")
		Expect(err).To(HaveOccurred())
		var appErr *apperrors.AppError
		Expect(errors.As(err, &appErr)).To(BeTrue())
		Expect(appErr.Type).To(Equal(apperrors.ErrorTypeNotFound))

		_, err = agents.GetByKeyHash(ctx, "missing-hash")
		Expect(err).To(HaveOccurred())
	})

	It("lists agents ordered by creation time", func() {
		a1 := &store.Agent{ID: uuid.NewString(), Name: "first", KeyHash: "h1", CreatedAt: 1000}
		a2 := &store.Agent{ID: uuid.NewString(), Name: "second", KeyHash: "h2", CreatedAt: 2000}
		Expect(agents.Create(ctx, a2)).To(Succeed())
		Expect(agents.Create(ctx, a1)).To(Succeed())

		list, err := agents.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(HaveLen(2))
		Expect(list[0].Name).To(Equal("first"))
		Expect(list[1].Name).To(Equal("second"))
	})

	It("revokes an agent, and GetByKeyHash still returns it with RevokedAt set", func() {
		a := &store.Agent{ID: uuid.NewString(), Name: "edge-02", KeyHash: "hash-2", CreatedAt: 1000}
		Expect(agents.Create(ctx, a)).To(Succeed())

		Expect(agents.Revoke(ctx, a.ID, 2000)).To(Succeed())

		got, err := agents.GetByKeyHash(ctx, "hash-2")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.RevokedAt).NotTo(BeNil())
		Expect(*got.RevokedAt).To(Equal(int64(2000)))
	})

	It("rotates an agent's key hash, invalidating the old one", func() {
		a := &store.Agent{ID: uuid.NewString(), Name: "edge-03", KeyHash: "old-hash", CreatedAt: 1000}
		Expect(agents.Create(ctx, a)).To(Succeed())

		Expect(agents.RotateKey(ctx, a.ID, "new-hash")).To(Succeed())

		_, err := agents.GetByKeyHash(ctx, "old-hash")
		Expect(err).To(HaveOccurred())

		got, err := agents.GetByKeyHash(ctx, "new-hash")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.ID).To(Equal(a.ID))
	})
})
