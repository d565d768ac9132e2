package store_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/google/uuid"

	"github.com/syt100/bastion/internal/store"
)

var _ = Describe("UsersRepo and SessionsRepo", func() {
	var (
		ctx      context.Context
		db       *store.DB
		users    *store.UsersRepo
		sessions *store.SessionsRepo
	)

	BeforeEach(func() {
		ctx = context.Background()
		db = openTestDB(GinkgoT().TempDir())
		users = store.NewUsersRepo(db)
		sessions = store.NewSessionsRepo(db)
	})

	It("creates a user and fetches it by username", func() {
		u := &store.User{ID: uuid.NewString(), Username: "admin", PasswordHash: "hashed"}
		Expect(users.Create(ctx, u)).To(Succeed())

		got, err := users.GetByUsername(ctx, "admin")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.ID).To(Equal(u.ID))
	})

	It("fails to find an unknown username", func() {
		_, err := users.GetByUsername(ctx, "nobody")
		Expect(err).To(HaveOccurred())
	})

	It("creates, fetches, and deletes a session", func() {
		u := &store.User{ID: uuid.NewString(), Username: "admin", PasswordHash: "hashed"}
		Expect(users.Create(ctx, u)).To(Succeed())

		s := &store.Session{ID: uuid.NewString(), UserID: u.ID, CSRFToken: "tok", CreatedAt: 100, ExpiresAt: 200}
		Expect(sessions.Create(ctx, s)).To(Succeed())

		got, err := sessions.Get(ctx, s.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.CSRFToken).To(Equal("tok"))

		Expect(sessions.Delete(ctx, s.ID)).To(Succeed())
		_, err = sessions.Get(ctx, s.ID)
		Expect(err).To(HaveOccurred())
	})

	It("sweeps expired sessions", func() {
		u := &store.User{ID: uuid.NewString(), Username: "admin", PasswordHash: "hashed"}
		Expect(users.Create(ctx, u)).To(Succeed())

		live := &store.Session{ID: uuid.NewString(), UserID: u.ID, CSRFToken: "a", CreatedAt: 100, ExpiresAt: 1000}
		expired := &store.Session{ID: uuid.NewString(), UserID: u.ID, CSRFToken: "b", CreatedAt: 100, ExpiresAt: 150}
		Expect(sessions.Create(ctx, live)).To(Succeed())
		Expect(sessions.Create(ctx, expired)).To(Succeed())

		n, err := sessions.DeleteExpired(ctx, 200)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(1)))

		_, err = sessions.Get(ctx, live.ID)
		Expect(err).NotTo(HaveOccurred())
		_, err = sessions.Get(ctx, expired.ID)
		Expect(err).To(HaveOccurred())
	})
})
