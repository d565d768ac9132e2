package runbuilder_test

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/syt100/bastion/internal/jobspec"
	"github.com/syt100/bastion/internal/runbuilder"
	"github.com/syt100/bastion/internal/secretsvault"
	"github.com/syt100/bastion/internal/store"
)

var _ = Describe("EnsurePayloadEncryption", func() {
	It("returns none unresolved when the mode is empty", func() {
		enc, err := runbuilder.EnsurePayloadEncryption(context.Background(), nil, jobspec.EncryptionMode{}, 100)
		Expect(err).NotTo(HaveOccurred())
		Expect(enc.Type).To(BeEmpty())
	})

	It("generates and persists an age identity on first use, then reuses it", func() {
		dataDir := GinkgoT().TempDir()
		vault, err := secretsvault.LoadOrCreate(dataDir)
		Expect(err).NotTo(HaveOccurred())

		db, err := store.Open(context.Background(), filepath.Join(dataDir, "bastion.db"))
		Expect(err).NotTo(HaveOccurred())
		secrets := store.NewSecretsRepo(db, vault)

		ctx := context.Background()
		mode := jobspec.EncryptionMode{Type: "age_x25519", KeyName: "k1"}

		first, err := runbuilder.EnsurePayloadEncryption(ctx, secrets, mode, 100)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Type).To(Equal("age_x25519"))
		Expect(first.Recipient).NotTo(BeNil())

		second, err := runbuilder.EnsurePayloadEncryption(ctx, secrets, mode, 200)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Recipient.String()).To(Equal(first.Recipient.String()))
	})

	It("rejects an encryption mode missing key_name", func() {
		_, err := runbuilder.EnsurePayloadEncryption(context.Background(), nil, jobspec.EncryptionMode{Type: "age_x25519"}, 100)
		Expect(err).To(HaveOccurred())
	})
})
