package targetstore_test

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/syt100/bastion/internal/jobspec"
	"github.com/syt100/bastion/internal/secretsvault"
	"github.com/syt100/bastion/internal/store"
	"github.com/syt100/bastion/internal/targetstore"
)

var _ = Describe("Resolve", func() {
	It("resolves a local_dir target to a LocalDir store", func() {
		s, err := targetstore.Resolve(context.Background(), nil, "node-1", jobspec.Target{
			Kind: jobspec.TargetLocalDir, BasePath: GinkgoT().TempDir(),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(s).To(BeAssignableToTypeOf(&targetstore.LocalDir{}))
	})

	It("resolves a webdav target, reading its credential secret", func() {
		dir := GinkgoT().TempDir()
		db, err := store.Open(context.Background(), filepath.Join(dir, "bastion.db"))
		Expect(err).NotTo(HaveOccurred())
		vault, err := secretsvault.LoadOrCreate(dir)
		Expect(err).NotTo(HaveOccurred())
		secrets := store.NewSecretsRepo(db, vault)
		Expect(secrets.PutSecret(context.Background(), "node-1", "webdav", "cred", []byte("user:pass"), 1)).To(Succeed())

		s, err := targetstore.Resolve(context.Background(), secrets, "node-1", jobspec.Target{
			Kind: jobspec.TargetWebDAV, SecretName: "cred", BasePath: "https://example.invalid/backups",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(s).To(BeAssignableToTypeOf(&targetstore.WebDAV{}))
	})

	It("rejects an unknown target kind", func() {
		_, err := targetstore.Resolve(context.Background(), nil, "node-1", jobspec.Target{Kind: "bogus"})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ResolveFromSecrets", func() {
	It("resolves a webdav target from an inlined secrets map", func() {
		s, err := targetstore.ResolveFromSecrets(jobspec.Target{
			Kind: jobspec.TargetWebDAV, SecretName: "cred", BasePath: "https://example.invalid/backups",
		}, map[string]string{"webdav/cred": "user:pass"})
		Expect(err).NotTo(HaveOccurred())
		Expect(s).To(BeAssignableToTypeOf(&targetstore.WebDAV{}))
	})
})
