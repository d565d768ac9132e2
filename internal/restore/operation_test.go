package restore_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"

	"github.com/syt100/bastion/internal/eventbus"
	"github.com/syt100/bastion/internal/jobspec"
	"github.com/syt100/bastion/internal/restore"
	"github.com/syt100/bastion/internal/store"
	"github.com/syt100/bastion/internal/targetstore"
)

var _ = Describe("SpawnRestoreOperation / SpawnVerifyOperation", func() {
	var (
		ops  *store.OperationsRepo
		bus  *eventbus.Bus
		now  func() int64
		tick int64
	)

	BeforeEach(func() {
		db, err := store.Open(context.Background(), filepath.Join(GinkgoT().TempDir(), "bastion.db"))
		Expect(err).NotTo(HaveOccurred())
		ops = store.NewOperationsRepo(db)
		bus = eventbus.New()
		tick = 1000
		now = func() int64 { tick++; return tick }
	})

	It("completes a restore operation as done and records its summary", func() {
		srcDir := GinkgoT().TempDir()
		Expect(writeFile(filepath.Join(srcDir, "a.txt"), "hello")).To(Succeed())

		spec := jobspec.Spec{
			SourceKind: jobspec.SourceFilesystem,
			Filesystem: &jobspec.FilesystemSource{
				Root: srcDir, SymlinkPolicy: jobspec.SymlinkRecordAsLink,
				HardlinkPolicy: jobspec.HardlinkDetect, ErrorPolicy: jobspec.ErrorPolicyAbort,
			},
			Pipeline: jobspec.Pipeline{Compression: "zstd", PartSizeBytes: 1 << 20},
			Target:   jobspec.Target{Kind: jobspec.TargetLocalDir, BasePath: GinkgoT().TempDir()},
		}
		target := targetstore.NewLocalDir(GinkgoT().TempDir())
		buildAndUpload("job-op-1", "run-op-1", spec, target)

		sub := bus.Subscribe("op-1")
		defer sub.Close()

		err := restore.SpawnRestoreOperation(context.Background(), ops, bus, target, nil, "op-1", restore.Options{
			JobID: "job-op-1", RunID: "run-op-1", DestinationDir: GinkgoT().TempDir(), Conflict: restore.ConflictFail,
		}, now, logr.Discard())
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() string {
			op, err := ops.GetOperation(context.Background(), "op-1")
			Expect(err).NotTo(HaveOccurred())
			return op.Status
		}).Should(Equal("done"))

		op, err := ops.GetOperation(context.Background(), "op-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(op.Summary).NotTo(BeNil())
		Expect(op.Summary.PartsCount).To(Equal(1))

		var started, succeeded eventbus.Event
		Eventually(sub.C).Should(Receive(&started))
		Expect(started.Kind).To(Equal("operation_started"))
		Eventually(sub.C).Should(Receive(&succeeded))
		Expect(succeeded.Kind).To(Equal("operation_succeeded"))
	})

	It("completes a verify operation as failed when a part is corrupted", func() {
		srcDir := GinkgoT().TempDir()
		Expect(writeFile(filepath.Join(srcDir, "a.txt"), "hello")).To(Succeed())

		spec := jobspec.Spec{
			SourceKind: jobspec.SourceFilesystem,
			Filesystem: &jobspec.FilesystemSource{
				Root: srcDir, SymlinkPolicy: jobspec.SymlinkRecordAsLink,
				HardlinkPolicy: jobspec.HardlinkDetect, ErrorPolicy: jobspec.ErrorPolicyAbort,
			},
			Pipeline: jobspec.Pipeline{Compression: "zstd", PartSizeBytes: 1 << 20},
			Target:   jobspec.Target{Kind: jobspec.TargetLocalDir, BasePath: GinkgoT().TempDir()},
		}
		targetDir := GinkgoT().TempDir()
		target := targetstore.NewLocalDir(targetDir)
		buildAndUpload("job-op-2", "run-op-2", spec, target)
		Expect(writeFile(filepath.Join(targetDir, "job-op-2", "run-op-2", "payload.part.00000"), "corrupted")).To(Succeed())

		err := restore.SpawnVerifyOperation(context.Background(), ops, bus, target, "op-2", "job-op-2", "run-op-2", now, logr.Discard())
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() string {
			op, err := ops.GetOperation(context.Background(), "op-2")
			Expect(err).NotTo(HaveOccurred())
			return op.Status
		}).Should(Equal("failed"))

		op, err := ops.GetOperation(context.Background(), "op-2")
		Expect(err).NotTo(HaveOccurred())
		Expect(op.Error).NotTo(BeNil())
	})
})

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
