package runbuilder_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"

	"github.com/syt100/bastion/internal/jobspec"
	"github.com/syt100/bastion/internal/runbuilder"
)

var _ = Describe("BuildFilesystemRun", func() {
	It("builds a happy local filesystem run with one part and 3 entries (spec scenario: happy local filesystem run)", func() {
		srcDir := GinkgoT().TempDir()
		Expect(os.WriteFile(filepath.Join(srcDir, "a"), []byte("hello"), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(srcDir, "b"), []byte("world"), 0o644)).To(Succeed())

		runDir := GinkgoT().TempDir()

		spec := jobspec.Spec{
			SourceKind: jobspec.SourceFilesystem,
			Filesystem: &jobspec.FilesystemSource{
				Root:           srcDir,
				SymlinkPolicy:  jobspec.SymlinkRecordAsLink,
				HardlinkPolicy: jobspec.HardlinkDetect,
				ErrorPolicy:    jobspec.ErrorPolicyAbort,
			},
			Pipeline: jobspec.Pipeline{Compression: "zstd", PartSizeBytes: 1 << 20},
			Target:   jobspec.Target{Kind: jobspec.TargetLocalDir, BasePath: GinkgoT().TempDir()},
		}

		artifacts, err := runbuilder.Build(context.Background(), runbuilder.Params{
			JobID: "job-1", RunID: "run-1", NodeID: "hub",
			Spec: spec, RunDir: runDir,
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(artifacts.Parts).To(HaveLen(1))
		Expect(artifacts.Parts[0].Name).To(Equal("payload.part.00000"))
		Expect(artifacts.EntriesCount).To(Equal(int64(3)))

		partData, err := os.ReadFile(artifacts.Parts[0].Path)
		Expect(err).NotTo(HaveOccurred())
		sum := blake3.Sum256(partData)
		Expect(artifacts.Parts[0].Hash).To(Equal(fmt.Sprintf("%x", sum[:])))
		Expect(artifacts.Parts[0].HashAlg).To(Equal("blake3"))

		manifestRaw, err := os.ReadFile(artifacts.ManifestPath)
		Expect(err).NotTo(HaveOccurred())
		var manifest runbuilder.Manifest
		Expect(json.Unmarshal(manifestRaw, &manifest)).To(Succeed())
		Expect(manifest.V).To(Equal(1))
		Expect(manifest.RunID).To(Equal("run-1"))
		Expect(manifest.JobID).To(Equal("job-1"))
		Expect(manifest.Pipeline.Compression).To(Equal("zstd"))
		Expect(manifest.Pipeline.Encryption.Type).To(Equal("none"))
		Expect(manifest.Artifacts).To(HaveLen(1))
		Expect(manifest.Artifacts[0].Hash).To(Equal(artifacts.Parts[0].Hash))
		Expect(manifest.EntriesIndex.Count).To(Equal(int64(3)))

		completeRaw, err := os.ReadFile(artifacts.CompletePath)
		Expect(err).NotTo(HaveOccurred())
		var complete runbuilder.CompleteMarker
		Expect(json.Unmarshal(completeRaw, &complete)).To(Succeed())
		Expect(complete.V).To(Equal(1))
		Expect(complete.ManifestHash).NotTo(BeEmpty())

		entriesRaw, err := os.ReadFile(artifacts.EntriesIndexPath)
		Expect(err).NotTo(HaveOccurred())
		zr, err := zstd.NewReader(bytes.NewReader(entriesRaw))
		Expect(err).NotTo(HaveOccurred())
		defer zr.Close()
		scanner := bufio.NewScanner(zr)
		var kinds []string
		for scanner.Scan() {
			var rec map[string]any
			Expect(json.Unmarshal(scanner.Bytes(), &rec)).To(Succeed())
			kinds = append(kinds, rec["kind"].(string))
		}
		Expect(kinds).To(HaveLen(3))
		Expect(kinds).To(ContainElement("dir"))
		Expect(kinds).To(ContainElements("file", "file"))
	})

	It("skips an entire excluded directory subtree", func() {
		srcDir := GinkgoT().TempDir()
		Expect(os.MkdirAll(filepath.Join(srcDir, "skip"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(srcDir, "skip", "ignored.txt"), []byte("x"), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(srcDir, "keep.txt"), []byte("y"), 0o644)).To(Succeed())

		runDir := GinkgoT().TempDir()
		spec := jobspec.Spec{
			SourceKind: jobspec.SourceFilesystem,
			Filesystem: &jobspec.FilesystemSource{
				Root:         srcDir,
				ExcludeGlobs: []string{"skip"},
				ErrorPolicy:  jobspec.ErrorPolicyAbort,
			},
			Pipeline: jobspec.Pipeline{Compression: "zstd", PartSizeBytes: 1 << 20},
			Target:   jobspec.Target{Kind: jobspec.TargetLocalDir, BasePath: GinkgoT().TempDir()},
		}

		artifacts, err := runbuilder.BuildFilesystemRun(context.Background(), runbuilder.Params{
			JobID: "job-1", RunID: "run-2", NodeID: "hub", Spec: spec, RunDir: runDir,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(artifacts.EntriesCount).To(Equal(int64(2))) // root dir + keep.txt
	})
})
