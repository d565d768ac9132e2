package runbuilder_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/klauspost/compress/zstd"

	"github.com/syt100/bastion/internal/runbuilder"
)

var _ = Describe("EntriesIndexWriter", func() {
	It("writes zstd-framed newline-terminated JSON records and omits nil optional fields", func() {
		dir := GinkgoT().TempDir()
		w, err := runbuilder.NewEntriesIndexWriter(dir)
		Expect(err).NotTo(HaveOccurred())

		Expect(w.WriteRecord(runbuilder.EntryRecord{Path: "a.txt", Kind: runbuilder.EntryFile, Size: 5})).To(Succeed())
		mtime := int64(1000)
		Expect(w.WriteRecord(runbuilder.EntryRecord{Path: "dir", Kind: runbuilder.EntryDir, Mtime: &mtime})).To(Succeed())

		artifact, count, err := w.Close()
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(int64(2)))
		Expect(artifact.Name).To(Equal("entries.jsonl.zst"))
		Expect(artifact.HashAlg).To(Equal("blake3"))

		raw, err := os.ReadFile(artifact.Path)
		Expect(err).NotTo(HaveOccurred())
		Expect(int64(len(raw))).To(Equal(artifact.Size))

		zr, err := zstd.NewReader(bytes.NewReader(raw))
		Expect(err).NotTo(HaveOccurred())
		defer zr.Close()

		scanner := bufio.NewScanner(zr)
		var lines []string
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		Expect(lines).To(HaveLen(2))

		var first map[string]any
		Expect(json.Unmarshal([]byte(lines[0]), &first)).To(Succeed())
		Expect(first).NotTo(HaveKey("mtime"))
		Expect(first).NotTo(HaveKey("symlink_target"))

		var second map[string]any
		Expect(json.Unmarshal([]byte(lines[1]), &second)).To(Succeed())
		Expect(second["mtime"]).To(Equal(float64(1000)))
	})
})
