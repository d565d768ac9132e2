package runbuilder_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"lukechampine.com/blake3"

	"github.com/syt100/bastion/internal/runbuilder"
)

var _ = Describe("PartWriter", func() {
	It("rotates onto a new part once the byte cap is reached", func() {
		dir := GinkgoT().TempDir()
		w := runbuilder.NewPartWriter(dir, "payload.part", 10, nil)

		n, err := w.Write(bytes.Repeat([]byte("a"), 25))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(25))

		parts, err := w.Finish()
		Expect(err).NotTo(HaveOccurred())
		Expect(parts).To(HaveLen(3))
		Expect(parts[0].Name).To(Equal("payload.part.00000"))
		Expect(parts[0].Size).To(Equal(int64(10)))
		Expect(parts[1].Size).To(Equal(int64(10)))
		Expect(parts[2].Size).To(Equal(int64(5)))

		for _, p := range parts {
			data, err := os.ReadFile(filepath.Join(dir, p.Name))
			Expect(err).NotTo(HaveOccurred())
			sum := blake3.Sum256(data)
			Expect(p.Hash).To(Equal(fmt.Sprintf("%x", sum[:])))
			Expect(p.HashAlg).To(Equal("blake3"))
		}
	})

	It("produces exactly one empty part when nothing is ever written", func() {
		dir := GinkgoT().TempDir()
		w := runbuilder.NewPartWriter(dir, "payload.part", 10, nil)

		parts, err := w.Finish()
		Expect(err).NotTo(HaveOccurred())
		Expect(parts).To(HaveLen(1))
		Expect(parts[0].Size).To(Equal(int64(0)))
	})

	It("invokes onPart synchronously as each part finalizes", func() {
		dir := GinkgoT().TempDir()
		var seen []string
		w := runbuilder.NewPartWriter(dir, "payload.part", 4, func(a runbuilder.LocalArtifact) error {
			seen = append(seen, a.Name)
			return nil
		})

		_, err := w.Write([]byte("abcdefgh"))
		Expect(err).NotTo(HaveOccurred())
		_, err = w.Finish()
		Expect(err).NotTo(HaveOccurred())

		Expect(seen).To(Equal([]string{"payload.part.00000", "payload.part.00001"}))
	})
})
