package offline_test

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/syt100/bastion/internal/agentclient/offline"
)

var _ = Describe("paths", func() {
	It("joins data_dir/agent/offline_runs[/run_id]", func() {
		base := GinkgoT().TempDir()
		Expect(offline.RunsDir(base)).To(Equal(filepath.Join(base, "agent", "offline_runs")))
		Expect(offline.RunDir(base, "run1")).To(Equal(filepath.Join(base, "agent", "offline_runs", "run1")))
	})
})

var _ = Describe("RunFile round trip", func() {
	It("writes and reads back run.json atomically", func() {
		dir := filepath.Join(GinkgoT().TempDir(), "run1")
		ended := int64(20)
		run := &offline.RunFile{V: 1, ID: "run1", JobID: "job1", JobName: "nightly", Status: offline.RunSuccess, StartedAt: 10, EndedAt: &ended}

		Expect(offline.WriteRunFile(dir, run)).To(Succeed())

		loaded, err := offline.LoadRunFile(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.ID).To(Equal("run1"))
		Expect(loaded.Status).To(Equal(offline.RunSuccess))
		Expect(*loaded.EndedAt).To(Equal(int64(20)))
	})
})

var _ = Describe("events.jsonl", func() {
	It("returns no events when the file doesn't exist", func() {
		events, err := offline.LoadEvents(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(BeEmpty())
	})

	It("appends and parses events in order, skipping blank lines", func() {
		dir := GinkgoT().TempDir()
		Expect(offline.AppendEvent(dir, offline.RunEvent{Seq: 1, TS: 10, Level: "info", Kind: "start", Message: "a"})).To(Succeed())
		Expect(offline.AppendEvent(dir, offline.RunEvent{Seq: 2, TS: 11, Level: "warn", Kind: "step", Message: "b"})).To(Succeed())

		events, err := offline.LoadEvents(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
		Expect(events[0].Seq).To(Equal(int64(1)))
		Expect(events[1].Seq).To(Equal(int64(2)))
		Expect(events[1].Message).To(Equal("b"))
	})
})
