package supervisor_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"

	"github.com/syt100/bastion/internal/supervisor"
)

var _ = Describe("Supervisor", func() {
	It("returns true from Shutdown once every spawned loop exits after cancellation", func() {
		s := supervisor.New(context.Background(), logr.Discard())

		started := make(chan struct{})
		s.Spawn("well-behaved", func(ctx context.Context) {
			close(started)
			<-ctx.Done()
		})

		Eventually(started).Should(BeClosed())
		Expect(s.Shutdown(time.Second)).To(BeTrue())
		Expect(errors.Is(s.Cause(), context.Canceled)).To(BeTrue())
	})

	It("cancels the shared token when a loop returns unexpectedly", func() {
		s := supervisor.New(context.Background(), logr.Discard())

		s.Spawn("exits-early", func(ctx context.Context) {
			// returns immediately without waiting on ctx.Done()
		})

		Eventually(s.Context().Done()).Should(BeClosed())
		Expect(s.Cause()).To(HaveOccurred())
		Expect(errors.Is(s.Cause(), context.Canceled)).To(BeFalse())
	})

	It("cancels the shared token when a loop panics, without crashing the process", func() {
		s := supervisor.New(context.Background(), logr.Discard())

		s.Spawn("panics", func(ctx context.Context) {
			panic("boom")
		})

		Eventually(s.Context().Done()).Should(BeClosed())
		Expect(s.Cause()).To(HaveOccurred())
	})

	It("times out Shutdown when a loop ignores cancellation past grace", func() {
		s := supervisor.New(context.Background(), logr.Discard())

		release := make(chan struct{})
		s.Spawn("ignores-shutdown", func(ctx context.Context) {
			<-release
		})

		Expect(s.Shutdown(20 * time.Millisecond)).To(BeFalse())
		close(release)
	})
})
