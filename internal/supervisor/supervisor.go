// Package supervisor spawns hub background loops under a single shared
// cancellation token: normal exit while the token is already canceled
// logs at debug, but an unexpected return or panic logs an error and
// cancels the token itself, so every other supervised loop observes the
// signal and winds down within ShutdownGrace.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// DefaultShutdownGrace bounds how long Shutdown waits for the current
// run and the other loops to wind down.
const DefaultShutdownGrace = 30 * time.Second

// Loop is the function signature every supervised background loop
// implements: run until ctx is canceled, then return promptly.
type Loop func(ctx context.Context)

// Supervisor owns the hub-wide cancellation token and tracks every loop it
// spawned so Wait can block until all of them have returned.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	log    logr.Logger

	wg sync.WaitGroup
}

// New derives the supervisor's token from parent; canceling parent
// (e.g. on SIGTERM) is equivalent to any loop triggering an unexpected-exit
// cancellation itself.
func New(parent context.Context, log logr.Logger) *Supervisor {
	ctx, cancel := context.WithCancelCause(parent)
	return &Supervisor{ctx: ctx, cancel: cancel, log: log}
}

// Context returns the shared cancellation token every spawned loop (and
// anything it calls) should observe.
func (s *Supervisor) Context() context.Context {
	return s.ctx
}

// Spawn runs fn in a new goroutine named name. If fn returns while the
// token is not yet canceled, that is treated as an unexpected exit: logged
// at error and the token is canceled so every other loop unwinds too. If fn
// panics, the panic is recovered, logged at error, and likewise cancels the
// token — a panic in one loop must not crash the whole process nor leave
// its sibling loops running unsupervised.
func (s *Supervisor) Spawn(name string, fn Loop) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runOnce(name, fn)
	}()
}

func (s *Supervisor) runOnce(name string, fn Loop) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(fmt.Errorf("panic: %v", r), "background loop panicked", "task", name)
			s.cancel(fmt.Errorf("loop %s panicked: %v", name, r))
		}
	}()

	fn(s.ctx)

	if s.ctx.Err() != nil {
		s.log.V(1).Info("background loop stopped", "task", name)
		return
	}
	s.log.Error(nil, "background loop exited unexpectedly", "task", name)
	s.cancel(fmt.Errorf("loop %s exited unexpectedly", name))
}

// Shutdown cancels the shared token (the normal, expected shutdown path —
// distinct from a loop's own unexpected-exit cancellation) and waits for
// every spawned loop to return, up to grace. Returns false if grace
// elapsed before every loop exited.
func (s *Supervisor) Shutdown(grace time.Duration) bool {
	s.cancel(context.Canceled)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

// Cause returns why the shared token was canceled: context.Canceled for an
// ordinary Shutdown call, or the wrapped panic/unexpected-exit error when a
// loop itself triggered the cancellation.
func (s *Supervisor) Cause() error {
	return context.Cause(s.ctx)
}
