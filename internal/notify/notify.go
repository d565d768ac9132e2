// Package notify is the enqueue-only half of run notifications:
// when a run reaches a terminal state, enqueue one store.Notification row
// per selected destination. Actually delivering a queued notification over
// SMTP or a WeCom webhook is explicitly out of this module's scope
// — Deliverer exists only as the extension point a future
// delivery worker would implement.
package notify

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/syt100/bastion/internal/store"
)

// Destination is one channel+credential pair a run's outcome should notify,
// resolved by the caller from whatever settings surface selects them
// (inherit-the-defaults or a per-job custom list) — this package doesn't
// care which produced the list.
type Destination struct {
	Channel    store.NotificationChannel
	SecretName string
}

// Deliverer sends one already-claimed notification. Production wiring may
// leave this nil; Enqueuer never calls it itself, so the field exists for
// a future delivery worker to drive in the same claim/run/classify shape
// as internal/deferredqueue, without forcing that worker to exist yet.
type Deliverer interface {
	Deliver(ctx context.Context, n *store.Notification) error
}

// Enqueuer inserts notification rows for a run's terminal outcome.
type Enqueuer struct {
	Notifications *store.NotificationsRepo
	Log           logr.Logger
	Now           func() time.Time
	NewID         func() string
}

func New(notifications *store.NotificationsRepo, log logr.Logger) *Enqueuer {
	return &Enqueuer{Notifications: notifications, Log: log, Now: time.Now, NewID: uuid.NewString}
}

// EnqueueForRun inserts one queued Notification per destination and
// returns how many were actually inserted. A destination list is supplied
// by the caller already filtered to enabled channels/destinations — this
// function performs no selection logic of its own. A per-destination
// insert failure is logged and skipped rather than aborting the batch.
func (e *Enqueuer) EnqueueForRun(ctx context.Context, runID string, destinations []Destination) int {
	if len(destinations) == 0 {
		return 0
	}
	now := e.Now().Unix()
	inserted := 0
	for _, d := range destinations {
		n := &store.Notification{
			ID: e.NewID(), RunID: runID, Channel: d.Channel, SecretName: d.SecretName,
			Status: store.NotificationQueued,
		}
		if err := e.Notifications.Enqueue(ctx, n, now); err != nil {
			e.Log.Error(err, "enqueue notification failed", "run_id", runID, "channel", d.Channel, "secret_name", d.SecretName)
			continue
		}
		inserted++
	}
	e.Log.V(1).Info("notifications enqueued", "run_id", runID, "count", inserted)
	return inserted
}
