// Package eventbus is the in-process pub/sub of run events:
// subscribe(run_id) returns a bounded channel, publish(event) fans out to
// every current subscriber and drops on the slowest rather than blocking
// the publisher, and a short retention window lets a late subscriber catch
// the last few events instead of starting cold.
package eventbus

import (
	"sync"
	"time"
)

// Event is the payload fanned out to subscribers; store.RunEvent shaped but
// kept independent of the store package so the bus has no persistence
// dependency.
type Event struct {
	RunID   string
	Seq     int64
	TS      int64
	Level   string
	Kind    string
	Message string
	Fields  map[string]any
}

const (
	subscriberBufferSize = 32
	retentionWindow      = 60 * time.Second
	retentionMaxEvents   = 8
)

type retained struct {
	event  Event
	stored time.Time
}

type topic struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	drops       map[int]int64
	backlog     []retained
}

// Bus fans out Events to per-run subscribers.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	now    func() time.Time
}

func New() *Bus {
	return &Bus{topics: make(map[string]*topic), now: time.Now}
}

// Subscription is returned by Subscribe; call Close when the caller is done
// reading, which unregisters the channel and stops counting its drops.
type Subscription struct {
	C      <-chan Event
	bus    *Bus
	runID  string
	id     int
}

// Subscribe registers a new bounded-channel subscriber for run_id and
// immediately replays whatever backlog is still within the retention
// window, so a subscriber attaching shortly after publish still sees it.
func (b *Bus) Subscribe(runID string) *Subscription {
	t := b.topicFor(runID)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	ch := make(chan Event, subscriberBufferSize)
	t.subscribers[id] = ch
	t.drops[id] = 0
	cutoff := b.now().Add(-retentionWindow)
	var backlog []Event
	for _, r := range t.backlog {
		if r.stored.After(cutoff) {
			backlog = append(backlog, r.event)
		}
	}
	t.mu.Unlock()

	for _, ev := range backlog {
		select {
		case ch <- ev:
		default:
		}
	}

	return &Subscription{C: ch, bus: b, runID: runID, id: id}
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	t := s.bus.topicForExisting(s.runID)
	if t == nil {
		return
	}
	t.mu.Lock()
	if ch, ok := t.subscribers[s.id]; ok {
		delete(t.subscribers, s.id)
		delete(t.drops, s.id)
		close(ch)
	}
	t.mu.Unlock()
}

// DropCount reports how many events have been dropped for this subscriber
// because its channel was full at publish time.
func (s *Subscription) DropCount() int64 {
	t := s.bus.topicForExisting(s.runID)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drops[s.id]
}

// Publish fans ev out to every current subscriber of ev.RunID, dropping (and
// counting) for any subscriber whose channel is full, and records ev in the
// topic's short retention backlog for late subscribers.
func (b *Bus) Publish(ev Event) {
	t := b.topicFor(ev.RunID)

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, ch := range t.subscribers {
		select {
		case ch <- ev:
		default:
			t.drops[id]++
		}
	}

	t.backlog = append(t.backlog, retained{event: ev, stored: b.now()})
	cutoff := b.now().Add(-retentionWindow)
	trimmed := t.backlog[:0]
	for _, r := range t.backlog {
		if r.stored.After(cutoff) {
			trimmed = append(trimmed, r)
		}
	}
	if len(trimmed) > retentionMaxEvents {
		trimmed = trimmed[len(trimmed)-retentionMaxEvents:]
	}
	t.backlog = trimmed
}

func (b *Bus) topicFor(runID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[runID]
	if !ok {
		t = &topic{subscribers: make(map[int]chan Event), drops: make(map[int]int64)}
		b.topics[runID] = t
	}
	return t
}

func (b *Bus) topicForExisting(runID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topics[runID]
}

// Forget drops all bus state for a run (topic, subscribers, backlog) once
// the run has reached a terminal state and every subscriber has detached;
// the worker calls this after completion to bound memory.
func (b *Bus) Forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics, runID)
}
