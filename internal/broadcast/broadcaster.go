package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/meet-transcriber/internal/observability"
)

// SnapshotProvider supplies the current state a new subscriber starts from.
// sessionID is empty for subscribers that watch every session. Snapshot is
// called with the broadcaster locked and must not publish.
type SnapshotProvider interface {
	Snapshot(sessionID string) []Event
}

// Subscription is one observer's view of the event stream
type Subscription struct {
	id        string
	sessionID string
	events    chan Event
	dropped   atomic.Int64
	closeOnce sync.Once
}

// ID returns the subscription id
func (s *Subscription) ID() string {
	return s.id
}

// SessionID returns the session filter, empty for all sessions
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Events returns the delivery channel. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Dropped returns how many events were dropped for this observer
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(sessionID string) bool {
	return s.sessionID == "" || s.sessionID == sessionID
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}

// Broadcaster delivers each published event to every matching subscription
// at most once. Delivery never blocks: a full subscription drops the event.
type Broadcaster struct {
	mu         sync.RWMutex
	subs       map[string]*Subscription
	bufferSize int
	snapshots  SnapshotProvider
	closed     bool
	logger     zerolog.Logger
}

// NewBroadcaster creates a broadcaster with bufferSize events per observer
func NewBroadcaster(bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Broadcaster{
		subs:       make(map[string]*Subscription),
		bufferSize: bufferSize,
		logger:     observability.WithComponent("broadcast"),
	}
}

// SetSnapshotProvider installs the provider consulted on Subscribe
func (b *Broadcaster) SetSnapshotProvider(p SnapshotProvider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots = p
}

// Subscribe registers an observer. sessionID filters to one session; empty
// subscribes to all. The current snapshot is queued before any later event.
func (b *Broadcaster) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		id:        uuid.New().String(),
		sessionID: sessionID,
		events:    make(chan Event, b.bufferSize),
	}

	// Holding the write lock keeps publishes out until the snapshot is queued
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.close()
		return sub
	}

	if b.snapshots != nil {
		for _, ev := range b.snapshots.Snapshot(sessionID) {
			b.deliver(sub, ev)
		}
	}

	b.subs[sub.id] = sub
	observability.SubscriberAdded()
	b.logger.Debug().Str("subscription_id", sub.id).Str("session_id", sessionID).Msg("Observer subscribed")
	return sub
}

// Unsubscribe removes an observer and closes its channel. It is idempotent.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	sub.close()
	observability.SubscriberRemoved()
	b.logger.Debug().Str("subscription_id", sub.id).Int64("dropped", sub.Dropped()).Msg("Observer unsubscribed")
}

// Publish delivers ev for sessionID to every matching observer. Safe for
// concurrent use.
func (b *Broadcaster) Publish(sessionID string, ev Event) {
	ev.SessionID = sessionID

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.matches(sessionID) {
			b.deliver(sub, ev)
		}
	}
}

// deliver must be called with mu held
func (b *Broadcaster) deliver(sub *Subscription, ev Event) {
	select {
	case sub.events <- ev:
	default:
		n := sub.dropped.Add(1)
		observability.RecordBroadcastDrop(string(ev.Type))
		b.logger.Warn().
			Str("subscription_id", sub.id).
			Str("session_id", ev.SessionID).
			Str("event_type", string(ev.Type)).
			Int64("dropped_total", n).
			Msg("Observer buffer full, dropping event")
	}
}

// SubscriberCount returns the number of registered observers
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone. Later subscriptions are returned closed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.close()
		observability.SubscriberRemoved()
	}
	b.closed = true
}
