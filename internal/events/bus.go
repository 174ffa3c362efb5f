// Package events is the in-process change feed for requests and collections.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	RequestCreated     = "request.created"
	RequestCancelled   = "request.cancelled"
	RequestTimedOut    = "request.timed_out"
	CollectionAssigned = "collection.assigned"
	CollectionUpdated  = "collection.status_changed"
	CollectionRated    = "collection.rated"
	CollectorLocation  = "collector.location"
	CollectorStatus    = "collector.status_changed"
)

type Event struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	RequestID    string    `json:"request_id,omitempty"`
	CollectionID string    `json:"collection_id,omitempty"`
	CustomerID   string    `json:"customer_id,omitempty"`
	CollectorID  string    `json:"collector_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	At           time.Time `json:"at"`
	Data         any       `json:"data,omitempty"`
}

// Key orders events of one aggregate on one partition downstream.
func (e Event) Key() string {
	if e.CollectionID != "" {
		return e.CollectionID
	}
	if e.RequestID != "" {
		return e.RequestID
	}
	return e.CollectorID
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{subs: make(map[*Subscription]struct{}), logger: logger}
}

type Subscription struct {
	bus    *Bus
	ch     chan Event
	filter func(Event) bool
	once   sync.Once
}

// C is closed when the subscription or the bus is closed.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.bus.subs, s)
		close(s.ch)
	})
}

// Subscribe registers a subscriber. A nil filter receives everything.
func (b *Bus) Subscribe(buffer int, filter func(Event) bool) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Subscription{bus: b, ch: make(chan Event, buffer), filter: filter}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closeLocked()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.logger.Warn("event dropped for slow subscriber", "type", e.Type, "event_id", e.ID)
		}
	}
}

// Close ends every subscription. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		s.closeLocked()
	}
}

// Publisher is an external sink such as a Kafka topic.
type Publisher interface {
	Publish(ctx context.Context, key string, v any) error
}

// Forward copies every event from sub to pub until ctx is done or sub closes.
// Failed writes are logged and skipped.
func Forward(ctx context.Context, sub *Subscription, pub Publisher, logger *slog.Logger) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if err := pub.Publish(ctx, e.Key(), e); err != nil {
				logger.Warn("forward event failed", "type", e.Type, "event_id", e.ID, "err", err)
			}
		}
	}
}
