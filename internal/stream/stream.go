// Package stream fans out sync progress events to live subscribers such as
// Server-Sent Events clients.
package stream

import (
	"context"
	"sync"
	"time"

	"rostersync.org/internal/roster"
)

// Event is one progress notification of a sync run.
type Event struct {
	IntegrationID string           `json:"integration_id"`
	SyncLogID     string           `json:"sync_log_id,omitempty"`
	Stage         string           `json:"stage"`
	Status        string           `json:"status,omitempty"`
	Counters      *roster.Counters `json:"counters,omitempty"`
	Error         string           `json:"error,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

type subscriber struct {
	ch            chan Event
	integrationID string
}

// Stream delivers published events to every matching subscriber.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for integrationID, or for every
// integration when it is empty. The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, integrationID string) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, integrationID: integrationID}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish never blocks; a slow subscriber misses events.
func (s *Stream) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.integrationID != "" && sub.integrationID != evt.IntegrationID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
