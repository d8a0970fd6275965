// Package events fans job state changes out to SSE subscribers and keeps a
// short replay ring for clients that reconnect.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snarg/conjunx/internal/metrics"
	"github.com/snarg/conjunx/internal/render"
)

// Event is one server-sent event.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	SubType   string          `json:"sub_type,omitempty"`
	Timestamp string          `json:"timestamp"`
	JobID     string          `json:"job_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Filter selects events for a subscriber. Empty fields match everything.
// Types entries are either "type" or "type:subtype".
type Filter struct {
	Types  []string
	JobIDs []string
}

// EventBus provides pub-sub event distribution for SSE subscribers.
// It maintains a ring buffer for replay on reconnect.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64

	ring     []Event
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// NewEventBus creates an event bus with the given ring buffer size.
func NewEventBus(ringSize int) *EventBus {
	if ringSize < 1 {
		ringSize = 1
	}
	return &EventBus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a new subscriber and returns a channel and cancel function.
func (eb *EventBus) Subscribe(filter Filter) (<-chan Event, func()) {
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	ch := make(chan Event, 64)
	eb.subscribers[id] = subscriber{ch: ch, filter: filter}
	eb.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			eb.mu.Lock()
			delete(eb.subscribers, id)
			eb.mu.Unlock()
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of live subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// ReplaySince returns buffered events published after lastEventID, oldest first.
// An unknown ID replays nothing.
func (eb *EventBus) ReplaySince(lastEventID string, filter Filter) []Event {
	eb.ringMu.RLock()
	defer eb.ringMu.RUnlock()

	var events []Event
	found := lastEventID == ""

	for i := 0; i < eb.ringSize; i++ {
		idx := (eb.ringHead + i) % eb.ringSize
		e := eb.ring[idx]
		if e.ID == "" {
			continue
		}
		if !found {
			if e.ID == lastEventID {
				found = true
			}
			continue
		}
		if filter.Matches(e) {
			events = append(events, e)
		}
	}
	return events
}

// EventData holds all fields needed to publish an event.
type EventData struct {
	Type    string
	SubType string
	JobID   string
	Payload any
}

// Publish sends an event to all matching subscribers and adds it to the ring buffer.
func (eb *EventBus) Publish(e EventData) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return
	}

	seq := eb.seq.Add(1)
	now := time.Now()
	event := Event{
		ID:        fmt.Sprintf("%d-%d", now.UnixMilli(), seq),
		Type:      e.Type,
		SubType:   e.SubType,
		Timestamp: now.UTC().Format(time.RFC3339),
		JobID:     e.JobID,
		Data:      data,
	}

	eb.ringMu.Lock()
	eb.ring[eb.ringHead] = event
	eb.ringHead = (eb.ringHead + 1) % eb.ringSize
	eb.ringMu.Unlock()

	eb.mu.RLock()
	for _, sub := range eb.subscribers {
		if sub.filter.Matches(event) {
			select {
			case sub.ch <- event:
			default:
				// Drop if subscriber is slow
			}
		}
	}
	eb.mu.RUnlock()
	metrics.SSEEventsPublishedTotal.Inc()
}

// PublishJob publishes a job snapshot as a "job" event whose subtype is the status.
func (eb *EventBus) PublishJob(s render.Snapshot) {
	eb.Publish(EventData{
		Type:    "job",
		SubType: string(s.Status),
		JobID:   s.ID,
		Payload: s,
	})
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e Event) bool {
	if len(f.Types) > 0 {
		match := false
		for _, t := range f.Types {
			t = strings.TrimSpace(t)
			if base, sub, ok := strings.Cut(t, ":"); ok {
				// Compound filter: "job:failed" matches type + subtype
				if base == e.Type && sub == e.SubType {
					match = true
					break
				}
			} else if t == e.Type {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if len(f.JobIDs) > 0 && e.JobID != "" {
		match := false
		for _, id := range f.JobIDs {
			if strings.TrimSpace(id) == e.JobID {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}
