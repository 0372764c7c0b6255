package notify

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/sith-oath/apexd/metrics"
)

const (
	EventTestStatus         = "test-status"
	EventProcessTestResults = "process-test-results"
	EventAnalytics          = "analytics"
)

const DefaultBufferSize = 64

type Event struct {
	Name    string `json:"name"`
	JobID   string `json:"jobId,omitempty"`
	OwnerID string `json:"ownerId,omitempty"`
	Data    any    `json:"data"`
}

// Publisher is implemented by Hub and RedisRelay.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Filter selects events by job and owner. Empty fields match anything.
type Filter struct {
	JobID   string
	OwnerID string
}

func (f Filter) Match(e Event) bool {
	if f.JobID != "" && f.JobID != e.JobID {
		return false
	}
	if f.OwnerID != "" && f.OwnerID != e.OwnerID {
		return false
	}
	return true
}

// Hub fans events out to in-process subscribers. Each subscriber has its own
// buffered queue so delivery order is kept per subscriber; a subscriber that
// falls a full buffer behind is disconnected.
type Hub struct {
	mtx        sync.Mutex
	subs       map[string]*Subscription
	bufferSize int
}

type HubOpt func(h *Hub)

func WithBufferSize(n int) HubOpt {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

func NewHub(opts ...HubOpt) *Hub {
	h := &Hub{
		subs:       make(map[string]*Subscription),
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type Subscription struct {
	ID     string
	C      <-chan Event
	c      chan Event
	filter Filter
	hub    *Hub
	once   sync.Once
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mtx.Lock()
	defer s.hub.mtx.Unlock()
	s.hub.remove(s)
}

func (h *Hub) Subscribe(filter Filter) *Subscription {
	c := make(chan Event, h.bufferSize)
	sub := &Subscription{
		ID:     uuid.NewString(),
		C:      c,
		c:      c,
		filter: filter,
		hub:    h,
	}
	h.mtx.Lock()
	h.subs[sub.ID] = sub
	metrics.SetSubscribers(len(h.subs))
	h.mtx.Unlock()
	log.Debug("subscribed", "subscription_id", sub.ID, "job_id", filter.JobID, "owner", filter.OwnerID)
	return sub
}

// remove must be called with h.mtx held.
func (h *Hub) remove(sub *Subscription) {
	sub.once.Do(func() {
		delete(h.subs, sub.ID)
		close(sub.c)
		metrics.SetSubscribers(len(h.subs))
	})
}

func (h *Hub) Publish(ctx context.Context, event Event) {
	metrics.RecordNotification(event.Name)
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for _, sub := range h.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.c <- event:
		default:
			log.Warn("subscriber too slow, disconnecting",
				"subscription_id", sub.ID,
				"event", event.Name,
				"job_id", event.JobID)
			metrics.RecordSubscriberDropped()
			h.remove(sub)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return len(h.subs)
}
