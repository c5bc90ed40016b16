// Package realtime is the process-wide fan-out hub: a single shared
// subscription to the jobs change-feed (fed by pkg/rowstore's poller over a
// Redis channel) multiplexed to many concurrent SSE subscribers, each with
// its own bounded queue.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/forge/internal/obs"
)

// sinkCapacity bounds each subscriber's queue. A subscriber that falls this
// far behind is considered slow and is dropped rather than blocking the hub.
const sinkCapacity = 16

// Sink is a subscriber's mailbox. It is single-producer (the Hub)
// single-consumer (the owning SSE handler).
type Sink chan []byte

// Event is the change-feed payload republished by pkg/rowstore's Poller.
// Only JobID is read here; the rest of the row is forwarded to subscribers
// verbatim as the update body.
type Event struct {
	JobID uuid.UUID `json:"job_id"`
}

// Hub owns the one shared change-feed subscription and the per-job
// subscriber sets. Constructed once in internal/app and passed down rather
// than kept as a package global.
type Hub struct {
	rdb     *redis.Client
	channel string
	logger  *slog.Logger

	mu          sync.Mutex
	subscribers map[uuid.UUID]map[Sink]struct{}
}

// NewHub creates a Hub that will subscribe to channel on rdb once Run starts.
func NewHub(rdb *redis.Client, channel string, logger *slog.Logger) *Hub {
	return &Hub{
		rdb:         rdb,
		channel:     channel,
		logger:      logger,
		subscribers: make(map[uuid.UUID]map[Sink]struct{}),
	}
}

// Subscribe adds sink to the subscriber set for jobID and returns
// immediately; delivery happens on the hub's dispatch loop.
func (h *Hub) Subscribe(jobID uuid.UUID, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subscribers[jobID]
	if !ok {
		set = make(map[Sink]struct{})
		h.subscribers[jobID] = set
	}
	set[sink] = struct{}{}
	obs.RealtimeSubscribersGauge.Inc()
}

// Unsubscribe removes sink from jobID's subscriber set, garbage-collecting
// the job's map entry once it is empty.
func (h *Hub) Unsubscribe(jobID uuid.UUID, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subscribers[jobID]
	if !ok {
		return
	}
	if _, ok := set[sink]; !ok {
		return
	}
	delete(set, sink)
	obs.RealtimeSubscribersGauge.Dec()
	if len(set) == 0 {
		delete(h.subscribers, jobID)
	}
}

// Run subscribes to the Redis channel and dispatches every change event to
// the matching job's subscribers. It blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("realtime hub started", "channel", h.channel)

	pubsub := h.rdb.Subscribe(ctx, h.channel)
	defer pubsub.Close()

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub stopped")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			h.dispatch([]byte(msg.Payload))
		}
	}
}

func (h *Hub) dispatch(payload []byte) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		h.logger.Error("decoding realtime change event", "error", err)
		return
	}
	if evt.JobID == uuid.Nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for sink := range h.subscribers[evt.JobID] {
		select {
		case sink <- payload:
		default:
			// Slow consumer: drop it rather than block the hub.
			delete(h.subscribers[evt.JobID], sink)
			obs.RealtimeSubscribersGauge.Dec()
		}
	}
	if len(h.subscribers[evt.JobID]) == 0 {
		delete(h.subscribers, evt.JobID)
	}
}

// NewSink creates a bounded subscriber queue of the hub's fixed capacity.
func NewSink() Sink {
	return make(Sink, sinkCapacity)
}
