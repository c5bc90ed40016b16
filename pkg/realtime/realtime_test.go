package realtime

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/google/uuid"
)

func TestHubDispatchDeliversToSubscriber(t *testing.T) {
	h := NewHub(nil, "forge:jobs:changed", slog.Default())
	jobID := uuid.New()
	sink := NewSink()
	h.Subscribe(jobID, sink)

	payload, _ := json.Marshal(Event{JobID: jobID})
	h.dispatch(payload)

	select {
	case got := <-sink:
		if string(got) != string(payload) {
			t.Fatalf("got %q, want %q", got, payload)
		}
	default:
		t.Fatal("expected payload delivered to subscriber, got nothing")
	}
}

func TestHubDispatchIgnoresOtherJobs(t *testing.T) {
	h := NewHub(nil, "forge:jobs:changed", slog.Default())
	jobID := uuid.New()
	other := uuid.New()
	sink := NewSink()
	h.Subscribe(jobID, sink)

	payload, _ := json.Marshal(Event{JobID: other})
	h.dispatch(payload)

	select {
	case got := <-sink:
		t.Fatalf("expected no delivery for unrelated job, got %q", got)
	default:
	}
}

func TestHubUnsubscribeGarbageCollectsEmptySet(t *testing.T) {
	h := NewHub(nil, "forge:jobs:changed", slog.Default())
	jobID := uuid.New()
	sink := NewSink()
	h.Subscribe(jobID, sink)
	h.Unsubscribe(jobID, sink)

	h.mu.Lock()
	_, ok := h.subscribers[jobID]
	h.mu.Unlock()
	if ok {
		t.Fatal("expected subscriber set to be garbage collected")
	}
}

func TestHubDropsFullSink(t *testing.T) {
	h := NewHub(nil, "forge:jobs:changed", slog.Default())
	jobID := uuid.New()
	sink := make(Sink, 1)
	h.Subscribe(jobID, sink)

	// Fill the sink's single slot so the next dispatch must drop it.
	sink <- []byte("x")

	payload, _ := json.Marshal(Event{JobID: jobID})
	h.dispatch(payload)

	h.mu.Lock()
	_, stillSubscribed := h.subscribers[jobID]
	h.mu.Unlock()
	if stillSubscribed {
		t.Fatal("expected slow subscriber to be dropped")
	}
}
