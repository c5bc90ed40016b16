package endpoint

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
)

type fakeStore struct {
	active       map[JobType]Deployment
	markInactive func(uuid.UUID, string) (bool, error)
	promoteNext  func(JobType) (Deployment, bool, error)
}

func (f *fakeStore) GetActive(_ context.Context, jt JobType) (Deployment, bool, error) {
	d, ok := f.active[jt]
	return d, ok, nil
}

func (f *fakeStore) MarkInactive(_ context.Context, id uuid.UUID, reason string) (bool, error) {
	return f.markInactive(id, reason)
}

func (f *fakeStore) PromoteNext(_ context.Context, jt JobType) (Deployment, bool, error) {
	return f.promoteNext(jt)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryGetURLCaches(t *testing.T) {
	depID := uuid.New()
	calls := 0
	store := &fakeStore{active: map[JobType]Deployment{
		Image: {DeploymentID: depID, ImageURL: "https://a--img.modal.run", IsActive: true},
	}}
	store.promoteNext = func(JobType) (Deployment, bool, error) { return Deployment{}, false, nil }
	reg := &Registry{store: wrapCounting(store, &calls), cache: newURLCache(), logger: testLogger()}

	url, cached, err := reg.GetURL(context.Background(), Image)
	if err != nil || url != "https://a--img.modal.run" || cached {
		t.Fatalf("first GetURL: url=%q cached=%v err=%v", url, cached, err)
	}

	url, cached, err = reg.GetURL(context.Background(), Image)
	if err != nil || url != "https://a--img.modal.run" || !cached {
		t.Fatalf("second GetURL should be cached: url=%q cached=%v err=%v", url, cached, err)
	}

	if calls != 1 {
		t.Fatalf("expected exactly one store call, got %d", calls)
	}
}

func TestRegistryMarkInactivePromotesAndInvalidates(t *testing.T) {
	depID := uuid.New()
	nextID := uuid.New()
	store := &fakeStore{
		active: map[JobType]Deployment{
			Image: {DeploymentID: depID, ImageURL: "https://a--img.modal.run", IsActive: true},
		},
		markInactive: func(id uuid.UUID, reason string) (bool, error) {
			if id != depID {
				t.Fatalf("unexpected deployment id %s", id)
			}
			return true, nil
		},
		promoteNext: func(jt JobType) (Deployment, bool, error) {
			return Deployment{DeploymentID: nextID, ImageURL: "https://b--img.modal.run", IsActive: true}, true, nil
		},
	}
	reg := NewRegistry(nil, testLogger())
	reg.store = store

	var rotated bool
	reg.OnRotate(func(jt JobType, id uuid.UUID, reason string, promoted *Deployment) {
		rotated = true
		if promoted == nil || promoted.DeploymentID != nextID {
			t.Fatalf("expected promoted deployment %s, got %v", nextID, promoted)
		}
	})

	// warm the cache first
	if _, _, err := reg.GetURL(context.Background(), Image); err != nil {
		t.Fatalf("warming cache: %v", err)
	}

	promoted, err := reg.MarkInactive(context.Background(), Image, depID, "quota exceeded")
	if err != nil {
		t.Fatalf("MarkInactive: %v", err)
	}
	if promoted == nil || promoted.DeploymentID != nextID {
		t.Fatalf("expected promoted deployment, got %v", promoted)
	}
	if !rotated {
		t.Fatalf("expected onRotate callback to fire")
	}

	url, cached, err := reg.GetURL(context.Background(), Image)
	if err != nil || url != "https://b--img.modal.run" || !cached {
		t.Fatalf("expected promoted deployment served from warmed cache: url=%q cached=%v err=%v", url, cached, err)
	}
}

func TestRegistryMarkInactiveAlreadyFlipped(t *testing.T) {
	depID := uuid.New()
	store := &fakeStore{
		active: map[JobType]Deployment{},
		markInactive: func(uuid.UUID, string) (bool, error) {
			return false, nil
		},
	}
	reg := NewRegistry(nil, testLogger())
	reg.store = store

	var rotated bool
	reg.OnRotate(func(JobType, uuid.UUID, string, *Deployment) { rotated = true })

	promoted, err := reg.MarkInactive(context.Background(), Image, depID, "quota exceeded")
	if err != nil {
		t.Fatalf("MarkInactive: %v", err)
	}
	if promoted != nil {
		t.Fatalf("expected nil promoted deployment, got %v", promoted)
	}
	if rotated {
		t.Fatalf("onRotate should not fire when the deployment was already inactive")
	}
}

func TestIsFailureTerminal(t *testing.T) {
	tests := []struct {
		name string
		err  string
		want bool
	}{
		{"cold start stopped", "app for invoked web endpoint is stopped", true},
		{"rate limit", "Rate Limit exceeded for this account", true},
		{"quota", "storage quota reached", true},
		{"5xx", "upstream returned HTTP 503", true},
		{"429", "received 429 too many requests", true},
		{"dns failure", "dial tcp: lookup x--img.modal.run: no such host", true},
		{"plain timeout", "context deadline exceeded", false},
		{"connection reset", "read: connection reset by peer", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFailureTerminal(tt.err); got != tt.want {
				t.Errorf("IsFailureTerminal(%q) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// wrapCounting wraps a *fakeStore to count GetActive calls without changing
// fakeStore's exported shape used elsewhere in this file.
func wrapCounting(s *fakeStore, calls *int) registryStore {
	return &countingStore{fakeStore: s, calls: calls}
}

type countingStore struct {
	*fakeStore
	calls *int
}

func (c *countingStore) GetActive(ctx context.Context, jt JobType) (Deployment, bool, error) {
	*c.calls++
	return c.fakeStore.GetActive(ctx, jt)
}
