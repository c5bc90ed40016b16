package job

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/forge/pkg/endpoint"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	jobs          map[uuid.UUID]Job
	cancelOK      bool
	cancelErr     error
	listLimitSeen int
}

func (f *fakeStore) Insert(context.Context, Job) (Job, error) {
	return Job{}, errors.New("not used by these tests")
}

func (f *fakeStore) GetForUser(_ context.Context, id, userID uuid.UUID) (Job, bool, error) {
	j, ok := f.jobs[id]
	if !ok || j.UserID != userID {
		return Job{}, false, nil
	}
	return j, true, nil
}

func (f *fakeStore) List(_ context.Context, _ uuid.UUID, _ Status, limit int) ([]Job, error) {
	f.listLimitSeen = limit
	return nil, nil
}

func (f *fakeStore) Stats(context.Context, uuid.UUID) (map[Status]int, error) {
	return map[Status]int{StatusCompleted: 3}, nil
}

func (f *fakeStore) LatestInProgress(context.Context, uuid.UUID, endpoint.JobType) (Job, bool, error) {
	return Job{}, false, nil
}

func (f *fakeStore) CancelPending(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return f.cancelOK, f.cancelErr
}

func TestServiceGetNotFound(t *testing.T) {
	svc := &Service{store: &fakeStore{jobs: map[uuid.UUID]Job{}}, logger: testLogger()}

	_, err := svc.Get(context.Background(), uuid.New(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestServiceGetOwnershipScoped(t *testing.T) {
	userID := uuid.New()
	jobID := uuid.New()
	store := &fakeStore{jobs: map[uuid.UUID]Job{
		jobID: {JobID: jobID, UserID: userID, Status: StatusPending},
	}}
	svc := &Service{store: store, logger: testLogger()}

	_, err := svc.Get(context.Background(), uuid.New(), jobID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a different user's job, got %v", err)
	}

	j, err := svc.Get(context.Background(), userID, jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.JobID != jobID {
		t.Fatalf("expected job %s, got %s", jobID, j.JobID)
	}
}

func TestServiceListClampsLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"zero defaults to 50", 0, 50},
		{"negative defaults to 50", -5, 50},
		{"over 200 defaults to 50", 500, 50},
		{"within range passes through", 100, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			svc := &Service{store: store, logger: testLogger()}

			if _, err := svc.List(context.Background(), uuid.New(), "", tt.limit); err != nil {
				t.Fatalf("List: %v", err)
			}
			if store.listLimitSeen != tt.want {
				t.Fatalf("List(%d): store saw limit %d, want %d", tt.limit, store.listLimitSeen, tt.want)
			}
		})
	}
}

func TestServiceCancelNotPending(t *testing.T) {
	store := &fakeStore{cancelOK: false}
	svc := &Service{store: store, logger: testLogger()}

	err := svc.Cancel(context.Background(), uuid.New(), uuid.New())
	if !errors.Is(err, ErrCannotCancel) {
		t.Fatalf("expected ErrCannotCancel, got %v", err)
	}
}

func TestServiceCancelSuccess(t *testing.T) {
	store := &fakeStore{cancelOK: true}
	svc := &Service{store: store, logger: testLogger()}

	if err := svc.Cancel(context.Background(), uuid.New(), uuid.New()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}
