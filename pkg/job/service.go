package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wisbric/forge/internal/obs"
	"github.com/wisbric/forge/pkg/endpoint"
	"github.com/wisbric/forge/pkg/ledger"
)

// ErrNotFound is returned when a job id has no matching row owned by the
// requesting user.
var ErrNotFound = errors.New("job_not_found")

// ErrCannotCancel is returned by Cancel when the job is no longer pending.
var ErrCannotCancel = errors.New("job_cannot_be_cancelled")

// SubmitRequest is the validated input to Submit.
type SubmitRequest struct {
	Prompt          string
	Model           string
	AspectRatio     string
	NegativePrompt  string
	JobType         endpoint.JobType
	DurationSeconds *int
	Metadata        map[string]any
}

// jobStore is the narrow slice of *Store that Service depends on, letting
// tests substitute a fake instead of a live Postgres.
type jobStore interface {
	Insert(ctx context.Context, j Job) (Job, error)
	GetForUser(ctx context.Context, id, userID uuid.UUID) (Job, bool, error)
	List(ctx context.Context, userID uuid.UUID, status Status, limit int) ([]Job, error)
	Stats(ctx context.Context, userID uuid.UUID) (map[Status]int, error)
	LatestInProgress(ctx context.Context, userID uuid.UUID, jobType endpoint.JobType) (Job, bool, error)
	CancelPending(ctx context.Context, id, userID uuid.UUID) (bool, error)
}

// Service is the jobs business logic: ledger-gated submission, ownership
// checks, and the read paths the HTTP surface needs.
type Service struct {
	store  jobStore
	ledger *ledger.Service
	logger *slog.Logger
}

// NewService creates a jobs Service.
func NewService(store *Store, ledgerSvc *ledger.Service, logger *slog.Logger) *Service {
	return &Service{store: store, ledger: ledgerSvc, logger: logger}
}

// Submit deducts GenerationCost coins and inserts the job row. The deduction
// happens first and is refunded if the subsequent insert fails, so a failed
// submission never leaves coins consumed.
func (s *Service) Submit(ctx context.Context, userID uuid.UUID, req SubmitRequest) (Job, ledger.Wallet, error) {
	wallet, txn, err := s.ledger.Deduct(ctx, userID, ledger.GenerationCost, ledger.GenerationUsed, nil, "job submission")
	if err != nil {
		return Job{}, ledger.Wallet{}, err
	}

	j, err := s.store.Insert(ctx, Job{
		UserID:          userID,
		JobType:         req.JobType,
		Prompt:          req.Prompt,
		Model:           req.Model,
		AspectRatio:     req.AspectRatio,
		NegativePrompt:  req.NegativePrompt,
		DurationSeconds: req.DurationSeconds,
		Metadata:        req.Metadata,
	})
	if err != nil {
		refundErr := s.refund(ctx, userID, txn.TransactionID)
		if refundErr != nil {
			s.logger.Error("refunding failed job submission", "user_id", userID, "error", refundErr)
		}
		return Job{}, ledger.Wallet{}, fmt.Errorf("inserting job: %w", err)
	}

	obs.JobsSubmittedTotal.WithLabelValues(string(req.JobType)).Inc()
	return j, wallet, nil
}

func (s *Service) refund(ctx context.Context, userID uuid.UUID, failedTxnID uuid.UUID) error {
	_, _, err := s.ledger.Award(ctx, userID, ledger.GenerationCost, ledger.Refund, &failedTxnID, "refund: job insert failed", nil)
	return err
}

// Get returns a job owned by userID.
func (s *Service) Get(ctx context.Context, userID, id uuid.UUID) (Job, error) {
	j, ok, err := s.store.GetForUser(ctx, id, userID)
	if err != nil {
		return Job{}, err
	}
	if !ok {
		return Job{}, ErrNotFound
	}
	return j, nil
}

// List returns a user's jobs.
func (s *Service) List(ctx context.Context, userID uuid.UUID, status Status, limit int) ([]Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.List(ctx, userID, status, limit)
}

// Stats returns a user's job counts by status.
func (s *Service) Stats(ctx context.Context, userID uuid.UUID) (map[Status]int, error) {
	return s.store.Stats(ctx, userID)
}

// InProgress returns the user's latest pending-or-running job of jobType.
func (s *Service) InProgress(ctx context.Context, userID uuid.UUID, jobType endpoint.JobType) (Job, bool, error) {
	return s.store.LatestInProgress(ctx, userID, jobType)
}

// Cancel cancels a pending job owned by userID.
func (s *Service) Cancel(ctx context.Context, userID, id uuid.UUID) error {
	ok, err := s.store.CancelPending(ctx, id, userID)
	if err != nil {
		return err
	}
	if !ok {
		// "Doesn't exist/not yours" and "exists but not pending" both
		// surface as 400 from the handler, so a single sentinel suffices.
		return ErrCannotCancel
	}
	return nil
}
