package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/forge/internal/obs"
)

const dedupRedisPrefix = "forge:ledger:dedup:"

// ledgerStore is the narrow slice of *Store that Service depends on,
// letting tests substitute a fake instead of a live Postgres.
type ledgerStore interface {
	Balance(ctx context.Context, userID uuid.UUID) (Wallet, error)
	Deduct(ctx context.Context, userID uuid.UUID, amount int) (int, error)
	Award(ctx context.Context, userID uuid.UUID, amount int) (int, error)
	InsertTransaction(ctx context.Context, t Transaction) (Transaction, error)
	HasCompletionForClick(ctx context.Context, userID uuid.UUID, clickID string, since time.Time) (bool, error)
	CountCompletionsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
}

// Service is the currency ledger's business logic: the store plus the
// Redis hot-path / DB-fallback dedup cache, mirroring alert.Deduplicator.
type Service struct {
	store  ledgerStore
	rdb    *redis.Client
	logger *slog.Logger
}

// NewService creates a ledger Service.
func NewService(store *Store, rdb *redis.Client, logger *slog.Logger) *Service {
	return &Service{store: store, rdb: rdb, logger: logger}
}

// Balance returns the user's current balance, auto-creating the wallet at 0
// on first reference.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (Wallet, error) {
	return s.store.Balance(ctx, userID)
}

// Deduct checks balance >= n and, if so, debits the wallet and appends a
// transaction. Returns ErrInsufficientCoins without mutating state when the
// balance is too low.
func (s *Service) Deduct(ctx context.Context, userID uuid.UUID, n int, txType TransactionType, referenceID *uuid.UUID, description string) (Wallet, Transaction, error) {
	newBalance, err := s.store.Deduct(ctx, userID, n)
	if err != nil {
		if errors.Is(err, ErrInsufficientCoins) {
			w, balErr := s.store.Balance(ctx, userID)
			if balErr != nil {
				return Wallet{}, Transaction{}, err
			}
			return Wallet{}, Transaction{}, &InsufficientFundsError{Balance: w.Balance, Required: n}
		}
		return Wallet{}, Transaction{}, err
	}

	txn, err := s.store.InsertTransaction(ctx, Transaction{
		UserID:       userID,
		Type:         txType,
		CoinsDelta:   -n,
		BalanceAfter: newBalance,
		ReferenceID:  referenceID,
		Description:  description,
	})
	if err != nil {
		return Wallet{}, Transaction{}, fmt.Errorf("recording deduction transaction: %w", err)
	}

	obs.LedgerTransactionsTotal.WithLabelValues(string(txType)).Inc()

	w, err := s.store.Balance(ctx, userID)
	if err != nil {
		return Wallet{}, txn, err
	}
	return w, txn, nil
}

// Award credits the wallet and appends a transaction. For source=ad_watched
// the caller must already have established verification via pkg/adsession.
func (s *Service) Award(ctx context.Context, userID uuid.UUID, n int, source TransactionType, referenceID *uuid.UUID, description string, metadata map[string]any) (Wallet, Transaction, error) {
	newBalance, err := s.store.Award(ctx, userID, n)
	if err != nil {
		return Wallet{}, Transaction{}, err
	}

	txn, err := s.store.InsertTransaction(ctx, Transaction{
		UserID:       userID,
		Type:         source,
		CoinsDelta:   n,
		BalanceAfter: newBalance,
		ReferenceID:  referenceID,
		Description:  description,
		Metadata:     metadata,
	})
	if err != nil {
		return Wallet{}, Transaction{}, fmt.Errorf("recording award transaction: %w", err)
	}

	obs.LedgerTransactionsTotal.WithLabelValues(string(source)).Inc()

	w, err := s.store.Balance(ctx, userID)
	if err != nil {
		return Wallet{}, txn, err
	}
	return w, txn, nil
}

// CheckDuplicate reports whether an ad_completion row already exists for
// (userID, clickID) within window, checking Redis first and falling back to
// the database on a cache miss.
func (s *Service) CheckDuplicate(ctx context.Context, userID uuid.UUID, clickID string, window time.Duration) (bool, error) {
	key := dedupRedisPrefix + userID.String() + ":" + clickID

	exists, err := s.rdb.Exists(ctx, key).Result()
	if err == nil && exists > 0 {
		return true, nil
	}
	if err != nil {
		s.logger.Warn("redis dedup lookup failed, falling back to DB", "error", err)
	}

	since := time.Now().Add(-window)
	found, err := s.store.HasCompletionForClick(ctx, userID, clickID, since)
	if err != nil {
		return false, fmt.Errorf("checking duplicate completion: %w", err)
	}
	if found {
		s.warmDedupCache(ctx, key, window)
	}
	return found, nil
}

// RecordCompletion warms the dedup cache after a completion is recorded, so
// subsequent duplicate checks hit Redis instead of the database.
func (s *Service) RecordCompletion(ctx context.Context, userID uuid.UUID, clickID string) {
	key := dedupRedisPrefix + userID.String() + ":" + clickID
	s.warmDedupCache(ctx, key, DuplicateCheckWindow)
}

func (s *Service) warmDedupCache(ctx context.Context, key string, ttl time.Duration) {
	if err := s.rdb.Set(ctx, key, "1", ttl).Err(); err != nil {
		s.logger.Warn("failed to warm dedup cache", "error", err, "key", key)
	}
}

// CheckDailyLimit reports whether the user has reached max ad completions
// since UTC midnight.
func (s *Service) CheckDailyLimit(ctx context.Context, userID uuid.UUID, max int) (bool, error) {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	count, err := s.store.CountCompletionsSince(ctx, userID, midnight)
	if err != nil {
		return false, fmt.Errorf("checking daily ad limit: %w", err)
	}
	return count >= max, nil
}
