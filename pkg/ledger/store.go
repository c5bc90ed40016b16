package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/forge/pkg/rowstore"
)

// Store provides database operations for the currency ledger.
type Store struct {
	db rowstore.DB
}

// NewStore creates a Store backed by db.
func NewStore(db rowstore.DB) *Store {
	return &Store{db: db}
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	err := row.Scan(&w.UserID, &w.Balance, &w.LifetimeEarned, &w.LifetimeSpent, &w.LastUpdated)
	return w, err
}

// Balance returns the user's wallet, lazily creating it at balance 0 on
// first reference via INSERT ... ON CONFLICT DO NOTHING.
func (s *Store) Balance(ctx context.Context, userID uuid.UUID) (Wallet, error) {
	if _, err := s.db.Exec(ctx, `INSERT INTO user_coins (user_id, balance, lifetime_earned, lifetime_spent, last_updated)
		VALUES ($1, 0, 0, 0, now()) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return Wallet{}, fmt.Errorf("lazily creating wallet: %w", err)
	}

	row := s.db.QueryRow(ctx, `SELECT user_id, balance, lifetime_earned, lifetime_spent, last_updated
		FROM user_coins WHERE user_id = $1`, userID)
	w, err := scanWallet(row)
	if err != nil {
		return Wallet{}, fmt.Errorf("reading wallet: %w", err)
	}
	return w, nil
}

// Deduct atomically decrements balance via a single conditional UPDATE
// guarded by balance >= amount — the row store's conditional-update
// primitive §9 asks for. Zero rows affected means insufficient funds.
func (s *Store) Deduct(ctx context.Context, userID uuid.UUID, amount int) (newBalance int, err error) {
	row := s.db.QueryRow(ctx, `UPDATE user_coins
		SET balance = balance - $1, lifetime_spent = lifetime_spent + $1, last_updated = now()
		WHERE user_id = $2 AND balance >= $1
		RETURNING balance`, amount, userID)

	if err := row.Scan(&newBalance); err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrInsufficientCoins
		}
		return 0, fmt.Errorf("deducting balance: %w", err)
	}
	return newBalance, nil
}

// Award atomically increments balance and lifetime_earned.
func (s *Store) Award(ctx context.Context, userID uuid.UUID, amount int) (newBalance int, err error) {
	if _, err := s.db.Exec(ctx, `INSERT INTO user_coins (user_id, balance, lifetime_earned, lifetime_spent, last_updated)
		VALUES ($1, 0, 0, 0, now()) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return 0, fmt.Errorf("lazily creating wallet: %w", err)
	}

	row := s.db.QueryRow(ctx, `UPDATE user_coins
		SET balance = balance + $1, lifetime_earned = lifetime_earned + $1, last_updated = now()
		WHERE user_id = $2
		RETURNING balance`, amount, userID)

	if err := row.Scan(&newBalance); err != nil {
		return 0, fmt.Errorf("awarding balance: %w", err)
	}
	return newBalance, nil
}

// InsertTransaction appends an immutable transaction row.
func (s *Store) InsertTransaction(ctx context.Context, t Transaction) (Transaction, error) {
	var metaJSON []byte
	if t.Metadata != nil {
		var err error
		metaJSON, err = json.Marshal(t.Metadata)
		if err != nil {
			return Transaction{}, fmt.Errorf("marshalling transaction metadata: %w", err)
		}
	}

	row := s.db.QueryRow(ctx, `INSERT INTO coin_transactions
		(user_id, type, coins_delta, balance_after, reference_id, description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING transaction_id, user_id, type, coins_delta, balance_after, reference_id, description, metadata, created_at`,
		t.UserID, t.Type, t.CoinsDelta, t.BalanceAfter, t.ReferenceID, t.Description, metaJSON)

	return scanTransaction(row)
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	var metaJSON []byte
	var refID *uuid.UUID
	var desc *string
	err := row.Scan(&t.TransactionID, &t.UserID, &t.Type, &t.CoinsDelta, &t.BalanceAfter, &refID, &desc, &metaJSON, &t.CreatedAt)
	if err != nil {
		return Transaction{}, err
	}
	if refID != nil {
		t.ReferenceID = refID
	}
	if desc != nil {
		t.Description = *desc
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &t.Metadata); err != nil {
			return Transaction{}, fmt.Errorf("unmarshalling transaction metadata: %w", err)
		}
	}
	return t, nil
}

// ListTransactions returns a user's transactions ordered newest-first.
func (s *Store) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, `SELECT transaction_id, user_id, type, coins_delta, balance_after, reference_id, description, metadata, created_at
		FROM coin_transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTransactions returns the total number of transactions for user_id,
// for pagination totals.
func (s *Store) CountTransactions(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	row := s.db.QueryRow(ctx, `SELECT count(*) FROM coin_transactions WHERE user_id = $1`, userID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("counting transactions: %w", err)
	}
	return count, nil
}

// CountCompletionsSince returns the number of ad_completions rows for
// user_id created at or after since.
func (s *Store) CountCompletionsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var count int
	row := s.db.QueryRow(ctx, `SELECT count(*) FROM ad_completions WHERE user_id = $1 AND created_at >= $2`, userID, since)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("counting ad completions: %w", err)
	}
	return count, nil
}

// HasCompletionForClick reports whether a completion exists for (userID,
// clickID) created at or after since.
func (s *Store) HasCompletionForClick(ctx context.Context, userID uuid.UUID, clickID string, since time.Time) (bool, error) {
	var exists bool
	row := s.db.QueryRow(ctx, `SELECT EXISTS(
		SELECT 1 FROM ad_completions WHERE user_id = $1 AND click_id = $2 AND created_at >= $3
	)`, userID, clickID, since)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("checking duplicate ad completion: %w", err)
	}
	return exists, nil
}
