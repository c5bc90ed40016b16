// Package ledger is the currency ledger: balance table, append-only
// transaction log, award/deduct primitives, and the duplicate/daily-limit
// guards that gate ad rewards.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Pricing and guard-rail constants for the coin economy.
const (
	GenerationCost       = 5
	AdReward             = 5
	MaxAdsPerDay         = 50
	DuplicateCheckWindow = 5 * time.Minute
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	GenerationUsed TransactionType = "generation_used"
	AdWatched      TransactionType = "ad_watched"
	AdminBonus     TransactionType = "admin_bonus"
	Refund         TransactionType = "refund"
	InitialBonus   TransactionType = "initial_bonus"
)

// ErrInsufficientCoins is returned by Deduct when the wallet balance is too
// low for the requested deduction.
var ErrInsufficientCoins = errors.New("insufficient_coins")

// InsufficientFundsError wraps ErrInsufficientCoins with the wallet state at
// refusal time, so callers can report the exact shortfall.
type InsufficientFundsError struct {
	Balance  int
	Required int
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient_coins: balance %d, required %d", e.Balance, e.Required)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientCoins }

// Shortfall returns how many more coins the wallet needs.
func (e *InsufficientFundsError) Shortfall() int { return e.Required - e.Balance }

// Wallet is a user_coins row.
type Wallet struct {
	UserID         uuid.UUID `json:"user_id"`
	Balance        int       `json:"balance"`
	LifetimeEarned int       `json:"lifetime_earned"`
	LifetimeSpent  int       `json:"lifetime_spent"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Transaction is a coin_transactions row.
type Transaction struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	UserID        uuid.UUID       `json:"user_id"`
	Type          TransactionType `json:"type"`
	CoinsDelta    int             `json:"coins_delta"`
	BalanceAfter  int             `json:"balance_after"`
	ReferenceID   *uuid.UUID      `json:"reference_id,omitempty"`
	Description   string          `json:"description,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
