package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory ledgerStore that reproduces the conditional
// UPDATE ... WHERE balance >= $1 semantics with a mutex, standing in for
// Postgres's row-level lock.
type fakeStore struct {
	mu           sync.Mutex
	balance      int
	transactions []Transaction
}

func (f *fakeStore) Balance(_ context.Context, userID uuid.UUID) (Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Wallet{UserID: userID, Balance: f.balance}, nil
}

func (f *fakeStore) Deduct(_ context.Context, _ uuid.UUID, amount int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balance < amount {
		return 0, ErrInsufficientCoins
	}
	f.balance -= amount
	return f.balance, nil
}

func (f *fakeStore) Award(_ context.Context, _ uuid.UUID, amount int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance += amount
	return f.balance, nil
}

func (f *fakeStore) InsertTransaction(_ context.Context, t Transaction) (Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.TransactionID = uuid.New()
	t.CreatedAt = time.Now()
	f.transactions = append(f.transactions, t)
	return t, nil
}

func (f *fakeStore) HasCompletionForClick(context.Context, uuid.UUID, string, time.Time) (bool, error) {
	return false, nil
}

func (f *fakeStore) CountCompletionsSince(context.Context, uuid.UUID, time.Time) (int, error) {
	return 0, nil
}

func TestServiceDeductInsufficientFunds(t *testing.T) {
	store := &fakeStore{balance: 3}
	svc := &Service{store: store, logger: testLogger()}

	_, _, err := svc.Deduct(context.Background(), uuid.New(), 5, GenerationUsed, nil, "job submit")
	if !errors.Is(err, ErrInsufficientCoins) {
		t.Fatalf("expected ErrInsufficientCoins, got %v", err)
	}
	var insufficient *InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientFundsError, got %T", err)
	}
	if insufficient.Shortfall() != 2 {
		t.Fatalf("Shortfall() = %d, want 2", insufficient.Shortfall())
	}
	if len(store.transactions) != 0 {
		t.Fatalf("expected no transaction appended on insufficient funds, got %d", len(store.transactions))
	}
}

func TestServiceDeductSuccessAppendsTransaction(t *testing.T) {
	store := &fakeStore{balance: 10}
	svc := &Service{store: store, logger: testLogger()}

	w, txn, err := svc.Deduct(context.Background(), uuid.New(), 5, GenerationUsed, nil, "job submit")
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if w.Balance != 5 {
		t.Fatalf("expected balance 5, got %d", w.Balance)
	}
	if txn.CoinsDelta != -5 || txn.BalanceAfter != 5 {
		t.Fatalf("unexpected transaction: %+v", txn)
	}
}

func TestServiceAwardSuccessAppendsTransaction(t *testing.T) {
	store := &fakeStore{balance: 0}
	svc := &Service{store: store, logger: testLogger()}

	w, txn, err := svc.Award(context.Background(), uuid.New(), AdReward, AdWatched, nil, "ad reward", nil)
	if err != nil {
		t.Fatalf("Award: %v", err)
	}
	if w.Balance != AdReward {
		t.Fatalf("expected balance %d, got %d", AdReward, w.Balance)
	}
	if txn.CoinsDelta != AdReward {
		t.Fatalf("unexpected transaction delta: %d", txn.CoinsDelta)
	}
}

// TestConditionalDeductConcurrency spawns N goroutines deducting against a
// fixed starting balance and asserts the balance never goes negative and
// exactly the affordable count of deductions succeed.
func TestConditionalDeductConcurrency(t *testing.T) {
	const startingBalance = 47
	const deductionSize = 5
	const workers = 30

	store := &fakeStore{balance: startingBalance}
	var succeeded int64

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := store.Deduct(context.Background(), uuid.New(), deductionSize); err == nil {
				atomic.AddInt64(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	if store.balance < 0 {
		t.Fatalf("balance went negative: %d", store.balance)
	}

	wantSucceeded := int64(startingBalance / deductionSize)
	if succeeded != wantSucceeded {
		t.Fatalf("expected exactly %d successful deductions, got %d (final balance %d)", wantSucceeded, succeeded, store.balance)
	}
}
