package adsession

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wisbric/forge/pkg/ledger"
)

// zoneSet is the set of zone_id values the postback receiver
// accepts. Populated from ZoneIDs at construction time.
type zoneSet map[string]struct{}

func newZoneSet(zones []string) zoneSet {
	z := make(zoneSet, len(zones))
	for _, zone := range zones {
		z[zone] = struct{}{}
	}
	return z
}

// Service is the ad-session state machine's business logic.
type Service struct {
	store        *Store
	ledger       *ledger.Service
	logger       *slog.Logger
	sharedSecret string // optional; empty disables signature verification
	zones        zoneSet
}

// NewService creates an ad-session Service. sharedSecret empty disables
// postback signature verification.
func NewService(store *Store, ledgerSvc *ledger.Service, logger *slog.Logger, sharedSecret string, zones []string) *Service {
	return &Service{
		store:        store,
		ledger:       ledgerSvc,
		logger:       logger,
		sharedSecret: sharedSecret,
		zones:        newZoneSet(zones),
	}
}

// Start begins a new ad-view session after checking the daily limit. The
// limit counts sessions started today, not completions awarded: the 51st
// start-session call in a UTC day is rejected even if earlier sessions were
// never verified or claimed.
func (s *Service) Start(ctx context.Context, userID uuid.UUID, zoneID, adType, ip, userAgent string) (Session, error) {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	count, err := s.store.CountSessionsToday(ctx, userID, midnight)
	if err != nil {
		return Session{}, fmt.Errorf("checking daily ad limit: %w", err)
	}
	if count >= ledger.MaxAdsPerDay {
		return Session{}, ErrDailyLimitReached
	}

	sess, err := s.store.Insert(ctx, userID, zoneID, adType, ip, userAgent)
	if err != nil {
		return Session{}, fmt.Errorf("starting ad session: %w", err)
	}
	return sess, nil
}

// CheckSession returns the current state of a session, for client polling.
func (s *Service) CheckSession(ctx context.Context, sessionID uuid.UUID) (Session, error) {
	return s.store.GetByID(ctx, sessionID)
}

// VerifySignature reports whether an inbound postback's signature matches
// the configured shared secret. An empty configured secret accepts any
// request.
func (s *Service) VerifySignature(clickID, signature string) bool {
	if s.sharedSecret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(s.sharedSecret))
	mac.Write([]byte(clickID))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Postback applies an ad network's server-to-server notification. It is
// idempotent: a click_id already verified is simply re-read and returned
// rather than re-applied. Postback never awards coins; that only happens
// via Claim.
func (s *Service) Postback(ctx context.Context, clickID, zoneID string, revenue decimal.Decimal, status, signature string) (Session, error) {
	if !s.VerifySignature(clickID, signature) {
		return Session{}, ErrBadSignature
	}
	if len(s.zones) > 0 {
		if _, ok := s.zones[zoneID]; !ok {
			return Session{}, ErrUnknownZone
		}
	}

	sess, err := s.store.ApplyPostback(ctx, clickID, revenue, status == "completed")
	if err != nil {
		return Session{}, fmt.Errorf("applying postback: %w", err)
	}
	return sess, nil
}

// Claim awards AD_REWARD coins for a verified session, exactly once. A
// retried claim (e.g. after a partial failure mid-award) is safe because
// ad_completions.session_id carries a unique constraint: the linearization
// point is that insert, not a distributed transaction.
func (s *Service) Claim(ctx context.Context, userID, sessionID uuid.UUID) (ledger.Wallet, int, error) {
	sess, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return ledger.Wallet{}, 0, err
	}
	if sess.UserID != userID {
		return ledger.Wallet{}, 0, ErrSessionNotFound
	}
	if sess.Status == StatusCompleted {
		return ledger.Wallet{}, 0, ErrAlreadyClaimed
	}
	if !sess.Verified {
		return ledger.Wallet{}, 0, ErrNotVerified
	}

	dup, err := s.ledger.CheckDuplicate(ctx, userID, sess.ClickID, ledger.DuplicateCheckWindow)
	if err != nil {
		return ledger.Wallet{}, 0, fmt.Errorf("checking duplicate ad claim: %w", err)
	}
	if dup {
		return ledger.Wallet{}, 0, ErrAlreadyClaimed
	}

	inserted, _, err := s.store.InsertCompletion(ctx, sessionID, userID, sess.ClickID)
	if err != nil {
		return ledger.Wallet{}, 0, fmt.Errorf("recording ad completion: %w", err)
	}
	if !inserted {
		// A prior attempt already ran this claim to completion.
		return ledger.Wallet{}, 0, ErrAlreadyClaimed
	}

	if _, err := s.store.MarkCompleted(ctx, sessionID); err != nil {
		return ledger.Wallet{}, 0, fmt.Errorf("marking ad session completed: %w", err)
	}

	wallet, _, err := s.ledger.Award(ctx, userID, ledger.AdReward, ledger.AdWatched, &sessionID, "ad reward", nil)
	if err != nil {
		return ledger.Wallet{}, 0, fmt.Errorf("awarding ad reward: %w", err)
	}

	s.ledger.RecordCompletion(ctx, userID, sess.ClickID)
	return wallet, ledger.AdReward, nil
}

// VerifyAndReward is a poll-then-claim convenience: it retries CheckSession
// a bounded number of times waiting for a postback to land, then claims as
// soon as the session verifies.
func (s *Service) VerifyAndReward(ctx context.Context, userID, sessionID uuid.UUID) (wallet ledger.Wallet, coins int, pending bool, err error) {
	const attempts = 3
	const interval = 2 * time.Second

	for i := 0; i < attempts; i++ {
		sess, getErr := s.store.GetByID(ctx, sessionID)
		if getErr != nil {
			return ledger.Wallet{}, 0, false, getErr
		}
		if sess.Status == StatusCompleted {
			return ledger.Wallet{}, 0, false, ErrAlreadyClaimed
		}
		if sess.Verified {
			wallet, coins, err := s.Claim(ctx, userID, sessionID)
			return wallet, coins, false, err
		}

		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ledger.Wallet{}, 0, false, ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	return ledger.Wallet{}, 0, true, nil
}
