// Package adsession implements the ad-view state machine: a session moves
// pending -> verified (by postback) -> completed (by claim), with the ledger
// award only ever triggered from the claim step.
package adsession

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an ad session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	// ErrDailyLimitReached is returned by Start when the user has already
	// started MaxAdsPerDay sessions today.
	ErrDailyLimitReached = errors.New("ad_daily_limit_reached")
	// ErrSessionNotFound is returned when a session_id has no matching row.
	ErrSessionNotFound = errors.New("ad_session_not_found")
	// ErrNotVerified is returned by Claim when the session has not yet
	// received a verifying postback.
	ErrNotVerified = errors.New("ad_not_verified")
	// ErrAlreadyClaimed is returned by Claim on a second attempt against an
	// already-completed session.
	ErrAlreadyClaimed = errors.New("ad_reward_already_claimed")
	// ErrBadSignature is returned by Postback when X-Monetag-Signature does
	// not match the configured shared secret.
	ErrBadSignature = errors.New("ad_postback_bad_signature")
	// ErrUnknownZone is returned by Postback for a zone_id the deployment
	// does not recognise.
	ErrUnknownZone = errors.New("ad_postback_unknown_zone")
)

// Session is an ad_sessions row.
type Session struct {
	SessionID         uuid.UUID          `json:"session_id"`
	UserID            uuid.UUID          `json:"user_id"`
	ClickID           string             `json:"click_id"`
	ZoneID            string             `json:"zone_id"`
	AdType            string             `json:"ad_type"`
	Status            Status             `json:"status"`
	Verified          bool               `json:"verified"`
	Revenue           decimal.NullDecimal `json:"revenue,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
	IP                string             `json:"ip,omitempty"`
	UserAgent         string             `json:"user_agent,omitempty"`
	PostbackTimestamp *time.Time         `json:"postback_timestamp,omitempty"`
}

// newClickID generates an opaque token shared with the ad network, in the
// same random-then-hex shape as apikey.generateAPIKey.
func newClickID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return "clk_" + hex.EncodeToString(b)
}
