package adsession

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/wisbric/forge/pkg/rowstore"
)

const sessionColumns = `session_id, user_id, click_id, zone_id, ad_type, status, verified, revenue, created_at, completed_at, ip, user_agent, postback_timestamp`

// Store provides database operations for ad sessions and completions.
type Store struct {
	db rowstore.DB
}

// NewStore creates a Store backed by db.
func NewStore(db rowstore.DB) *Store {
	return &Store{db: db}
}

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(&s.SessionID, &s.UserID, &s.ClickID, &s.ZoneID, &s.AdType, &s.Status, &s.Verified,
		&s.Revenue, &s.CreatedAt, &s.CompletedAt, &s.IP, &s.UserAgent, &s.PostbackTimestamp)
	return s, err
}

// Insert creates a new pending session with a freshly generated click_id.
func (s *Store) Insert(ctx context.Context, userID uuid.UUID, zoneID, adType, ip, userAgent string) (Session, error) {
	row := s.db.QueryRow(ctx, `INSERT INTO ad_sessions (user_id, click_id, zone_id, ad_type, status, verified, created_at, ip, user_agent)
		VALUES ($1, $2, $3, $4, 'pending', false, now(), $5, $6)
		RETURNING `+sessionColumns, userID, newClickID(), zoneID, adType, ip, userAgent)
	sess, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("inserting ad session: %w", err)
	}
	return sess, nil
}

// GetByID returns a session by its primary key.
func (s *Store) GetByID(ctx context.Context, sessionID uuid.UUID) (Session, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM ad_sessions WHERE session_id = $1`, sessionID)
	sess, err := scanSession(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("reading ad session: %w", err)
	}
	return sess, nil
}

// GetByClickID returns the session matching an inbound postback's click_id.
func (s *Store) GetByClickID(ctx context.Context, clickID string) (Session, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM ad_sessions WHERE click_id = $1`, clickID)
	sess, err := scanSession(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("reading ad session by click_id: %w", err)
	}
	return sess, nil
}

// ApplyPostback flips verified=true (or status=failed) on the session
// matching click_id, idempotently: a session already verified is left
// untouched and simply re-read, since the postback receiver must tolerate
// the ad network retrying the same notification.
func (s *Store) ApplyPostback(ctx context.Context, clickID string, revenue decimal.Decimal, verified bool) (Session, error) {
	var row pgx.Row
	if verified {
		row = s.db.QueryRow(ctx, `UPDATE ad_sessions
			SET verified = true, revenue = $1, postback_timestamp = now()
			WHERE click_id = $2 AND verified = false
			RETURNING `+sessionColumns, revenue, clickID)
	} else {
		row = s.db.QueryRow(ctx, `UPDATE ad_sessions
			SET status = 'failed', revenue = $1, postback_timestamp = now()
			WHERE click_id = $2 AND status = 'pending'
			RETURNING `+sessionColumns, revenue, clickID)
	}

	sess, err := scanSession(row)
	if err == pgx.ErrNoRows {
		// Already applied by a prior delivery of the same postback; return
		// the session as it stands now.
		return s.GetByClickID(ctx, clickID)
	}
	if err != nil {
		return Session{}, fmt.Errorf("applying postback: %w", err)
	}
	return sess, nil
}

// MarkCompleted sets status=completed and completed_at on a verified
// session. Conditional on status='pending' so a concurrent claim cannot
// double-complete the row.
func (s *Store) MarkCompleted(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	tag, err := s.db.Exec(ctx, `UPDATE ad_sessions
		SET status = 'completed', completed_at = now()
		WHERE session_id = $1 AND status = 'pending' AND verified = true`, sessionID)
	if err != nil {
		return false, fmt.Errorf("marking ad session completed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertCompletion records the claim's idempotency row. A unique constraint
// on (session_id) makes a retried claim after a partial failure a no-op:
// ON CONFLICT DO NOTHING returns zero rows and the caller knows a prior
// attempt already ran the award step.
func (s *Store) InsertCompletion(ctx context.Context, sessionID, userID uuid.UUID, clickID string) (inserted bool, completionID uuid.UUID, err error) {
	row := s.db.QueryRow(ctx, `INSERT INTO ad_completions (session_id, user_id, click_id, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (session_id) DO NOTHING
		RETURNING id`, sessionID, userID, clickID)

	if err := row.Scan(&completionID); err != nil {
		if err == pgx.ErrNoRows {
			return false, uuid.Nil, nil
		}
		return false, uuid.Nil, fmt.Errorf("inserting ad completion: %w", err)
	}
	return true, completionID, nil
}

// CountSessionsToday returns how many sessions userID has started since UTC
// midnight, for the daily-limit check.
func (s *Store) CountSessionsToday(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var count int
	row := s.db.QueryRow(ctx, `SELECT count(*) FROM ad_sessions WHERE user_id = $1 AND created_at >= $2`, userID, since)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("counting today's ad sessions: %w", err)
	}
	return count, nil
}
