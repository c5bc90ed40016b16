package rowstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
)

// Poller is the realtime-subscribe half of the row store facade: a
// ticker-driven scan for rows whose updated_at has advanced past a
// watermark, publishing each change to a Redis channel. It generalizes a
// single hardcoded channel and fixed query into one channel per table and a
// caller-supplied scan function, so it can watch any table with an
// updated_at column.
type Poller[T any] struct {
	db           DB
	rdb          *redis.Client
	channel      string
	selectSQL    string
	interval     time.Duration
	logger       *slog.Logger
	scanRow      func(pgx.Rows) (T, error)
	getUpdatedAt func(T) time.Time
}

// NewPoller creates a Poller. selectSQL must accept a single timestamptz
// argument ($1, the last-seen watermark) and return rows ordered by
// updated_at ascending.
func NewPoller[T any](
	db DB,
	rdb *redis.Client,
	channel, selectSQL string,
	interval time.Duration,
	logger *slog.Logger,
	scanRow func(pgx.Rows) (T, error),
	getUpdatedAt func(T) time.Time,
) *Poller[T] {
	return &Poller[T]{
		db:           db,
		rdb:          rdb,
		channel:      channel,
		selectSQL:    selectSQL,
		interval:     interval,
		logger:       logger,
		scanRow:      scanRow,
		getUpdatedAt: getUpdatedAt,
	}
}

// Run polls for changed rows and republishes each as a JSON message on the
// configured Redis channel. It blocks until ctx is cancelled.
func (p *Poller[T]) Run(ctx context.Context) error {
	p.logger.Info("row store poller started", "channel", p.channel, "interval", p.interval)

	// Start from now: rows that changed before startup are the backlog
	// scan's job, not the feed's — an epoch watermark would republish the
	// whole table on every restart.
	last := time.Now().UTC()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("row store poller stopped", "channel", p.channel)
			return nil
		case <-ticker.C:
			next, err := p.tick(ctx, last)
			if err != nil {
				p.logger.Error("row store poller tick", "channel", p.channel, "error", err)
				continue
			}
			if next.After(last) {
				last = next
			}
		}
	}
}

func (p *Poller[T]) tick(ctx context.Context, since time.Time) (time.Time, error) {
	rows, err := p.db.Query(ctx, p.selectSQL, since)
	if err != nil {
		return since, fmt.Errorf("querying changed rows: %w", err)
	}
	defer rows.Close()

	watermark := since
	for rows.Next() {
		row, err := p.scanRow(rows)
		if err != nil {
			return watermark, fmt.Errorf("scanning changed row: %w", err)
		}

		payload, err := json.Marshal(row)
		if err != nil {
			p.logger.Error("marshalling change event", "error", err)
			continue
		}

		if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
			p.logger.Error("publishing change event", "channel", p.channel, "error", err)
		}

		if u := p.getUpdatedAt(row); u.After(watermark) {
			watermark = u
		}
	}
	if err := rows.Err(); err != nil {
		return watermark, fmt.Errorf("iterating changed rows: %w", err)
	}

	return watermark, nil
}
