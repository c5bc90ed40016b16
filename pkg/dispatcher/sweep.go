package dispatcher

import (
	"context"
	"time"

	"github.com/wisbric/forge/internal/obs"
	"github.com/wisbric/forge/pkg/ledger"
)

// A running job untouched for staleDeadline is failed and refunded; the
// sweep checks every sweepInterval. The deadline must exceed the video
// path's single 1800s attempt timeout, or an in-flight video job would be
// refunded out from under itself.
const (
	staleDeadline = 45 * time.Minute
	sweepInterval = 60 * time.Second
)

// RunSweep runs the no-progress deadline sweep every sweepInterval until ctx
// is cancelled. It is started as its own goroutine by internal/app alongside
// Dispatcher.Run.
func (d *Dispatcher) RunSweep(ctx context.Context) error {
	d.logger.Info("dispatcher deadline sweep started", "interval", sweepInterval, "deadline", staleDeadline)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher deadline sweep stopped")
			return nil
		case <-ticker.C:
			if err := d.sweepStale(ctx); err != nil {
				d.logger.Error("deadline sweep tick", "error", err)
			}
		}
	}
}

func (d *Dispatcher) sweepStale(ctx context.Context) error {
	before := time.Now().Add(-staleDeadline)
	stale, err := d.jobs.ListStaleRunning(ctx, before)
	if err != nil {
		return err
	}

	for _, j := range stale {
		if _, err := d.jobs.Fail(ctx, j.JobID, "no active endpoint available"); err != nil {
			d.logger.Error("failing stale job", "job_id", j.JobID, "error", err)
			continue
		}
		if _, _, err := d.ledger.Award(ctx, j.UserID, ledger.GenerationCost, ledger.Refund, &j.JobID, "refund: no-progress deadline exceeded", nil); err != nil {
			d.logger.Error("refunding stale job", "job_id", j.JobID, "error", err)
		}
		obs.JobsCompletedTotal.WithLabelValues(string(j.JobType), "failed").Inc()
		d.logger.Warn("job failed by deadline sweep", "job_id", j.JobID, "job_type", j.JobType)
	}
	return nil
}
