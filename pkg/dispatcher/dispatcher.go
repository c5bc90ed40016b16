package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/forge/internal/obs"
	"github.com/wisbric/forge/pkg/endpoint"
	"github.com/wisbric/forge/pkg/job"
	"github.com/wisbric/forge/pkg/ledger"
	"github.com/wisbric/forge/pkg/mediastore"
)

// maxEndpointRotations bounds how many times a single dispatch attempt will
// rotate to a freshly promoted endpoint before giving up and leaving the job
// running. Only pending rows are ever claimed, so no later dispatcher pass
// picks a running job up again; it stays running until the deadline sweep
// fails and refunds it. Without this bound a pool with no working
// deployment at all would spin the dispatcher goroutine forever.
const maxEndpointRotations = 3

// Dispatcher consumes newly pending jobs, classifies and dispatches them to
// the active endpoint, rotates the endpoint registry on terminal failure,
// uploads results, and finalizes the job row.
type Dispatcher struct {
	jobs     *job.Store
	registry *endpoint.Registry
	media    *mediastore.Rotator
	ledger   *ledger.Service
	client   *InferenceClient
	rdb      *redis.Client
	channel  string
	logger   *slog.Logger

	inflight sync.WaitGroup
}

// New creates a Dispatcher.
func New(
	jobs *job.Store,
	registry *endpoint.Registry,
	media *mediastore.Rotator,
	ledgerSvc *ledger.Service,
	client *InferenceClient,
	rdb *redis.Client,
	channel string,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		jobs:     jobs,
		registry: registry,
		media:    media,
		ledger:   ledgerSvc,
		client:   client,
		rdb:      rdb,
		channel:  channel,
		logger:   logger,
	}
}

// Run scans the pending backlog, then subscribes to the jobs change-feed and
// dispatches every newly pending job as it arrives. It blocks until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "channel", d.channel)

	if err := d.scanBacklog(ctx); err != nil {
		d.logger.Error("dispatcher backlog scan", "error", err)
	}

	pubsub := d.rdb.Subscribe(ctx, d.channel)
	defer pubsub.Close()

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			d.handleChangeEvent(ctx, []byte(msg.Payload))
		}
	}
}

func (d *Dispatcher) scanBacklog(ctx context.Context) error {
	pending, err := d.jobs.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("listing pending jobs: %w", err)
	}
	d.logger.Info("dispatcher backlog scan", "pending", len(pending))
	for _, j := range pending {
		d.spawn(ctx, j.JobID)
	}
	return nil
}

// spawn starts a per-job worker goroutine tracked by the in-flight wait
// group, so a shutdown can drain running dispatches.
func (d *Dispatcher) spawn(ctx context.Context, jobID uuid.UUID) {
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.processJob(ctx, jobID)
	}()
}

// Drain waits up to grace for in-flight per-job workers (including their
// media uploads) to finish during shutdown.
func (d *Dispatcher) Drain(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher drained")
	case <-time.After(grace):
		d.logger.Warn("dispatcher drain grace period expired with workers still in flight")
	}
}

func (d *Dispatcher) handleChangeEvent(ctx context.Context, payload []byte) {
	var j job.Job
	if err := json.Unmarshal(payload, &j); err != nil {
		d.logger.Error("decoding job change event", "error", err)
		return
	}
	if j.Status != job.StatusPending {
		return
	}
	d.spawn(ctx, j.JobID)
}

// processJob claims jobID (a no-op if another pass already claimed it) and
// dispatches it to completion, rotation, or a left-running state.
func (d *Dispatcher) processJob(ctx context.Context, jobID uuid.UUID) {
	claimed, err := d.jobs.ClaimPending(ctx, jobID)
	if err != nil {
		d.logger.Error("claiming job", "job_id", jobID, "error", err)
		return
	}
	if !claimed {
		return
	}

	j, ok, err := d.jobs.Get(ctx, jobID)
	if err != nil || !ok {
		d.logger.Error("loading claimed job", "job_id", jobID, "error", err)
		return
	}

	started := time.Now()
	if err := d.dispatchOnce(ctx, j, started); err != nil {
		d.logger.Warn("job left running after dispatch attempt", "job_id", jobID, "error", err)
	}
}

// dispatchOnce runs the classify/build/POST/rotate cycle, rotating through
// up to maxEndpointRotations freshly promoted endpoints before returning an
// error that leaves the job row running.
func (d *Dispatcher) dispatchOnce(ctx context.Context, j job.Job, started time.Time) error {
	req, variant, err := BuildRequest(j)
	if err != nil {
		d.failAndRefund(ctx, j, err.Error())
		return nil
	}

	for attempt := 0; attempt <= maxEndpointRotations; attempt++ {
		deployment, ok, err := d.registry.ActiveDeployment(ctx, j.JobType)
		if err != nil {
			return fmt.Errorf("looking up active deployment: %w", err)
		}
		if !ok {
			return fmt.Errorf("no active deployment for job type %s", j.JobType)
		}

		result, dispatchErr := d.client.Dispatch(ctx, deployment.URL(j.JobType), req, variant)
		if dispatchErr == nil {
			return d.finalize(ctx, j, variant, result, started)
		}

		if !endpoint.IsFailureTerminal(dispatchErr.Error()) {
			// Transient-upstream: already retried locally by the client;
			// once those retries are exhausted, leave the job running for
			// the next dispatcher pass or the sweep.
			return fmt.Errorf("dispatching job: %w", dispatchErr)
		}

		promoted, rotateErr := d.registry.MarkInactive(ctx, j.JobType, deployment.DeploymentID, dispatchErr.Error())
		if rotateErr != nil {
			return fmt.Errorf("rotating endpoint: %w", rotateErr)
		}
		if promoted == nil {
			return fmt.Errorf("endpoint rotated with no successor available: %w", dispatchErr)
		}
		// Retry the same job against the freshly promoted endpoint.
	}

	return fmt.Errorf("exhausted %d endpoint rotations for job %s", maxEndpointRotations, j.JobID)
}

func (d *Dispatcher) finalize(ctx context.Context, j job.Job, variant Variant, result Result, started time.Time) error {
	if err := d.jobs.UpdateProgress(ctx, j.JobID, 60); err != nil {
		d.logger.Warn("posting pre-upload progress", "job_id", j.JobID, "error", err)
	}

	name := j.JobID.String()
	const folder = "forge/outputs"

	var imageURL, videoURL, thumbnailURL string
	var err error
	if variant == VideoT2V || variant == VideoI2V {
		videoURL, _, err = d.media.UploadVideo(ctx, result.Data, name, folder, name)
		thumbnailURL = videoThumbnailURL(videoURL)
	} else {
		imageURL, _, err = d.media.Upload(ctx, result.Data, name, folder)
		thumbnailURL = imageURL
	}
	if err != nil {
		return fmt.Errorf("uploading job result: %w", err)
	}

	if _, err := d.jobs.Complete(ctx, j.JobID, imageURL, videoURL, thumbnailURL); err != nil {
		return fmt.Errorf("completing job: %w", err)
	}

	obs.JobsCompletedTotal.WithLabelValues(string(j.JobType), "completed").Inc()
	obs.JobDispatchDuration.WithLabelValues(string(j.JobType)).Observe(time.Since(started).Seconds())
	return nil
}

// videoThumbnailURL derives a still-frame URL from a CDN video URL by
// swapping the container extension for jpg, which the media store serves as
// a generated frame. Returns "" when the URL has no recognisable extension.
func videoThumbnailURL(videoURL string) string {
	for _, ext := range []string{".mp4", ".webm", ".mov"} {
		if strings.HasSuffix(videoURL, ext) {
			return strings.TrimSuffix(videoURL, ext) + ".jpg"
		}
	}
	return ""
}

// failAndRefund marks j failed for a non-retriable build error (e.g. a qwen
// job missing its required input image) and refunds its generation cost.
func (d *Dispatcher) failAndRefund(ctx context.Context, j job.Job, reason string) {
	if _, err := d.jobs.Fail(ctx, j.JobID, reason); err != nil {
		d.logger.Error("failing invalid job", "job_id", j.JobID, "error", err)
		return
	}
	if _, _, err := d.ledger.Award(ctx, j.UserID, ledger.GenerationCost, ledger.Refund, &j.JobID, "refund: "+reason, nil); err != nil {
		d.logger.Error("refunding invalid job", "job_id", j.JobID, "error", err)
	}
	obs.JobsCompletedTotal.WithLabelValues(string(j.JobType), "failed").Inc()
}
