package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/forge/pkg/endpoint"
	"github.com/wisbric/forge/pkg/rowstore"
)

const jobColumns = `job_id, user_id, job_type, status, prompt, model, aspect_ratio,
	negative_prompt, duration_seconds, image_url, thumbnail_url, video_url,
	progress, error_message, metadata, created_at, updated_at`

// Store provides database operations for the jobs table.
type Store struct {
	db rowstore.DB
}

// NewStore creates a Store backed by db.
func NewStore(db rowstore.DB) *Store {
	return &Store{db: db}
}

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	var negPrompt, imageURL, thumbURL, videoURL, errMsg *string
	var metaJSON []byte
	err := row.Scan(
		&j.JobID, &j.UserID, &j.JobType, &j.Status, &j.Prompt, &j.Model, &j.AspectRatio,
		&negPrompt, &j.DurationSeconds, &imageURL, &thumbURL, &videoURL,
		&j.Progress, &errMsg, &metaJSON, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return Job{}, err
	}
	if negPrompt != nil {
		j.NegativePrompt = *negPrompt
	}
	if imageURL != nil {
		j.ImageURL = *imageURL
	}
	if thumbURL != nil {
		j.ThumbnailURL = *thumbURL
	}
	if videoURL != nil {
		j.VideoURL = *videoURL
	}
	if errMsg != nil {
		j.ErrorMessage = *errMsg
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &j.Metadata); err != nil {
			return Job{}, fmt.Errorf("unmarshalling job metadata: %w", err)
		}
	}
	return j, nil
}

// ChangeFeedQuery selects jobs whose updated_at has advanced past the
// poller's watermark, for wiring a rowstore.Poller[Job].
const ChangeFeedQuery = `SELECT ` + jobColumns + ` FROM jobs WHERE updated_at > $1 ORDER BY updated_at ASC`

// ScanRow adapts scanJob to rowstore.Poller's scanRow signature.
func ScanRow(rows pgx.Rows) (Job, error) {
	return scanJob(rows)
}

// Insert creates a new pending job row.
func (s *Store) Insert(ctx context.Context, j Job) (Job, error) {
	var metaJSON []byte
	if j.Metadata != nil {
		var err error
		metaJSON, err = json.Marshal(j.Metadata)
		if err != nil {
			return Job{}, fmt.Errorf("marshalling job metadata: %w", err)
		}
	}

	row := s.db.QueryRow(ctx, fmt.Sprintf(`INSERT INTO jobs
		(user_id, job_type, status, prompt, model, aspect_ratio, negative_prompt,
		 duration_seconds, metadata, progress, created_at, updated_at)
		VALUES ($1, $2, 'pending', $3, $4, $5, $6, $7, $8, 0, now(), now())
		RETURNING %s`, jobColumns),
		j.UserID, j.JobType, j.Prompt, j.Model, j.AspectRatio, nullableString(j.NegativePrompt),
		j.DurationSeconds, metaJSON)

	return scanJob(row)
}

// Get returns a job by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Job, bool, error) {
	row := s.db.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM jobs WHERE job_id = $1`, jobColumns), id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("getting job: %w", err)
	}
	return j, true, nil
}

// GetForUser returns a job by id, scoped to the owning user.
func (s *Store) GetForUser(ctx context.Context, id, userID uuid.UUID) (Job, bool, error) {
	row := s.db.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM jobs WHERE job_id = $1 AND user_id = $2`, jobColumns), id, userID)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("getting job: %w", err)
	}
	return j, true, nil
}

// List returns a user's jobs, optionally filtered by status, newest first.
func (s *Store) List(ctx context.Context, userID uuid.UUID, status Status, limit int) ([]Job, error) {
	var rows pgx.Rows
	var err error
	if status != "" {
		rows, err = s.db.Query(ctx, fmt.Sprintf(`SELECT %s FROM jobs WHERE user_id = $1 AND status = $2
			ORDER BY created_at DESC LIMIT $3`, jobColumns), userID, status, limit)
	} else {
		rows, err = s.db.Query(ctx, fmt.Sprintf(`SELECT %s FROM jobs WHERE user_id = $1
			ORDER BY created_at DESC LIMIT $2`, jobColumns), userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Stats returns the user's job counts grouped by status.
func (s *Store) Stats(ctx context.Context, userID uuid.UUID) (map[Status]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, count(*) FROM jobs WHERE user_id = $1 GROUP BY status`, userID)
	if err != nil {
		return nil, fmt.Errorf("computing job stats: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var st Status
		var count int
		if err := rows.Scan(&st, &count); err != nil {
			return nil, fmt.Errorf("scanning job stats row: %w", err)
		}
		out[st] = count
	}
	return out, rows.Err()
}

// LatestInProgress returns the user's most recently created pending-or-running
// job of jobType, for resume-on-reload.
func (s *Store) LatestInProgress(ctx context.Context, userID uuid.UUID, jobType endpoint.JobType) (Job, bool, error) {
	row := s.db.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM jobs
		WHERE user_id = $1 AND job_type = $2 AND status IN ('pending', 'running')
		ORDER BY created_at DESC LIMIT 1`, jobColumns), userID, jobType)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("getting in-progress job: %w", err)
	}
	return j, true, nil
}

// CancelPending flips a job to cancelled, guarded by it currently being
// pending — a running job is not interruptible.
func (s *Store) CancelPending(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	tag, err := s.db.Exec(ctx, `UPDATE jobs SET status = 'cancelled', updated_at = now()
		WHERE job_id = $1 AND user_id = $2 AND status = 'pending'`, id, userID)
	if err != nil {
		return false, fmt.Errorf("cancelling job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListPending returns every pending job ordered by created_at ascending,
// for the dispatcher's startup backlog scan.
func (s *Store) ListPending(ctx context.Context) ([]Job, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`SELECT %s FROM jobs WHERE status = 'pending'
		ORDER BY created_at ASC`, jobColumns))
	if err != nil {
		return nil, fmt.Errorf("listing pending jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pending job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimPending conditionally flips a job from pending to running, guarded by
// its current status being pending. This is the single-row conditional
// update that guarantees exactly one worker ever processes a given job.
func (s *Store) ClaimPending(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.db.Exec(ctx, `UPDATE jobs SET status = 'running', progress = 10, updated_at = now()
		WHERE job_id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateProgress posts an intermediate progress value for a running job.
func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	_, err := s.db.Exec(ctx, `UPDATE jobs SET progress = $2, updated_at = now() WHERE job_id = $1`, id, progress)
	if err != nil {
		return fmt.Errorf("updating job progress: %w", err)
	}
	return nil
}

// Complete transitions a job to completed with its output URLs.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, imageURL, videoURL, thumbnailURL string) (Job, error) {
	row := s.db.QueryRow(ctx, fmt.Sprintf(`UPDATE jobs SET status = 'completed', progress = 100,
		image_url = $2, video_url = $3, thumbnail_url = $4, updated_at = now()
		WHERE job_id = $1 RETURNING %s`, jobColumns), id, nullableString(imageURL), nullableString(videoURL), nullableString(thumbnailURL))
	return scanJob(row)
}

// Fail transitions a job to failed with an error message. The dispatcher's
// transport-failure path never calls this directly — it is reserved for the
// deadline sweep and any explicit complete-with-failure path.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, errMsg string) (Job, error) {
	row := s.db.QueryRow(ctx, fmt.Sprintf(`UPDATE jobs SET status = 'failed', error_message = $2, updated_at = now()
		WHERE job_id = $1 RETURNING %s`, jobColumns), id, errMsg)
	return scanJob(row)
}

// ListStaleRunning returns running jobs whose updated_at is older than
// before, for the no-progress deadline sweep.
func (s *Store) ListStaleRunning(ctx context.Context, before time.Time) ([]Job, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`SELECT %s FROM jobs
		WHERE status = 'running' AND updated_at < $1`, jobColumns), before)
	if err != nil {
		return nil, fmt.Errorf("listing stale running jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning stale running job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
