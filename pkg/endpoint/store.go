package endpoint

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/forge/pkg/rowstore"
)

const deploymentColumns = `deployment_id, deployment_number, image_url, video_url, is_active, created_at, deactivated_at, reason`

// Store provides database operations for the endpoint registry.
type Store struct {
	db rowstore.DB
}

// NewStore creates a Store backed by db (a pool or a transaction).
func NewStore(db rowstore.DB) *Store {
	return &Store{db: db}
}

func scanDeployment(row pgx.Row) (Deployment, error) {
	var d Deployment
	var reason *string
	err := row.Scan(
		&d.DeploymentID, &d.DeploymentNumber, &d.ImageURL, &d.VideoURL,
		&d.IsActive, &d.CreatedAt, &d.DeactivatedAt, &reason,
	)
	if reason != nil {
		d.Reason = *reason
	}
	return d, err
}

// GetActive returns the active deployment for jobType, or (Deployment{}, false)
// if none. Ties (should the is_active invariant ever be violated) break
// toward the highest deployment_number.
func (s *Store) GetActive(ctx context.Context, jobType JobType) (Deployment, bool, error) {
	urlCol := "image_url"
	if jobType == Video {
		urlCol = "video_url"
	}

	query := fmt.Sprintf(`SELECT %s FROM modal_deployments
		WHERE is_active = true AND %s IS NOT NULL AND %s <> ''
		ORDER BY deployment_number DESC LIMIT 1`, deploymentColumns, urlCol, urlCol)

	row := s.db.QueryRow(ctx, query)
	d, err := scanDeployment(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Deployment{}, false, nil
		}
		return Deployment{}, false, fmt.Errorf("getting active deployment: %w", err)
	}
	return d, true, nil
}

// MarkInactive conditionally flips is_active to false, guarded by the
// current state being true. Returns false if another caller already flipped
// it (RowsAffected()==0), matching apikey.Store.Delete's already-gone check.
func (s *Store) MarkInactive(ctx context.Context, deploymentID uuid.UUID, reason string) (bool, error) {
	tag, err := s.db.Exec(ctx, `UPDATE modal_deployments
		SET is_active = false, deactivated_at = now(), reason = $2
		WHERE deployment_id = $1 AND is_active = true`, deploymentID, reason)
	if err != nil {
		return false, fmt.Errorf("marking deployment inactive: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PromoteNext selects the next inactive deployment with a non-empty URL for
// jobType, ordered by deployment_number ascending, and flips it active.
func (s *Store) PromoteNext(ctx context.Context, jobType JobType) (Deployment, bool, error) {
	urlCol := "image_url"
	if jobType == Video {
		urlCol = "video_url"
	}

	query := fmt.Sprintf(`UPDATE modal_deployments SET is_active = true
		WHERE deployment_id = (
			SELECT deployment_id FROM modal_deployments
			WHERE is_active = false AND %s IS NOT NULL AND %s <> ''
			ORDER BY deployment_number ASC LIMIT 1
		)
		RETURNING %s`, urlCol, urlCol, deploymentColumns)

	row := s.db.QueryRow(ctx, query)
	d, err := scanDeployment(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Deployment{}, false, nil
		}
		return Deployment{}, false, fmt.Errorf("promoting next deployment: %w", err)
	}
	return d, true, nil
}
