package endpoint

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// urlCache is a small typed holder protected by a mutex, one entry per job
// type.
type urlCache struct {
	mu      sync.RWMutex
	entries map[JobType]cacheEntry
}

type cacheEntry struct {
	deploymentID uuid.UUID
	url          string
}

func newURLCache() *urlCache {
	return &urlCache{entries: make(map[JobType]cacheEntry)}
}

func (c *urlCache) get(jt JobType) (cacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[jt]
	return e, ok
}

func (c *urlCache) set(jt JobType, e cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[jt] = e
}

// Invalidate clears every cached URL. Idempotent.
func (c *urlCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[JobType]cacheEntry)
}

// registryStore is the narrow slice of *Store that Registry depends on,
// letting tests substitute a fake instead of a live Postgres.
type registryStore interface {
	GetActive(ctx context.Context, jobType JobType) (Deployment, bool, error)
	MarkInactive(ctx context.Context, deploymentID uuid.UUID, reason string) (bool, error)
	PromoteNext(ctx context.Context, jobType JobType) (Deployment, bool, error)
}

// Registry is the endpoint registry service: the store plus the in-process
// URL cache the HTTP layer reads through. The dispatcher bypasses the cache
// via ActiveDeployment.
type Registry struct {
	store  registryStore
	cache  *urlCache
	logger *slog.Logger

	// onRotate is invoked after every successful MarkInactive, letting
	// callers (opsnotify) react to the event without Registry depending on
	// them.
	onRotate func(jobType JobType, deploymentID uuid.UUID, reason string, promoted *Deployment)
}

// NewRegistry creates a Registry over store.
func NewRegistry(store *Store, logger *slog.Logger) *Registry {
	return &Registry{store: store, cache: newURLCache(), logger: logger}
}

// OnRotate sets the callback invoked after a successful rotation.
func (r *Registry) OnRotate(fn func(jobType JobType, deploymentID uuid.UUID, reason string, promoted *Deployment)) {
	r.onRotate = fn
}

// GetURL returns the active URL for jobType, serving from cache when
// possible and reporting whether the value was cached.
func (r *Registry) GetURL(ctx context.Context, jobType JobType) (url string, cached bool, err error) {
	if e, ok := r.cache.get(jobType); ok {
		return e.url, true, nil
	}

	d, ok, err := r.store.GetActive(ctx, jobType)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}

	url = d.URL(jobType)
	r.cache.set(jobType, cacheEntry{deploymentID: d.DeploymentID, url: url})
	return url, false, nil
}

// ActiveDeployment returns the full active deployment row for jobType,
// bypassing the URL cache. The dispatcher needs the deployment_id itself
// (to call MarkInactive), which the cache does not expose.
func (r *Registry) ActiveDeployment(ctx context.Context, jobType JobType) (Deployment, bool, error) {
	return r.store.GetActive(ctx, jobType)
}

// InvalidateCache clears the in-process URL cache.
func (r *Registry) InvalidateCache() {
	r.cache.Invalidate()
}

// MarkInactive deactivates deploymentID, invalidates the cache, and promotes
// a successor for jobType. It never returns an error for "no successor" —
// callers distinguish via the returned *Deployment being nil.
func (r *Registry) MarkInactive(ctx context.Context, jobType JobType, deploymentID uuid.UUID, reason string) (*Deployment, error) {
	flipped, err := r.store.MarkInactive(ctx, deploymentID, reason)
	if err != nil {
		return nil, err
	}
	if !flipped {
		r.logger.Debug("endpoint already inactive", "deployment_id", deploymentID)
		return nil, nil
	}

	r.cache.Invalidate()

	promoted, ok, err := r.store.PromoteNext(ctx, jobType)
	if err != nil {
		return nil, err
	}

	var promotedPtr *Deployment
	if ok {
		promotedPtr = &promoted
		r.cache.set(jobType, cacheEntry{deploymentID: promoted.DeploymentID, url: promoted.URL(jobType)})
	}

	r.logger.Info("endpoint rotated",
		"job_type", jobType, "deployment_id", deploymentID, "reason", reason,
		"promoted", ok)

	if r.onRotate != nil {
		r.onRotate(jobType, deploymentID, reason, promotedPtr)
	}

	return promotedPtr, nil
}
