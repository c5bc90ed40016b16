// Package mediastore is the media store rotator: a pool of upload accounts,
// per-account usage probing, and rotation under quota exhaustion.
package mediastore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/wisbric/forge/internal/obs"
)

// Usage describes one account's current quota consumption.
type Usage struct {
	BandwidthUsed      int64
	BandwidthLimit     int64
	StorageUsed        int64
	StorageLimit       int64
	BandwidthUnlimited bool
	StorageUnlimited   bool
}

// overBandwidth is the bandwidth threshold (20 GiB) past which an account is
// considered exhausted.
const overBandwidth = 20 * 1 << 30

// Over reports whether the account has crossed either threshold: bandwidth
// used >= 20 GiB, or storage used >= 95% of the storage limit. Each check is
// suppressed independently by its unlimited flag.
func (u Usage) Over() bool {
	if !u.BandwidthUnlimited && u.BandwidthUsed >= overBandwidth {
		return true
	}
	if !u.StorageUnlimited && u.StorageLimit > 0 {
		if float64(u.StorageUsed) >= 0.95*float64(u.StorageLimit) {
			return true
		}
	}
	return false
}

// Uploader is the narrow collaborator each account's underlying CDN SDK
// must satisfy. Tests substitute a fake instead of a real CDN.
type Uploader interface {
	Upload(ctx context.Context, r io.Reader, name, folder string) (url string, err error)
	UploadVideo(ctx context.Context, r io.Reader, name, folder, publicID string) (url string, err error)
	Usage(ctx context.Context) (Usage, error)
}

// Account is one configured media-store account.
type Account struct {
	Name     string
	Uploader Uploader
	breaker  *gobreaker.CircuitBreaker
}

// rotationFailureSubstrings mark an upload error as quota-related rather
// than a plain transport failure.
var rotationFailureSubstrings = []string{
	"quota", "limit", "exceeded", "storage", "bandwidth",
}

// IsRotatable reports whether errText is quota-shaped. The rotator moves to
// the next account and retries after every failed upload either way; this
// classification only selects the rotation metric's cause label.
func IsRotatable(errText string) bool {
	lower := strings.ToLower(errText)
	for _, sub := range rotationFailureSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// Rotator cycles across a pool of media accounts, probing usage and
// retrying failed uploads on the next account.
type Rotator struct {
	mu       sync.Mutex
	accounts []*Account
	current  int
	logger   *slog.Logger
}

// NewRotator creates a Rotator over accounts. Each account gets its own
// gobreaker.CircuitBreaker so a string of failures skips that account
// without a network round trip; this is supplementary to, not a
// replacement for, the usage-based rotation below.
func NewRotator(accounts []*Account, logger *slog.Logger) *Rotator {
	for _, a := range accounts {
		if a.breaker == nil {
			a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        "mediastore:" + a.Name,
				MaxRequests: 1,
				Interval:    time.Minute,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 3
				},
			})
		}
	}
	return &Rotator{accounts: accounts, logger: logger}
}

// SelectBest probes the current account's usage; if it is over threshold,
// iterates the pool modulo size looking for the first under-threshold
// account that isn't breaker-open. Falls back to the current account if the
// whole pool is exhausted.
func (r *Rotator) SelectBest(ctx context.Context) *Account {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.accounts[r.current]
	usage, err := r.probe(ctx, cur)
	if err == nil && !usage.Over() {
		return cur
	}

	n := len(r.accounts)
	for i := 1; i <= n; i++ {
		idx := (r.current + i) % n
		a := r.accounts[idx]
		if a.breaker.State() == gobreaker.StateOpen {
			continue
		}
		usage, err := r.probe(ctx, a)
		if err != nil {
			continue
		}
		if !usage.Over() {
			r.current = idx
			return a
		}
	}

	r.logger.Warn("media store rotator pool exhausted, falling back to current account", "account", cur.Name)
	return cur
}

func (r *Rotator) probe(ctx context.Context, a *Account) (Usage, error) {
	v, err := a.breaker.Execute(func() (any, error) {
		return a.Uploader.Usage(ctx)
	})
	if err != nil {
		return Usage{}, err
	}
	return v.(Usage), nil
}

// Upload uploads r under name in folder, rotating accounts on quota or
// transport failures. Maximum retries equal the pool size.
func (r *Rotator) Upload(ctx context.Context, data []byte, name, folder string) (url, accountName string, err error) {
	n := r.poolSize()
	for attempt := 0; attempt < n; attempt++ {
		a := r.SelectBest(ctx)
		url, err = r.tryUpload(ctx, a, data, name, folder)
		if err == nil {
			return url, a.Name, nil
		}
		r.rotate(err)
	}
	return "", "", fmt.Errorf("upload failed after %d attempts: %w", n, err)
}

// UploadVideo is Upload's video counterpart: resource_type=video and a
// deterministic public_id when jobID is non-empty.
func (r *Rotator) UploadVideo(ctx context.Context, data []byte, name, folder, jobID string) (url, accountName string, err error) {
	publicID := ""
	if jobID != "" {
		publicID = "job-" + jobID
	}

	n := r.poolSize()
	for attempt := 0; attempt < n; attempt++ {
		a := r.SelectBest(ctx)
		v, uErr := a.breaker.Execute(func() (any, error) {
			return a.Uploader.UploadVideo(ctx, bytes.NewReader(data), name, folder, publicID)
		})
		if uErr == nil {
			return v.(string), a.Name, nil
		}
		err = uErr
		r.rotate(uErr)
	}
	return "", "", fmt.Errorf("video upload failed after %d attempts: %w", n, err)
}

func (r *Rotator) tryUpload(ctx context.Context, a *Account, data []byte, name, folder string) (string, error) {
	v, err := a.breaker.Execute(func() (any, error) {
		return a.Uploader.Upload(ctx, bytes.NewReader(data), name, folder)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Rotator) poolSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accounts)
}

// rotate advances the current index after a failed upload, recording
// whether the failure was quota-shaped or plain transport.
func (r *Rotator) rotate(cause error) {
	label := "transport"
	if IsRotatable(cause.Error()) {
		label = "quota"
	}
	obs.MediaUploadRotationsTotal.WithLabelValues(label).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = (r.current + 1) % len(r.accounts)
}
