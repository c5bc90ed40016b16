// Package endpoint is the endpoint registry: the persistent list of
// externally-hosted inference deployments, their active/inactive state,
// and atomic promote-next rotation.
package endpoint

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobType classifies a job as image or video generation, which determines
// which deployment URL column and inference request shape apply.
type JobType string

const (
	Image JobType = "image"
	Video JobType = "video"
)

// Deployment is a row of the modal_deployments table.
type Deployment struct {
	DeploymentID     uuid.UUID  `json:"deployment_id"`
	DeploymentNumber int        `json:"deployment_number"`
	ImageURL         string     `json:"image_url,omitempty"`
	VideoURL         string     `json:"video_url,omitempty"`
	IsActive         bool       `json:"is_active"`
	CreatedAt        time.Time  `json:"created_at"`
	DeactivatedAt    *time.Time `json:"deactivated_at,omitempty"`
	Reason           string     `json:"reason,omitempty"`
}

// URL returns the deployment's URL for the given job type.
func (d Deployment) URL(jt JobType) string {
	if jt == Video {
		return d.VideoURL
	}
	return d.ImageURL
}

// terminalSubstrings are case-insensitive substrings of an error message
// that mark the error as endpoint-terminal rather than transient.
var terminalSubstrings = []string{
	"rate limit",
	"quota",
	"limit reached",
	"exceeded",
}

// IsFailureTerminal reports whether errText describes a failure that should
// rotate the endpoint registry rather than be retried against the same
// deployment.
func IsFailureTerminal(errText string) bool {
	lower := strings.ToLower(errText)

	if strings.Contains(lower, "app for invoked web endpoint is stopped") {
		return true
	}
	for _, sub := range terminalSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}

	for _, code := range []string{"402", "429"} {
		if strings.Contains(lower, code) {
			return true
		}
	}
	if strings.Contains(lower, "http 5") || strings.Contains(lower, "status 5") {
		return true
	}

	if strings.Contains(lower, "no such host") || strings.Contains(lower, "dns") ||
		strings.Contains(lower, "tls") || strings.Contains(lower, "certificate") {
		return true
	}

	return false
}
