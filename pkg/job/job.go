// Package job is the primary entity of the dispatcher: the Job row, its
// store, and the HTTP surface that submits, lists, cancels, and streams
// jobs. Classification and dispatch live in pkg/dispatcher; this package
// only knows the row's shape and its lifecycle transitions.
package job

import (
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/forge/pkg/endpoint"
)

// Status is a job's lifecycle state. Transitions are monotonic: Pending ->
// Running -> {Completed, Failed, Cancelled}.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Job is a jobs table row.
type Job struct {
	JobID           uuid.UUID       `json:"job_id"`
	UserID          uuid.UUID       `json:"user_id"`
	JobType         endpoint.JobType `json:"job_type"`
	Status          Status          `json:"status"`
	Prompt          string          `json:"prompt"`
	Model           string          `json:"model"`
	AspectRatio     string          `json:"aspect_ratio"`
	NegativePrompt  string          `json:"negative_prompt,omitempty"`
	DurationSeconds *int            `json:"duration_seconds,omitempty"`
	ImageURL        string          `json:"image_url,omitempty"`
	ThumbnailURL    string          `json:"thumbnail_url,omitempty"`
	VideoURL        string          `json:"video_url,omitempty"`
	Progress        int             `json:"progress"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// InputImageURL returns metadata["input_image_url"] if present, the field
// that decides image-to-X vs text-to-X classification in pkg/dispatcher.
func (j Job) InputImageURL() string {
	if j.Metadata == nil {
		return ""
	}
	v, _ := j.Metadata["input_image_url"].(string)
	return v
}

// IsTerminal reports whether status is one of the three terminal states.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}
