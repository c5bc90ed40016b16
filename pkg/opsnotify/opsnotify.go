// Package opsnotify posts operational Slack notifications when an endpoint
// deployment is rotated out. It is optional: with no bot token configured,
// every call is a no-op.
package opsnotify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier posts endpoint-rotation events to a Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Notifier. If botToken is empty, the notifier is a noop.
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a usable Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// EndpointRotated notifies that a deployment was marked inactive and, if one
// was found, which deployment was promoted in its place.
func (n *Notifier) EndpointRotated(ctx context.Context, jobType string, deploymentID, reason string, promotedID string) {
	if !n.IsEnabled() {
		n.logger.Debug("opsnotify disabled, skipping rotation notice",
			"job_type", jobType, "deployment_id", deploymentID, "reason", reason)
		return
	}

	text := fmt.Sprintf(":rotating_light: endpoint rotation: %s deployment `%s` marked inactive (%s)", jobType, deploymentID, reason)
	if promotedID != "" {
		text += fmt.Sprintf(" — promoted `%s`", promotedID)
	} else {
		text += " — no successor available"
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		n.logger.Error("posting endpoint rotation notice to slack", "error", err)
	}
}
