// Package alert notifies an external sink about events operators care about:
// instance health transitions and abandoned WAL entries. The sink itself is
// an out-of-scope external collaborator; this package only owns the
// interface and a Slack webhook implementation of it.
package alert

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// Sink receives operator-facing notifications. Implementations must not
// block the caller for long; Notify is called from request-serving and
// background-worker goroutines.
type Sink interface {
	Notify(ctx context.Context, event Event)
}

// Severity classifies an Event for routing and formatting.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is a single notification.
type Event struct {
	Severity Severity
	Title    string
	Detail   string
}

// NoopSink discards every event. Used when SLACK_WEBHOOK_URL is unset.
type NoopSink struct{}

func (NoopSink) Notify(context.Context, Event) {}

// SlackSink posts events to a Slack incoming webhook.
type SlackSink struct {
	webhookURL string
}

// NewSlackSink returns a Sink that posts to the given incoming webhook URL.
func NewSlackSink(webhookURL string) *SlackSink {
	return &SlackSink{webhookURL: webhookURL}
}

func (s *SlackSink) Notify(ctx context.Context, event Event) {
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("[%s] %s", event.Severity, event.Title),
		Attachments: []slack.Attachment{
			{
				Color: colorFor(event.Severity),
				Text:  event.Detail,
			},
		},
	}

	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		slog.Warn("alert: slack webhook post failed", "error", err, "title", event.Title)
	}
}

func colorFor(sev Severity) string {
	switch sev {
	case SeverityError:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}
