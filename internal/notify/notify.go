// Package notify fans security notifications out to the configured channels.
// A failing channel is logged and skipped; notification failures never change
// event or action state.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/SPRIME01/homelab-infra/internal/config"
	"github.com/SPRIME01/homelab-infra/internal/metrics"
	"github.com/SPRIME01/homelab-infra/internal/model"
)

// Channel delivers one notification to one transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, subject, body string, severity int) error
}

// Dispatcher builds notification content for the pipeline's milestones and
// fans it out to every configured channel.
type Dispatcher struct {
	channels []Channel
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewDispatcher assembles the enabled channels. The NATS connection and the
// metrics registry may be nil (one-shot CLI invocations).
func NewDispatcher(cfg *config.Config, nc *nats.Conn, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	var channels []Channel
	if cfg.Notify.Email.Enabled {
		channels = append(channels, NewEmailChannel(cfg.Notify.Email))
	}
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.WebhookURL != "" {
		channels = append(channels, NewSlackChannel(cfg.Notify.Slack))
	}
	if cfg.Notify.NATS.Enabled && nc != nil {
		channels = append(channels, NewNATSChannel(nc, cfg.Notify.NATS.Subject))
	}
	return &Dispatcher{channels: channels, metrics: m, logger: logger}
}

// EventDetected announces a newly ingested event.
func (d *Dispatcher) EventDetected(ctx context.Context, event *model.Event) {
	subject := fmt.Sprintf("[SECURITY EVENT] %s: severity %d", event.Kind, event.Severity)
	body := fmt.Sprintf(`Security event detected.

Kind:     %s
Severity: %d
Source:   %s
Time:     %s
Event ID: %s`,
		event.Kind, event.Severity, event.Source,
		event.CreatedAt.Format(time.RFC3339), event.ID)
	d.send(ctx, subject, body, event.Severity)
}

// VerificationRequested announces an action waiting for human approval.
func (d *Dispatcher) VerificationRequested(ctx context.Context, event *model.Event, action *model.ActionRecord) {
	subject := fmt.Sprintf("[ACTION REQUIRED] %s awaiting verification", action.Kind)
	body := fmt.Sprintf(`A response action requires human verification before it runs.

Action:    %s
Action ID: %s
Event:     %s from %s (severity %d)

Approve:  responder verify --action %s --approve
Reject:   responder verify --action %s --reject`,
		action.Kind, action.ID,
		event.Kind, event.Source, event.Severity,
		action.ID, action.ID)
	d.send(ctx, subject, body, event.Severity)
}

// ActionOutcome announces an action reaching a terminal state.
func (d *Dispatcher) ActionOutcome(ctx context.Context, event *model.Event, action *model.ActionRecord) {
	subject := fmt.Sprintf("[SECURITY ACTION] %s %s", action.Kind, strings.ToUpper(string(action.Status)))
	outcome := action.Result
	if action.Error != "" {
		outcome = "error: " + action.Error
	}
	if outcome == "" {
		outcome = "no result information"
	}
	body := fmt.Sprintf(`Response action finished.

Action:  %s (%s)
Status:  %s
Event:   %s from %s (severity %d)
Outcome: %s`,
		action.Kind, action.ID, action.Status,
		event.Kind, event.Source, event.Severity, outcome)
	d.send(ctx, subject, body, event.Severity)
}

func (d *Dispatcher) send(ctx context.Context, subject, body string, severity int) {
	d.logger.Info("Dispatching notification", "subject", subject, "channels", len(d.channels))
	for _, channel := range d.channels {
		if err := channel.Send(ctx, subject, body, severity); err != nil {
			d.metrics.IncNotifyErrors()
			d.logger.Error("Notification channel failed",
				"channel", channel.Name(), "subject", subject, "error", err)
		}
	}
}

// SeverityLevel maps a severity score to a notification level band.
func SeverityLevel(severity int) string {
	switch {
	case severity >= 70:
		return "critical"
	case severity >= 40:
		return "warning"
	default:
		return "info"
	}
}
