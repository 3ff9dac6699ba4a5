package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/SPRIME01/homelab-infra/internal/config"
)

const channelTimeout = 10 * time.Second

// EmailChannel delivers notifications over SMTP.
type EmailChannel struct {
	cfg config.EmailConfig
}

// NewEmailChannel creates the SMTP channel.
func NewEmailChannel(cfg config.EmailConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg}
}

// Name identifies the channel in logs.
func (c *EmailChannel) Name() string { return "email" }

// Send delivers the notification to every configured recipient with a
// bounded connection deadline.
func (c *EmailChannel) Send(ctx context.Context, subject, body string, severity int) error {
	if len(c.cfg.Recipients) == 0 {
		return nil
	}

	conn, err := net.DialTimeout("tcp", c.cfg.SMTPAddr, channelTimeout)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(channelTimeout))

	host, _, err := net.SplitHostPort(c.cfg.SMTPAddr)
	if err != nil {
		host = c.cfg.SMTPAddr
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	defer client.Close()

	if err := client.Mail(c.cfg.Sender); err != nil {
		return fmt.Errorf("smtp mail: %w", err)
	}
	for _, recipient := range c.cfg.Recipients {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", recipient, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	message := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		c.cfg.Sender, strings.Join(c.cfg.Recipients, ", "), subject, body)
	if _, err := w.Write([]byte(message)); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close: %w", err)
	}
	return client.Quit()
}

// SlackChannel posts notifications to a Slack-compatible webhook.
type SlackChannel struct {
	cfg    config.SlackConfig
	client *http.Client
}

// NewSlackChannel creates the webhook channel.
func NewSlackChannel(cfg config.SlackConfig) *SlackChannel {
	return &SlackChannel{
		cfg:    cfg,
		client: &http.Client{Timeout: channelTimeout},
	}
}

// Name identifies the channel in logs.
func (c *SlackChannel) Name() string { return "slack" }

// Send posts an attachment colored by severity band.
func (c *SlackChannel) Send(ctx context.Context, subject, body string, severity int) error {
	color := "#36a64f"
	switch SeverityLevel(severity) {
	case "critical":
		color = "#ff0000"
	case "warning":
		color = "#ff9400"
	}

	payload := map[string]any{
		"attachments": []map[string]any{{
			"color":  color,
			"title":  subject,
			"text":   body,
			"footer": "Homelab Security Response",
			"ts":     time.Now().Unix(),
		}},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %s", resp.Status)
	}
	return nil
}

// NATSChannel publishes notifications to a NATS subject for downstream
// consumers (dashboards, paging bridges).
type NATSChannel struct {
	nc      *nats.Conn
	subject string
}

// NewNATSChannel creates the NATS channel.
func NewNATSChannel(nc *nats.Conn, subject string) *NATSChannel {
	return &NATSChannel{nc: nc, subject: subject}
}

// Name identifies the channel in logs.
func (c *NATSChannel) Name() string { return "nats" }

// Send publishes the notification as a JSON message.
func (c *NATSChannel) Send(ctx context.Context, subject, body string, severity int) error {
	msg := map[string]any{
		"subject":  subject,
		"body":     body,
		"severity": severity,
		"level":    SeverityLevel(severity),
		"ts":       time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := c.nc.Publish(c.subject, data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
