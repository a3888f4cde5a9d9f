// Package notify posts operational alerts to Slack.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/link-tracker/internal/metrics"
	"github.com/JakeFAU/link-tracker/internal/tracker"
)

// Config holds the Slack webhook settings.
type Config struct {
	WebhookURL  string
	Environment string
	Timeout     time.Duration
}

type slackMessage struct {
	Text string `json:"text"`
}

// Slack posts messages to an incoming webhook.
type Slack struct {
	client *resty.Client
	cfg    Config
	logger *zap.Logger
}

var _ tracker.Notifier = (*Slack)(nil)

// NewSlack returns a Slack notifier.
func NewSlack(cfg Config, logger *zap.Logger) *Slack {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	return &Slack{client: client, cfg: cfg, logger: logger}
}

// New returns a Slack notifier when a webhook is configured, otherwise Nop.
func New(cfg Config, logger *zap.Logger) tracker.Notifier {
	if cfg.WebhookURL == "" {
		return Nop{}
	}
	return NewSlack(cfg, logger)
}

// Format renders the alert line posted to Slack.
func Format(text, env string) string {
	return fmt.Sprintf(":robot_face:  %s\n Env:(%s)", text, env)
}

// Post sends message. Failures are logged and swallowed.
func (s *Slack) Post(ctx context.Context, message string) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(slackMessage{Text: Format(message, s.cfg.Environment)}).
		Post(s.cfg.WebhookURL)
	if err != nil {
		metrics.ObserveNotification("error")
		s.logger.Warn("slack post failed", zap.Error(err))
		return
	}
	if resp.IsError() {
		metrics.ObserveNotification("error")
		s.logger.Warn("slack post rejected",
			zap.Int("status", resp.StatusCode()),
			zap.String("body", resp.String()),
		)
		return
	}
	metrics.ObserveNotification("ok")
}

// Nop discards alerts.
type Nop struct{}

// Post does nothing.
func (Nop) Post(context.Context, string) {}
