// Package notify delivers per-vehicle fine notifications. Delivery is
// best-effort: callers log failures and never retry within a run.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/avtopark/finewatch/internal/config"
)

// Message is one outbound plain-text notification.
type Message struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// Notifier delivers a message to its addresses.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Multi fans a message out to several transports. Each transport gets the
// message regardless of the others' failures.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop swallows messages. Used when no transport is configured.
type Nop struct{}

func (Nop) Send(ctx context.Context, msg Message) error { return nil }

// FromConfig assembles the configured transports. With no credentials and
// no webhook URL it returns a Nop notifier and logs once.
func FromConfig(smtpCfg config.SMTPConfig, notifyCfg config.NotifyConfig) Notifier {
	var transports Multi
	if smtpCfg.Login != "" && smtpCfg.Password != "" {
		transports = append(transports, NewSMTPMailer(smtpCfg))
	}
	if notifyCfg.WebhookURL != "" {
		transports = append(transports, NewWebhook(notifyCfg.WebhookURL))
	}
	if len(transports) == 0 {
		zap.L().Warn("notify: no transport configured, notifications disabled")
		return Nop{}
	}
	return transports
}
