package notify

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/avtopark/finewatch/internal/config"
)

// SMTPMailer sends plain-text mail over SMTP with STARTTLS.
type SMTPMailer struct {
	cfg config.SMTPConfig
	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates a mailer from the given credentials.
func NewSMTPMailer(cfg config.SMTPConfig) *SMTPMailer {
	if cfg.From == "" {
		cfg.From = cfg.Login
	}
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail}
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return eris.New("smtp: message has no recipients")
	}
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "smtp: send")
	}

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	auth := smtp.PlainAuth("", m.cfg.Login, m.cfg.Password, m.cfg.Host)

	if err := m.send(addr, auth, m.cfg.From, msg.To, m.encode(msg)); err != nil {
		return eris.Wrapf(err, "smtp: send to %s", strings.Join(msg.To, ", "))
	}
	return nil
}

// encode renders an RFC 5322 message with a Q-encoded subject so Cyrillic
// plates survive transport.
func (m *SMTPMailer) encode(msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return []byte(b.String())
}
