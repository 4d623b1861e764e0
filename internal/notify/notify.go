// Package notify sends operator alerts.  Alerts are a side channel: a
// failed alert is logged and never changes the caller's control flow.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultSubject is used when an alert has no subject of its own.
const DefaultSubject = "GitHub Webhook & Runner Alert"

// Notifier delivers one alert.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Nop discards alerts.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, string, string) error { return nil }

// SMTPConfig holds mail relay settings.
type SMTPConfig struct {
	Server   string
	Port     int // Default: 587
	Username string
	Password string
	// From defaults to Username.
	From string
	To   []string
}

type sendFunc func(ctx context.Context, addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error

// SMTP mails alerts through a relay, upgrading to TLS when the server
// offers STARTTLS.
type SMTP struct {
	cfg  SMTPConfig
	send sendFunc
	now  func() time.Time
}

// NewSMTP returns an SMTP notifier.
func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if cfg.Server == "" {
		return nil, errors.New("smtp server is required")
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("at least one alert recipient is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTP{cfg: cfg, send: sendMail, now: time.Now}, nil
}

// Notify sends one message to every configured recipient.
func (s *SMTP) Notify(ctx context.Context, subject, body string) error {
	if subject == "" {
		subject = DefaultSubject
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Server)
	}

	addr := net.JoinHostPort(s.cfg.Server, strconv.Itoa(s.cfg.Port))
	msg := s.message(subject, body)
	if err := s.send(ctx, addr, s.cfg.Server, auth, s.cfg.From, s.cfg.To, msg); err != nil {
		return fmt.Errorf("send alert via %s: %w", addr, err)
	}
	return nil
}

func (s *SMTP) message(subject, body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

// sendMail is smtp.SendMail with a dial that honors ctx.
func sendMail(ctx context.Context, addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
			return err
		}
	}
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// Async delivers alerts in the background so callers never wait on the
// relay.  Failures are logged.
type Async struct {
	next    Notifier
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewAsync wraps next.  Each delivery gets its own timeout, detached
// from the caller's context.
func NewAsync(next Notifier, timeout time.Duration, logger *slog.Logger) *Async {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Async{next: next, timeout: timeout, logger: logger}
}

// Notify schedules delivery and returns immediately.
func (a *Async) Notify(ctx context.Context, subject, body string) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()

		if err := a.next.Notify(ctx, subject, body); err != nil {
			a.logger.Error("failed to send alert",
				slog.String("subject", subject),
				slog.String("error", err.Error()),
			)
			return
		}
		a.logger.Info("alert sent", slog.String("subject", subject))
	}()
	return nil
}

// Wait blocks until every scheduled delivery has finished.
func (a *Async) Wait() {
	a.wg.Wait()
}

var (
	_ Notifier = Nop{}
	_ Notifier = (*SMTP)(nil)
	_ Notifier = (*Async)(nil)
)
