// Package email delivers notifications over SMTP with STARTTLS.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/avolkhin/herald/internal/domain"
	"github.com/avolkhin/herald/internal/queue"
)

// Config holds SMTP settings.
type Config struct {
	Enabled     bool
	Host        string
	Port        int
	User        string
	Password    string
	FromAddress string
	DialTimeout time.Duration
}

// Sender sends notification emails through a single SMTP relay.
type Sender struct {
	config Config
	auth   smtp.Auth
}

// NewSender creates an email sender. Host and FromAddress are required
// when the sender is enabled; a disabled sender skips every send, which
// keeps development setups working without a relay.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.Host == "" {
			return nil, errors.New("smtp host is required")
		}
		if config.FromAddress == "" {
			return nil, errors.New("from address is required")
		}
	}
	if config.Port == 0 {
		config.Port = 587
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}

	var auth smtp.Auth
	if config.User != "" {
		auth = smtp.PlainAuth("", config.User, config.Password, config.Host)
	}

	slog.Info("email sender initialized",
		"enabled", config.Enabled,
		"smtp_host", config.Host,
		"smtp_port", config.Port)

	return &Sender{config: config, auth: auth}, nil
}

// Type returns the channel this sender serves.
func (s *Sender) Type() domain.Channel {
	return domain.ChannelEmail
}

// Send delivers one notification to the target address. SMTP gives no
// receipt, so a successful send reports delivered=false.
func (s *Sender) Send(ctx context.Context, target string, n *domain.Notification) (bool, error) {
	if !s.config.Enabled {
		slog.Debug("email sending disabled, skipping",
			"notification_id", n.ID)
		return false, nil
	}
	if target == "" {
		return false, queue.NewNonRetryableError(errors.New("empty email address"))
	}

	msg := s.buildMessage(target, n.Subject, n.Body)
	if err := s.sendWithSTARTTLS(ctx, target, msg); err != nil {
		return false, classify(fmt.Errorf("send email: %w", err))
	}

	slog.Debug("email sent",
		"notification_id", n.ID,
		"to", target)
	return false, nil
}

// buildMessage assembles the RFC 5322 message with CRLF line endings.
func (s *Sender) buildMessage(to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", s.config.FromAddress))
	b.WriteString(fmt.Sprintf("To: %s\r\n", to))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func (s *Sender) sendWithSTARTTLS(ctx context.Context, to string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	dialer := net.Dialer{Timeout: s.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName: s.config.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(extractEmail(s.config.FromAddress)); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

// extractEmail extracts the address from formats like "Name <a@b.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return address
}

// classify wraps err with a retry hint. Network problems and SMTP 4xx
// responses are transient; everything else (bad address, auth rejection,
// 5xx) will fail the same way on the next attempt.
func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return queue.NewRetryableError(err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return queue.NewRetryableError(err)
	}

	errStr := err.Error()
	// 421 service not available, 450 mailbox unavailable, 451 local
	// error, 452 insufficient storage. 552 mailbox full also clears up.
	for _, code := range []string{"421", "450", "451", "452", "552"} {
		if strings.Contains(errStr, code) {
			return queue.NewRetryableError(err)
		}
	}
	return queue.NewNonRetryableError(err)
}
