// Package webhook delivers notifications by POSTing JSON to a provider
// gateway. SMS and push providers are both fronted this way, so one
// sender type serves either channel.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/avolkhin/herald/internal/domain"
	"github.com/avolkhin/herald/internal/notify"
	"github.com/avolkhin/herald/internal/queue"
)

// Body caps per channel. SMS providers bill per segment; push payloads
// have hard platform limits.
const (
	smsBodyRunes  = 160
	pushBodyRunes = 240
)

// Config holds provider gateway settings.
type Config struct {
	Channel   domain.Channel
	Endpoint  string
	AuthToken string
	Timeout   time.Duration
	// RatePerSec throttles requests to the provider's documented limit.
	RatePerSec float64
	Burst      int
}

// Sender posts notifications to a single provider endpoint, rate limited
// to stay inside the provider's quota.
type Sender struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
}

// NewSender creates a webhook sender for the configured channel.
func NewSender(config Config) (*Sender, error) {
	if config.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if !config.Channel.Valid() {
		return nil, fmt.Errorf("invalid channel %q", config.Channel)
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RatePerSec == 0 {
		config.RatePerSec = 10
	}
	if config.Burst == 0 {
		config.Burst = int(config.RatePerSec)
		if config.Burst < 1 {
			config.Burst = 1
		}
	}

	return &Sender{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSec), config.Burst),
	}, nil
}

// Type returns the channel this sender serves.
func (s *Sender) Type() domain.Channel {
	return s.config.Channel
}

type payload struct {
	To      string         `json:"to"`
	UserID  string         `json:"user_id"`
	Channel string         `json:"channel"`
	Subject string         `json:"subject,omitempty"`
	Body    string         `json:"body"`
	Data    map[string]any `json:"data,omitempty"`
}

// Send posts one notification to the provider. The gateway only confirms
// acceptance, not receipt, so a successful post reports delivered=false.
func (s *Sender) Send(ctx context.Context, target string, n *domain.Notification) (bool, error) {
	if target == "" {
		return false, queue.NewNonRetryableError(fmt.Errorf("empty %s target", s.config.Channel))
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return false, queue.NewRetryableError(fmt.Errorf("rate limit wait: %w", err))
	}

	body, err := json.Marshal(payload{
		To:      target,
		UserID:  n.UserID,
		Channel: string(n.Channel),
		Subject: n.Subject,
		Body:    s.trimBody(n.Body),
		Data:    n.Data,
	})
	if err != nil {
		return false, queue.NewNonRetryableError(fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return false, queue.NewNonRetryableError(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.AuthToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, queue.NewRetryableError(fmt.Errorf("post to provider: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		slog.Debug("webhook delivered to provider",
			"notification_id", n.ID,
			"channel", s.config.Channel,
			"status", resp.StatusCode)
		return false, nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	sendErr := fmt.Errorf("provider returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))

	// 429 and 5xx clear up on their own; other 4xx means the request
	// itself is bad and will never go through.
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return false, queue.NewRetryableError(sendErr)
	}
	return false, queue.NewNonRetryableError(sendErr)
}

// trimBody cuts the body down to what the channel can carry.
func (s *Sender) trimBody(body string) string {
	switch s.config.Channel {
	case domain.ChannelSMS:
		return notify.TruncateRunes(body, smsBodyRunes)
	case domain.ChannelPush:
		return notify.TruncateRunes(body, pushBodyRunes)
	default:
		return body
	}
}
