package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/shopwatch/horosafe"
)

// ChatWorkConfig configures the ChatWork sink.
type ChatWorkConfig struct {
	Token string
	// BaseURL defaults to https://api.chatwork.com.
	BaseURL string
	// Timeout is the per-request HTTP timeout. Default: 10s.
	Timeout time.Duration
	// MaxRetries bounds retries on 429 and timeouts. Default: 3.
	MaxRetries int
	// RetryDelay is the base retry delay. Default: 1s.
	RetryDelay time.Duration
	// RateEvery and RateBurst shape outgoing requests. ChatWork allows
	// 300 requests per 5 minutes. Default: one per second, burst 10.
	RateEvery time.Duration
	RateBurst int
}

func (c *ChatWorkConfig) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.chatwork.com"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.RateEvery <= 0 {
		c.RateEvery = 5 * time.Minute / 300
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
}

// ChatWork posts messages to ChatWork rooms.
type ChatWork struct {
	cfg     ChatWorkConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewChatWork returns a ChatWork sink with its own HTTP client.
func NewChatWork(cfg ChatWorkConfig, logger *slog.Logger) *ChatWork {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatWork{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(cfg.RateEvery), cfg.RateBurst),
		logger:  logger,
	}
}

// Client exposes the HTTP client so tests can intercept it.
func (c *ChatWork) Client() *http.Client { return c.client }

// Name implements Sink.
func (c *ChatWork) Name() string { return "chatwork" }

// Send posts text to room. A 429 or a client timeout is retried up to
// MaxRetries times; any other non-200 status fails at once.
func (c *ChatWork) Send(ctx context.Context, text, room string) error {
	if invalidRoom(room) {
		return &ErrSendFailed{Sink: c.Name(), Destination: room, Cause: errors.New("empty room id")}
	}
	endpoint := fmt.Sprintf("%s/v2/rooms/%s/messages", c.cfg.BaseURL, url.PathEscape(strings.TrimSpace(room)))
	form := url.Values{"body": {text}}.Encode()

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return &ErrSendFailed{Sink: c.Name(), Destination: room, Cause: err}
		}
		err := c.post(ctx, endpoint, form)
		if err == nil {
			c.logger.Info("chatwork: sent", "room", room)
			return nil
		}

		delay, retry := c.retryable(err, attempt)
		if !retry || attempt >= c.cfg.MaxRetries {
			c.logger.Error("chatwork: send failed", "room", room, "attempts", attempt+1, "error", err)
			return &ErrSendFailed{Sink: c.Name(), Destination: room, Cause: err}
		}
		c.logger.Warn("chatwork: retrying", "room", room, "attempt", attempt+1, "wait", delay, "error", err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return &ErrSendFailed{Sink: c.Name(), Destination: room, Cause: ctx.Err()}
		case <-t.C:
		}
	}
}

func (c *ChatWork) post(ctx context.Context, endpoint, form string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form))
	if err != nil {
		return err
	}
	req.Header.Set("X-ChatWorkToken", c.cfg.Token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := horosafe.LimitedReadAll(resp.Body, horosafe.MaxErrorBody)
	if resp.StatusCode != http.StatusOK {
		return &ErrStatus{Code: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// retryable returns the wait before the next attempt: base*(attempt+1)
// after a 429, base after a timeout.
func (c *ChatWork) retryable(err error, attempt int) (time.Duration, bool) {
	var st *ErrStatus
	if errors.As(err, &st) && st.Code == http.StatusTooManyRequests {
		return c.cfg.RetryDelay * time.Duration(attempt+1), true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return c.cfg.RetryDelay, true
	}
	return 0, false
}
