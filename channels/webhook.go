package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/shopwatch/horosafe"
)

// WebhookConfig configures the outbound webhook sink.
type WebhookConfig struct {
	// Secret, when set, signs each body: X-Signature-256 carries
	// "sha256=" + hex HMAC-SHA256 of the body.
	Secret string
	// AllowPrivate permits loopback and private targets. Off by default
	// so a bad shop row cannot make the coordinator probe its own network.
	AllowPrivate bool
	Timeout      time.Duration
}

// WebhookPayload is the JSON body POSTed to the destination URL.
type WebhookPayload struct {
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// Webhook POSTs messages as JSON to the destination URL.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewWebhook returns a webhook sink.
func NewWebhook(cfg WebhookConfig, logger *slog.Logger) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, logger: logger, now: time.Now}
}

// Name implements Sink.
func (w *Webhook) Name() string { return "webhook" }

// Send POSTs text to the URL in destination.
func (w *Webhook) Send(ctx context.Context, text, destination string) error {
	fail := func(err error) error {
		return &ErrSendFailed{Sink: w.Name(), Destination: destination, Cause: err}
	}
	if !w.cfg.AllowPrivate {
		if err := horosafe.ValidateURL(destination); err != nil {
			return fail(err)
		}
	}

	body, err := json.Marshal(WebhookPayload{Text: text, SentAt: w.now()})
	if err != nil {
		return fail(fmt.Errorf("marshal: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Secret != "" {
		req.Header.Set("X-Signature-256", "sha256="+Sign([]byte(w.cfg.Secret), body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := horosafe.LimitedReadAll(resp.Body, horosafe.MaxErrorBody)
		return fail(&ErrStatus{Code: resp.StatusCode, Body: string(msg)})
	}
	w.logger.Info("webhook: sent", "url", destination, "status", resp.StatusCode)
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
