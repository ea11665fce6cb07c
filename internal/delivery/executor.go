// Package delivery implements the HTTP webhook executor used by the retry
// engine. Each attempt is a signed POST to the target URL; any 2xx response
// is a success and everything else is reported back with its status code.
package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/menu-planning/retryd/internal/clock"
	"github.com/menu-planning/retryd/internal/retry"
)

const (
	HeaderDeliveryID = "X-Retry-Delivery-ID"
	HeaderWebhookID  = "X-Retry-Webhook-ID"
	HeaderFormID     = "X-Retry-Form-ID"
	HeaderTimestamp  = "X-Retry-Timestamp"
	HeaderSignature  = "X-Retry-Signature"

	maxErrorBody = 1024
)

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config defines executor parameters.
//
// Timeout bounds a single attempt, including reading the response.
// SigningSecret enables the HMAC-SHA256 signature header when non-empty.
type Config struct {
	Timeout       time.Duration
	SigningSecret string
	UserAgent     string
}

func DefaultConfig() Config {
	return Config{
		Timeout:   10 * time.Second,
		UserAgent: "retryd/1.0",
	}
}

// PayloadFunc builds the request body for a delivery.
type PayloadFunc func(ctx context.Context, target retry.Target, deliveryID string, at time.Time) ([]byte, error)

// Executor delivers webhooks over HTTP. It satisfies retry.WebhookExecutor.
type Executor struct {
	config  Config
	client  HTTPClient
	clock   clock.Clock
	payload PayloadFunc
	logger  *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

func WithHTTPClient(c HTTPClient) Option {
	return func(e *Executor) { e.client = c }
}

func WithClock(c clock.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithPayload replaces the default retry notification body.
func WithPayload(fn PayloadFunc) Option {
	return func(e *Executor) { e.payload = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func NewExecutor(config Config, opts ...Option) *Executor {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultConfig().UserAgent
	}

	e := &Executor{
		config:  config,
		clock:   clock.RealClock{},
		payload: defaultPayload,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		e.client = &http.Client{Timeout: config.Timeout}
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	return e
}

// Execute performs one delivery attempt. Transport failures are returned as
// errors; HTTP responses always produce a DeliveryResult.
func (e *Executor) Execute(ctx context.Context, target retry.Target) (retry.DeliveryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	now := e.clock.Now()
	deliveryID := uuid.NewString()

	body, err := e.payload(ctx, target, deliveryID, now)
	if err != nil {
		return retry.DeliveryResult{}, fmt.Errorf("build payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return retry.DeliveryResult{}, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", e.config.UserAgent)
	req.Header.Set(HeaderDeliveryID, deliveryID)
	req.Header.Set(HeaderWebhookID, target.WebhookID)
	req.Header.Set(HeaderFormID, target.FormID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	if e.config.SigningSecret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(body, e.config.SigningSecret))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return retry.DeliveryResult{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.logger.Debug("delivery successful",
			"webhook_id", target.WebhookID,
			"delivery_id", deliveryID,
			"status_code", resp.StatusCode,
		)
		return retry.DeliveryResult{Success: true, StatusCode: resp.StatusCode}, nil
	}

	msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
	if s := strings.TrimSpace(string(snippet)); s != "" {
		msg += ": " + s
	}
	return retry.DeliveryResult{StatusCode: resp.StatusCode, ErrorMessage: msg}, nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature (with or without the "sha256=" prefix)
// matches payload.
func Verify(payload []byte, secret, signature string) bool {
	expected, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), expected)
}

type retryNotification struct {
	DeliveryID string `json:"delivery_id"`
	WebhookID  string `json:"webhook_id"`
	FormID     string `json:"form_id"`
	Timestamp  string `json:"timestamp"`
}

func defaultPayload(_ context.Context, target retry.Target, deliveryID string, at time.Time) ([]byte, error) {
	return json.Marshal(retryNotification{
		DeliveryID: deliveryID,
		WebhookID:  target.WebhookID,
		FormID:     target.FormID,
		Timestamp:  at.Format(time.RFC3339),
	})
}
