// Package telegram is the Telegram Bot API channel: a webhook handler that
// turns chat messages into wizard runs and a client that delivers replies.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentoven/wizard-runtime/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultAPIBase is the public Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

// ClientConfig configures outbound Bot API calls.
type ClientConfig struct {
	Token   string
	APIBase string
	// MaxRetries bounds redelivery of a single message on 429/5xx.
	MaxRetries uint64
	// RetryInitial is the first backoff interval.
	RetryInitial time.Duration
	HTTPClient   *http.Client
}

// Client sends messages through the Bot API.
type Client struct {
	token        string
	base         string
	http         *http.Client
	maxRetries   uint64
	retryInitial time.Duration
}

func NewClient(cfg ClientConfig) *Client {
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = DefaultAPIBase
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = 4
	}
	initial := cfg.RetryInitial
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	return &Client{token: cfg.Token, base: base, http: hc, maxRetries: retries, retryInitial: initial}
}

// APIError is a non-ok Bot API response.
type APIError struct {
	Status      int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api: status %d: %s", e.Status, e.Description)
}

// Retryable reports whether redelivery may succeed.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type sendMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// SendText escapes and splits text, then sends each chunk in order. It stops
// at the first chunk that cannot be delivered.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	for i, chunk := range SplitMessage(text, MaxMessageLength) {
		if err := c.SendMessage(ctx, chatID, EscapeHTML(chunk)); err != nil {
			return fmt.Errorf("send chunk %d to chat %d: %w", i+1, chatID, err)
		}
	}
	return nil
}

// SendMessage calls sendMessage with HTML parse mode. text must already be
// escaped. 429 and 5xx responses are retried with exponential backoff.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	if c.token == "" {
		return errors.New("telegram bot token not configured")
	}
	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text, ParseMode: "HTML"})
	if err != nil {
		return fmt.Errorf("encode sendMessage: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxInterval = 30 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := c.post(ctx, "sendMessage", body)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return backoff.Permanent(err)
		}
		log.Warn().Err(err).Int64("chat", chatID).Int("attempt", attempt).Msg("Telegram delivery failed, retrying")
		return err
	}

	if err := backoff.Retry(op, policy); err != nil {
		metrics.TelegramMessagesSent.WithLabelValues("failed").Inc()
		return err
	}
	metrics.TelegramMessagesSent.WithLabelValues("ok").Inc()
	return nil
}

func (c *Client) post(ctx context.Context, method string, body []byte) error {
	endpoint := c.base + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build %s request: %w", method, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// The URL carries the token; keep it out of logs.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var parsed apiResponse
	_ = json.Unmarshal(data, &parsed)
	if resp.StatusCode == http.StatusOK && parsed.OK {
		return nil
	}
	desc := parsed.Description
	if desc == "" {
		desc = strconv.Quote(strings.TrimSpace(string(data)))
	}
	return &APIError{Status: resp.StatusCode, Description: desc, RetryAfter: parsed.Parameters.RetryAfter}
}
