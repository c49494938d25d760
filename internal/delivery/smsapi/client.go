// Package smsapi provides a delivery.Provider for a REST SMS/MMS gateway.
package smsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bissquit/sms-relay/internal/delivery"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultRateLimit = 10
	maxErrorBody     = 4 << 10
)

var _ delivery.Provider = (*Client)(nil)

// ErrMissingBaseURL is returned when the gateway URL is not configured.
var ErrMissingBaseURL = errors.New("smsapi: base url is required")

// Config holds gateway client configuration.
type Config struct {
	BaseURL           string
	APIKey            string
	From              string
	StatusCallbackURL string
	Timeout           time.Duration
	RateLimit         float64 // requests per second
	Burst             int
}

// Client sends messages through the gateway's REST API.
type Client struct {
	config     Config
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a gateway client.
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("smsapi: invalid base url %q", config.BaseURL)
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.RateLimit == 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	slog.Info("sms gateway client configured",
		"base_url", base.Redacted(),
		"from", config.From,
		"rate_limit", config.RateLimit,
	)

	return &Client{
		config:     config,
		baseURL:    base,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst),
	}, nil
}

type sendRequest struct {
	To             string   `json:"to"`
	From           string   `json:"from,omitempty"`
	Body           string   `json:"body"`
	MediaURLs      []string `json:"media_urls,omitempty"`
	StatusCallback string   `json:"status_callback,omitempty"`
}

type messageResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Send submits one message and returns the gateway's message id.
func (c *Client) Send(ctx context.Context, recipient, content string, mediaURLs []string) (string, error) {
	body, err := json.Marshal(sendRequest{
		To:             recipient,
		From:           c.config.From,
		Body:           content,
		MediaURLs:      mediaURLs,
		StatusCallback: c.config.StatusCallbackURL,
	})
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.endpoint(), body)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return "", err
	}

	var msg messageResponse
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return "", &delivery.TransientError{Message: "decode send response", Err: err}
	}

	slog.Debug("sms submitted to gateway", "provider_message_id", msg.ID, "status", msg.Status)
	return msg.ID, nil
}

// Status looks up a message. A message the gateway does not know is reported as unknown.
func (c *Client) Status(ctx context.Context, providerMessageID string) (delivery.ProviderStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint(providerMessageID), nil)
	if err != nil {
		return delivery.ProviderStatusUnknown, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return delivery.ProviderStatusUnknown, nil
	}
	if err := checkStatus(resp); err != nil {
		return delivery.ProviderStatusUnknown, err
	}

	var msg messageResponse
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return delivery.ProviderStatusUnknown, &delivery.TransientError{Message: "decode status response", Err: err}
	}
	return MapStatus(msg.Status), nil
}

// MapStatus converts a gateway message status to a delivery.ProviderStatus.
func MapStatus(status string) delivery.ProviderStatus {
	switch strings.ToLower(status) {
	case "queued", "accepted", "scheduled", "sending", "sent":
		return delivery.ProviderStatusInFlight
	case "delivered":
		return delivery.ProviderStatusDelivered
	case "failed", "undelivered", "canceled", "rejected":
		return delivery.ProviderStatusFailed
	default:
		return delivery.ProviderStatusUnknown
	}
}

func (c *Client) endpoint(parts ...string) string {
	endpoint := c.baseURL.String() + "/v1/messages"
	for _, p := range parts {
		endpoint += "/" + url.PathEscape(p)
	}
	return endpoint
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &delivery.TransientError{Message: "rate limit wait", Err: err}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &delivery.TransientError{Message: "send request", Err: err}
	}
	return resp, nil
}

// checkStatus maps non-2xx responses. Rejections of the message itself are
// permanent; credentials, throttling and server faults are transient.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return &delivery.PermanentError{Code: resp.StatusCode, Message: fmt.Sprintf("rejected: %s", msg)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &delivery.TransientError{Code: resp.StatusCode, Message: "gateway rejected credentials"}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &delivery.TransientError{Code: resp.StatusCode, Message: "rate limited"}
	case resp.StatusCode >= 500:
		return &delivery.TransientError{Code: resp.StatusCode, Message: fmt.Sprintf("server error: %s", msg)}
	default:
		return &delivery.TransientError{Code: resp.StatusCode, Message: fmt.Sprintf("unexpected status: %s", msg)}
	}
}
