package smsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/bissquit/sms-relay/internal/delivery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		BaseURL:           server.URL + "/",
		APIKey:            "secret-key",
		From:              "+15550000000",
		StatusCallbackURL: "https://relay.example.com/webhooks/delivery",
		RateLimit:         1000,
		Burst:             10,
	})
	require.NoError(t, err)
	return client
}

func TestNewClient_Defaults(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "https://gateway.example.com"})
	require.NoError(t, err)

	assert.Equal(t, defaultTimeout, client.config.Timeout)
	assert.Equal(t, float64(defaultRateLimit), client.config.RateLimit)
	assert.Equal(t, 1, client.config.Burst)
	assert.Equal(t, "https://gateway.example.com/v1/messages/SM%2F1", client.endpoint("SM/1"))
}

func TestNewClient_InvalidConfig(t *testing.T) {
	_, err := NewClient(Config{})
	assert.ErrorIs(t, err, ErrMissingBaseURL)

	_, err = NewClient(Config{BaseURL: "ftp://gateway.example.com"})
	assert.Error(t, err)
}

func TestClient_Send_Success(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req sendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "+15551234567", req.To)
		assert.Equal(t, "+15550000000", req.From)
		assert.Equal(t, "hello", req.Body)
		assert.Equal(t, []string{"https://cdn.example.com/a.png"}, req.MediaURLs)
		assert.Equal(t, "https://relay.example.com/webhooks/delivery", req.StatusCallback)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(messageResponse{ID: "SM123", Status: "queued"})
	})

	id, err := client.Send(context.Background(), "+15551234567", "hello", []string{"https://cdn.example.com/a.png"})
	require.NoError(t, err)
	assert.Equal(t, "SM123", id)
}

func TestClient_Send_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"bad request", http.StatusBadRequest, true},
		{"unprocessable", http.StatusUnprocessableEntity, true},
		{"unauthorized", http.StatusUnauthorized, false},
		{"forbidden", http.StatusForbidden, false},
		{"rate limited", http.StatusTooManyRequests, false},
		{"server error", http.StatusInternalServerError, false},
		{"bad gateway", http.StatusBadGateway, false},
		{"conflict", http.StatusConflict, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			})

			_, err := client.Send(context.Background(), "+15551234567", "hello", nil)
			require.Error(t, err)
			assert.Equal(t, tt.permanent, errors.Is(err, delivery.ErrPermanentFailure))

			if tt.permanent {
				var permErr *delivery.PermanentError
				require.ErrorAs(t, err, &permErr)
				assert.Equal(t, tt.status, permErr.Code)
				assert.False(t, permErr.IsRetryable())
			} else {
				var transientErr *delivery.TransientError
				require.ErrorAs(t, err, &transientErr)
				assert.Equal(t, tt.status, transientErr.Code)
				assert.True(t, transientErr.IsRetryable())
			}
		})
	}
}

func TestClient_Send_NetworkError(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	require.NoError(t, err)

	_, err = client.Send(context.Background(), "+15551234567", "hello", nil)
	var transientErr *delivery.TransientError
	require.ErrorAs(t, err, &transientErr)
	assert.Contains(t, err.Error(), "send request")
	require.Error(t, transientErr.Err)
	assert.Contains(t, err.Error(), transientErr.Err.Error(), "the transport cause is kept in the message")
}

func TestClient_Send_MalformedResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{"))
	})

	_, err := client.Send(context.Background(), "+15551234567", "hello", nil)
	var transientErr *delivery.TransientError
	require.ErrorAs(t, err, &transientErr)
}

func TestClient_Send_ContextCancellation(t *testing.T) {
	client := &Client{
		config:     Config{},
		baseURL:    &url.URL{Scheme: "http", Host: "localhost:12345"},
		httpClient: http.DefaultClient,
		limiter:    rate.NewLimiter(0.001, 1),
	}
	client.limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Send(ctx, "+15551234567", "hello", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
}

func TestClient_Status(t *testing.T) {
	tests := []struct {
		gatewayStatus string
		want          delivery.ProviderStatus
	}{
		{"queued", delivery.ProviderStatusInFlight},
		{"sending", delivery.ProviderStatusInFlight},
		{"sent", delivery.ProviderStatusInFlight},
		{"delivered", delivery.ProviderStatusDelivered},
		{"DELIVERED", delivery.ProviderStatusDelivered},
		{"undelivered", delivery.ProviderStatusFailed},
		{"failed", delivery.ProviderStatusFailed},
		{"canceled", delivery.ProviderStatusFailed},
		{"something-new", delivery.ProviderStatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.gatewayStatus, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/v1/messages/SM123", r.URL.Path)
				_ = json.NewEncoder(w).Encode(messageResponse{ID: "SM123", Status: tt.gatewayStatus})
			})

			got, err := client.Status(context.Background(), "SM123")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClient_Status_NotFoundIsUnknown(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	got, err := client.Status(context.Background(), "SM404")
	require.NoError(t, err)
	assert.Equal(t, delivery.ProviderStatusUnknown, got)
}

func TestClient_Status_ServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	got, err := client.Status(context.Background(), "SM123")
	require.Error(t, err)
	assert.Equal(t, delivery.ProviderStatusUnknown, got)
}
