package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/sms-relay/internal/config"
	"github.com/bissquit/sms-relay/internal/delivery"
	"github.com/bissquit/sms-relay/internal/pkg/adminauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-jwt-secret"

type stubProvider struct {
	mu    sync.Mutex
	count int
}

func (p *stubProvider) Send(context.Context, string, string, []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	return "SM-" + string(rune('0'+p.count)), nil
}

func (p *stubProvider) Status(context.Context, string) (delivery.ProviderStatus, error) {
	return delivery.ProviderStatusUnknown, nil
}

type unavailableProvider struct {
	mu    sync.Mutex
	sends []time.Time
}

func (p *unavailableProvider) Send(context.Context, string, string, []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sends = append(p.sends, time.Now())
	return "", &delivery.TransientError{Code: http.StatusServiceUnavailable, Message: "service unavailable"}
}

func (p *unavailableProvider) Status(context.Context, string) (delivery.ProviderStatus, error) {
	return delivery.ProviderStatusUnknown, nil
}

func (p *unavailableProvider) attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sends)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Storage.Driver = config.StorageMemory
	cfg.Provider.BaseURL = "https://gateway.example.com"
	cfg.Auth.JWTSecret = testSecret
	cfg.Sweeper.Enabled = false
	cfg.Log.Format = "text"
	cfg.Log.Level = "error"
	return cfg
}

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()

	cfg := testConfig()
	app, err := New(&cfg, WithProvider(&stubProvider{}))
	require.NoError(t, err)

	server := httptest.NewServer(app.Router())
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Shutdown(ctx)
	})
	return app, server
}

func adminToken(t *testing.T) string {
	t.Helper()
	v, err := adminauth.NewValidator(testSecret, "sms-relay")
	require.NoError(t, err)
	token, err := v.IssueToken("ops", time.Hour)
	require.NoError(t, err)
	return token
}

func do(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestApp_Probes(t *testing.T) {
	_, server := newTestApp(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp := do(t, http.MethodGet, server.URL+path, "", "")
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "OK", string(body), path)
	}

	resp := do(t, http.MethodGet, server.URL+"/version", "", "")
	defer func() { _ = resp.Body.Close() }()
	var info map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Contains(t, info, "version")
}

func TestApp_OperationalAPIRequiresToken(t *testing.T) {
	_, server := newTestApp(t)

	resp := do(t, http.MethodGet, server.URL+"/api/v1/stats", "", "")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodGet, server.URL+"/api/v1/stats", "garbage", "")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodGet, server.URL+"/api/v1/stats", adminToken(t), "")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApp_EnqueueAndCallback(t *testing.T) {
	app, server := newTestApp(t)
	token := adminToken(t)

	resp := do(t, http.MethodPost, server.URL+"/api/v1/lanes/u1/daily/entries", token,
		`{"messages":[{"content":"one"},{"content":"two"}]}`)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodPost, server.URL+"/webhooks/delivery", "",
		`{"provider_message_id":"SM-1","status":"delivered"}`)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entries, err := app.Orchestrator().ListLane(context.Background(), delivery.Lane{RecipientID: "u1", QueueName: "daily"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, delivery.StatusDelivered, entries[0].Status)
	assert.Equal(t, delivery.StatusSent, entries[1].Status)
}

func TestApp_RetryWithoutRedisWaitsForBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.PollInterval = 10 * time.Millisecond
	provider := &unavailableProvider{}

	app, err := New(&cfg, WithProvider(provider))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Shutdown(ctx)
	})

	lane := delivery.Lane{RecipientID: "u1", QueueName: "daily"}
	entries, err := app.Orchestrator().Enqueue(context.Background(), lane,
		[]delivery.Message{{Content: "hello"}}, delivery.EnqueueOptions{})
	require.NoError(t, err)
	enqueuedAt := time.Now()

	assert.Never(t, func() bool { return provider.attempts() > 1 }, 300*time.Millisecond, 10*time.Millisecond,
		"attempt 2 must wait for the configured backoff")

	e, err := app.Orchestrator().Get(context.Background(), entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusPending, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	require.NotNil(t, e.NextAttemptAt)
	assert.WithinDuration(t, enqueuedAt.Add(cfg.Retry.Backoff[1]), *e.NextAttemptAt, 5*time.Second)
}
