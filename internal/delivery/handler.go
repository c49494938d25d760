package delivery

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bissquit/sms-relay/internal/pkg/breaker"
	"github.com/bissquit/sms-relay/internal/pkg/ctxlog"
	"github.com/bissquit/sms-relay/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Signature"

const maxWebhookBody = 64 << 10

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrEntryNotFound, Status: http.StatusNotFound, Message: "queue entry not found"},
	{Error: ErrInvalidLane, Status: http.StatusBadRequest},
	{Error: ErrInvalidMessage, Status: http.StatusBadRequest},
	{Error: ErrInvalidOutcome, Status: http.StatusBadRequest},
	{Error: ErrPermanentFailure, Status: http.StatusUnprocessableEntity},
}

// Cleaner runs a bounded reconciliation pass.
type Cleaner interface {
	RunPass(ctx context.Context, maxBatches int) (CleanupResult, error)
}

// BreakerStatus exposes the state of the provider breaker.
type BreakerStatus interface {
	Name() string
	State() breaker.State
}

// Handler handles HTTP requests for the delivery module.
type Handler struct {
	orchestrator  *Orchestrator
	cleaner       Cleaner
	breaker       BreakerStatus
	webhookSecret []byte
	validator     *validator.Validate
}

// NewHandler creates a new delivery handler. An empty webhookSecret disables
// signature verification.
func NewHandler(orchestrator *Orchestrator, cleaner Cleaner, b BreakerStatus, webhookSecret string) *Handler {
	h := &Handler{
		orchestrator: orchestrator,
		cleaner:      cleaner,
		breaker:      b,
		validator:    validator.New(),
	}
	if webhookSecret != "" {
		h.webhookSecret = []byte(webhookSecret)
	}
	return h
}

// RegisterRoutes registers operational routes (require auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/lanes/{recipientID}/{queueName}/entries", func(r chi.Router) {
		r.Get("/", h.ListLane)
		r.Post("/", h.Enqueue)
	})
	r.Get("/entries/{id}", h.GetEntry)
	r.Post("/entries/{id}/cancel", h.CancelEntry)
	r.Post("/recipients/{recipientID}/cancel", h.CancelRecipient)
	r.Post("/maintenance/cleanup", h.RunCleanup)
	r.Get("/stats", h.GetStats)
	r.Get("/breaker", h.GetBreaker)
}

// RegisterWebhookRoutes registers provider callback routes (public).
func (h *Handler) RegisterWebhookRoutes(r chi.Router) {
	r.Post("/webhooks/delivery", h.DeliveryCallback)
}

// EnqueueRequest represents request body for enqueueing messages.
type EnqueueRequest struct {
	Messages       []MessageRequest `json:"messages" validate:"required,min=1,max=100,dive"`
	MaxRetries     int              `json:"max_retries" validate:"gte=0,lte=10"`
	TimeoutMinutes int              `json:"timeout_minutes" validate:"gte=0,lte=1440"`
}

// MessageRequest represents one message of an enqueue request.
type MessageRequest struct {
	Content   string   `json:"content" validate:"required_without=MediaURLs,max=1600"`
	MediaURLs []string `json:"media_urls" validate:"omitempty,max=10,dive,url"`
}

// CallbackRequest represents a JSON delivery callback.
type CallbackRequest struct {
	ProviderMessageID string `json:"provider_message_id" validate:"required"`
	Status            string `json:"status" validate:"required"`
}

// BreakerResponse describes the provider breaker.
type BreakerResponse struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Enqueue handles POST /lanes/{recipientID}/{queueName}/entries.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	lane := laneFromRequest(r)
	ctx := ctxlog.With(r.Context(), "recipient_id", lane.RecipientID, "queue", lane.QueueName)

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	msgs := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, Message{Content: m.Content, MediaURLs: m.MediaURLs})
	}

	entries, err := h.orchestrator.Enqueue(ctx, lane, msgs, EnqueueOptions{
		MaxRetries:     req.MaxRetries,
		TimeoutMinutes: req.TimeoutMinutes,
	})
	if errors.Is(err, ErrPermanentFailure) && entries != nil {
		// The batch is stored; the caller needs the ids to follow it up.
		httputil.ErrorWithDetails(w, http.StatusUnprocessableEntity, err.Error(), entries)
		return
	}
	if err != nil {
		httputil.HandleError(ctx, w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, entries)
}

// ListLane handles GET /lanes/{recipientID}/{queueName}/entries.
func (h *Handler) ListLane(w http.ResponseWriter, r *http.Request) {
	entries, err := h.orchestrator.ListLane(r.Context(), laneFromRequest(r))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}

	httputil.Success(w, http.StatusOK, entries)
}

// GetEntry handles GET /entries/{id}.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.orchestrator.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, entry)
}

// CancelEntry handles POST /entries/{id}/cancel.
func (h *Handler) CancelEntry(w http.ResponseWriter, r *http.Request) {
	ctx := ctxlog.With(r.Context(), "entry_id", chi.URLParam(r, "id"))
	entry, err := h.orchestrator.Cancel(ctx, chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(ctx, w, err, errorMappings)
		return
	}
	ctxlog.FromContext(ctx).Info("entry cancelled", "by", httputil.GetSubject(ctx))

	httputil.Success(w, http.StatusOK, entry)
}

// CancelRecipient handles POST /recipients/{recipientID}/cancel.
func (h *Handler) CancelRecipient(w http.ResponseWriter, r *http.Request) {
	ctx := ctxlog.With(r.Context(), "recipient_id", chi.URLParam(r, "recipientID"))
	n, err := h.orchestrator.CancelAllPending(ctx, chi.URLParam(r, "recipientID"))
	if err != nil {
		httputil.HandleError(ctx, w, err, errorMappings)
		return
	}
	ctxlog.FromContext(ctx).Info("recipient cancelled", "entries", n, "by", httputil.GetSubject(ctx))

	httputil.Success(w, http.StatusOK, map[string]int{"cancelled": n})
}

// RunCleanup handles POST /maintenance/cleanup.
func (h *Handler) RunCleanup(w http.ResponseWriter, r *http.Request) {
	maxBatches := 0
	if v := r.URL.Query().Get("max_batches"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			httputil.Error(w, http.StatusBadRequest, "max_batches must be between 1 and 1000")
			return
		}
		maxBatches = n
	}

	result, err := h.cleaner.RunPass(r.Context(), maxBatches)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, result)
}

// GetStats handles GET /stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orchestrator.Stats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

// GetBreaker handles GET /breaker.
func (h *Handler) GetBreaker(w http.ResponseWriter, _ *http.Request) {
	httputil.Success(w, http.StatusOK, BreakerResponse{
		Name:  h.breaker.Name(),
		State: h.breaker.State().String(),
	})
}

// DeliveryCallback handles POST /webhooks/delivery.
//
// Unknown ids, duplicates and non-final statuses are acknowledged with 200 so
// the provider stops redelivering them.
func (h *Handler) DeliveryCallback(w http.ResponseWriter, r *http.Request) {
	logger := ctxlog.FromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if h.webhookSecret != nil && !h.validSignature(body, r.Header.Get(SignatureHeader)) {
		httputil.Error(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	req, err := parseCallback(r.Header.Get("Content-Type"), body)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid callback payload")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	outcome, final := ParseOutcome(req.Status)
	if !final {
		logger.Debug("ignoring non-final delivery status",
			"provider_message_id", req.ProviderMessageID, "status", req.Status)
		httputil.Success(w, http.StatusOK, map[string]string{"result": "ignored"})
		return
	}

	err = h.orchestrator.OnDeliveryCallback(r.Context(), req.ProviderMessageID, outcome)
	if errors.Is(err, ErrEntryNotFound) {
		logger.Warn("delivery callback for unknown provider message id",
			"provider_message_id", req.ProviderMessageID, "status", req.Status)
		httputil.Success(w, http.StatusOK, map[string]string{"result": "unknown"})
		return
	}
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]string{"result": "accepted"})
}

func (h *Handler) validSignature(body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, h.webhookSecret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignBody returns the signature header value for body.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func parseCallback(contentType string, body []byte) (CallbackRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/x-www-form-urlencoded" {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return CallbackRequest{}, err
		}
		req := CallbackRequest{
			ProviderMessageID: firstNonEmpty(values.Get("MessageSid"), values.Get("provider_message_id")),
			Status:            firstNonEmpty(values.Get("MessageStatus"), values.Get("status")),
		}
		return req, nil
	}

	var req CallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return CallbackRequest{}, err
	}
	return req, nil
}

func laneFromRequest(r *http.Request) Lane {
	return Lane{
		RecipientID: chi.URLParam(r, "recipientID"),
		QueueName:   chi.URLParam(r, "queueName"),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
