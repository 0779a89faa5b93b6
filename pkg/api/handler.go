package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/google/uuid"

	"github.com/mihaimyh/celebmerge/pkg/billing"
	"github.com/mihaimyh/celebmerge/pkg/imagemerge"
	"github.com/mihaimyh/celebmerge/pkg/ledger"
	"github.com/mihaimyh/celebmerge/pkg/studio"
)

const (
	maxUserIDLen  = 255
	maxJSONBody   = 64 * 1024
	maxFormMemory = 8 << 20
	headerRequest = "X-Request-ID"

	// PaymentRequiredMessage is the 402 error text for users without generations left
	PaymentRequiredMessage = "You have reached your usage limit. Purchase more generations to continue."
)

type contextKey int

const requestIDKey contextKey = iota

// Handler provides the HTTP endpoints used by the presentation layer
type Handler struct {
	config Config
}

// Routes registers every endpoint on a new mux wrapped with request ids
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/usage", h.GetUsage)
	mux.HandleFunc("POST /api/usage/reconnect", h.Reconnect)
	mux.HandleFunc("POST /api/generate", h.Generate)
	mux.HandleFunc("POST /api/payments/confirm", h.ConfirmPayment)
	mux.HandleFunc("GET /api/config", h.GetConfig)
	mux.HandleFunc("PUT /api/config", h.ValidateConfig)
	mux.HandleFunc("GET /api/backgrounds", h.GetBackgrounds)
	return RequestID(mux)
}

// RequestID tags each request with an id, reusing a valid incoming X-Request-ID
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequest)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequest, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RequestIDFrom returns the request id stored by RequestID, or ""
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// GetUsage returns the user's usage view
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	session, err := h.config.Ledger.Session(r.Context(), userID)
	if err != nil {
		h.sessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

// Reconnect retries the record store for a session running on the local mirror
func (h *Handler) Reconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	session, err := h.config.Ledger.Session(r.Context(), userID)
	if err != nil {
		h.sessionError(w, r, err)
		return
	}
	if err := session.Reconnect(r.Context()); err != nil {
		view := session.Snapshot()
		h.handleError(w, r, err, http.StatusServiceUnavailable, "Still offline. Usage is saved locally.", &view)
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

// Generate merges the uploaded photos.
// Accepts multipart/form-data with files "first" and "second" and a "scene" field,
// or JSON with data URLs.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	req, err := h.parseGenerate(w, r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.handleError(w, r, err, http.StatusRequestEntityTooLarge, "Images are too large.", nil)
			return
		}
		h.handleError(w, r, err, http.StatusBadRequest, "Could not read the uploaded images.", nil)
		return
	}

	result, err := h.config.Studio.Generate(r.Context(), userID, req)
	if err != nil {
		h.generateError(w, r, userID, err)
		return
	}

	writeJSON(w, http.StatusOK, GenerateResponse{
		Image:   result.Image.DataURL(),
		Text:    result.Text,
		Message: result.Message,
		Usage:   result.Usage,
		Notice:  result.Notice,
	})
}

// ConfirmPayment verifies a client-confirmed payment and credits the configured uses
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if h.config.Payments == nil {
		h.handleError(w, r, billing.ErrProviderNotConfigured, http.StatusNotImplemented, "Payments are not enabled.", nil)
		return
	}

	var req ConfirmPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil || req.PaymentIntentID == "" {
		h.handleError(w, r, billing.ErrMissingFields, http.StatusBadRequest, "paymentIntentId is required", nil)
		return
	}

	resp, err := h.config.Payments.UpdateUsage(r.Context(), &billing.UpdateUsageRequest{
		UserID:          userID,
		PaymentIntentID: req.PaymentIntentID,
		Uses:            h.config.Ledger.Settings().PaymentUses(),
	})
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrPaymentNotCompleted):
			h.handleError(w, r, err, http.StatusBadRequest, "Payment not completed", nil)
		case errors.Is(err, billing.ErrMissingFields):
			h.handleError(w, r, err, http.StatusBadRequest, "paymentIntentId is required", nil)
		default:
			h.handleError(w, r, err, http.StatusInternalServerError, "Failed to update usage", nil)
		}
		return
	}

	session, err := h.config.Ledger.Session(r.Context(), userID)
	if err != nil {
		h.sessionError(w, r, err)
		return
	}
	// A local-only session does not re-read the store, so apply the credit to it directly.
	if session.Mode() == ledger.ModeLocalOnly {
		if err := session.CreditPayment(r.Context()); err != nil {
			h.handleError(w, r, err, http.StatusInternalServerError, "Failed to update usage", nil)
			return
		}
	}

	writeJSON(w, http.StatusOK, ConfirmPaymentResponse{
		Success:   true,
		TotalUses: resp.TotalUses,
		Usage:     session.Snapshot(),
	})
}

// GetConfig returns the public configuration
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newConfigView(h.config.Ledger.Settings()))
}

// ValidateConfig validates a proposed configuration without applying it.
// Fields missing from the body keep their current values.
func (h *Handler) ValidateConfig(w http.ResponseWriter, r *http.Request) {
	current := h.config.Ledger.Settings()
	view := newConfigView(current)
	if err := decodeJSON(w, r, &view); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest, "Invalid configuration body", nil)
		return
	}

	problems := view.apply(current).Validate()
	resp := ValidationResponse{Valid: len(problems) == 0, Errors: make([]string, 0, len(problems))}
	resp.Errors = append(resp.Errors, problems...)

	status := http.StatusOK
	if !resp.Valid {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

// GetBackgrounds lists the suggested scenes
func (h *Handler) GetBackgrounds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backgrounds": imagemerge.BackgroundOptions(),
		"default":     imagemerge.DefaultScene,
	})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, ledger.ErrInvalidUserID, http.StatusUnauthorized, "user ID not found", nil)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, ledger.ErrInvalidUserID, http.StatusBadRequest, "invalid user ID format", nil)
		return "", false
	}
	return userID, true
}

func (h *Handler) parseGenerate(w http.ResponseWriter, r *http.Request) (imagemerge.MergeRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxFormMemory); err != nil {
			return imagemerge.MergeRequest{}, err
		}
		first, err := formImage(r, "first")
		if err != nil {
			return imagemerge.MergeRequest{}, err
		}
		second, err := formImage(r, "second")
		if err != nil {
			return imagemerge.MergeRequest{}, err
		}
		return imagemerge.MergeRequest{First: first, Second: second, Scene: r.FormValue("scene")}, nil
	}

	var body GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return imagemerge.MergeRequest{}, fmt.Errorf("invalid JSON: %w", err)
	}
	first, err := imagemerge.ParseDataURL(body.First)
	if err != nil {
		return imagemerge.MergeRequest{}, err
	}
	second, err := imagemerge.ParseDataURL(body.Second)
	if err != nil {
		return imagemerge.MergeRequest{}, err
	}
	return imagemerge.MergeRequest{First: first, Second: second, Scene: body.Scene}, nil
}

// formImage reads an uploaded file; a missing file yields an empty image
func formImage(r *http.Request, field string) (imagemerge.Image, error) {
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return imagemerge.Image{}, nil
	}
	if err != nil {
		return imagemerge.Image{}, err
	}
	defer file.Close() //nolint:errcheck

	data, err := io.ReadAll(file)
	if err != nil {
		return imagemerge.Image{}, err
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "application/octet-stream" {
		mimeType = ""
	}
	return imagemerge.Image{Data: data, MIMEType: mimeType}, nil
}

func (h *Handler) generateError(w http.ResponseWriter, r *http.Request, userID string, err error) {
	var apiErr *imagemerge.APIError
	switch {
	case errors.Is(err, studio.ErrPaymentRequired):
		var view *ledger.UsageView
		if session, serr := h.config.Ledger.Session(r.Context(), userID); serr == nil {
			v := session.Snapshot()
			view = &v
		}
		h.handleError(w, r, err, http.StatusPaymentRequired, PaymentRequiredMessage, view)
	case errors.Is(err, imagemerge.ErrMissingImages):
		h.handleError(w, r, err, http.StatusBadRequest, imagemerge.UserMessage(err), nil)
	case errors.As(err, &apiErr) && apiErr.RateLimited():
		h.handleError(w, r, err, http.StatusTooManyRequests, apiErr.Message, nil)
	case errors.As(err, &apiErr), errors.Is(err, imagemerge.ErrGenerationFailed):
		h.handleError(w, r, err, http.StatusBadGateway, imagemerge.UserMessage(err), nil)
	case errors.Is(err, imagemerge.ErrNotConfigured):
		h.handleError(w, r, err, http.StatusServiceUnavailable, "Image generation is not configured.", nil)
	case errors.Is(err, context.DeadlineExceeded):
		h.handleError(w, r, err, http.StatusGatewayTimeout, imagemerge.UserMessage(err), nil)
	case errors.Is(err, ledger.ErrInvalidUserID):
		h.handleError(w, r, err, http.StatusBadRequest, "invalid user ID format", nil)
	case ledger.IsConnectivityError(err):
		h.handleError(w, r, err, http.StatusServiceUnavailable, ledger.NoticeOffline, nil)
	default:
		h.handleError(w, r, err, http.StatusInternalServerError, imagemerge.UserMessage(err), nil)
	}
}

func (h *Handler) sessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidUserID):
		h.handleError(w, r, err, http.StatusBadRequest, "invalid user ID format", nil)
	case ledger.IsConnectivityError(err):
		h.handleError(w, r, err, http.StatusServiceUnavailable, ledger.NoticeOffline, nil)
	default:
		h.handleError(w, r, err, http.StatusInternalServerError, "Failed to load usage", nil)
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int, message string, usage *ledger.UsageView) {
	requestID := RequestIDFrom(r.Context())
	if statusCode >= http.StatusInternalServerError {
		h.config.Logger.Error("request failed",
			ledger.Field{Key: "requestId", Value: requestID},
			ledger.Field{Key: "path", Value: r.URL.Path},
			ledger.Field{Key: "status", Value: statusCode},
			ledger.Field{Key: "error", Value: err},
		)
	}

	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	writeJSON(w, statusCode, ErrorResponse{
		Error:     message,
		RequestID: requestID,
		Usage:     usage,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty body")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
