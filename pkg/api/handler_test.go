package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/celebmerge/pkg/appconfig"
	"github.com/mihaimyh/celebmerge/pkg/billing"
	"github.com/mihaimyh/celebmerge/pkg/imagemerge"
	"github.com/mihaimyh/celebmerge/pkg/ledger"
	"github.com/mihaimyh/celebmerge/pkg/studio"
	"github.com/mihaimyh/celebmerge/storage/memory"
)

const testUser = "user-1"

type fakeMerger struct {
	err   error
	calls int
	last  imagemerge.MergeRequest
}

func (f *fakeMerger) Merge(_ context.Context, req imagemerge.MergeRequest) (*imagemerge.MergeResult, error) {
	f.calls++
	f.last = req
	if req.First.Empty() || req.Second.Empty() {
		return nil, imagemerge.ErrMissingImages
	}
	if f.err != nil {
		return nil, f.err
	}
	return &imagemerge.MergeResult{Image: imagemerge.Image{Data: []byte("merged"), MIMEType: "image/png"}}, nil
}

// fakePayments credits the store the way the payment bridge does
type fakePayments struct {
	storage *memory.Storage
	err     error
}

func (f *fakePayments) UpdateUsage(ctx context.Context, req *billing.UpdateUsageRequest) (*billing.UpdateUsageResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	rec, err := f.storage.ApplyPayment(ctx, &ledger.PaymentCredit{
		UserID:          req.UserID,
		PaymentIntentID: req.PaymentIntentID,
		Uses:            req.Uses,
		Amount:          99,
		Timestamp:       time.Now(),
	})
	if err != nil {
		return nil, err
	}
	return &billing.UpdateUsageResponse{Success: true, TotalUses: rec.TotalUses}, nil
}

// switchableStorage fails every call with ErrStorageUnavailable while down
type switchableStorage struct {
	*memory.Storage

	mu   sync.Mutex
	down bool
}

func (s *switchableStorage) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *switchableStorage) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return ledger.ErrStorageUnavailable
	}
	return nil
}

func (s *switchableStorage) GetRecord(ctx context.Context, userID string) (*ledger.Record, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.Storage.GetRecord(ctx, userID)
}

func (s *switchableStorage) CreateRecord(ctx context.Context, rec *ledger.Record) (*ledger.Record, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.Storage.CreateRecord(ctx, rec)
}

func (s *switchableStorage) IncrementUsage(ctx context.Context, userID string, at time.Time) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.Storage.IncrementUsage(ctx, userID, at)
}

func (s *switchableStorage) ResetUsage(ctx context.Context, userID string, creditedUses int, at time.Time) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.Storage.ResetUsage(ctx, userID, creditedUses, at)
}

func (s *switchableStorage) SetUsage(ctx context.Context, userID string, entry *ledger.MirrorEntry) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.Storage.SetUsage(ctx, userID, entry)
}

func (s *switchableStorage) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.Storage.Ping(ctx)
}

type fixture struct {
	handler  http.Handler
	storage  *memory.Storage
	remote   *switchableStorage
	merger   *fakeMerger
	payments *fakePayments
}

// newFixture builds the handler over a store that can be taken down.
// The payment bridge writes to the store directly, as in production.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	storage := memory.New()
	remote := &switchableStorage{Storage: storage}
	l, err := ledger.New(ledger.Config{
		Settings: appconfig.Default(),
		Storage:  remote,
		Mirror:   memory.NewMirror(),
	})
	require.NoError(t, err)

	merger := &fakeMerger{}
	payments := &fakePayments{storage: storage}
	h, err := NewHandler(Config{
		Ledger:   l,
		Studio:   studio.New(l, merger),
		Payments: payments,
	})
	require.NoError(t, err)

	return &fixture{handler: h.Routes(), storage: storage, remote: remote, merger: merger, payments: payments}
}

func (f *fixture) credit(t *testing.T) {
	t.Helper()
	_, err := f.storage.ApplyPayment(context.Background(), &ledger.PaymentCredit{
		UserID:          testUser,
		PaymentIntentID: "pi_" + uuid.NewString(),
		Uses:            2,
		Timestamp:       time.Now(),
	})
	require.NoError(t, err)
}

func (f *fixture) do(t *testing.T, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("X-User-ID", testUser)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func photosJSON(t *testing.T) []byte {
	t.Helper()
	img := imagemerge.Image{Data: []byte("photo"), MIMEType: "image/jpeg"}
	body, err := json.Marshal(GenerateRequest{First: img.DataURL(), Second: img.DataURL(), Scene: "beach"})
	require.NoError(t, err)
	return body
}

func TestNewHandler_Validate(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)
}

func TestGetUsage_NewUser(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/usage", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view ledger.UsageView
	decode(t, rec, &view)
	assert.Equal(t, testUser, view.UserID)
	assert.Equal(t, 0, view.UsageCount)
	assert.Equal(t, 0, view.RemainingUses)
	assert.True(t, view.HasReachedLimit)
	assert.Equal(t, ledger.ModeRemote, view.Mode)
}

func TestGetUsage_MissingUser(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/usage", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGenerate_PaymentRequired(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/generate", "application/json", photosJSON(t))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var resp ErrorResponse
	decode(t, rec, &resp)
	assert.Equal(t, PaymentRequiredMessage, resp.Error)
	require.NotNil(t, resp.Usage)
	assert.True(t, resp.Usage.HasReachedLimit)
	assert.Equal(t, 0, f.merger.calls)
}

func TestGenerate_JSON(t *testing.T) {
	f := newFixture(t)
	f.credit(t)

	rec := f.do(t, http.MethodPost, "/api/generate", "application/json", photosJSON(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp GenerateResponse
	decode(t, rec, &resp)
	assert.Equal(t, "Your celebrity-level photo is ready!", resp.Message)
	assert.True(t, strings.HasPrefix(resp.Image, "data:image/png;base64,"))
	assert.Equal(t, 1, resp.Usage.UsageCount)
	assert.Equal(t, 1, resp.Usage.RemainingUses)
	assert.Equal(t, "beach", f.merger.last.Scene)
	assert.Equal(t, "image/jpeg", f.merger.last.First.MIMEType)
}

func TestGenerate_Multipart(t *testing.T) {
	f := newFixture(t)
	f.credit(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, field := range []string{"first", "second"} {
		part, err := mw.CreateFormFile(field, field+".png")
		require.NoError(t, err)
		_, err = part.Write([]byte("\x89PNG\r\n\x1a\n" + field))
		require.NoError(t, err)
	}
	require.NoError(t, mw.WriteField("scene", "tropical beach at sunset"))
	require.NoError(t, mw.Close())

	rec := f.do(t, http.MethodPost, "/api/generate", mw.FormDataContentType(), buf.Bytes())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "tropical beach at sunset", f.merger.last.Scene)
	assert.Equal(t, "image/png", f.merger.last.Second.ContentType())
}

func TestGenerate_MissingImage(t *testing.T) {
	f := newFixture(t)
	f.credit(t)

	body := []byte(`{"first":"` + imagemerge.Image{Data: []byte("x")}.DataURL() + `"}`)
	rec := f.do(t, http.MethodPost, "/api/generate", "application/json", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	usage := f.do(t, http.MethodGet, "/api/usage", "", nil)
	var view ledger.UsageView
	decode(t, usage, &view)
	assert.Equal(t, 0, view.UsageCount)
}

func TestGenerate_InvalidDataURL(t *testing.T) {
	f := newFixture(t)
	f.credit(t)

	rec := f.do(t, http.MethodPost, "/api/generate", "application/json",
		[]byte(`{"first":"data:image/png;base64,!!!","second":"data:image/png;base64,!!!"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, f.merger.calls)
}

func TestGenerate_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"rate limited", &imagemerge.APIError{StatusCode: 429, Kind: imagemerge.KindRateLimited, Message: "slow down"}, http.StatusTooManyRequests},
		{"server error", &imagemerge.APIError{StatusCode: 500, Kind: imagemerge.KindServer, Message: "oops"}, http.StatusBadGateway},
		{"no image", imagemerge.ErrGenerationFailed, http.StatusBadGateway},
		{"not configured", imagemerge.ErrNotConfigured, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.credit(t)
			f.merger.err = tt.err

			rec := f.do(t, http.MethodPost, "/api/generate", "application/json", photosJSON(t))
			assert.Equal(t, tt.wantStatus, rec.Code)

			// failed generations are not counted
			rec = f.do(t, http.MethodGet, "/api/usage", "", nil)
			var view ledger.UsageView
			decode(t, rec, &view)
			assert.Equal(t, 0, view.UsageCount)
		})
	}
}

func TestConfirmPayment(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/payments/confirm", "application/json", []byte(`{"paymentIntentId":"pi_1"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ConfirmPaymentResponse
	decode(t, rec, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.TotalUses)
	assert.Equal(t, 0, resp.Usage.UsageCount)
	assert.Equal(t, 2, resp.Usage.EffectiveLimit)
	assert.Equal(t, 2, resp.Usage.RemainingUses)
}

func TestConfirmPayment_Errors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/payments/confirm", "application/json", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.payments.err = billing.ErrPaymentNotCompleted
	rec = f.do(t, http.MethodPost, "/api/payments/confirm", "application/json", []byte(`{"paymentIntentId":"pi_1"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	decode(t, rec, &resp)
	assert.Equal(t, "Payment not completed", resp.Error)
}

func TestReconnect_RemoteSession(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/usage/reconnect", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view ledger.UsageView
	decode(t, rec, &view)
	assert.Equal(t, ledger.ModeRemote, view.Mode)
}

func TestConfirmPayment_LocalOnlySession(t *testing.T) {
	f := newFixture(t)
	f.remote.setDown(true)

	rec := f.do(t, http.MethodGet, "/api/usage", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view ledger.UsageView
	decode(t, rec, &view)
	require.Equal(t, ledger.ModeLocalOnly, view.Mode)
	assert.Equal(t, ledger.NoticeOffline, view.Notice)
	assert.True(t, view.HasReachedLimit)

	rec = f.do(t, http.MethodPost, "/api/payments/confirm", "application/json", []byte(`{"paymentIntentId":"pi_1"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ConfirmPaymentResponse
	decode(t, rec, &resp)
	assert.Equal(t, ledger.ModeLocalOnly, resp.Usage.Mode)
	assert.Equal(t, ledger.RegimePaid, resp.Usage.Regime)
	assert.Equal(t, 0, resp.Usage.UsageCount)
	assert.Equal(t, 2, resp.Usage.EffectiveLimit)
	assert.Equal(t, 2, resp.Usage.RemainingUses)
	assert.False(t, resp.Usage.HasReachedLimit)

	// The credit also landed in the store through the payment path
	stored, err := f.storage.GetRecord(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.TotalUses)

	// Generations count locally and leave the store alone
	rec = f.do(t, http.MethodPost, "/api/generate", "application/json", photosJSON(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var gen GenerateResponse
	decode(t, rec, &gen)
	assert.Equal(t, ledger.ModeLocalOnly, gen.Usage.Mode)
	assert.Equal(t, 1, gen.Usage.UsageCount)
	assert.Equal(t, 1, gen.Usage.RemainingUses)

	stored, err = f.storage.GetRecord(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.UsageCount)
}

func TestReconnect_LocalOnlySession(t *testing.T) {
	f := newFixture(t)
	f.remote.setDown(true)

	rec := f.do(t, http.MethodPost, "/api/payments/confirm", "application/json", []byte(`{"paymentIntentId":"pi_1"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, "/api/generate", "application/json", photosJSON(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Still down: 503 and the session keeps its local usage
	rec = f.do(t, http.MethodPost, "/api/usage/reconnect", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var failed ErrorResponse
	decode(t, rec, &failed)
	require.NotNil(t, failed.Usage)
	assert.Equal(t, ledger.ModeLocalOnly, failed.Usage.Mode)
	assert.Equal(t, 1, failed.Usage.UsageCount)

	// The store is back, but the session stays local-only until reconnected
	f.remote.setDown(false)
	rec = f.do(t, http.MethodGet, "/api/usage", "", nil)
	var view ledger.UsageView
	decode(t, rec, &view)
	assert.Equal(t, ledger.ModeLocalOnly, view.Mode)
	assert.Equal(t, 1, view.UsageCount)

	rec = f.do(t, http.MethodPost, "/api/usage/reconnect", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &view)
	assert.Equal(t, ledger.ModeRemote, view.Mode)
	assert.Equal(t, 1, view.UsageCount)
	assert.Equal(t, 2, view.EffectiveLimit)
	assert.Equal(t, 1, view.RemainingUses)
	assert.Empty(t, view.Notice)

	stored, err := f.storage.GetRecord(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.UsageCount)
	assert.Equal(t, ledger.RegimePaid, stored.Regime)
	assert.Equal(t, 2, stored.CreditedUses)
}

func TestConfigEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/config", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view ConfigView
	decode(t, rec, &view)
	assert.Equal(t, 2, view.Usage.PaymentUses)
	assert.Equal(t, int64(99), view.Payment.AmountMinor)
	assert.Equal(t, "usd", view.Payment.Currency)

	rec = f.do(t, http.MethodPut, "/api/config", "application/json",
		[]byte(`{"usage":{"freeLimit":3,"paymentAmount":0.99,"paymentUses":2,"warningThreshold":1}}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var valid ValidationResponse
	decode(t, rec, &valid)
	assert.True(t, valid.Valid)
	assert.Empty(t, valid.Errors)

	rec = f.do(t, http.MethodPut, "/api/config", "application/json",
		[]byte(`{"usage":{"freeLimit":1,"paymentAmount":0,"paymentUses":0,"warningThreshold":1}}`))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var invalid ValidationResponse
	decode(t, rec, &invalid)
	assert.False(t, invalid.Valid)
	assert.Contains(t, invalid.Errors, "PAYMENT_AMOUNT must be greater than 0")
	assert.Contains(t, invalid.Errors, "PAYMENT_USES must be at least 1")
	assert.Contains(t, invalid.Errors, "WARNING_THRESHOLD must be less than FREE_LIMIT")

	// validation never applies the proposal
	rec = f.do(t, http.MethodGet, "/api/config", "", nil)
	decode(t, rec, &view)
	assert.Equal(t, 0, view.Usage.FreeLimit)
}

func TestGetBackgrounds(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/backgrounds", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Backgrounds []string `json:"backgrounds"`
		Default     string   `json:"default"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, imagemerge.BackgroundOptions(), resp.Backgrounds)
	assert.Equal(t, imagemerge.DefaultScene, resp.Default)
}

func TestRequestID(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/usage", "", nil)
	_, err := uuid.Parse(rec.Header().Get("X-Request-ID"))
	assert.NoError(t, err)

	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/api/usage", nil)
	req.Header.Set("X-User-ID", testUser)
	req.Header.Set("X-Request-ID", id)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, id, rec.Header().Get("X-Request-ID"))

	req.Header.Set("X-Request-ID", "not-a-uuid")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.NotEqual(t, "not-a-uuid", rec.Header().Get("X-Request-ID"))
}

func TestFromContext(t *testing.T) {
	type key struct{}
	get := FromContext(key{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, get(req))

	req = req.WithContext(context.WithValue(req.Context(), key{}, "u-42"))
	assert.Equal(t, "u-42", get(req))
}
