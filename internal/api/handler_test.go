package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotawarden/internal/admin"
	"quotawarden/internal/archive"
	"quotawarden/internal/engine"
	"quotawarden/internal/export"
	"quotawarden/internal/observability"
	"quotawarden/internal/opstore"
	"quotawarden/internal/opstore/opstoretest"
	"quotawarden/internal/store"
)

const gib = opstoretest.GiB

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type nopRunner struct{ fail bool }

func (r nopRunner) Run(context.Context, []string) error {
	if r.fail {
		return errors.New("unit not found")
	}
	return nil
}

type harness struct {
	fx      *opstoretest.Fixture
	billing *store.Store
	ctl     *engine.Controller
	handler *Handler
	router  *gin.Engine
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	fx := opstoretest.New(t)
	ops := opstore.New(fx.Path, opstore.Options{})
	billing, err := store.Open(filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = billing.Close() })
	require.NoError(t, billing.Migrate(context.Background()))
	billing.Now = func() time.Time { return testNow }

	ctl := engine.NewController(engine.Options{
		StopCommand:  []string{"stop"},
		StartCommand: []string{"start"},
		Runner:       nopRunner{},
		Logger:       logger,
	})
	ctl.Sleep = func(time.Duration) {}

	svc := admin.NewService(ops, billing, archive.New(ops, billing, logger), ctl, admin.Options{
		Location: time.UTC,
		Logger:   logger,
	})
	svc.Now = func() time.Time { return testNow }

	opts.Logger = logger
	h := NewHandler(svc, opts)
	h.Now = func() time.Time { return testNow }
	return &harness{fx: fx, billing: billing, ctl: ctl, handler: h, router: h.Router()}
}

func (h *harness) do(method, path string, body any, header ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	var readyErr error
	h := newHarness(t, Options{Ready: func(context.Context) error { return readyErr }})

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/readyz", nil).Code)

	readyErr = errors.New("billing store down")
	rec := h.do(http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "billing store down")
}

func TestAPIKeyRequired(t *testing.T) {
	h := newHarness(t, Options{APIKey: "s3cret"})

	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/users", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/users", nil, "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/users", nil, "X-API-Key", "s3cret").Code)
	// Probes stay open.
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", nil).Code)
}

func TestUsersAndStats(t *testing.T) {
	h := newHarness(t, Options{})
	h.fx.AddInbound(nil,
		opstoretest.Client{Email: "alice", Enable: true, TotalBytes: 10 * gib, WithTraffic: true, TrafficEnabled: true, Up: gib},
		opstoretest.Client{Email: "bob", Enable: false, WithTraffic: true},
	)

	rec := h.do(http.MethodGet, "/api/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decode[admin.Listing](t, rec)
	require.Len(t, listing.Accounts, 2)
	assert.False(t, listing.Unavailable)

	rec = h.do(http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[admin.Stats](t, rec)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Passive)
}

func TestToggleUser(t *testing.T) {
	h := newHarness(t, Options{})
	inbound := h.fx.AddInbound(nil, opstoretest.Client{Email: "alice", Enable: true, WithTraffic: true, TrafficEnabled: true})

	rec := h.do(http.MethodPost, "/api/toggle-user", gin.H{"email": "alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, decode[map[string]any](t, rec)["enabled"])
	assert.Equal(t, false, h.fx.ClientEntry(inbound, "alice")["enable"])

	rec = h.do(http.MethodPost, "/api/toggle-user", gin.H{"email": "alice", "enable": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, h.fx.ClientEntry(inbound, "alice")["enable"])
	assert.Equal(t, int64(2), h.ctl.Cycles())

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/api/toggle-user", gin.H{"email": "nobody"}).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/toggle-user", gin.H{}).Code)
}

func TestUpdateSettingsAndPayment(t *testing.T) {
	h := newHarness(t, Options{})
	h.fx.AddInbound(nil, opstoretest.Client{
		Email: "alice", Enable: false, TotalBytes: 10 * gib, WithTraffic: true, Up: 11 * gib,
	})

	rec := h.do(http.MethodPost, "/api/update-user-settings", gin.H{"email": "alice", "quota": 20.0})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, h.fx.Traffic("alice").Enable)
	assert.Zero(t, h.fx.Traffic("alice").Up)

	rec = h.do(http.MethodPost, "/api/add-payment", gin.H{"email": "alice", "amount": 15.0, "payment_date": "2026-03-09"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodGet, "/api/payment-history/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]map[string]any](t, rec)
	require.Len(t, history, 1)

	rec = h.do(http.MethodPost, "/api/add-payment", gin.H{"email": "alice", "amount": -1.0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFolderNoteAndReset(t *testing.T) {
	h := newHarness(t, Options{})
	h.fx.AddInbound(nil, opstoretest.Client{Email: "alice", Enable: true, WithTraffic: true, TrafficEnabled: true, Down: 3 * gib})

	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/move-to-folder", gin.H{"email": "alice", "folder": "GSM"}).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/move-to-folder", gin.H{"email": "alice", "folder": "Nowhere"}).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/update-user-note", gin.H{"email": "alice", "note": "rack 2"}).Code)

	rec, err := h.billing.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "GSM", rec.Folder)
	assert.Equal(t, "rack 2", rec.Notes)

	resp := h.do(http.MethodPost, "/api/reset-usage", gin.H{"email": "alice", "mode": "purge"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.EqualValues(t, 3*gib, decode[map[string]any](t, resp)["archived_bytes"])
	assert.False(t, h.fx.Traffic("alice").Found)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/reset-usage", gin.H{"email": "alice", "mode": "wipe"}).Code)
}

func TestEngineFailureMapsToBadGateway(t *testing.T) {
	h := newHarness(t, Options{})
	h.fx.AddInbound(nil, opstoretest.Client{Email: "alice", Enable: true, WithTraffic: true, TrafficEnabled: true})
	h.handler.Admin.Engine = engine.NewController(engine.Options{
		StopCommand:  []string{"stop"},
		StartCommand: []string{"start"},
		Runner:       nopRunner{fail: true},
		Logger:       logrus.New(),
	})

	rec := h.do(http.MethodPost, "/api/toggle-user", gin.H{"email": "alice"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	// The edit itself still landed.
	assert.False(t, h.fx.Traffic("alice").Enable)
}

func TestEnforcementStats(t *testing.T) {
	obs := observability.NewEnforcementObserver(logrus.New())
	obs.RecordDisable("alice", "quota")
	h := newHarness(t, Options{Enforcement: obs})

	rec := h.do(http.MethodGet, "/api/enforcement", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[observability.EnforcementStats](t, rec)
	assert.Equal(t, int64(1), stats.Disabled["quota"])
}

func TestExport(t *testing.T) {
	h := newHarness(t, Options{})
	h.fx.AddInbound(nil, opstoretest.Client{Email: "alice", Enable: true, WithTraffic: true})

	rec := h.do(http.MethodGet, "/api/export?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, export.FormatCSV.ContentType(), rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), fmt.Sprintf("accounts_%s.csv", testNow.Format("20060102_1504")))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "Account,Status"))

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/export?format=docx", nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/export?format=csv&upload=true", nil).Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		opstore.ErrAccountNotFound:                              http.StatusNotFound,
		store.ErrNotFound:                                       http.StatusNotFound,
		fmt.Errorf("list: %w", opstore.ErrStoreUnavailable):     http.StatusServiceUnavailable,
		admin.ErrInvalidFolder:                                  http.StatusBadRequest,
		&engine.EngineControlError{Phase: "start", Err: io.EOF}: http.StatusBadGateway,
		errors.New("boom"):                                      http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

func TestRateLimitThrottlesAPI(t *testing.T) {
	h := newHarness(t, Options{RateLimit: 1, RateBurst: 2})

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/stats", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/stats", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, h.do(http.MethodGet, "/api/stats", nil).Code)
	// Probes are outside the limited group.
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", nil).Code)
}
