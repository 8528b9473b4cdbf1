package http

import (
	"bytes"
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hub-otp/internal/application/otp"
	"github.com/hub-otp/internal/config"
	"github.com/hub-otp/internal/domain"
	"github.com/hub-otp/internal/infrastructure/memory"
	"github.com/hub-otp/internal/pkg/clock"
	"github.com/hub-otp/internal/pkg/signing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type inbox struct {
	mu   sync.Mutex
	last string
}

func (i *inbox) Name() string { return "whatsapp" }

func (i *inbox) Send(_ context.Context, _, message string) (domain.Receipt, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.last = message
	return domain.Receipt{ProviderMessageID: "m1"}, nil
}

func (i *inbox) code(t *testing.T) string {
	t.Helper()
	i.mu.Lock()
	defer i.mu.Unlock()
	line, _, _ := strings.Cut(i.last, "\n")
	_, code, ok := strings.Cut(line, ": ")
	require.True(t, ok)
	return code
}

func newTestRouter(t *testing.T) (nethttp.Handler, *inbox) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	signer, err := signing.NewSigner("router-secret")
	require.NoError(t, err)
	ch := &inbox{}
	svc, err := otp.NewService(otp.ServiceDeps{
		Store:   memory.New(clk),
		Channel: ch,
		Hasher:  signer,
		Clock:   clk,
		Policy:  otp.Policy{Length: 4, TTL: 10 * time.Minute, MaxAttempts: 5, Cooldown: 30 * time.Second, Brand: "NahlHub"},
	})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cfg := &config.Config{AllowedOrigins: []string{"*"}, RateLimitRPS: 100, RateLimitBurst: 100}
	return NewRouter(ctx, cfg, &Deps{OTP: svc, Logger: zap.NewNop(), Registerer: reg, Gatherer: reg}), ch
}

func do(t *testing.T, h nethttp.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *nethttp.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	return rr
}

func TestRouter_RequestThenVerify(t *testing.T) {
	h, ch := newTestRouter(t)

	rr := do(t, h, nethttp.MethodPost, "/v1/otp/request", map[string]string{"mobile": "0500000000"})
	require.Equal(t, nethttp.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"success":true,"cooldownSeconds":30}`, rr.Body.String())

	rr = do(t, h, nethttp.MethodPost, "/v1/otp/request", map[string]string{"mobile": "+966500000000"})
	assert.Equal(t, nethttp.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	rr = do(t, h, nethttp.MethodPost, "/v1/otp/verify", map[string]string{"mobile": "500000000", "otp": ch.code(t)})
	require.Equal(t, nethttp.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"verified":true`)

	rr = do(t, h, nethttp.MethodPost, "/v1/otp/verify", map[string]string{"mobile": "0500000000", "otp": ch.code(t)})
	assert.Equal(t, nethttp.StatusUnauthorized, rr.Code)
}

func TestRouter_VerifyUnknownIdentity(t *testing.T) {
	h, _ := newTestRouter(t)
	rr := do(t, h, nethttp.MethodPost, "/v1/otp/verify", map[string]string{"mobile": "0511111111", "otp": "1234"})
	assert.Equal(t, nethttp.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), `"error":"invalid"`)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	h, _ := newTestRouter(t)
	assert.Equal(t, nethttp.StatusOK, do(t, h, nethttp.MethodGet, "/v1/health-check/ping", nil).Code)
	assert.Equal(t, nethttp.StatusOK, do(t, h, nethttp.MethodGet, "/v1/health-check/ready", nil).Code)

	rr := do(t, h, nethttp.MethodGet, "/metrics", nil)
	assert.Equal(t, nethttp.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "http_requests_total")
}

func TestRouter_SessionsMeNotMountedWithoutTickets(t *testing.T) {
	h, _ := newTestRouter(t)
	assert.Equal(t, nethttp.StatusNotFound, do(t, h, nethttp.MethodGet, "/v1/sessions/me", nil).Code)
}
