package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hub-otp/internal/application/otp"
	"github.com/hub-otp/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- mock ---

type mockOTPSvc struct{ mock.Mock }

func (m *mockOTPSvc) Issue(ctx context.Context, req otp.IssueRequest) (*otp.IssueResult, error) {
	args := m.Called(ctx, req)
	if r, _ := args.Get(0).(*otp.IssueResult); r != nil {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockOTPSvc) Verify(ctx context.Context, req otp.VerifyRequest) (*otp.VerifyResult, error) {
	args := m.Called(ctx, req)
	if r, _ := args.Get(0).(*otp.VerifyResult); r != nil {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func postJSON(t *testing.T, target string, v any) *http.Request {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorEnvelope {
	t.Helper()
	var env ErrorEnvelope
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&env))
	return env
}

// --- Request tests ---

func TestRequest_InvalidBody(t *testing.T) {
	h := NewOTPHandler(&mockOTPSvc{}, zap.NewNop())
	r := httptest.NewRequest(http.MethodPost, "/v1/otp/request", bytes.NewBufferString("not-json"))
	rr := httptest.NewRecorder()
	h.Request(rr, r)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRequest_MissingMobile(t *testing.T) {
	svc := &mockOTPSvc{}
	h := NewOTPHandler(svc, zap.NewNop())
	rr := httptest.NewRecorder()
	h.Request(rr, postJSON(t, "/v1/otp/request", map[string]string{"appId": "HUB"}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "validation", decodeError(t, rr).Kind)
	svc.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
}

func TestRequest_HappyPath_PassesMeta(t *testing.T) {
	svc := &mockOTPSvc{}
	svc.On("Issue", mock.Anything, otp.IssueRequest{
		AppID:  "SHOP",
		Mobile: "0500000000",
		Meta:   otp.RequestMeta{IP: "203.0.113.7", UserAgent: "test-agent"},
	}).Return(&otp.IssueResult{CooldownSeconds: 30}, nil)
	h := NewOTPHandler(svc, zap.NewNop())

	r := postJSON(t, "/v1/otp/request", map[string]string{"appid": "SHOP", "mobile": "0500000000"})
	r.RemoteAddr = "203.0.113.7:41000"
	r.Header.Set("User-Agent", "test-agent")
	rr := httptest.NewRecorder()
	h.Request(rr, r)

	assert.Equal(t, http.StatusOK, rr.Code)
	var env IssueEnvelope
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&env))
	assert.True(t, env.Success)
	assert.Equal(t, 30, env.CooldownSeconds)
	svc.AssertExpectations(t)
}

func TestRequest_AppIDTakesPrecedenceOverAlias(t *testing.T) {
	svc := &mockOTPSvc{}
	svc.On("Issue", mock.Anything, mock.MatchedBy(func(req otp.IssueRequest) bool {
		return req.AppID == "A"
	})).Return(&otp.IssueResult{}, nil)
	h := NewOTPHandler(svc, zap.NewNop())
	rr := httptest.NewRecorder()
	h.Request(rr, postJSON(t, "/v1/otp/request", map[string]string{"appId": "A", "appid": "B", "mobile": "0500000000"}))
	assert.Equal(t, http.StatusOK, rr.Code)
	svc.AssertExpectations(t)
}

func TestRequest_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"validation", domain.ValidationError("invalid mobile number"), http.StatusBadRequest, "validation"},
		{"cooldown", domain.RateLimitError(domain.ReasonCooldown, 20*time.Second), http.StatusTooManyRequests, "rate_limit"},
		{"delivery", domain.DeliveryError(errors.New("green api down")), http.StatusBadGateway, "delivery"},
		{"storage", domain.StorageError("store otp", errors.New("redis gone")), http.StatusServiceUnavailable, "storage"},
		{"config", domain.ConfigError("no secret"), http.StatusInternalServerError, "config"},
		{"untyped", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockOTPSvc{}
			svc.On("Issue", mock.Anything, mock.Anything).Return(nil, tc.err)
			h := NewOTPHandler(svc, zap.NewNop())
			rr := httptest.NewRecorder()
			h.Request(rr, postJSON(t, "/v1/otp/request", map[string]string{"mobile": "0500000000"}))
			assert.Equal(t, tc.status, rr.Code)
			env := decodeError(t, rr)
			assert.False(t, env.Success)
			assert.Equal(t, tc.kind, env.Kind)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestRequest_Cooldown_SetsRetryAfter(t *testing.T) {
	svc := &mockOTPSvc{}
	svc.On("Issue", mock.Anything, mock.Anything).Return(nil, domain.RateLimitError(domain.ReasonCooldown, 19500*time.Millisecond))
	h := NewOTPHandler(svc, zap.NewNop())
	rr := httptest.NewRecorder()
	h.Request(rr, postJSON(t, "/v1/otp/request", map[string]string{"mobile": "0500000000"}))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "20", rr.Header().Get("Retry-After"))
	env := decodeError(t, rr)
	assert.Equal(t, 20, env.RetryAfterSeconds)
	assert.Equal(t, domain.ReasonCooldown, env.Error)
}

func TestRequest_StorageError_HidesCause(t *testing.T) {
	svc := &mockOTPSvc{}
	svc.On("Issue", mock.Anything, mock.Anything).Return(nil, domain.StorageError("store otp", errors.New("dial tcp 10.1.2.3:6379")))
	h := NewOTPHandler(svc, zap.NewNop())
	rr := httptest.NewRecorder()
	h.Request(rr, postJSON(t, "/v1/otp/request", map[string]string{"mobile": "0500000000"}))
	assert.NotContains(t, rr.Body.String(), "10.1.2.3")
}

// --- Verify tests ---

func TestVerify_MissingOTP(t *testing.T) {
	svc := &mockOTPSvc{}
	h := NewOTPHandler(svc, zap.NewNop())
	rr := httptest.NewRecorder()
	h.Verify(rr, postJSON(t, "/v1/otp/verify", map[string]string{"mobile": "0500000000"}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	svc.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
}

func TestVerify_HappyPath(t *testing.T) {
	svc := &mockOTPSvc{}
	svc.On("Verify", mock.Anything, otp.VerifyRequest{AppID: "HUB", Mobile: "0500000000", Code: "1234"}).
		Return(&otp.VerifyResult{
			AppID:    "HUB",
			Identity: "966500000000",
			Session:  &domain.Session{SessionKey: "sk-1", User: map[string]any{"name": "Sara"}},
			Ticket:   "tkt",
		}, nil)
	h := NewOTPHandler(svc, zap.NewNop())
	rr := httptest.NewRecorder()
	h.Verify(rr, postJSON(t, "/v1/otp/verify", map[string]string{"appId": "HUB", "mobile": "0500000000", "otp": "1234"}))

	assert.Equal(t, http.StatusOK, rr.Code)
	var env VerifyEnvelope
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&env))
	assert.True(t, env.Verified)
	assert.Equal(t, "sk-1", env.SessionKey)
	assert.Equal(t, "Sara", env.User["name"])
	assert.Equal(t, "tkt", env.Ticket)
	svc.AssertExpectations(t)
}

func TestVerify_WithoutSession(t *testing.T) {
	svc := &mockOTPSvc{}
	svc.On("Verify", mock.Anything, mock.Anything).Return(&otp.VerifyResult{AppID: "HUB", Identity: "966500000000"}, nil)
	h := NewOTPHandler(svc, zap.NewNop())
	rr := httptest.NewRecorder()
	h.Verify(rr, postJSON(t, "/v1/otp/verify", map[string]string{"mobile": "0500000000", "otp": "1234"}))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "sessionKey")
}

func TestVerify_Invalid_ReportsAttemptsLeft(t *testing.T) {
	svc := &mockOTPSvc{}
	verr := domain.VerificationError(domain.ReasonInvalid)
	verr.AttemptsLeft = 3
	svc.On("Verify", mock.Anything, mock.Anything).Return(nil, verr)
	h := NewOTPHandler(svc, zap.NewNop())
	rr := httptest.NewRecorder()
	h.Verify(rr, postJSON(t, "/v1/otp/verify", map[string]string{"mobile": "0500000000", "otp": "0000"}))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	env := decodeError(t, rr)
	assert.Equal(t, domain.ReasonInvalid, env.Error)
	assert.Equal(t, 3, env.AttemptsLeft)
}

func TestVerify_Expired(t *testing.T) {
	svc := &mockOTPSvc{}
	svc.On("Verify", mock.Anything, mock.Anything).Return(nil, domain.VerificationError(domain.ReasonExpired))
	h := NewOTPHandler(svc, zap.NewNop())
	rr := httptest.NewRecorder()
	h.Verify(rr, postJSON(t, "/v1/otp/verify", map[string]string{"mobile": "0500000000", "otp": "0000"}))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, domain.ReasonExpired, decodeError(t, rr).Error)
}

func TestVerify_Locked(t *testing.T) {
	svc := &mockOTPSvc{}
	svc.On("Verify", mock.Anything, mock.Anything).Return(nil, domain.RateLimitError(domain.ReasonLocked, 4*time.Minute))
	h := NewOTPHandler(svc, zap.NewNop())
	rr := httptest.NewRecorder()
	h.Verify(rr, postJSON(t, "/v1/otp/verify", map[string]string{"mobile": "0500000000", "otp": "0000"}))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "240", rr.Header().Get("Retry-After"))
	assert.Equal(t, domain.ReasonLocked, decodeError(t, rr).Error)
}
