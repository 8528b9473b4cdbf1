package hubbackend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	otpapp "github.com/hub-otp/internal/application/otp"
	"github.com/hub-otp/internal/domain"
	"github.com/hub-otp/internal/pkg/clock"
	"github.com/hub-otp/internal/pkg/signing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "backend-secret"

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// backend decodes each request, checks its signature and answers with reply.
func backend(t *testing.T, handle func(payload map[string]any) (int, string)) (*Client, *[]map[string]any) {
	t.Helper()
	signer, err := signing.NewSigner(secret)
	require.NoError(t, err)
	var seen []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		want, err := signer.Sign(payload)
		require.NoError(t, err)
		assert.Equal(t, want, payload[signing.SigField], "bad signature on %v", payload["action"])
		seen = append(seen, payload)
		status, body := handle(payload)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL, signer, time.Second, clock.NewFake(now)), &seen
}

func TestStoreOTP_SignedPayload(t *testing.T) {
	c, seen := backend(t, func(map[string]any) (int, string) {
		return http.StatusOK, `{"success":true,"cooldownSec":45}`
	})
	res, err := c.StoreOTP(context.Background(), otpapp.BackendStoreRequest{
		AppID:     "HUB",
		Identity:  "966500000000",
		Digest:    "d1",
		ExpiresAt: now.Add(10 * time.Minute),
		Meta:      otpapp.RequestMeta{IP: "10.0.0.1", UserAgent: "curl"},
	})
	require.NoError(t, err)
	assert.Equal(t, 45, res.CooldownSeconds)

	require.Len(t, *seen, 1)
	p := (*seen)[0]
	assert.Equal(t, "otp.store", p["action"])
	assert.Equal(t, "966500000000", p["mobile"])
	assert.Equal(t, "d1", p["otpHash"])
	assert.Equal(t, "2026-03-01T09:10:00.000Z", p["expiresAt"])
	assert.Equal(t, float64(now.UnixMilli()), p["ts"])
	assert.Equal(t, map[string]any{"ip": "10.0.0.1", "ua": "curl"}, p["meta"])
}

func TestStoreOTP_RejectionIsRateLimit(t *testing.T) {
	c, _ := backend(t, func(map[string]any) (int, string) {
		return http.StatusOK, `{"success":false,"error":"Too many requests","cooldownSec":20}`
	})
	_, err := c.StoreOTP(context.Background(), otpapp.BackendStoreRequest{AppID: "HUB", Identity: "966500000000"})
	require.Error(t, err)
	assert.Equal(t, domain.KindRateLimit, domain.KindOf(err))
	assert.EqualError(t, err, "Too many requests")

	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 20*time.Second, de.RetryAfter)
}

func TestStoreOTP_HTMLReplyIsError(t *testing.T) {
	signer, _ := signing.NewSigner(secret)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<!DOCTYPE html><title>Google Drive</title>"))
	}))
	defer srv.Close()

	c := New(srv.URL, signer, time.Second, nil)
	_, err := c.StoreOTP(context.Background(), otpapp.BackendStoreRequest{AppID: "HUB", Identity: "966500000000"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "otp.store: HTML response")
	assert.NotEqual(t, domain.KindRateLimit, domain.KindOf(err))
}

func TestFailOTP_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	c, seen := backend(t, func(map[string]any) (int, string) {
		if calls.Add(1) < 3 {
			return http.StatusBadGateway, `{"error":"upstream"}`
		}
		return http.StatusOK, `{"success":true}`
	})
	err := c.FailOTP(context.Background(), otpapp.BackendFailRequest{
		AppID: "HUB", Identity: "966500000000", Digest: "d1", Reason: "provider 500",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "provider 500", (*seen)[2]["reason"])
}

func TestFailOTP_GivesUp(t *testing.T) {
	var calls atomic.Int32
	c, _ := backend(t, func(map[string]any) (int, string) {
		calls.Add(1)
		return http.StatusInternalServerError, `{}`
	})
	err := c.FailOTP(context.Background(), otpapp.BackendFailRequest{AppID: "HUB", Identity: "966500000000"})
	require.Error(t, err)
	assert.Equal(t, int32(failRetries+1), calls.Load())
}

func TestVerified_ReturnsSession(t *testing.T) {
	c, seen := backend(t, func(map[string]any) (int, string) {
		return http.StatusOK, `{"success":true,"sessionKey":"sk-9","user":{"name":"Sara","role":"owner"}}`
	})
	sess, err := c.Verified(context.Background(), "HUB", "966500000000")
	require.NoError(t, err)
	assert.Equal(t, "sk-9", sess.SessionKey)
	assert.Equal(t, "Sara", sess.User["name"])
	assert.Equal(t, "otp.verified", (*seen)[0]["action"])
	_, hasHash := (*seen)[0]["otpHash"]
	assert.False(t, hasHash)
}

func TestVerified_Rejected(t *testing.T) {
	c, _ := backend(t, func(map[string]any) (int, string) {
		return http.StatusOK, `{"success":false,"error":"user disabled"}`
	})
	_, err := c.Verified(context.Background(), "HUB", "966500000000")
	assert.EqualError(t, err, "otp.verified: user disabled")
}
