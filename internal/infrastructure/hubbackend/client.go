// Package hubbackend talks to the hub's spreadsheet-backed system of record.
// Every request is a JSON POST carrying an action name and an HMAC signature
// over the canonical form of the payload.
package hubbackend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	otpapp "github.com/hub-otp/internal/application/otp"
	"github.com/hub-otp/internal/domain"
	"github.com/hub-otp/internal/metrics"
	"github.com/hub-otp/internal/pkg/clock"
	"github.com/hub-otp/internal/pkg/httpjson"
	"github.com/hub-otp/internal/pkg/signing"
	"github.com/sethvargo/go-retry"
)

const (
	ActionStore    = "otp.store"
	ActionFail     = "otp.fail"
	ActionVerified = "otp.verified"

	failRetries = 3
)

type Client struct {
	url    string
	signer *signing.Signer
	http   *http.Client
	clock  clock.Clocker
}

type reply struct {
	Success     bool           `json:"success"`
	Error       string         `json:"error"`
	CooldownSec int            `json:"cooldownSec"`
	SessionKey  string         `json:"sessionKey"`
	User        map[string]any `json:"user"`
}

func New(url string, signer *signing.Signer, timeout time.Duration, clk clock.Clocker) *Client {
	if clk == nil {
		clk = clock.New()
	}
	return &Client{url: url, signer: signer, http: &http.Client{Timeout: timeout}, clock: clk}
}

// StoreOTP registers an issued digest. A reply with success=false means the
// backend refused issuance (its own cooldown or spam rules) and is reported
// as a rate-limit error.
func (c *Client) StoreOTP(ctx context.Context, req otpapp.BackendStoreRequest) (*otpapp.BackendStoreResult, error) {
	payload := map[string]any{
		"action":    ActionStore,
		"appId":     req.AppID,
		"mobile":    req.Identity,
		"otpHash":   req.Digest,
		"expiresAt": req.ExpiresAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		"meta": map[string]any{
			"ip": req.Meta.IP,
			"ua": req.Meta.UserAgent,
		},
	}
	res, err := c.call(ctx, ActionStore, payload)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "OTP cannot be issued now"
		}
		return nil, &domain.Error{
			Kind:       domain.KindRateLimit,
			Reason:     domain.ReasonCooldown,
			Msg:        msg,
			RetryAfter: time.Duration(res.CooldownSec) * time.Second,
		}
	}
	return &otpapp.BackendStoreResult{CooldownSeconds: res.CooldownSec}, nil
}

// FailOTP marks a digest unusable. It is idempotent, so transient failures
// are retried with Fibonacci backoff.
func (c *Client) FailOTP(ctx context.Context, req otpapp.BackendFailRequest) error {
	b := retry.NewFibonacci(200 * time.Millisecond)
	b = retry.WithMaxRetries(failRetries, b)
	b = retry.WithCappedDuration(2*time.Second, b)
	return retry.Do(ctx, b, func(ctx context.Context) error {
		_, err := c.call(ctx, ActionFail, map[string]any{
			"action":  ActionFail,
			"appId":   req.AppID,
			"mobile":  req.Identity,
			"otpHash": req.Digest,
			"reason":  req.Reason,
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Verified reports a successful verification and returns the backend session.
func (c *Client) Verified(ctx context.Context, appID, identity string) (*domain.Session, error) {
	res, err := c.call(ctx, ActionVerified, map[string]any{
		"action": ActionVerified,
		"appId":  appID,
		"mobile": identity,
	})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		if res.Error == "" {
			res.Error = "backend rejected verification"
		}
		return nil, fmt.Errorf("%s: %s", ActionVerified, res.Error)
	}
	return &domain.Session{SessionKey: res.SessionKey, User: res.User}, nil
}

// call stamps ts, signs and posts payload.
func (c *Client) call(ctx context.Context, action string, payload map[string]any) (*reply, error) {
	payload["ts"] = c.clock.Now().UnixMilli()
	sig, err := c.signer.Sign(payload)
	if err != nil {
		return nil, err
	}
	payload[signing.SigField] = sig

	var res reply
	if err := httpjson.Post(ctx, c.http, c.url, payload, &res); err != nil {
		metrics.BackendRequestsTotal.WithLabelValues(action, metrics.ResultError).Inc()
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	result := metrics.ResultOK
	if !res.Success {
		result = metrics.ResultRejected
	}
	metrics.BackendRequestsTotal.WithLabelValues(action, result).Inc()
	return &res, nil
}
