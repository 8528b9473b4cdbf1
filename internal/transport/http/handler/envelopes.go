package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/hub-otp/internal/domain"
	"go.uber.org/zap"
)

const maxBodyBytes = 4 << 10

// RequestOTPBody is the body of POST /v1/otp/request. appid is accepted as an alias.
type RequestOTPBody struct {
	AppID      string `json:"appId"`
	AppIDAlias string `json:"appid"`
	Mobile     string `json:"mobile" validate:"required"`
}

// VerifyOTPBody is the body of POST /v1/otp/verify.
type VerifyOTPBody struct {
	AppID      string `json:"appId"`
	AppIDAlias string `json:"appid"`
	Mobile     string `json:"mobile" validate:"required"`
	OTP        string `json:"otp" validate:"required"`
}

// IssueEnvelope wraps a successful issuance.
type IssueEnvelope struct {
	Success         bool `json:"success"`
	CooldownSeconds int  `json:"cooldownSeconds"`
}

// VerifyEnvelope wraps a successful verification.
type VerifyEnvelope struct {
	Success    bool           `json:"success"`
	Verified   bool           `json:"verified"`
	SessionKey string         `json:"sessionKey,omitempty"`
	User       map[string]any `json:"user,omitempty"`
	Ticket     string         `json:"ticket,omitempty"`
}

// SessionEnvelope wraps current-ticket responses.
type SessionEnvelope struct {
	Success    bool   `json:"success"`
	AppID      string `json:"appId"`
	Mobile     string `json:"mobile"`
	SessionKey string `json:"sessionKey,omitempty"`
	ExpiresAt  int64  `json:"expiresAt"`
}

// MessageEnvelope is the generic response wrapper.
type MessageEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ErrorEnvelope is the body of every failed request.
type ErrorEnvelope struct {
	Success           bool   `json:"success"`
	Error             string `json:"error"`
	Kind              string `json:"kind,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	AttemptsLeft      int    `json:"attemptsLeft,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorEnvelope{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// httpError maps a service error onto a status code and ErrorEnvelope.
// Messages from infrastructure failures are logged, never returned.
func httpError(w http.ResponseWriter, log *zap.Logger, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		log.Error("unhandled error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorEnvelope{Error: "internal error", Kind: domain.KindInternal.String()})
		return
	}
	env := ErrorEnvelope{Kind: de.Kind.String()}
	status := http.StatusInternalServerError
	switch de.Kind {
	case domain.KindValidation:
		status = http.StatusBadRequest
		env.Error = de.Msg
		if de.Reason == domain.ReasonInvalid || de.Reason == domain.ReasonExpired {
			status = http.StatusUnauthorized
			env.Error = de.Reason
			env.AttemptsLeft = de.AttemptsLeft
		}
	case domain.KindRateLimit:
		status = http.StatusTooManyRequests
		env.Error = de.Msg
		if de.RetryAfter > 0 {
			secs := int(math.Ceil(de.RetryAfter.Seconds()))
			env.RetryAfterSeconds = secs
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	case domain.KindDelivery:
		status = http.StatusBadGateway
		env.Error = "failed to deliver code"
		log.Warn("delivery failed", zap.Error(err))
	case domain.KindStorage:
		status = http.StatusServiceUnavailable
		env.Error = "service temporarily unavailable"
		log.Error("storage failure", zap.Error(err))
	case domain.KindConfig:
		env.Error = "service misconfigured"
		log.Error("configuration error", zap.Error(err))
	default:
		env.Error = "internal error"
		log.Error("internal error", zap.Error(err))
	}
	writeJSON(w, status, env)
}
