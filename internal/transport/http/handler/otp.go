package handler

import (
	"net/http"
	"strings"

	"github.com/hub-otp/internal/application/otp"
	"github.com/hub-otp/internal/pkg/validate"
	"github.com/hub-otp/internal/transport/http/middleware"
	"go.uber.org/zap"
)

// OTPHandler handles code issuance and verification.
type OTPHandler struct {
	svc otp.Service
	log *zap.Logger
}

func NewOTPHandler(svc otp.Service, log *zap.Logger) *OTPHandler {
	return &OTPHandler{svc: svc, log: log}
}

func (h *OTPHandler) Request(w http.ResponseWriter, r *http.Request) {
	var body RequestOTPBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(body); err != nil {
		httpError(w, h.log, err)
		return
	}
	res, err := h.svc.Issue(r.Context(), otp.IssueRequest{
		AppID:  firstNonEmpty(body.AppID, body.AppIDAlias),
		Mobile: body.Mobile,
		Meta: otp.RequestMeta{
			IP:        middleware.ClientIP(r),
			UserAgent: r.UserAgent(),
		},
	})
	if err != nil {
		httpError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, IssueEnvelope{Success: true, CooldownSeconds: res.CooldownSeconds})
}

func (h *OTPHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var body VerifyOTPBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(body); err != nil {
		httpError(w, h.log, err)
		return
	}
	res, err := h.svc.Verify(r.Context(), otp.VerifyRequest{
		AppID:  firstNonEmpty(body.AppID, body.AppIDAlias),
		Mobile: body.Mobile,
		Code:   body.OTP,
	})
	if err != nil {
		httpError(w, h.log, err)
		return
	}
	env := VerifyEnvelope{Success: true, Verified: true, Ticket: res.Ticket}
	if res.Session != nil {
		env.SessionKey = res.Session.SessionKey
		env.User = res.Session.User
	}
	writeJSON(w, http.StatusOK, env)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
