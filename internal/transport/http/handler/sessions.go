package handler

import (
	"net/http"

	"github.com/hub-otp/internal/transport/http/middleware"
)

// Me returns the identity asserted by the caller's verification ticket.
func Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	env := SessionEnvelope{
		Success:    true,
		AppID:      claims.AppID,
		Mobile:     claims.Subject,
		SessionKey: claims.SessionKey,
	}
	if claims.ExpiresAt != nil {
		env.ExpiresAt = claims.ExpiresAt.Unix()
	}
	writeJSON(w, http.StatusOK, env)
}
