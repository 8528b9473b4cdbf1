package handler

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hub-otp/internal/config"
	jwtinfra "github.com/hub-otp/internal/infrastructure/jwt"
	"github.com/hub-otp/internal/transport/http/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestJWTProvider generates a fresh RSA key pair and returns a *jwtinfra.Provider.
func newTestJWTProvider(t *testing.T) *jwtinfra.Provider {
	t.Helper()
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "private.pem")
	pubPath := filepath.Join(dir, "public.pem")

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)})
	require.NoError(t, os.WriteFile(privPath, privPEM, 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(&privKey.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0600))

	p, err := jwtinfra.NewProvider(&config.Config{
		JWTPrivateKeyPath: privPath,
		JWTPublicKeyPath:  pubPath,
		JWTExpiry:         15 * time.Minute,
	})
	require.NoError(t, err)
	return p
}

// serveAuthed wraps the handler with middleware.Auth before serving.
func serveAuthed(p *jwtinfra.Provider, h http.Handler, w http.ResponseWriter, r *http.Request) {
	middleware.Auth(p)(h).ServeHTTP(w, r)
}

func TestMe_MissingClaims(t *testing.T) {
	rr := httptest.NewRecorder()
	Me(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestMe_ReturnsTicketClaims(t *testing.T) {
	p := newTestJWTProvider(t)
	token, err := p.SignTicket("HUB", "966500000000", "sk-1")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/v1/sessions/me", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	serveAuthed(p, http.HandlerFunc(Me), rr, r)

	assert.Equal(t, http.StatusOK, rr.Code)
	var env SessionEnvelope
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&env))
	assert.Equal(t, "HUB", env.AppID)
	assert.Equal(t, "966500000000", env.Mobile)
	assert.Equal(t, "sk-1", env.SessionKey)
	assert.Greater(t, env.ExpiresAt, time.Now().Unix())
}

func TestMe_RejectsForeignKey(t *testing.T) {
	signer := newTestJWTProvider(t)
	verifier := newTestJWTProvider(t)
	token, err := signer.SignTicket("HUB", "966500000000", "")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/v1/sessions/me", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	serveAuthed(verifier, http.HandlerFunc(Me), rr, r)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
