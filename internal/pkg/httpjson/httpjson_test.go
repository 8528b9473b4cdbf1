package httpjson

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, status int, contentType, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestPost_DecodesJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"idMessage":"abc"}`))
	}))
	defer srv.Close()

	var out struct {
		IDMessage string `json:"idMessage"`
	}
	err := Post(context.Background(), srv.Client(), srv.URL, map[string]string{"chatId": "x"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "abc", out.IDMessage)
	assert.Equal(t, "x", got["chatId"])
}

func TestPost_EmptyBodyIsEmptyObject(t *testing.T) {
	url := serve(t, http.StatusOK, "application/json", "")
	assert.NoError(t, Post(context.Background(), http.DefaultClient, url, struct{}{}, nil))
}

func TestPost_RejectsHTML(t *testing.T) {
	url := serve(t, http.StatusOK, "text/html; charset=utf-8", "<!DOCTYPE html><html>Sign in</html>")
	err := Post(context.Background(), http.DefaultClient, url, struct{}{}, nil)
	assert.ErrorContains(t, err, "HTML response")

	url = serve(t, http.StatusOK, "application/json", "<html>oops</html>")
	err = Post(context.Background(), http.DefaultClient, url, struct{}{}, nil)
	assert.ErrorContains(t, err, "HTML response")
}

func TestPost_RejectsNonJSON(t *testing.T) {
	url := serve(t, http.StatusOK, "text/plain", "ok")
	err := Post(context.Background(), http.DefaultClient, url, struct{}{}, nil)
	assert.ErrorContains(t, err, "non-JSON response (HTTP 200): ok")
}

func TestPost_StatusErrorCarriesServerMessage(t *testing.T) {
	url := serve(t, http.StatusBadRequest, "application/json", `{"error":"bad signature"}`)
	err := Post(context.Background(), http.DefaultClient, url, struct{}{}, nil)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Equal(t, "bad signature", se.Error())

	url = serve(t, http.StatusInternalServerError, "application/json", `{}`)
	err = Post(context.Background(), http.DefaultClient, url, struct{}{}, nil)
	assert.EqualError(t, err, "HTTP 500")
}
