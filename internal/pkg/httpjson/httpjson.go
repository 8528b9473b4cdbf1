// Package httpjson posts JSON to third-party endpoints and decodes their replies.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	maxResponseBytes = 1 << 20
	snippetLen       = 220
)

// StatusError is returned for non-2xx replies. Msg is the server's own
// "error" or "message" field when the body carried one.
type StatusError struct {
	Status int
	Msg    string
}

func (e *StatusError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("HTTP %d", e.Status)
}

// Post sends payload as JSON and decodes the reply into out (which may be nil).
// HTML and other non-JSON bodies are errors regardless of status.
func Post(ctx context.Context, client *http.Client, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	text := strings.TrimSpace(string(raw))
	if looksLikeHTML(resp.Header.Get("Content-Type"), text) {
		return fmt.Errorf("HTML response (HTTP %d): %s", resp.StatusCode, snippet(text))
	}
	if text == "" {
		text = "{}"
	}
	var envelope map[string]any
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		return fmt.Errorf("non-JSON response (HTTP %d): %s", resp.StatusCode, snippet(text))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Status: resp.StatusCode, Msg: messageOf(envelope)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func looksLikeHTML(contentType, body string) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	lower := strings.ToLower(body)
	return strings.HasPrefix(lower, "<!doctype") || strings.HasPrefix(lower, "<html")
}

func messageOf(m map[string]any) string {
	for _, k := range []string{"error", "message"} {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func snippet(s string) string {
	if len(s) <= snippetLen {
		return s
	}
	return s[:snippetLen]
}
