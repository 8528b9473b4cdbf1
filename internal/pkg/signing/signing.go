// Package signing canonicalizes payloads and computes the HMAC-SHA256 digests
// shared with the hub backend.
package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hub-otp/internal/domain"
)

// SigField is excluded from the canonical form before signing.
const SigField = "sig"

var errMissingSecret = domain.ConfigError("signing secret is missing")

// Canonicalize returns a stable JSON encoding of v: object keys sorted at every
// depth, arrays kept in order. Values are first round-tripped through
// encoding/json so structs canonicalize the same as their map form.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(t.String())
	default:
		return writeScalar(buf, t)
	}
	return nil
}

// writeScalar matches JSON.stringify: no HTML escaping, raw line separators,
// no trailing newline.
func writeScalar(buf *bytes.Buffer, v any) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	out := bytes.TrimRight(tmp.Bytes(), "\n")
	if _, isString := v.(string); isString {
		writeRawLineTerminators(buf, out)
		return nil
	}
	buf.Write(out)
	return nil
}

// writeRawLineTerminators copies an encoded JSON string, turning the \u2028
// and \u2029 escapes encoding/json always applies back into raw characters.
// Escape sequences are walked pairwise so an escaped backslash is never
// mistaken for the start of one.
func writeRawLineTerminators(buf *bytes.Buffer, enc []byte) {
	for i := 0; i < len(enc); i++ {
		c := enc[i]
		if c != '\\' || i+1 >= len(enc) {
			buf.WriteByte(c)
			continue
		}
		if rest := enc[i+1:]; len(rest) >= 5 && rest[0] == 'u' {
			switch string(rest[1:5]) {
			case "2028":
				buf.WriteRune('\u2028')
				i += 5
				continue
			case "2029":
				buf.WriteRune('\u2029')
				i += 5
				continue
			}
		}
		buf.WriteByte(c)
		buf.WriteByte(enc[i+1])
		i++
	}
}

// Sign returns the hex HMAC-SHA256 of the canonical payload with SigField removed.
func Sign(payload map[string]any, secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errMissingSecret
	}
	unsigned := make(map[string]any, len(payload))
	for k, v := range payload {
		if k != SigField {
			unsigned[k] = v
		}
	}
	canonical, err := Canonicalize(unsigned)
	if err != nil {
		return "", err
	}
	return mac(secret, canonical), nil
}

// HashCode digests appID|identity|code for storage. The stored value never
// reveals the code.
func HashCode(appID, identity, code, secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errMissingSecret
	}
	return mac(secret, []byte(appID+"|"+identity+"|"+code)), nil
}

// Equal compares two hex digests in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func mac(secret string, msg []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(msg)
	return hex.EncodeToString(h.Sum(nil))
}

// Signer holds a validated secret.
type Signer struct {
	secret string
}

func NewSigner(secret string) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errMissingSecret
	}
	return &Signer{secret: secret}, nil
}

func (s *Signer) HashCode(appID, identity, code string) (string, error) {
	return HashCode(appID, identity, code, s.secret)
}

func (s *Signer) Sign(payload map[string]any) (string, error) {
	return Sign(payload, s.secret)
}
