package id

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a ULID for the current instant.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a ULID whose timestamp is t, so event ids sort by occurrence
// time even when the clock is injected.
func NewAt(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}
