package otp

import (
	"context"
	"time"

	"github.com/hub-otp/internal/domain"
)

// Store persists one OTPRecord per (appID, identity). Mutations on the same key
// must be atomic; see each method for the exact contract.
type Store interface {
	// Put overwrites any existing record for the key. Attempts start at 0.
	Put(ctx context.Context, rec *domain.OTPRecord) error
	// Get returns domain.ErrNotFound when no live record exists.
	Get(ctx context.Context, appID, identity string) (*domain.OTPRecord, error)
	// IncrementAttempts adds one failed attempt while attempts < max and returns
	// the new count. It returns domain.ErrAttemptsExhausted without incrementing
	// when the record is already at max.
	IncrementAttempts(ctx context.Context, appID, identity string, max int) (int, error)
	// Consume deletes the record iff its digest equals digest and attempts < max.
	// At most one concurrent caller observes true.
	Consume(ctx context.Context, appID, identity, digest string, max int) (bool, error)
	Delete(ctx context.Context, appID, identity string) error
}

// CooldownGate enforces the minimum interval between issuances for one identity.
type CooldownGate interface {
	// AcquireCooldown atomically starts a cooldown window. When one is already
	// running it returns ok=false and the remaining time.
	AcquireCooldown(ctx context.Context, appID, identity string, window time.Duration) (retryAfter time.Duration, ok bool, err error)
	ReleaseCooldown(ctx context.Context, appID, identity string) error
}

// StoreWithCooldown is what every store backend implements.
type StoreWithCooldown interface {
	Store
	CooldownGate
}

// Channel sends the plaintext code out-of-band. destination is the normalized
// identity; each channel derives its own address format from it.
type Channel interface {
	Name() string
	Send(ctx context.Context, destination, message string) (domain.Receipt, error)
}

// Backend is the hub's system of record. It receives signed copies of issued
// digests and turns a verified identity into a session.
type Backend interface {
	StoreOTP(ctx context.Context, req BackendStoreRequest) (*BackendStoreResult, error)
	FailOTP(ctx context.Context, req BackendFailRequest) error
	Verified(ctx context.Context, appID, identity string) (*domain.Session, error)
}

type BackendStoreRequest struct {
	AppID     string
	Identity  string
	Digest    string
	ExpiresAt time.Time
	Meta      RequestMeta
}

type BackendStoreResult struct {
	CooldownSeconds int
}

type BackendFailRequest struct {
	AppID    string
	Identity string
	Digest   string
	Reason   string
}

// Publisher emits lifecycle events. Failures never fail the request.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// TicketSigner issues a short-lived signed assertion that identity was verified.
type TicketSigner interface {
	SignTicket(appID, identity, sessionKey string) (string, error)
}

// CodeHasher digests codes for storage.
type CodeHasher interface {
	HashCode(appID, identity, code string) (string, error)
}
