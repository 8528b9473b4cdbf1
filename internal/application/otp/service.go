package otp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hub-otp/internal/domain"
	"github.com/hub-otp/internal/metrics"
	"github.com/hub-otp/internal/pkg/clock"
	"github.com/hub-otp/internal/pkg/id"
	"github.com/hub-otp/internal/pkg/otpcode"
	"github.com/hub-otp/internal/pkg/phone"
	"github.com/hub-otp/internal/pkg/signing"
	"go.uber.org/zap"
)

// RequestMeta is client context forwarded to the backend for abuse review.
type RequestMeta struct {
	IP        string `json:"ip"`
	UserAgent string `json:"ua"`
}

type IssueRequest struct {
	AppID  string
	Mobile string
	Meta   RequestMeta
}

type IssueResult struct {
	CooldownSeconds int
}

type VerifyRequest struct {
	AppID  string
	Mobile string
	Code   string
}

type VerifyResult struct {
	AppID    string
	Identity string
	Session  *domain.Session
	Ticket   string
}

type Service interface {
	Issue(ctx context.Context, req IssueRequest) (*IssueResult, error)
	Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error)
}

// Policy is the issuance and verification policy plus the bounds on every
// external call.
type Policy struct {
	DefaultAppID    string
	Length          int
	TTL             time.Duration
	MaxAttempts     int
	Cooldown        time.Duration
	StoreTimeout    time.Duration
	DeliveryTimeout time.Duration
	BackendTimeout  time.Duration
	Brand           string
}

// ServiceDeps bundles collaborators for NewService. Backend, Publisher and
// Tickets are optional.
type ServiceDeps struct {
	Store     StoreWithCooldown
	Channel   Channel
	Hasher    CodeHasher
	Backend   Backend
	Publisher Publisher
	Tickets   TicketSigner
	Clock     clock.Clocker
	Logger    *zap.Logger
	Policy    Policy
}

type service struct {
	store     StoreWithCooldown
	channel   Channel
	hasher    CodeHasher
	backend   Backend
	publisher Publisher
	tickets   TicketSigner
	clock     clock.Clocker
	log       *zap.Logger
	policy    Policy
}

func NewService(deps ServiceDeps) (Service, error) {
	if deps.Store == nil || deps.Channel == nil {
		return nil, domain.ConfigError("otp service requires a store and a delivery channel")
	}
	if deps.Hasher == nil {
		return nil, domain.ConfigError("otp service requires a code hasher")
	}
	p := deps.Policy
	if p.Length < otpcode.MinLength || p.Length > otpcode.MaxLength {
		return nil, domain.ConfigError(fmt.Sprintf("code length %d out of range", p.Length))
	}
	if p.TTL <= 0 || p.MaxAttempts < 1 {
		return nil, domain.ConfigError("otp ttl and max attempts must be positive")
	}
	if p.DefaultAppID == "" {
		p.DefaultAppID = "HUB"
	}
	if p.StoreTimeout <= 0 {
		p.StoreTimeout = 10 * time.Second
	}
	if p.DeliveryTimeout <= 0 {
		p.DeliveryTimeout = 15 * time.Second
	}
	if p.BackendTimeout <= 0 {
		p.BackendTimeout = 15 * time.Second
	}
	s := &service{
		store:     deps.Store,
		channel:   deps.Channel,
		hasher:    deps.Hasher,
		backend:   deps.Backend,
		publisher: deps.Publisher,
		tickets:   deps.Tickets,
		clock:     deps.Clock,
		log:       deps.Logger,
		policy:    p,
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s, nil
}

func (s *service) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	appID := s.appID(req.AppID)
	identity, err := phone.NormalizeKSA(req.Mobile)
	if err != nil {
		metrics.IssueTotal.WithLabelValues(metrics.ResultRejected).Inc()
		return nil, err
	}
	log := s.log.With(zap.String("app_id", appID), zap.String("identity", phone.Mask(identity)))

	if s.policy.Cooldown > 0 {
		retryAfter, ok, err := s.acquireCooldown(ctx, appID, identity)
		if err != nil {
			metrics.IssueTotal.WithLabelValues(metrics.ResultError).Inc()
			return nil, domain.StorageError("acquire cooldown", err)
		}
		if !ok {
			metrics.IssueTotal.WithLabelValues(metrics.ResultRateLimited).Inc()
			return nil, domain.RateLimitError(domain.ReasonCooldown, retryAfter)
		}
	}

	code, err := otpcode.Generate(s.policy.Length)
	if err != nil {
		s.releaseCooldown(ctx, log, appID, identity)
		return nil, err
	}
	digest, err := s.hasher.HashCode(appID, identity, code)
	if err != nil {
		s.releaseCooldown(ctx, log, appID, identity)
		return nil, err
	}
	now := s.clock.Now()
	rec := &domain.OTPRecord{
		AppID:      appID,
		Identity:   identity,
		CodeDigest: digest,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.policy.TTL),
	}

	if err := s.put(ctx, rec); err != nil {
		s.releaseCooldown(ctx, log, appID, identity)
		metrics.IssueTotal.WithLabelValues(metrics.ResultError).Inc()
		return nil, domain.StorageError("store otp record", err)
	}

	cooldownSeconds := int(math.Ceil(s.policy.Cooldown.Seconds()))
	if s.backend != nil {
		res, err := s.backendStore(ctx, rec, req.Meta)
		if err != nil {
			s.rollback(ctx, log, rec, "")
			metrics.IssueTotal.WithLabelValues(metrics.ResultError).Inc()
			if domain.KindOf(err) == domain.KindRateLimit {
				return nil, err
			}
			return nil, domain.StorageError("backend otp.store", err)
		}
		if res != nil && res.CooldownSeconds > 0 {
			cooldownSeconds = res.CooldownSeconds
		}
	}

	receipt, err := s.send(ctx, identity, code)
	if err != nil {
		log.Warn("otp delivery failed", zap.String("channel", s.channel.Name()), zap.Error(err))
		s.rollback(ctx, log, rec, err.Error())
		metrics.DeliveryTotal.WithLabelValues(s.channel.Name(), metrics.ResultError).Inc()
		metrics.IssueTotal.WithLabelValues(metrics.ResultError).Inc()
		s.publish(ctx, log, domain.EventDeliveryFailed, appID, identity)
		return nil, domain.DeliveryError(err)
	}
	metrics.DeliveryTotal.WithLabelValues(s.channel.Name(), metrics.ResultOK).Inc()
	metrics.IssueTotal.WithLabelValues(metrics.ResultOK).Inc()

	log.Info("otp issued",
		zap.String("channel", s.channel.Name()),
		zap.String("provider_message_id", receipt.ProviderMessageID),
		zap.Time("expires_at", rec.ExpiresAt),
	)
	s.publish(ctx, log, domain.EventIssued, appID, identity)
	return &IssueResult{CooldownSeconds: cooldownSeconds}, nil
}

func (s *service) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	appID := s.appID(req.AppID)
	identity, err := phone.NormalizeKSA(req.Mobile)
	if err != nil {
		metrics.VerifyTotal.WithLabelValues(metrics.ResultRejected).Inc()
		return nil, err
	}
	code := strings.TrimSpace(req.Code)
	if !otpcode.Valid(code, s.policy.Length) {
		metrics.VerifyTotal.WithLabelValues(metrics.ResultRejected).Inc()
		return nil, domain.ValidationError(fmt.Sprintf("otp must be %d digits", s.policy.Length))
	}
	log := s.log.With(zap.String("app_id", appID), zap.String("identity", phone.Mask(identity)))

	rec, err := s.get(ctx, appID, identity)
	if errors.Is(err, domain.ErrNotFound) {
		metrics.VerifyTotal.WithLabelValues(domain.ReasonInvalid).Inc()
		return nil, domain.VerificationError(domain.ReasonInvalid)
	}
	if err != nil {
		metrics.VerifyTotal.WithLabelValues(metrics.ResultError).Inc()
		return nil, domain.StorageError("load otp record", err)
	}

	now := s.clock.Now()
	if rec.IsExpired(now) {
		if err := s.delete(ctx, appID, identity); err != nil {
			log.Warn("failed to delete expired otp record", zap.Error(err))
		}
		metrics.VerifyTotal.WithLabelValues(domain.ReasonExpired).Inc()
		return nil, domain.VerificationError(domain.ReasonExpired)
	}
	if rec.Locked(s.policy.MaxAttempts) {
		metrics.VerifyTotal.WithLabelValues(domain.ReasonLocked).Inc()
		return nil, s.lockedError(rec, now)
	}

	digest, err := s.hasher.HashCode(appID, identity, code)
	if err != nil {
		return nil, err
	}
	if signing.Equal(digest, rec.CodeDigest) {
		return s.consume(ctx, log, rec, digest, now)
	}
	return nil, s.fail(ctx, log, rec, now)
}

// consume finishes a matching verification. Losing the Consume race means a
// concurrent request either verified or locked the record first.
func (s *service) consume(ctx context.Context, log *zap.Logger, rec *domain.OTPRecord, digest string, now time.Time) (*VerifyResult, error) {
	sctx, cancel := context.WithTimeout(ctx, s.policy.StoreTimeout)
	ok, err := s.store.Consume(sctx, rec.AppID, rec.Identity, digest, s.policy.MaxAttempts)
	cancel()
	if err != nil {
		metrics.VerifyTotal.WithLabelValues(metrics.ResultError).Inc()
		return nil, domain.StorageError("consume otp record", err)
	}
	if !ok {
		if cur, err := s.get(ctx, rec.AppID, rec.Identity); err == nil && cur.Locked(s.policy.MaxAttempts) {
			metrics.VerifyTotal.WithLabelValues(domain.ReasonLocked).Inc()
			return nil, s.lockedError(cur, now)
		}
		metrics.VerifyTotal.WithLabelValues(domain.ReasonInvalid).Inc()
		return nil, domain.VerificationError(domain.ReasonInvalid)
	}

	res := &VerifyResult{AppID: rec.AppID, Identity: rec.Identity}
	if s.backend != nil {
		bctx, cancel := context.WithTimeout(ctx, s.policy.BackendTimeout)
		sess, err := s.backend.Verified(bctx, rec.AppID, rec.Identity)
		cancel()
		if err != nil {
			metrics.VerifyTotal.WithLabelValues(metrics.ResultError).Inc()
			return nil, domain.StorageError("backend otp.verified", err)
		}
		res.Session = sess
	}
	if s.tickets != nil {
		sessionKey := ""
		if res.Session != nil {
			sessionKey = res.Session.SessionKey
		}
		ticket, err := s.tickets.SignTicket(rec.AppID, rec.Identity, sessionKey)
		if err != nil {
			log.Warn("failed to sign verification ticket", zap.Error(err))
		} else {
			res.Ticket = ticket
		}
	}

	metrics.VerifyTotal.WithLabelValues(metrics.ResultOK).Inc()
	log.Info("otp verified")
	s.publish(ctx, log, domain.EventVerified, rec.AppID, rec.Identity)
	return res, nil
}

// fail records a wrong code. Only the caller whose increment reaches
// MaxAttempts performs the PENDING -> LOCKED transition.
func (s *service) fail(ctx context.Context, log *zap.Logger, rec *domain.OTPRecord, now time.Time) error {
	sctx, cancel := context.WithTimeout(ctx, s.policy.StoreTimeout)
	n, err := s.store.IncrementAttempts(sctx, rec.AppID, rec.Identity, s.policy.MaxAttempts)
	cancel()
	switch {
	case errors.Is(err, domain.ErrNotFound):
		metrics.VerifyTotal.WithLabelValues(domain.ReasonInvalid).Inc()
		return domain.VerificationError(domain.ReasonInvalid)
	case errors.Is(err, domain.ErrAttemptsExhausted):
		metrics.VerifyTotal.WithLabelValues(domain.ReasonLocked).Inc()
		return s.lockedError(rec, now)
	case err != nil:
		metrics.VerifyTotal.WithLabelValues(metrics.ResultError).Inc()
		return domain.StorageError("increment otp attempts", err)
	}

	if n >= s.policy.MaxAttempts {
		log.Warn("otp locked after too many attempts", zap.Int("attempts", n))
		metrics.VerifyTotal.WithLabelValues(domain.ReasonLocked).Inc()
		s.publish(ctx, log, domain.EventLocked, rec.AppID, rec.Identity)
		return s.lockedError(rec, now)
	}
	metrics.VerifyTotal.WithLabelValues(domain.ReasonInvalid).Inc()
	e := domain.VerificationError(domain.ReasonInvalid)
	e.AttemptsLeft = s.policy.MaxAttempts - n
	return e
}

// rollback invalidates an issued record that the user will never receive.
// It runs detached from ctx so a timed-out request still cleans up.
func (s *service) rollback(ctx context.Context, log *zap.Logger, rec *domain.OTPRecord, reason string) {
	base := context.WithoutCancel(ctx)
	if err := s.delete(base, rec.AppID, rec.Identity); err != nil {
		log.Error("failed to invalidate otp record after failed issuance", zap.Error(err))
	}
	if s.backend != nil && reason != "" {
		bctx, cancel := context.WithTimeout(base, s.policy.BackendTimeout)
		err := s.backend.FailOTP(bctx, BackendFailRequest{
			AppID:    rec.AppID,
			Identity: rec.Identity,
			Digest:   rec.CodeDigest,
			Reason:   reason,
		})
		cancel()
		if err != nil {
			log.Error("failed to mark otp failed on backend", zap.Error(err))
		}
	}
	s.releaseCooldown(base, log, rec.AppID, rec.Identity)
}

// lockedError caps the wait at the remaining issuance cooldown, after which a
// new code can be requested.
func (s *service) lockedError(rec *domain.OTPRecord, now time.Time) *domain.Error {
	wait := rec.ExpiresAt.Sub(now)
	if until := rec.CreatedAt.Add(s.policy.Cooldown).Sub(now); until < wait {
		wait = until
	}
	if wait < 0 {
		wait = 0
	}
	return domain.RateLimitError(domain.ReasonLocked, wait)
}

func (s *service) appID(raw string) string {
	if v := strings.TrimSpace(raw); v != "" {
		return v
	}
	return s.policy.DefaultAppID
}

func (s *service) message(code string) string {
	msg := "رمز الدخول: " + code
	if s.policy.Brand != "" {
		msg += "\n" + s.policy.Brand
	}
	return msg
}

func (s *service) send(ctx context.Context, identity, code string) (domain.Receipt, error) {
	dctx, cancel := context.WithTimeout(ctx, s.policy.DeliveryTimeout)
	defer cancel()
	return s.channel.Send(dctx, identity, s.message(code))
}

func (s *service) backendStore(ctx context.Context, rec *domain.OTPRecord, meta RequestMeta) (*BackendStoreResult, error) {
	bctx, cancel := context.WithTimeout(ctx, s.policy.BackendTimeout)
	defer cancel()
	return s.backend.StoreOTP(bctx, BackendStoreRequest{
		AppID:     rec.AppID,
		Identity:  rec.Identity,
		Digest:    rec.CodeDigest,
		ExpiresAt: rec.ExpiresAt,
		Meta:      meta,
	})
}

func (s *service) acquireCooldown(ctx context.Context, appID, identity string) (time.Duration, bool, error) {
	sctx, cancel := context.WithTimeout(ctx, s.policy.StoreTimeout)
	defer cancel()
	return s.store.AcquireCooldown(sctx, appID, identity, s.policy.Cooldown)
}

func (s *service) releaseCooldown(ctx context.Context, log *zap.Logger, appID, identity string) {
	if s.policy.Cooldown <= 0 {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.policy.StoreTimeout)
	defer cancel()
	if err := s.store.ReleaseCooldown(sctx, appID, identity); err != nil {
		log.Warn("failed to release cooldown", zap.Error(err))
	}
}

func (s *service) put(ctx context.Context, rec *domain.OTPRecord) error {
	sctx, cancel := context.WithTimeout(ctx, s.policy.StoreTimeout)
	defer cancel()
	return s.store.Put(sctx, rec)
}

func (s *service) get(ctx context.Context, appID, identity string) (*domain.OTPRecord, error) {
	sctx, cancel := context.WithTimeout(ctx, s.policy.StoreTimeout)
	defer cancel()
	return s.store.Get(sctx, appID, identity)
}

func (s *service) delete(ctx context.Context, appID, identity string) error {
	sctx, cancel := context.WithTimeout(ctx, s.policy.StoreTimeout)
	defer cancel()
	return s.store.Delete(sctx, appID, identity)
}

func (s *service) publish(ctx context.Context, log *zap.Logger, typ, appID, identity string) {
	if s.publisher == nil {
		return
	}
	now := s.clock.Now()
	ev := domain.Event{
		ID:         id.NewAt(now),
		Type:       typ,
		AppID:      appID,
		Identity:   identity,
		Channel:    s.channel.Name(),
		OccurredAt: now.UTC(),
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn("failed to publish otp event", zap.String("type", typ), zap.Error(err))
	}
}
