package memory

import (
	"context"
	"sync"
	"time"

	"github.com/hub-otp/internal/domain"
	"github.com/hub-otp/internal/pkg/clock"
)

// Store is a single-process OTP store. Each key has its own lock; the map lock
// is only held for lookups and removals, never across a record operation.
// Cooldowns are per-key compare-and-swap slots holding the window end in unix nanos.
type Store struct {
	clock clock.Clocker

	mu      sync.Mutex
	records map[string]*entry

	cooldowns sync.Map // key -> int64
}

type entry struct {
	mu   sync.Mutex
	rec  *domain.OTPRecord
	dead bool // removed from the map; lookups that raced the removal retry
}

func New(clk clock.Clocker) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		clock:   clk,
		records: make(map[string]*entry),
	}
}

func key(appID, identity string) string {
	return appID + "|" + identity
}

// lock returns the live entry for k with its mutex held, or nil when none
// exists and create is false.
func (s *Store) lock(k string, create bool) *entry {
	for {
		s.mu.Lock()
		e, ok := s.records[k]
		if !ok {
			if !create {
				s.mu.Unlock()
				return nil
			}
			e = &entry{}
			s.records[k] = e
		}
		s.mu.Unlock()

		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

// remove must be called with e.mu held.
func (s *Store) remove(k string, e *entry) {
	e.dead = true
	e.rec = nil
	s.mu.Lock()
	if s.records[k] == e {
		delete(s.records, k)
	}
	s.mu.Unlock()
}

// live reports whether e holds a record the store should still serve.
func (s *Store) live(e *entry) bool {
	return e.rec != nil && e.rec.Retain(s.clock.Now())
}

func (s *Store) Put(ctx context.Context, rec *domain.OTPRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := *rec
	cp.Attempts = 0
	e := s.lock(key(rec.AppID, rec.Identity), true)
	e.rec = &cp
	e.mu.Unlock()
	return nil
}

func (s *Store) Get(ctx context.Context, appID, identity string) (*domain.OTPRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := key(appID, identity)
	e := s.lock(k, false)
	if e == nil {
		return nil, domain.ErrNotFound
	}
	defer e.mu.Unlock()
	if !s.live(e) {
		s.remove(k, e)
		return nil, domain.ErrNotFound
	}
	cp := *e.rec
	return &cp, nil
}

func (s *Store) IncrementAttempts(ctx context.Context, appID, identity string, max int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	k := key(appID, identity)
	e := s.lock(k, false)
	if e == nil {
		return 0, domain.ErrNotFound
	}
	defer e.mu.Unlock()
	if !s.live(e) {
		s.remove(k, e)
		return 0, domain.ErrNotFound
	}
	if e.rec.Attempts >= max {
		return e.rec.Attempts, domain.ErrAttemptsExhausted
	}
	e.rec.Attempts++
	return e.rec.Attempts, nil
}

func (s *Store) Consume(ctx context.Context, appID, identity, digest string, max int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k := key(appID, identity)
	e := s.lock(k, false)
	if e == nil {
		return false, nil
	}
	defer e.mu.Unlock()
	if !s.live(e) || e.rec.CodeDigest != digest || e.rec.Attempts >= max {
		return false, nil
	}
	s.remove(k, e)
	return true, nil
}

func (s *Store) Delete(ctx context.Context, appID, identity string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := key(appID, identity)
	e := s.lock(k, false)
	if e == nil {
		return nil
	}
	s.remove(k, e)
	e.mu.Unlock()
	return nil
}

func (s *Store) AcquireCooldown(ctx context.Context, appID, identity string, window time.Duration) (time.Duration, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	k := key(appID, identity)
	now := s.clock.Now().UnixNano()
	until := now + int64(window)
	for {
		cur, loaded := s.cooldowns.LoadOrStore(k, until)
		if !loaded {
			return 0, true, nil
		}
		end := cur.(int64)
		if now < end {
			return time.Duration(end - now), false, nil
		}
		if s.cooldowns.CompareAndSwap(k, end, until) {
			return 0, true, nil
		}
	}
}

func (s *Store) ReleaseCooldown(ctx context.Context, appID, identity string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.cooldowns.Delete(key(appID, identity))
	return nil
}

// Sweep drops records past their retention and elapsed cooldowns. It returns
// the number of records removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	removed := 0
	for _, k := range keys {
		e := s.lock(k, false)
		if e == nil {
			continue
		}
		if !s.live(e) {
			s.remove(k, e)
			removed++
		}
		e.mu.Unlock()
	}

	now := s.clock.Now().UnixNano()
	s.cooldowns.Range(func(k, v any) bool {
		if end := v.(int64); now >= end {
			s.cooldowns.CompareAndDelete(k, end)
		}
		return true
	})
	return removed
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Sweep()
			}
		}
	}()
}
