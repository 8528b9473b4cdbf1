package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hub-otp/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	recordPrefix   = "otp:"
	cooldownPrefix = "otp_cooldown:"

	fieldDigest    = "digest"
	fieldCreatedAt = "created_at"
	fieldExpiresAt = "expires_at"
	fieldAttempts  = "attempts"
)

// incrementScript returns {status, attempts}: 0 incremented, 1 exhausted, 2 missing.
var incrementScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {2, 0}
end
local n = tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0')
if n >= tonumber(ARGV[1]) then
  return {1, n}
end
n = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
return {0, n}
`)

// consumeScript deletes the record iff the digest matches and attempts < max.
var consumeScript = goredis.NewScript(`
local vals = redis.call('HMGET', KEYS[1], 'digest', 'attempts')
if not vals[1] then
  return 0
end
if vals[1] ~= ARGV[1] or tonumber(vals[2] or '0') >= tonumber(ARGV[2]) then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// Store keeps each record as a hash at otp:{app}:{identity} with a native
// expiry of ExpiresAt plus domain.ExpiredRetention.
type Store struct {
	rdb goredis.UniversalClient
}

func NewStore(rdb goredis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

func recordKey(appID, identity string) string {
	return recordPrefix + appID + ":" + identity
}

func cooldownKey(appID, identity string) string {
	return cooldownPrefix + appID + ":" + identity
}

func (s *Store) Put(ctx context.Context, rec *domain.OTPRecord) error {
	k := recordKey(rec.AppID, rec.Identity)
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, k)
		p.HSet(ctx, k,
			fieldDigest, rec.CodeDigest,
			fieldCreatedAt, rec.CreatedAt.UnixMilli(),
			fieldExpiresAt, rec.ExpiresAt.UnixMilli(),
			fieldAttempts, 0,
		)
		p.PExpireAt(ctx, k, rec.ExpiresAt.Add(domain.ExpiredRetention))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put otp: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, appID, identity string) (*domain.OTPRecord, error) {
	vals, err := s.rdb.HGetAll(ctx, recordKey(appID, identity)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get otp: %w", err)
	}
	if len(vals) == 0 {
		return nil, domain.ErrNotFound
	}
	created, err := strconv.ParseInt(vals[fieldCreatedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis otp created_at: %w", err)
	}
	expires, err := strconv.ParseInt(vals[fieldExpiresAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis otp expires_at: %w", err)
	}
	attempts, err := strconv.Atoi(vals[fieldAttempts])
	if err != nil {
		return nil, fmt.Errorf("redis otp attempts: %w", err)
	}
	return &domain.OTPRecord{
		AppID:      appID,
		Identity:   identity,
		CodeDigest: vals[fieldDigest],
		CreatedAt:  time.UnixMilli(created).UTC(),
		ExpiresAt:  time.UnixMilli(expires).UTC(),
		Attempts:   attempts,
	}, nil
}

func (s *Store) IncrementAttempts(ctx context.Context, appID, identity string, max int) (int, error) {
	res, err := incrementScript.Run(ctx, s.rdb, []string{recordKey(appID, identity)}, max).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("redis increment attempts: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("redis increment attempts: unexpected reply %v", res)
	}
	n := int(res[1])
	switch res[0] {
	case 1:
		return n, domain.ErrAttemptsExhausted
	case 2:
		return 0, domain.ErrNotFound
	}
	return n, nil
}

func (s *Store) Consume(ctx context.Context, appID, identity, digest string, max int) (bool, error) {
	n, err := consumeScript.Run(ctx, s.rdb, []string{recordKey(appID, identity)}, digest, max).Int()
	if err != nil {
		return false, fmt.Errorf("redis consume otp: %w", err)
	}
	return n == 1, nil
}

func (s *Store) Delete(ctx context.Context, appID, identity string) error {
	if err := s.rdb.Del(ctx, recordKey(appID, identity)).Err(); err != nil {
		return fmt.Errorf("redis delete otp: %w", err)
	}
	return nil
}

func (s *Store) AcquireCooldown(ctx context.Context, appID, identity string, window time.Duration) (time.Duration, bool, error) {
	k := cooldownKey(appID, identity)
	for range 2 {
		ok, err := s.rdb.SetNX(ctx, k, 1, window).Result()
		if err != nil {
			return 0, false, fmt.Errorf("redis acquire cooldown: %w", err)
		}
		if ok {
			return 0, true, nil
		}
		ttl, err := s.rdb.PTTL(ctx, k).Result()
		if err != nil {
			return 0, false, fmt.Errorf("redis cooldown ttl: %w", err)
		}
		if ttl > 0 {
			return ttl, false, nil
		}
		// expired between SETNX and PTTL
	}
	return window, false, nil
}

func (s *Store) ReleaseCooldown(ctx context.Context, appID, identity string) error {
	if err := s.rdb.Del(ctx, cooldownKey(appID, identity)).Err(); err != nil {
		return fmt.Errorf("redis release cooldown: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
