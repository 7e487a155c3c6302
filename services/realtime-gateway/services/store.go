package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"chorus/services/realtime-gateway/utils"
)

// StoreOptions bounds the retry policy applied to every store operation.
type StoreOptions struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// EphemeralStore is a thin TTL key/value client over Redis backing presence
// flags, connection registries and typing markers.
type EphemeralStore struct {
	redis   redis.UniversalClient
	opts    StoreOptions
	logger  *utils.Logger
	metrics *Metrics
}

// setWithTTL sets KEYS[1] and reports whether it existed beforehand.
// ARGV[2] is a TTL in milliseconds, zero for no expiry.
var setWithTTLScript = redis.NewScript(`
local existed = redis.call('EXISTS', KEYS[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return existed
`)

// removeFromSet removes ARGV[1] and returns {removed, remaining} in one step.
var removeFromSetScript = redis.NewScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[1])
local remaining = redis.call('SCARD', KEYS[1])
return {removed, remaining}
`)

func NewEphemeralStore(client redis.UniversalClient, opts StoreOptions, logger *utils.Logger, metrics *Metrics) *EphemeralStore {
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 50 * time.Millisecond
	}
	if opts.MaxInterval < opts.InitialInterval {
		opts.MaxInterval = opts.InitialInterval
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &EphemeralStore{
		redis:   client,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
	}
}

// SetWithTTL stores value under key. A zero ttl stores it without expiry.
// It reports whether the key already existed.
func (s *EphemeralStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var existed int64
	err := s.do(ctx, "set", func(ctx context.Context) error {
		n, err := setWithTTLScript.Run(ctx, s.redis, []string{key}, value, strconv.FormatInt(ttl.Milliseconds(), 10)).Int64()
		existed = n
		return err
	})
	return existed == 1, err
}

// Get returns the value and whether the key exists.
func (s *EphemeralStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := s.do(ctx, "get", func(ctx context.Context) error {
		v, err := s.redis.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		value, found = v, true
		return nil
	})
	return value, found, err
}

// Take reads and deletes key in one step.
func (s *EphemeralStore) Take(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := s.do(ctx, "take", func(ctx context.Context) error {
		v, err := s.redis.GetDel(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		value, found = v, true
		return nil
	})
	return value, found, err
}

// DeleteIfExists deletes key and reports whether it was present.
func (s *EphemeralStore) DeleteIfExists(ctx context.Context, key string) (bool, error) {
	var deleted int64
	err := s.do(ctx, "delete", func(ctx context.Context) error {
		n, err := s.redis.Del(ctx, key).Result()
		deleted = n
		return err
	})
	return deleted > 0, err
}

// RefreshTTL re-arms the expiry of an existing key. It reports false when
// the key does not exist.
func (s *EphemeralStore) RefreshTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.do(ctx, "expire", func(ctx context.Context) error {
		v, err := s.redis.PExpire(ctx, key, ttl).Result()
		ok = v
		return err
	})
	return ok, err
}

func (s *EphemeralStore) AddToSet(ctx context.Context, key, member string) error {
	return s.do(ctx, "sadd", func(ctx context.Context) error {
		return s.redis.SAdd(ctx, key, member).Err()
	})
}

// RemoveFromSet removes member and returns whether it was present together
// with the number of members left, read atomically with the removal.
func (s *EphemeralStore) RemoveFromSet(ctx context.Context, key, member string) (bool, int64, error) {
	var removed, remaining int64
	err := s.do(ctx, "srem", func(ctx context.Context) error {
		vals, err := removeFromSetScript.Run(ctx, s.redis, []string{key}, member).Int64Slice()
		if err != nil {
			return err
		}
		if len(vals) != 2 {
			return fmt.Errorf("%w: srem %v", errUnexpectedReply, vals)
		}
		removed, remaining = vals[0], vals[1]
		return nil
	})
	return removed == 1, remaining, err
}

// ScanPrefix returns every key starting with prefix.
func (s *EphemeralStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.do(ctx, "scan", func(ctx context.Context) error {
		seen := make(map[string]struct{})
		keys = keys[:0]
		iter := s.redis.Scan(ctx, 0, escapeGlob(prefix)+"*", 100).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
		return iter.Err()
	})
	return keys, err
}

func (s *EphemeralStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// do runs fn with bounded exponential backoff. Transient failures that
// outlast the policy come back wrapped in ErrStoreUnavailable.
func (s *EphemeralStore) do(ctx context.Context, op string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialInterval
	b.MaxInterval = s.opts.MaxInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.MaxRetries)), ctx)

	err := backoff.RetryNotify(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.metrics.StoreRetries.WithLabelValues(op).Inc()
		s.logger.Debug("Retrying ephemeral store operation", "op", op, "wait", wait, "error", err)
	})
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	}
	return fmt.Errorf("store %s: %w", op, err)
}

var errUnexpectedReply = errors.New("unexpected reply")

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errUnexpectedReply) {
		return false
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		// Server replies are final except while the server is loading or failing over.
		msg := redisErr.Error()
		return strings.HasPrefix(msg, "LOADING") || strings.HasPrefix(msg, "READONLY") || strings.HasPrefix(msg, "TRYAGAIN")
	}
	return true
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
