package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"corefacility/internal/entity"
)

// ErrThrottled is returned when a user exceeded the failed-login ceiling.
var ErrThrottled = errors.New("auth: too many failed authorization attempts")

// Throttle counts failed logins per user within a sliding window. Every
// failure is stored in core_failed_authorization; when a redis client is
// configured a shared counter answers Check instead. Counting is best
// effort and never runs inside the caller's transaction.
type Throttle struct {
	window  time.Duration
	ceiling int
	rdb     redis.UniversalClient
	prefix  string
	logger  *zap.Logger
}

// ThrottleOption configures a Throttle.
type ThrottleOption func(*Throttle)

// WithRedis shares failure counters through rdb.
func WithRedis(rdb redis.UniversalClient) ThrottleOption {
	return func(t *Throttle) { t.rdb = rdb }
}

// WithThrottleLogger sets the throttle logger.
func WithThrottleLogger(logger *zap.Logger) ThrottleOption {
	return func(t *Throttle) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewThrottle returns a throttle rejecting users with more than ceiling
// failures within window. A non-positive ceiling disables rejection.
func NewThrottle(window time.Duration, ceiling int, opts ...ThrottleOption) *Throttle {
	t := &Throttle{window: window, ceiling: ceiling, prefix: "corefacility:auth:failures", logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Throttle) key(userID int64) string {
	return t.prefix + ":" + strconv.FormatInt(userID, 10)
}

// Failures returns the number of failures of userID within the window.
func (t *Throttle) Failures(ctx context.Context, s *entity.Session, userID int64) (int, error) {
	if t.rdb != nil {
		n, err := t.rdb.Get(ctx, t.key(userID)).Int()
		if err == nil || errors.Is(err, redis.Nil) {
			return n, nil
		}
		t.logger.Warn("redis failure counter unavailable", zap.Error(err))
	}
	var n int
	err := s.Get(ctx, &n, "SELECT COUNT(*) FROM core_failed_authorization WHERE user_id = ? AND auth_time > ?",
		userID, s.Now().Add(-t.window))
	if err != nil {
		return 0, fmt.Errorf("count failed authorizations: %w", err)
	}
	return n, nil
}

// Check returns ErrThrottled when userID exceeded the ceiling.
func (t *Throttle) Check(ctx context.Context, s *entity.Session, userID int64) error {
	if t.ceiling <= 0 {
		return nil
	}
	n, err := t.Failures(ctx, s, userID)
	if err != nil {
		return err
	}
	if n > t.ceiling {
		return ErrThrottled
	}
	return nil
}

// RecordFailure stores a failed attempt from ip. userID is zero when the
// login did not match any user.
func (t *Throttle) RecordFailure(ctx context.Context, s *entity.Session, ip string, userID int64) error {
	var user any
	if userID != 0 {
		user = userID
	}
	if _, err := s.Insert(ctx, "core_failed_authorization", map[string]any{
		"ip":        ip,
		"user_id":   user,
		"auth_time": s.Now(),
	}, ""); err != nil {
		return fmt.Errorf("store failed authorization: %w", err)
	}
	t.logger.Info("authorization failed", zap.String("ip", ip), zap.Int64("user_id", userID))
	if t.rdb != nil && userID != 0 {
		key := t.key(userID)
		_, err := t.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Incr(ctx, key)
			p.Expire(ctx, key, t.window)
			return nil
		})
		if err != nil {
			t.logger.Warn("redis failure counter not updated", zap.Error(err))
		}
	}
	return nil
}

// Reset forgets the shared counter of userID after a successful login.
// Stored failures stay for auditing and age out of the window.
func (t *Throttle) Reset(ctx context.Context, userID int64) {
	if t.rdb == nil {
		return
	}
	if err := t.rdb.Del(ctx, t.key(userID)).Err(); err != nil {
		t.logger.Warn("redis failure counter not reset", zap.Error(err))
	}
}
