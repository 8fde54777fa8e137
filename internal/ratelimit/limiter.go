package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Admission control for named actions, keyed by caller identity. State lives
// in Redis so limits hold across processes and restarts. Checking never has
// side effects beyond the limiter's own keys.

type Algorithm string

const (
	FixedWindow Algorithm = "fixed-window"
	TokenBucket Algorithm = "token-bucket"
)

// Rule configures one action. FixedWindow uses Limit/Window; TokenBucket
// refills continuously at Rate tokens per Period, capped at Capacity.
type Rule struct {
	Algorithm Algorithm
	Limit     int
	Window    time.Duration
	Rate      int
	Period    time.Duration
	Capacity  int
}

// Result is a typed admission decision. RetryAfterMs is set only on denial.
type Result struct {
	Allowed      bool
	RetryAfterMs int64
}

type Limiter struct {
	redis *redis.Client
	rules map[string]Rule
	now   func() time.Time
}

func New(redisClient *redis.Client, rules map[string]Rule) *Limiter {
	return &Limiter{
		redis: redisClient,
		rules: rules,
		now:   time.Now,
	}
}

// Check consumes one unit of the identity's budget for the action, or denies
// with the time until the next unit becomes available. Actions without a rule
// are admitted.
func (l *Limiter) Check(ctx context.Context, action, identity string) (Result, error) {
	rule, ok := l.rules[action]
	if !ok {
		return Result{Allowed: true}, nil
	}

	switch rule.Algorithm {
	case TokenBucket:
		return l.checkTokenBucket(ctx, rule, action, identity)
	default:
		return l.checkFixedWindow(ctx, rule, action, identity)
	}
}

func (l *Limiter) checkFixedWindow(ctx context.Context, rule Rule, action, identity string) (Result, error) {
	key := fmt.Sprintf("ratelimit:fw:%s:%s", action, identity)

	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		l.redis.PExpire(ctx, key, rule.Window)
	}

	if count <= int64(rule.Limit) {
		return Result{Allowed: true}, nil
	}

	ttl, err := l.redis.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = rule.Window
	}
	return Result{RetryAfterMs: ttl.Milliseconds()}, nil
}

func (l *Limiter) checkTokenBucket(ctx context.Context, rule Rule, action, identity string) (Result, error) {
	key := fmt.Sprintf("ratelimit:tb:%s:%s", action, identity)
	lockKey := key + ":lock"

	// Single writer per bucket, same idiom as the worker task lock.
	locked := false
	for i := 0; i < 100; i++ {
		ok, err := l.redis.SetNX(ctx, lockKey, "1", 2*time.Second).Result()
		if err != nil {
			return Result{}, fmt.Errorf("rate limit lock: %w", err)
		}
		if ok {
			locked = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !locked {
		return Result{}, fmt.Errorf("rate limit lock contention on %s", key)
	}
	defer l.redis.Del(ctx, lockKey)

	nowMs := l.now().UnixMilli()
	tokens := float64(rule.Capacity)
	lastMs := nowMs

	vals, err := l.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit read: %w", err)
	}
	if len(vals) > 0 {
		if v, perr := strconv.ParseFloat(vals["tokens"], 64); perr == nil {
			tokens = v
		}
		if v, perr := strconv.ParseInt(vals["refilled_at_ms"], 10, 64); perr == nil {
			lastMs = v
		}

		ratePerMs := float64(rule.Rate) / float64(rule.Period.Milliseconds())
		tokens = math.Min(float64(rule.Capacity), tokens+float64(nowMs-lastMs)*ratePerMs)
	}

	res := Result{}
	if tokens >= 1 {
		tokens--
		res.Allowed = true
	} else {
		msPerToken := float64(rule.Period.Milliseconds()) / float64(rule.Rate)
		res.RetryAfterMs = int64(math.Ceil((1 - tokens) * msPerToken))
	}

	err = l.redis.HSet(ctx, key,
		"tokens", strconv.FormatFloat(tokens, 'f', -1, 64),
		"refilled_at_ms", strconv.FormatInt(nowMs, 10),
	).Err()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit write: %w", err)
	}
	// Idle buckets are full buckets, safe to expire.
	l.redis.PExpire(ctx, key, 2*rule.Period*time.Duration(maxInt(rule.Capacity, 1)))

	return res, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
