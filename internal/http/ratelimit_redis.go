package httpx

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisRateKeyPrefix = "mozhost:ratelimit:"
	redisRateTimeout   = 250 * time.Millisecond
)

type redisRateLimiter struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisRateLimiter shares counters between API replicas through Redis.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return newRedisRateLimiter(client, logger), nil
}

func newRedisRateLimiter(client *redis.Client, logger *slog.Logger) *redisRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisRateLimiter{
		client: client,
		logger: logger.With("component", "rate-limiter"),
		now:    time.Now,
	}
}

// Allow keeps one counter per window, named after the window start, so the
// key expires on its own once the window closes. Redis failures admit the
// request.
func (rl *redisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	start, reset := windowBounds(rl.now(), window)
	bucket := redisRateKeyPrefix + key + ":" + strconv.FormatInt(start.Unix(), 10)

	ctx, cancel := context.WithTimeout(ctx, redisRateTimeout)
	defer cancel()
	var hits *redis.IntCmd
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		hits = pipe.Incr(ctx, bucket)
		pipe.ExpireAt(ctx, bucket, reset.Add(time.Second))
		return nil
	})
	if err != nil {
		rl.logger.Warn("rate limiter unavailable, admitting request", "key", key, "error", err)
		return rateDecision{allowed: true, remaining: limit, reset: reset}
	}
	return decide(int(hits.Val()), limit, reset)
}

func (rl *redisRateLimiter) Close() {
	_ = rl.client.Close()
}
