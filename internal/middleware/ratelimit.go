package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/workletforge/studio/pkg/response"
)

// RateLimiter counts requests per caller in fixed windows kept in redis
type RateLimiter struct {
	redis *redis.Client
	log   *zap.Logger
	now   func() time.Time
}

func NewRateLimiter(redisClient *redis.Client, log *zap.Logger) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimiter{redis: redisClient, log: log.Named("ratelimit"), now: time.Now}
}

// caller is the authenticated user, or the client IP on public routes
func caller(c *fiber.Ctx) string {
	if userID := GetUserID(c); userID != "" {
		return "user:" + userID
	}
	return "ip:" + c.IP()
}

// Limit allows maxRequests per window and caller. A non-positive limit
// disables the check.
func (rl *RateLimiter) Limit(scope string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if maxRequests <= 0 {
			return c.Next()
		}

		now := rl.now()
		bucket := now.UnixMilli() / window.Milliseconds()
		resetAt := time.UnixMilli((bucket + 1) * window.Milliseconds())
		key := "ratelimit:" + scope + ":" + caller(c) + ":" + strconv.FormatInt(bucket, 10)

		ctx := c.UserContext()
		var incr *redis.IntCmd
		_, err := rl.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, key)
			pipe.PExpire(ctx, key, resetAt.Sub(now)+time.Second)
			return nil
		})
		if err != nil {
			rl.log.Warn("rate limit counter unavailable, allowing request", zap.String("key", key), zap.Error(err))
			return c.Next()
		}

		used := int(incr.Val())
		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		if used > maxRequests {
			c.Set("X-RateLimit-Remaining", "0")
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(resetAt.Sub(now).Seconds())+1))
			return response.RateLimited(c)
		}
		c.Set("X-RateLimit-Remaining", strconv.Itoa(maxRequests-used))
		return c.Next()
	}
}

// GenerateLimit limits creation calls per hour
func (rl *RateLimiter) GenerateLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("generate", maxPerHour, time.Hour)
}

// IterateLimit limits iterate and enhance calls per minute
func (rl *RateLimiter) IterateLimit(maxPerMin int) fiber.Handler {
	return rl.Limit("iterate", maxPerMin, time.Minute)
}
