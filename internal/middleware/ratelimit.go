package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// RateLimit caps requests per client IP with a fixed window counter in
// Redis. The trigger endpoints start background work against the upstream
// API, so they need a tighter budget than the read endpoints. When Redis is
// unavailable the limiter fails open.
func RateLimit(rdb *redis.Client, limit int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rdb == nil || limit <= 0 {
			return c.Next()
		}

		now := time.Now()
		bucket := now.Unix() / int64(window.Seconds())
		key := fmt.Sprintf("rl:%s:%d", c.IP(), bucket)

		count, err := rdb.Incr(c.Context(), key).Result()
		if err != nil {
			return c.Next()
		}
		rdb.Expire(c.Context(), key, window+time.Second)

		if count > int64(limit) {
			reset := time.Unix((bucket+1)*int64(window.Seconds()), 0)
			retryAfter := int64(reset.Sub(now).Seconds()) + 1

			c.Set("X-RateLimit-Limit", strconv.Itoa(limit))
			c.Set("X-RateLimit-Remaining", "0")
			c.Set("Retry-After", strconv.FormatInt(retryAfter, 10))

			return c.Status(429).JSON(fiber.Map{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests",
				"limit":       limit,
				"retry_after": retryAfter,
			})
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(int64(limit)-count, 10))
		return c.Next()
	}
}
