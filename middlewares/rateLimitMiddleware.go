package middlewares

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/recon_backend/utils"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window request counter kept in Redis.
// client may return nil while Redis is not connected; requests then pass unlimited.
type RateLimiter struct {
	client func() redis.UniversalClient
	limit  int64
	window time.Duration
}

func NewRateLimiter(client func() redis.UniversalClient, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// key prefers the authenticated user over the client IP.
func (rl *RateLimiter) key(c *gin.Context) string {
	if userId, ok := utils.GetUserIdFromContext(c.Request.Context()); ok {
		return "ratelimit:user:" + strconv.Itoa(userId)
	}
	return "ratelimit:ip:" + c.ClientIP()
}

func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	client := rl.client()
	if client == nil {
		c.Next()
		return
	}
	ctx := c.Request.Context()
	key := rl.key(c)

	pipe := client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		// Redis trouble must not take the API down.
		_ = c.Error(err)
		c.Next()
		return
	}

	if incr.Val() > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}
	c.Next()
}
