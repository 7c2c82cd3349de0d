package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/toolgate/core/internal/pkg/bark"
	"github.com/toolgate/core/internal/pkg/metrics"
	"github.com/toolgate/core/internal/pkg/ratelimit"
	"github.com/toolgate/core/internal/pkg/response"
)

// IPRateLimit enforces a per-IP token bucket on the given limiter. Denied
// requests get a 429 with Retry-After; repeated abuse from the same ip/path
// pair raises a throttled Bark push.
func IPRateLimit(limiter *ratelimit.Limiter, mc *metrics.Collector, barkSvc *bark.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			c.Next()
			return
		}

		allowed, result := limiter.Allow(ip, 1)
		setRateLimitHeaders(c, result)
		if !allowed {
			if mc != nil {
				mc.RecordRateLimitHit("global_ip")
			}
			if barkSvc != nil {
				go barkSvc.ThrottlePush(ip, c.Request.URL.Path)
			}
			response.TooManyRequests(c, result.RetryAfter)
			return
		}
		c.Next()
	}
}

func setRateLimitHeaders(c *gin.Context, r ratelimit.Result) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(r.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(r.Remaining))
}
