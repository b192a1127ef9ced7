package api

import (
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
)

// rateLimit throttles each client address to perSecond requests with the
// given burst. Buckets expire after an hour of inactivity.
func rateLimit(perSecond float64, burst int) gin.HandlerFunc {
	lim := tollbooth.NewLimiter(perSecond, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
	if burst > 0 {
		lim.SetBurst(burst)
	}
	return func(c *gin.Context) {
		if httpErr := tollbooth.LimitByRequest(lim, c.Writer, c.Request); httpErr != nil {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":     false,
				"error":       "too many requests",
				"retry_after": c.Writer.Header().Get("Retry-After"),
			})
			return
		}
		c.Next()
	}
}
