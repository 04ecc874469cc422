package server

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/cartera/internal/observability/logger"
	"go.uber.org/zap"
)

// UploadRateLimit throttles uploads per client address and dataset.
func (s *Server) UploadRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.uploadLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		res, err := s.uploadLimiter.Allow(ctx, c.Param("dataset"), c.ClientIP())
		if err != nil {
			logger.WithContext(ctx, s.log).Warn("upload rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !res.Allowed {
			if res.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			}
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
