package server

import (
	"crypto/subtle"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nshruti113/admission-guard/internal/models"
)

const (
	HeaderUserID      = "X-User-ID"
	HeaderUserTier    = "X-User-Tier"
	HeaderBypassToken = "X-Bypass-Token"
	HeaderAdminKey    = "X-Admin-Key"

	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderTier       = "X-RateLimit-Tier"
	HeaderBurst      = "X-RateLimit-Burst"
	HeaderRetryAfter = "Retry-After"
)

// admissionRequest builds the admission tuple from request headers.
func admissionRequest(c *gin.Context) models.AdmissionRequest {
	return models.AdmissionRequest{
		Identity:    c.GetHeader(HeaderUserID),
		Tier:        models.ParseTier(c.GetHeader(HeaderUserTier)),
		Endpoint:    c.Request.URL.Path,
		Method:      c.Request.Method,
		IP:          c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
		BypassToken: c.GetHeader(HeaderBypassToken),
	}
}

// Admission evaluates every request and answers 429 when it is denied.
func (s *Server) Admission() gin.HandlerFunc {
	return func(c *gin.Context) {
		result := s.svc.Limiter.Evaluate(c.Request.Context(), admissionRequest(c))
		writeRateLimitHeaders(c, result)

		if !result.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"reason":      result.Reason,
				"retry_after": retryAfterSeconds(result.RetryAfter),
			})
			return
		}
		c.Next()
	}
}

func writeRateLimitHeaders(c *gin.Context, result models.RateLimitResult) {
	h := c.Writer.Header()
	h.Set(HeaderLimit, strconv.FormatInt(result.Limit, 10))
	h.Set(HeaderRemaining, strconv.FormatInt(result.Remaining, 10))
	h.Set(HeaderReset, strconv.FormatInt(result.ResetTime.Unix(), 10))
	h.Set(HeaderTier, string(result.Tier))
	if result.IsBurstUsed {
		h.Set(HeaderBurst, "true")
	}
	if !result.Allowed && result.RetryAfter > 0 {
		h.Set(HeaderRetryAfter, strconv.FormatInt(retryAfterSeconds(result.RetryAfter), 10))
	}
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}

// adminAuth gates admin routes behind a static key. An empty key disables the
// admin API entirely.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderAdminKey)
		if s.opts.AdminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.opts.AdminKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			return
		}
		c.Next()
	}
}

// requestLogger logs one line per request.
func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"ip":      c.ClientIP(),
			"latency": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("Request failed")
			return
		}
		entry.Debug("Request served")
	}
}

// corsMiddleware handles CORS
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-User-ID, X-User-Tier, X-Bypass-Token, X-Admin-Key")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		h.Set("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, X-RateLimit-Tier, Retry-After")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
