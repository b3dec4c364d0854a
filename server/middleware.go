package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/teranos/backtestq/auth"
	"github.com/teranos/backtestq/logger"
	"github.com/teranos/backtestq/pulse/service"
)

const (
	callerKey       = "caller"
	requestIDHeader = "X-Request-ID"
)

// callerFrom returns the authenticated caller, or the zero caller
func callerFrom(c *gin.Context) service.Caller {
	if v, ok := c.Get(callerKey); ok {
		if caller, ok := v.(service.Caller); ok {
			return caller
		}
	}
	return service.Caller{}
}

// authenticate verifies the bearer token and stores the caller
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := s.authn.Authenticate(auth.ExtractToken(c.Request))
		if err != nil {
			s.logger.Debugw("Token validation failed",
				logger.FieldPath, c.Request.URL.Path,
				logger.FieldError, err)
			abortWithError(c, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid bearer token")
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

// requireOperator rejects non-operator callers
func (s *Server) requireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !callerFrom(c).IsOperator {
			abortWithError(c, http.StatusForbidden, CodeForbidden, "operator role required")
			return
		}
		c.Next()
	}
}

// rateLimit throttles mutating requests per caller
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := callerFrom(c)
		if !s.limiter.Allow(caller.ID) {
			s.logger.Warnw("Rate limit exceeded",
				logger.FieldCallerID, caller.ID,
				logger.FieldPath, c.FullPath())
			abortWithError(c, http.StatusTooManyRequests, CodeRateLimited, "too many requests")
			return
		}
		c.Next()
	}
}

// requestLogger tags the request with an ID and writes one zap line per request
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = shortID(uuid.NewString())
		}
		c.Header(requestIDHeader, requestID)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), requestID))

		c.Next()

		status := c.Writer.Status()
		fields := []interface{}{
			logger.FieldMethod, c.Request.Method,
			logger.FieldPath, c.Request.URL.Path,
			"status_code", status,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
			logger.FieldClientIP, c.ClientIP(),
			logger.FieldRequestID, requestID,
		}
		if caller := callerFrom(c); caller.ID != "" {
			fields = append(fields, logger.FieldCallerID, caller.ID)
		}

		if status >= http.StatusInternalServerError {
			s.logger.Warnw("HTTP request", fields...)
		} else {
			s.logger.Debugw("HTTP request", fields...)
		}
	}
}
