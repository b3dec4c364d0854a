package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/teranos/backtestq/errors"
	"github.com/teranos/backtestq/logger"
)

// Error codes carried in the error envelope
const (
	CodeValidation   = "validation_error"
	CodeNotFound     = "not_found"
	CodeForbidden    = "forbidden"
	CodeInvalidState = "invalid_state"
	CodeUnauthorized = "unauthorized"
	CodeRateLimited  = "rate_limited"
	CodeInternal     = "internal_error"
)

type successResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// respond writes the success envelope
func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, successResponse{Success: true, Data: data})
}

// respondError maps a domain error onto a status code and the error envelope.
// Unrecognised errors are logged and reported generically.
func (s *Server) respondError(c *gin.Context, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.With(logger.FieldsFromContext(c.Request.Context())...).Errorw("Request failed",
			logger.FieldMethod, c.Request.Method,
			logger.FieldPath, c.FullPath(),
			logger.FieldCallerID, callerFrom(c).ID,
			logger.FieldError, fmt.Sprintf("%+v", err))
		message = "internal server error"
	}
	abortWithError(c, status, code, message)
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Success: false, Error: code, Message: message})
}

// classify returns the status and envelope code for err
func classify(err error) (int, string) {
	switch {
	case errors.IsValidationError(err):
		return http.StatusBadRequest, CodeValidation
	case errors.IsNotFoundError(err):
		return http.StatusNotFound, CodeNotFound
	case errors.IsForbiddenError(err):
		return http.StatusForbidden, CodeForbidden
	case errors.IsInvalidStateError(err):
		return http.StatusConflict, CodeInvalidState
	case errors.IsUnauthorizedError(err):
		return http.StatusUnauthorized, CodeUnauthorized
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
