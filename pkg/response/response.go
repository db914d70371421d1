package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/papertrade-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response. Kind is a stable machine-readable tag.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Transport error kinds; domain kinds come from types.ErrorKind
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
)

var kindStatus = map[types.ErrorKind]int{
	types.KindInvalidOrderRequest: http.StatusBadRequest,
	types.KindInsufficientBalance: http.StatusUnprocessableEntity,
	types.KindQuoteUnavailable:    http.StatusServiceUnavailable,
	types.KindOrderNotFound:       http.StatusNotFound,
	types.KindOrderNotClosable:    http.StatusConflict,
	types.KindPersistenceFailure:  http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for a domain error kind
func StatusFor(kind types.ErrorKind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	var domainErr *types.Error
	switch {
	case errors.As(err, &domainErr):
		handleDomainError(c, domainErr)
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		handleError(c, err)
	}
}

// Success sends a 200 response
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// Created sends a 201 response
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Success: true,
		Data:    data,
	})
}

// Fail sends a failure envelope with an explicit status and kind
func Fail(c *gin.Context, status int, kind, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Kind:    kind,
			Message: message,
		},
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	Fail(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	Fail(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	Fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	Fail(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	Fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	Fail(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	Fail(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

func handleDomainError(c *gin.Context, err *types.Error) {
	status := StatusFor(err.Kind)
	if status >= http.StatusInternalServerError && err.Kind != types.KindQuoteUnavailable {
		log.Error().
			Err(err).
			Str("kind", string(err.Kind)).
			Str("path", c.FullPath()).
			Msg("Request failed")
		Fail(c, status, string(err.Kind), "An unexpected error occurred")
		return
	}
	Fail(c, status, string(err.Kind), err.Message)
}

// handleError determines the appropriate error response
func handleError(c *gin.Context, err error) {
	log.Error().
		Err(err).
		Str("path", c.FullPath()).
		Msg("Unhandled error")

	InternalError(c, "An unexpected error occurred")
}
