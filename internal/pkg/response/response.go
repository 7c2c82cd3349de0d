package response

import (
	"errors"
	"net/http"
	"reflect"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/toolgate/core/internal/apperrors"
)

// Pagination metadata returned with paginated responses.
type Pagination struct {
	Total       int64 `json:"total"`
	CurrentPage int   `json:"current_page"`
	TotalPage   int   `json:"total_page"`
	Size        int   `json:"size"`
	HasNextPage bool  `json:"has_next_page"`
}

// pagedResponse is the envelope for paginated list responses.
type pagedResponse struct {
	Data       interface{} `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

// cursorResponse is the envelope for cursor-paginated list responses.
type cursorResponse struct {
	Data       interface{} `json:"data"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

// OK sends a 200 response. Arrays/slices are wrapped in {data: [...]}.
func OK(c *gin.Context, data interface{}) {
	if data != nil {
		v := reflect.ValueOf(data)
		if v.Kind() == reflect.Slice {
			c.JSON(http.StatusOK, gin.H{"data": data})
			return
		}
	}
	c.JSON(http.StatusOK, data)
}

// Paged sends a paginated response.
func Paged(c *gin.Context, data interface{}, pagination Pagination) {
	c.JSON(http.StatusOK, pagedResponse{
		Data:       data,
		Pagination: pagination,
	})
}

// Cursor sends a cursor-paginated response. Empty nextCursor means last page.
func Cursor(c *gin.Context, data interface{}, nextCursor string) {
	c.JSON(http.StatusOK, cursorResponse{
		Data:       data,
		NextCursor: nextCursor,
	})
}

// Created sends a 201 response.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, data)
}

// NoContent sends a 204 response.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// BadRequest sends a 400 error response.
func BadRequest(c *gin.Context, message string) {
	abortWith(c, http.StatusBadRequest, message)
}

// Unauthorized sends a 401 error response.
func Unauthorized(c *gin.Context) {
	abortWith(c, http.StatusUnauthorized, "authentication required")
}

// UnauthorizedMsg sends a 401 error response with a custom message.
func UnauthorizedMsg(c *gin.Context, message string) {
	abortWith(c, http.StatusUnauthorized, message)
}

// Forbidden sends a 403 error response.
func Forbidden(c *gin.Context) {
	abortWith(c, http.StatusForbidden, "forbidden")
}

// ForbiddenMsg sends a 403 error response with a custom message.
func ForbiddenMsg(c *gin.Context, message string) {
	abortWith(c, http.StatusForbidden, message)
}

// MethodNotAllowed sends a 405 error response.
func MethodNotAllowed(c *gin.Context) {
	abortWith(c, http.StatusMethodNotAllowed, "method not allowed")
}

// NotFound sends a 404 error response.
func NotFound(c *gin.Context) {
	abortWith(c, http.StatusNotFound, "not found")
}

// NotFoundMsg sends a 404 error with a custom message.
func NotFoundMsg(c *gin.Context, message string) {
	abortWith(c, http.StatusNotFound, message)
}

// Conflict sends a 409 error response.
func Conflict(c *gin.Context, message string) {
	abortWith(c, http.StatusConflict, message)
}

// UnprocessableEntity sends a 422 error response.
func UnprocessableEntity(c *gin.Context, message string) {
	abortWith(c, http.StatusUnprocessableEntity, message)
}

// TooManyRequests sends a 429 error response with a Retry-After hint.
func TooManyRequests(c *gin.Context, retryAfterSeconds int) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	abortWith(c, http.StatusTooManyRequests, "too many requests")
}

// InternalError sends a 500 error response.
func InternalError(c *gin.Context, err error) {
	abortWith(c, http.StatusInternalServerError, err.Error())
}

// FromError maps a domain error to its HTTP status. Unknown errors become 500.
func FromError(c *gin.Context, err error) {
	switch {
	case apperrors.IsNotFound(err):
		abortWith(c, http.StatusNotFound, err.Error())
	case errors.Is(err, apperrors.ErrAppConfigDisabled),
		errors.Is(err, apperrors.ErrLinkedAccountDisabled),
		errors.Is(err, apperrors.ErrAppNotAllowed),
		errors.Is(err, apperrors.ErrInstructionViolation):
		abortWith(c, http.StatusForbidden, err.Error())
	case errors.Is(err, apperrors.ErrAccountAlreadyLinked),
		errors.Is(err, apperrors.ErrTriggerAlreadyExists),
		errors.Is(err, apperrors.ErrAppConfigExists):
		abortWith(c, http.StatusConflict, err.Error())
	case errors.Is(err, apperrors.ErrAuthentication),
		errors.Is(err, apperrors.ErrSignatureInvalid):
		abortWith(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, apperrors.ErrValidation):
		abortWith(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, apperrors.ErrOAuthFlow):
		abortWith(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperrors.ErrRateLimited):
		TooManyRequests(c, 1)
	case errors.Is(err, apperrors.ErrEmbeddingUnavailable):
		abortWith(c, http.StatusServiceUnavailable, err.Error())
	default:
		abortWith(c, http.StatusInternalServerError, err.Error())
	}
}

func abortWith(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, gin.H{"ok": 0, "code": code, "message": message})
}
