package core

import (
	"errors"
	"fmt"
	"net/http"
)

// RequestError is the only error shape that crosses the signaling boundary.
type RequestError struct {
	Code    int    `json:"errorCode"`
	Message string `json:"errorReason"`
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

func newRequestError(code int, format string, args ...any) *RequestError {
	return &RequestError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func BadRequest(format string, args ...any) *RequestError {
	return newRequestError(http.StatusBadRequest, format, args...)
}

func Unauthorized(format string, args ...any) *RequestError {
	return newRequestError(http.StatusUnauthorized, format, args...)
}

func Forbidden(format string, args ...any) *RequestError {
	return newRequestError(http.StatusForbidden, format, args...)
}

func NotFound(format string, args ...any) *RequestError {
	return newRequestError(http.StatusNotFound, format, args...)
}

func Conflict(format string, args ...any) *RequestError {
	return newRequestError(http.StatusConflict, format, args...)
}

func TooManyRequests(format string, args ...any) *RequestError {
	return newRequestError(http.StatusTooManyRequests, format, args...)
}

// Internal never carries the underlying cause to the peer.
func Internal() *RequestError {
	return &RequestError{Code: http.StatusInternalServerError, Message: "internal server error"}
}

// AsRequestError reports the error code carried by err, if any.
func AsRequestError(err error) (*RequestError, bool) {
	var re *RequestError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
