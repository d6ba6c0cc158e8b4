package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError provides a structured error that can be rendered to API consumers
// over both the REST surface and WebSocket error frames.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// WithMessage returns a copy of the AppError carrying a more specific message.
func (e *AppError) WithMessage(message string) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Message = message
	return &cpy
}

// Collaboration error taxonomy. Handshake failures refuse the connection;
// RejectedStale is non-fatal and echoed only to the sender.
var (
	ErrAuthFailed = &AppError{
		Code:       "AUTH_FAILED",
		Message:    "Authentication failed",
		StatusCode: http.StatusUnauthorized,
	}

	ErrTenantMismatch = &AppError{
		Code:       "TENANT_MISMATCH",
		Message:    "Room belongs to a different tenant",
		StatusCode: http.StatusForbidden,
	}

	ErrRoomNotFound = &AppError{
		Code:       "ROOM_NOT_FOUND",
		Message:    "Room not found",
		StatusCode: http.StatusNotFound,
	}

	ErrRejectedStale = &AppError{
		Code:       "REJECTED_STALE",
		Message:    "Field update superseded by a newer write",
		StatusCode: http.StatusConflict,
	}

	ErrQueueOverflow = &AppError{
		Code:       "QUEUE_OVERFLOW",
		Message:    "Outbound queue overflow, connection closed",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrHeartbeatTimeout = &AppError{
		Code:       "HEARTBEAT_TIMEOUT",
		Message:    "Session liveness expired",
		StatusCode: http.StatusRequestTimeout,
	}

	ErrProtocolViolation = &AppError{
		Code:       "PROTOCOL_ERROR",
		Message:    "Malformed or out-of-order message",
		StatusCode: http.StatusBadRequest,
	}

	ErrRoomFailed = &AppError{
		Code:       "ROOM_FAILED",
		Message:    "Room state is no longer consistent, rejoin required",
		StatusCode: http.StatusInternalServerError,
	}
)

// Generic REST errors.
var (
	ErrUnauthorized = &AppError{
		Code:       "UNAUTHORIZED",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrForbidden = &AppError{
		Code:       "FORBIDDEN",
		Message:    "Permission denied",
		StatusCode: http.StatusForbidden,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError normalises an arbitrary error into an AppError.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}
