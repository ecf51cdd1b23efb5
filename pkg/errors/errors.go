package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrEmptyQuery      = errors.New("query has no searchable text")
	ErrDebounced       = errors.New("identical query submitted within cooldown")
	ErrDispatchFailed  = errors.New("remote query dispatch failed")
	ErrInvalidResponse = errors.New("invalid remote response")
	ErrSessionNotFound = errors.New("session not found")
	ErrCoordinatorDown = errors.New("coordinator stopped")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInternal        = errors.New("internal error")
	ErrTimeout         = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrEmptyQuery), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidResponse):
		return http.StatusBadRequest
	case errors.Is(err, ErrDebounced):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrDispatchFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrCoordinatorDown), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
