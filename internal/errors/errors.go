// Package errors defines the JSON error envelope of the dashboard API and the
// mapping from loader failures to client-facing codes.
package errors

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"dvf-dashboard/internal/dataset"
	"dvf-dashboard/internal/observability"
)

type ErrorCode string

const (
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
	CodeValidation        ErrorCode = "VALIDATION_ERROR"
	CodeBadRequest        ErrorCode = "BAD_REQUEST"
	CodeRateLimit         ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeServiceUnavail    ErrorCode = "SERVICE_UNAVAILABLE"
	CodeDataSourceMissing ErrorCode = "DATA_SOURCE_MISSING"
	CodeSchemaMismatch    ErrorCode = "SCHEMA_MISMATCH"
	CodeReloadInProgress  ErrorCode = "RELOAD_IN_PROGRESS"
)

var codeStatus = map[ErrorCode]int{
	CodeValidation:        http.StatusBadRequest,
	CodeBadRequest:        http.StatusBadRequest,
	CodeRateLimit:         http.StatusTooManyRequests,
	CodeServiceUnavail:    http.StatusServiceUnavailable,
	CodeDataSourceMissing: http.StatusServiceUnavailable,
	CodeSchemaMismatch:    http.StatusUnprocessableEntity,
	CodeReloadInProgress:  http.StatusConflict,
}

// AppError is the body of a failed response. Cause stays server side.
type AppError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	Cause     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return string(e.Code) + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *AppError) Unwrap() error { return e.Cause }

// Status is the HTTP status for the error's code; unknown codes are 500.
func (e *AppError) Status() int {
	if s, ok := codeStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Timestamp: time.Now().UTC()}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	e := New(code, message)
	e.Cause = err
	return e
}

func Internal(message string) *AppError { return New(CodeInternal, message) }

func ValidationWrap(err error, message string) *AppError {
	return Wrap(err, CodeValidation, message)
}

func BadRequest(message string) *AppError { return New(CodeBadRequest, message) }

func BadRequestWrap(err error, message string) *AppError {
	return Wrap(err, CodeBadRequest, message)
}

func RateLimit(message string) *AppError { return New(CodeRateLimit, message) }

// FromLoad maps a dataset loading error to the code a client can act on.
// The message carries the directory or file named by the cause.
func FromLoad(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	var mismatch *dataset.SchemaMismatchError
	switch {
	case stderrors.Is(err, dataset.ErrDataSourceMissing):
		return Wrap(err, CodeDataSourceMissing, err.Error())
	case stderrors.As(err, &mismatch):
		e := Wrap(err, CodeSchemaMismatch, err.Error())
		e.Details = fmt.Sprintf("missing fields: %v", mismatch.Missing)
		return e
	case stderrors.Is(err, dataset.ErrSchemaMismatch):
		return Wrap(err, CodeSchemaMismatch, err.Error())
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return Wrap(err, CodeServiceUnavail, "dataset load interrupted")
	default:
		return Wrap(err, CodeInternal, "failed to load dataset")
	}
}

type ErrorResponse struct {
	Error   *AppError `json:"error"`
	Success bool      `json:"success"`
}

// WriteError writes the envelope for err and logs it at warn for client
// errors and error for server errors. Non-AppErrors become INTERNAL_ERROR.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		appErr = Wrap(err, CodeInternal, "An unexpected error occurred")
	}
	ctx := r.Context()
	appErr.RequestID = observability.GetRequestID(ctx)
	status := appErr.Status()

	level := slog.LevelError
	if status < http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("error_code", string(appErr.Code)),
		slog.String("error_message", appErr.Message),
		slog.Int("status_code", status),
	}
	if appErr.Cause != nil {
		attrs = append(attrs, slog.Any("cause", appErr.Cause))
	}
	logger.LogAttrs(ctx, level, "request failed", attrs...)

	writeJSON(w, logger, status, ErrorResponse{Error: appErr})
}

type SuccessResponse struct {
	Data    any  `json:"data"`
	Success bool `json:"success"`
}

func WriteSuccess(w http.ResponseWriter, data any) {
	WriteSuccessStatus(w, http.StatusOK, data)
}

func WriteSuccessStatus(w http.ResponseWriter, status int, data any) {
	writeJSON(w, slog.Default(), status, SuccessResponse{Data: data, Success: true})
}

// writeJSON encodes before touching the response so an encoding failure can
// still produce a 500.
func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		logger.Error("failed to encode response", "error", err)
		http.Error(w, `{"success":false}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
