package errors

import (
	"errors"
	"fmt"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AppError carries the internal message, the message shown on the dashboard,
// and whether the caller may retry. Audible marks errors the UI answers with
// an error sound rather than a dialog.
type AppError struct {
	Code        string
	Message     string
	UserMessage string
	Severity    Severity
	Retryable   bool
	Audible     bool
	cause       error
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}

	return e.Message
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.cause
}

func (e *AppError) Cause() error {
	return e.Unwrap()
}

// NewInsufficientBalanceError is returned when a start is refused because the
// pilot holds less than one whole credit. Non-fatal, surfaced as a sound.
func NewInsufficientBalanceError(pilotID string) *AppError {
	return &AppError{
		Code:        "E100",
		Message:     fmt.Sprintf("insufficient balance for pilot %s", pilotID),
		UserMessage: "Недостаточно топлива для запуска",
		Severity:    SeverityLow,
		Retryable:   false,
		Audible:     true,
		cause:       nil,
	}
}

// NewFuelExhaustedError marks the mid-session balance floor: the engine force
// stops the session and the dashboard plays the "ran out of fuel" notice.
func NewFuelExhaustedError(pilotID string) *AppError {
	return &AppError{
		Code:        "E101",
		Message:     fmt.Sprintf("balance floor reached for pilot %s", pilotID),
		UserMessage: "Топливо закончилось, двигатель остановлен",
		Severity:    SeverityLow,
		Retryable:   false,
		Audible:     true,
		cause:       nil,
	}
}

// NewDatabaseError wraps a failed postgres operation. Retryable: the local
// optimistic state stays authoritative and the next sync reconciles.
func NewDatabaseError(cause error) *AppError {
	var underlyingMsg string
	if cause != nil {
		underlyingMsg = cause.Error()
	}

	return &AppError{
		Code:        "E200",
		Message:     fmt.Sprintf("Database error: %s", underlyingMsg),
		UserMessage: "Временная проблема, попробуйте позже",
		Severity:    SeverityHigh,
		Retryable:   true,
		cause:       cause,
	}
}

// NewSyncError marks a failed remote persistence write. Never rolled back
// locally; queued for retry instead.
func NewSyncError(operation string, cause error) *AppError {
	return &AppError{
		Code:        "E300",
		Message:     fmt.Sprintf("Sync failure: %s", operation),
		UserMessage: "Синхронизация временно недоступна",
		Severity:    SeverityMedium,
		Retryable:   true,
		cause:       cause,
	}
}

// NewStateError marks an operation invalid for the current timer state.
func NewStateError(msg string) *AppError {
	return &AppError{
		Code:        "E400",
		Message:     msg,
		UserMessage: "Операция невозможна в текущем состоянии",
		Severity:    SeverityMedium,
		Retryable:   false,
		cause:       nil,
	}
}

// IsAudible reports whether err should be answered with the error sound.
func IsAudible(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr != nil {
		return appErr.Audible
	}
	return false
}
