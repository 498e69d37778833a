// Package errors provides the error taxonomy shared by broker adapters
// and the trading layer. Callers branch on error kind with errors.Is and
// errors.As, never by parsing message strings.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrSessionExpired     = errors.New("session expired")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthInProgress     = errors.New("authentication already in progress")
	ErrUnsupported        = errors.New("operation not supported by broker")
	ErrBrokerUnavailable  = errors.New("broker unavailable")
	ErrOrderRejected      = errors.New("order rejected")
	ErrOrderNotFound      = errors.New("order not found")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrSymbolNotFound     = errors.New("symbol not found")
	ErrRateLimited        = errors.New("rate limited")
	ErrTimeout            = errors.New("operation timed out")
	ErrRegistryClosed     = errors.New("broker registry closed")
	ErrConfigInvalid      = errors.New("invalid configuration")
)

// ValidationError reports a request that is malformed before any broker
// call is attempted.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// AuthenticationError represents a login or credential failure. It
// matches ErrInvalidCredentials under errors.Is.
type AuthenticationError struct {
	Broker string
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed [%s]: %s: %v", e.Broker, e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed [%s]: %s", e.Broker, e.Reason)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

func (e *AuthenticationError) Is(target error) bool {
	return target == ErrInvalidCredentials
}

// NewAuthenticationError creates a new AuthenticationError.
func NewAuthenticationError(broker, reason string, err error) *AuthenticationError {
	return &AuthenticationError{
		Broker: broker,
		Reason: reason,
		Err:    err,
	}
}

// SessionExpiredError reports that a previously valid broker session has
// lapsed. It matches ErrSessionExpired under errors.Is, which is what
// the execution layer keys its single refresh-and-retry on.
type SessionExpiredError struct {
	Broker string
	Code   string
	Err    error
}

func (e *SessionExpiredError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("session expired [%s] code %s", e.Broker, e.Code)
	}
	return fmt.Sprintf("session expired [%s]", e.Broker)
}

func (e *SessionExpiredError) Unwrap() error {
	return e.Err
}

func (e *SessionExpiredError) Is(target error) bool {
	return target == ErrSessionExpired
}

// NewSessionExpiredError creates a new SessionExpiredError.
func NewSessionExpiredError(broker, code string, err error) *SessionExpiredError {
	return &SessionExpiredError{
		Broker: broker,
		Code:   code,
		Err:    err,
	}
}

// BrokerAPIError represents a failure reported by a broker API after a
// request reached it. Code is the broker's own error code and HTTPStatus
// the transport status when one applies.
type BrokerAPIError struct {
	Broker     string
	Code       string
	HTTPStatus int
	Message    string
	Err        error
}

func (e *BrokerAPIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("broker error [%s/%s]: %s", e.Broker, e.Code, e.Message)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Broker, e.Message)
}

func (e *BrokerAPIError) Unwrap() error {
	return e.Err
}

// NewBrokerAPIError creates a new BrokerAPIError.
func NewBrokerAPIError(broker, code string, httpStatus int, message string, err error) *BrokerAPIError {
	return &BrokerAPIError{
		Broker:     broker,
		Code:       code,
		HTTPStatus: httpStatus,
		Message:    message,
		Err:        err,
	}
}

// IsSessionExpired reports whether err indicates a lapsed broker session.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}

// IsAuthentication reports whether err is a login or credential failure.
func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRetryableRead reports whether err is safe to retry on an idempotent
// read such as a position or margin fetch. Only plain broker API faults
// qualify; validation, credential and session errors are not retried
// here (session recovery belongs to the trading layer).
func IsRetryableRead(err error) bool {
	if IsSessionExpired(err) || IsAuthentication(err) || IsValidation(err) {
		return false
	}
	var be *BrokerAPIError
	return errors.As(err, &be)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
