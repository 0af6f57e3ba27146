// SPDX-License-Identifier: MIT

// Package errdef defines the closed error taxonomy shared by the queue,
// the provider layer and the stores. Adapters translate transport errors
// into these codes at their boundary; the job runner inspects the code to
// decide whether a failed attempt is retried.
package errdef

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies an error class. The set is closed; new values require a
// matching retry-policy decision in retryable().
type Code string

const (
	CodeValidation              Code = "VALIDATION"
	CodeAuth                    Code = "AUTH"
	CodeNotFound                Code = "NOT_FOUND"
	CodeRateLimit               Code = "RATE_LIMIT"
	CodeNetwork                 Code = "NETWORK"
	CodeProviderServer          Code = "PROVIDER_SERVER"
	CodeProviderInvalidResponse Code = "PROVIDER_INVALID_RESPONSE"
	CodeProviderUnavailable     Code = "PROVIDER_UNAVAILABLE"
	CodeStorage                 Code = "STORAGE"
	CodeDuplicateKey            Code = "DUPLICATE_KEY"
	CodeForeignKey              Code = "FOREIGN_KEY"
	CodeConstraint              Code = "CONSTRAINT"
	CodeFSPermission            Code = "FS_PERMISSION"
	CodeFSNotFound              Code = "FS_NOT_FOUND"
	CodeProcess                 Code = "PROCESS"
	CodeJobTimeout              Code = "JOB_TIMEOUT"
	CodeJobNoHandler            Code = "JOB_NO_HANDLER"
)

// Error is a taxonomized error. Provider is set for errors originating in a
// provider adapter; RetryAfter is a hint set on RATE_LIMIT errors.
type Error struct {
	Code       Code
	Provider   string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Provider != "" && e.Err != nil:
		return fmt.Sprintf("%s [%s]: %s: %v", e.Code, e.Provider, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Provider != "":
		return fmt.Sprintf("%s [%s]: %s", e.Code, e.Provider, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a taxonomized error without a cause.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a taxonomized error around a cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithProvider annotates the error with the originating provider name.
func (e *Error) WithProvider(name string) *Error {
	e.Provider = name
	return e
}

// WithRetryAfter records the upstream retry-after hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// CodeOf extracts the taxonomy code from err, walking the wrap chain.
// Unclassified errors report the empty code; callers that must distinguish
// an unclassified error from a missing one use Classified.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Classified reports whether err carries a taxonomy code.
func Classified(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// ProviderOf extracts the provider name from err if present.
func ProviderOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Provider
	}
	return ""
}

// RetryAfterOf extracts the retry-after hint, zero when absent.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Retryable reports whether the error class may be retried with backoff.
// Unclassified errors are treated as retryable network-ish failures so that
// transient conditions are not silently terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return true
	}
	switch e.Code {
	case CodeRateLimit, CodeNetwork, CodeProviderServer, CodeProviderUnavailable,
		CodeProcess, CodeJobTimeout:
		return true
	case CodeStorage:
		// Constraint violations surface under their own codes; plain
		// storage failures (locked database, I/O) are transient.
		return true
	default:
		return false
	}
}

// FromHTTPStatus translates an upstream HTTP status into the taxonomy.
// Adapters call this at their boundary.
func FromHTTPStatus(provider string, status int) *Error {
	var code Code
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = CodeAuth
	case status == http.StatusNotFound:
		code = CodeNotFound
	case status == http.StatusTooManyRequests:
		code = CodeRateLimit
	case status >= 500:
		code = CodeProviderServer
	case status >= 400:
		code = CodeValidation
	default:
		code = CodeProviderInvalidResponse
	}
	return &Error{Code: code, Provider: provider, Message: fmt.Sprintf("upstream status %d", status)}
}
