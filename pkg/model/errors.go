package model

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies a failure well enough for a caller to decide
// programmatically whether another attempt could succeed.
type ErrorKind string

const (
	KindStream                ErrorKind = "stream"
	KindTimeout               ErrorKind = "timeout"
	KindUnexpectedStatus      ErrorKind = "unexpected_status"
	KindRetryLimit            ErrorKind = "retry_limit"
	KindRateLimit             ErrorKind = "rate_limit"
	KindContextWindowExceeded ErrorKind = "context_window_exceeded"
	KindAuthentication        ErrorKind = "authentication"
	KindInvalidRequest        ErrorKind = "invalid_request"
	KindProvider              ErrorKind = "provider"
	KindModelNotFound         ErrorKind = "model_not_found"
	KindFunctionCall          ErrorKind = "function_call"
	KindConfiguration         ErrorKind = "configuration"
	KindDecode                ErrorKind = "decode"
)

// Error is the error type surfaced by every core operation. Only the fields
// relevant to the Kind are populated.
type Error struct {
	Kind    ErrorKind
	Message string

	// HTTP status observed, for UnexpectedStatus and RetryLimit.
	Status int
	// Best-effort capture of the response body for UnexpectedStatus.
	Body string
	// Attempt count for RetryLimit.
	Attempts int
	// Token counts for ContextWindowExceeded.
	InputTokens int
	MaxTokens   int
	// Per-attempt deadline for Timeout.
	Timeout time.Duration

	Cause error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStream:
		return fmt.Sprintf("stream disconnected before completion: %s", e.Message)
	case KindTimeout:
		return fmt.Sprintf("request timed out after %s", e.Timeout)
	case KindUnexpectedStatus:
		return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
	case KindRetryLimit:
		return fmt.Sprintf("exceeded retry limit (%d attempts), last status: %d", e.Attempts, e.Status)
	case KindRateLimit:
		return fmt.Sprintf("rate limit exceeded: %s", e.Message)
	case KindContextWindowExceeded:
		return fmt.Sprintf("context window exceeded: input tokens %d, max tokens %d", e.InputTokens, e.MaxTokens)
	case KindAuthentication:
		return fmt.Sprintf("authentication failed: %s", e.Message)
	case KindInvalidRequest:
		return fmt.Sprintf("invalid request: %s", e.Message)
	case KindProvider:
		return fmt.Sprintf("provider error: %s", e.Message)
	case KindModelNotFound:
		return fmt.Sprintf("model not found: %s", e.Message)
	case KindFunctionCall:
		return fmt.Sprintf("function calling error: %s", e.Message)
	case KindConfiguration:
		return fmt.Sprintf("configuration error: %s", e.Message)
	case KindDecode:
		return fmt.Sprintf("decode error: %v", e.Cause)
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error { return e.Cause }

func NewStream(message string) *Error {
	return &Error{Kind: KindStream, Message: message}
}

func NewTimeout(after time.Duration) *Error {
	return &Error{Kind: KindTimeout, Timeout: after}
}

func NewUnexpectedStatus(status int, body string) *Error {
	return &Error{Kind: KindUnexpectedStatus, Status: status, Body: body}
}

func NewRetryLimit(attempts, lastStatus int) *Error {
	return &Error{Kind: KindRetryLimit, Attempts: attempts, Status: lastStatus}
}

func NewRateLimit(message string) *Error {
	return &Error{Kind: KindRateLimit, Message: message}
}

func NewContextWindowExceeded(inputTokens, maxTokens int) *Error {
	return &Error{Kind: KindContextWindowExceeded, InputTokens: inputTokens, MaxTokens: maxTokens}
}

func NewAuthentication(message string) *Error {
	return &Error{Kind: KindAuthentication, Message: message}
}

func NewInvalidRequest(message string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: message}
}

func NewProviderError(message string) *Error {
	return &Error{Kind: KindProvider, Message: message}
}

func NewModelNotFound(message string) *Error {
	return &Error{Kind: KindModelNotFound, Message: message}
}

func NewFunctionCall(message string) *Error {
	return &Error{Kind: KindFunctionCall, Message: message}
}

func NewConfiguration(message string) *Error {
	return &Error{Kind: KindConfiguration, Message: message}
}

func NewDecode(cause error) *Error {
	return &Error{Kind: KindDecode, Cause: cause}
}

// FromStatus classifies a non-2xx response from observable signals alone.
// The body is captured opaquely; nothing provider-specific is parsed here.
func FromStatus(status int, body string) *Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Kind: KindAuthentication, Message: body, Status: status}
	case http.StatusNotFound:
		return &Error{Kind: KindModelNotFound, Message: body, Status: status}
	case http.StatusBadRequest:
		return &Error{Kind: KindInvalidRequest, Message: body, Status: status}
	case http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimit, Message: body, Status: status}
	default:
		return NewUnexpectedStatus(status, body)
	}
}

// AsError unwraps err to a *Error if one is in its chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable reports whether another attempt could plausibly succeed:
// mid-transfer disconnection, timeout, rate limiting, or a 5xx/429 status.
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Kind {
	case KindStream, KindTimeout, KindRateLimit:
		return true
	case KindUnexpectedStatus:
		return e.Status >= 500 || e.Status == http.StatusTooManyRequests
	default:
		return false
	}
}

// IsClientError reports whether the failure is the caller's fault and must
// never be retried.
func IsClientError(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Kind {
	case KindAuthentication, KindInvalidRequest, KindModelNotFound,
		KindContextWindowExceeded, KindConfiguration:
		return true
	default:
		return false
	}
}

// StatusCode returns the HTTP status attached to err, if any.
func StatusCode(err error) (int, bool) {
	e, ok := AsError(err)
	if !ok || e.Status == 0 {
		return 0, false
	}
	return e.Status, true
}
