package model

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestFromStatus_Classification(t *testing.T) {
	cases := []struct {
		status int
		kind   ErrorKind
	}{
		{401, KindAuthentication},
		{403, KindAuthentication},
		{404, KindModelNotFound},
		{400, KindInvalidRequest},
		{429, KindRateLimit},
		{500, KindUnexpectedStatus},
		{502, KindUnexpectedStatus},
		{418, KindUnexpectedStatus},
	}
	for _, c := range cases {
		e := FromStatus(c.status, "body")
		if e.Kind != c.kind {
			t.Errorf("FromStatus(%d): expected kind %s, got %s", c.status, c.kind, e.Kind)
		}
		if e.Status != c.status {
			t.Errorf("FromStatus(%d): expected status recorded, got %d", c.status, e.Status)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []error{
		NewStream("disconnected"),
		NewTimeout(30 * time.Second),
		NewRateLimit("slow down"),
		NewUnexpectedStatus(500, ""),
		NewUnexpectedStatus(503, ""),
		NewUnexpectedStatus(429, ""),
	}
	for _, err := range retryable {
		if !IsRetryable(err) {
			t.Errorf("Expected %v to be retryable", err)
		}
	}

	permanent := []error{
		NewAuthentication("bad key"),
		NewInvalidRequest("bad payload"),
		NewModelNotFound("no such model"),
		NewUnexpectedStatus(451, ""),
		NewConfiguration("missing key"),
		NewDecode(errors.New("bad json")),
		errors.New("plain error"),
	}
	for _, err := range permanent {
		if IsRetryable(err) {
			t.Errorf("Expected %v to not be retryable", err)
		}
	}
}

func TestIsClientError(t *testing.T) {
	client := []error{
		NewAuthentication("bad key"),
		NewInvalidRequest("bad payload"),
		NewModelNotFound("gone"),
		NewContextWindowExceeded(9000, 8192),
		NewConfiguration("missing key"),
	}
	for _, err := range client {
		if !IsClientError(err) {
			t.Errorf("Expected %v to be a client error", err)
		}
	}

	if IsClientError(NewStream("disconnected")) {
		t.Error("Stream error should not be a client error")
	}
	if IsClientError(errors.New("plain")) {
		t.Error("Plain error should not be a client error")
	}
}

func TestErrorMessages(t *testing.T) {
	cases := []struct {
		err  *Error
		want string
	}{
		{NewTimeout(30 * time.Second), "request timed out after 30s"},
		{NewUnexpectedStatus(500, "boom"), "unexpected status 500: boom"},
		{NewRetryLimit(3, 500), "exceeded retry limit (3 attempts), last status: 500"},
		{NewContextWindowExceeded(9000, 8192), "context window exceeded: input tokens 9000, max tokens 8192"},
		{NewAuthentication("bad key"), "authentication failed: bad key"},
	}
	for _, c := range cases {
		if got := c.err.Error(); got != c.want {
			t.Errorf("Expected %q, got %q", c.want, got)
		}
	}
}

func TestAsError_Wrapped(t *testing.T) {
	inner := NewRateLimit("throttled")
	wrapped := fmt.Errorf("calling provider: %w", inner)

	e, ok := AsError(wrapped)
	if !ok {
		t.Fatal("Expected AsError to find the wrapped error")
	}
	if e.Kind != KindRateLimit {
		t.Errorf("Expected kind %s, got %s", KindRateLimit, e.Kind)
	}
	if !IsRetryable(wrapped) {
		t.Error("Wrapped rate limit error should be retryable")
	}
}

func TestStatusCode(t *testing.T) {
	if status, ok := StatusCode(NewUnexpectedStatus(502, "")); !ok || status != 502 {
		t.Errorf("Expected (502, true), got (%d, %v)", status, ok)
	}
	if _, ok := StatusCode(NewStream("disconnected")); ok {
		t.Error("Stream error carries no status")
	}
	if _, ok := StatusCode(errors.New("plain")); ok {
		t.Error("Plain error carries no status")
	}
}

func TestDecodeError_Unwrap(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	e := NewDecode(cause)
	if !errors.Is(e, cause) {
		t.Error("Decode error should unwrap to its cause")
	}
	if !strings.Contains(e.Error(), "unexpected end of JSON input") {
		t.Errorf("Decode message should mention the cause, got %q", e.Error())
	}
}
