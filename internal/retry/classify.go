// Package retry classifies completion-service failures and computes the
// backoff applied before another attempt. Classification is explicit:
// it keys off typed SDK errors and HTTP status codes, with message
// probes only where a status code is ambiguous (a 429 that is really an
// exhausted quota, a 400 that is really a context-window overflow).
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/openai/openai-go"
)

// Class is the failure class of a remote call.
type Class int

const (
	// ClassUnknown is an unclassified failure; it is re-raised to the caller
	ClassUnknown Class = iota
	// ClassTimeout is a request or connect timeout
	ClassTimeout
	// ClassServerError is a 5xx from the remote service
	ClassServerError
	// ClassConnectionError is a transport-level failure (reset, refused, EOF)
	ClassConnectionError
	// ClassRateLimit is a 429 rate limit
	ClassRateLimit
	// ClassTooManyTokens is a request exceeding the model's context window
	ClassTooManyTokens
	// ClassInvalidRequest is any other 4xx (bad model, malformed payload)
	ClassInvalidRequest
	// ClassQuotaExceeded is an exhausted billing quota
	ClassQuotaExceeded
	// ClassStreamProtocol is a malformed event payload mid-stream
	ClassStreamProtocol
)

// String returns a human-readable class name
func (c Class) String() string {
	switch c {
	case ClassTimeout:
		return "timeout"
	case ClassServerError:
		return "server_error"
	case ClassConnectionError:
		return "connection_error"
	case ClassRateLimit:
		return "rate_limit"
	case ClassTooManyTokens:
		return "too_many_tokens"
	case ClassInvalidRequest:
		return "invalid_request"
	case ClassQuotaExceeded:
		return "quota_exceeded"
	case ClassStreamProtocol:
		return "stream_protocol"
	default:
		return "unknown"
	}
}

// Transient reports whether the class is retried at all.
func (c Class) Transient() bool {
	switch c {
	case ClassTimeout, ClassServerError, ClassConnectionError, ClassRateLimit:
		return true
	default:
		return false
	}
}

// Terminal reports whether the class ends the run after a single
// diagnostic, without retrying and without re-raising.
func (c Class) Terminal() bool {
	switch c {
	case ClassTooManyTokens, ClassInvalidRequest, ClassQuotaExceeded, ClassStreamProtocol:
		return true
	default:
		return false
	}
}

// ClassifiedError wraps a remote failure with its class and any
// server-suggested wait extracted from the message.
type ClassifiedError struct {
	Class         Class
	SuggestedWait time.Duration
	Err           error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return e.Class.String()
	}
	return e.Class.String() + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

var suggestedWaitPattern = regexp.MustCompile(`(?i)try again in (\d+(?:\.\d+)?)s`)

// SuggestedWait extracts a server-suggested retry delay of the form
// "try again in <seconds>s" from an error message. Returns 0 when no
// suggestion is present.
func SuggestedWait(message string) time.Duration {
	m := suggestedWaitPattern.FindStringSubmatch(message)
	if len(m) != 2 {
		return 0
	}
	seconds, err := strconv.ParseFloat(m[1], 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// Classify assigns a failure class to err. A nil error returns nil.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	ce := &ClassifiedError{Class: ClassUnknown, Err: err}
	message := err.Error()

	if status, ok := statusCode(err); ok {
		ce.Class = classifyStatus(status, message)
	} else {
		ce.Class = classifyTransport(err)
	}

	if ce.Class == ClassRateLimit {
		ce.SuggestedWait = SuggestedWait(message)
	}
	return ce
}

func statusCode(err error) (int, bool) {
	var oaiErr *openai.Error
	if errors.As(err, &oaiErr) {
		return oaiErr.StatusCode, true
	}
	var antErr *anthropic.Error
	if errors.As(err, &antErr) {
		return antErr.StatusCode, true
	}
	return 0, false
}

func classifyStatus(status int, message string) Class {
	lower := strings.ToLower(message)
	switch {
	case status == 408:
		return ClassTimeout
	case status == 429:
		if strings.Contains(lower, "quota") {
			return ClassQuotaExceeded
		}
		return ClassRateLimit
	case status >= 500:
		return ClassServerError
	case status >= 400:
		if isTokenOverflow(lower) {
			return ClassTooManyTokens
		}
		return ClassInvalidRequest
	default:
		return ClassUnknown
	}
}

func isTokenOverflow(lower string) bool {
	return strings.Contains(lower, "context length") ||
		strings.Contains(lower, "context window") ||
		strings.Contains(lower, "maximum context") ||
		strings.Contains(lower, "too many tokens") ||
		strings.Contains(lower, "prompt is too long")
}

func classifyTransport(err error) Class {
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassConnectionError
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassConnectionError
	}

	return ClassUnknown
}
