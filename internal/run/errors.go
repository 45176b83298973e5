package run

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is the stable, user-visible failure taxonomy.
type ErrorCode string

const (
	CodeAborted             ErrorCode = "aborted"
	CodeTimeout             ErrorCode = "timeout"
	CodeRateLimit           ErrorCode = "rate_limit"
	CodeInsufficientCredits ErrorCode = "insufficient_credits"
	CodeNotFound            ErrorCode = "not_found"
	CodeInvalidRequest      ErrorCode = "invalid_request"
	CodeInternal            ErrorCode = "internal"
)

// ErrMissingCallID marks a successful LLM stream that carried no provider
// call id. It must fail the run: without the id the call cannot be billed.
var ErrMissingCallID = errors.New("missing provider call id on successful completion")

// CodedError pre-tags an error with its ErrorCode so Classify does not have
// to know every producing package.
type CodedError struct {
	Code ErrorCode
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error { return e.Err }

// Coded wraps err with code.
func Coded(code ErrorCode, err error) error {
	return &CodedError{Code: code, Err: err}
}

// UpstreamError is a non-2xx response from the LLM proxy.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
}

// Class buckets the status for logging (provider_4xx / provider_5xx).
func (e *UpstreamError) Class() string {
	if e.Status >= 500 {
		return "provider_5xx"
	}
	return "provider_4xx"
}

// Classify maps a raw failure to its stable code. It is the single
// normalizer; packages with richer context pre-tag via Coded.
func Classify(err error) ErrorCode {
	if err == nil {
		return CodeInternal
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	var up *UpstreamError
	if errors.As(err, &up) {
		switch {
		case up.Status == 408:
			return CodeTimeout
		case up.Status == 429:
			return CodeRateLimit
		default:
			// Remaining 4xx and all 5xx are internal faults of the
			// pipeline, distinguished only in logs via Class().
			return CodeInternal
		}
	}
	if errors.Is(err, context.Canceled) {
		return CodeAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}
