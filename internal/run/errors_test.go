package run

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, CodeInternal},
		{"context canceled", context.Canceled, CodeAborted},
		{"wrapped cancel", fmt.Errorf("stream read: %w", context.Canceled), CodeAborted},
		{"deadline", context.DeadlineExceeded, CodeTimeout},
		{"upstream 408", &UpstreamError{Status: 408}, CodeTimeout},
		{"upstream 429", &UpstreamError{Status: 429}, CodeRateLimit},
		{"upstream 400", &UpstreamError{Status: 400}, CodeInternal},
		{"upstream 403", &UpstreamError{Status: 403}, CodeInternal},
		{"upstream 500", &UpstreamError{Status: 500}, CodeInternal},
		{"upstream 503 wrapped", fmt.Errorf("call: %w", &UpstreamError{Status: 503}), CodeInternal},
		{"coded not_found", Coded(CodeNotFound, errors.New("no such graph")), CodeNotFound},
		{"coded invalid", Coded(CodeInvalidRequest, errors.New("bad id")), CodeInvalidRequest},
		{"coded insufficient", Coded(CodeInsufficientCredits, nil), CodeInsufficientCredits},
		{"missing call id", ErrMissingCallID, CodeInternal},
		{"plain error", errors.New("boom"), CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v): got %q want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestUpstreamErrorClass(t *testing.T) {
	if got := (&UpstreamError{Status: 404}).Class(); got != "provider_4xx" {
		t.Errorf("404 class: got %q", got)
	}
	if got := (&UpstreamError{Status: 502}).Class(); got != "provider_5xx" {
		t.Errorf("502 class: got %q", got)
	}
}

func TestCodedErrorUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := Coded(CodeTimeout, fmt.Errorf("wrapped: %w", inner))
	if !errors.Is(err, inner) {
		t.Error("Coded should preserve the error chain")
	}
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodeTimeout {
		t.Error("coded error not recoverable via errors.As")
	}
}
