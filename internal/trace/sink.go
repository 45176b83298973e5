package trace

import (
	"context"
	"time"

	"github.com/cognihq/graphcore/internal/run"
)

// Outcome is a run's terminal state. Exactly one is recorded per trace.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeError            Outcome = "error"
	OutcomeAborted          Outcome = "aborted"
	OutcomeFinalizationLost Outcome = "finalization_lost"
)

// TraceStart opens a run trace. Input is already scrubbed and capped.
type TraceStart struct {
	TraceID   string
	RunID     string
	RequestID string
	GraphID   string
	AccountID string
	SessionID string
	Input     string
	StartedAt time.Time
}

// TraceEnd closes a run trace. Output is already scrubbed and capped.
type TraceEnd struct {
	TraceID string
	Outcome Outcome
	Code    run.ErrorCode
	Output  string
	EndedAt time.Time
}

// Sink receives run traces. EndTrace is called exactly once per started
// trace; Flush must never block a request path (callers flush in the
// background).
type Sink interface {
	StartTrace(ctx context.Context, start TraceStart)
	EndTrace(ctx context.Context, end TraceEnd)
	Flush(ctx context.Context) error
}

// NopSink drops everything. Used when no trace backend is configured.
type NopSink struct{}

func (NopSink) StartTrace(context.Context, TraceStart) {}
func (NopSink) EndTrace(context.Context, TraceEnd)     {}
func (NopSink) Flush(context.Context) error            { return nil }
