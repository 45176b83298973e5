package run

import (
	"encoding/json"

	"github.com/google/uuid"
)

// EventType tags the variants of a run's event stream.
type EventType string

const (
	EventTextDelta      EventType = "text_delta"
	EventToolCallStart  EventType = "tool_call_start"
	EventToolCallResult EventType = "tool_call_result"
	EventUsageReport    EventType = "usage_report"
	EventAssistantFinal EventType = "assistant_final"
	EventError          EventType = "error"
	EventDone           EventType = "done"
)

// Event is one element of a run's stream. Ordering contract per run:
// at most one done, at most one assistant_final, every usage_report
// precedes the done, and an error ends the useful portion of the stream.
type Event struct {
	Type EventType `json:"type"`

	// text_delta
	Delta string `json:"delta,omitempty"`

	// tool_call_start / tool_call_result
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolID     string          `json:"toolId,omitempty"`
	ToolInput  json.RawMessage `json:"toolInput,omitempty"`
	ToolOutput json.RawMessage `json:"toolOutput,omitempty"`
	IsError    bool            `json:"isError,omitempty"`

	// usage_report
	Usage *UsageFact `json:"usage,omitempty"`

	// assistant_final
	Content string `json:"content,omitempty"`

	// error
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
}

// UsageFact is the normalized billing record emitted once per completion
// unit (or per sandbox audit entry). UsageUnitID is the provider call id
// and the idempotency key for charge receipts downstream.
type UsageFact struct {
	RunID            string    `json:"runId"`
	Attempt          int       `json:"attempt"`
	Source           string    `json:"source"`
	ExecutorType     string    `json:"executorType"`
	BillingAccountID uuid.UUID `json:"billingAccountId"`
	VirtualKeyID     uuid.UUID `json:"virtualKeyId"`
	GraphID          string    `json:"graphId"`
	InputTokens      int64     `json:"inputTokens,omitempty"`
	OutputTokens     int64     `json:"outputTokens,omitempty"`
	UsageUnitID      string    `json:"usageUnitId"`
	Model            string    `json:"model,omitempty"`
	CostUSD          *float64  `json:"costUsd,omitempty"`
}

// Executor types carried on UsageFact.
const (
	ExecutorInproc  = "inproc"
	ExecutorSandbox = "sandbox"
)

// SourceLiteLLM is the only usage source today.
const SourceLiteLLM = "litellm"

// TokenUsage is the optional token accounting attached to a Final.
type TokenUsage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Final is the terminal result of a run or of a single completion unit.
// OK selects between the success fields and Code.
type Final struct {
	OK           bool        `json:"ok"`
	RunID        string      `json:"runId"`
	RequestID    string      `json:"requestId"`
	Usage        *TokenUsage `json:"usage,omitempty"`
	FinishReason string      `json:"finishReason,omitempty"`
	Content      string      `json:"content,omitempty"`
	Code         ErrorCode   `json:"error,omitempty"`
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Caller identifies the billing principal and correlation ids of a run.
type Caller struct {
	BillingAccountID uuid.UUID
	VirtualKeyID     uuid.UUID
	TraceID          string
	SessionID        string
	UserID           string
	MaskContent      bool
}

// Request describes one graph run. Cancellation travels on the
// context.Context passed alongside it, not on the struct.
type Request struct {
	RunID            string
	IngressRequestID string
	GraphID          string
	Messages         []Message
	Model            string
	Caller           Caller
	ToolIDs          []string
}
