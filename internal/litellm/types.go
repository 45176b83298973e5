package litellm

import (
	"github.com/cognihq/graphcore/internal/run"
)

// Response headers set by the LiteLLM proxy.
const (
	callIDHeader = "x-litellm-call-id"
	costHeader   = "x-litellm-response-cost"
)

// ChatRequest is one upstream chat-completion call. The tenant identity
// travels as User/Metadata on the request body; authentication always
// uses the process-wide master key, never a per-user credential.
type ChatRequest struct {
	Model       string
	Messages    []run.Message
	Temperature *float64
	MaxTokens   int
	User        string
	Metadata    map[string]any
}

// Completion is the normalized result of one call, streaming or not.
// CallID is the provider call id ("x-litellm-call-id" header, or the
// first stream chunk id); downstream billing requires it on success.
type Completion struct {
	Content      string
	FinishReason string
	Model        string
	CallID       string
	CostUSD      *float64
	Usage        *run.TokenUsage
}

// StreamEventType tags transport stream events.
type StreamEventType string

const (
	StreamDelta StreamEventType = "delta"
	StreamError StreamEventType = "error"
	StreamDone  StreamEventType = "done"
)

// StreamEvent is one element of a transport stream.
type StreamEvent struct {
	Type  StreamEventType
	Delta string
	Err   error
}

// ── wire shapes (OpenAI-compatible) ───────────────────────────────────────────

type chatPayload struct {
	Model         string         `json:"model"`
	Messages      []run.Message  `json:"messages"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	User          string         `json:"user,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireUsage struct {
	PromptTokens     int64    `json:"prompt_tokens"`
	CompletionTokens int64    `json:"completion_tokens"`
	ResponseCost     *float64 `json:"response_cost,omitempty"`
}

type wireError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code,omitempty"`
}

type completionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

// chunk is one SSE data payload of a streaming response. The usage chunk
// arrives last when stream_options.include_usage is set (we always set it).
type chunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
	Error *wireError `json:"error"`
}
