package langgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cognihq/graphcore/internal/completion"
	"github.com/cognihq/graphcore/internal/run"
	"github.com/cognihq/graphcore/internal/tool"
)

// abortedPartial carries the content a cancelled unit had accumulated;
// the run finalizes ok with it instead of failing.
type abortedPartial struct {
	content string
}

func (e *abortedPartial) Error() string { return "aborted mid-stream with partial content" }

// Runtime is a graph's only door to the LLM, the tools, and the run's
// event stream. It accumulates token usage and the last finish reason
// across steps.
type Runtime struct {
	req    run.Request
	unit   Completer
	tools  ToolInvoker
	policy tool.Policy
	log    *zap.Logger
	events chan<- run.Event

	emitted      bool
	usage        *run.TokenUsage
	finishReason string
}

func (rt *Runtime) Request() run.Request { return rt.req }

// send prefers delivery: the one-slot buffer lets a terminal event
// through even when an abort races the send.
func (rt *Runtime) send(ctx context.Context, ev run.Event) bool {
	select {
	case rt.events <- ev:
		rt.emitted = true
		return true
	default:
	}
	select {
	case rt.events <- ev:
		rt.emitted = true
		return true
	case <-ctx.Done():
		return false
	}
}

// Complete runs one completion unit, forwarding its deltas and usage
// reports onto the run stream. The unit final is awaited only after the
// unit stream closed; awaiting it inside the loop would deadlock. An
// abort mid-stream comes back as *abortedPartial with the content so
// far.
func (rt *Runtime) Complete(ctx context.Context, messages []run.Message, model string) (string, error) {
	stream, final := rt.unit.Execute(ctx, completion.Params{
		Run:      rt.req,
		Messages: messages,
		Model:    model,
	})
	for ev := range stream {
		if ev.Type == run.EventUsageReport {
			// Usage facts survive aborts; consumers drain to close, so
			// the blocking send always lands.
			rt.events <- ev
			rt.emitted = true
			continue
		}
		rt.send(ctx, ev)
	}

	res, err := final.Await(context.Background())
	if err != nil {
		return "", err
	}
	if !res.OK {
		return "", run.Coded(res.Code, errors.New("completion unit failed"))
	}
	if res.Usage != nil {
		if rt.usage == nil {
			rt.usage = &run.TokenUsage{}
		}
		rt.usage.InputTokens += res.Usage.InputTokens
		rt.usage.OutputTokens += res.Usage.OutputTokens
	}
	if res.FinishReason != "" {
		rt.finishReason = res.FinishReason
	}
	if ctx.Err() != nil {
		return res.Content, &abortedPartial{content: res.Content}
	}
	return res.Content, nil
}

// Tool runs one tool call, bracketing it with tool_call_start and
// tool_call_result events linked by a fresh call id. Failures surface
// both as an isError result event and as a coded error to the graph.
func (rt *Runtime) Tool(ctx context.Context, toolID string, input map[string]any) (json.RawMessage, error) {
	callID := tool.NewCallID()
	inputRaw, err := json.Marshal(input)
	if err != nil {
		return nil, run.Coded(run.CodeInternal, fmt.Errorf("encode tool input: %w", err))
	}
	rt.send(ctx, run.Event{
		Type:       run.EventToolCallStart,
		ToolCallID: callID,
		ToolID:     toolID,
		ToolInput:  inputRaw,
	})

	res := rt.tools.Invoke(ctx, rt.policy, callID, toolID, input)
	if !res.OK {
		payload, _ := json.Marshal(map[string]string{
			"errorCode": res.ErrorCode,
			"message":   res.Message,
		})
		rt.send(ctx, run.Event{
			Type:       run.EventToolCallResult,
			ToolCallID: res.ToolCallID,
			ToolID:     toolID,
			ToolOutput: payload,
			IsError:    true,
		})
		code := run.CodeInternal
		if res.ErrorCode == tool.ErrCodeDenied {
			code = run.CodeInvalidRequest
		}
		return nil, run.Coded(code, fmt.Errorf("tool %s: %s: %s", toolID, res.ErrorCode, res.Message))
	}

	rt.send(ctx, run.Event{
		Type:       run.EventToolCallResult,
		ToolCallID: res.ToolCallID,
		ToolID:     toolID,
		ToolOutput: res.Output,
	})
	return res.Output, nil
}
