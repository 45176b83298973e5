package litellm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/cognihq/graphcore/internal/run"
)

const (
	doneSentinel = "[DONE]"
	maxLineBytes = 1 << 20
)

// Stream opens a streaming chat completion. It returns a lazy event
// sequence and a deferred final result. The final settles exactly once:
// with the accumulated Completion when the stream finishes or is aborted
// via ctx (abort is not an error here; the partial content is kept), or
// with an error when the provider reports a fault mid-stream.
//
// A nil error return means the connection is up and headers are in;
// pre-stream failures (connect, non-2xx) come back as the error.
func (c *Client) Stream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, *run.Deferred[Completion], error) {
	payload := chatPayload{
		Model:         req.Model,
		Messages:      req.Messages,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		User:          req.User,
		Metadata:      req.Metadata,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}

	resp, err := c.do(ctx, c.streaming, http.MethodPost, "/v1/chat/completions", payload)
	if err != nil {
		return nil, nil, fmt.Errorf("litellm stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, nil, upstreamErr(resp)
	}

	events := make(chan StreamEvent)
	final := run.NewDeferred[Completion]()
	go c.consume(ctx, resp, events, final)
	return events, final, nil
}

// consume reads SSE lines until [DONE], a provider fault, or abort. It
// owns resp.Body and the events channel.
func (c *Client) consume(ctx context.Context, resp *http.Response, events chan<- StreamEvent, final *run.Deferred[Completion]) {
	defer close(events)
	defer resp.Body.Close()

	var (
		content      strings.Builder
		callID       = resp.Header.Get(callIDHeader)
		cost         = costFromHeader(resp.Header)
		usage        *run.TokenUsage
		finishReason string
		model        string
	)

	// Abort and normal completion both land here: whatever content has
	// accumulated is the result.
	settle := func() {
		final.Resolve(Completion{
			Content:      content.String(),
			FinishReason: finishReason,
			Model:        model,
			CallID:       callID,
			CostUSD:      cost,
			Usage:        usage,
		})
	}

	emit := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, found := strings.CutPrefix(line, "data:")
		if !found {
			// Malformed SSE line: log and keep reading.
			c.log.Warn("litellm stream: line without data prefix skipped",
				zap.String("line", clip(line, 120)))
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == doneSentinel {
			break
		}

		var ck chunk
		if err := json.Unmarshal([]byte(payload), &ck); err != nil {
			c.log.Warn("litellm stream: malformed chunk skipped", zap.Error(err))
			continue
		}
		if ck.Error != nil {
			err := fmt.Errorf("provider stream error: %s", ck.Error.Message)
			emit(StreamEvent{Type: StreamError, Err: err})
			final.Reject(err)
			return
		}

		if callID == "" && ck.ID != "" {
			callID = ck.ID
		}
		if ck.Model != "" {
			model = ck.Model
		}
		if ck.Usage != nil {
			usage = &run.TokenUsage{
				InputTokens:  ck.Usage.PromptTokens,
				OutputTokens: ck.Usage.CompletionTokens,
			}
			if cost == nil {
				cost = ck.Usage.ResponseCost
			}
		}
		for _, choice := range ck.Choices {
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finishReason = *choice.FinishReason
			}
			if choice.Delta.Content == "" {
				continue
			}
			content.WriteString(choice.Delta.Content)
			if !emit(StreamEvent{Type: StreamDelta, Delta: choice.Delta.Content}) {
				settle()
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			// Aborted mid-stream: resolve ok with the partial content.
			settle()
			return
		}
		emit(StreamEvent{Type: StreamError, Err: err})
		final.Reject(fmt.Errorf("read stream: %w", err))
		return
	}

	emit(StreamEvent{Type: StreamDone})
	settle()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
