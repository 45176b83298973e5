package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cognihq/graphcore/internal/run"
)

const (
	// completionTimeout bounds a single-shot call end to end.
	completionTimeout = 30 * time.Second
	// streamTTFB bounds time-to-first-byte on streams; there is no
	// overall stream deadline.
	streamTTFB = 15 * time.Second

	maxErrorBody = 4 << 10
)

// Client is an authenticated client for the LiteLLM proxy.
type Client struct {
	baseURL   string
	masterKey string
	oneshot   *http.Client
	streaming *http.Client
	log       *zap.Logger
}

func NewClient(baseURL, masterKey string, log *zap.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		masterKey: masterKey,
		oneshot:   &http.Client{Timeout: completionTimeout},
		streaming: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: streamTTFB},
		},
		log: log,
	}
}

func (c *Client) do(ctx context.Context, client *http.Client, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.masterKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return client.Do(req)
}

// upstreamErr drains resp into a typed error for run.Classify.
func upstreamErr(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &run.UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

// Complete performs one non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (Completion, error) {
	payload := chatPayload{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		User:        req.User,
		Metadata:    req.Metadata,
	}

	resp, err := c.do(ctx, c.oneshot, http.MethodPost, "/v1/chat/completions", payload)
	if err != nil {
		return Completion{}, fmt.Errorf("litellm completion: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Completion{}, upstreamErr(resp)
	}

	var body completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Completion{}, fmt.Errorf("decode completion: %w", err)
	}

	out := Completion{
		Model:   body.Model,
		CallID:  resp.Header.Get(callIDHeader),
		CostUSD: costFromHeader(resp.Header),
	}
	if out.CallID == "" {
		out.CallID = body.ID
	}
	if len(body.Choices) > 0 {
		out.Content = body.Choices[0].Message.Content
		out.FinishReason = body.Choices[0].FinishReason
	}
	if body.Usage != nil {
		out.Usage = &run.TokenUsage{
			InputTokens:  body.Usage.PromptTokens,
			OutputTokens: body.Usage.CompletionTokens,
		}
		if out.CostUSD == nil {
			out.CostUSD = body.Usage.ResponseCost
		}
	}
	return out, nil
}

func costFromHeader(h http.Header) *float64 {
	raw := h.Get(costHeader)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &v
}
