// Package tool holds the tool registry and the invocation pipeline:
// policy check, input validation, execution, output validation, and
// output redaction. Unredacted tool output never reaches a stream.
package tool

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Invocation error codes carried on Result.
const (
	ErrCodeDenied          = "denied"
	ErrCodeUnknownTool     = "unknown_tool"
	ErrCodeInvalidInput    = "invalid_input"
	ErrCodeInvalidOutput   = "invalid_output"
	ErrCodeRedactionFailed = "redaction_failed"
	ErrCodeExecutionFailed = "execution_failed"
)

var errNoRedactionPolicy = errors.New("tool declares no redaction allowlist")

// Schema maps field names to validator rule tags (ValidateMap rules).
// Fields absent from the schema are rejected as undeclared.
type Schema map[string]any

// Tool is one callable capability.
type Tool struct {
	ID           string
	Description  string
	InputSchema  Schema
	OutputSchema Schema

	// RedactFields is the allowlist of output fields that survive
	// redaction. A tool without one cannot be invoked: every call fails
	// with redaction_failed rather than leaking raw output.
	RedactFields []string

	Run func(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Registry is the process-wide tool catalog.
type Registry struct {
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) error {
	if t.ID == "" {
		return errors.New("tool id required")
	}
	if t.Run == nil {
		return fmt.Errorf("tool %q has no Run", t.ID)
	}
	if _, dup := r.tools[t.ID]; dup {
		return fmt.Errorf("tool %q already registered", t.ID)
	}
	r.tools[t.ID] = t
	r.order = append(r.order, t.ID)
	return nil
}

func (r *Registry) Get(id string) (Tool, bool) {
	t, ok := r.tools[id]
	return t, ok
}

// IDs returns tool ids in registration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Policy is the set of tool ids one run may invoke. The zero value
// denies everything; a run without a declared policy gets no tools.
type Policy struct {
	allowed map[string]struct{}
}

func PolicyFor(toolIDs []string) Policy {
	p := Policy{allowed: make(map[string]struct{}, len(toolIDs))}
	for _, id := range toolIDs {
		p.allowed[id] = struct{}{}
	}
	return p
}

func (p Policy) Allows(id string) bool {
	_, ok := p.allowed[id]
	return ok
}

// Result is the outcome of one invocation. Output is the redacted
// payload and is set only when OK.
type Result struct {
	ToolCallID string
	ToolID     string
	Output     json.RawMessage
	OK         bool
	ErrorCode  string
	Message    string
}

// Executor runs tool invocations for the in-process graph runner.
type Executor struct {
	reg      *Registry
	validate *validator.Validate
	log      *zap.Logger
}

func NewExecutor(reg *Registry, log *zap.Logger) *Executor {
	return &Executor{reg: reg, validate: validator.New(), log: log}
}

// Invoke runs one tool call. callID links the start event to the result
// event; empty means no model-provided id and a fresh one is generated.
// Failures come back as a non-OK Result, never as a panic or error.
func (e *Executor) Invoke(ctx context.Context, policy Policy, callID, toolID string, input map[string]any) Result {
	if callID == "" {
		callID = NewCallID()
	}
	res := Result{ToolCallID: callID, ToolID: toolID}
	fail := func(code, msg string) Result {
		e.log.Warn("tool invocation failed",
			zap.String("tool_id", toolID),
			zap.String("tool_call_id", callID),
			zap.String("error_code", code),
			zap.String("message", msg))
		res.ErrorCode = code
		res.Message = msg
		return res
	}

	if !policy.Allows(toolID) {
		return fail(ErrCodeDenied, fmt.Sprintf("tool %q not allowed for this run", toolID))
	}
	t, ok := e.reg.Get(toolID)
	if !ok {
		return fail(ErrCodeUnknownTool, fmt.Sprintf("tool %q not registered", toolID))
	}
	if input == nil {
		input = map[string]any{}
	}
	if msg := e.check(ctx, t.InputSchema, input); msg != "" {
		return fail(ErrCodeInvalidInput, msg)
	}

	out, err := t.Run(ctx, input)
	if err != nil {
		return fail(ErrCodeExecutionFailed, err.Error())
	}
	if msg := e.check(ctx, t.OutputSchema, out); msg != "" {
		return fail(ErrCodeInvalidOutput, msg)
	}

	redacted, err := redact(out, t.RedactFields)
	if err != nil {
		return fail(ErrCodeRedactionFailed, err.Error())
	}
	raw, err := json.Marshal(redacted)
	if err != nil {
		return fail(ErrCodeRedactionFailed, fmt.Sprintf("encode redacted output: %v", err))
	}

	res.OK = true
	res.Output = raw
	return res
}

// check validates data against schema: undeclared fields are rejected,
// declared fields run through their validator rules.
func (e *Executor) check(ctx context.Context, schema Schema, data map[string]any) string {
	for k := range data {
		if _, declared := schema[k]; !declared {
			return fmt.Sprintf("undeclared field %q", k)
		}
	}
	if len(schema) == 0 {
		return ""
	}
	errs := e.validate.ValidateMapCtx(ctx, data, schema)
	if len(errs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("field %q: %v", keys[0], errs[keys[0]])
}

// redact keeps only allowlisted fields. A missing allowlist is a hard
// error: silently passing everything through would defeat the point.
func redact(out map[string]any, allow []string) (map[string]any, error) {
	if len(allow) == 0 {
		return nil, errNoRedactionPolicy
	}
	kept := make(map[string]any, len(allow))
	for _, field := range allow {
		if v, ok := out[field]; ok {
			kept[field] = v
		}
	}
	return kept, nil
}

const callIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewCallID returns a 9-character alphanumeric tool call id.
func NewCallID() string {
	b := make([]byte, 9)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = callIDAlphabet[int(b[i])%len(callIDAlphabet)]
	}
	return string(b)
}
