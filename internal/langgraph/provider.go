// Package langgraph is the in-process graph provider. Each graph is a
// plain function composing completion units and tool invocations over a
// Runtime; the provider owns the catalog and the run-level stream shape.
package langgraph

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/cognihq/graphcore/internal/completion"
	"github.com/cognihq/graphcore/internal/graph"
	"github.com/cognihq/graphcore/internal/run"
	"github.com/cognihq/graphcore/internal/tool"
)

// ProviderID is the namespace prefix of this provider's graph ids.
const ProviderID = "langgraph"

// Completer runs one accounted completion unit.
type Completer interface {
	Execute(ctx context.Context, p completion.Params) (<-chan run.Event, *run.Deferred[run.Final])
}

// ToolInvoker runs one tool call under a policy.
type ToolInvoker interface {
	Invoke(ctx context.Context, policy tool.Policy, callID, toolID string, input map[string]any) tool.Result
}

// GraphFunc is one unit of agent logic. It returns the final assistant
// content; mid-run state travels on the Runtime.
type GraphFunc func(ctx context.Context, rt *Runtime) (string, error)

type Provider struct {
	unit   Completer
	tools  ToolInvoker
	log    *zap.Logger
	graphs map[string]GraphFunc
	infos  []graph.AgentInfo
}

func New(unit Completer, tools ToolInvoker, log *zap.Logger) *Provider {
	p := &Provider{
		unit:   unit,
		tools:  tools,
		log:    log,
		graphs: make(map[string]GraphFunc),
	}
	p.add("poet", "Answers with a short poem in a single completion.", poetGraph)
	p.add("researcher", "Drafts notes, runs them through tools, then writes the answer.", researcherGraph)
	return p
}

func (p *Provider) add(name, description string, fn GraphFunc) {
	p.graphs[name] = fn
	p.infos = append(p.infos, graph.AgentInfo{
		ID:          ProviderID + ":" + name,
		Name:        name,
		Description: description,
	})
}

func (p *Provider) ProviderID() string { return ProviderID }

func (p *Provider) CanHandle(graphID string) bool {
	providerID, _, err := graph.ParseID(graphID)
	return err == nil && providerID == ProviderID
}

func (p *Provider) ListAgents(ctx context.Context) ([]graph.AgentInfo, error) {
	infos := make([]graph.AgentInfo, len(p.infos))
	copy(infos, p.infos)
	return infos, nil
}

// RunGraph resolves the graph from the catalog and starts it. Execution
// runs in its own goroutine; the returned pair is live immediately.
func (p *Provider) RunGraph(ctx context.Context, req run.Request) (<-chan run.Event, *run.Deferred[run.Final]) {
	_, name, err := graph.ParseID(req.GraphID)
	if err != nil {
		return run.PrecallFailure(req, run.CodeInvalidRequest)
	}
	fn, ok := p.graphs[name]
	if !ok {
		p.log.Warn("unknown graph requested",
			zap.String("run_id", req.RunID), zap.String("graph_id", req.GraphID))
		return run.PrecallFailure(req, run.CodeNotFound)
	}

	events := make(chan run.Event, 1)
	final := run.NewDeferred[run.Final]()
	rt := &Runtime{
		req:    req,
		unit:   p.unit,
		tools:  p.tools,
		policy: tool.PolicyFor(req.ToolIDs),
		log:    p.log,
		events: events,
	}
	go p.execute(ctx, req, fn, rt, events, final)
	return events, final
}

// execute drives one graph run to its terminal shape. A failure before
// anything reached the stream closes it empty; a failure after that
// emits a single error event (aborts excepted) followed by done.
func (p *Provider) execute(ctx context.Context, req run.Request, fn GraphFunc, rt *Runtime,
	events chan run.Event, final *run.Deferred[run.Final]) {
	defer close(events)

	content, err := fn(ctx, rt)
	if err != nil {
		var partial *abortedPartial
		if errors.As(err, &partial) {
			// Mid-stream abort keeps what was produced; not an error.
			rt.send(ctx, run.Event{Type: run.EventDone})
			final.Resolve(run.Final{OK: true, RunID: req.RunID, RequestID: req.IngressRequestID,
				Content: partial.content, Usage: rt.usage})
			return
		}
		code := run.Classify(err)
		p.log.Warn("graph run failed",
			zap.String("run_id", req.RunID),
			zap.String("graph_id", req.GraphID),
			zap.String("code", string(code)),
			zap.Error(err))
		if rt.emitted {
			if code != run.CodeAborted {
				rt.send(ctx, run.Event{Type: run.EventError, Code: code, Message: userMessage(code)})
			}
			rt.send(ctx, run.Event{Type: run.EventDone})
		}
		final.Resolve(run.Final{OK: false, RunID: req.RunID, RequestID: req.IngressRequestID, Code: code})
		return
	}

	rt.send(ctx, run.Event{Type: run.EventAssistantFinal, Content: content})
	rt.send(ctx, run.Event{Type: run.EventDone})
	final.Resolve(run.Final{
		OK:           true,
		RunID:        req.RunID,
		RequestID:    req.IngressRequestID,
		Content:      content,
		Usage:        rt.usage,
		FinishReason: rt.finishReason,
	})
}

// userMessage keeps error events free of internals.
func userMessage(code run.ErrorCode) string {
	switch code {
	case run.CodeInsufficientCredits:
		return "insufficient credits"
	case run.CodeRateLimit:
		return "rate limited upstream"
	case run.CodeTimeout:
		return "upstream timed out"
	case run.CodeInvalidRequest:
		return "invalid request"
	case run.CodeNotFound:
		return "graph not found"
	default:
		return "run failed"
	}
}
