package usage

import (
	"context"

	"github.com/cognihq/graphcore/internal/graph"
	"github.com/cognihq/graphcore/internal/run"
)

// Executor puts the recorder directly over the inner executor's stream.
// Everything downstream (trace decorator, SSE writer) may stop
// forwarding once a client is gone; the recorder must sit upstream of
// all of that.
type Executor struct {
	inner graph.Executor
	rec   *Recorder
}

func NewExecutor(inner graph.Executor, rec *Recorder) *Executor {
	return &Executor{inner: inner, rec: rec}
}

func (e *Executor) RunGraph(ctx context.Context, req run.Request) (<-chan run.Event, *run.Deferred[run.Final]) {
	stream, final := e.inner.RunGraph(ctx, req)
	return e.rec.ObserveStream(ctx, stream), final
}

func (e *Executor) ListAgents(ctx context.Context) ([]graph.AgentInfo, error) {
	return e.inner.ListAgents(ctx)
}
