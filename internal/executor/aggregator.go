// Package executor routes runs to providers. Routing is a single linear
// search over an ordered provider list; the first claim wins.
package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cognihq/graphcore/internal/graph"
	"github.com/cognihq/graphcore/internal/run"
)

type Aggregator struct {
	providers []graph.Provider
	log       *zap.Logger
}

func NewAggregator(log *zap.Logger, providers ...graph.Provider) *Aggregator {
	return &Aggregator{providers: providers, log: log}
}

// RunGraph dispatches to the first provider claiming the graph id. A
// malformed id never reaches a provider. A valid id nobody claims is a
// wiring fault: the caller gets a synthetic [error, done] stream and an
// internal final.
func (a *Aggregator) RunGraph(ctx context.Context, req run.Request) (<-chan run.Event, *run.Deferred[run.Final]) {
	if _, _, err := graph.ParseID(req.GraphID); err != nil {
		return run.PrecallFailure(req, run.CodeInvalidRequest)
	}
	for _, p := range a.providers {
		if p.CanHandle(req.GraphID) {
			return p.RunGraph(ctx, req)
		}
	}
	a.log.Error("no provider claims graph id",
		zap.String("run_id", req.RunID),
		zap.String("graph_id", req.GraphID))
	return run.FailedRun(req, run.CodeInternal, "no provider for graph")
}

// ListAgents concatenates provider catalogs in registration order.
func (a *Aggregator) ListAgents(ctx context.Context) ([]graph.AgentInfo, error) {
	var out []graph.AgentInfo
	for _, p := range a.providers {
		infos, err := p.ListAgents(ctx)
		if err != nil {
			return nil, fmt.Errorf("list agents of %s: %w", p.ProviderID(), err)
		}
		out = append(out, infos...)
	}
	return out, nil
}
