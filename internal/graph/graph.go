// Package graph defines the provider contract: a provider owns a
// namespace of graph ids and turns a run request into a consumable
// (stream, final) pair.
package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/cognihq/graphcore/internal/run"
)

// AgentInfo is one catalog entry. ID is namespaced ("<provider>:<name>").
type AgentInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Provider executes the graphs of one namespace. RunGraph returns
// immediately; execution begins when the caller consumes the stream.
// The final settles exactly once, independent of stream consumption.
type Provider interface {
	ProviderID() string
	CanHandle(graphID string) bool
	RunGraph(ctx context.Context, req run.Request) (<-chan run.Event, *run.Deferred[run.Final])
	ListAgents(ctx context.Context) ([]AgentInfo, error)
}

// Executor is the consumer-facing subset of Provider. The aggregating
// executor and the trace decorator both satisfy it, so decoration nests.
type Executor interface {
	RunGraph(ctx context.Context, req run.Request) (<-chan run.Event, *run.Deferred[run.Final])
	ListAgents(ctx context.Context) ([]AgentInfo, error)
}

// ParseID splits a namespaced graph id into provider and graph name.
// Both halves must be non-empty.
func ParseID(graphID string) (providerID, graphName string, err error) {
	providerID, graphName, ok := strings.Cut(graphID, ":")
	if !ok || providerID == "" || graphName == "" {
		return "", "", run.Coded(run.CodeInvalidRequest, fmt.Errorf("malformed graph id %q", graphID))
	}
	return providerID, graphName, nil
}
