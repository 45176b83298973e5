package trace

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cognihq/graphcore/internal/config"
)

// NewTracerProvider builds the OTLP gRPC export pipeline. Langfuse
// keys, when configured, ride along as a basic-auth header for
// collectors that forward to it.
func NewTracerProvider(ctx context.Context, cfg config.TraceConfig) (*sdktrace.TracerProvider, error) {
	conn, err := grpc.NewClient(cfg.OTLPEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial otlp endpoint: %w", err)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithGRPCConn(conn)}
	if cfg.LangfusePublic != "" && cfg.LangfuseSecret != "" {
		auth := base64.StdEncoding.EncodeToString(
			[]byte(cfg.LangfusePublic + ":" + cfg.LangfuseSecret))
		opts = append(opts, otlptracegrpc.WithHeaders(map[string]string{
			"Authorization": "Basic " + auth,
		}))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// OtelSink records each run as a root span whose trace id is the run's
// own 32-hex id, so log lines and exported spans join on it.
type OtelSink struct {
	tp     *sdktrace.TracerProvider
	tracer oteltrace.Tracer

	mu    sync.Mutex
	spans map[string]oteltrace.Span
}

func NewOtelSink(tp *sdktrace.TracerProvider) *OtelSink {
	return &OtelSink{
		tp:     tp,
		tracer: tp.Tracer("graphcore/run"),
		spans:  make(map[string]oteltrace.Span),
	}
}

func (s *OtelSink) StartTrace(ctx context.Context, start TraceStart) {
	// A remote parent context pins the span to the run's trace id; the
	// SDK has no other way to accept a caller-chosen id.
	spanCtx := ctx
	if tid, err := oteltrace.TraceIDFromHex(start.TraceID); err == nil {
		sc := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
			TraceID:    tid,
			SpanID:     spanIDFor(start.RunID),
			TraceFlags: oteltrace.FlagsSampled,
			Remote:     true,
		})
		spanCtx = oteltrace.ContextWithSpanContext(ctx, sc)
	}

	_, span := s.tracer.Start(spanCtx, "graph.run",
		oteltrace.WithTimestamp(start.StartedAt),
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(
			attribute.String("run.id", start.RunID),
			attribute.String("run.request_id", start.RequestID),
			attribute.String("run.graph_id", start.GraphID),
			attribute.String("run.account_id", start.AccountID),
			attribute.String("run.session_id", start.SessionID),
			attribute.String("run.input", start.Input),
		))

	s.mu.Lock()
	s.spans[start.TraceID] = span
	s.mu.Unlock()
}

func (s *OtelSink) EndTrace(ctx context.Context, end TraceEnd) {
	s.mu.Lock()
	span, ok := s.spans[end.TraceID]
	delete(s.spans, end.TraceID)
	s.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.String("run.outcome", string(end.Outcome)))
	if end.Code != "" {
		span.SetAttributes(attribute.String("run.error_code", string(end.Code)))
	}
	if end.Output != "" {
		span.SetAttributes(attribute.String("run.output", end.Output))
	}
	if end.Outcome == OutcomeSuccess {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(end.Outcome))
	}
	span.End(oteltrace.WithTimestamp(end.EndedAt))
}

func (s *OtelSink) Flush(ctx context.Context) error {
	return s.tp.ForceFlush(ctx)
}

func spanIDFor(runID string) oteltrace.SpanID {
	sum := sha256.Sum256([]byte(runID))
	var id oteltrace.SpanID
	copy(id[:], sum[:8])
	return id
}
