// Package otel turns eventbus lifecycle events into OpenTelemetry spans:
// http.request per edge request, job.roundtrip per published job and
// job.execute per job an executor runs.
package otel

import (
	"context"
	"sync"

	"github.com/hanpama/gqlbus/internal/eventbus"
	"github.com/hanpama/gqlbus/internal/events"
	"github.com/hanpama/gqlbus/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	unsubscribe := Register(otel.Tracer("gqlbus"))
	return func(ctx context.Context) error {
		unsubscribe()
		return tp.Shutdown(ctx)
	}, nil
}

// Register subscribes span recorders on the global eventbus and returns a
// function removing them.
func Register(tracer trace.Tracer) (unsubscribe func()) {
	s := &subscriber{tracer: tracer}
	return s.register()
}

type subscriber struct {
	tracer    trace.Tracer
	httpSpans sync.Map // rid -> trace.Span
	jobSpans  sync.Map // jobId -> trace.Span
	execSpans sync.Map // jobId -> trace.Span
}

func (s *subscriber) register() func() {
	unsubs := []func(){
		eventbus.Subscribe(func(ctx context.Context, e events.HTTPStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "http.request", trace.WithSpanKind(trace.SpanKindServer))
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Request.Method),
				attribute.String("http.target", e.Request.URL.Path),
				attribute.String("http.route", e.Route),
				attribute.String("http.client_ip", e.ClientIP),
			)
			s.httpSpans.Store(rid, span)
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.HTTPFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.httpSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
			if e.Status >= 500 {
				span.SetStatus(codes.Error, "")
			}
			span.End()
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.JobPublished) {
			parent := ctx
			if rid, ok := reqid.FromContext(ctx); ok {
				if v, ok := s.httpSpans.Load(rid); ok {
					parent = trace.ContextWithSpan(ctx, v.(trace.Span))
				}
			}
			_, span := s.tracer.Start(parent, "job.roundtrip", trace.WithSpanKind(trace.SpanKindProducer))
			span.SetAttributes(
				attribute.String("job.id", e.JobID),
				attribute.String("job.reply_to", e.ReplyTo),
			)
			if e.TargetExecutorID != "" {
				span.SetAttributes(attribute.String("job.target_executor", e.TargetExecutorID))
			}
			s.jobSpans.Store(e.JobID, span)
		}),

		eventbus.Subscribe(func(_ context.Context, e events.JobSettled) {
			v, ok := s.jobSpans.LoadAndDelete(e.JobID)
			if !ok {
				return
			}
			span := v.(trace.Span)
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.ExecutionStart) {
			parent := ctx
			// Set when edge and executor share a process.
			if v, ok := s.jobSpans.Load(e.JobID); ok {
				parent = trace.ContextWithSpan(ctx, v.(trace.Span))
			}
			_, span := s.tracer.Start(parent, "job.execute", trace.WithSpanKind(trace.SpanKindConsumer))
			span.SetAttributes(
				attribute.String("job.id", e.JobID),
				attribute.String("executor.id", e.ExecutorServerID),
				attribute.String("graphql.operation.name", e.OperationName),
			)
			if e.Query != "" {
				span.SetAttributes(attribute.String("graphql.document", e.Query))
			}
			s.execSpans.Store(e.JobID, span)
		}),

		eventbus.Subscribe(func(_ context.Context, e events.ExecutionFinish) {
			v, ok := s.execSpans.LoadAndDelete(e.JobID)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.Int("graphql.error_count", e.ErrorCount))
			span.End()
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
