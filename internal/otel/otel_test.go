package otel

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/hanpama/gqlbus/internal/eventbus"
	"github.com/hanpama/gqlbus/internal/events"
	"github.com/hanpama/gqlbus/internal/reqid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpansFollowJobLifecycle(t *testing.T) {
	eventbus.Use(eventbus.New())
	defer eventbus.Use(nil)

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	unsubscribe := Register(tp.Tracer("test"))
	defer unsubscribe()

	ctx := reqid.WithID(context.Background(), "j1")
	req := httptest.NewRequest("POST", "/intranet/graphql", nil)
	eventbus.Publish(ctx, events.HTTPStart{Route: "intranet", ClientIP: "10.0.0.1", Request: req})
	eventbus.Publish(ctx, events.JobPublished{JobID: "j1", ReplyTo: "gqlbus:reply:edge"})
	eventbus.Publish(ctx, events.ExecutionStart{JobID: "j1", ExecutorServerID: "exec-1"})
	eventbus.Publish(ctx, events.ExecutionFinish{JobID: "j1", ExecutorServerID: "exec-1", ErrorCount: 1})
	eventbus.Publish(context.Background(), events.JobSettled{JobID: "j1"})
	eventbus.Publish(ctx, events.HTTPFinish{Route: "intranet", Request: req, Status: 200})

	ended := sr.Ended()
	require.Len(t, ended, 3)
	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range ended {
		byName[s.Name()] = s
	}
	httpSpan, roundtrip, execute := byName["http.request"], byName["job.roundtrip"], byName["job.execute"]
	require.NotNil(t, httpSpan)
	require.NotNil(t, roundtrip)
	require.NotNil(t, execute)

	require.Equal(t, httpSpan.SpanContext().SpanID(), roundtrip.Parent().SpanID())
	require.Equal(t, roundtrip.SpanContext().SpanID(), execute.Parent().SpanID())
	require.Equal(t, httpSpan.SpanContext().TraceID(), execute.SpanContext().TraceID())
}

func TestTimedOutJobIsMarkedFailed(t *testing.T) {
	eventbus.Use(eventbus.New())
	defer eventbus.Use(nil)

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	unsubscribe := Register(tp.Tracer("test"))
	defer unsubscribe()

	ctx := context.Background()
	eventbus.Publish(ctx, events.JobPublished{JobID: "j2"})
	eventbus.Publish(ctx, events.JobSettled{JobID: "j2", Err: errors.New("timeout")})
	// A second settlement for the same job has no span left to end.
	eventbus.Publish(ctx, events.JobSettled{JobID: "j2"})

	ended := sr.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, codes.Error, ended[0].Status().Code)
	require.Len(t, ended[0].Events(), 1)
}

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup("", "gqlbus")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
