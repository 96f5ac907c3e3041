package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation scope names.
const (
	TracerName      = "livestage"
	StoreTracerName = "livestage/store"
)

// DBOperation represents the type of store operation being traced.
type DBOperation string

const (
	// DBOperationQuery represents a read.
	DBOperationQuery DBOperation = "query"
	// DBOperationInsert represents a create.
	DBOperationInsert DBOperation = "insert"
	// DBOperationUpdate represents a versioned write.
	DBOperationUpdate DBOperation = "update"
	// DBOperationDelete represents a delete.
	DBOperationDelete DBOperation = "delete"
	// DBOperationPublish represents a change-feed publish.
	DBOperationPublish DBOperation = "publish"
)

// Store systems, reported as db.system.
const (
	SystemPostgres = "postgresql"
	SystemRedis    = "redis"
)

// StartStoreSpan creates a client span for a session-store operation against
// system. target is the table or key family and may be empty.
//
//	ctx, endSpan := tracing.StartStoreSpan(ctx, tracing.SystemRedis, "stream:session", tracing.DBOperationUpdate)
//	defer func() { endSpan(err) }()
func StartStoreSpan(ctx context.Context, system, target string, operation DBOperation) (context.Context, func(error)) {
	tracer := otel.Tracer(StoreTracerName)

	spanName := string(operation)
	if target != "" {
		spanName = spanName + " " + target
	}

	ctx, span := tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", system),
			attribute.String("db.operation", string(operation)),
		),
	)

	if target != "" {
		span.SetAttributes(attribute.String("db.collection", target))
	}

	return ctx, endWith(span)
}

// StartDBSpan creates a span for a PostgreSQL operation on table.
func StartDBSpan(ctx context.Context, table string, operation DBOperation) (context.Context, func(error)) {
	ctx, end := StartStoreSpan(ctx, SystemPostgres, table, operation)
	if table != "" {
		SetAttributes(ctx, attribute.String("db.sql.table", table))
	}
	return ctx, end
}

// StartSpan creates a new internal span, such as one per coordinator action.
// Returns the new context and a function to end the span.
func StartSpan(ctx context.Context, name string) (context.Context, func(error)) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, name)
	return ctx, endWith(span)
}

func endWith(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// SessionAttributes describes the session a span operates on.
func SessionAttributes(sessionID string, version int64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("stream.id", sessionID)}
	if version > 0 {
		attrs = append(attrs, attribute.Int64("stream.version", version))
	}
	return attrs
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attrs...)
}
