package application

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"azure-devops-mcp-server/internal/domain"
	"azure-devops-mcp-server/internal/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// toolNames is the static tool registry, in listing order.
var toolNames = []string{ToolSearch, ToolCreate, ToolUpdate, ToolGetStates}

// KnownTool reports whether name is a registered tool.
func KnownTool(name string) bool {
	for _, n := range toolNames {
		if n == name {
			return true
		}
	}
	return false
}

// ClientFactory builds the remote client for a connection context.
type ClientFactory func(conn domain.ConnectionContext) (domain.WorkItemClient, error)

// Dispatcher routes tool invocations through validation, the remote client
// and the response mapper. Every outcome, including panics, comes back as a
// ToolResult; Dispatch never returns an error.
type Dispatcher struct {
	provider   domain.ContextProvider
	factory    ClientFactory
	translator *Translator
	mapper     domain.ResponseMapper
	retry      RetryPolicy
	logger     *StructuredLogger

	tracer      trace.Tracer
	invocations metric.Int64Counter
	attempts    metric.Int64Counter
	duration    metric.Float64Histogram

	clientOnce sync.Once
	client     domain.WorkItemClient
	clientErr  error
}

// NewDispatcher creates a dispatcher. cfg supplies the retry and search
// bounds; a nil cfg means DefaultConfig.
func NewDispatcher(provider domain.ContextProvider, factory ClientFactory, cfg *domain.Config, logger *StructuredLogger) *Dispatcher {
	if cfg == nil {
		cfg = domain.DefaultConfig()
	}
	if logger == nil {
		logger = NewStructuredLogger()
	}

	d := &Dispatcher{
		provider:   provider,
		factory:    factory,
		translator: NewTranslator(cfg.Search),
		mapper:     domain.NewResponseMapper(),
		retry:      NewRetryPolicy(cfg.Retry),
		logger:     logger,
		tracer:     telemetry.Tracer(""),
	}

	meter := telemetry.Meter("")
	var err error
	if d.invocations, err = meter.Int64Counter("ado_mcp.tool.invocations",
		metric.WithDescription("Tool invocations by tool, status and error kind")); err != nil {
		logger.LogError("failed to create metric", err, map[string]interface{}{"metric": "ado_mcp.tool.invocations"})
	}
	if d.attempts, err = meter.Int64Counter("ado_mcp.remote.attempts",
		metric.WithDescription("Remote call attempts, retries included")); err != nil {
		logger.LogError("failed to create metric", err, map[string]interface{}{"metric": "ado_mcp.remote.attempts"})
	}
	if d.duration, err = meter.Float64Histogram("ado_mcp.tool.duration",
		metric.WithDescription("Tool invocation latency"), metric.WithUnit("ms")); err != nil {
		logger.LogError("failed to create metric", err, map[string]interface{}{"metric": "ado_mcp.tool.duration"})
	}

	return d
}

// Tools returns the registered tool names.
func (d *Dispatcher) Tools() []string {
	out := make([]string, len(toolNames))
	copy(out, toolNames)
	return out
}

// Dispatch runs one tool invocation to completion.
func (d *Dispatcher) Dispatch(ctx context.Context, inv domain.ToolInvocation) (result *domain.ToolResult) {
	start := time.Now()
	invocationID := uuid.NewString()

	ctx, span := d.tracer.Start(ctx, "tool "+inv.ToolName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("mcp.tool.name", inv.ToolName),
			attribute.String("mcp.invocation.id", invocationID),
		),
	)

	attempts := 0
	defer func() {
		if r := recover(); r != nil {
			d.logger.LogError("panic while handling tool call", fmt.Errorf("%v", r), map[string]interface{}{
				"tool":          inv.ToolName,
				"invocation_id": invocationID,
				"stack":         string(debug.Stack()),
			})
			result = domain.Failure(domain.NewToolError(domain.KindInternal, "internal error while handling %s", inv.ToolName))
		}
		d.observe(ctx, span, inv.ToolName, invocationID, result, attempts, time.Since(start))
		span.End()
	}()

	return d.dispatch(ctx, inv, invocationID, &attempts)
}

func (d *Dispatcher) dispatch(ctx context.Context, inv domain.ToolInvocation, invocationID string, attempts *int) *domain.ToolResult {
	conn, err := d.provider.Context()
	if err != nil {
		return domain.Failure(asToolError(err, domain.KindConfiguration))
	}

	if !KnownTool(inv.ToolName) {
		return domain.Failure(domain.NewToolError(domain.KindUnknownTool, "unknown tool: %s", inv.ToolName).
			WithDetail(map[string]interface{}{"available": d.Tools()}))
	}

	call, err := d.translator.Translate(inv.ToolName, inv.Arguments)
	if err != nil {
		return domain.Failure(asToolError(err, domain.KindValidation))
	}

	client, err := d.clientFor(conn)
	if err != nil {
		return domain.Failure(asToolError(err, domain.KindConfiguration))
	}

	if ctx.Err() != nil {
		return domain.Failure(domain.NewToolError(domain.KindCancelled, "invocation cancelled before the remote call was made").WithCause(ctx.Err()))
	}

	classify := func(err error) *domain.ToolError {
		return d.mapper.MapError(ctx, err)
	}
	notify := func(err *domain.ToolError, attempt int, wait time.Duration) {
		d.logger.LogWarn("retrying remote call", map[string]interface{}{
			"tool":          inv.ToolName,
			"invocation_id": invocationID,
			"attempt":       attempt,
			"wait_ms":       wait.Milliseconds(),
			"kind":          string(err.Kind),
			"error":         err.Message,
		})
	}

	remote, n, err := d.retry.Run(ctx, call.idempotent, classify, func(ctx context.Context) (interface{}, error) {
		return call.do(ctx, client)
	}, notify)
	*attempts = n
	if err != nil {
		return domain.Failure(d.mapper.MapError(ctx, err))
	}

	return d.mapper.MapSuccess(remote, call.warnings)
}

// Client returns the memoized remote client for the configured context.
func (d *Dispatcher) Client() (domain.WorkItemClient, error) {
	conn, err := d.provider.Context()
	if err != nil {
		return nil, asToolError(err, domain.KindConfiguration)
	}
	return d.clientFor(conn)
}

func (d *Dispatcher) clientFor(conn domain.ConnectionContext) (domain.WorkItemClient, error) {
	d.clientOnce.Do(func() {
		d.client, d.clientErr = d.factory(conn)
	})
	return d.client, d.clientErr
}

// observe logs the outcome and records span status and metrics.
func (d *Dispatcher) observe(ctx context.Context, span trace.Span, tool, invocationID string, result *domain.ToolResult, attempts int, elapsed time.Duration) {
	status := string(result.Status)
	kind := string(result.Kind())

	logContext := map[string]interface{}{
		"tool":          tool,
		"invocation_id": invocationID,
		"status":        status,
		"attempts":      attempts,
		"duration_ms":   elapsed.Milliseconds(),
	}
	attrs := []attribute.KeyValue{
		attribute.String("mcp.tool.name", tool),
		attribute.String("mcp.tool.status", status),
	}

	if result.IsError() {
		logContext["kind"] = kind
		d.logger.LogError("tool call failed", result.Error, logContext)
		attrs = append(attrs, attribute.String("mcp.error.kind", kind))
		span.SetStatus(codes.Error, result.Error.Message)
	} else {
		if len(result.Warnings) > 0 {
			logContext["warnings"] = result.Warnings
		}
		d.logger.LogInfo("tool call completed", logContext)
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.Int("mcp.remote.attempts", attempts))

	// Context may already be cancelled; metrics must still be recorded.
	ctx = context.WithoutCancel(ctx)
	set := metric.WithAttributes(attrs...)
	if d.invocations != nil {
		d.invocations.Add(ctx, 1, set)
	}
	if d.attempts != nil && attempts > 0 {
		d.attempts.Add(ctx, int64(attempts), metric.WithAttributes(attribute.String("mcp.tool.name", tool)))
	}
	if d.duration != nil {
		d.duration.Record(ctx, float64(elapsed.Microseconds())/1000, set)
	}
}

// asToolError returns a copy of err as a ToolError, wrapping foreign errors
// in the given kind. Memoized errors are shared, results are not.
func asToolError(err error, kind domain.ErrorKind) *domain.ToolError {
	var toolErr *domain.ToolError
	if errors.As(err, &toolErr) {
		copied := *toolErr
		return &copied
	}
	return domain.NewToolError(kind, "%v", err).WithCause(err)
}
