package observer

import (
	"context"
	"time"

	crew "github.com/nevindra/crew"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps a crew.Tool with OTEL instrumentation.
type ObservedTool struct {
	inner crew.Tool
	inst  *Instruments
}

// WrapTool returns an instrumented tool.
func WrapTool(inner crew.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

var _ crew.Tool = (*ObservedTool)(nil)

func (o *ObservedTool) Tools() []crew.ToolSpec {
	return o.inner.Tools()
}

func (o *ObservedTool) Execute(ctx context.Context, name crew.ToolSpec, args map[string]any) crew.ToolResult {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(string(name)),
	))
	defer span.End()
	start := time.Now()

	result := o.inner.Execute(ctx, name, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if !result.Success {
		status = "tool_error"
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolReturnCode.Int(result.ReturnCode),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(string(name)),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(string(name)),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", string(name)),
		otellog.String("tool.status", status),
		otellog.Int("tool.return_code", result.ReturnCode),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result
}
