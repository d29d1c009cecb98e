package observer

import (
	"context"

	crew "github.com/nevindra/crew"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ProgressHook returns a progress callback for crew.WithProgress that
// records workflow step events as metrics.
func (i *Instruments) ProgressHook() func(crew.ProgressEvent) {
	return func(ev crew.ProgressEvent) {
		ctx := context.Background()
		i.WorkflowSteps.Add(ctx, 1, metric.WithAttributes(
			AttrPlanID.String(ev.PlanID),
			attribute.String("event", string(ev.Event)),
		))
	}
}

// RecordSpawn counts a sub-agent spawn.
func (i *Instruments) RecordSpawn(ctx context.Context, role crew.AgentRole) {
	i.AgentSpawns.Add(ctx, 1, metric.WithAttributes(
		AttrAgentRole.String(string(role)),
	))
}
