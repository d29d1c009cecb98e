package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for crew observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrStreamChunks = attribute.Key("llm.stream_chunks")

	AttrToolName       = attribute.Key("tool.name")
	AttrToolStatus     = attribute.Key("tool.status")
	AttrToolReturnCode = attribute.Key("tool.return_code")

	AttrAgentID   = attribute.Key("agent.id")
	AttrAgentRole = attribute.Key("agent.role")

	AttrPlanID     = attribute.Key("workflow.plan_id")
	AttrStepID     = attribute.Key("workflow.step_id")
	AttrStepStatus = attribute.Key("workflow.step_status")
)
