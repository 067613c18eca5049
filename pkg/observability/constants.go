package observability

const (
	AttrServiceName    = "service.name"
	AttrServiceVersion = "service.version"
	AttrWorkflowRun    = "workflow.run_id"
	AttrStageID        = "workflow.stage_id"
	AttrCapability     = "agent.capability"
	AttrAgentID        = "agent.id"
	AttrErrorType      = "error.type"
	AttrEventID        = "orchestrate.event_id"

	AttrHTTPMethod       = "http.method"
	AttrHTTPPath         = "http.path"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size"

	SpanHTTPRequest  = "http.request"
	SpanStageExecute = "workflow.stage_execute"
	SpanAgentDispatch = "agent.dispatch"
	SpanTaskClaim    = "kanban.task_claim"

	DefaultMetricsPath = "/metrics"
)
