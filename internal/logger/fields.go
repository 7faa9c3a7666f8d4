package logger

// Fields is a shorthand for structured log fields.
type Fields map[string]interface{}

// Tracing fields, propagated through context.
const (
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldEntity    = "entity"
	FieldSplit     = "split"
	FieldUserID    = "user_id"
	FieldComponent = "component"
)

// Metric fields, attached per entry.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldStatus     = "status"
	FieldPID        = "pid"
)
