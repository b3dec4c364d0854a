package logger

import "context"

// Field names shared by every component's structured log lines
const (
	// Identity and context
	FieldJobID     = "job_id"
	FieldOwnerID   = "owner_id"
	FieldCallerID  = "caller_id"
	FieldRequestID = "request_id"
	FieldOperator  = "operator"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount = "count"

	// Queue state
	FieldStatus   = "status"
	FieldPriority = "priority"
	FieldWorkers  = "workers"
	FieldWorkerID = "worker_id"

	// Network
	FieldClientIP = "client_ip"
)

type contextKey int

const (
	jobIDKey contextKey = iota
	requestIDKey
)

// WithJobID tags ctx so code running on behalf of a job can log its ID
// without being handed the job.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithRequestID tags ctx with the HTTP request ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext returns the tagged IDs as Infow-style key/value pairs
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}
	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	return fields
}
