package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Service
	FieldService = "service"

	// Storage events
	FieldStore     = "store"
	FieldKey       = "key"
	FieldEventID   = "event_id"
	FieldEventName = "event_name"
	FieldAttempt   = "attempt"

	// Webhooks
	FieldCloudEventID = "ce_id"

	// Subscriptions
	FieldSubscriptionID = "subscription_id"
	FieldEndpointURL    = "endpoint_url"

	// Log type (for audit log)
	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)
