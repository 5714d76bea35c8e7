package audit

import (
	"context"

	"github.com/weiawesome/thumbing/pkg/log"
)

// Audit actions for the subscription registry.
const (
	ActionRegister   = "subscription.register"
	ActionConfirm    = "subscription.confirm"
	ActionUnregister = "subscription.unregister"
	ActionExpire     = "subscription.expire"
	ActionFail       = "subscription.fail"
)

// Field constants for audit entries.
const (
	FieldAction = "action"
	FieldDetail = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action, subscriptionID, endpointURL, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldSubscriptionID, subscriptionID).
		Str(log.FieldEndpointURL, endpointURL).
		Msg(msg)
}

// LogWithDetail emits an audit log with extra detail field.
func LogWithDetail(ctx context.Context, action, subscriptionID, endpointURL, detail, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldSubscriptionID, subscriptionID).
		Str(log.FieldEndpointURL, endpointURL).
		Str(FieldDetail, detail).
		Msg(msg)
}
