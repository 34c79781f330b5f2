package audit

import (
	"context"

	"github.com/weiawesome/meow-realtime/pkg/log"
)

// Audit actions for the realtime service.
const (
	ActionConnect             = "chat.connect"
	ActionConnectFailed       = "chat.connect_failed"
	ActionSend                = "chat.send"
	ActionRead                = "chat.read"
	ActionDisconnect          = "chat.disconnect"
	ActionRateLimitDenied     = "ratelimit.denied"
	ActionRateLimitReset      = "ratelimit.reset"
	ActionConversationCreate  = "conversation.create"
	ActionConversationArchive = "conversation.archive"
	ActionAttachmentUpload    = "attachment.upload"
)

// Field constants for audit entries.
const (
	FieldTargetID = "target_id"
	FieldDetail   = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action string, userID string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(log.FieldAction, action).
		Str(log.FieldUserID, userID).
		Msg(msg)
}

// LogTarget emits an audit log entry naming the object acted on.
func LogTarget(ctx context.Context, action string, userID string, targetID string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(log.FieldAction, action).
		Str(log.FieldUserID, userID).
		Str(FieldTargetID, targetID).
		Msg(msg)
}

// LogWithDetail emits an audit log with extra detail field.
func LogWithDetail(ctx context.Context, action string, userID string, detail string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(log.FieldAction, action).
		Str(log.FieldUserID, userID).
		Str(FieldDetail, detail).
		Msg(msg)
}
