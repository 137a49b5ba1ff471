package audit

import (
	"context"
	"errors"
	"maps"
	"strings"

	"rostersync.org/internal/auth"
	"rostersync.org/internal/obs"
)

// Audit event names.
const (
	EventIntegrationConnected    = "integration.connected"
	EventIntegrationDisconnected = "integration.disconnected"
	EventSettingsUpdated         = "integration.settings_updated"
	EventMappingLinked           = "mapping.linked"
	EventSyncRequested           = "sync.requested"
	EventSyncFinished            = "sync.finished"
	EventScheduleCancelled       = "sync.schedule_cancelled"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// sensitive field names are replaced before an entry is written.
var sensitive = []string{"token", "secret", "password", "credential", "auth_code"}

func redact(fields map[string]any) map[string]any {
	out := maps.Clone(fields)
	if out == nil {
		return map[string]any{}
	}
	for k := range out {
		lk := strings.ToLower(k)
		for _, s := range sensitive {
			if strings.Contains(lk, s) {
				out[k] = "[redacted]"
				break
			}
		}
	}
	return out
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	e := obs.Logger().Info().Str("type", "audit").Str("event", event)
	if rid := RequestIDFromContext(ctx); rid != "" {
		e = e.Str("request_id", rid)
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		e = e.Str("user_id", userID)
	}
	e.Interface("fields", redact(fields)).Msg("audit")
	return nil
}
