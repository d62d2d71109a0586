// Package audit records authorization decisions and verification token
// lifecycle events as immutable, append-only records.
package audit

import (
	"context"
	"strings"
	"time"

	"rollcall.io/internal/apperr"
)

// Actions written by the core.
const (
	ActionAuthorize     = "access.authorize"
	ActionTokenIssue    = "token.issue"
	ActionTokenValidate = "token.validate"
)

// Event is what a component hands to the recorder.
type Event struct {
	TenantID     string
	PrincipalID  string
	ResourceType string
	ResourceID   string
	Action       string
	// Success reports whether the primary operation completed, not merely
	// whether it was authorized.
	Success bool
	// Reason is the decision reason or failure code.
	Reason apperr.Code
	// Denied marks an authorization denial; denials feed suspicion scoring.
	Denied bool
	Detail map[string]any
}

// Record is the persisted form of an Event. Timestamp is the ordering key;
// arrival order at a sink is not meaningful.
type Record struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	PrincipalID  string         `json:"principal_id"`
	ResourceType string         `json:"resource_type"`
	Action       string         `json:"action"`
	Success      bool           `json:"success"`
	Timestamp    time.Time      `json:"timestamp"`
	Suspicious   bool           `json:"suspicious"`
	Detail       map[string]any `json:"detail"`
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier copied into every record
// produced while handling ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func buildDetail(ctx context.Context, ev Event) map[string]any {
	detail := make(map[string]any, len(ev.Detail)+3)
	for k, v := range ev.Detail {
		detail[k] = v
	}
	if ev.Reason != "" {
		detail["reason"] = string(ev.Reason)
	}
	if ev.ResourceID != "" {
		detail["resource_id"] = ev.ResourceID
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		detail["request_id"] = rid
	}
	return detail
}
