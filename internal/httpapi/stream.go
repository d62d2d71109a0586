package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"rollcall.io/internal/apperr"
	"rollcall.io/internal/audit"
	"rollcall.io/internal/auth"
	"rollcall.io/internal/policy"
)

const auditRecordType = "auditRecord"

// AuditStream tails a tenant's audit records as Server-Sent Events. Reading
// the trail is itself an authorized, audited operation. Super admins may
// name another tenant with ?tenant=; ?suspicious=true keeps only flagged
// records.
func (a *API) AuditStream(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, apperr.New(apperr.Unauthenticated))
		return
	}
	tenant := principal.TenantID
	if t := r.URL.Query().Get("tenant"); t != "" {
		tenant = t
	}
	onlySuspicious := false
	if v := r.URL.Query().Get("suspicious"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, invalidRequest("suspicious must be a boolean"))
			return
		}
		onlySuspicious = b
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Opening the subscription is the audited read.
	var ch <-chan audit.Record
	resource := policy.Resource{Type: auditRecordType, TenantID: tenant}
	_, err := a.authz.Do(ctx, principal, resource, policy.Request{Kind: policy.OpRead}, func(ctx context.Context, _ policy.Decision) error {
		ch = a.feed.Subscribe(ctx, func(rec audit.Record) bool {
			return rec.TenantID == tenant && (!onlySuspicious || rec.Suspicious)
		})
		return nil
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		return
	}

	for rec := range ch {
		payload, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("id: " + rec.ID + "\ndata: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
