package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"rollcall.io/internal/audit"
)

// Write appends rec. Replaying the same record id is a no-op so sink retries
// never duplicate rows; the table itself rejects updates and deletes.
func (s *Store) Write(ctx context.Context, rec audit.Record) error {
	detail := []byte("{}")
	if len(rec.Detail) > 0 {
		raw, err := json.Marshal(rec.Detail)
		if err != nil {
			return fmt.Errorf("marshal detail: %w", err)
		}
		detail = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_records (id, tenant_id, principal_id, resource_type, action, success, suspicious, occurred_at, detail)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		on conflict (id) do nothing
	`, rec.ID, nullIfEmpty(rec.TenantID), nullIfEmpty(rec.PrincipalID), rec.ResourceType, rec.Action,
		rec.Success, rec.Suspicious, rec.Timestamp.UTC(), detail)
	return err
}
