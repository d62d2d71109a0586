package pg

import (
	"context"
	"database/sql"
	"time"

	"rollcall.io/internal/token"
)

// Reserve locks the throttle row for key, applies limits and writes the
// result back in one transaction.
func (s *Store) Reserve(ctx context.Context, key token.ThrottleKey, limits token.Limits, now time.Time) (token.ThrottleState, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return token.ThrottleState{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into issuance_throttle (principal_id, purpose, count)
		values ($1, $2, 0)
		on conflict do nothing
	`, key.PrincipalID, string(key.Purpose)); err != nil {
		return token.ThrottleState{}, false, err
	}

	var (
		windowStart sql.NullTime
		nextAllowed sql.NullTime
		st          = token.ThrottleState{PrincipalID: key.PrincipalID, Purpose: key.Purpose}
	)
	if err := tx.QueryRowContext(ctx, `
		select window_start, count, next_allowed_at
		from issuance_throttle
		where principal_id = $1 and purpose = $2
		for update
	`, key.PrincipalID, string(key.Purpose)).Scan(&windowStart, &st.Count, &nextAllowed); err != nil {
		return token.ThrottleState{}, false, err
	}
	if windowStart.Valid {
		st.WindowStart = windowStart.Time
	}
	if nextAllowed.Valid {
		st.NextAllowedAt = nextAllowed.Time
	}

	next, admitted := limits.Advance(st, now)
	if _, err := tx.ExecContext(ctx, `
		update issuance_throttle
		set window_start = $3, count = $4, next_allowed_at = $5
		where principal_id = $1 and purpose = $2
	`, key.PrincipalID, string(key.Purpose), nullTime(next.WindowStart), next.Count, nullTime(next.NextAllowedAt)); err != nil {
		return token.ThrottleState{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return token.ThrottleState{}, false, err
	}
	return next, admitted, nil
}
