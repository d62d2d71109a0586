package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rollcall.io/internal/token"
)

func (s *Store) Insert(ctx context.Context, t token.Token) error {
	_, err := s.db.ExecContext(ctx, `
		insert into verification_tokens (id, tenant_id, principal_id, purpose, issued_at, expires_at, state)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, nullIfEmpty(t.TenantID), t.PrincipalID, string(t.Purpose), t.IssuedAt.UTC(), t.ExpiresAt.UTC(), string(t.State))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: token %s", ErrDuplicate, t.ID)
		}
		return err
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (token.Token, error) {
	var (
		t       token.Token
		tenant  sql.NullString
		purpose string
		state   string
		usedAt  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, principal_id, purpose, issued_at, expires_at, state, used_at
		from verification_tokens
		where id = $1
	`, id).Scan(&t.ID, &tenant, &t.PrincipalID, &purpose, &t.IssuedAt, &t.ExpiresAt, &state, &usedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return token.Token{}, token.ErrNotFound
	}
	if err != nil {
		return token.Token{}, err
	}
	t.TenantID = tenant.String
	t.Purpose = token.Purpose(purpose)
	t.State = token.State(state)
	if usedAt.Valid {
		t.UsedAt = usedAt.Time
	}
	return t, nil
}

// MarkUsed is a single conditional update; Postgres row locking makes
// concurrent callers serialize on it and only one sees a row affected.
func (s *Store) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update verification_tokens
		set state = 'used', used_at = $2
		where id = $1 and state = 'issued'
	`, id, at.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
