// Package redisstore implements the token store and issuance throttle on Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"rollcall.io/internal/token"
)

const defaultPrefix = "rollcall:"

// maxWatchAttempts bounds optimistic retries of one throttle reservation.
const maxWatchAttempts = 8

var insertScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

var markUsedScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
  return -1
end
if state ~= "issued" then
  return 0
end
redis.call("HSET", KEYS[1], "state", "used", "used_at", ARGV[1])
return 1
`)

// ErrDuplicate is returned when a token id already exists.
var ErrDuplicate = errors.New("redisstore: duplicate token")

// ErrContended is returned when a throttle key kept changing underneath a
// reservation.
var ErrContended = errors.New("redisstore: throttle contended")

type Store struct {
	client *redis.Client
	prefix string
}

var (
	_ token.Store         = (*Store)(nil)
	_ token.ThrottleStore = (*Store)(nil)
)

// New returns a store using client; keys are namespaced under prefix.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Ping reports whether Redis answers within ctx.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) tokenKey(id string) string { return s.prefix + "token:" + id }

func (s *Store) throttleKey(k token.ThrottleKey) string {
	return s.prefix + "throttle:" + k.String()
}

func (s *Store) Insert(ctx context.Context, t token.Token) error {
	args := []any{
		"tenant", t.TenantID,
		"principal", t.PrincipalID,
		"purpose", string(t.Purpose),
		"issued_at", t.IssuedAt.UnixMilli(),
		"expires_at", t.ExpiresAt.UnixMilli(),
		"state", string(t.State),
	}
	n, err := insertScript.Run(ctx, s.client, []string{s.tokenKey(t.ID)}, args...).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, t.ID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (token.Token, error) {
	m, err := s.client.HGetAll(ctx, s.tokenKey(id)).Result()
	if err != nil {
		return token.Token{}, err
	}
	if len(m) == 0 {
		return token.Token{}, token.ErrNotFound
	}
	t := token.Token{
		ID:          id,
		TenantID:    m["tenant"],
		PrincipalID: m["principal"],
		Purpose:     token.Purpose(m["purpose"]),
		State:       token.State(m["state"]),
	}
	if t.IssuedAt, err = millis(m["issued_at"]); err != nil {
		return token.Token{}, err
	}
	if t.ExpiresAt, err = millis(m["expires_at"]); err != nil {
		return token.Token{}, err
	}
	if raw := m["used_at"]; raw != "" {
		if t.UsedAt, err = millis(raw); err != nil {
			return token.Token{}, err
		}
	}
	return t, nil
}

// MarkUsed runs as one Lua script, so Redis executes the check and the write
// without interleaving another client.
func (s *Store) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := markUsedScript.Run(ctx, s.client, []string{s.tokenKey(id)}, at.UnixMilli()).Int()
	if err != nil {
		return false, err
	}
	switch n {
	case -1:
		return false, token.ErrNotFound
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

// Reserve applies limits under WATCH so concurrent reservations on the same
// key serialize; a lost race is retried.
func (s *Store) Reserve(ctx context.Context, key token.ThrottleKey, limits token.Limits, now time.Time) (token.ThrottleState, bool, error) {
	rkey := s.throttleKey(key)
	var (
		next     token.ThrottleState
		admitted bool
	)
	txf := func(tx *redis.Tx) error {
		m, err := tx.HGetAll(ctx, rkey).Result()
		if err != nil {
			return err
		}
		st := token.ThrottleState{PrincipalID: key.PrincipalID, Purpose: key.Purpose}
		if len(m) > 0 {
			if st.WindowStart, err = millis(m["window_start"]); err != nil {
				return err
			}
			if st.NextAllowedAt, err = millis(m["next_allowed_at"]); err != nil {
				return err
			}
			if st.Count, err = strconv.Atoi(m["count"]); err != nil {
				return fmt.Errorf("redisstore: bad count %q: %w", m["count"], err)
			}
		}
		next, admitted = limits.Advance(st, now)

		expireAt := next.WindowStart.Add(limits.Window)
		if next.NextAllowedAt.After(expireAt) {
			expireAt = next.NextAllowedAt
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rkey,
				"window_start", toMillis(next.WindowStart),
				"count", next.Count,
				"next_allowed_at", toMillis(next.NextAllowedAt),
			)
			pipe.PExpireAt(ctx, rkey, expireAt)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchAttempts; i++ {
		err := s.client.Watch(ctx, txf, rkey)
		if err == nil {
			return next, admitted, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return token.ThrottleState{}, false, err
	}
	return token.ThrottleState{}, false, ErrContended
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millis(raw string) (time.Time, error) {
	if raw == "" || raw == "0" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("redisstore: bad timestamp %q: %w", raw, err)
	}
	return time.UnixMilli(n).UTC(), nil
}
