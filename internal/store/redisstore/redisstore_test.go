package redisstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall.io/internal/apperr"
	"rollcall.io/internal/token"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return New(client, "test:"), mr
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func TestInsertGetRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	issued := now()
	want := token.Token{
		ID: "abc", TenantID: "t1", PrincipalID: "u1", Purpose: token.PurposeEmailVerify,
		IssuedAt: issued, ExpiresAt: issued.Add(24 * time.Hour), State: token.StateIssued,
	}
	require.NoError(t, s.Insert(ctx, want))

	got, err := s.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.PrincipalID)
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, token.PurposeEmailVerify, got.Purpose)
	assert.Equal(t, token.StateIssued, got.State)
	assert.True(t, got.IssuedAt.Equal(want.IssuedAt), "issued at %v", got.IssuedAt)
	assert.True(t, got.ExpiresAt.Equal(want.ExpiresAt), "expires at %v", got.ExpiresAt)
	assert.True(t, got.UsedAt.IsZero())

	assert.ErrorIs(t, s.Insert(ctx, want), ErrDuplicate)
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, token.ErrNotFound)
}

func TestMarkUsedCompareAndSet(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, token.Token{
		ID: "abc", PrincipalID: "u1", State: token.StateIssued, IssuedAt: now(), ExpiresAt: now().Add(time.Hour),
	}))

	const racers = 20
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		failed  atomic.Int32
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.MarkUsed(ctx, "abc", now())
			if err != nil {
				failed.Add(1)
				return
			}
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Zero(t, failed.Load(), "MarkUsed returned errors")
	assert.Equal(t, int32(1), winners.Load(), "expected exactly one winner")

	got, err := s.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, token.StateUsed, got.State)
	assert.False(t, got.UsedAt.IsZero())

	_, err = s.MarkUsed(ctx, "missing", now())
	assert.ErrorIs(t, err, token.ErrNotFound)
}

func TestReserveEnforcesCeiling(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	key := token.ThrottleKey{PrincipalID: "u1", Purpose: token.PurposeEmailVerify}
	limits := token.DefaultLimits()
	start := now()

	for i := 0; i < limits.Ceiling; i++ {
		st, ok, err := s.Reserve(ctx, key, limits, start.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.True(t, ok, "reservation %d refused", i+1)
		require.Equal(t, i+1, st.Count)
	}
	at := start.Add(10 * time.Second)
	st, ok, err := s.Reserve(ctx, key, limits, at)
	require.NoError(t, err)
	assert.False(t, ok, "reservation past the ceiling admitted")
	assert.True(t, st.NextAllowedAt.After(at), "nextAllowedAt %v not after %v", st.NextAllowedAt, at)
	assert.Positive(t, mr.TTL("test:throttle:u1:emailVerify"), "throttle key has no expiry")

	other := token.ThrottleKey{PrincipalID: "u1", Purpose: token.PurposePasswordReset}
	_, ok, err = s.Reserve(ctx, other, limits, at)
	require.NoError(t, err)
	assert.True(t, ok, "other purpose should be independent")
}

func TestServiceOverRedis(t *testing.T) {
	s, _ := newStore(t)
	svc, err := token.NewService(s, s, token.WithPepper([]byte("pepper")))
	require.NoError(t, err)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "u1", token.PurposeEmailVerify)
	require.NoError(t, err)
	_, err = svc.Validate(ctx, issued.Secret, token.PurposeEmailVerify)
	require.NoError(t, err)
	_, err = svc.Validate(ctx, issued.Secret, token.PurposeEmailVerify)
	assert.True(t, apperr.HasCode(err, apperr.TokenAlreadyUsed), "got %v", err)
}

func TestUnreachableRedisSurfacesErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	s := New(client, "")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := s.Get(ctx, "abc")
	require.Error(t, err)
	assert.NotErrorIs(t, err, token.ErrNotFound, "expected transport error")

	_, _, err = s.Reserve(ctx, token.ThrottleKey{PrincipalID: "u1", Purpose: token.PurposeEmailVerify}, token.DefaultLimits(), now())
	assert.Error(t, err)
}
