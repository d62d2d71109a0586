package token

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall.io/internal/apperr"
	"rollcall.io/internal/audit"
	"rollcall.io/internal/auth"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *recordingAuditor) Record(_ context.Context, ev audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *recordingAuditor) byAction(action string) []audit.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []audit.Event
	for _, ev := range a.events {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	svc     *Service
	store   *MemoryStore
	clock   *clock
	auditor *recordingAuditor
}

func newFixture(t *testing.T, opts ...ServiceOption) fixture {
	t.Helper()
	f := fixture{store: NewMemoryStore(), clock: newClock(), auditor: &recordingAuditor{}}
	base := []ServiceOption{
		WithPepper([]byte("test-pepper")),
		WithClock(f.clock.Now),
		WithAuditor(f.auditor),
		WithReadRetries(2, time.Millisecond),
	}
	svc, err := NewService(f.store, NewMemoryThrottle(), append(base, opts...)...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func requireCode(t *testing.T, err error, code apperr.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, apperr.CodeOf(err), "error: %v", err)
}

var hexSecret = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestIssueThenValidate(t *testing.T) {
	f := newFixture(t)
	ctx := auth.ContextWithPrincipal(context.Background(), auth.Principal{ID: "u1", TenantID: "t1", Role: auth.RoleMember})

	issued, err := f.svc.Issue(ctx, "u1", PurposeEmailVerify)
	require.NoError(t, err)
	assert.Regexp(t, hexSecret, issued.Secret)
	assert.NotEqual(t, issued.Secret, issued.TokenID)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), issued.ExpiresAt)

	stored, err := f.store.Get(context.Background(), issued.TokenID)
	require.NoError(t, err)
	assert.Equal(t, StateIssued, stored.State)
	assert.Equal(t, "t1", stored.TenantID)

	v, err := f.svc.Validate(context.Background(), issued.Secret, PurposeEmailVerify)
	require.NoError(t, err)
	assert.Equal(t, "u1", v.PrincipalID)
	assert.Equal(t, "t1", v.TenantID)
	assert.Equal(t, PurposeEmailVerify, v.Purpose)

	stored, _ = f.store.Get(context.Background(), issued.TokenID)
	assert.Equal(t, StateUsed, stored.State)
	assert.False(t, stored.UsedAt.IsZero())

	issues := f.auditor.byAction(audit.ActionTokenIssue)
	require.Len(t, issues, 1)
	assert.True(t, issues[0].Success)
	validations := f.auditor.byAction(audit.ActionTokenValidate)
	require.Len(t, validations, 1)
	assert.True(t, validations[0].Success)
	assert.Equal(t, "t1", validations[0].TenantID)
}

func TestSecondValidationIsAlreadyUsed(t *testing.T) {
	f := newFixture(t)
	issued, err := f.svc.Issue(context.Background(), "u1", PurposeEmailVerify)
	require.NoError(t, err)

	_, err = f.svc.Validate(context.Background(), issued.Secret, PurposeEmailVerify)
	require.NoError(t, err)
	_, err = f.svc.Validate(context.Background(), issued.Secret, PurposeEmailVerify)
	requireCode(t, err, apperr.TokenAlreadyUsed)

	validations := f.auditor.byAction(audit.ActionTokenValidate)
	require.Len(t, validations, 2)
	assert.Equal(t, apperr.TokenAlreadyUsed, validations[1].Reason)
}

func TestConcurrentValidationSucceedsOnce(t *testing.T) {
	f := newFixture(t)
	issued, err := f.svc.Issue(context.Background(), "u1", PurposePasswordReset)
	require.NoError(t, err)

	const attempts = 32
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		replays   atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Validate(context.Background(), issued.Secret, PurposePasswordReset)
			switch {
			case err == nil:
				successes.Add(1)
			case apperr.HasCode(err, apperr.TokenAlreadyUsed):
				replays.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(attempts-1), replays.Load())
	assert.Len(t, f.auditor.byAction(audit.ActionTokenValidate), attempts)
}

func TestExpiredToken(t *testing.T) {
	f := newFixture(t)
	issued, err := f.svc.Issue(context.Background(), "u1", PurposeEmailVerify)
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	_, err = f.svc.Validate(context.Background(), issued.Secret, PurposeEmailVerify)
	requireCode(t, err, apperr.TokenExpired)

	stored, _ := f.store.Get(context.Background(), issued.TokenID)
	assert.Equal(t, StateIssued, stored.State, "expiry is computed, not stored")
	assert.Equal(t, StateExpired, stored.StateAt(f.clock.Now()))
}

func TestTokenValidAtExactExpiry(t *testing.T) {
	f := newFixture(t)
	issued, err := f.svc.Issue(context.Background(), "u1", PurposePasswordReset)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.svc.Validate(context.Background(), issued.Secret, PurposePasswordReset)
	require.NoError(t, err)
}

func TestPurposeMismatchDoesNotConsume(t *testing.T) {
	f := newFixture(t)
	issued, err := f.svc.Issue(context.Background(), "u1", PurposeEmailVerify)
	require.NoError(t, err)

	_, err = f.svc.Validate(context.Background(), issued.Secret, PurposePasswordReset)
	requireCode(t, err, apperr.PurposeMismatch)

	_, err = f.svc.Validate(context.Background(), issued.Secret, PurposeEmailVerify)
	require.NoError(t, err)
}

func TestFailurePriority(t *testing.T) {
	f := newFixture(t)
	issued, err := f.svc.Issue(context.Background(), "u1", PurposeEmailVerify)
	require.NoError(t, err)
	_, err = f.svc.Validate(context.Background(), issued.Secret, PurposeEmailVerify)
	require.NoError(t, err)

	// Used, expired and for another purpose: used wins.
	f.clock.Advance(48 * time.Hour)
	_, err = f.svc.Validate(context.Background(), issued.Secret, PurposePasswordReset)
	requireCode(t, err, apperr.TokenAlreadyUsed)

	// Expired and for another purpose: expired wins.
	f.clock.Advance(-48 * time.Hour)
	other, err := f.svc.Issue(context.Background(), "u2", PurposeEmailVerify)
	require.NoError(t, err)
	f.clock.Advance(48 * time.Hour)
	_, err = f.svc.Validate(context.Background(), other.Secret, PurposePasswordReset)
	requireCode(t, err, apperr.TokenExpired)
}

func TestMalformedAndUnknownSecrets(t *testing.T) {
	f := newFixture(t)
	for _, secret := range []string{"", "abc", strings.Repeat("z", 64), string(make([]byte, 64))} {
		_, err := f.svc.Validate(context.Background(), secret, PurposeEmailVerify)
		requireCode(t, err, apperr.TokenNotFound)
	}
	unknown, err := newSecret()
	require.NoError(t, err)
	_, err = f.svc.Validate(context.Background(), unknown, PurposeEmailVerify)
	requireCode(t, err, apperr.TokenNotFound)

	assert.Len(t, f.auditor.byAction(audit.ActionTokenValidate), 5)
}

func TestIssuanceRateLimit(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		_, err := f.svc.Issue(context.Background(), "u1", PurposeEmailVerify)
		require.NoError(t, err, "issue #%d", i+1)
		f.clock.Advance(time.Minute)
	}

	_, err := f.svc.Issue(context.Background(), "u1", PurposeEmailVerify)
	requireCode(t, err, apperr.RateLimitExceeded)
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.True(t, ae.NextAllowedAt.After(f.clock.Now()))

	// Other purposes and principals keep their own counters.
	_, err = f.svc.Issue(context.Background(), "u1", PurposePasswordReset)
	require.NoError(t, err)
	_, err = f.svc.Issue(context.Background(), "u2", PurposeEmailVerify)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.svc.Issue(context.Background(), "u1", PurposeEmailVerify)
	require.NoError(t, err)

	refused := 0
	for _, ev := range f.auditor.byAction(audit.ActionTokenIssue) {
		if ev.Reason == apperr.RateLimitExceeded {
			refused++
			assert.False(t, ev.Success)
		}
	}
	assert.Equal(t, 1, refused)
}

func TestIssueRejectsUnknownPurpose(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Issue(context.Background(), "u1", Purpose("inviteAccept"))
	requireCode(t, err, apperr.InvalidRequest)
	_, err = f.svc.Issue(context.Background(), " ", PurposeEmailVerify)
	requireCode(t, err, apperr.InvalidRequest)
}

func TestCustomTTL(t *testing.T) {
	f := newFixture(t, WithTTL(Purpose("inviteAccept"), 72*time.Hour))
	issued, err := f.svc.Issue(context.Background(), "u1", Purpose("inviteAccept"))
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(72*time.Hour), issued.ExpiresAt)
	ttl, ok := f.svc.TTL(PurposeEmailVerify)
	assert.True(t, ok)
	assert.Equal(t, 24*time.Hour, ttl)
}

type failingStore struct {
	*MemoryStore
	getFailures int32
	gets        atomic.Int32
	markErr     error
}

func (s *failingStore) Get(ctx context.Context, id string) (Token, error) {
	if s.gets.Add(1) <= s.getFailures {
		return Token{}, errors.New("connection refused")
	}
	return s.MemoryStore.Get(ctx, id)
}

func (s *failingStore) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	if s.markErr != nil {
		return false, s.markErr
	}
	return s.MemoryStore.MarkUsed(ctx, id, at)
}

func newFailingService(t *testing.T, store *failingStore, throttle ThrottleStore) *Service {
	t.Helper()
	svc, err := NewService(store, throttle, WithPepper([]byte("p")), WithReadRetries(2, time.Millisecond))
	require.NoError(t, err)
	return svc
}

func TestReadFailuresFailClosed(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), getFailures: 100}
	svc := newFailingService(t, store, NewMemoryThrottle())
	issued, err := svc.Issue(context.Background(), "u1", PurposeEmailVerify)
	require.NoError(t, err)

	_, err = svc.Validate(context.Background(), issued.Secret, PurposeEmailVerify)
	requireCode(t, err, apperr.TokenNotFound)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, int32(3), store.gets.Load())

	stored, _ := store.MemoryStore.Get(context.Background(), issued.TokenID)
	assert.Equal(t, StateIssued, stored.State)
}

func TestTransientReadFailureIsRetried(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), getFailures: 1}
	svc := newFailingService(t, store, NewMemoryThrottle())
	issued, err := svc.Issue(context.Background(), "u1", PurposeEmailVerify)
	require.NoError(t, err)

	_, err = svc.Validate(context.Background(), issued.Secret, PurposeEmailVerify)
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.gets.Load())
}

func TestConsumeFailureFailsClosed(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), markErr: errors.New("timeout")}
	svc := newFailingService(t, store, NewMemoryThrottle())
	issued, err := svc.Issue(context.Background(), "u1", PurposeEmailVerify)
	require.NoError(t, err)

	_, err = svc.Validate(context.Background(), issued.Secret, PurposeEmailVerify)
	requireCode(t, err, apperr.TokenNotFound)
}

type brokenThrottle struct{}

func (brokenThrottle) Reserve(context.Context, ThrottleKey, Limits, time.Time) (ThrottleState, bool, error) {
	return ThrottleState{}, false, errors.New("redis: connection pool timeout")
}

func TestThrottleFailureIsStorageUnavailable(t *testing.T) {
	svc := newFailingService(t, &failingStore{MemoryStore: NewMemoryStore()}, brokenThrottle{})
	_, err := svc.Issue(context.Background(), "u1", PurposeEmailVerify)
	requireCode(t, err, apperr.StorageUnavailable)
	assert.True(t, apperr.CodeOf(err).Retryable())
}

func TestNewServiceRequiresPepperAndStores(t *testing.T) {
	_, err := NewService(NewMemoryStore(), NewMemoryThrottle())
	require.ErrorIs(t, err, ErrMissingPepper)

	_, err = NewService(nil, NewMemoryThrottle(), WithPepper([]byte("p")))
	require.Error(t, err)

	_, err = NewService(NewMemoryStore(), NewMemoryThrottle(), WithPepper([]byte("p")), WithLimits(Limits{}))
	require.Error(t, err)
}

func TestTokenIDDependsOnPepper(t *testing.T) {
	secret, err := newSecret()
	require.NoError(t, err)
	a, err := newHasher([]byte("one")).tokenID(secret)
	require.NoError(t, err)
	b, err := newHasher([]byte("two")).tokenID(secret)
	require.NoError(t, err)
	again, err := newHasher([]byte("one")).tokenID(secret)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, again)
	assert.Len(t, a, 64)
}
