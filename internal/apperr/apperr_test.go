package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestDescribeStableTuples(t *testing.T) {
	cases := []struct {
		code     Code
		status   int
		wantHint bool
	}{
		{TenantMismatch, http.StatusForbidden, false},
		{InsufficientRole, http.StatusForbidden, false},
		{ImmutableFieldViolation, http.StatusUnprocessableEntity, true},
		{FieldNotAllowed, http.StatusForbidden, true},
		{TokenNotFound, http.StatusBadRequest, false},
		{TokenExpired, http.StatusBadRequest, true},
		{TokenAlreadyUsed, http.StatusConflict, false},
		{PurposeMismatch, http.StatusBadRequest, false},
		{RateLimitExceeded, http.StatusTooManyRequests, true},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			d := Describe(tc.code)
			assert.Equal(t, tc.code, d.Code)
			assert.Equal(t, tc.status, d.Status)
			assert.NotEmpty(t, d.Message)
			assert.Equal(t, tc.wantHint, d.Hint != "")
		})
	}
}

func TestDescribeUnknownFallsBackToInternal(t *testing.T) {
	d := Describe(Code("NOPE"))
	assert.Equal(t, Internal, d.Code)
	assert.Equal(t, http.StatusInternalServerError, d.Status)
}

func TestErrorMatchingThroughWrapping(t *testing.T) {
	cause := errors.New("disk on fire")
	err := fmt.Errorf("validate: %w", Wrap(TokenNotFound, cause))

	assert.True(t, HasCode(err, TokenNotFound))
	assert.False(t, HasCode(err, TokenExpired))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, TokenNotFound, CodeOf(err))
	assert.Equal(t, Internal, CodeOf(errors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, RateLimitExceeded.Retryable())
	assert.True(t, StorageUnavailable.Retryable())
	assert.False(t, InsufficientRole.Retryable())
	assert.False(t, TokenExpired.Retryable())
}

func TestGRPCStatusCarriesTaxonomy(t *testing.T) {
	next := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st := GRPCStatus(RateLimited(next))

	assert.Equal(t, codes.ResourceExhausted, st.Code())
	code, ok := CodeFromStatus(st)
	require.True(t, ok)
	assert.Equal(t, RateLimitExceeded, code)

	st = GRPCStatus(New(InsufficientRole))
	assert.Equal(t, codes.PermissionDenied, st.Code())

	st = GRPCStatus(errors.New("boom"))
	assert.Equal(t, codes.Internal, st.Code())
	code, ok = CodeFromStatus(st)
	require.True(t, ok)
	assert.Equal(t, Internal, code)
}
