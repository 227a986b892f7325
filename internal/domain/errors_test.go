package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gosuda/koord/internal/domain"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want domain.ErrorKind
	}{
		{err: domain.ErrInvalidCredential, want: domain.KindInvalidCredential},
		{err: domain.ErrCapabilityDenied, want: domain.KindCapabilityDenied},
		{err: domain.ErrTokenExpired, want: domain.KindTokenExpired},
		{err: domain.ErrTokenInvalid, want: domain.KindTokenInvalid},
		{err: domain.ErrSessionNotFound, want: domain.KindTokenInvalid},
		{err: domain.ErrRefreshRevoked, want: domain.KindRefreshRevoked},
		{err: domain.ErrInvalidArguments, want: domain.KindInvalidArguments},
		{err: domain.ErrRateLimited, want: domain.KindRateLimited},
		{err: domain.ErrHandlerTimeout, want: domain.KindHandlerTimeout},
		{err: domain.ErrCacheUnavailable, want: domain.KindCacheUnavailable},
		{err: domain.ErrBusUnavailable, want: domain.KindBusUnavailable},
		{err: domain.ErrUnknownTool, want: domain.KindUnknownTool},
		// Anything unrecognized is treated as an internal fault.
		{err: errors.New("surprise"), want: domain.KindHandlerFault},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, domain.KindOf(tt.err))
		// Wrapping must not change the classification.
		assert.Equal(t, tt.want, domain.KindOf(fmt.Errorf("pipeline: %w", tt.err)))
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	t.Parallel()

	retryable := []domain.ErrorKind{
		domain.KindRateLimited,
		domain.KindHandlerTimeout,
		domain.KindHandlerFault,
	}
	terminal := []domain.ErrorKind{
		domain.KindInvalidCredential,
		domain.KindCapabilityDenied,
		domain.KindTokenExpired,
		domain.KindTokenInvalid,
		domain.KindRefreshRevoked,
		domain.KindInvalidArguments,
		domain.KindUnknownTool,
	}

	for _, k := range retryable {
		assert.True(t, k.Retryable(), k)
	}
	for _, k := range terminal {
		assert.False(t, k.Retryable(), k)
	}
}
