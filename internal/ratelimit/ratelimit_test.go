// Copyright 2025 James Ross
package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInProcessAllowsUpToBurstThenDenies(t *testing.T) {
	l := NewInProcess(60, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInProcessTracksKeysIndependently(t *testing.T) {
	l := NewInProcess(60, 1)
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "a")
	require.True(t, ok)
	ok, _ = l.Allow(ctx, "b")
	require.True(t, ok)
	ok, _ = l.Allow(ctx, "a")
	require.False(t, ok)
}
