package storage

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSessionToken(t *testing.T) {
	token, err := newSessionToken()
	require.NoError(t, err)
	require.Len(t, token, 64)

	raw, err := hex.DecodeString(token)
	require.NoError(t, err)
	require.Len(t, raw, 32)
}

func TestNewSessionTokenUnpredictable(t *testing.T) {
	a, err := newSessionToken()
	require.NoError(t, err)
	b, err := newSessionToken()
	require.NoError(t, err)

	// Tokens minted back to back must not share a meaningful prefix,
	// otherwise one leaked token narrows the search space for another.
	shared := 0
	for shared < len(a) && a[shared] == b[shared] {
		shared++
	}
	require.Less(t, shared, 8)

	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		token, err := newSessionToken()
		require.NoError(t, err)
		_, dup := seen[token]
		require.False(t, dup)
		seen[token] = struct{}{}
	}
}
