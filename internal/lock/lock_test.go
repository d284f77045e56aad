package lock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestTryAcquireFailsWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.lock")

	l1, err := Acquire(path)
	require.NoError(t, err)
	defer l1.Release()

	l2, ok, err := TryAcquire(path)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, l2)
}
