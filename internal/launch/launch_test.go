package launch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResolvesExplicitSubprocessBackend(t *testing.T) {
	l, err := New("subprocess", "")
	require.NoError(t, err)
	require.NotNil(t, l)
}

func TestNewFailsClosedOnUnknownExplicitBackend(t *testing.T) {
	_, err := New("nonexistent-backend", "")
	assert.Error(t, err)
}

func TestAutoFallsBackToSubprocessWhenContainerUnavailable(t *testing.T) {
	l, err := New("auto", "")
	require.NoError(t, err)
	require.NotNil(t, l)
}

func TestSubprocessSpawnWaitReadyStop(t *testing.T) {
	l := NewSubprocessLauncher()
	ctx := context.Background()

	h, err := l.Spawn(ctx, Spec{WorkerID: "w0", WorkDir: t.TempDir(), Command: []string{"sleep", "2"}})
	require.NoError(t, err)

	require.NoError(t, l.WaitReady(ctx, h, time.Second))
	assert.True(t, l.IsAlive(h))

	require.NoError(t, l.Stop(ctx, h))
	require.NoError(t, l.Cleanup(h))
}
