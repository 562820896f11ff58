package process

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()

	dir := t.TempDir()
	return NewManager(dir, slog.New(slog.NewTextHandler(io.Discard, nil))), dir
}

func TestManager_PIDLifecycle(t *testing.T) {
	m, dir := newTestManager(t)

	assert.Equal(t, 0, m.ReadPID())
	assert.False(t, m.IsRunning())

	require.NoError(t, m.WritePID())
	assert.Equal(t, os.Getpid(), m.ReadPID())
	assert.True(t, m.IsRunning())

	m.CleanupPID()
	assert.NoFileExists(t, filepath.Join(dir, PIDFilename))
	assert.False(t, m.IsRunning())
}

func TestManager_StalePIDIsRemoved(t *testing.T) {
	m, dir := newTestManager(t)

	path := filepath.Join(dir, PIDFilename)
	// far above any default pid_max
	require.NoError(t, os.WriteFile(path, []byte("99999999"), 0o600))

	assert.False(t, m.IsRunning())
	assert.NoFileExists(t, path)
}

func TestManager_GarbagePID(t *testing.T) {
	m, dir := newTestManager(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, PIDFilename), []byte("not a pid"), 0o600))
	assert.Equal(t, 0, m.ReadPID())
	assert.NoError(t, m.Stop(time.Second))
}

func TestManager_References(t *testing.T) {
	m, _ := newTestManager(t)

	assert.Equal(t, 0, m.ReadRef())
	assert.Equal(t, 1, m.IncrementRef())
	assert.Equal(t, 2, m.IncrementRef())
	assert.Equal(t, 1, m.DecrementRef())
	assert.Equal(t, 0, m.DecrementRef())
	assert.Equal(t, 0, m.DecrementRef(), "never negative")

	m.IncrementRef()
	m.CleanupRef()
	assert.Equal(t, 0, m.ReadRef())
}

func TestManager_WaitForService(t *testing.T) {
	m, _ := newTestManager(t)

	calls := 0
	ready := func() bool {
		calls++
		return calls >= 2
	}

	assert.True(t, m.WaitForService(2*time.Second, ready))
	assert.False(t, m.WaitForService(150*time.Millisecond, func() bool { return false }))
}
