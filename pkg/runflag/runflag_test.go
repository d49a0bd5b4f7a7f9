package runflag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTouchAndIsRunning(t *testing.T) {
	f := New(t.TempDir(), time.Hour)
	assert.False(t, f.IsRunning())
	require.NoError(t, f.Touch())
	assert.True(t, f.IsRunning())
	assert.False(t, f.RunningCleared())
}

func TestStaleRunningMarker(t *testing.T) {
	f := New(t.TempDir(), 50*time.Millisecond)
	require.NoError(t, f.Touch())
	assert.True(t, f.IsRunning())
	// Older than two watchdog ticks means dead.
	time.Sleep(150 * time.Millisecond)
	assert.False(t, f.IsRunning())
	// A fresh touch revives it.
	require.NoError(t, f.Touch())
	assert.True(t, f.IsRunning())
}

func TestStopMarkerOrdering(t *testing.T) {
	f := New(t.TempDir(), time.Hour)
	require.NoError(t, f.Touch())
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, f.RequestStop())
	assert.True(t, f.StopRequested())
	// Stop marker newer than running marker: not running.
	assert.False(t, f.IsRunning())

	// A running marker touched after the stop marker wins again.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.Touch())
	assert.True(t, f.IsRunning())

	require.NoError(t, f.ClearStop())
	assert.False(t, f.StopRequested())
}

func TestClearRunningSignalsRestart(t *testing.T) {
	f := New(t.TempDir(), time.Hour)
	require.NoError(t, f.Touch())
	assert.False(t, f.RunningCleared())
	require.NoError(t, f.ClearRunning())
	assert.True(t, f.RunningCleared())
	assert.False(t, f.IsRunning())
	// Clearing twice is fine.
	assert.NoError(t, f.ClearRunning())
}
