// Package runflag implements the file-based liveness and stop
// signaling contract between the orchestrator, the watchdog, and
// operator tooling. Two marker files live in the flags directory:
//
//   - running: touched every watchdog tick while the pipeline runs.
//   - stop: created to request a permanent stop; its presence also
//     marks an orderly (non-restartable) shutdown.
//
// The pipeline is considered running iff the running marker exists, is
// newer than any stop marker, and was touched within two watchdog
// ticks. The staleness window tolerates one missed tick under load
// while still detecting a dead process quickly.
package runflag

import (
	"os"
	"path/filepath"
	"time"

	"github.com/edgehive/edgehive/pkg/errors"
)

const (
	runningMarker = "edgehive-running"
	stopMarker    = "edgehive-stop"
)

// Flags operates on the marker files in one directory.
type Flags struct {
	dir          string
	watchdogTick time.Duration
}

// New creates a Flags over dir using the given watchdog tick for
// staleness decisions.
func New(dir string, watchdogTick time.Duration) *Flags {
	return &Flags{dir: dir, watchdogTick: watchdogTick}
}

func (f *Flags) runningPath() string { return filepath.Join(f.dir, runningMarker) }
func (f *Flags) stopPath() string    { return filepath.Join(f.dir, stopMarker) }

// Touch creates or freshens the running marker.
func (f *Flags) Touch() error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "create flags dir "+f.dir)
	}
	now := time.Now()
	if err := os.Chtimes(f.runningPath(), now, now); err == nil {
		return nil
	}
	file, err := os.Create(f.runningPath())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "create running marker")
	}
	return file.Close()
}

// ClearRunning removes the running marker.
func (f *Flags) ClearRunning() error {
	err := os.Remove(f.runningPath())
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrorTypeFile, "remove running marker")
	}
	return nil
}

// RequestStop creates the stop marker. The watchdog observes it within
// one tick and shuts the pipeline down without restart.
func (f *Flags) RequestStop() error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "create flags dir "+f.dir)
	}
	file, err := os.Create(f.stopPath())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "create stop marker")
	}
	return file.Close()
}

// ClearStop removes the stop marker, allowing a fresh start.
func (f *Flags) ClearStop() error {
	err := os.Remove(f.stopPath())
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrorTypeFile, "remove stop marker")
	}
	return nil
}

// StopRequested reports whether the stop marker exists.
func (f *Flags) StopRequested() bool {
	_, err := os.Stat(f.stopPath())
	return err == nil
}

// RunningCleared reports whether the running marker is absent, the
// external signal for "restart the pipeline" while the watchdog is
// alive.
func (f *Flags) RunningCleared() bool {
	_, err := os.Stat(f.runningPath())
	return os.IsNotExist(err)
}

// IsRunning reports whether a live pipeline owns this flags directory:
// the running marker exists, postdates any stop marker, and was touched
// within two watchdog ticks.
func (f *Flags) IsRunning() bool {
	info, err := os.Stat(f.runningPath())
	if err != nil {
		return false
	}
	if stopInfo, err := os.Stat(f.stopPath()); err == nil {
		if !info.ModTime().After(stopInfo.ModTime()) {
			return false
		}
	}
	return time.Since(info.ModTime()) <= 2*f.watchdogTick
}
