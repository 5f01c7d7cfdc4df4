// Package procgroup provides primitives to signal and reap a process and
// its descendants as a single unit.
//
// All operations address the process group rooted at a pid, so sub-shells
// and grandchildren spawned by a wrapped program are included. A process
// that disappears mid-operation is an expected race, never an error.
package procgroup

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// Outcome reports how a reap attempt ended.
type Outcome int

const (
	// OutcomeExited means the whole group is gone.
	OutcomeExited Outcome = iota
	// OutcomeTimedOut means members of the group survived the deadline.
	OutcomeTimedOut
	// OutcomeNotFound means the group was already gone before the first
	// signal. Callers treat this as success.
	OutcomeNotFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExited:
		return "exited"
	case OutcomeTimedOut:
		return "timed-out"
	case OutcomeNotFound:
		return "not-found"
	default:
		return "unknown"
	}
}

// ErrNoFingerprint is returned on platforms without a readable process
// start time. Callers degrade to signal-probe liveness and sweeps refuse
// to reap.
var ErrNoFingerprint = errors.New("procgroup: start-time fingerprint unavailable on this platform")

const reapPollInterval = 50 * time.Millisecond

// SignalGroup delivers sig to the process group rooted at pid. A group
// that no longer exists is not an error.
func SignalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return errors.New("procgroup: invalid pid")
	}
	err := unix.Kill(-pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// ReapGroup waits up to timeout for the process group rooted at pid to
// exit. If the group is still running halfway through the window it is
// escalated with SIGKILL. The caller is expected to have sent the polite
// signal (usually SIGTERM) via SignalGroup beforehand.
func ReapGroup(pid int, timeout time.Duration) Outcome {
	if pid <= 0 {
		return OutcomeNotFound
	}
	if !groupExists(pid) {
		return OutcomeNotFound
	}

	deadline := time.Now().Add(timeout)
	escalateAt := time.Now().Add(timeout / 2)
	escalated := false

	for time.Now().Before(deadline) {
		if !groupExists(pid) {
			return OutcomeExited
		}
		if !escalated && time.Now().After(escalateAt) {
			_ = unix.Kill(-pid, unix.SIGKILL)
			escalated = true
		}
		time.Sleep(reapPollInterval)
	}

	if !groupExists(pid) {
		return OutcomeExited
	}
	return OutcomeTimedOut
}

// Alive reports whether pid refers to the same process instance that
// produced the start-time fingerprint. A live pid whose fingerprint no
// longer matches was recycled by an unrelated process and counts as dead.
// A zero fingerprint means "unknown" and falls back to the signal probe
// alone.
func Alive(pid int, fingerprint uint64) bool {
	if pid <= 0 {
		return false
	}
	if !pidExists(pid) {
		return false
	}
	if fingerprint == 0 {
		return true
	}
	current, err := StartTime(pid)
	if err != nil {
		// Process vanished between the probe and the stat read.
		return false
	}
	return current == fingerprint
}

// pidExists probes a single process with the null signal. EPERM means the
// process exists but belongs to another user.
func pidExists(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// groupExists probes the whole process group with the null signal.
func groupExists(pid int) bool {
	err := unix.Kill(-pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
