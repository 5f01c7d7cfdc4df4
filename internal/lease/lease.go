// Package lease implements the on-disk session lease that lets a new
// invocation detect and clean up a PTY session left behind by a
// previous, now-dead invocation.
//
// A lease records the owner process and the wrapped child, each as a
// pid plus start-time fingerprint. Identity is always checked as the
// pair: a recycled pid never matches a recorded fingerprint, so a live
// owner's lease cannot be stolen and a dead owner's lease cannot hide
// behind a reused pid.
package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/jguida941/voiceterm-sub000/internal/procgroup"
)

const recordVersion = 1

// Record is the versioned on-disk lease format. Readers that find an
// unknown version or unparseable content treat the lease as absent.
type Record struct {
	Version          int       `json:"version"`
	SessionKey       string    `json:"session_key"`
	OwnerPID         int       `json:"owner_pid"`
	OwnerFingerprint uint64    `json:"owner_fingerprint"`
	ChildPID         int       `json:"child_pid"`
	ChildFingerprint uint64    `json:"child_fingerprint"`
	LastCleanup      time.Time `json:"last_cleanup"`
}

// CleanupOutcome reports what a sweep did.
type CleanupOutcome int

const (
	// OutcomeNoLease means no lease (or only a corrupt one) existed.
	OutcomeNoLease CleanupOutcome = iota
	// OutcomeOwnerAlive means another instance legitimately holds the
	// lease; nothing was touched.
	OutcomeOwnerAlive
	// OutcomeReaped means an abandoned session was cleaned up and its
	// lease removed.
	OutcomeReaped
	// OutcomeSkipped means the sweep ran inside the minimum interval
	// and did no work.
	OutcomeSkipped
	// OutcomeIndeterminate means liveness could not be decided
	// conclusively; nothing was reaped.
	OutcomeIndeterminate
	// OutcomeCleared means the lease was stale but its child was
	// already gone; only the record was removed, nothing was signaled.
	OutcomeCleared
)

func (o CleanupOutcome) String() string {
	switch o {
	case OutcomeNoLease:
		return "no-lease"
	case OutcomeOwnerAlive:
		return "owner-alive"
	case OutcomeReaped:
		return "reaped"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeIndeterminate:
		return "indeterminate"
	case OutcomeCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

const (
	defaultMinSweepInterval = 10 * time.Second
	defaultReapTimeout      = 3 * time.Second
)

// Sweep throttling is deliberately process-wide, not per Guard: rapid
// restart loops must not re-scan the process table on every startup.
var (
	sweepMu   sync.Mutex
	lastSweep time.Time
)

func resetSweepThrottle() {
	sweepMu.Lock()
	lastSweep = time.Time{}
	sweepMu.Unlock()
}

// Guard manages lease records under a state directory.
type Guard struct {
	dir              string
	minSweepInterval time.Duration
	reapTimeout      time.Duration
	reapUnverified   bool
}

// NewGuard creates a Guard rooted at dir, creating it if needed.
func NewGuard(dir string, minSweepInterval, reapTimeout time.Duration) (*Guard, error) {
	if dir == "" {
		return nil, errors.New("lease: state dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("lease: create state dir %q: %w", dir, err)
	}
	if minSweepInterval <= 0 {
		minSweepInterval = defaultMinSweepInterval
	}
	if reapTimeout <= 0 {
		reapTimeout = defaultReapTimeout
	}
	return &Guard{dir: dir, minSweepInterval: minSweepInterval, reapTimeout: reapTimeout}, nil
}

// SetReapUnverified switches the sweep from the default conservative
// policy to also reaping a recorded child whose identity cannot be
// verified. Off unless the operator explicitly opts in.
func (g *Guard) SetReapUnverified(v bool) { g.reapUnverified = v }

// Path returns the lease file path for a session key. Keys are folded
// through a name-based UUID so arbitrary key strings map to safe,
// stable file names.
func (g *Guard) Path(key string) string {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(key))
	return filepath.Join(g.dir, id.String()+".lease")
}

// SweepStale reads any existing lease for key and, when both the
// recorded owner and its session are provably dead, reaps the child's
// process group and removes the lease. A live owner leaves the lease
// untouched; anything inconclusive reaps nothing.
func (g *Guard) SweepStale(key string) CleanupOutcome {
	sweepMu.Lock()
	if !lastSweep.IsZero() && time.Since(lastSweep) < g.minSweepInterval {
		sweepMu.Unlock()
		return OutcomeSkipped
	}
	lastSweep = time.Now()
	sweepMu.Unlock()

	path := g.Path(key)
	rec, err := readRecord(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return OutcomeNoLease
		}
		// Corrupt or unreadable: treat as absent, clear the debris.
		slog.Warn("lease: unreadable record treated as absent", "path", path, "error", err)
		_ = os.Remove(path)
		return OutcomeNoLease
	}

	if rec.OwnerPID > 0 && rec.OwnerFingerprint == 0 {
		// No fingerprint recorded; a bare pid match proves nothing.
		if procgroup.Alive(rec.OwnerPID, 0) {
			return OutcomeIndeterminate
		}
	} else if procgroup.Alive(rec.OwnerPID, rec.OwnerFingerprint) {
		return OutcomeOwnerAlive
	}

	// Owner is dead. Deal with the recorded child.
	if rec.ChildPID > 0 && procgroup.Alive(rec.ChildPID, rec.ChildFingerprint) {
		if rec.ChildFingerprint == 0 && !g.reapUnverified {
			// Live pid, unknown identity: killing it risks an unrelated
			// process. Leave the lease for a later retry.
			return OutcomeIndeterminate
		}
		slog.Info("lease: reaping abandoned session",
			"key", key, "owner_pid", rec.OwnerPID, "child_pid", rec.ChildPID)
		if err := procgroup.SignalGroup(rec.ChildPID, unix.SIGTERM); err != nil {
			slog.Warn("lease: signal abandoned group", "pid", rec.ChildPID, "error", err)
		}
		if procgroup.ReapGroup(rec.ChildPID, g.reapTimeout) == procgroup.OutcomeTimedOut {
			slog.Warn("lease: abandoned group survived reap deadline", "pid", rec.ChildPID)
		}
		_ = os.Remove(path)
		return OutcomeReaped
	}

	// Nothing left to signal; the record itself was the only debris.
	_ = os.Remove(path)
	return OutcomeCleared
}

// Acquire writes a lease for the current process and the given child,
// unconditionally overwriting any prior record. The startup sequence
// runs SweepStale before Acquire, so a prior record is either already
// cleaned up or belonged to us.
func (g *Guard) Acquire(key string, childPID int, childFingerprint uint64) (*Lease, error) {
	ownerPID := os.Getpid()
	ownerFingerprint, err := procgroup.StartTime(ownerPID)
	if err != nil {
		slog.Warn("lease: owner fingerprint unavailable", "error", err)
		ownerFingerprint = 0
	}

	rec := Record{
		Version:          recordVersion,
		SessionKey:       key,
		OwnerPID:         ownerPID,
		OwnerFingerprint: ownerFingerprint,
		ChildPID:         childPID,
		ChildFingerprint: childFingerprint,
		LastCleanup:      time.Now().UTC(),
	}

	path := g.Path(key)
	if err := writeRecord(path, rec); err != nil {
		return nil, err
	}
	return &Lease{guard: g, path: path, record: rec}, nil
}

// Lease is a held lease. Release removes the record if it still belongs
// to this owner.
type Lease struct {
	guard       *Guard
	path        string
	record      Record
	releaseOnce sync.Once
}

// Record returns a copy of the on-disk record this lease wrote.
func (l *Lease) Record() Record { return l.record }

// Release removes the lease file. It is idempotent and never removes a
// record written by a different owner.
func (l *Lease) Release() {
	l.releaseOnce.Do(func() {
		current, err := readRecord(l.path)
		if err != nil {
			return
		}
		if current.OwnerPID != l.record.OwnerPID || current.OwnerFingerprint != l.record.OwnerFingerprint {
			return
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("lease: release", "path", l.path, "error", err)
		}
	})
}

func readRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("lease: parse record: %w", err)
	}
	if rec.Version != recordVersion {
		return Record{}, fmt.Errorf("lease: unknown record version %d", rec.Version)
	}
	return rec, nil
}

// writeRecord writes atomically via tmp+rename so a crashed writer
// never leaves a half-written lease.
func writeRecord(path string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("lease: encode record: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("lease: write record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("lease: commit record: %w", err)
	}
	return nil
}
