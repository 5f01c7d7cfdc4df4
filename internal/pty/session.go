// Package pty owns the pseudo-terminal master and the wrapped child
// process. One Session wraps exactly one child; teardown signals and
// reaps the child's whole process group.
package pty

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	creackpty "github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/jguida941/voiceterm-sub000/internal/procgroup"
)

var (
	// ErrWouldBlock is returned when a write could not complete within
	// the write deadline. The PTY buffer is full; the caller retries.
	ErrWouldBlock = errors.New("pty: write would block")
	// ErrClosed is returned for operations on a torn-down session.
	ErrClosed = errors.New("pty: session is closed")
)

// State tracks the session lifecycle. The only path that signals the
// process group is ShuttingDown -> Closed.
type State int

const (
	StateUnstarted State = iota
	StateRunning
	StateShuttingDown
	StateClosed
)

const (
	defaultReapTimeout  = 3 * time.Second
	defaultWriteTimeout = 500 * time.Millisecond
)

// Config describes the child to spawn.
type Config struct {
	Argv []string
	Dir  string
	Env  []string
	Rows uint16
	Cols uint16

	// ReapTimeout bounds how long teardown waits for the process group.
	ReapTimeout time.Duration
	// WriteTimeout bounds a single master-side write.
	WriteTimeout time.Duration
}

// Session wraps a child process running inside a PTY.
type Session struct {
	cmd    *exec.Cmd
	ptmx   *os.File // master handle, written from the loop side only
	reader *os.File // dup of the master, read by the reader goroutine

	childPID         int
	childFingerprint uint64

	reapTimeout  time.Duration
	writeTimeout time.Duration

	mu    sync.Mutex
	rows  uint16
	cols  uint16
	state State

	exitOnce sync.Once
	exited   chan struct{}

	closeOnce sync.Once
}

// Start allocates a PTY pair, spawns cfg.Argv attached to it with the
// child leading a fresh session (and therefore its own process group),
// and records the child's pid plus start-time fingerprint.
func Start(cfg Config) (*Session, error) {
	if len(cfg.Argv) == 0 {
		return nil, errors.New("pty: argv must not be empty")
	}
	rows, cols := cfg.Rows, cfg.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	cmd := exec.Command(cfg.Argv[0], cfg.Argv[1:]...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}

	// Every field set explicitly; the winsize struct layout is not ours
	// to assume.
	ws := &creackpty.Winsize{Rows: rows, Cols: cols, X: 0, Y: 0}
	ptmx, err := creackpty.StartWithSize(cmd, ws)
	if err != nil {
		return nil, fmt.Errorf("pty: spawn %q: %w", cfg.Argv[0], err)
	}

	reader, err := dupFile(ptmx)
	if err != nil {
		_ = ptmx.Close()
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("pty: dup master: %w", err)
	}

	pid := cmd.Process.Pid
	fingerprint, err := procgroup.StartTime(pid)
	if err != nil {
		// Unknown fingerprint degrades liveness checks to the signal
		// probe; it does not block startup.
		slog.Warn("pty: start-time fingerprint unavailable", "pid", pid, "error", err)
		fingerprint = 0
	}

	s := &Session{
		cmd:              cmd,
		ptmx:             ptmx,
		reader:           reader,
		childPID:         pid,
		childFingerprint: fingerprint,
		reapTimeout:      cfg.ReapTimeout,
		writeTimeout:     cfg.WriteTimeout,
		rows:             rows,
		cols:             cols,
		state:            StateRunning,
		exited:           make(chan struct{}),
	}
	if s.reapTimeout <= 0 {
		s.reapTimeout = defaultReapTimeout
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = defaultWriteTimeout
	}

	go s.waitExit()
	return s, nil
}

// waitExit reaps the direct child so its pid slot is released; any
// surviving descendants are re-parented and become ReapGroup's problem.
func (s *Session) waitExit() {
	_ = s.cmd.Wait()
	s.exitOnce.Do(func() { close(s.exited) })
}

// Reader returns the duplicated master handle dedicated to the reader
// goroutine. The original master is never read concurrently.
func (s *Session) Reader() *os.File { return s.reader }

// ChildPID returns the pid of the direct child.
func (s *Session) ChildPID() int { return s.childPID }

// ChildFingerprint returns the child's start-time fingerprint, or zero
// when the platform could not provide one.
func (s *Session) ChildFingerprint() uint64 { return s.childFingerprint }

// Exited is closed once the direct child has been reaped.
func (s *Session) Exited() <-chan struct{} { return s.exited }

// Size returns the current terminal dimensions.
func (s *Session) Size() (rows, cols uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Write sends bytes to the master side. The write is bounded by the
// session write deadline; a full PTY buffer surfaces as ErrWouldBlock
// instead of stalling the caller.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	s.mu.Unlock()

	if err := s.ptmx.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return 0, fmt.Errorf("pty: set write deadline: %w", err)
	}
	n, err := s.ptmx.Write(p)
	_ = s.ptmx.SetWriteDeadline(time.Time{})
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return n, ErrWouldBlock
		}
		return n, fmt.Errorf("pty: write: %w", err)
	}
	return n, nil
}

// Resize updates the kernel-level window size. The kernel delivers
// SIGWINCH to the child's foreground process group on the ioctl.
func (s *Session) Resize(rows, cols uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return ErrClosed
	}

	ws := &unix.Winsize{Row: rows, Col: cols, Xpixel: 0, Ypixel: 0}
	if err := unix.IoctlSetWinsize(int(s.ptmx.Fd()), unix.TIOCSWINSZ, ws); err != nil {
		return fmt.Errorf("pty: resize to %dx%d: %w", rows, cols, err)
	}
	s.rows = rows
	s.cols = cols
	return nil
}

// IsAlive reports whether the recorded child instance is still running.
// A live pid with a different start-time fingerprint was recycled by an
// unrelated process and counts as dead.
func (s *Session) IsAlive() bool {
	select {
	case <-s.exited:
		return false
	default:
	}
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateRunning {
		return false
	}
	return procgroup.Alive(s.childPID, s.childFingerprint)
}

// Close tears the session down: SIGTERM to the process group, a bounded
// reap (escalating to SIGKILL), then the master handles are closed. It
// is idempotent; calling it on an already-closed session is a no-op.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateShuttingDown
		s.mu.Unlock()

		if sigErr := procgroup.SignalGroup(s.childPID, unix.SIGTERM); sigErr != nil {
			slog.Warn("pty: signal process group", "pid", s.childPID, "error", sigErr)
		}
		switch procgroup.ReapGroup(s.childPID, s.reapTimeout) {
		case procgroup.OutcomeTimedOut:
			// Not fatal: the process still exits, the leftover group is
			// the lease sweep's problem on the next startup.
			slog.Warn("pty: process group did not exit before deadline", "pid", s.childPID)
		case procgroup.OutcomeExited, procgroup.OutcomeNotFound:
		}

		if s.reader != nil {
			_ = s.reader.Close()
		}
		err = s.ptmx.Close()

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
	})
	return err
}

// dupFile duplicates an open file descriptor into an independent
// *os.File so reads and writes never share one handle object.
func dupFile(f *os.File) (*os.File, error) {
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), f.Name()), nil
}
