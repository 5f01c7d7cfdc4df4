package loop

import (
	"time"

	"github.com/smallnest/ringbuffer"
)

// Mode is the overlay display mode exposed to the renderer.
type Mode string

const (
	// ModePassthrough renders the wrapped program as-is.
	ModePassthrough Mode = "passthrough"
	// ModeVoice shows the voice-capture overlay.
	ModeVoice Mode = "voice"
)

// state is the loop's single-threaded mutable state. It is owned
// exclusively by the loop goroutine; everything other goroutines may
// see goes through the published Snapshot.
type state struct {
	rows uint16
	cols uint16
	mode Mode

	// Echo suppression: output matching the injected bytes is swallowed
	// until the deadline passes or genuinely new output shows up.
	suppressUntil time.Time
	suppressEcho  []byte

	// shutdown is monotonic: once true it never resets, and no further
	// PTY writes are admitted.
	shutdown       bool
	shutdownReason string

	promptReady bool
	childAlive  bool

	// pendingWrite holds bytes that hit a would-block write, retried on
	// the next tick.
	pendingWrite []byte

	// lastRun gates each periodic concern independently so one slow
	// concern cannot starve the others.
	lastRun map[string]time.Time
}

func newState(rows, cols uint16) *state {
	return &state{
		rows:       rows,
		cols:       cols,
		mode:       ModePassthrough,
		childAlive: true,
		lastRun:    make(map[string]time.Time),
	}
}

func (s *state) suppressing(now time.Time) bool {
	return !s.suppressUntil.IsZero() && now.Before(s.suppressUntil)
}

func (s *state) clearSuppression() {
	s.suppressUntil = time.Time{}
	s.suppressEcho = nil
}

// due reports whether the named periodic concern should run now, and
// stamps it if so.
func (s *state) due(name string, interval time.Duration, now time.Time) bool {
	last, ok := s.lastRun[name]
	if ok && now.Sub(last) < interval {
		return false
	}
	s.lastRun[name] = now
	return true
}

// Snapshot is the read path for the rendering/overlay subsystem. It is
// an immutable copy published by the loop after every dispatched event.
type Snapshot struct {
	Mode            Mode
	Rows            uint16
	Cols            uint16
	SuppressingEcho bool
	ShuttingDown    bool
	ShutdownReason  string
	ChildAlive      bool
	PromptReady     bool
	OutputTail      string
	DroppedOutput   int64
}

// outputTail keeps the last few kilobytes of PTY output for the status
// display, overwriting the oldest bytes when full.
type outputTail struct {
	rb  *ringbuffer.RingBuffer
	cap int
}

func newOutputTail(capacity int) *outputTail {
	return &outputTail{rb: ringbuffer.New(capacity), cap: capacity}
}

func (t *outputTail) Write(p []byte) {
	if len(p) >= t.cap {
		t.rb.Reset()
		p = p[len(p)-t.cap:]
	}
	if deficit := len(p) - t.rb.Free(); deficit > 0 {
		discard := make([]byte, deficit)
		_, _ = t.rb.Read(discard)
	}
	_, _ = t.rb.Write(p)
}

func (t *outputTail) Bytes() []byte {
	return t.rb.Bytes(nil)
}
