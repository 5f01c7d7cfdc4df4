// Package loop is the single-consumer event loop at the center of the
// overlay. All PTY writes, resizes, and state mutations happen on the
// loop goroutine; producers only ever send events into bounded
// channels, and readers only ever see published snapshots.
package loop

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jguida941/voiceterm-sub000/internal/event"
	"github.com/jguida941/voiceterm-sub000/internal/parser"
	"github.com/jguida941/voiceterm-sub000/internal/pty"
)

// Session is the slice of the PTY session the loop drives.
type Session interface {
	Write(p []byte) (int, error)
	Resize(rows, cols uint16) error
	IsAlive() bool
	Close() error
}

// Names of the independently gated periodic concerns.
const (
	taskLiveness   = "liveness"
	taskSweepRetry = "sweep-retry"
)

// Config carries the loop's collaborators and tuning knobs. Zero
// durations fall back to defaults.
type Config struct {
	Session Session
	// Output receives forwarded PTY output, normally the real stdout.
	Output io.Writer

	Rows uint16
	Cols uint16

	// EchoSuppressWindow bounds how long injected-transcript echo is
	// swallowed before output flows again no matter what.
	EchoSuppressWindow time.Duration
	TickInterval       time.Duration
	// JoinTimeout bounds how long shutdown waits for each producer.
	JoinTimeout      time.Duration
	LivenessInterval time.Duration
	// SweepRetryInterval gates how often SweepRetry is invoked.
	SweepRetryInterval time.Duration

	// QuitSequence in the input stream requests shutdown instead of
	// being forwarded. ModeToggleSequence flips the overlay mode.
	QuitSequence       []byte
	ModeToggleSequence []byte

	// FrameTranscript converts transcript text to the bytes injected
	// into the PTY (typically appending a carriage return).
	FrameTranscript func(text string) []byte

	// OnTranscript is called after a transcript is injected, e.g. to
	// record it in the session history.
	OnTranscript func(text string, at time.Time)
	// SweepRetry re-attempts deferred cleanup work, e.g. a lease sweep
	// that earlier came back indeterminate.
	SweepRetry func()

	Log *slog.Logger
}

// Core owns the loop state and the channels producers feed.
type Core struct {
	cfg Config
	log *slog.Logger

	outputs *event.Ring[event.Event]
	inputs  chan event.Event
	voices  chan event.Event
	control chan event.Event

	producers []producer
	stop      chan struct{}

	st   *state
	tail *outputTail
	snap atomic.Pointer[Snapshot]
}

type producer struct {
	name string
	run  func(stop <-chan struct{})
}

// New builds a Core. Config.Session and Config.Output are required.
func New(cfg Config) (*Core, error) {
	if cfg.Session == nil {
		return nil, errors.New("loop: nil session")
	}
	if cfg.Output == nil {
		return nil, errors.New("loop: nil output writer")
	}
	if cfg.EchoSuppressWindow <= 0 {
		cfg.EchoSuppressWindow = 200 * time.Millisecond
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 2 * time.Second
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = 2 * time.Second
	}
	if cfg.SweepRetryInterval <= 0 {
		cfg.SweepRetryInterval = 30 * time.Second
	}
	if cfg.FrameTranscript == nil {
		cfg.FrameTranscript = func(text string) []byte { return []byte(text + "\r") }
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	c := &Core{
		cfg:     cfg,
		log:     cfg.Log,
		outputs: event.NewRing[event.Event](512),
		inputs:  make(chan event.Event, 256),
		voices:  make(chan event.Event, 64),
		control: make(chan event.Event, 16),
		stop:    make(chan struct{}),
		st:      newState(cfg.Rows, cfg.Cols),
		tail:    newOutputTail(8192),
	}
	c.publish()
	return c, nil
}

// Outputs is the drop-oldest ring PTY readers send into. Stale chunks
// are discarded under backpressure; keystrokes and transcripts never
// are.
func (c *Core) Outputs() *event.Ring[event.Event] { return c.outputs }

// Inputs receives user keystroke events.
func (c *Core) Inputs() chan<- event.Event { return c.inputs }

// Voices receives transcript events.
func (c *Core) Voices() chan<- event.Event { return c.voices }

// Control receives resize and shutdown events, e.g. translated signals.
func (c *Core) Control() chan<- event.Event { return c.control }

// Stop is closed when the loop begins shutting down. Producers should
// select on it.
func (c *Core) Stop() <-chan struct{} { return c.stop }

// AddProducer registers a goroutine the loop starts on Run and joins,
// with a bounded wait, on shutdown. Must be called before Run.
func (c *Core) AddProducer(name string, run func(stop <-chan struct{})) {
	c.producers = append(c.producers, producer{name: name, run: run})
}

// Snapshot returns the most recently published loop state. Safe to call
// from any goroutine.
func (c *Core) Snapshot() Snapshot {
	return *c.snap.Load()
}

// Run drives the loop until shutdown, then tears everything down:
// producers are signalled and joined with a bounded wait, and the
// session is closed. Returns the shutdown reason.
func (c *Core) Run(ctx context.Context) (string, error) {
	done := make([]chan struct{}, len(c.producers))
	for i, p := range c.producers {
		ch := make(chan struct{})
		done[i] = ch
		go func(p producer, ch chan struct{}) {
			defer close(ch)
			p.run(c.stop)
		}(p, ch)
	}

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	outputC := c.outputs.C()
	for !c.st.shutdown {
		select {
		case ev, ok := <-outputC:
			if !ok {
				// The PTY reader closed the ring: the child side is gone.
				outputC = nil
				c.beginShutdown("output-closed")
				continue
			}
			c.handleOutput(ev)
		case ev := <-c.inputs:
			c.handleInput(ev)
		case ev := <-c.voices:
			c.handleTranscript(ev)
		case ev := <-c.control:
			c.handleControl(ev)
		case now := <-ticker.C:
			c.handleTick(now)
		case <-ctx.Done():
			c.beginShutdown("context-canceled")
		}
		c.publish()
	}

	c.teardown(done)
	c.publish()
	return c.st.shutdownReason, nil
}

// beginShutdown sets the monotonic shutdown flag. Later requests never
// clear or change it.
func (c *Core) beginShutdown(reason string) {
	if c.st.shutdown {
		return
	}
	c.st.shutdown = true
	c.st.shutdownReason = reason
	c.log.Info("shutting down", "reason", reason)
}

func (c *Core) handleOutput(ev event.Event) {
	now := time.Now()
	if c.st.suppressing(now) {
		if rest, ok := consumeEcho(c.st.suppressEcho, ev.Data); ok {
			c.st.suppressEcho = rest
			if len(rest) == 0 {
				c.st.clearSuppression()
			}
			return
		}
		// Genuinely new output: stop suppressing and let it through.
		c.st.clearSuppression()
	} else if !c.st.suppressUntil.IsZero() {
		c.st.clearSuppression()
	}

	c.tail.Write(ev.Data)
	c.st.promptReady = parser.PromptReady(string(c.tail.Bytes()))
	if _, err := c.cfg.Output.Write(ev.Data); err != nil {
		c.log.Warn("stdout write failed", "error", err)
	}
}

func (c *Core) handleInput(ev event.Event) {
	if c.st.shutdown {
		return
	}
	if len(c.cfg.QuitSequence) > 0 && bytes.Contains(ev.Data, c.cfg.QuitSequence) {
		c.beginShutdown("user-quit")
		return
	}
	if len(c.cfg.ModeToggleSequence) > 0 && bytes.Contains(ev.Data, c.cfg.ModeToggleSequence) {
		if c.st.mode == ModePassthrough {
			c.st.mode = ModeVoice
		} else {
			c.st.mode = ModePassthrough
		}
		return
	}
	c.writePTY(ev.Data)
}

func (c *Core) handleTranscript(ev event.Event) {
	if c.st.shutdown {
		return
	}
	framed := c.cfg.FrameTranscript(ev.Text)
	if len(framed) == 0 {
		return
	}
	c.st.suppressUntil = time.Now().Add(c.cfg.EchoSuppressWindow)
	c.st.suppressEcho = framed
	c.writePTY(framed)
	if c.cfg.OnTranscript != nil {
		c.cfg.OnTranscript(ev.Text, ev.At)
	}
}

func (c *Core) handleControl(ev event.Event) {
	switch ev.Type {
	case event.TypeShutdown:
		c.beginShutdown("shutdown-requested")
	case event.TypeResize:
		c.st.rows = ev.Rows
		c.st.cols = ev.Cols
		if err := c.cfg.Session.Resize(ev.Rows, ev.Cols); err != nil {
			c.log.Warn("resize failed", "rows", ev.Rows, "cols", ev.Cols, "error", err)
		}
	default:
		c.log.Warn("unexpected control event", "type", ev.Type)
	}
}

func (c *Core) handleTick(now time.Time) {
	if !c.st.suppressing(now) && c.st.suppressEcho != nil {
		c.st.clearSuppression()
	}
	if len(c.st.pendingWrite) > 0 {
		data := c.st.pendingWrite
		c.st.pendingWrite = nil
		c.writePTY(data)
	}
	if c.st.due(taskLiveness, c.cfg.LivenessInterval, now) {
		alive := c.cfg.Session.IsAlive()
		c.st.childAlive = alive
		if !alive {
			c.beginShutdown("child-exited")
		}
	}
	if c.cfg.SweepRetry != nil && c.st.due(taskSweepRetry, c.cfg.SweepRetryInterval, now) {
		c.cfg.SweepRetry()
	}
}

// writePTY writes to the session, parking unaccepted bytes for a tick
// retry when the kernel buffer is full. While bytes are parked, new
// writes queue behind them so the child sees every byte exactly once,
// in order.
func (c *Core) writePTY(data []byte) {
	if c.st.shutdown {
		return
	}
	if len(c.st.pendingWrite) > 0 {
		c.st.pendingWrite = append(c.st.pendingWrite, data...)
		return
	}
	n, err := c.cfg.Session.Write(data)
	if err == nil {
		return
	}
	if errors.Is(err, pty.ErrWouldBlock) {
		// A deadline-bounded write may be partial; only the remainder
		// is still owed.
		c.st.pendingWrite = append(c.st.pendingWrite, data[n:]...)
		c.log.Debug("pty write would block, parked", "bytes", len(data)-n)
		return
	}
	c.log.Warn("pty write failed", "error", err)
	if !c.cfg.Session.IsAlive() {
		c.st.childAlive = false
		c.beginShutdown("child-exited")
	}
}

// teardown stops producers, joins each with a bounded wait, and closes
// the session. A hung producer is abandoned after the join timeout so
// exit latency stays bounded.
func (c *Core) teardown(done []chan struct{}) {
	close(c.stop)
	for i, ch := range done {
		select {
		case <-ch:
		case <-time.After(c.cfg.JoinTimeout):
			c.log.Warn("producer did not stop in time, abandoning",
				"producer", c.producers[i].name, "timeout", c.cfg.JoinTimeout)
		}
	}
	if err := c.cfg.Session.Close(); err != nil {
		c.log.Warn("session close failed", "error", err)
	}
	c.st.childAlive = false
}

func (c *Core) publish() {
	snap := &Snapshot{
		Mode:            c.st.mode,
		Rows:            c.st.rows,
		Cols:            c.st.cols,
		SuppressingEcho: c.st.suppressing(time.Now()),
		ShuttingDown:    c.st.shutdown,
		ShutdownReason:  c.st.shutdownReason,
		ChildAlive:      c.st.childAlive,
		PromptReady:     c.st.promptReady,
		OutputTail:      string(c.tail.Bytes()),
		DroppedOutput:   c.outputs.Dropped(),
	}
	c.snap.Store(snap)
}

// consumeEcho checks whether chunk is the next run of expected echo
// bytes. It returns the expectation that remains after chunk.
func consumeEcho(expected, chunk []byte) ([]byte, bool) {
	if len(chunk) > len(expected) {
		return nil, false
	}
	if !bytes.HasPrefix(expected, chunk) {
		return nil, false
	}
	return expected[len(chunk):], true
}

// ReadPTY is the canonical PTY output producer: it reads from r and
// sends chunks into the ring until EOF, error, or stop, then closes the
// ring so the loop learns the child side is gone.
func ReadPTY(r io.Reader, ring *event.Ring[event.Event], stop <-chan struct{}) {
	defer ring.Close()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			ring.Send(event.Output(buf[:n]))
		}
		if err != nil {
			return
		}
		select {
		case <-stop:
			return
		default:
		}
	}
}
