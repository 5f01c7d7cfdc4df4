package loop

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jguida941/voiceterm-sub000/internal/event"
	"github.com/jguida941/voiceterm-sub000/internal/pty"
)

type fakeSession struct {
	mu      sync.Mutex
	writes  [][]byte
	resizes [][2]uint16
	closes  int
	alive   bool
	// writeErrs are popped one per call; a non-nil entry fails the
	// whole write. shortWrites are popped one per call; entry k means
	// the call accepts only the first k bytes and then would-blocks.
	writeErrs   []error
	shortWrites []int
}

func newFakeSession() *fakeSession {
	return &fakeSession{alive: true}
}

func (f *fakeSession) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writeErrs) > 0 {
		err := f.writeErrs[0]
		f.writeErrs = f.writeErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	if len(f.shortWrites) > 0 {
		k := f.shortWrites[0]
		f.shortWrites = f.shortWrites[1:]
		if k > len(p) {
			k = len(p)
		}
		data := make([]byte, k)
		copy(data, p[:k])
		f.writes = append(f.writes, data)
		return k, pty.ErrWouldBlock
	}
	data := make([]byte, len(p))
	copy(data, p)
	f.writes = append(f.writes, data)
	return len(p), nil
}

func (f *fakeSession) Resize(rows, cols uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]uint16{rows, cols})
	return nil
}

func (f *fakeSession) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.alive = false
	return nil
}

func (f *fakeSession) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeSession) lastWrite() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return nil
	}
	return f.writes[len(f.writes)-1]
}

// syncWriter collects forwarded output.
type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func newTestCore(t *testing.T, cfg Config) (*Core, *fakeSession, *syncWriter) {
	t.Helper()
	fs := newFakeSession()
	out := &syncWriter{}
	if cfg.Session == nil {
		cfg.Session = fs
	}
	cfg.Output = out
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = 500 * time.Millisecond
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, fs, out
}

// runCore starts Run and returns a channel delivering the shutdown
// reason.
func runCore(c *Core) <-chan string {
	reasons := make(chan string, 1)
	go func() {
		reason, _ := c.Run(context.Background())
		reasons <- reason
	}()
	return reasons
}

func waitReason(t *testing.T, reasons <-chan string, want string) {
	t.Helper()
	select {
	case got := <-reasons:
		if got != want {
			t.Fatalf("shutdown reason = %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestResizePropagation(t *testing.T) {
	c, fs, _ := newTestCore(t, Config{Rows: 24, Cols: 80})
	reasons := runCore(c)

	c.Control() <- event.Resize(40, 120)
	waitFor(t, func() bool {
		snap := c.Snapshot()
		return snap.Rows == 40 && snap.Cols == 120
	}, "snapshot to reflect resize")

	c.Control() <- event.Shutdown()
	waitReason(t, reasons, "shutdown-requested")

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.resizes) != 1 {
		t.Fatalf("resize calls = %d, want 1", len(fs.resizes))
	}
	if fs.resizes[0] != [2]uint16{40, 120} {
		t.Fatalf("resize dims = %v, want [40 120]", fs.resizes[0])
	}
}

func TestShutdownIsMonotonic(t *testing.T) {
	c, fs, _ := newTestCore(t, Config{})
	c.beginShutdown("first")
	c.beginShutdown("second")
	if c.st.shutdownReason != "first" {
		t.Fatalf("reason = %q, want %q", c.st.shutdownReason, "first")
	}

	// No dispatch path may reach the PTY once the flag is set.
	c.handleInput(event.Input([]byte("ls\r")))
	c.handleTranscript(event.Transcript("hello", time.Time{}))
	c.writePTY([]byte("direct"))
	if n := fs.writeCount(); n != 0 {
		t.Fatalf("writes after shutdown = %d, want 0", n)
	}
}

func TestShutdownStopsDispatch(t *testing.T) {
	c, fs, _ := newTestCore(t, Config{})
	reasons := runCore(c)

	c.Control() <- event.Shutdown()
	waitReason(t, reasons, "shutdown-requested")

	// Events sent after the loop stopped must never produce writes.
	c.Inputs() <- event.Input([]byte("echo hi\r"))
	c.Voices() <- event.Transcript("do it", time.Time{})
	time.Sleep(50 * time.Millisecond)
	if n := fs.writeCount(); n != 0 {
		t.Fatalf("writes after shutdown = %d, want 0", n)
	}
	if fs.closes != 1 {
		t.Fatalf("session closes = %d, want 1", fs.closes)
	}
}

func TestBoundedProducerJoin(t *testing.T) {
	c, _, _ := newTestCore(t, Config{JoinTimeout: 200 * time.Millisecond})
	c.AddProducer("hung", func(stop <-chan struct{}) {
		select {} // never returns
	})
	reasons := runCore(c)

	start := time.Now()
	c.Control() <- event.Shutdown()
	waitReason(t, reasons, "shutdown-requested")
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("shutdown took %v despite the join timeout", elapsed)
	}
}

func TestInputForwardedToSession(t *testing.T) {
	c, fs, _ := newTestCore(t, Config{})
	reasons := runCore(c)

	c.Inputs() <- event.Input([]byte("ls\r"))
	waitFor(t, func() bool { return fs.writeCount() == 1 }, "input write")
	if got := string(fs.lastWrite()); got != "ls\r" {
		t.Fatalf("wrote %q, want %q", got, "ls\r")
	}

	c.Control() <- event.Shutdown()
	waitReason(t, reasons, "shutdown-requested")
}

func TestQuitSequence(t *testing.T) {
	c, fs, _ := newTestCore(t, Config{QuitSequence: []byte{0x1d}})
	reasons := runCore(c)

	c.Inputs() <- event.Input([]byte{0x1d})
	waitReason(t, reasons, "user-quit")
	if n := fs.writeCount(); n != 0 {
		t.Fatalf("quit sequence reached the pty, writes = %d", n)
	}
}

func TestModeToggle(t *testing.T) {
	c, fs, _ := newTestCore(t, Config{ModeToggleSequence: []byte{0x1f}})
	reasons := runCore(c)

	c.Inputs() <- event.Input([]byte{0x1f})
	waitFor(t, func() bool { return c.Snapshot().Mode == ModeVoice }, "mode toggle")

	c.Inputs() <- event.Input([]byte{0x1f})
	waitFor(t, func() bool { return c.Snapshot().Mode == ModePassthrough }, "mode toggle back")

	if n := fs.writeCount(); n != 0 {
		t.Fatalf("toggle sequence reached the pty, writes = %d", n)
	}
	c.Control() <- event.Shutdown()
	waitReason(t, reasons, "shutdown-requested")
}

func TestTranscriptInjectionAndEchoSuppression(t *testing.T) {
	var recorded []string
	c, fs, out := newTestCore(t, Config{
		EchoSuppressWindow: time.Second,
		OnTranscript: func(text string, at time.Time) {
			recorded = append(recorded, text)
		},
	})
	reasons := runCore(c)

	c.Voices() <- event.Transcript("open the file", time.Time{})
	waitFor(t, func() bool { return fs.writeCount() == 1 }, "transcript write")
	if got := string(fs.lastWrite()); got != "open the file\r" {
		t.Fatalf("injected %q, want %q", got, "open the file\r")
	}

	// The echoed bytes come back from the PTY and must be swallowed.
	c.Outputs().Send(event.Output([]byte("open the file\r")))
	// Genuinely new output clears suppression and flows through.
	c.Outputs().Send(event.Output([]byte("done\n")))
	waitFor(t, func() bool { return out.String() == "done\n" }, "post-echo output")

	c.Control() <- event.Shutdown()
	waitReason(t, reasons, "shutdown-requested")

	if len(recorded) != 1 || recorded[0] != "open the file" {
		t.Fatalf("recorded transcripts = %v", recorded)
	}
}

func TestEchoSuppressionExpires(t *testing.T) {
	c, fs, out := newTestCore(t, Config{EchoSuppressWindow: 30 * time.Millisecond})
	reasons := runCore(c)

	c.Voices() <- event.Transcript("hi", time.Time{})
	waitFor(t, func() bool { return fs.writeCount() == 1 }, "transcript write")

	// After the window the echo is stale enough that output must flow
	// again even if it matches the injected bytes.
	time.Sleep(60 * time.Millisecond)
	c.Outputs().Send(event.Output([]byte("hi\r")))
	waitFor(t, func() bool { return out.String() == "hi\r" }, "expired-suppression output")

	c.Control() <- event.Shutdown()
	waitReason(t, reasons, "shutdown-requested")
}

func TestOutputForwardedAndPromptReady(t *testing.T) {
	c, _, out := newTestCore(t, Config{})
	reasons := runCore(c)

	c.Outputs().Send(event.Output([]byte("hello\n$ ")))
	waitFor(t, func() bool { return out.String() == "hello\n$ " }, "forwarded output")
	waitFor(t, func() bool { return c.Snapshot().PromptReady }, "prompt detection")
	if tail := c.Snapshot().OutputTail; tail != "hello\n$ " {
		t.Fatalf("output tail = %q", tail)
	}

	c.Control() <- event.Shutdown()
	waitReason(t, reasons, "shutdown-requested")
}

func TestWouldBlockWriteRetriedOnTick(t *testing.T) {
	c, fs, _ := newTestCore(t, Config{TickInterval: 10 * time.Millisecond})
	fs.writeErrs = []error{pty.ErrWouldBlock}
	reasons := runCore(c)

	c.Inputs() <- event.Input([]byte("x"))
	waitFor(t, func() bool { return fs.writeCount() == 1 }, "retried write")
	if got := string(fs.lastWrite()); got != "x" {
		t.Fatalf("retried write = %q, want %q", got, "x")
	}

	c.Control() <- event.Shutdown()
	waitReason(t, reasons, "shutdown-requested")
}

func TestPartialWriteDeliversBytesOnceInOrder(t *testing.T) {
	c, fs, _ := newTestCore(t, Config{})
	fs.shortWrites = []int{2} // first write accepts "AB" then blocks

	c.handleInput(event.Input([]byte("ABCDEF")))
	// A second keystroke while bytes are parked must queue behind
	// them, not write around them.
	c.handleInput(event.Input([]byte("GH")))
	c.handleTick(time.Now())

	fs.mu.Lock()
	var delivered []byte
	for _, w := range fs.writes {
		delivered = append(delivered, w...)
	}
	fs.mu.Unlock()
	if got := string(delivered); got != "ABCDEFGH" {
		t.Fatalf("child received %q, want %q", got, "ABCDEFGH")
	}
}

func TestPartialWriteRetriedAcrossTicks(t *testing.T) {
	c, fs, _ := newTestCore(t, Config{})
	fs.shortWrites = []int{1, 1} // two consecutive one-byte writes

	c.handleInput(event.Input([]byte("xyz")))
	c.handleTick(time.Now())
	c.handleTick(time.Now())

	fs.mu.Lock()
	var delivered []byte
	for _, w := range fs.writes {
		delivered = append(delivered, w...)
	}
	fs.mu.Unlock()
	if got := string(delivered); got != "xyz" {
		t.Fatalf("child received %q, want %q", got, "xyz")
	}
}

func TestDeadChildDetectedOnTick(t *testing.T) {
	c, fs, _ := newTestCore(t, Config{
		TickInterval:     10 * time.Millisecond,
		LivenessInterval: 20 * time.Millisecond,
	})
	reasons := runCore(c)

	fs.mu.Lock()
	fs.alive = false
	fs.mu.Unlock()

	waitReason(t, reasons, "child-exited")
}

func TestSweepRetryGated(t *testing.T) {
	var mu sync.Mutex
	var calls int
	c, _, _ := newTestCore(t, Config{
		TickInterval:       5 * time.Millisecond,
		SweepRetryInterval: time.Hour,
		SweepRetry: func() {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	})
	reasons := runCore(c)

	// Many ticks pass, but the hour-long gate admits one run at most.
	time.Sleep(100 * time.Millisecond)
	c.Control() <- event.Shutdown()
	waitReason(t, reasons, "shutdown-requested")

	mu.Lock()
	defer mu.Unlock()
	if calls > 1 {
		t.Fatalf("sweep retry ran %d times inside one interval", calls)
	}
}

func TestOutputRingClosedShutsDown(t *testing.T) {
	c, _, _ := newTestCore(t, Config{})
	reasons := runCore(c)

	c.Outputs().Close()
	waitReason(t, reasons, "output-closed")
}

func TestReadPTY(t *testing.T) {
	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer pr.Close()

	ring := event.NewRing[event.Event](8)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ReadPTY(pr, ring, stop)
	}()

	if _, err := pw.Write([]byte("chunk")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case ev := <-ring.C():
		if ev.Type != event.TypeOutput || string(ev.Data) != "chunk" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no output event")
	}

	pw.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ReadPTY did not return on EOF")
	}
	if _, ok := <-ring.C(); ok {
		t.Fatal("ring not closed after reader exit")
	}
}

func TestConsumeEcho(t *testing.T) {
	tests := []struct {
		expected string
		chunk    string
		wantRest string
		wantOK   bool
	}{
		{"hello\r", "hello\r", "", true},
		{"hello\r", "hel", "lo\r", true},
		{"hello\r", "world", "", false},
		{"hel", "hello", "", false},
	}
	for _, tt := range tests {
		rest, ok := consumeEcho([]byte(tt.expected), []byte(tt.chunk))
		if ok != tt.wantOK {
			t.Errorf("consumeEcho(%q, %q) ok = %v, want %v", tt.expected, tt.chunk, ok, tt.wantOK)
			continue
		}
		if ok && string(rest) != tt.wantRest {
			t.Errorf("consumeEcho(%q, %q) rest = %q, want %q", tt.expected, tt.chunk, rest, tt.wantRest)
		}
	}
}

func TestOutputTailOverwritesOldest(t *testing.T) {
	tail := newOutputTail(8)
	tail.Write([]byte("abcdef"))
	tail.Write([]byte("ghij"))
	if got := string(tail.Bytes()); got != "cdefghij" {
		t.Fatalf("tail = %q, want %q", got, "cdefghij")
	}
	tail.Write([]byte("0123456789abcdef"))
	if got := string(tail.Bytes()); got != "89abcdef" {
		t.Fatalf("tail = %q, want %q", got, "89abcdef")
	}
}
