// Package input produces user-keystroke events from the controlling
// terminal, switching it into raw mode so every byte reaches the
// wrapped program untouched.
package input

import (
	"fmt"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/jguida941/voiceterm-sub000/internal/event"
)

// Reader reads raw bytes from a terminal (or any file, in tests) and
// forwards them as input events.
type Reader struct {
	f           *os.File
	restoreOnce sync.Once
	oldState    *term.State
}

// NewReader prepares f for reading. When f is a terminal it is put
// into raw mode; Restore must be called before the process exits.
func NewReader(f *os.File) (*Reader, error) {
	r := &Reader{f: f}
	if isatty.IsTerminal(f.Fd()) {
		state, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return nil, fmt.Errorf("input: enter raw mode: %w", err)
		}
		r.oldState = state
	}
	return r, nil
}

// IsTerminal reports whether the underlying file is a terminal.
func (r *Reader) IsTerminal() bool {
	return r.oldState != nil
}

// Restore returns the terminal to its original mode. Idempotent.
func (r *Reader) Restore() {
	r.restoreOnce.Do(func() {
		if r.oldState != nil {
			_ = term.Restore(int(r.f.Fd()), r.oldState)
		}
	})
}

// Run reads until EOF, error, or stop, forwarding each chunk as an
// input event. The blocking read is confined to this producer
// goroutine; it never reaches the loop thread.
func (r *Reader) Run(out chan<- event.Event, stop <-chan struct{}) {
	buf := make([]byte, 1024)
	for {
		n, err := r.f.Read(buf)
		if n > 0 {
			select {
			case out <- event.Input(buf[:n]):
			case <-stop:
				return
			}
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
