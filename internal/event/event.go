// Package event defines the messages flowing into the event loop and
// the bounded channels that carry them.
package event

import "time"

// Type distinguishes the kind of event delivered to the loop.
type Type int

const (
	// TypeOutput carries bytes read from the PTY master.
	TypeOutput Type = iota
	// TypeInput carries raw user keystrokes bound for the PTY.
	TypeInput
	// TypeResize carries new terminal dimensions.
	TypeResize
	// TypeTick drives periodic concerns.
	TypeTick
	// TypeTranscript carries a voice transcript ready for injection.
	TypeTranscript
	// TypeShutdown requests a graceful stop.
	TypeShutdown
)

func (t Type) String() string {
	switch t {
	case TypeOutput:
		return "output"
	case TypeInput:
		return "input"
	case TypeResize:
		return "resize"
	case TypeTick:
		return "tick"
	case TypeTranscript:
		return "transcript"
	case TypeShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Event is a single tagged message. Only the fields relevant to Type
// are populated.
type Event struct {
	Type Type
	Data []byte
	Rows uint16
	Cols uint16
	Text string
	At   time.Time
}

// Output wraps PTY output bytes. The slice is copied so the producer
// may reuse its read buffer.
func Output(p []byte) Event {
	data := make([]byte, len(p))
	copy(data, p)
	return Event{Type: TypeOutput, Data: data, At: time.Now()}
}

// Input wraps user keystrokes. The slice is copied for the same reason.
func Input(p []byte) Event {
	data := make([]byte, len(p))
	copy(data, p)
	return Event{Type: TypeInput, Data: data, At: time.Now()}
}

// Resize wraps new terminal dimensions.
func Resize(rows, cols uint16) Event {
	return Event{Type: TypeResize, Rows: rows, Cols: cols, At: time.Now()}
}

// Tick marks a timer firing.
func Tick(at time.Time) Event {
	return Event{Type: TypeTick, At: at}
}

// Transcript wraps a voice transcript.
func Transcript(text string, at time.Time) Event {
	if at.IsZero() {
		at = time.Now()
	}
	return Event{Type: TypeTranscript, Text: text, At: at}
}

// Shutdown requests a graceful stop.
func Shutdown() Event {
	return Event{Type: TypeShutdown, At: time.Now()}
}
