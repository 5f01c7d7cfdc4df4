// Package voice receives transcript-ready events from an external
// transcription daemon. The daemon's internals (audio capture, model)
// are out of scope; this package only speaks its small WebSocket frame
// protocol and feeds transcripts into the event loop.
package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// Transcript is one ready transcript from the daemon.
type Transcript struct {
	Text string
	At   time.Time
}

// Source is the boundary the event loop consumes.
type Source interface {
	// Transcripts delivers ready transcripts. The channel is closed
	// when the source shuts down.
	Transcripts() <-chan Transcript
	// Close stops the source. Safe to call more than once.
	Close()
}

// frame is the daemon's wire format.
type frame struct {
	Type string `json:"type"`
	Text string `json:"text"`
	At   string `json:"at,omitempty"`
}

const (
	frameTypeTranscript = "transcript"

	readLimit        = 1 << 20
	reconnectInitial = 500 * time.Millisecond
	reconnectMax     = 15 * time.Second
)

type dialFunc func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error)

// Client maintains a WebSocket connection to the transcriber daemon,
// reconnecting with backoff until closed.
type Client struct {
	url  string
	dial dialFunc

	out    chan Transcript
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial starts a client for the given ws:// URL. The returned client is
// already connecting in the background; a daemon that is not running
// simply produces no transcripts.
func Dial(url string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:    url,
		dial:   websocket.Dial,
		out:    make(chan Transcript, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

// Transcripts implements Source.
func (c *Client) Transcripts() <-chan Transcript { return c.out }

// Close implements Source. It stops the reconnect loop and closes the
// transcript channel once the reader has finished.
func (c *Client) Close() {
	c.cancel()
	<-c.done
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.out)

	backoff := reconnectInitial
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := c.dial(ctx, c.url, nil)
		if err != nil {
			slog.Debug("voice: transcriber unavailable", "url", c.url, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}
		backoff = reconnectInitial

		c.readLoop(ctx, conn)
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	conn.SetReadLimit(readLimit)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				slog.Debug("voice: connection lost", "error", err)
			}
			return
		}

		tr, err := decodeFrame(data)
		if err != nil {
			slog.Warn("voice: dropping malformed frame", "error", err)
			continue
		}
		if tr == nil {
			continue
		}

		select {
		case c.out <- *tr:
		case <-ctx.Done():
			return
		}
	}
}

// decodeFrame parses one daemon frame. Non-transcript frames and empty
// transcripts return (nil, nil) and are ignored.
func decodeFrame(data []byte) (*Transcript, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("voice: parse frame: %w", err)
	}
	if f.Type != frameTypeTranscript {
		return nil, nil
	}
	text := strings.TrimSpace(f.Text)
	if text == "" {
		return nil, nil
	}

	at := time.Now()
	if f.At != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, f.At); err == nil {
			at = parsed
		}
	}
	return &Transcript{Text: text, At: at}, nil
}
