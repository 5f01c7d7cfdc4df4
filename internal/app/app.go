// Package app wires the overlay together: profile resolution, lease
// sweep and acquisition, PTY start, producers, the event loop, and
// teardown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/jguida941/voiceterm-sub000/internal/config"
	"github.com/jguida941/voiceterm-sub000/internal/event"
	"github.com/jguida941/voiceterm-sub000/internal/history"
	"github.com/jguida941/voiceterm-sub000/internal/input"
	"github.com/jguida941/voiceterm-sub000/internal/lease"
	"github.com/jguida941/voiceterm-sub000/internal/loop"
	"github.com/jguida941/voiceterm-sub000/internal/profile"
	"github.com/jguida941/voiceterm-sub000/internal/pty"
	"github.com/jguida941/voiceterm-sub000/internal/voice"
)

// Run starts the overlay and blocks until it shuts down.
func Run(ctx context.Context, cfg *config.Config) error {
	cleanup := &Cleanup{}
	defer cleanup.Run()

	prof, err := resolveProfile(cfg)
	if err != nil {
		return err
	}
	argv, err := prof.Argv()
	if err != nil {
		return err
	}

	guard, err := lease.NewGuard(cfg.StateDir, cfg.SweepMinInterval, cfg.ReapTimeout)
	if err != nil {
		return fmt.Errorf("lease guard: %w", err)
	}
	guard.SetReapUnverified(cfg.SweepOrphans)
	sessionKey := prof.ID

	// Sweep before starting so a crashed predecessor's child is gone
	// and the new session begins from a clean slate.
	outcome := guard.SweepStale(sessionKey)
	slog.Info("pre-start lease sweep", "key", sessionKey, "outcome", outcome)

	rows, cols := terminalSize()
	sess, err := pty.Start(pty.Config{
		Argv:        argv,
		Env:         append(os.Environ(), prof.Env...),
		Rows:        rows,
		Cols:        cols,
		ReapTimeout: cfg.ReapTimeout,
	})
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	cleanup.Add(func() { _ = sess.Close() })

	ls, err := guard.Acquire(sessionKey, sess.ChildPID(), sess.ChildFingerprint())
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	cleanup.Add(ls.Release)

	store, err := history.Open(ctx, cfg.HistoryPath)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	cleanup.Add(func() { _ = store.Close() })

	historyID, err := store.StartSession(ctx, &history.SessionRecord{
		SessionKey: sessionKey,
		ProfileID:  prof.ID,
		Command:    prof.Command,
		ChildPID:   sess.ChildPID(),
		StartedAt:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}

	reader, err := input.NewReader(os.Stdin)
	if err != nil {
		return err
	}
	cleanup.Add(reader.Restore)

	core, err := loop.New(loop.Config{
		Session:            sess,
		Output:             os.Stdout,
		Rows:               rows,
		Cols:               cols,
		EchoSuppressWindow: prof.EchoSuppressWindow(),
		JoinTimeout:        cfg.JoinTimeout,
		QuitSequence:       []byte(input.Sequence(cfg.QuitKey)),
		ModeToggleSequence: []byte(input.Sequence(cfg.ModeToggleKey)),
		FrameTranscript:    prof.FrameTranscript,
		OnTranscript: func(text string, at time.Time) {
			// Not the run context: a canceled run must still be able to
			// record its final transcripts.
			wctx, cancel := writeCtx()
			defer cancel()
			if err := store.AddTranscript(wctx, historyID, text, at); err != nil {
				slog.Warn("failed to record transcript", "error", err)
			}
		},
		SweepRetry: func() { guard.SweepStale(sessionKey) },
	})
	if err != nil {
		return err
	}

	core.AddProducer("pty-reader", func(stop <-chan struct{}) {
		loop.ReadPTY(sess.Reader(), core.Outputs(), stop)
	})
	core.AddProducer("stdin", func(stop <-chan struct{}) {
		reader.Run(core.Inputs(), stop)
	})
	core.AddProducer("signals", func(stop <-chan struct{}) {
		forwardSignals(core, stop)
	})

	if cfg.VoiceURL != "" {
		client := voice.Dial(cfg.VoiceURL)
		cleanup.Add(client.Close)
		core.AddProducer("voice", func(stop <-chan struct{}) {
			forwardTranscripts(client, core, stop)
		})
	}

	reason, err := core.Run(ctx)
	if err != nil {
		return err
	}
	slog.Info("session ended", "reason", reason)

	endCtx, cancel := writeCtx()
	defer cancel()
	if err := store.EndSession(endCtx, historyID, reason, time.Now()); err != nil {
		slog.Warn("failed to finalize session record", "error", err)
	}
	cleanup.Run()
	return nil
}

// writeCtx returns the bounded context used for history writes on the
// teardown path, detached from the run context so cancellation cannot
// lose the closing records.
func writeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// resolveProfile loads the registry and applies the command override.
func resolveProfile(cfg *config.Config) (*profile.Profile, error) {
	reg, err := profile.NewRegistry(cfg.ProfileDir)
	if err != nil {
		return nil, fmt.Errorf("profile registry: %w", err)
	}
	prof := reg.Get(cfg.Profile)
	if prof == nil {
		return nil, fmt.Errorf("unknown profile %q", cfg.Profile)
	}
	if cfg.Command != "" {
		prof.Command = cfg.Command
	}
	return prof, nil
}

func terminalSize() (rows, cols uint16) {
	if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 && h > 0 {
		return uint16(h), uint16(w)
	}
	return 24, 80
}

// forwardSignals translates process signals into loop events: SIGWINCH
// becomes a resize, SIGTERM/SIGINT become a shutdown request.
func forwardSignals(core *loop.Core, stop <-chan struct{}) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, unix.SIGWINCH, unix.SIGTERM, unix.SIGINT)
	defer signal.Stop(ch)

	for {
		select {
		case sig := <-ch:
			switch sig {
			case unix.SIGWINCH:
				rows, cols := terminalSize()
				select {
				case core.Control() <- event.Resize(rows, cols):
				case <-stop:
					return
				}
			default:
				select {
				case core.Control() <- event.Shutdown():
				case <-stop:
					return
				}
			}
		case <-stop:
			return
		}
	}
}

func forwardTranscripts(client voice.Source, core *loop.Core, stop <-chan struct{}) {
	for {
		select {
		case tr, ok := <-client.Transcripts():
			if !ok {
				return
			}
			select {
			case core.Voices() <- event.Transcript(tr.Text, tr.At):
			case <-stop:
				return
			}
		case <-stop:
			return
		}
	}
}
