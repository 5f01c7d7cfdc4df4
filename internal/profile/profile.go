// Package profile manages wrap profiles: YAML descriptions of the
// programs voiceterm can wrap and how transcripts are framed for each.
package profile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// Profile describes one wrappable program.
type Profile struct {
	ID      string   `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Command string   `yaml:"command" json:"command"`
	Env     []string `yaml:"env,omitempty" json:"env,omitempty"`

	// EchoSuppressMs is how long PTY output is suppressed after
	// synthetic input is injected, to avoid a visual double echo.
	EchoSuppressMs int `yaml:"echo_suppress_ms,omitempty" json:"echo_suppress_ms,omitempty"`

	// TranscriptPrefix/Suffix frame an injected voice transcript. The
	// suffix is typically "\r" so the wrapped program submits the text.
	TranscriptPrefix string `yaml:"transcript_prefix,omitempty" json:"transcript_prefix,omitempty"`
	TranscriptSuffix string `yaml:"transcript_suffix,omitempty" json:"transcript_suffix,omitempty"`
}

// Argv splits the profile command line into an argument vector.
func (p *Profile) Argv() ([]string, error) {
	argv, err := shellquote.Split(p.Command)
	if err != nil {
		return nil, fmt.Errorf("profile %q: parse command: %w", p.ID, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("profile %q: empty command", p.ID)
	}
	return argv, nil
}

// EchoSuppressWindow returns the echo suppression duration.
func (p *Profile) EchoSuppressWindow() time.Duration {
	if p.EchoSuppressMs <= 0 {
		return 0
	}
	return time.Duration(p.EchoSuppressMs) * time.Millisecond
}

// FrameTranscript wraps transcript text with the profile's framing.
func (p *Profile) FrameTranscript(text string) []byte {
	return []byte(p.TranscriptPrefix + text + p.TranscriptSuffix)
}

func validate(p *Profile) error {
	if p == nil {
		return errors.New("profile is required")
	}
	if err := validateID(p.ID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(p.Command) == "" {
		return errors.New("command is required")
	}
	if _, err := shellquote.Split(p.Command); err != nil {
		return fmt.Errorf("command is not parseable: %w", err)
	}
	return nil
}

func clone(p *Profile) *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Env != nil {
		cp.Env = append([]string(nil), p.Env...)
	}
	return &cp
}
