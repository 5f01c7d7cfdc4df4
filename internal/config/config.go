// Package config loads the overlay configuration: built-in defaults,
// overridden by an optional YAML file, overridden by command-line
// flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	// Profile selects the wrapped-program profile by id.
	Profile string
	// Command overrides the profile's command line when non-empty.
	Command string

	// StateDir holds leases and other per-user runtime state.
	StateDir string
	// ProfileDir holds the editable profile registry.
	ProfileDir string
	// HistoryPath is the sqlite session-history database.
	HistoryPath string

	// VoiceURL is the transcription daemon websocket endpoint. Empty
	// disables voice input.
	VoiceURL string

	// QuitKey and ModeToggleKey name the control sequences handled by
	// the overlay instead of the wrapped program.
	QuitKey       string
	ModeToggleKey string

	// SweepMinInterval throttles stale-lease sweeps across the state
	// dir. ReapTimeout bounds SIGTERM-to-SIGKILL escalation.
	SweepMinInterval time.Duration
	ReapTimeout      time.Duration
	JoinTimeout      time.Duration

	// SweepOrphans enables reaping leases whose child identity cannot
	// be verified. Off by default: an unverifiable process is left
	// alone rather than guessed at.
	SweepOrphans bool

	ConfigPath string
}

// fileConfig mirrors Config for the YAML file. Durations are strings
// so users can write "30s" rather than nanosecond counts; pointer
// fields distinguish "absent" from "zero".
type fileConfig struct {
	Profile          *string `yaml:"profile"`
	Command          *string `yaml:"command"`
	StateDir         *string `yaml:"state_dir"`
	ProfileDir       *string `yaml:"profile_dir"`
	HistoryPath      *string `yaml:"history_path"`
	VoiceURL         *string `yaml:"voice_url"`
	QuitKey          *string `yaml:"quit_key"`
	ModeToggleKey    *string `yaml:"mode_toggle_key"`
	SweepMinInterval *string `yaml:"sweep_min_interval"`
	ReapTimeout      *string `yaml:"reap_timeout"`
	JoinTimeout      *string `yaml:"join_timeout"`
	SweepOrphans     *bool   `yaml:"sweep_orphans"`
}

// Load resolves the configuration from defaults, the config file, and
// the given flag set (normally flag.CommandLine with os.Args[1:]).
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	base := filepath.Join(homeDir, ".config", "voiceterm")

	cfg := &Config{
		Profile:          "shell",
		StateDir:         filepath.Join(base, "state"),
		ProfileDir:       filepath.Join(base, "profiles"),
		HistoryPath:      filepath.Join(base, "history.db"),
		QuitKey:          "c-]",
		ModeToggleKey:    "c-_",
		SweepMinInterval: 30 * time.Second,
		ReapTimeout:      3 * time.Second,
		JoinTimeout:      2 * time.Second,
		ConfigPath:       filepath.Join(base, "config.yaml"),
	}

	// The config path flag has to be known before the file is read, so
	// scan for it ahead of the real parse.
	if path := peekFlag(args, "config"); path != "" {
		cfg.ConfigPath = path
	}
	if err := cfg.loadFromFile(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	fs.StringVar(&cfg.Profile, "profile", cfg.Profile, "wrapped-program profile id")
	fs.StringVar(&cfg.Command, "command", cfg.Command, "command line overriding the profile")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "directory for leases and runtime state")
	fs.StringVar(&cfg.ProfileDir, "profile-dir", cfg.ProfileDir, "directory holding profile YAML files")
	fs.StringVar(&cfg.HistoryPath, "history", cfg.HistoryPath, "session history database path")
	fs.StringVar(&cfg.VoiceURL, "voice-url", cfg.VoiceURL, "transcription daemon websocket URL (empty disables voice)")
	fs.StringVar(&cfg.QuitKey, "quit-key", cfg.QuitKey, "key sequence that exits the overlay")
	fs.StringVar(&cfg.ModeToggleKey, "mode-key", cfg.ModeToggleKey, "key sequence that toggles the voice overlay")
	fs.DurationVar(&cfg.SweepMinInterval, "sweep-interval", cfg.SweepMinInterval, "minimum interval between stale-lease sweeps")
	fs.DurationVar(&cfg.ReapTimeout, "reap-timeout", cfg.ReapTimeout, "how long to wait after SIGTERM before SIGKILL")
	fs.DurationVar(&cfg.JoinTimeout, "join-timeout", cfg.JoinTimeout, "how long shutdown waits for each producer")
	fs.BoolVar(&cfg.SweepOrphans, "sweep-orphans", cfg.SweepOrphans, "reap leases with unverifiable child identity")
	fs.String("config", cfg.ConfigPath, "config file path")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", c.ConfigPath, err)
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&c.Profile, fc.Profile)
	setString(&c.Command, fc.Command)
	setString(&c.StateDir, fc.StateDir)
	setString(&c.ProfileDir, fc.ProfileDir)
	setString(&c.HistoryPath, fc.HistoryPath)
	setString(&c.VoiceURL, fc.VoiceURL)
	setString(&c.QuitKey, fc.QuitKey)
	setString(&c.ModeToggleKey, fc.ModeToggleKey)
	if fc.SweepOrphans != nil {
		c.SweepOrphans = *fc.SweepOrphans
	}

	setDuration := func(dst *time.Duration, src *string, name string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, *src, err)
		}
		*dst = d
		return nil
	}
	if err := setDuration(&c.SweepMinInterval, fc.SweepMinInterval, "sweep_min_interval"); err != nil {
		return err
	}
	if err := setDuration(&c.ReapTimeout, fc.ReapTimeout, "reap_timeout"); err != nil {
		return err
	}
	return setDuration(&c.JoinTimeout, fc.JoinTimeout, "join_timeout")
}

func (c *Config) validate() error {
	if c.Profile == "" && c.Command == "" {
		return fmt.Errorf("either a profile or a command must be set")
	}
	if c.ReapTimeout <= 0 {
		return fmt.Errorf("invalid reap timeout %v: must be positive", c.ReapTimeout)
	}
	if c.JoinTimeout <= 0 {
		return fmt.Errorf("invalid join timeout %v: must be positive", c.JoinTimeout)
	}
	if c.SweepMinInterval < 0 {
		return fmt.Errorf("invalid sweep interval %v: must not be negative", c.SweepMinInterval)
	}
	return nil
}

// peekFlag finds -name/--name in args without a full parse.
func peekFlag(args []string, name string) string {
	for i, arg := range args {
		switch arg {
		case "-" + name, "--" + name:
			if i+1 < len(args) {
				return args[i+1]
			}
		}
		for _, prefix := range []string{"-" + name + "=", "--" + name + "="} {
			if len(arg) > len(prefix) && arg[:len(prefix)] == prefix {
				return arg[len(prefix):]
			}
		}
	}
	return ""
}
