package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewRegistrySeedsDefaults(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if p := r.Get("shell"); p == nil {
		t.Fatal("default shell profile missing")
	}
	if got := len(r.List()); got != len(defaultProfileFiles) {
		t.Fatalf("List returned %d profiles, want %d", got, len(defaultProfileFiles))
	}
}

func TestNewRegistryKeepsUserProfiles(t *testing.T) {
	dir := t.TempDir()
	custom := "id: custom\nname: Custom\ncommand: mytool --flag\n"
	if err := os.WriteFile(filepath.Join(dir, "custom.yaml"), []byte(custom), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	r, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	// Defaults must not be seeded over a populated dir.
	if r.Get("shell") != nil {
		t.Fatal("defaults were seeded into a non-empty profile dir")
	}
	p := r.Get("custom")
	if p == nil {
		t.Fatal("user profile not loaded")
	}
	argv, err := p.Argv()
	if err != nil {
		t.Fatalf("Argv: %v", err)
	}
	if len(argv) != 2 || argv[0] != "mytool" || argv[1] != "--flag" {
		t.Fatalf("Argv = %v", argv)
	}
}

func TestRegistryRejectsInvalidProfile(t *testing.T) {
	dir := t.TempDir()
	bad := "id: BAD ID\nname: x\ncommand: y\n"
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(bad), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	if _, err := NewRegistry(dir); err == nil {
		t.Fatal("NewRegistry accepted an invalid profile id")
	}
}

func TestSaveAndReload(t *testing.T) {
	r, err := NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	p := &Profile{ID: "myshell", Name: "My Shell", Command: "zsh -il", EchoSuppressMs: 200, TranscriptSuffix: "\r"}
	if err := r.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	got := r.Get("myshell")
	if got == nil {
		t.Fatal("saved profile not found after reload")
	}
	if got.EchoSuppressWindow() != 200*time.Millisecond {
		t.Fatalf("EchoSuppressWindow = %v, want 200ms", got.EchoSuppressWindow())
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r, err := NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	a := r.Get("shell")
	a.Command = "clobbered"
	if b := r.Get("shell"); b.Command == "clobbered" {
		t.Fatal("Get returned a shared pointer")
	}
}

func TestFrameTranscript(t *testing.T) {
	p := &Profile{ID: "x", Name: "x", Command: "x", TranscriptPrefix: "", TranscriptSuffix: "\r"}
	if got := string(p.FrameTranscript("list files")); got != "list files\r" {
		t.Fatalf("FrameTranscript = %q", got)
	}
}

func TestArgvRejectsUnterminatedQuote(t *testing.T) {
	p := &Profile{ID: "x", Name: "x", Command: `tool "unterminated`}
	if _, err := p.Argv(); err == nil {
		t.Fatal("Argv accepted an unterminated quote")
	}
}
