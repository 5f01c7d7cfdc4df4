package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/jguida941/voiceterm-sub000/internal/app"
	"github.com/jguida941/voiceterm-sub000/internal/config"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := app.Run(context.Background(), cfg); err != nil {
		slog.Error("voiceterm error", "error", err)
		os.Exit(1)
	}
}
