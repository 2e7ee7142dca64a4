package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashita-ai/shiki"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	stdio := flag.Bool("mcp-stdio", false, "serve the MCP protocol over stdin/stdout instead of HTTP")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("SHIKI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	// In stdio mode stdout belongs to the MCP transport; logs go to stderr
	// either way.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := shiki.New(
		shiki.WithVersion(version),
		shiki.WithLogger(logger),
	)
	if err != nil {
		slog.Error("startup failed", "error", err)
		return 1
	}

	if *stdio {
		defer func() { _ = app.Shutdown(context.Background()) }()
		if err := app.MCP().ServeStdio(); err != nil {
			slog.Error("mcp stdio server failed", "error", err)
			return 1
		}
		return 0
	}

	if err := app.Run(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}
