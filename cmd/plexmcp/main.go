package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/plexmcp/plexmcp/internal/app"
	"github.com/plexmcp/plexmcp/internal/config"
)

// Exit codes: 0 clean shutdown, 1 configuration rejected at startup,
// 2 unrecoverable dependency failure at startup.
func main() {
	mode := flag.String("mode", "", "run mode: api, worker, or migrate (overrides PLEXMCP_MODE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	// CLI flag overrides env var.
	if *mode != "" {
		cfg.Mode = *mode
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		if errors.Is(err, app.ErrDependency) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
