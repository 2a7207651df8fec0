package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/mcpherd"
	"github.com/loykin/mcpherd/internal/logger"
)

// runServe is the daemon: it loads the config, starts every configured
// server, and serves the ops API until SIGINT/SIGTERM.
func runServe(f ServeFlags) error {
	if f.ConfigPath == "" {
		return fmt.Errorf("config path is required")
	}
	fc, err := mcpherd.LoadConfig(f.ConfigPath)
	if err != nil {
		return err
	}

	logger.Setup(os.Stderr, slog.LevelInfo, true)
	if err := mcpherd.RegisterMetricsDefault(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	herd, err := mcpherd.NewFromConfig(fc)
	if err != nil {
		return err
	}
	defer herd.Close()

	ctx := context.Background()
	for _, spec := range fc.Specs() {
		if err := herd.Connect(ctx, spec.Name); err != nil {
			slog.Error("server failed to start", "server", spec.Name, "error", err)
		}
	}

	listen := fc.Listen
	if f.Listen != "" {
		listen = f.Listen
	}
	if listen == "" {
		listen = ":8060"
	}
	srv := mcpherd.NewHTTPServer(listen, "", herd)
	slog.Info("mcpherd daemon started", "listen", listen, "servers", len(fc.Servers))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	slog.Info("shutting down", "signal", s.String())

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shCtx)
	return nil
}
