package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cybertechsoft/loopgrid/pkg/api"
	"github.com/cybertechsoft/loopgrid/pkg/config"
)

const shutdownTimeout = 15 * time.Second

// runServeCmd implements `loopgrid serve`.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	addr := cmd.String("addr", "", "Listen address (overrides LOOPGRID_ADDR)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	slog.SetDefault(newLogger(cfg, stdout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: listen %s: %v\n", cfg.Addr, err)
		return 2
	}
	if err := serve(ctx, cfg, ln); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

// serve runs the API on ln until ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, cfg *config.Config, ln net.Listener) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			slog.Default().Warn("shutdown incomplete", "error", err)
		}
	}()

	srv := api.NewServer(a.ledger, a.annotations, a.replays, a.verifier).
		WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	if limiter, closeLimiter := replayLimiter(cfg); limiter != nil {
		srv.WithReplayLimiter(limiter)
		defer closeLimiter()
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Live replays may run up to the replay timeout.
		WriteTimeout: cfg.Replay.Timeout + 30*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Default().Info("loopgrid listening", "addr", ln.Addr().String(), "driver", cfg.Database.Driver)
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Default().Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// replayLimiter picks the shared Redis limiter when configured, else an
// in-process one. A zero replay rate disables limiting.
func replayLimiter(cfg *config.Config) (api.Limiter, func()) {
	perMinute := cfg.Replay.PerMinute
	if perMinute <= 0 {
		return nil, func() {}
	}
	if cfg.RateLimit.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		return api.NewRedisLimiter(client, perMinute, perMinute), func() { _ = client.Close() }
	}
	return api.NewLocalLimiter(perMinute, perMinute), func() {}
}
