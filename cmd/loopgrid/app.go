package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/cybertechsoft/loopgrid/pkg/annotations"
	"github.com/cybertechsoft/loopgrid/pkg/artifacts"
	"github.com/cybertechsoft/loopgrid/pkg/config"
	"github.com/cybertechsoft/loopgrid/pkg/events"
	"github.com/cybertechsoft/loopgrid/pkg/ledger"
	"github.com/cybertechsoft/loopgrid/pkg/llm"
	"github.com/cybertechsoft/loopgrid/pkg/observability"
	"github.com/cybertechsoft/loopgrid/pkg/replay"
	"github.com/cybertechsoft/loopgrid/pkg/store"
	"github.com/cybertechsoft/loopgrid/pkg/verifier"
)

// backend is the method set every storage driver provides.
type backend interface {
	ledger.Backend
	annotations.Backend
	replay.Backend
	verifier.Scanner
	artifacts.Source
	Close() error
}

// app holds the wired services for one process.
type app struct {
	cfg         *config.Config
	store       backend
	ledger      *ledger.Ledger
	annotations *annotations.Store
	replays     *replay.Engine
	verifier    *verifier.Verifier
	obs         *observability.Provider
	closers     []func(context.Context) error
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(ctx)
		}
	}()

	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.Telemetry.Enabled
	obsCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	obsCfg.Environment = cfg.Telemetry.Environment
	if a.obs, err = observability.New(ctx, obsCfg); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	a.closers = append(a.closers, a.obs.Shutdown)

	emitter, err := a.buildEmitter(ctx)
	if err != nil {
		return nil, err
	}
	registry, err := a.buildRegistry(ctx)
	if err != nil {
		return nil, err
	}

	a.ledger = ledger.New(a.store).WithEmitter(emitter).WithObservability(a.obs)
	a.annotations = annotations.New(a.store).WithEmitter(emitter).WithObservability(a.obs)
	a.replays = replay.NewEngine(a.store, registry).
		WithTimeout(cfg.Replay.Timeout).
		WithEmitter(emitter).
		WithObservability(a.obs)
	a.verifier = verifier.New(a.store).WithEmitter(emitter).WithObservability(a.obs)
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (backend, error) {
	switch cfg.Database.Driver {
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	case config.DriverSQLite, config.DriverPostgres:
		s, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func (a *app) buildEmitter(ctx context.Context) (events.Emitter, error) {
	emitters := []events.Emitter{events.NewLogEmitter(slog.Default())}
	if a.cfg.Events.PubSubProject != "" {
		ps, err := events.NewPubSubEmitter(ctx, a.cfg.Events.PubSubProject, a.cfg.Events.PubSubTopic)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return ps.Close() })
		emitters = append(emitters, ps)
	}
	return events.NewMultiEmitter(emitters...), nil
}

// buildRegistry registers a live invoker for every provider with an API key.
func (a *app) buildRegistry(ctx context.Context) (*replay.Registry, error) {
	reg := replay.NewRegistry()
	keys := a.cfg.Providers
	if keys.OpenAI != "" {
		reg.Register("openai", llm.NewOpenAIClient(keys.OpenAI))
	}
	if keys.Anthropic != "" {
		reg.Register("anthropic", llm.NewAnthropicClient(keys.Anthropic))
	}
	if keys.Gemini != "" {
		gc, err := llm.NewGeminiClient(ctx, keys.Gemini)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return gc.Close() })
		reg.Register("gemini", gc)
	}
	slog.Default().InfoContext(ctx, "replay providers configured", "live", reg.Providers())
	return reg, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
