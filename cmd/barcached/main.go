// Command barcached wires a Service from a TOML config file and serves as
// the demonstration entry point for the bar cache core. It owns no
// protocol and no scheduler of its own: fetching bars from providers and
// exposing the service over a network are surrounding concerns this
// binary deliberately leaves out (spec.md §1).
//
// The flag/signal/slog wiring here mirrors this codebase's agent
// entrypoint (cmd/rook/main.go's runAgent): a single -config flag,
// signal.NotifyContext for graceful shutdown, and slog.Error+os.Exit(1)
// on fatal startup failures.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thobiasn/barcache/internal/bar"
	"github.com/thobiasn/barcache/internal/cacheservice"
	"github.com/thobiasn/barcache/internal/config"
	"github.com/thobiasn/barcache/internal/durable"
	"github.com/thobiasn/barcache/internal/eventbus"
	"github.com/thobiasn/barcache/internal/memtier"
)

func main() {
	fs := flag.NewFlagSet("barcached", flag.ExitOnError)
	configPath := fs.String("config", "/etc/barcache/config.toml", "path to config file")
	fs.Parse(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, store, err := build(*configPath)
	if err != nil {
		slog.Error("failed to start barcached", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	unsub := svc.Subscribe(func(ev cacheservice.CorrectionEvent) {
		slog.Info("correction",
			"symbol", ev.Symbol, "timeframe", ev.Timeframe, "timestamp", ev.Timestamp,
			"kind", ev.Kind, "provider", ev.NewBar.Provider, "revision", ev.NewBar.Revision)
	})
	defer unsub()

	slog.Info("barcached ready", "config", *configPath)
	<-ctx.Done()
	slog.Info("barcached shutting down")
}

// build constructs a Service and its durable tier from the config file at
// path. The caller owns the returned Store's lifetime.
func build(path string) (*cacheservice.Service, *durable.Store, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	store, err := durable.OpenStore(cfg.Storage.Path, cfg.ProviderPriority, slog.Default())
	if err != nil {
		return nil, nil, err
	}

	mem, err := memtier.New(cfg.Memory.Capacity)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	bus := eventbus.New(nil, slog.Default())
	svc := cacheservice.New(mem, store, bus, cfg.FreshnessPolicy(), nil, slog.Default())
	return svc, store, nil
}

// warmAll is a convenience helper surrounding systems can call after
// startup to pre-populate the memory tier for a known symbol/timeframe
// pair; it is not invoked by main itself since the set of symbols to
// warm is an external, deployment-specific concern.
func warmAll(ctx context.Context, svc *cacheservice.Service, symbol string, tf bar.Timeframe, lookback time.Duration) error {
	return svc.WarmCache(ctx, symbol, tf, lookback.Milliseconds(), time.Now())
}
