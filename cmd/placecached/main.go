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

	"placecache/internal/cache"
	_ "placecache/internal/cache/redisstore"
	_ "placecache/internal/cache/sqlitestore"
	"placecache/internal/core/config"
	"placecache/internal/core/httpclient"
	"placecache/internal/core/observability"
	"placecache/internal/core/server"
	"placecache/internal/engine"
	"placecache/internal/events"
	"placecache/internal/logger"
	"placecache/internal/maintenance"
	"placecache/internal/metrics"
	"placecache/internal/resolver"
	"placecache/internal/resolver/geonames"
	"placecache/internal/resolver/remote"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	addrFlag := flag.String("addr", "", "listen address (overrides ADDR)")
	levelFlag := flag.String("log-level", "", "log level (overrides LOG_LEVEL)")
	flag.Parse()

	cfg := config.FromEnv()
	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}
	if *levelFlag != "" {
		cfg.LogLevel = *levelFlag
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "placecached",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	p := metrics.Init(metrics.Config{
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})
	observability.Init(p.Registerer(), true)

	appLog.Info("starting placecached",
		"addr", cfg.Addr,
		"version", Version,
		"store", cfg.StoreDriver,
		"resolver", cfg.ResolverDriver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := cache.Open(ctx, cfg, appLog)
	if err != nil {
		appLog.Error("cache store setup failed", "err", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	factory, err := resolverFactory(cfg, appLog)
	if err != nil {
		appLog.Error("resolver setup failed", "err", err)
		return 1
	}
	lz := resolver.NewLazy(ctx, factory, appLog)
	lz.InitAsync()

	engOpts := []engine.Option{
		engine.WithLogger(appLog),
		engine.WithStoreTimeout(cfg.StoreOpTimeout),
	}

	brokers := cfg.Kafka.BrokerList()
	if len(brokers) > 0 && cfg.Kafka.LookupTopic != "" {
		pub, err := events.NewPublisher(brokers, cfg.Kafka.LookupTopic, 0, appLog)
		if err != nil {
			appLog.Error("lookup event publisher setup failed", "err", err)
			return 1
		}
		defer func() {
			if err := pub.Close(); err != nil {
				appLog.Warn("event publisher close", "err", err)
			}
		}()
		engOpts = append(engOpts, engine.WithEvents(pub))
	}

	eng := engine.New(store, lz, engOpts...)

	if len(brokers) > 0 && cfg.Kafka.MaintenanceTopic != "" {
		cons := maintenance.New(maintenance.Config{
			Brokers: brokers,
			Topic:   cfg.Kafka.MaintenanceTopic,
			GroupID: cfg.Kafka.MaintenanceGroup,
		}, eng, appLog)
		go func() {
			if err := cons.Start(ctx); err != nil {
				appLog.Error("maintenance consumer stopped", "err", err)
			}
		}()
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := p.Serve(ctx, cfg.MetricsAddr, appLog); err != nil {
				appLog.Error("metrics listener stopped", "err", err)
			}
		}()
	}

	deps := server.Deps{
		Engine:  eng,
		Ready:   lz.Ready,
		Ping:    store.Ping,
		Metrics: p.Handler(),
	}
	if err := server.Run(ctx, cfg, appLog, deps); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

func resolverFactory(cfg config.Config, logger *slog.Logger) (resolver.Factory, error) {
	switch cfg.ResolverDriver {
	case "geonames":
		return func(context.Context) (resolver.Interface, error) {
			return geonames.New(cfg.GeoNames, logger)
		}, nil
	case "remote":
		if cfg.RemoteURL == "" {
			return nil, errors.New("remote resolver needs REMOTE_RESOLVER_URL")
		}
		client := httpclient.NewOutbound(cfg.RemoteTimeout)
		return func(context.Context) (resolver.Interface, error) {
			return remote.New(logger, client, cfg.RemoteURL)
		}, nil
	default:
		return nil, fmt.Errorf("unknown resolver driver %q", cfg.ResolverDriver)
	}
}
