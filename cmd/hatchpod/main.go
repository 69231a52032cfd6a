// Command hatchpod serves coding-agent sessions over HTTP and WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/hatchpod/pkg/api"
	"github.com/odvcencio/hatchpod/pkg/bus"
	"github.com/odvcencio/hatchpod/pkg/config"
	"github.com/odvcencio/hatchpod/pkg/message"
	"github.com/odvcencio/hatchpod/pkg/provider"
	"github.com/odvcencio/hatchpod/pkg/provider/claudecli"
	"github.com/odvcencio/hatchpod/pkg/provider/claudefs"
	"github.com/odvcencio/hatchpod/pkg/provider/testprov"
	"github.com/odvcencio/hatchpod/pkg/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hatchpod: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	bind := flag.String("bind", "", "listen address override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *bind != "" {
		cfg.Server.Bind = *bind
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.New(os.Stdout, "[hatchpod] ", log.LstdFlags)

	providers := provider.NewRegistry()
	providers.Register(claudecli.New())
	providers.Register(testprov.New())
	providers.SetDefault(cfg.Provider.Default)
	if _, err := providers.Get(""); err != nil {
		return fmt.Errorf("default provider %q: %w", cfg.Provider.Default, err)
	}

	var history provider.HistorySource
	store, err := claudefs.NewStore(cfg.Provider.ProjectsDir)
	if err != nil {
		logger.Printf("warning: transcript history disabled: %v", err)
	} else {
		history = store
	}

	var eventBus bus.MessageBus
	if cfg.Bus.URL != "" {
		natsCfg := bus.DefaultConfig()
		natsCfg.URL = cfg.Bus.URL
		nb, err := bus.NewNATSBus(natsCfg)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nb.Close()
		eventBus = nb
		logger.Printf("mirroring session frames to nats at %s", cfg.Bus.URL)
	}

	registry := session.NewRegistry(providers, history, eventBus, session.Config{
		MaxSessions:     cfg.Sessions.MaxSessions,
		Retention:       cfg.Sessions.Retention,
		AllowBypass:     cfg.Sessions.AllowBypassPermissions,
		GitPollInterval: cfg.Sessions.GitPollInterval,
		Tail: func(ctx context.Context, path string, onMessage func(message.Message)) error {
			return claudefs.NewTailer(path, onMessage).Start(ctx)
		},
		Logger: log.New(os.Stdout, "[session] ", log.LstdFlags),
	})

	server := api.NewServer(api.Config{
		Bind:           cfg.Server.Bind,
		Token:          cfg.Server.Token,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PublicMetrics:  cfg.Server.PublicMetrics,
	}, registry, log.New(os.Stdout, "[api] ", log.LstdFlags))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(server.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	cleanupInterval := cfg.Sessions.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = config.DefaultCleanupInterval
	}
	g.Go(func() error {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if evicted := registry.Evict(time.Now()); len(evicted) > 0 {
					logger.Printf("evicted %d idle sessions", len(evicted))
				}
			}
		}
	})

	return g.Wait()
}
