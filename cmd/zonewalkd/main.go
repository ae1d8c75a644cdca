package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/haukened/zonewalk/internal/dns/common/clock"
	"github.com/haukened/zonewalk/internal/dns/common/log"
	"github.com/haukened/zonewalk/internal/dns/config"
	"github.com/haukened/zonewalk/internal/dns/domain"
	"github.com/haukened/zonewalk/internal/dns/gateways/transport"
	"github.com/haukened/zonewalk/internal/dns/gateways/upstream"
	"github.com/haukened/zonewalk/internal/dns/gateways/wire"
	"github.com/haukened/zonewalk/internal/dns/gateways/zonexfer"
	"github.com/haukened/zonewalk/internal/dns/repos/registry"
	"github.com/haukened/zonewalk/internal/dns/repos/zone"
	"github.com/haukened/zonewalk/internal/dns/repos/zonestore"
	"github.com/haukened/zonewalk/internal/dns/services/orchestrator"
	"github.com/haukened/zonewalk/internal/dns/services/resolver"
	"github.com/haukened/zonewalk/internal/dns/services/secondary"
)

const (
	version = "0.1.0-dev"
	appName = "zonewalkd"

	defaultShutdownTimeout = 10 * time.Second
	queryLogLevel          = "info"
)

// Application holds all the components of the server.
type Application struct {
	config    *config.AppConfig
	registry  *registry.Registry
	handler   *orchestrator.Orchestrator
	transport *transport.UDPTransport
	transfers *zonexfer.Server // nil when disabled
	workers   []*secondary.Worker
	watcher   *zone.Watcher
	store     *zonestore.Store // nil when disabled
	closers   []func() error
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := log.Configure(cfg.Env, cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":       version,
		"env":           cfg.Env,
		"log_level":     cfg.LogLevel,
		"port":          cfg.Port,
		"transfer_port": cfg.TransferPort,
		"config":        cfg.ConfigPath,
		"recursive":     cfg.Recursive,
	}, "Starting "+appName)

	app, err := buildApplication(cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err.Error()}, "Failed to build application")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info(map[string]any{"signal": sig.String()}, "Shutdown signal received")
		cancel()
	}()

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err.Error()}, "Server failed")
	}
	log.Info(nil, appName+" stopped gracefully")
}

// buildApplication loads the server file and zones and wires every component.
// Nothing listens until Run.
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	app := &Application{config: cfg}
	if err := app.build(); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (app *Application) build() error {
	cfg := app.config
	logger := log.GetLogger()

	sf, err := config.LoadServerFile(cfg.ConfigPath)
	if err != nil {
		return err
	}
	roots, err := sf.RootServerAddrs()
	if err != nil {
		return err
	}

	if err := app.buildRepositories(sf); err != nil {
		return fmt.Errorf("failed to build repositories: %w", err)
	}

	queryLog, zoneLogs, err := app.openQueryLogs(sf)
	if err != nil {
		return err
	}

	codec := wire.NewCodec()
	client := upstream.NewClient(upstream.Options{Timeout: cfg.Timeout, Codec: codec})
	res := resolver.NewResolver(resolver.ResolverOptions{
		Upstream:       client,
		Logger:         logger,
		MaxDelegations: cfg.MaxDelegations,
	})
	app.handler = orchestrator.New(orchestrator.Options{
		Registry:    app.registry,
		Resolver:    res,
		RootServers: roots,
		Recursive:   cfg.Recursive,
		MaxInflight: cfg.MaxInflight,
		Logger:      logger,
		QueryLog:    queryLog,
		ZoneLogs:    zoneLogs,
	})
	app.transport = transport.NewUDPTransport(fmt.Sprintf(":%d", cfg.Port), codec, logger, cfg.Workers, cfg.QueueSize)

	log.Info(map[string]any{
		"root_servers": len(roots),
		"timeout":      cfg.Timeout.String(),
		"recursive":    cfg.Recursive,
	}, "Resolver configured")

	if cfg.TransferPort != 0 {
		acl, err := buildACL(sf)
		if err != nil {
			return err
		}
		app.transfers = zonexfer.NewServer(fmt.Sprintf(":%d", cfg.TransferPort), app.registry, acl, 0, logger)
	}

	if err := app.buildSecondaries(sf, logger); err != nil {
		return fmt.Errorf("failed to build secondaries: %w", err)
	}
	return nil
}

// buildRepositories loads the authoritative zones, starts watching their
// files and opens the secondary state database.
func (app *Application) buildRepositories(sf *config.ServerFile) error {
	reg, err := registry.New(app.config.CacheZones)
	if err != nil {
		return err
	}
	app.registry = reg

	zones, err := zone.LoadZones(sf)
	if err != nil {
		return err
	}
	for _, z := range zones {
		reg.Put(z)
	}

	app.watcher, err = zone.NewWatcher()
	if err != nil {
		return err
	}
	for _, name := range sf.ZoneNames() {
		zc := sf.Zones[name]
		if !zc.Authoritative() {
			continue
		}
		if err := app.watcher.Add(zc.DB, domain.ParseDomain(name), reg.Put); err != nil {
			return err
		}
	}

	log.Info(map[string]any{
		"config": app.config.ConfigPath,
		"zones":  len(zones),
	}, "Zones loaded")

	if app.config.StateDB != "" {
		app.store, err = zonestore.Open(app.config.StateDB)
		if err != nil {
			return err
		}
		log.Info(map[string]any{"path": app.config.StateDB}, "Zone state store opened")
	}
	return nil
}

// openQueryLogs opens the server-wide query log and one per zone, for those
// the server file names.
func (app *Application) openQueryLogs(sf *config.ServerFile) (log.Logger, map[domain.Domain]log.Logger, error) {
	var queryLog log.Logger
	if sf.LogFile != "" {
		l, closeFn, err := log.NewFileLogger(sf.LogFile, queryLogLevel)
		if err != nil {
			return nil, nil, err
		}
		queryLog = l
		app.closers = append(app.closers, closeFn)
	}

	zoneLogs := make(map[domain.Domain]log.Logger)
	for _, name := range sf.ZoneNames() {
		zc := sf.Zones[name]
		if zc.LogFile == "" {
			continue
		}
		l, closeFn, err := log.NewFileLogger(zc.LogFile, queryLogLevel)
		if err != nil {
			return nil, nil, err
		}
		zoneLogs[domain.ParseDomain(name)] = l
		app.closers = append(app.closers, closeFn)
	}
	return queryLog, zoneLogs, nil
}

// buildACL collects the secondaries allowed to pull each zone. Zones that list
// none may be pulled by anyone.
func buildACL(sf *config.ServerFile) (zonexfer.ACL, error) {
	acl := make(zonexfer.ACL)
	for _, name := range sf.ZoneNames() {
		addrs, err := sf.Zones[name].SecondaryAddrs()
		if err != nil {
			return nil, fmt.Errorf("zone %s: %w", name, err)
		}
		if len(addrs) > 0 {
			acl[domain.ParseDomain(name)] = addrs
		}
	}
	return acl, nil
}

// buildSecondaries creates one sync worker per replicated zone and restores
// any stored copy.
func (app *Application) buildSecondaries(sf *config.ServerFile, logger log.Logger) error {
	puller := zonexfer.NewClient(0)
	var store secondary.ZoneStore
	if app.store != nil {
		store = app.store
	}

	for _, name := range sf.ZoneNames() {
		zc := sf.Zones[name]
		if zc.Primary == "" {
			continue
		}
		primary, err := config.ParseServerAddr(zc.Primary)
		if err != nil {
			return fmt.Errorf("zone %s: %w", name, err)
		}
		w := secondary.NewWorker(secondary.Options{
			Zone:         domain.ParseDomain(name),
			Primary:      primary,
			Puller:       puller,
			Registry:     app.registry,
			Store:        store,
			Clock:        clock.RealClock{},
			Logger:       logger,
			DefaultRetry: app.config.DefaultRetry,
		})
		if err := w.Restore(); err != nil {
			return fmt.Errorf("zone %s: %w", name, err)
		}
		app.workers = append(app.workers, w)
	}
	return nil
}

// Run starts the servers and the secondary workers and blocks until ctx is
// cancelled.
func (app *Application) Run(ctx context.Context) error {
	defer app.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := app.transport.Start(runCtx, app.handler); err != nil {
		return fmt.Errorf("failed to start UDP transport: %w", err)
	}
	if app.transfers != nil {
		if err := app.transfers.Start(runCtx); err != nil {
			_ = app.transport.Stop()
			return fmt.Errorf("failed to start zone transfer server: %w", err)
		}
	}

	var wg sync.WaitGroup
	for _, w := range app.workers {
		wg.Add(1)
		go func(w *secondary.Worker) {
			defer wg.Done()
			w.Run(runCtx)
		}(w)
	}

	log.Info(map[string]any{
		"address":     app.transport.Address(),
		"secondaries": len(app.workers),
	}, "DNS server started")

	<-ctx.Done()
	log.Info(nil, "Shutdown initiated")
	cancel()

	if err := app.transport.Stop(); err != nil {
		log.Warn(map[string]any{"error": err.Error()}, "Error during transport shutdown")
	}
	if app.transfers != nil {
		if err := app.transfers.Stop(); err != nil {
			log.Warn(map[string]any{"error": err.Error()}, "Error during zone transfer server shutdown")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info(nil, "Graceful shutdown completed")
		return nil
	case <-time.After(defaultShutdownTimeout):
		log.Warn(map[string]any{"timeout": defaultShutdownTimeout.String()}, "Shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout")
	}
}

// close releases files held by the application. It is safe to call on a
// partially built application.
func (app *Application) close() {
	if app.watcher != nil {
		if err := app.watcher.Close(); err != nil {
			log.Warn(map[string]any{"error": err.Error()}, "Error closing zone watcher")
		}
		app.watcher = nil
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			log.Warn(map[string]any{"error": err.Error()}, "Error closing zone state store")
		}
		app.store = nil
	}
	for _, closeFn := range app.closers {
		_ = closeFn()
	}
	app.closers = nil
}
