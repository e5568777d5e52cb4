// Package bootstrap assembles the engine. NewApp builds every component in
// dependency order (logging, telemetry, storage, keystore, bus, venue
// registry, then the processing components on top) and Run drives the
// lifecycle: symbol discovery, pools and feeds, position resume, the metrics
// server, and an orderly reverse-order shutdown on SIGINT/SIGTERM.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"funding_arb/internal/closer"
	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/datasource"
	"funding_arb/internal/detector"
	"funding_arb/internal/events"
	"funding_arb/internal/exchange"
	"funding_arb/internal/exitmonitor"
	"funding_arb/internal/keystore"
	"funding_arb/internal/notify"
	"funding_arb/internal/pool"
	"funding_arb/internal/publish"
	"funding_arb/internal/rates"
	"funding_arb/internal/storage"
	"funding_arb/internal/trigger"
	"funding_arb/pkg/logging"
	"funding_arb/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

// App owns every engine component and the wiring between them.
type App struct {
	cfg    *config.Config
	logger core.ILogger
	zl     *logging.ZapLogger

	store    *storage.Store
	bus      *events.Bus
	registry *exchange.Registry

	agg       *rates.Aggregator
	sources   *datasource.Manager
	detector  *detector.Detector
	exits     *exitmonitor.Monitor
	closer    *closer.Closer
	trigger   *trigger.Detector
	notifier  *notify.Dispatcher
	publisher *publish.Publisher

	// rest holds one long-lived market-data adapter per venue for discovery
	// and REST polling; pools dial their own connections separately.
	rest    map[string]core.IExchangeAdapter
	pools   map[string]*pool.Pool
	symbols []string

	streams  []core.IOrderStreamer
	streamed map[string]struct{}

	health   *healthServer
	pumpWG   sync.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once
}

// NewApp wires the engine from configuration. Storage failures are fatal; a
// missing keystore secret or unreachable Redis degrade the engine (detection
// only, no external mirror) instead of refusing to start.
func NewApp(cfg *config.Config) (*App, error) {
	zl, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(zl)
	var logger core.ILogger = zl

	if cfg.Telemetry.EnableMetrics {
		if err := telemetry.InitMetrics(); err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
	}

	store, err := storage.Open(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	keys, err := keystore.New(cfg.Keystore, store, logger)
	if err != nil {
		logger.Warn("Keystore unavailable, running detection-only", "error", err.Error())
		keys = nil
	}

	bus := events.NewBus(logger)

	a := &App{
		cfg:      cfg,
		logger:   logger,
		zl:       zl,
		store:    store,
		bus:      bus,
		registry: exchange.NewRegistry(cfg, keys, logger),
		rest:     make(map[string]core.IExchangeAdapter),
		pools:    make(map[string]*pool.Pool),
		streamed: make(map[string]struct{}),
		quit:     make(chan struct{}),
	}

	a.agg = rates.NewAggregator(aggregatorConfig(cfg.Engine), bus, logger)
	a.sources = datasource.NewManager(cfg.DataSource, bus, a.recoverFeed, a.pollFeed, logger)
	a.detector = detector.NewDetector(cfg.Engine, bus, store, logger)
	a.closer = closer.NewCloser(cfg.Closer, cfg.Concurrency, bus, store, a.registry, logger)
	a.exits = exitmonitor.NewMonitor(cfg.ExitMonitor, cfg.Concurrency, bus, store, a.registry, logger)
	a.trigger = trigger.NewDetector(cfg.Trigger, bus, store, a.closer, logger)
	a.notifier = notify.NewDispatcher(cfg.Notify, cfg.Concurrency, bus, store, a.detector, logger)

	if cfg.Redis.Enabled {
		pub, err := publish.New(cfg.Redis, bus, logger)
		if err != nil {
			logger.Warn("External publisher unavailable, events stay internal", "error", err.Error())
		} else {
			a.publisher = pub
		}
	}

	if cfg.Telemetry.EnableMetrics {
		a.health = newHealthServer(cfg.Telemetry.MetricsPort, logger)
		a.health.SetResolver(a.closer)
		a.health.Register("storage", func() error { return store.Ping(context.Background()) })
		a.health.Register("datasource", a.checkFeeds)
	}

	return a, nil
}

func aggregatorConfig(cfg config.EngineConfig) rates.AggregatorConfig {
	return rates.AggregatorConfig{
		TargetBasisHours:  cfg.TargetBasisHours,
		BandGreenPercent:  decimal.NewFromFloat(cfg.BandGreenPercent),
		BandYellowPercent: decimal.NewFromFloat(cfg.BandYellowPercent),
		BandDebounce:      cfg.BandDebounce(),
	}
}

// Run starts the engine and blocks until a termination signal or a fatal
// component error. Shutdown always runs, whichever way Run exits.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.start(ctx); err != nil {
		a.shutdown()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.health != nil {
		g.Go(func() error { return a.health.Serve(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	err := g.Wait()
	a.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("Engine shut down")
	return nil
}

func (a *App) start(ctx context.Context) error {
	venues := a.cfg.EnabledVenues()
	if len(venues) == 0 {
		return fmt.Errorf("no venues enabled")
	}

	for _, venue := range venues {
		adapter, err := a.registry.MarketData(venue)
		if err != nil {
			return fmt.Errorf("venue %s: %w", venue, err)
		}
		a.rest[venue] = adapter
	}

	symbols, err := a.resolveSymbols(ctx, venues)
	if err != nil {
		return err
	}
	a.symbols = symbols
	a.logger.Info("Trading universe resolved",
		"venues", len(venues), "symbols", len(symbols))

	for _, venue := range venues {
		vcfg := a.cfg.Venues[venue]
		mode := sourceMode(vcfg.SourceMode)
		a.sources.Register(venue, core.DataFundingRate, mode)
		// Conditional order fills are polled; the Binance user stream, when a
		// position brings one up, only shortens the detection latency.
		a.sources.Register(venue, core.DataOrder, core.ModeRest)
		if mode != core.ModeRest {
			a.pools[venue] = pool.New(venue, vcfg.MaxSubsPerConn, a.registry.Dialer(venue), a.logger)
		}
	}

	if err := a.sources.Start(ctx); err != nil {
		return err
	}
	if err := a.detector.Start(ctx); err != nil {
		return err
	}
	if err := a.exits.Start(ctx); err != nil {
		return err
	}
	if err := a.closer.Start(ctx); err != nil {
		return err
	}
	if err := a.trigger.Start(ctx); err != nil {
		return err
	}
	if err := a.notifier.Start(ctx); err != nil {
		return err
	}
	if a.publisher != nil {
		if err := a.publisher.Start(ctx); err != nil {
			return err
		}
	}

	for venue, p := range a.pools {
		a.pumpWG.Add(1)
		go a.pump(p)

		failures := p.SubscribeAll(ctx, a.symbols)
		for symbol, serr := range failures {
			a.logger.Warn("Initial subscribe failed",
				"venue", venue, "symbol", symbol, "error", serr.Error())
		}
		if len(a.symbols) > 0 && len(failures) == len(a.symbols) {
			a.sources.DisableWebSocket(venue, core.DataFundingRate, "initial subscribe failed")
		}
	}

	a.resumePositions(ctx)
	return nil
}

// shutdown tears the engine down in reverse dependency order: consumers off
// the bus first, pollers next, then transports, and storage last.
func (a *App) shutdown() {
	if a.publisher != nil {
		a.publisher.Stop()
	}
	_ = a.notifier.Stop()
	_ = a.trigger.Stop()
	_ = a.exits.Stop()
	_ = a.detector.Stop()
	_ = a.sources.Stop()

	for _, s := range a.streams {
		s.StopOrderStream()
	}
	a.quitOnce.Do(func() { close(a.quit) })

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for venue, p := range a.pools {
		if err := p.Destroy(ctx); err != nil {
			a.logger.Warn("Pool teardown timed out", "venue", venue, "error", err.Error())
		}
	}
	a.pumpWG.Wait()

	a.bus.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Closing database failed", "error", err.Error())
		}
	}
	_ = a.zl.Sync()
}

// checkFeeds fails the health probe when any funding-rate feed is stale.
func (a *App) checkFeeds() error {
	var stale []string
	for _, st := range a.sources.States() {
		if st.DataType != core.DataFundingRate {
			continue
		}
		if a.sources.IsDataStale(st.Venue, st.DataType) {
			stale = append(stale, st.Venue)
		}
	}
	if len(stale) > 0 {
		return fmt.Errorf("stale funding data: %v", stale)
	}
	return nil
}

func sourceMode(s string) core.SourceMode {
	switch s {
	case string(core.ModeWebSocket):
		return core.ModeWebSocket
	case string(core.ModeRest):
		return core.ModeRest
	default:
		return core.ModeHybrid
	}
}
