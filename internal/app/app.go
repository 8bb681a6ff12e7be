// Package app wires the configuration into a running bot: venue
// adapters, market cache, risk, router and coordinator, plus the
// operator and observability surfaces around them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"dn-hedge-bot/internal/alerts"
	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/cost"
	"dn-hedge-bot/internal/funding"
	"dn-hedge-bot/internal/hedge"
	"dn-hedge-bot/internal/journal"
	"dn-hedge-bot/internal/logging"
	"dn-hedge-bot/internal/marketstate"
	"dn-hedge-bot/internal/metrics"
	"dn-hedge-bot/internal/risk"
	"dn-hedge-bot/internal/router"
	"dn-hedge-bot/internal/state/sqlite"
	"dn-hedge-bot/internal/stream"
	"dn-hedge-bot/internal/timescale"
	"dn-hedge-bot/internal/venue"
	"dn-hedge-bot/internal/venue/rest"
	"dn-hedge-bot/internal/venue/sim"
)

const streamBuffer = 64

type App struct {
	cfg         *config.Config
	log         *zap.Logger
	store       *sqlite.Store
	cache       *marketstate.Cache
	riskMgr     *risk.Manager
	router      *router.Router
	coordinator *hedge.Coordinator
	bus         *stream.Bus
	metrics     *metrics.Metrics
	metricsH    http.Handler
	alerts      *alerts.Telegram
	timescale   *timescale.Writer
	recorder    *journal.Writer
	gas         *cost.GasSource

	// Adapters the router trades through, plus feed-only adapters that
	// exist just to keep the cache fresh (paper mode).
	adapters map[string]venue.Adapter
	feeds    []venue.Adapter

	opsMu          sync.RWMutex
	paused         bool
	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if cfg.Mode == config.ModeBacktest {
		return nil, errors.New("backtest mode runs through cmd/backtest")
	}
	if log == nil {
		log = logging.New(cfg.Log)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	cache := marketstate.NewCache(cfg.Strategy.QuoteStaleness)

	costModel := cost.NewStatic(cfg.Cost)
	var gas *cost.GasSource
	if cfg.Mode == config.ModeLive && cfg.Cost.EthRPCURL != "" {
		gas, err = cost.NewGasSource(cfg.Cost.EthRPCURL)
		if err != nil {
			log.Warn("gas source unavailable, using flat gas cost", zap.Error(err))
		} else {
			costModel = costModel.WithGasSource(gas)
		}
	}

	adapters := make(map[string]venue.Adapter, len(cfg.Venues))
	var feeds []venue.Adapter
	for _, vc := range cfg.Venues {
		live := rest.NewAdapter(vc, cache, log)
		if cfg.Mode == config.ModeLive {
			adapters[live.Name()] = live
			continue
		}
		// Paper mode: live quote feeds, simulated execution.
		feeds = append(feeds, live)
		simAdapter := sim.New(vc.Name, cache, costModel, log)
		adapters[simAdapter.Name()] = simAdapter
	}

	m := metrics.NewNoop()
	var metricsH http.Handler
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheus()
		m = prom.Metrics
		metricsH = prom.Handler()
	}

	bus := stream.NewBus(streamBuffer)
	riskMgr := risk.NewManager(cfg.Risk)
	monitor := funding.NewMonitor(cfg.Strategy)
	rtr := router.New(log, cache, adapters, cfg.Strategy.LegTimeout, cfg.Mode != config.ModeLive)
	coordinator := hedge.NewCoordinator(cfg.Strategy, log, cache, monitor, riskMgr, rtr, store, bus, m)

	tsWriter, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("timescale: %w", err)
	}

	var recorder *journal.Writer
	if cfg.Journal.Record {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o755); err != nil {
			store.Close()
			return nil, err
		}
		recorder, err = journal.NewWriter(cfg.Journal.Path)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	return &App{
		cfg:         cfg,
		log:         log,
		store:       store,
		cache:       cache,
		riskMgr:     riskMgr,
		router:      rtr,
		coordinator: coordinator,
		bus:         bus,
		metrics:     m,
		metricsH:    metricsH,
		alerts:      alerts.NewTelegram(cfg.Telegram, log),
		timescale:   tsWriter,
		recorder:    recorder,
		gas:         gas,
		adapters:    adapters,
		feeds:       feeds,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.bus.Close()
	if a.gas != nil {
		defer a.gas.Close()
	}
	if a.recorder != nil {
		defer a.recorder.Close()
	}

	if err := a.coordinator.Recover(ctx); err != nil {
		return err
	}

	for _, feed := range a.feeds {
		if err := feed.Start(ctx); err != nil {
			return err
		}
	}
	for _, adapter := range a.adapters {
		if err := adapter.Start(ctx); err != nil {
			return err
		}
	}
	a.router.Start(ctx)

	if a.timescale != nil {
		a.timescale.Start(ctx)
		go a.timescale.Consume(ctx, a.bus.Subscribe())
		defer a.timescale.Close()
	}
	if a.metricsH != nil {
		a.serveMetrics(ctx)
	}
	if a.recorder != nil {
		go a.recordQuotes(ctx)
	}
	go a.alertLoop(ctx)
	a.startOperator(ctx)

	snap := a.coordinator.Snapshot()
	a.log.Info("bot running",
		zap.String("mode", string(a.cfg.Mode)),
		zap.String("symbol", a.cfg.Strategy.Symbol),
		zap.String("state", string(snap.State)),
		zap.Int("orphans", snap.Orphans),
	)
	if err := a.alerts.Send(ctx, fmt.Sprintf("bot started: mode=%s symbol=%s state=%s",
		a.cfg.Mode, a.cfg.Strategy.Symbol, snap.State)); err != nil {
		a.log.Warn("startup alert failed", zap.Error(err))
	}

	ticker := time.NewTicker(a.cfg.Strategy.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if a.isPaused() {
				continue
			}
			a.coordinator.Tick(ctx)
		}
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metricsH)
	srv := &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Warn("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// recordQuotes samples the cache at the tick cadence and appends any
// quote the journal has not seen yet. Replayed by cmd/backtest.
func (a *App) recordQuotes(ctx context.Context) {
	spot := marketstate.Instrument{Venue: a.cfg.Strategy.SpotVenue, Symbol: a.cfg.Strategy.Symbol, Kind: marketstate.KindSpot}
	perp := marketstate.Instrument{Venue: a.cfg.Strategy.PerpVenue, Symbol: a.cfg.Strategy.Symbol, Kind: marketstate.KindPerp}
	lastPrice := make(map[marketstate.Instrument]time.Time, 2)
	var lastFunding time.Time

	ticker := time.NewTicker(a.cfg.Strategy.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, instr := range []marketstate.Instrument{spot, perp} {
				q, ok := a.cache.Price(instr)
				if !ok || !q.ObservedAt.After(lastPrice[instr]) {
					continue
				}
				if err := a.recorder.WritePrice(q); err != nil {
					a.log.Warn("journal write failed", zap.Error(err))
					continue
				}
				lastPrice[instr] = q.ObservedAt
			}
			if fq, err := a.cache.FreshFunding(perp); err == nil && fq.ObservedAt.After(lastFunding) {
				if err := a.recorder.WriteFunding(fq); err != nil {
					a.log.Warn("journal write failed", zap.Error(err))
					continue
				}
				lastFunding = fq.ObservedAt
			}
		}
	}
}

// alertLoop forwards the events an operator should hear about
// immediately: emergency transitions, orphaned exposure and cycle
// outcomes.
func (a *App) alertLoop(ctx context.Context) {
	events := a.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg := alertMessage(ev)
			if msg == "" {
				continue
			}
			if err := a.alerts.Send(ctx, msg); err != nil {
				a.log.Warn("alert delivery failed", zap.Error(err))
			}
		}
	}
}

func alertMessage(ev stream.Event) string {
	switch ev.Type {
	case stream.TypeStateTransition:
		if ev.Tags["to"] == string(hedge.StateEmergency) {
			return fmt.Sprintf("EMERGENCY EXIT triggered (from %s)", ev.Tags["from"])
		}
	case stream.TypeOrphan:
		return fmt.Sprintf("orphaned exposure recorded: %s %s qty=%.6f (%s)",
			ev.Tags["venue"], ev.Tags["symbol"], ev.Values["qty"], ev.Tags["reason"])
	case stream.TypeCycleOutcome:
		return fmt.Sprintf("cycle %s (state %s)", ev.Tags["outcome"], ev.Tags["state"])
	}
	return ""
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.paused = paused
	return a.paused
}
