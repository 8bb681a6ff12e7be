// Command backtest replays a recorded quote journal through the
// simulated venues and the hedge coordinator, then prints a cycle and
// P&L summary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

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
	"dn-hedge-bot/internal/stream"
	"dn-hedge-bot/internal/venue"
	"dn-hedge-bot/internal/venue/sim"
)

type virtualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) Advance(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

type tally struct {
	mu          sync.Mutex
	opened      int
	closed      int
	rebalances  int
	emergencies int
	orphans     int
}

func (t *tally) consume(events <-chan stream.Event) {
	for ev := range events {
		t.mu.Lock()
		switch ev.Type {
		case stream.TypeStateTransition:
			switch ev.Tags["to"] {
			case string(hedge.StateNeutral):
				if ev.Tags["from"] == string(hedge.StateOpening) {
					t.opened++
				}
			case string(hedge.StateEmergency):
				t.emergencies++
			}
			if ev.Tags["from"] == string(hedge.StateRebalancing) && ev.Tags["to"] == string(hedge.StateNeutral) {
				t.rebalances++
			}
		case stream.TypeCycleOutcome:
			if ev.Tags["outcome"] == "closed" {
				t.closed++
			}
		case stream.TypeOrphan:
			t.orphans++
		}
		t.mu.Unlock()
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	journalPath := flag.String("journal", "", "journal path (defaults to journal.path from config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	path := *journalPath
	if path == "" {
		path = cfg.Journal.Path
	}
	log := logging.New(config.LoggingConfig{Level: "warn"})
	defer func() { _ = log.Sync() }()

	summary, err := replay(cfg, log, path)
	if err != nil {
		fatal(err)
	}
	fmt.Print(summary)
}

func replay(cfg *config.Config, log *zap.Logger, path string) (string, error) {
	reader, err := journal.NewReader(path)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	clock := &virtualClock{}
	cache := marketstate.NewCache(cfg.Strategy.QuoteStaleness)
	cache.SetClock(clock.Now)

	costModel := cost.NewStatic(cfg.Cost)
	adapters := map[string]venue.Adapter{
		cfg.Strategy.SpotVenue: sim.New(cfg.Strategy.SpotVenue, cache, costModel, log),
		cfg.Strategy.PerpVenue: sim.New(cfg.Strategy.PerpVenue, cache, costModel, log),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, a := range adapters {
		if err := a.Start(ctx); err != nil {
			return "", err
		}
	}
	rtr := router.New(log, cache, adapters, cfg.Strategy.LegTimeout, true)
	rtr.Start(ctx)

	bus := stream.NewBus(256)
	counts := &tally{}
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		counts.consume(bus.Subscribe())
	}()

	coordinator := hedge.NewCoordinator(
		cfg.Strategy, log, cache,
		funding.NewMonitor(cfg.Strategy),
		risk.NewManager(cfg.Risk),
		rtr, nil, bus, metrics.NewNoop(),
	)
	coordinator.SetClock(clock.Now)

	perpInstr := marketstate.Instrument{
		Venue: cfg.Strategy.PerpVenue, Symbol: cfg.Strategy.Symbol, Kind: marketstate.KindPerp,
	}

	var (
		records    int
		ticks      int
		fundingUSD float64
		nextTick   time.Time
	)
	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		records++
		clock.Advance(rec.ObservedAt())
		journal.Apply(cache, rec)

		// Each recorded funding observation counts as one settlement
		// against the open perp leg.
		if rec.IsFunding() && rec.Instrument() == perpInstr {
			if pos, ok := cache.Position(perpInstr); ok && !pos.IsFlat() {
				if mark, okP := cache.Price(perpInstr); okP {
					fundingUSD += -pos.Qty * rec.Rate * mark.Price
				}
			}
		}

		if nextTick.IsZero() {
			nextTick = rec.ObservedAt().Add(cfg.Strategy.TickInterval)
			continue
		}
		for !rec.ObservedAt().Before(nextTick) {
			coordinator.Tick(ctx)
			ticks++
			nextTick = nextTick.Add(cfg.Strategy.TickInterval)
		}
	}

	// Flush an open position so the summary reflects a completed run.
	if s := coordinator.Snapshot(); s.SpotQty != 0 || s.PerpQty != 0 {
		coordinator.RequestClose()
		coordinator.Tick(ctx)
		ticks++
	}

	snap := coordinator.Snapshot()
	bus.Close()
	<-drained

	counts.mu.Lock()
	defer counts.mu.Unlock()
	return fmt.Sprintf(`backtest summary
  journal:        %s
  records:        %d
  ticks:          %d
  cycles opened:  %d
  cycles closed:  %d
  rebalances:     %d
  emergencies:    %d
  orphans:        %d
  funding P&L:    %.4f USD
  final state:    %s
  final spot qty: %.6f
  final perp qty: %.6f
`, path, records, ticks, counts.opened, counts.closed, counts.rebalances,
		counts.emergencies, counts.orphans, fundingUSD, snap.State, snap.SpotQty, snap.PerpQty), nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "backtest: %v\n", err)
	os.Exit(1)
}
