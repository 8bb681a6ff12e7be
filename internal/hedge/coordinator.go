// Package hedge owns the strategy state machine and the cycle logic
// around it: when to open the two-legged carry position, when to issue
// a corrective rebalance, and how to get flat again under normal exit,
// operator request or a risk emergency.
package hedge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/delta"
	"dn-hedge-bot/internal/funding"
	"dn-hedge-bot/internal/marketstate"
	"dn-hedge-bot/internal/metrics"
	"dn-hedge-bot/internal/risk"
	"dn-hedge-bot/internal/router"
	"dn-hedge-bot/internal/state"
	"dn-hedge-bot/internal/stream"
	"dn-hedge-bot/internal/venue"
)

const minLegQty = 1e-8

// Executor abstracts the execution router.
type Executor interface {
	Execute(ctx context.Context, intent router.Intent) (router.Outcome, error)
}

// Coordinator drives one strategy instance. A single mutex covers the
// whole tick so no two hedge cycles ever overlap for one instance.
type Coordinator struct {
	cfg     config.StrategyConfig
	log     *zap.Logger
	sm      *StateMachine
	cache   *marketstate.Cache
	monitor *funding.Monitor
	riskMgr *risk.Manager
	exec    Executor
	store   state.Store
	bus     *stream.Bus
	m       *metrics.Metrics
	now     func() time.Time

	spotInstr marketstate.Instrument
	perpInstr marketstate.Instrument

	mu             sync.Mutex
	entryAPY       float64
	lastRebalance  time.Time
	closeRequested bool
	orphans        []state.OrphanRecord
}

func NewCoordinator(
	cfg config.StrategyConfig,
	log *zap.Logger,
	cache *marketstate.Cache,
	monitor *funding.Monitor,
	riskMgr *risk.Manager,
	exec Executor,
	store state.Store,
	bus *stream.Bus,
	m *metrics.Metrics,
) *Coordinator {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Coordinator{
		cfg:     cfg,
		log:     log,
		sm:      NewStateMachine(),
		cache:   cache,
		monitor: monitor,
		riskMgr: riskMgr,
		exec:    exec,
		store:   store,
		bus:     bus,
		m:       m,
		now:     time.Now,
		spotInstr: marketstate.Instrument{
			Venue: cfg.SpotVenue, Symbol: cfg.Symbol, Kind: marketstate.KindSpot,
		},
		perpInstr: marketstate.Instrument{
			Venue: cfg.PerpVenue, Symbol: cfg.Symbol, Kind: marketstate.KindPerp,
		},
	}
}

// SetClock overrides time for tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Coordinator) State() State {
	return c.sm.Current()
}

// RequestClose asks for an orderly unwind on the next tick.
func (c *Coordinator) RequestClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeRequested = true
}

// Orphans returns recorded unresolved exposure.
func (c *Coordinator) Orphans() []state.OrphanRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]state.OrphanRecord, len(c.orphans))
	copy(out, c.orphans)
	return out
}

// ClearOrphans drops the orphan records after an operator resolved the
// exposure manually, unblocking automated entries.
func (c *Coordinator) ClearOrphans(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := state.ClearOrphans(ctx, c.store); err != nil {
		return err
	}
	c.orphans = nil
	return nil
}

// Recover restores coordinator state after a restart: orphan records
// are reloaded and, when the book still carries the position the last
// snapshot describes, the machine resumes in Neutral instead of
// re-entering from scratch.
func (c *Coordinator) Recover(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	orphans, err := state.LoadOrphans(ctx, c.store)
	if err != nil {
		return err
	}
	c.orphans = orphans
	if len(orphans) > 0 {
		c.log.Warn("orphaned exposure on record, entries blocked", zap.Int("count", len(orphans)))
	}

	snapshot, ok, err := state.LoadCoordinatorSnapshot(ctx, c.store)
	if err != nil {
		return err
	}
	spotPos, _ := c.cache.Position(c.spotInstr)
	perpPos, _ := c.cache.Position(c.perpInstr)
	if spotPos.IsFlat() && perpPos.IsFlat() {
		return nil
	}
	c.sm.Restore(StateNeutral)
	if ok {
		c.entryAPY = snapshot.EntryFundingAPY
		if snapshot.CooldownUntilMS > 0 {
			c.lastRebalance = time.UnixMilli(snapshot.CooldownUntilMS).Add(-c.cfg.RebalanceCooldown)
		}
	}
	c.log.Info("recovered open position",
		zap.Float64("spot_qty", spotPos.Qty),
		zap.Float64("perp_qty", perpPos.Qty),
		zap.String("state", string(StateNeutral)))
	return nil
}

// Tick runs one evaluation pass. It is the only entry point that moves
// the cycle forward.
func (c *Coordinator) Tick(ctx context.Context) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.sm.Current() {
	case StateIdle:
		c.transition(EventTick)
		c.evaluate(ctx)
	case StateEvaluating:
		c.evaluate(ctx)
	case StateNeutral:
		c.manage(ctx)
	case StateClosed:
		c.transition(EventTick)
	default:
		// a mid-cycle state at tick entry means the last cycle did not
		// finish cleanly; unwind to a defined state
		c.log.Warn("tick in mid-cycle state, forcing unwind", zap.String("state", string(c.sm.Current())))
		c.close(ctx, "mid-cycle recovery")
	}
	return c.sm.Current()
}

func (c *Coordinator) evaluate(ctx context.Context) {
	if len(c.orphans) > 0 {
		c.log.Warn("entry blocked by orphaned exposure", zap.Int("count", len(c.orphans)))
		c.transition(EventHold)
		return
	}

	quote, err := c.cache.FreshFunding(c.perpInstr)
	if err != nil {
		c.log.Debug("no usable funding quote", zap.Error(err))
		c.transition(EventHold)
		return
	}
	apy := c.monitor.AnnualizedAPY(quote.Rate)
	c.m.FundingAPY.Set(apy)

	if c.monitor.Evaluate(quote, false) != funding.SignalEnter {
		c.transition(EventHold)
		return
	}

	assessment := c.riskMgr.Assess(c.riskInput(0))
	if assessment.Verdict != risk.VerdictOk {
		c.publishRisk(assessment)
		if assessment.Verdict == risk.VerdictThrottle {
			c.m.RiskThrottles.Inc()
		}
		c.log.Info("entry blocked by risk", zap.String("verdict", string(assessment.Verdict)), zap.String("reason", assessment.Reason))
		c.transition(EventHold)
		return
	}

	spotQuote, err := c.cache.FreshPrice(c.spotInstr)
	if err != nil {
		c.transition(EventHold)
		return
	}
	if spotQuote.Price <= 0 {
		c.log.Warn("unusable spot mark", zap.Float64("price", spotQuote.Price))
		c.transition(EventHold)
		return
	}
	if _, err := c.cache.FreshPrice(c.perpInstr); err != nil {
		c.transition(EventHold)
		return
	}

	// both opening legs are in flight at once; check the aggregate cap
	// against that transient notional before committing
	inFlight := 2 * c.cfg.TargetNotionalUSD
	if pre := c.riskMgr.Assess(c.riskInput(inFlight)); pre.Verdict != risk.VerdictOk {
		c.publishRisk(pre)
		c.m.RiskThrottles.Inc()
		c.log.Info("entry blocked, opening notional would breach exposure cap", zap.String("reason", pre.Reason))
		c.transition(EventHold)
		return
	}

	qty := c.cfg.TargetNotionalUSD / spotQuote.Price
	c.transition(EventEnter)
	c.open(ctx, qty, apy)
}

func (c *Coordinator) open(ctx context.Context, qty, apy float64) {
	intent := router.NewIntent("open",
		router.Leg{Instrument: c.spotInstr, Side: venue.SideBuy, Qty: qty},
		router.Leg{Instrument: c.perpInstr, Side: venue.SideSell, Qty: qty},
	)
	c.m.OrdersPlaced.Inc()
	c.m.OrdersPlaced.Inc()
	_, err := c.execute(ctx, intent)

	if err != nil {
		var partial *router.PartialFillError
		if errors.As(err, &partial) {
			c.m.PartialFills.Inc()
			err = c.retryToward(ctx, "open_retry", qty, -qty)
		}
	}
	if err == nil {
		c.entryAPY = apy
		c.transition(EventOpened)
		c.m.CyclesOpened.Inc()
		c.publishCycle("opened", map[string]float64{"qty": qty, "entry_apy": apy})
		c.log.Info("hedge opened", zap.Float64("qty", qty), zap.Float64("entry_apy", apy))
		c.saveSnapshot(ctx)
		return
	}

	c.m.OrdersFailed.Inc()
	c.log.Error("opening failed, unwinding filled legs", zap.Error(err))
	if unwindErr := c.retryToward(ctx, "open_unwind", 0, 0); unwindErr != nil {
		c.recordOrphans(ctx, intent.ID.String(), "open unwind failed")
	}
	c.transition(EventOpenFailed)
	c.saveSnapshot(ctx)
}

func (c *Coordinator) manage(ctx context.Context) {
	positions := c.cache.Positions()
	marks := c.cache.Marks()
	report := delta.Compute(positions, marks)
	c.m.NetDeltaUSD.Set(report.NetUSD)
	c.m.GrossDeltaUSD.Set(report.GrossUSD)
	c.publishDelta(report)

	assessment := c.riskMgr.Assess(c.riskInput(0))
	if assessment.Verdict == risk.VerdictEmergencyExit {
		c.publishRisk(assessment)
		c.m.EmergencyExits.Inc()
		c.log.Error("emergency exit", zap.String("reason", assessment.Reason))
		c.transition(EventEmergency)
		c.close(ctx, "emergency: "+assessment.Reason)
		return
	}

	if c.closeRequested {
		c.transition(EventExit)
		c.close(ctx, "operator close")
		return
	}

	if quote, err := c.cache.FreshFunding(c.perpInstr); err == nil {
		apy := c.monitor.AnnualizedAPY(quote.Rate)
		c.m.FundingAPY.Set(apy)
		if c.monitor.Evaluate(quote, true) == funding.SignalExit {
			c.log.Info("funding no longer favorable", zap.Float64("apy", apy), zap.Float64("entry_apy", c.entryAPY))
			c.transition(EventExit)
			c.close(ctx, "funding exit")
			return
		}
	}

	// NetUSD excludes unpriced legs: a corrective sized from it would
	// trade against phantom drift while real exposure hides behind a
	// stale quote. Hold the book until every leg prices again.
	if report.HasUnpriced() {
		c.log.Warn("rebalance suppressed, unpriced exposure",
			zap.Int("unpriced", len(report.Unpriced)))
		c.publishRisk(risk.Assessment{
			Verdict: risk.VerdictThrottle,
			Reason:  fmt.Sprintf("%d unpriced position(s)", len(report.Unpriced)),
		})
		return
	}
	if assessment.Verdict == risk.VerdictThrottle {
		c.publishRisk(assessment)
		c.m.RiskThrottles.Inc()
		c.log.Warn("rebalance suppressed by risk throttle", zap.String("reason", assessment.Reason))
		return
	}

	dev := report.DeviationPct(c.cfg.TargetNotionalUSD)
	if dev <= c.cfg.RebalanceThresholdPct {
		return
	}
	if c.now().Sub(c.lastRebalance) < c.cfg.RebalanceCooldown {
		c.log.Debug("rebalance suppressed by cooldown", zap.Float64("deviation_pct", dev))
		return
	}
	c.transition(EventDrift)
	c.rebalance(ctx, report)
}

// rebalance issues one corrective perp leg sized to close exactly the
// measured excess. Risk is re-checked first: an emergency mid-drift
// aborts the correction and goes straight to closing.
func (c *Coordinator) rebalance(ctx context.Context, report delta.Report) {
	assessment := c.riskMgr.Assess(c.riskInput(math.Abs(report.NetUSD)))
	if assessment.Verdict == risk.VerdictEmergencyExit {
		c.publishRisk(assessment)
		c.m.EmergencyExits.Inc()
		c.log.Error("emergency during rebalance", zap.String("reason", assessment.Reason))
		c.transition(EventEmergency)
		c.close(ctx, "emergency: "+assessment.Reason)
		return
	}

	c.lastRebalance = c.now()

	perpQuote, err := c.cache.FreshPrice(c.perpInstr)
	if err != nil {
		c.log.Warn("rebalance skipped, perp mark unavailable", zap.Error(err))
		c.transition(EventRebalanced)
		return
	}
	perpPos, _ := c.cache.Position(c.perpInstr)
	spotPos, _ := c.cache.Position(c.spotInstr)
	adjust := -report.NetUSD / perpQuote.Price
	legs := c.legsToward(spotPos.Qty, perpPos.Qty+adjust)
	if len(legs) == 0 {
		c.transition(EventRebalanced)
		return
	}

	intent := router.NewIntent("rebalance", legs...)
	for range legs {
		c.m.OrdersPlaced.Inc()
	}
	if _, err := c.execute(ctx, intent); err != nil {
		var partial *router.PartialFillError
		if errors.As(err, &partial) {
			c.m.PartialFills.Inc()
		} else {
			c.m.OrdersFailed.Inc()
		}
		c.log.Error("rebalance incomplete, will re-evaluate next tick", zap.Error(err))
	} else {
		c.m.Rebalances.Inc()
		c.publishCycle("rebalanced", map[string]float64{"net_usd": report.NetUSD})
		c.log.Info("rebalanced", zap.Float64("corrected_usd", report.NetUSD))
	}
	c.transition(EventRebalanced)
	c.saveSnapshot(ctx)
}

// close drives both legs to zero. Remaining exposure after bounded
// retries becomes orphan records; the cycle still reaches Closed so the
// machine is never left ambiguous.
func (c *Coordinator) close(ctx context.Context, reason string) {
	err := c.retryToward(ctx, "close", 0, 0)
	if err != nil {
		c.m.OrdersFailed.Inc()
		c.recordOrphans(ctx, "", "unwind failed: "+reason)
	}
	c.closeRequested = false
	c.entryAPY = 0
	c.transition(EventDone)
	c.m.CyclesClosed.Inc()
	c.publishCycle("closed", nil)
	c.log.Info("hedge closed", zap.String("reason", reason))
	c.saveSnapshot(ctx)
}

// retryToward executes legs moving the book to the given target
// quantities, re-deriving the remainder from the cache between
// attempts, bounded by max_leg_retries.
func (c *Coordinator) retryToward(ctx context.Context, reason string, spotTarget, perpTarget float64) error {
	var lastErr error
	attempts := c.cfg.MaxLegRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		legs := c.legsToward(spotTarget, perpTarget)
		if len(legs) == 0 {
			return nil
		}
		intent := router.NewIntent(reason, legs...)
		for range legs {
			c.m.OrdersPlaced.Inc()
		}
		if _, err := c.execute(ctx, intent); err != nil {
			lastErr = err
			var partial *router.PartialFillError
			if errors.As(err, &partial) {
				c.m.PartialFills.Inc()
			}
			continue
		}
		if len(c.legsToward(spotTarget, perpTarget)) == 0 {
			return nil
		}
	}
	if lastErr == nil {
		lastErr = errors.New("target quantities not reached")
	}
	return lastErr
}

// execute runs one intent under the per-cycle deadline; legs of the
// intent share it as an aggregate budget.
func (c *Coordinator) execute(ctx context.Context, intent router.Intent) (router.Outcome, error) {
	if c.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CycleTimeout)
		defer cancel()
	}
	return c.exec.Execute(ctx, intent)
}

// legsToward derives the orders that move current cache positions to
// the target quantities.
func (c *Coordinator) legsToward(spotTarget, perpTarget float64) []router.Leg {
	var legs []router.Leg
	for _, want := range []struct {
		instr  marketstate.Instrument
		target float64
	}{
		{c.spotInstr, spotTarget},
		{c.perpInstr, perpTarget},
	} {
		pos, _ := c.cache.Position(want.instr)
		diff := want.target - pos.Qty
		if math.Abs(diff) <= minLegQty {
			continue
		}
		side := venue.SideBuy
		if diff < 0 {
			side = venue.SideSell
		}
		legs = append(legs, router.Leg{Instrument: want.instr, Side: side, Qty: math.Abs(diff)})
	}
	return legs
}

func (c *Coordinator) recordOrphans(ctx context.Context, intentID, reason string) {
	var orphans []state.OrphanRecord
	for _, instr := range []marketstate.Instrument{c.spotInstr, c.perpInstr} {
		pos, ok := c.cache.Position(instr)
		if !ok || pos.IsFlat() {
			continue
		}
		rec := state.OrphanRecord{
			IntentID:    intentID,
			Venue:       instr.Venue,
			Symbol:      instr.Symbol,
			Kind:        string(instr.Kind),
			Qty:         pos.Qty,
			AvgPrice:    pos.AvgEntryPrice,
			Reason:      reason,
			CreatedAtMS: c.now().UnixMilli(),
		}
		if err := state.AppendOrphan(ctx, c.store, rec); err != nil {
			c.log.Error("orphan record not persisted", zap.Error(err))
		}
		orphans = append(orphans, rec)
		c.m.OrphansRecorded.Inc()
		c.publish(stream.Event{
			Type: stream.TypeOrphan,
			Tags: map[string]string{"venue": rec.Venue, "symbol": rec.Symbol, "reason": reason},
			Values: map[string]float64{
				"qty":       rec.Qty,
				"avg_price": rec.AvgPrice,
			},
		})
	}
	if len(orphans) == 0 {
		return
	}
	c.orphans = append(c.orphans, orphans...)
	c.log.Error("orphaned exposure recorded", zap.Error(&OrphanedPositionError{Orphans: orphans}))
}

func (c *Coordinator) transition(event Event) {
	from := c.sm.Current()
	to := c.sm.Apply(event)
	if to == from {
		return
	}
	c.log.Debug("state transition",
		zap.String("from", string(from)),
		zap.String("event", string(event)),
		zap.String("to", string(to)))
	c.publish(stream.Event{
		Type: stream.TypeStateTransition,
		Tags: map[string]string{"from": string(from), "event": string(event), "to": string(to)},
	})
}

func (c *Coordinator) riskInput(openOrderNotionalUSD float64) risk.Input {
	return risk.Input{
		Positions:            c.cache.Positions(),
		Marks:                c.cache.Marks(),
		OpenOrderNotionalUSD: openOrderNotionalUSD,
		ClosedPnLUSD:         c.cache.ClosedPnLUSD(),
	}
}

func (c *Coordinator) publish(ev stream.Event) {
	if c.bus == nil {
		return
	}
	if ev.Tags == nil {
		ev.Tags = map[string]string{}
	}
	ev.Tags["symbol"] = c.cfg.Symbol
	c.bus.Publish(ev)
}

func (c *Coordinator) publishDelta(report delta.Report) {
	c.publish(stream.Event{
		Type: stream.TypeDeltaTick,
		Values: map[string]float64{
			"net_usd":       report.NetUSD,
			"gross_usd":     report.GrossUSD,
			"deviation_pct": report.DeviationPct(c.cfg.TargetNotionalUSD),
			"unpriced":      float64(len(report.Unpriced)),
		},
	})
}

func (c *Coordinator) publishRisk(a risk.Assessment) {
	c.publish(stream.Event{
		Type: stream.TypeRiskVerdict,
		Tags: map[string]string{"verdict": string(a.Verdict), "reason": a.Reason},
	})
}

func (c *Coordinator) publishCycle(outcome string, values map[string]float64) {
	c.publish(stream.Event{
		Type:   stream.TypeCycleOutcome,
		Tags:   map[string]string{"outcome": outcome, "state": string(c.sm.Current())},
		Values: values,
	})
}

func (c *Coordinator) saveSnapshot(ctx context.Context) {
	spotPos, _ := c.cache.Position(c.spotInstr)
	perpPos, _ := c.cache.Position(c.perpInstr)
	snapshot := state.CoordinatorSnapshot{
		State:             string(c.sm.Current()),
		Symbol:            c.cfg.Symbol,
		SpotVenue:         c.cfg.SpotVenue,
		PerpVenue:         c.cfg.PerpVenue,
		SpotQty:           spotPos.Qty,
		PerpQty:           perpPos.Qty,
		EntryFundingAPY:   c.entryAPY,
		TargetNotionalUSD: c.cfg.TargetNotionalUSD,
		CooldownUntilMS:   c.lastRebalance.Add(c.cfg.RebalanceCooldown).UnixMilli(),
		UpdatedAtMS:       c.now().UnixMilli(),
	}
	if err := state.SaveCoordinatorSnapshot(ctx, c.store, snapshot); err != nil {
		c.log.Error("snapshot not persisted", zap.Error(err))
	}
}

// Status summarizes the instance for the operator surface.
type Status struct {
	State           State
	Symbol          string
	SpotQty         float64
	PerpQty         float64
	NetDeltaUSD     float64
	DeviationPct    float64
	EntryFundingAPY float64
	RiskLatched     bool
	Orphans         int
}

func (c *Coordinator) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	spotPos, _ := c.cache.Position(c.spotInstr)
	perpPos, _ := c.cache.Position(c.perpInstr)
	report := delta.Compute(c.cache.Positions(), c.cache.Marks())
	return Status{
		State:           c.sm.Current(),
		Symbol:          c.cfg.Symbol,
		SpotQty:         spotPos.Qty,
		PerpQty:         perpPos.Qty,
		NetDeltaUSD:     report.NetUSD,
		DeviationPct:    report.DeviationPct(c.cfg.TargetNotionalUSD),
		EntryFundingAPY: c.entryAPY,
		RiskLatched:     c.riskMgr.Latched(),
		Orphans:         len(c.orphans),
	}
}
