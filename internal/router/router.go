// Package router turns hedge intents into venue orders. It submits all
// legs of an intent concurrently, tracks each order to a terminal
// status through the adapter fill streams and folds fills back into the
// position cache. Reconciling partially executed intents is the
// caller's job; the router reports exactly what happened.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dn-hedge-bot/internal/marketstate"
	"dn-hedge-bot/internal/venue"
)

const (
	submitAttempts = 3
	cancelGrace    = 2 * time.Second
)

// Leg is one order to place: an unsigned quantity plus a side.
type Leg struct {
	Instrument marketstate.Instrument
	Side       venue.Side
	Qty        float64
}

func (l Leg) signedQty() float64 {
	if l.Side == venue.SideSell {
		return -l.Qty
	}
	return l.Qty
}

// Intent is a group of legs executed together. The ID ties log lines,
// persisted records and journal events of one cycle to each other.
type Intent struct {
	ID     uuid.UUID
	Reason string
	Legs   []Leg
}

func NewIntent(reason string, legs ...Leg) Intent {
	return Intent{ID: uuid.New(), Reason: reason, Legs: legs}
}

// OrderRecord is the router's account of one leg. Once the status is
// terminal the record never changes again.
type OrderRecord struct {
	Leg          Leg
	OrderID      string
	Status       venue.OrderStatus
	FilledQty    float64
	AvgFillPrice float64
}

func (r *OrderRecord) applyEvent(ev venue.FillEvent) {
	if r.Status.Terminal() {
		return
	}
	if ev.FilledQty > 0 {
		r.FilledQty = ev.FilledQty
		r.AvgFillPrice = ev.AvgPrice
	}
	r.Status = ev.Status
}

func (r OrderRecord) Filled() bool {
	return r.Status == venue.StatusFilled
}

// RemainingQty is the unsigned quantity still unexecuted.
func (r OrderRecord) RemainingQty() float64 {
	rem := r.Leg.Qty - r.FilledQty
	if rem < 0 {
		return 0
	}
	return rem
}

type Outcome struct {
	Intent  Intent
	Records []OrderRecord
}

func (o Outcome) AllFilled() bool {
	for _, r := range o.Records {
		if !r.Filled() {
			return false
		}
	}
	return len(o.Records) > 0
}

func (o Outcome) AnyFills() bool {
	for _, r := range o.Records {
		if r.FilledQty > 0 {
			return true
		}
	}
	return false
}

// PartialFillError reports an intent where some quantity executed and
// some did not. The outcome carries everything needed to unwind or top
// up the executed side.
type PartialFillError struct {
	Outcome Outcome
}

func (e *PartialFillError) Error() string {
	filled := 0
	for _, r := range e.Outcome.Records {
		if r.Filled() {
			filled++
		}
	}
	return fmt.Sprintf("intent %s partially executed: %d/%d legs filled",
		e.Outcome.Intent.ID, filled, len(e.Outcome.Records))
}

// Router executes intents against a set of venue adapters keyed by
// venue name.
type Router struct {
	log        *zap.Logger
	cache      *marketstate.Cache
	adapters   map[string]venue.Adapter
	legTimeout time.Duration
	simulated  bool

	mu      sync.Mutex
	waiters map[string]chan venue.FillEvent
	backlog map[string][]venue.FillEvent
}

func New(log *zap.Logger, cache *marketstate.Cache, adapters map[string]venue.Adapter, legTimeout time.Duration, simulated bool) *Router {
	return &Router{
		log:        log,
		cache:      cache,
		adapters:   adapters,
		legTimeout: legTimeout,
		simulated:  simulated,
		waiters:    make(map[string]chan venue.FillEvent),
		backlog:    make(map[string][]venue.FillEvent),
	}
}

// Start consumes every adapter's fill stream and routes events to the
// legs waiting on them. Events for orders nobody waits on yet are held
// back and replayed on registration, so a fill landing between submit
// and wait is never lost.
func (r *Router) Start(ctx context.Context) {
	for _, a := range r.adapters {
		go r.consumeFills(ctx, a)
	}
}

func (r *Router) consumeFills(ctx context.Context, a venue.Adapter) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.Fills():
			if !ok {
				return
			}
			r.dispatch(ev)
		}
	}
}

func (r *Router) dispatch(ev venue.FillEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.waiters[ev.OrderID]; ok {
		select {
		case ch <- ev:
		default:
			r.log.Warn("fill event dropped, waiter busy", zap.String("order_id", ev.OrderID))
		}
		return
	}
	r.backlog[ev.OrderID] = append(r.backlog[ev.OrderID], ev)
}

func (r *Router) register(orderID string) chan venue.FillEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan venue.FillEvent, 16)
	for _, ev := range r.backlog[orderID] {
		ch <- ev
	}
	delete(r.backlog, orderID)
	r.waiters[orderID] = ch
	return ch
}

func (r *Router) unregister(orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiters, orderID)
	delete(r.backlog, orderID)
}

// Execute places every leg of the intent concurrently and waits for all
// of them to reach a terminal status. It returns a nil error only when
// every leg filled completely; a PartialFillError when any quantity
// executed on an otherwise failed intent. Filled quantity, including
// partial quantity, is already folded into the cache on return.
func (r *Router) Execute(ctx context.Context, intent Intent) (Outcome, error) {
	if len(intent.Legs) == 0 {
		return Outcome{Intent: intent}, fmt.Errorf("intent %s has no legs", intent.ID)
	}

	records := make([]OrderRecord, len(intent.Legs))
	for i, leg := range intent.Legs {
		records[i] = OrderRecord{Leg: leg, Status: venue.StatusSubmitted}
	}

	var g errgroup.Group
	var firstErr error
	var errMu sync.Mutex
	for i := range records {
		rec := &records[i]
		g.Go(func() error {
			if err := r.executeLeg(ctx, intent, rec); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	outcome := Outcome{Intent: intent, Records: records}
	switch {
	case outcome.AllFilled():
		return outcome, nil
	case outcome.AnyFills():
		return outcome, &PartialFillError{Outcome: outcome}
	default:
		return outcome, fmt.Errorf("intent %s: no legs executed: %w", intent.ID, firstErr)
	}
}

func (r *Router) executeLeg(ctx context.Context, intent Intent, rec *OrderRecord) error {
	a, ok := r.adapters[rec.Leg.Instrument.Venue]
	if !ok {
		rec.Status = venue.StatusRejected
		return fmt.Errorf("no adapter for venue %q", rec.Leg.Instrument.Venue)
	}

	req := venue.OrderRequest{
		Instrument: rec.Leg.Instrument,
		Side:       rec.Leg.Side,
		Qty:        rec.Leg.Qty,
		Type:       venue.TypeMarket,
		ClientID:   uuid.NewString(),
	}

	var orderID string
	err := venue.Retry(ctx, submitAttempts, func() error {
		id, err := a.SubmitOrder(ctx, req)
		if err != nil {
			return err
		}
		orderID = id
		return nil
	})
	if err != nil {
		rec.Status = venue.StatusRejected
		r.log.Error("order submit failed",
			zap.String("intent", intent.ID.String()),
			zap.String("instrument", rec.Leg.Instrument.String()),
			zap.Error(err))
		return fmt.Errorf("submit %s: %w", rec.Leg.Instrument, err)
	}
	rec.OrderID = orderID

	ch := r.register(orderID)
	defer r.unregister(orderID)

	r.log.Info("order submitted",
		zap.String("intent", intent.ID.String()),
		zap.String("order_id", orderID),
		zap.String("instrument", rec.Leg.Instrument.String()),
		zap.String("side", string(rec.Leg.Side)),
		zap.Float64("qty", rec.Leg.Qty))

	timer := time.NewTimer(r.legTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.abandonOrder(a, orderID, rec, ch)
			return fmt.Errorf("leg %s: %w", rec.Leg.Instrument, ctx.Err())
		case <-timer.C:
			r.abandonOrder(a, orderID, rec, ch)
			return fmt.Errorf("leg %s: fill wait timed out after %s", rec.Leg.Instrument, r.legTimeout)
		case ev := <-ch:
			rec.applyEvent(ev)
			if !ev.Status.Terminal() {
				continue
			}
			r.settle(rec, ev.Time)
			if rec.Filled() {
				return nil
			}
			return fmt.Errorf("leg %s: order %s ended %s with %.8f/%.8f filled",
				rec.Leg.Instrument, orderID, rec.Status, rec.FilledQty, rec.Leg.Qty)
		}
	}
}

// abandonOrder cancels an order the router stopped waiting for, then
// grants a short grace window for the terminal event so a fill racing
// the cancel is still accounted.
func (r *Router) abandonOrder(a venue.Adapter, orderID string, rec *OrderRecord, ch chan venue.FillEvent) {
	cctx, cancel := context.WithTimeout(context.Background(), cancelGrace)
	defer cancel()
	if err := a.CancelOrder(cctx, orderID); err != nil {
		r.log.Warn("order cancel failed", zap.String("order_id", orderID), zap.Error(err))
	}

	grace := time.NewTimer(cancelGrace)
	defer grace.Stop()
	for {
		select {
		case <-grace.C:
			rec.Status = venue.StatusCancelled
			r.settle(rec, time.Now())
			return
		case ev := <-ch:
			rec.applyEvent(ev)
			if ev.Status.Terminal() {
				r.settle(rec, ev.Time)
				return
			}
		}
	}
}

// settle folds whatever quantity executed into the position cache.
func (r *Router) settle(rec *OrderRecord, at time.Time) {
	if rec.FilledQty <= 0 {
		return
	}
	qty := rec.FilledQty
	if rec.Leg.Side == venue.SideSell {
		qty = -qty
	}
	_, err := r.cache.ApplyFill(marketstate.Fill{
		OrderID:    rec.OrderID,
		Instrument: rec.Leg.Instrument,
		Qty:        qty,
		Price:      rec.AvgFillPrice,
		Simulated:  r.simulated,
		Time:       at,
	})
	if err != nil {
		r.log.Error("fill not applied to cache", zap.String("order_id", rec.OrderID), zap.Error(err))
		return
	}
	r.log.Info("fill settled",
		zap.String("order_id", rec.OrderID),
		zap.String("instrument", rec.Leg.Instrument.String()),
		zap.Float64("qty", qty),
		zap.Float64("avg_price", rec.AvgFillPrice),
		zap.String("status", string(rec.Status)))
}
