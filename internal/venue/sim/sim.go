// Package sim is the venue adapter for paper trading and backtests.
// Orders fill against the latest cached mark plus the cost model's
// slippage estimate, and fill events travel through the same push
// channel the live adapter uses, so the router exercises one code path
// in every mode.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dn-hedge-bot/internal/cost"
	"dn-hedge-bot/internal/marketstate"
	"dn-hedge-bot/internal/venue"
)

type Adapter struct {
	name    string
	cache   *marketstate.Cache
	costs   cost.Model
	log     *zap.Logger
	latency time.Duration

	mu     sync.Mutex
	fills  chan venue.FillEvent
	closed bool
}

func New(name string, cache *marketstate.Cache, costs cost.Model, log *zap.Logger) *Adapter {
	return &Adapter{
		name:  name,
		cache: cache,
		costs: costs,
		log:   log,
		fills: make(chan venue.FillEvent, 64),
	}
}

// WithLatency delays synthesized fills, approximating venue round trips.
func (a *Adapter) WithLatency(d time.Duration) *Adapter {
	a.latency = d
	return a
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Price(ctx context.Context, instr marketstate.Instrument) (marketstate.PriceQuote, error) {
	return a.cache.FreshPrice(instr)
}

func (a *Adapter) FundingRate(ctx context.Context, instr marketstate.Instrument) (marketstate.FundingQuote, error) {
	return a.cache.FreshFunding(instr)
}

func (a *Adapter) Position(ctx context.Context, instr marketstate.Instrument) (marketstate.Position, error) {
	pos, ok := a.cache.Position(instr)
	if !ok {
		return marketstate.Position{Instrument: instr, Simulated: true}, nil
	}
	return pos, nil
}

// SubmitOrder synthesizes a full fill at the cached mark adjusted by
// the estimated slippage. A missing or stale mark rejects the order:
// simulation must never fill against a frozen price.
func (a *Adapter) SubmitOrder(ctx context.Context, req venue.OrderRequest) (string, error) {
	quote, err := a.cache.FreshPrice(req.Instrument)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", venue.ErrOrderRejected, req.Instrument, err)
	}
	if req.Qty <= 0 {
		return "", fmt.Errorf("%w: non-positive quantity", venue.ErrOrderRejected)
	}

	orderID := "sim-" + uuid.NewString()
	price := a.fillPrice(ctx, req, quote.Price)

	emit := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.closed {
			return
		}
		a.fills <- venue.FillEvent{
			OrderID:   orderID,
			FilledQty: req.Qty,
			AvgPrice:  price,
			Status:    venue.StatusFilled,
			Time:      quote.ObservedAt,
		}
	}
	if a.latency > 0 {
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(a.latency):
				emit()
			}
		}()
	} else {
		emit()
	}

	a.log.Debug("simulated fill",
		zap.String("order_id", orderID),
		zap.String("instrument", req.Instrument.String()),
		zap.Float64("qty", req.Qty),
		zap.Float64("mark", quote.Price),
		zap.Float64("fill_price", price))
	return orderID, nil
}

func (a *Adapter) fillPrice(ctx context.Context, req venue.OrderRequest, mark float64) float64 {
	if a.costs == nil || req.Qty <= 0 {
		return mark
	}
	est := a.costs.Estimate(ctx, req.Instrument, req.Qty, mark)
	perUnit := est.SlippageUSD / req.Qty
	if req.Side == venue.SideSell {
		return mark - perUnit
	}
	return mark + perUnit
}

// CancelOrder is a no-op: simulated orders reach a terminal status as
// soon as they are accepted.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	return nil
}

func (a *Adapter) Fills() <-chan venue.FillEvent { return a.fills }

func (a *Adapter) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.mu.Lock()
		a.closed = true
		close(a.fills)
		a.mu.Unlock()
	}()
	return nil
}
