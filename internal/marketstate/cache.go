package marketstate

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

const flatEpsilon = 1e-9

var (
	ErrNoQuote           = errors.New("no quote for instrument")
	ErrStaleQuote        = errors.New("quote is stale")
	ErrSimulatedMismatch = errors.New("simulated and real positions are never netted")
)

// Cache holds the latest price, funding rate and position per
// (venue, instrument) slot. Adapters write asynchronously; the latest
// observation wins, older ones are dropped. Readers see a consistent
// snapshot per call, never a merge.
type Cache struct {
	staleness time.Duration
	now       func() time.Time

	mu        sync.RWMutex
	prices    map[Instrument]PriceQuote
	fundings  map[Instrument]FundingQuote
	positions map[Instrument]Position
	closedPnL float64
}

func NewCache(staleness time.Duration) *Cache {
	return &Cache{
		staleness: staleness,
		now:       func() time.Time { return time.Now().UTC() },
		prices:    make(map[Instrument]PriceQuote),
		fundings:  make(map[Instrument]FundingQuote),
		positions: make(map[Instrument]Position),
	}
}

// SetClock overrides the time source. Backtests drive the cache with
// journal timestamps instead of wall time.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now != nil {
		c.now = now
	}
}

func (c *Cache) SetPrice(q PriceQuote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.prices[q.Instrument]; ok && q.ObservedAt.Before(prev.ObservedAt) {
		return
	}
	c.prices[q.Instrument] = q
}

func (c *Cache) SetFunding(q FundingQuote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.fundings[q.Instrument]; ok && q.ObservedAt.Before(prev.ObservedAt) {
		return
	}
	c.fundings[q.Instrument] = q
}

// Price returns the latest quote regardless of age.
func (c *Cache) Price(instr Instrument) (PriceQuote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.prices[instr]
	return q, ok
}

// FreshPrice returns the latest quote only if it is within the staleness
// bound. A stale quote is treated as absent, not as the last known value.
func (c *Cache) FreshPrice(instr Instrument) (PriceQuote, error) {
	c.mu.RLock()
	q, ok := c.prices[instr]
	now := c.now()
	bound := c.staleness
	c.mu.RUnlock()
	if !ok {
		return PriceQuote{}, fmt.Errorf("price %s: %w", instr, ErrNoQuote)
	}
	if bound > 0 && now.Sub(q.ObservedAt) > bound {
		return PriceQuote{}, fmt.Errorf("price %s age %s: %w", instr, now.Sub(q.ObservedAt), ErrStaleQuote)
	}
	return q, nil
}

func (c *Cache) FreshFunding(instr Instrument) (FundingQuote, error) {
	c.mu.RLock()
	q, ok := c.fundings[instr]
	now := c.now()
	bound := c.staleness
	c.mu.RUnlock()
	if !ok {
		return FundingQuote{}, fmt.Errorf("funding %s: %w", instr, ErrNoQuote)
	}
	if bound > 0 && now.Sub(q.ObservedAt) > bound {
		return FundingQuote{}, fmt.Errorf("funding %s age %s: %w", instr, now.Sub(q.ObservedAt), ErrStaleQuote)
	}
	return q, nil
}

func (c *Cache) Position(instr Instrument) (Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.positions[instr]
	return p, ok
}

// Positions returns a snapshot of all open positions across venues.
func (c *Cache) Positions() []Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	return out
}

// Marks returns fresh mark prices for every instrument that has a
// non-stale quote. Instruments missing here are unpriced.
func (c *Cache) Marks() map[Instrument]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	out := make(map[Instrument]float64, len(c.prices))
	for instr, q := range c.prices {
		if c.staleness > 0 && now.Sub(q.ObservedAt) > c.staleness {
			continue
		}
		out[instr] = q.Price
	}
	return out
}

// ClosedPnLUSD returns the cumulative realized P&L of fully closed
// positions.
func (c *Cache) ClosedPnLUSD() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closedPnL
}

// SetPosition seeds a position during reconciliation. Fills are the
// only mutation path afterwards.
func (c *Cache) SetPosition(p Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.IsFlat() {
		delete(c.positions, p.Instrument)
		return
	}
	c.positions[p.Instrument] = p
}

// ApplyFill folds a terminal fill into the slot's position: increases
// reprice the average entry, reductions realize P&L, a full close zeroes
// the position and removes it. Returns the resulting position.
func (c *Cache) ApplyFill(f Fill) (Position, error) {
	if f.Qty == 0 {
		return Position{}, errors.New("fill quantity must be non-zero")
	}
	if f.Price <= 0 {
		return Position{}, errors.New("fill price must be > 0")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.positions[f.Instrument]
	if !ok {
		pos = Position{Instrument: f.Instrument, Simulated: f.Simulated}
	} else if pos.Simulated != f.Simulated {
		return Position{}, fmt.Errorf("fill %s on %s: %w", f.OrderID, f.Instrument, ErrSimulatedMismatch)
	}

	sameDirection := pos.Qty == 0 || (pos.Qty > 0) == (f.Qty > 0)
	if sameDirection {
		total := pos.Qty + f.Qty
		pos.AvgEntryPrice = (pos.AvgEntryPrice*math.Abs(pos.Qty) + f.Price*math.Abs(f.Qty)) / math.Abs(total)
		pos.Qty = total
	} else {
		closed := math.Min(math.Abs(f.Qty), math.Abs(pos.Qty))
		direction := 1.0
		if pos.Qty < 0 {
			direction = -1.0
		}
		pos.RealizedPnL += (f.Price - pos.AvgEntryPrice) * closed * direction
		remainder := math.Abs(f.Qty) - math.Abs(pos.Qty)
		pos.Qty += f.Qty
		if remainder > flatEpsilon {
			// Fill crossed through flat: the excess opens a fresh
			// position at the fill price.
			pos.AvgEntryPrice = f.Price
		}
	}
	pos.UpdatedAt = f.Time

	if pos.IsFlat() {
		pos.Qty = 0
		// The slot is deleted, but its loss history must not be: the
		// drawdown baseline is measured across closed cycles too.
		c.closedPnL += pos.RealizedPnL
		delete(c.positions, f.Instrument)
		return pos, nil
	}
	c.positions[f.Instrument] = pos
	return pos, nil
}
