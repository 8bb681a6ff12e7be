package marketstate

import "time"

type Kind string

const (
	KindSpot Kind = "spot"
	KindPerp Kind = "perp"
)

// Instrument identifies one tradeable market on one venue.
// Immutable; used as a map key throughout.
type Instrument struct {
	Venue  string
	Symbol string
	Kind   Kind
}

func (i Instrument) String() string {
	return i.Venue + ":" + i.Symbol
}

type PriceQuote struct {
	Instrument Instrument
	Price      float64
	ObservedAt time.Time
}

type FundingQuote struct {
	Instrument Instrument
	Rate       float64 // per funding period
	Interval   time.Duration
	ObservedAt time.Time
}

// Position is owned by the Cache and mutated only via ApplyFill.
// Simulated is fixed at creation; simulated and real fills never net.
type Position struct {
	Instrument    Instrument
	Qty           float64 // signed, positive = long
	AvgEntryPrice float64
	RealizedPnL   float64
	Simulated     bool
	UpdatedAt     time.Time
}

func (p Position) IsFlat() bool {
	return p.Qty > -flatEpsilon && p.Qty < flatEpsilon
}

func (p Position) NotionalUSD(mark float64) float64 {
	qty := p.Qty
	if qty < 0 {
		qty = -qty
	}
	return qty * mark
}

func (p Position) UnrealizedPnL(mark float64) float64 {
	if p.IsFlat() || mark <= 0 {
		return 0
	}
	return (mark - p.AvgEntryPrice) * p.Qty
}

// Fill is the terminal result of one order leg, signed: positive
// quantity buys, negative sells.
type Fill struct {
	OrderID    string
	Instrument Instrument
	Qty        float64
	Price      float64
	Simulated  bool
	Time       time.Time
}
