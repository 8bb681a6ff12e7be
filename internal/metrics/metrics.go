package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	CyclesOpened    Counter
	CyclesClosed    Counter
	Rebalances      Counter
	OrdersPlaced    Counter
	OrdersFailed    Counter
	PartialFills    Counter
	EmergencyExits  Counter
	RiskThrottles   Counter
	OrphansRecorded Counter

	NetDeltaUSD   Gauge
	GrossDeltaUSD Gauge
	FundingAPY    Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		CyclesOpened:    n,
		CyclesClosed:    n,
		Rebalances:      n,
		OrdersPlaced:    n,
		OrdersFailed:    n,
		PartialFills:    n,
		EmergencyExits:  n,
		RiskThrottles:   n,
		OrphansRecorded: n,
		NetDeltaUSD:     g,
		GrossDeltaUSD:   g,
		FundingAPY:      g,
	}
}
