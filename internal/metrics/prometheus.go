package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "dn_hedge_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()

	cyclesOpened := newCounter("cycles_opened_total", "Total number of hedge cycles opened.")
	cyclesClosed := newCounter("cycles_closed_total", "Total number of hedge cycles closed.")
	rebalances := newCounter("rebalances_total", "Total number of corrective rebalances executed.")
	ordersPlaced := newCounter("orders_placed_total", "Total number of orders placed.")
	ordersFailed := newCounter("orders_failed_total", "Total number of order placement failures.")
	partialFills := newCounter("partial_fills_total", "Total number of intents that executed partially.")
	emergencyExits := newCounter("emergency_exits_total", "Total number of emergency exit activations.")
	riskThrottles := newCounter("risk_throttles_total", "Total number of risk throttle verdicts.")
	orphansRecorded := newCounter("orphans_recorded_total", "Total number of orphaned positions recorded.")

	netDelta := newGauge("net_delta_usd", "Signed net USD exposure across all legs.")
	grossDelta := newGauge("gross_delta_usd", "Gross USD exposure across all legs.")
	fundingAPY := newGauge("funding_apy", "Last observed annualized funding rate, percent.")

	registry.MustRegister(
		cyclesOpened, cyclesClosed, rebalances,
		ordersPlaced, ordersFailed, partialFills,
		emergencyExits, riskThrottles, orphansRecorded,
		netDelta, grossDelta, fundingAPY,
	)

	m := &Metrics{
		CyclesOpened:    promCounter{cyclesOpened},
		CyclesClosed:    promCounter{cyclesClosed},
		Rebalances:      promCounter{rebalances},
		OrdersPlaced:    promCounter{ordersPlaced},
		OrdersFailed:    promCounter{ordersFailed},
		PartialFills:    promCounter{partialFills},
		EmergencyExits:  promCounter{emergencyExits},
		RiskThrottles:   promCounter{riskThrottles},
		OrphansRecorded: promCounter{orphansRecorded},
		NetDeltaUSD:     promGauge{netDelta},
		GrossDeltaUSD:   promGauge{grossDelta},
		FundingAPY:      promGauge{fundingAPY},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
