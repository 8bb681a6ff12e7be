package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.CyclesOpened.Inc()
	prom.Metrics.Rebalances.Inc()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.EmergencyExits.Inc()

	assertCounter(t, prom.Metrics.CyclesOpened, 1)
	assertCounter(t, prom.Metrics.Rebalances, 1)
	assertCounter(t, prom.Metrics.OrdersPlaced, 2)
	assertCounter(t, prom.Metrics.EmergencyExits, 1)
	assertCounter(t, prom.Metrics.CyclesClosed, 0)
}

func TestPrometheusGauges(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.NetDeltaUSD.Set(-42.5)
	prom.Metrics.FundingAPY.Set(11.2)

	assertGauge(t, prom.Metrics.NetDeltaUSD, -42.5)
	assertGauge(t, prom.Metrics.FundingAPY, 11.2)
	assertGauge(t, prom.Metrics.GrossDeltaUSD, 0)
}

func assertCounter(t *testing.T, c Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(c.(promCounter).counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}

func assertGauge(t *testing.T, g Gauge, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(g.(promGauge).gauge); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
