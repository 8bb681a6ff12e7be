// Package funding decides whether the perpetual venue's funding spread
// justifies opening or holding the hedge. Decisions are advisory; only
// the hedge coordinator acts on them.
package funding

import (
	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/marketstate"
)

type Signal string

const (
	SignalEnter Signal = "ENTER"
	SignalHold  Signal = "HOLD"
	SignalExit  Signal = "EXIT"
)

type Monitor struct {
	minAPY         float64
	exitAPY        float64
	periodsPerYear float64
}

func NewMonitor(cfg config.StrategyConfig) *Monitor {
	return &Monitor{
		minAPY:         cfg.MinFundingAPY,
		exitAPY:        cfg.ExitFundingAPY,
		periodsPerYear: cfg.FundingPeriodsPerYear,
	}
}

// AnnualizedAPY converts a per-period funding rate into percent per year.
func (m *Monitor) AnnualizedAPY(rate float64) float64 {
	return rate * m.periodsPerYear * 100
}

// Evaluate maps the latest funding quote to an entry/hold/exit signal.
// Entry requires the annualized yield to strictly exceed the configured
// minimum: a yield exactly at the threshold is not sufficient. With an
// open position, a yield below the exit floor signals a proactive
// unwind before the hedge turns into a cost.
func (m *Monitor) Evaluate(quote marketstate.FundingQuote, hasOpenPosition bool) Signal {
	apy := m.AnnualizedAPY(quote.Rate)
	if hasOpenPosition {
		if apy < m.exitAPY {
			return SignalExit
		}
		return SignalHold
	}
	if apy > m.minAPY {
		return SignalEnter
	}
	return SignalHold
}
