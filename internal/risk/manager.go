// Package risk enforces position, exposure, leverage and loss limits
// for one strategy instance. Every verdict is a deterministic function
// of the snapshot handed in; the only time-dependent behaviour in the
// system (the rebalance cooldown) lives in the hedge coordinator.
package risk

import (
	"fmt"
	"sync"

	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/marketstate"
)

type Verdict string

const (
	VerdictOk            Verdict = "OK"
	VerdictThrottle      Verdict = "THROTTLE"
	VerdictEmergencyExit Verdict = "EMERGENCY_EXIT"
)

type Assessment struct {
	Verdict Verdict
	Reason  string
}

type Input struct {
	Positions []marketstate.Position
	Marks     map[marketstate.Instrument]float64
	// Notional of orders already in flight; counted against the
	// aggregate exposure cap so transient mid-cycle states cannot
	// exceed it.
	OpenOrderNotionalUSD float64
	// Cumulative realized P&L of fully closed positions. Closed slots
	// leave the book, so the drawdown baseline has to carry their
	// losses across cycles.
	ClosedPnLUSD float64
}

type Manager struct {
	cfg config.RiskConfig

	mu          sync.Mutex
	peakEquity  float64
	latched     bool
	latchReason string
}

func NewManager(cfg config.RiskConfig) *Manager {
	return &Manager{cfg: cfg}
}

// Assess evaluates the limits against the snapshot. An EmergencyExit
// verdict latches: every later call returns it until Reset, blocking
// automated entries until an operator intervenes.
func (m *Manager) Assess(input Input) Assessment {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.latched {
		return Assessment{Verdict: VerdictEmergencyExit, Reason: m.latchReason}
	}

	var grossUSD float64
	pnlUSD := input.ClosedPnLUSD
	for _, pos := range input.Positions {
		if pos.IsFlat() {
			continue
		}
		mark, ok := input.Marks[pos.Instrument]
		if !ok || mark <= 0 {
			// Unpriceable exposure cannot be checked against any
			// limit; refuse new entries rather than guessing.
			return Assessment{
				Verdict: VerdictThrottle,
				Reason:  fmt.Sprintf("no mark price for %s", pos.Instrument),
			}
		}
		notional := pos.NotionalUSD(mark)
		if m.cfg.MaxPositionUSD > 0 && notional > m.cfg.MaxPositionUSD {
			return Assessment{
				Verdict: VerdictThrottle,
				Reason:  fmt.Sprintf("%s notional %.2f exceeds max position %.2f", pos.Instrument, notional, m.cfg.MaxPositionUSD),
			}
		}
		grossUSD += notional
		pnlUSD += pos.RealizedPnL + pos.UnrealizedPnL(mark)
	}
	grossUSD += input.OpenOrderNotionalUSD

	if m.cfg.MaxExposureUSD > 0 && grossUSD > m.cfg.MaxExposureUSD {
		return Assessment{
			Verdict: VerdictThrottle,
			Reason:  fmt.Sprintf("aggregate exposure %.2f exceeds max %.2f", grossUSD, m.cfg.MaxExposureUSD),
		}
	}

	if m.cfg.AllocatedCapitalUSD > 0 {
		if m.cfg.MaxLeverage > 0 {
			leverage := grossUSD / m.cfg.AllocatedCapitalUSD
			if leverage > m.cfg.MaxLeverage {
				return m.latch(fmt.Sprintf("leverage %.2f exceeds max %.2f", leverage, m.cfg.MaxLeverage))
			}
		}
		equity := m.cfg.AllocatedCapitalUSD + pnlUSD
		if equity > m.peakEquity {
			m.peakEquity = equity
		}
		if m.cfg.EmergencyLossPct > 0 && m.peakEquity > 0 {
			lossPct := (m.peakEquity - equity) / m.peakEquity * 100
			if lossPct >= m.cfg.EmergencyLossPct {
				return m.latch(fmt.Sprintf("drawdown %.2f%% breaches emergency threshold %.2f%%", lossPct, m.cfg.EmergencyLossPct))
			}
		}
	}

	return Assessment{Verdict: VerdictOk}
}

func (m *Manager) latch(reason string) Assessment {
	m.latched = true
	m.latchReason = reason
	return Assessment{Verdict: VerdictEmergencyExit, Reason: reason}
}

// Latched reports whether an emergency verdict is currently in force.
func (m *Manager) Latched() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latched
}

// Reset clears the emergency latch and rebases the drawdown baseline.
// Operator-only: wired to the /risk reset command.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latched = false
	m.latchReason = ""
	m.peakEquity = 0
}
