// Package cost supplies slippage, fee and gas estimates for simulated
// execution. The router consumes these as given; it never derives
// execution costs itself.
package cost

import (
	"context"
	"math"

	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/marketstate"
)

type Cost struct {
	SlippageUSD float64
	FeeUSD      float64
	GasUSD      float64
}

func (c Cost) TotalUSD() float64 {
	return c.SlippageUSD + c.FeeUSD + c.GasUSD
}

type Model interface {
	Estimate(ctx context.Context, instr marketstate.Instrument, qty, markPrice float64) Cost
}

// Static prices every leg from configured basis points plus a gas
// charge for spot legs. Gas comes from the live chain reading when a
// source is attached, otherwise from the configured flat value.
type Static struct {
	feeBps      float64
	slippageBps float64
	gasUSD      float64
	gas         *GasSource
}

func NewStatic(cfg config.CostConfig) *Static {
	return &Static{
		feeBps:      cfg.FeeBps,
		slippageBps: cfg.SlippageBps,
		gasUSD:      cfg.GasUSD,
	}
}

// WithGasSource attaches a live gas price source used for spot legs.
func (s *Static) WithGasSource(gas *GasSource) *Static {
	s.gas = gas
	return s
}

func (s *Static) Estimate(ctx context.Context, instr marketstate.Instrument, qty, markPrice float64) Cost {
	notional := math.Abs(qty) * markPrice
	c := Cost{
		SlippageUSD: notional * s.slippageBps / 10000,
		FeeUSD:      notional * s.feeBps / 10000,
	}
	if instr.Kind != marketstate.KindSpot {
		return c
	}
	c.GasUSD = s.gasUSD
	if s.gas != nil {
		if gasUSD, err := s.gas.GasUSD(ctx, markPrice); err == nil && gasUSD > 0 {
			c.GasUSD = gasUSD
		}
	}
	return c
}
