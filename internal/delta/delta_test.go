package delta

import (
	"math"
	"testing"

	"dn-hedge-bot/internal/marketstate"
)

var (
	spot = marketstate.Instrument{Venue: "binance", Symbol: "ETHUSDT", Kind: marketstate.KindSpot}
	perp = marketstate.Instrument{Venue: "dydx", Symbol: "ETH-USD", Kind: marketstate.KindPerp}
)

func TestNeutralAfterPriceMove(t *testing.T) {
	// Spot long 1 @ 2000 against perp short 1 @ 2000, price moves to
	// 2200: the P&L legs offset and net delta stays zero.
	positions := []marketstate.Position{
		{Instrument: spot, Qty: 1, AvgEntryPrice: 2000},
		{Instrument: perp, Qty: -1, AvgEntryPrice: 2000},
	}
	marks := map[marketstate.Instrument]float64{spot: 2200, perp: 2200}

	report := Compute(positions, marks)
	if math.Abs(report.NetUSD) > 1e-9 {
		t.Fatalf("expected net delta 0, got %f", report.NetUSD)
	}
	if math.Abs(report.GrossUSD-4400) > 1e-9 {
		t.Fatalf("expected gross 4400, got %f", report.GrossUSD)
	}
	if got := positions[0].UnrealizedPnL(2200); got != 200 {
		t.Fatalf("expected spot pnl +200, got %f", got)
	}
	if got := positions[1].UnrealizedPnL(2200); got != -200 {
		t.Fatalf("expected perp pnl -200, got %f", got)
	}
}

func TestUnpricedExposureReportedNotZeroed(t *testing.T) {
	positions := []marketstate.Position{
		{Instrument: spot, Qty: 1, AvgEntryPrice: 2000},
		{Instrument: perp, Qty: -1, AvgEntryPrice: 2000},
	}
	marks := map[marketstate.Instrument]float64{spot: 2200}

	report := Compute(positions, marks)
	if len(report.Unpriced) != 1 {
		t.Fatalf("expected 1 unpriced exposure, got %d", len(report.Unpriced))
	}
	if report.Unpriced[0].Instrument != perp {
		t.Fatalf("expected perp unpriced, got %v", report.Unpriced[0].Instrument)
	}
	// The aggregate only covers priced legs.
	if math.Abs(report.NetUSD-2200) > 1e-9 {
		t.Fatalf("expected net 2200 from priced leg only, got %f", report.NetUSD)
	}
	if !report.HasUnpriced() {
		t.Fatalf("expected HasUnpriced")
	}
}

func TestDeviationPct(t *testing.T) {
	positions := []marketstate.Position{
		{Instrument: spot, Qty: 1.06, AvgEntryPrice: 2000},
		{Instrument: perp, Qty: -1, AvgEntryPrice: 2000},
	}
	marks := map[marketstate.Instrument]float64{spot: 2000, perp: 2000}

	report := Compute(positions, marks)
	got := report.DeviationPct(2000)
	if math.Abs(got-6) > 1e-9 {
		t.Fatalf("expected deviation 6%%, got %f", got)
	}
	if report.DeviationPct(0) != 0 {
		t.Fatalf("zero target must yield zero deviation")
	}
}

func TestFlatPositionsIgnored(t *testing.T) {
	positions := []marketstate.Position{{Instrument: spot, Qty: 0, AvgEntryPrice: 2000}}
	report := Compute(positions, map[marketstate.Instrument]float64{spot: 2000})
	if len(report.PerInstrument) != 0 || report.NetUSD != 0 {
		t.Fatalf("flat positions must not contribute: %+v", report)
	}
}
