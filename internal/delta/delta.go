// Package delta derives net directional exposure from a position
// snapshot. Computation is pure: callers pass the positions and mark
// prices they want valued, nothing is read from shared state.
package delta

import (
	"math"
	"sort"

	"dn-hedge-bot/internal/marketstate"
)

// InstrumentDelta is the priced exposure of one position leg.
type InstrumentDelta struct {
	Instrument marketstate.Instrument
	Qty        float64
	MarkPrice  float64
	USD        float64
}

// UnpricedExposure is a position with no usable mark price. It is
// excluded from the aggregate and reported separately: zeroing unpriced
// risk would mask real exposure.
type UnpricedExposure struct {
	Instrument marketstate.Instrument
	Qty        float64
}

type Report struct {
	NetUSD        float64
	GrossUSD      float64
	PerInstrument []InstrumentDelta
	Unpriced      []UnpricedExposure
}

func Compute(positions []marketstate.Position, marks map[marketstate.Instrument]float64) Report {
	var report Report
	for _, pos := range positions {
		if pos.IsFlat() {
			continue
		}
		mark, ok := marks[pos.Instrument]
		if !ok || mark <= 0 {
			report.Unpriced = append(report.Unpriced, UnpricedExposure{
				Instrument: pos.Instrument,
				Qty:        pos.Qty,
			})
			continue
		}
		usd := pos.Qty * mark
		report.PerInstrument = append(report.PerInstrument, InstrumentDelta{
			Instrument: pos.Instrument,
			Qty:        pos.Qty,
			MarkPrice:  mark,
			USD:        usd,
		})
		report.NetUSD += usd
		report.GrossUSD += math.Abs(usd)
	}
	sort.Slice(report.PerInstrument, func(i, j int) bool {
		return report.PerInstrument[i].Instrument.String() < report.PerInstrument[j].Instrument.String()
	})
	sort.Slice(report.Unpriced, func(i, j int) bool {
		return report.Unpriced[i].Instrument.String() < report.Unpriced[j].Instrument.String()
	})
	return report
}

// DeviationPct expresses the net exposure as a percentage of the target
// notional. Zero target means no meaningful deviation can be computed.
func (r Report) DeviationPct(targetNotionalUSD float64) float64 {
	if targetNotionalUSD <= 0 {
		return 0
	}
	return math.Abs(r.NetUSD) / targetNotionalUSD * 100
}

// HasUnpriced reports whether any open position could not be valued.
func (r Report) HasUnpriced() bool {
	return len(r.Unpriced) > 0
}
