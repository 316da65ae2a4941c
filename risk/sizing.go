package risk

import (
	"math"

	"github.com/fxsignals/copier/market"
)

// SizingPolicy is the table of empirically tuned scaling constants that turn
// a dollar risk into a lot size. The numbers are policy, not derivation; they
// are kept as named fields so an operator can override them without touching
// the formulas.
type SizingPolicy struct {
	// GoldLotDivisor: lots = (riskPerLeg / stopDistance) / GoldLotDivisor.
	GoldLotDivisor float64
	// ForexPipFactor and ForexLotDivisor:
	// lots = (riskPerLeg / (stopPips * ForexPipFactor)) / ForexLotDivisor.
	ForexPipFactor  float64
	ForexLotDivisor float64
	// IndexPointValue is the dollar value of one point for one lot of a
	// recognized index.
	IndexPointValue map[string]float64
	// DefaultIndexPointValue covers indices missing from the table.
	DefaultIndexPointValue float64

	MinLot float64
	MaxLot float64

	// FallbackLot and FallbackRiskFraction are returned whenever sizing
	// cannot complete (halved when the signal is reduced risk).
	FallbackLot          float64
	FallbackRiskFraction float64
}

// DefaultSizingPolicy returns the shipped constants.
func DefaultSizingPolicy() SizingPolicy {
	return SizingPolicy{
		GoldLotDivisor:  100,
		ForexPipFactor:  0.1,
		ForexLotDivisor: 100,
		IndexPointValue: map[string]float64{
			"NDX100": 20,
			"DJI30":  5,
		},
		DefaultIndexPointValue: 5,
		MinLot:                 0.01,
		MaxLot:                 10.0,
		FallbackLot:            0.01,
		FallbackRiskFraction:   0.005,
	}
}

// Sizing is the result of one sizing run: the same lot size for every
// take-profit leg, plus the rounded dollar amount at risk.
type Sizing struct {
	Legs       []float64
	RiskAmount float64
	Fallback   bool
}

// Size computes per-leg lot sizes for a signal. It never fails: any input it
// cannot price falls back to the minimum lot per leg and a conservative
// reported risk.
func Size(policy SizingPolicy, p Profile, instrument string, entry, stop float64, takeProfits []float64, balance float64, reduced bool) Sizing {
	legs := len(takeProfits)
	if legs < 1 {
		legs = 1
	}

	class := market.Classify(instrument)
	fraction := p.Fraction(class.RiskClass(), reduced)
	totalRisk := balance * fraction
	riskPerLeg := totalRisk / float64(legs)
	stopDistance := math.Abs(entry - stop)

	if balance <= 0 || stopDistance == 0 || fraction <= 0 {
		return fallback(policy, balance, legs, reduced)
	}

	var lot float64
	switch class {
	case market.ClassGold, market.ClassSilver:
		lot = (riskPerLeg / stopDistance) / policy.GoldLotDivisor
	case market.ClassUS30, market.ClassNasdaq:
		pv, ok := policy.IndexPointValue[market.Normalize(instrument)]
		if !ok {
			pv = policy.DefaultIndexPointValue
		}
		lot = riskPerLeg / (stopDistance * pv)
	default:
		stopPips := stopDistance / market.PipSize(instrument)
		lot = (riskPerLeg / (stopPips * policy.ForexPipFactor)) / policy.ForexLotDivisor
	}

	if math.IsNaN(lot) || math.IsInf(lot, 0) {
		return fallback(policy, balance, legs, reduced)
	}

	lot = clamp(round2(lot), policy.MinLot, policy.MaxLot)

	out := Sizing{
		Legs:       make([]float64, legs),
		RiskAmount: math.Round(totalRisk),
	}
	for i := range out.Legs {
		out.Legs[i] = lot
	}
	return out
}

func fallback(policy SizingPolicy, balance float64, legs int, reduced bool) Sizing {
	fraction := policy.FallbackRiskFraction
	if reduced {
		fraction /= 2
	}
	if balance < 0 {
		balance = 0
	}

	out := Sizing{
		Legs:       make([]float64, legs),
		RiskAmount: math.Round(balance * fraction),
		Fallback:   true,
	}
	for i := range out.Legs {
		out.Legs[i] = policy.FallbackLot
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
