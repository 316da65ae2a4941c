// market/instruments.go
package market

import "strings"

// Class buckets instruments for risk policy and pip arithmetic. Classification
// is by name pattern only so it keeps working when the broker's own "type"
// field is missing or wrong.
type Class int

const (
	ClassForex Class = iota
	ClassJPYPair
	ClassGold
	ClassSilver
	ClassUS30
	ClassNasdaq
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassForex:
		return "FOREX"
	case ClassJPYPair:
		return "JPY"
	case ClassGold:
		return "GOLD"
	case ClassSilver:
		return "SILVER"
	case ClassUS30:
		return "US30"
	case ClassNasdaq:
		return "NASDAQ"
	default:
		return "OTHER"
	}
}

// RiskClass maps an instrument class onto the three risk-profile buckets
// (FOREX, CFD, XAUUSD) used by risk configuration.
func (c Class) RiskClass() string {
	switch c {
	case ClassGold:
		return "XAUUSD"
	case ClassSilver, ClassUS30, ClassNasdaq, ClassOther:
		return "CFD"
	default:
		return "FOREX"
	}
}

// IsIndex reports whether the class is an equity/index CFD that uses the
// three-leg runner allocation.
func (c Class) IsIndex() bool {
	return c == ClassUS30 || c == ClassNasdaq
}

// Classify determines the instrument class from its (canonical or platform)
// name. Suffix and substring rules mirror the signal providers' naming.
func Classify(symbol string) Class {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	// Strip platform suffixes like EURUSD.C before pattern checks.
	if i := strings.IndexByte(s, '.'); i > 0 {
		s = s[:i]
	}

	switch {
	case strings.Contains(s, "XAU") || s == "GOLD":
		return ClassGold
	case strings.Contains(s, "XAG") || s == "SILVER":
		return ClassSilver
	case strings.Contains(s, "DJI") || strings.Contains(s, "US30") || strings.Contains(s, "DOW"):
		return ClassUS30
	case strings.Contains(s, "NDX") || strings.Contains(s, "NAS") || strings.Contains(s, "NSDQ"):
		return ClassNasdaq
	case strings.HasSuffix(s, "JPY"):
		return ClassJPYPair
	case isForexPair(s):
		return ClassForex
	default:
		return ClassOther
	}
}

// PipSize returns the price distance of one pip for the instrument:
// JPY pairs 0.01, gold 0.1, silver 0.01, indices 1.0, standard forex 0.0001.
func PipSize(symbol string) float64 {
	switch Classify(symbol) {
	case ClassJPYPair, ClassSilver:
		return 0.01
	case ClassGold:
		return 0.1
	case ClassUS30, ClassNasdaq, ClassOther:
		return 1.0
	default:
		return 0.0001
	}
}

// PointScale converts a price distance to broker "points" for the instrument.
// Indices are 1:1, gold and JPY pairs 100, standard forex 10000.
func PointScale(symbol string) float64 {
	switch Classify(symbol) {
	case ClassUS30, ClassNasdaq, ClassOther:
		return 1
	case ClassGold, ClassJPYPair, ClassSilver:
		return 100
	default:
		return 10000
	}
}

func isForexPair(s string) bool {
	if len(s) != 6 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}
