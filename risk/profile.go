// Package risk holds the per-account risk profiles and the position-sizing
// engine. Profiles are persisted as JSON and loaded once at startup; sizing is
// pure arithmetic over a named policy table and never returns an error, only a
// conservative fallback.
package risk

import (
	"fmt"
)

// ClassKey selects the profile row for an instrument: FOREX, CFD, or XAUUSD.
// market.Class.RiskClass() produces these.
type ClassKey = string

// Fractions is a default/reduced pair of risk fractions for one class.
type Fractions struct {
	Default float64 `json:"default"`
	Reduced float64 `json:"reduced"`
}

// TPSelection controls which take-profit legs get traded.
type TPSelection struct {
	Mode   string `json:"mode"` // all | first | last | custom
	Custom []int  `json:"custom_selection,omitempty"`
}

// Apply filters a signal's take-profit list down to the legs the selection
// trades. Unknown modes and out-of-range custom indices fall back to all.
func (t TPSelection) Apply(tps []float64) []float64 {
	if len(tps) == 0 {
		return tps
	}
	switch t.Mode {
	case "first":
		return tps[:1]
	case "last":
		return tps[len(tps)-1:]
	case "custom":
		var out []float64
		for _, idx := range t.Custom {
			if idx >= 1 && idx <= len(tps) {
				out = append(out, tps[idx-1])
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return tps
}

// Profile is one account's complete risk configuration.
type Profile struct {
	Forex       Fractions   `json:"FOREX"`
	CFD         Fractions   `json:"CFD"`
	Gold        Fractions   `json:"XAUUSD"`
	DrawdownPct float64     `json:"drawdown_daily_percentage"`
	TPSelection TPSelection `json:"tp_selection"`
}

// Preset names.
const (
	Conservative = "conservative"
	Balanced     = "balanced"
	Aggressive   = "aggressive"
	Custom       = "custom"
)

// Presets are the built-in profiles. Balanced is the shipped default.
var Presets = map[string]Profile{
	Conservative: {
		Forex:       Fractions{Default: 0.005, Reduced: 0.0025},
		CFD:         Fractions{Default: 0.005, Reduced: 0.0025},
		Gold:        Fractions{Default: 0.005, Reduced: 0.0025},
		DrawdownPct: 3.0,
		TPSelection: TPSelection{Mode: "all", Custom: []int{1, 2, 3, 4}},
	},
	Balanced: {
		Forex:       Fractions{Default: 0.01, Reduced: 0.005},
		CFD:         Fractions{Default: 0.01, Reduced: 0.005},
		Gold:        Fractions{Default: 0.01, Reduced: 0.005},
		DrawdownPct: 4.0,
		TPSelection: TPSelection{Mode: "all", Custom: []int{1, 2, 3, 4}},
	},
	Aggressive: {
		Forex:       Fractions{Default: 0.015, Reduced: 0.0075},
		CFD:         Fractions{Default: 0.015, Reduced: 0.0075},
		Gold:        Fractions{Default: 0.015, Reduced: 0.0075},
		DrawdownPct: 5.0,
		TPSelection: TPSelection{Mode: "all", Custom: []int{1, 2, 3, 4}},
	},
}

// DefaultProfile returns a copy of the balanced preset.
func DefaultProfile() Profile {
	return clone(Presets[Balanced])
}

func clone(p Profile) Profile {
	out := p
	out.TPSelection.Custom = append([]int(nil), p.TPSelection.Custom...)
	return out
}

// Fraction looks up the risk fraction for a class key, falling back to the
// forex row for unknown classes.
func (p Profile) Fraction(class ClassKey, reduced bool) float64 {
	var f Fractions
	switch class {
	case "CFD":
		f = p.CFD
	case "XAUUSD":
		f = p.Gold
	default:
		f = p.Forex
	}
	if reduced {
		return f.Reduced
	}
	return f.Default
}

// Validate enforces the invariant that every fraction is a decimal in
// (0, 0.10].
func (p Profile) Validate() error {
	check := func(class string, f Fractions) error {
		for _, v := range []float64{f.Default, f.Reduced} {
			if v <= 0 || v > 0.10 {
				return fmt.Errorf("risk: %s fraction %v outside (0, 0.10]", class, v)
			}
		}
		return nil
	}
	if err := check("FOREX", p.Forex); err != nil {
		return err
	}
	if err := check("CFD", p.CFD); err != nil {
		return err
	}
	if err := check("XAUUSD", p.Gold); err != nil {
		return err
	}
	if p.DrawdownPct <= 0 || p.DrawdownPct > 100 {
		return fmt.Errorf("risk: drawdown percentage %v out of range", p.DrawdownPct)
	}
	return nil
}

// DetectPreset names the preset a profile's fractions match, or "custom".
// Drawdown and TP selection do not participate in matching.
func DetectPreset(p Profile) string {
	for _, name := range []string{Conservative, Balanced, Aggressive} {
		pre := Presets[name]
		if p.Forex == pre.Forex && p.CFD == pre.CFD && p.Gold == pre.Gold {
			return name
		}
	}
	return Custom
}
