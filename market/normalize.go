// market/normalize.go
package market

import (
	"regexp"
	"strings"
)

// aliases maps signal-provider spellings to canonical symbols. Matching is
// case-insensitive after whitespace and slashes are stripped.
var aliases = map[string]string{
	// Indices
	"US30":   "DJI30",
	"DOW":    "DJI30",
	"DOW.C":  "DJI30",
	"DOW.X":  "DJI30",
	"DOW.Z":  "DJI30",
	"NAS100": "NDX100",
	"NSDQ":   "NDX100",
	"NSDQ.C": "NDX100",
	"NSDQ.X": "NDX100",
	"NSDQ.Z": "NDX100",

	// Commodities
	"GOLD":   "XAUUSD",
	"SILVER": "XAGUSD",
}

// standardSymbols are canonical names that may appear with a platform suffix.
var standardSymbols = []string{
	"EURUSD", "GBPUSD", "USDJPY", "AUDUSD", "USDCAD", "NZDUSD", "USDCHF",
	"XAUUSD", "XAGUSD", "DJI30", "NDX100",
}

// platformCandidates maps a canonical symbol to the names brokers have been
// observed to list it under, in preference order.
var platformCandidates = map[string][]string{
	"NDX100": {"NDX100", "NAS100", "NSDQ.C"},
	"DJI30":  {"DJI30", "US30", "DOW.C", "DOW"},
	"XAUUSD": {"XAUUSD", "GOLD"},
	"XAGUSD": {"XAGUSD", "SILVER"},
}

// genericSuffixes are tried as a last resort when resolving a canonical name
// against a platform's instrument list.
var genericSuffixes = []string{"", ".C", ".X", ".Z"}

// Normalize maps a free-text instrument name to its canonical symbol.
// Unknown names that look like a six-letter pair pass through upper-cased;
// anything else is returned upper-cased as-is.
func Normalize(name string) string {
	if name == "" {
		return ""
	}

	s := strings.ToUpper(name)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "/", "")

	if canon, ok := aliases[s]; ok {
		return canon
	}

	// EURUSD.C and friends normalize to their suffix-free canonical form.
	for _, std := range standardSymbols {
		if strings.HasPrefix(s, std+".") {
			return std
		}
	}

	return s
}

// ResolvePlatformName finds the tradable name for a canonical symbol in the
// platform's instrument list. It tries, in order: the canonical name itself,
// known platform spellings, generic suffix variants, then a case-insensitive
// scan. Falls back to the canonical name when nothing matches.
func ResolvePlatformName(canonical string, available []string) string {
	if canonical == "" || len(available) == 0 {
		return canonical
	}

	have := make(map[string]struct{}, len(available))
	for _, name := range available {
		have[name] = struct{}{}
	}

	if _, ok := have[canonical]; ok {
		return canonical
	}

	for _, name := range platformCandidates[canonical] {
		if _, ok := have[name]; ok {
			return name
		}
	}

	for _, suffix := range genericSuffixes {
		if _, ok := have[canonical+suffix]; ok {
			return canonical + suffix
		}
	}

	lower := strings.ToLower(canonical)
	for _, name := range available {
		if strings.ToLower(name) == lower {
			return name
		}
	}

	return canonical
}

// instrumentPatterns detect an instrument mention inside free text, with
// optional slash and platform suffix.
var instrumentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(eur/?usd(?:\.[cxz])?)\b`),
	regexp.MustCompile(`\b(gbp/?usd(?:\.[cxz])?)\b`),
	regexp.MustCompile(`\b(usd/?jpy(?:\.[cxz])?)\b`),
	regexp.MustCompile(`\b(aud/?usd(?:\.[cxz])?)\b`),
	regexp.MustCompile(`\b(usd/?cad(?:\.[cxz])?)\b`),
	regexp.MustCompile(`\b(nzd/?usd(?:\.[cxz])?)\b`),
	regexp.MustCompile(`\b(usd/?chf(?:\.[cxz])?)\b`),
	regexp.MustCompile(`\b(gold|xauusd(?:\.[cxz])?)\b`),
	regexp.MustCompile(`\b(silver|xagusd(?:\.[cxz])?)\b`),
	regexp.MustCompile(`\b(dji30|us30|dow(?:\.?[cxz])?)\b`),
	regexp.MustCompile(`\b(ndx100|nas100|nsdq(?:\.[cxz])?)\b`),
}

// ExtractInstrument pulls the first recognizable instrument mention out of
// free text and normalizes it. Returns "" when none is found.
func ExtractInstrument(text string) string {
	if text == "" {
		return ""
	}
	lower := strings.ToLower(text)
	for _, re := range instrumentPatterns {
		if m := re.FindStringSubmatch(lower); m != nil {
			return Normalize(m[1])
		}
	}

	// Fall back to a bare six-letter pair, but only when both halves are
	// real currency codes ("close perfect entry" must not match).
	for _, m := range forexPairPattern.FindAllStringSubmatch(lower, -1) {
		pair := strings.ToUpper(m[1])
		if currencyCodes[pair[:3]] && currencyCodes[pair[3:]] {
			return Normalize(pair)
		}
	}
	return ""
}

var forexPairPattern = regexp.MustCompile(`\b([a-z]{6})\b`)

var currencyCodes = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "AUD": true,
	"CAD": true, "CHF": true, "NZD": true, "XAU": true, "XAG": true,
}
