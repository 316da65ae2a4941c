package signal

import (
	"regexp"
	"strings"
)

// actionTerms are the verbs and order vocabulary a real signal carries.
var actionTerms = []string{
	"buy", "sell", "long", "short",
	"entry", "enter", "limit",
	"sl", "stop loss", "stoploss",
	"tp", "take profit", "takeprofit", "target",
}

// instrumentTerms cover the canonical symbols, their common aliases, and the
// major currency codes a pair name is built from.
var instrumentTerms = []string{
	"xauusd", "gold", "xagusd", "silver",
	"dji30", "us30", "dow", "ndx100", "nas100", "nsdq",
	"usd", "eur", "gbp", "jpy", "aud", "cad", "chf", "nzd",
}

var (
	priceToken    = regexp.MustCompile(`\d+(?:\.\d+)?`)
	nonActionable = regexp.MustCompile(`(?i)(?:\d+\s*\+?\s*pips?\s+(?:secured|hit|locked|banked)|secured\s+\d+\s*\+?\s*pips?|pips?\s+(?:secured|hit))`)
)

// IsPotentialSignal is the cheap pre-filter: only messages that name an
// instrument, contain trading vocabulary and a numeric price, and are not
// celebratory announcements are worth an extraction call.
func IsPotentialSignal(text string) bool {
	lower := strings.ToLower(text)

	if len(strings.Fields(lower)) < 3 {
		return false
	}
	if !priceToken.MatchString(lower) {
		return false
	}
	if nonActionable.MatchString(lower) {
		return false
	}
	if countEmoji(text) > 3 {
		return false
	}
	if !containsAny(lower, actionTerms) {
		return false
	}
	return containsAny(lower, instrumentTerms)
}

func containsAny(lower string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// countEmoji counts the pictographic runes used to dress up announcements.
func countEmoji(s string) int {
	n := 0
	for _, r := range s {
		switch {
		case r >= 0x1F300 && r <= 0x1FAFF, // symbols, emoticons, transport, extended
			r >= 0x2600 && r <= 0x27BF, // misc symbols and dingbats
			r >= 0xFE00 && r <= 0xFE0F: // variation selectors
			n++
		}
	}
	return n
}

// reducedRiskTerms flag a signal the provider itself calls risky. Scanned on
// the raw message, not the parsed fields.
var reducedRiskTerms = []string{
	"high risk", "risky", "small size", "small lot", "low lot",
	"conservative entry", "reduced risk", "reduce risk", "half risk",
	"be careful", "caution",
}

// IsReducedRisk reports whether the raw message asks for a smaller position.
func IsReducedRisk(text string) bool {
	return containsAny(strings.ToLower(text), reducedRiskTerms)
}
