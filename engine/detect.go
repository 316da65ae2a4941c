// Package engine routes inbound channel messages: new signals go to sizing
// and placement, take-profit announcements to the missed-signal handler, and
// management instructions (close, cancel, breakeven) to the management
// handler.
package engine

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/fxsignals/copier/market"
)

// TPHit is a parsed "take profit reached" announcement.
type TPHit struct {
	Instrument string
	// Level is 1-based, zero when the message named no level.
	Level int
	// Price quoted alongside the hit, zero if absent.
	Price float64
	// Hint is a free-form reference back to the original signal.
	Hint string
}

var tpHitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`tp\s*[1-3]\s*hit`),
	regexp.MustCompile(`take\s*profit\s*[1-3]\s*hit`),
	regexp.MustCompile(`target\s*[1-3]\s*hit`),
	regexp.MustCompile(`secured\s*[1-3]\s*at\s*tp`),
	regexp.MustCompile(`tp\s*[1-3]\s*reached`),
	regexp.MustCompile(`take\s*profit\s*[1-3]\s*reached`),
	regexp.MustCompile(`closed\s*[1-3]\s*at\s*profit`),
}

var tpLevelPatterns = []*regexp.Regexp{
	regexp.MustCompile(`tp\s*([1-3])`),
	regexp.MustCompile(`target\s*([1-3])`),
	regexp.MustCompile(`profit\s*([1-3])`),
}

var tpPricePatterns = []*regexp.Regexp{
	regexp.MustCompile(`@\s*(\d+\.?\d*)`),
	regexp.MustCompile(`at\s*(\d+\.?\d*)`),
	regexp.MustCompile(`price\s*:?\s*(\d+\.?\d*)`),
	regexp.MustCompile(`tp\s*[1-3]\s*:?\s*(\d+\.?\d*)`),
}

var tpHintPatterns = []*regexp.Regexp{
	regexp.MustCompile(`signal\s*id\s*:?\s*([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`ref\s*:?\s*([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`entry\s*:?\s*(\d+\.?\d*)`),
}

// DetectTPHit reports whether the text announces a take-profit hit and
// extracts whatever correlation evidence it carries. The instrument may be
// empty when the announcement does not name one.
func DetectTPHit(text string) (TPHit, bool) {
	lower := strings.ToLower(text)

	found := false
	for _, re := range tpHitPatterns {
		if re.MatchString(lower) {
			found = true
			break
		}
	}
	if !found {
		return TPHit{}, false
	}

	hit := TPHit{Instrument: market.ExtractInstrument(lower)}

	for _, re := range tpLevelPatterns {
		if m := re.FindStringSubmatch(lower); m != nil {
			hit.Level, _ = strconv.Atoi(m[1])
			break
		}
	}
	for _, re := range tpPricePatterns {
		if m := re.FindStringSubmatch(lower); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				hit.Price = v
				break
			}
		}
	}
	for _, re := range tpHintPatterns {
		if m := re.FindStringSubmatch(lower); m != nil {
			hit.Hint = m[1]
			break
		}
	}
	return hit, true
}

// CommandKind classifies a management instruction.
type CommandKind string

const (
	CmdClose        CommandKind = "close"
	CmdPartialClose CommandKind = "partial_close"
	CmdCancel       CommandKind = "cancel"
	CmdBreakeven    CommandKind = "breakeven"
	CmdTP           CommandKind = "tp"
)

// Command is a detected management instruction.
type Command struct {
	Kind CommandKind
	// TPLevel is set for TP commands that name a level.
	TPLevel int
	// Percent is set for partial closes that name one; zero means use the
	// handler's default.
	Percent float64
}

var (
	tpNumberedPattern = regexp.MustCompile(`(?:close|hit|take|tp|target|profit)[\s\-_.]*(?:tp|target|profit)?[\s\-_.]*(\d+)`)

	breakevenPatterns = []*regexp.Regexp{
		regexp.MustCompile(`break[\s\-_.]*even`),
		regexp.MustCompile(`\bbe\b`),
		regexp.MustCompile(`move[\s\-_.]*(?:sl|stop|loss)[\s\-_.]*to[\s\-_.]*(?:entry|be|breakeven)`),
		regexp.MustCompile(`(?:sl|stop|loss)[\s\-_.]*(?:at|to)[\s\-_.]*(?:entry|be|breakeven)`),
		regexp.MustCompile(`lock[\s\-_.]*(?:in)?[\s\-_.]*profits?`),
		regexp.MustCompile(`secure[\s\-_.]*(?:your|the)?[\s\-_.]*profits?`),
	}

	closePatterns = []*regexp.Regexp{
		regexp.MustCompile(`close[\s\-_.]*(?:all|your|the|this|early|now)?[\s\-_.]*(?:positions?|trades?|orders?)`),
		regexp.MustCompile(`exit[\s\-_.]*(?:all|your|the|this|early|now)?[\s\-_.]*(?:positions?|trades?|orders?)`),
		regexp.MustCompile(`get[\s\-_.]*out`),
		regexp.MustCompile(`take[\s\-_.]*profit[\s\-_.]*now`),
		regexp.MustCompile(`exit[\s\-_.]*(?:all|now|market|immediately)`),
		regexp.MustCompile(`close[\s\-_.]*(?:all|now|market|immediately|early)`),
		regexp.MustCompile(`market[\s\-_.]*(?:doesn't|not|isn't)[\s\-_.]*(?:look|seem)[\s\-_.]*good`),
	}

	cancelPatterns = []*regexp.Regexp{
		regexp.MustCompile(`cancel[\s\-_.]*(?:all|your|the|this|now)?[\s\-_.]*(?:positions?|trades?|orders?)?`),
		regexp.MustCompile(`abort[\s\-_.]*(?:all|your|the|this|now)?[\s\-_.]*(?:positions?|trades?|orders?)?`),
		regexp.MustCompile(`remove[\s\-_.]*(?:all|your|the|this|now)?[\s\-_.]*(?:positions?|trades?|orders?)?`),
		regexp.MustCompile(`delete[\s\-_.]*(?:all|your|the|this|now)?[\s\-_.]*(?:positions?|trades?|orders?)?`),
		regexp.MustCompile(`missed[\s\-_.]*(?:the|this)?[\s\-_.]*(?:entry|signal|opportunity)`),
	}

	genericTPPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\btp\b`),
		regexp.MustCompile(`take[\s\-_.]*profit`),
		regexp.MustCompile(`target[\s\-_.]*hit`),
		regexp.MustCompile(`target[\s\-_.]*reached`),
	}

	partialPattern = regexp.MustCompile(`\b(?:partial|half)\b|(\d{1,2})\s*%`)
)

// DetectCommand classifies a management instruction. Prefix keywords are
// checked first as they are the least ambiguous, then numbered TP mentions,
// then the detailed pattern families, and finally bare keyword fallbacks.
func DetectCommand(text string) (Command, bool) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return Command{}, false
	}

	partial, percent := detectPartial(lower)

	if strings.HasPrefix(lower, "close") {
		return closeCommand(partial, percent), true
	}
	if strings.HasPrefix(lower, "cancel") {
		return Command{Kind: CmdCancel}, true
	}
	if strings.HasPrefix(lower, "be ") || strings.HasPrefix(lower, "breakeven") || lower == "be" {
		return Command{Kind: CmdBreakeven}, true
	}

	if m := tpNumberedPattern.FindStringSubmatch(lower); m != nil {
		level, _ := strconv.Atoi(m[1])
		return Command{Kind: CmdTP, TPLevel: level}, true
	}

	for _, re := range breakevenPatterns {
		if re.MatchString(lower) {
			return Command{Kind: CmdBreakeven}, true
		}
	}
	for _, re := range closePatterns {
		if re.MatchString(lower) {
			return closeCommand(partial, percent), true
		}
	}
	for _, re := range cancelPatterns {
		if re.MatchString(lower) {
			return Command{Kind: CmdCancel}, true
		}
	}
	for _, re := range genericTPPatterns {
		if re.MatchString(lower) {
			return Command{Kind: CmdTP}, true
		}
	}

	if strings.Contains(lower, "close") {
		return closeCommand(partial, percent), true
	}
	if strings.Contains(lower, "cancel") {
		return Command{Kind: CmdCancel}, true
	}
	if strings.Contains(lower, "breakeven") || strings.Contains(lower, " be ") {
		return Command{Kind: CmdBreakeven}, true
	}

	return Command{}, false
}

func closeCommand(partial bool, percent float64) Command {
	if partial {
		return Command{Kind: CmdPartialClose, Percent: percent}
	}
	return Command{Kind: CmdClose}
}

func detectPartial(lower string) (bool, float64) {
	m := partialPattern.FindStringSubmatch(lower)
	if m == nil {
		return false, 0
	}
	if m[1] != "" {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil && v > 0 && v < 100 {
			return true, v
		}
	}
	if strings.Contains(lower, "half") {
		return true, 50
	}
	return true, 0
}

// TradingParams are prices pulled out of a management message for
// content-based matching against the order cache.
type TradingParams struct {
	Instrument  string
	Entry       float64
	StopLoss    float64
	TakeProfits []float64
}

var (
	paramEntryPattern = regexp.MustCompile(`(?:entry|enter|buy|sell|@|at)\s*:?\s*(\d+\.?\d*)`)
	paramStopPattern  = regexp.MustCompile(`(?:sl|stop\s*loss|stop)\s*:?\s*(\d+\.?\d*)`)
	paramTPPattern    = regexp.MustCompile(`(?:tp|take\s*profit|target)\s*\d*\s*:?\s*(\d+\.?\d*)`)
)

// ExtractTradingParams pulls instrument and labeled prices from a message.
func ExtractTradingParams(text string) TradingParams {
	lower := strings.ToLower(text)

	p := TradingParams{Instrument: market.ExtractInstrument(lower)}

	if m := paramEntryPattern.FindStringSubmatch(lower); m != nil {
		p.Entry, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := paramStopPattern.FindStringSubmatch(lower); m != nil {
		p.StopLoss, _ = strconv.ParseFloat(m[1], 64)
	}
	for _, m := range paramTPPattern.FindAllStringSubmatch(lower, -1) {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			p.TakeProfits = append(p.TakeProfits, v)
		}
	}
	return p
}
