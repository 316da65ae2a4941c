package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fxsignals/copier/broker"
	"github.com/fxsignals/copier/history"
	"github.com/fxsignals/copier/journal"
	"github.com/fxsignals/copier/logging"
	"github.com/fxsignals/copier/market"
	"github.com/fxsignals/copier/signal"
)

// Flags gate what the management handler may do on its own.
type Flags struct {
	AutoBreakeven  bool
	AutoCloseEarly bool
	// PartialClosePercent is the default for partial closes that name no
	// percentage.
	PartialClosePercent float64
	// BreakevenBufferPips is the spread allowance left on the losing side of
	// entry when moving a stop to breakeven, instrument-scaled.
	BreakevenBufferPips float64
}

// FlagsForPreset maps the risk presets onto management defaults; the more
// aggressive the profile the more the handler is allowed to automate.
func FlagsForPreset(preset string) Flags {
	f := Flags{PartialClosePercent: 50, BreakevenBufferPips: 2}
	switch preset {
	case "conservative":
		f.AutoBreakeven = true
	case "aggressive":
		f.AutoBreakeven = true
		f.AutoCloseEarly = true
		f.PartialClosePercent = 75
	default: // balanced and anything custom
		f.AutoBreakeven = true
		f.AutoCloseEarly = true
	}
	return f
}

// minContentScore keeps instrument-only coincidences from resolving a target.
const minContentScore = 2

// ManageResult reports what the management handler did.
type ManageResult struct {
	Command    Command
	Instrument string
	SignalID   string
	Resolved   bool
	Success    int
	Total      int
	Skipped    string // non-empty when a gate flag suppressed the action
}

// ManageHandler executes close, cancel, partial-close and breakeven
// instructions against the positions and orders of a resolved signal.
type ManageHandler struct {
	broker  broker.Broker
	store   *history.Store
	cache   *history.Cache
	limiter *rate.Limiter
	jrnl    journal.Journal
	log     *logging.Logger
	flags   Flags
}

func NewManageHandler(b broker.Broker, store *history.Store, cache *history.Cache, limiter *rate.Limiter, flags Flags, jrnl journal.Journal, log *logging.Logger) *ManageHandler {
	if jrnl == nil {
		jrnl = journal.Nop{}
	}
	if log == nil {
		log = logging.Discard()
	}
	return &ManageHandler{
		broker:  b,
		store:   store,
		cache:   cache,
		limiter: limiter,
		jrnl:    jrnl,
		log:     log,
		flags:   flags,
	}
}

// target is the resolved scope of a management instruction. Empty scoped
// means every position/order for the instrument.
type target struct {
	instrument string
	signalID   string
	scoped     map[string]bool
}

func (t target) allows(id string) bool {
	return len(t.scoped) == 0 || t.scoped[id]
}

// Handle processes one inbound message. handled is false when the message is
// not a management instruction. An instruction that cannot be attributed to
// an instrument stays handled but unresolved; nothing is guessed.
func (h *ManageHandler) Handle(ctx context.Context, accountID string, msg signal.Message) (ManageResult, bool, error) {
	cmd, ok := DetectCommand(msg.Text)
	if !ok {
		return ManageResult{}, false, nil
	}
	res := ManageResult{Command: cmd}

	tgt, resolved, err := h.resolveTarget(ctx, accountID, msg)
	if err != nil {
		return res, true, err
	}
	if !resolved {
		h.log.Warnf("manage: %s command could not be attributed to an instrument: %q", cmd.Kind, msg.Text)
		return res, true, nil
	}
	res.Resolved = true
	res.Instrument = tgt.instrument
	res.SignalID = tgt.signalID
	h.log.Infof("manage: %s command for %s (signal %q)", cmd.Kind, tgt.instrument, tgt.signalID)

	switch cmd.Kind {
	case CmdBreakeven:
		if !h.flags.AutoBreakeven {
			res.Skipped = "auto_breakeven disabled"
			return res, true, nil
		}
		err = h.breakeven(ctx, accountID, tgt, &res)
	case CmdClose, CmdPartialClose:
		if !h.flags.AutoCloseEarly {
			res.Skipped = "auto_close_early disabled"
			return res, true, nil
		}
		percent := 100.0
		if cmd.Kind == CmdPartialClose {
			percent = cmd.Percent
			if percent <= 0 {
				percent = h.flags.PartialClosePercent
			}
		}
		err = h.closeAll(ctx, accountID, tgt, percent, &res)
	case CmdCancel:
		err = h.cancelAll(ctx, accountID, tgt, &res)
	case CmdTP:
		// A TP announcement means pending entries for that signal are
		// stale; open positions are left to run.
		err = h.cancelPendingOnly(ctx, accountID, tgt, &res)
	}
	return res, true, err
}

// resolveTarget walks the attribution ladder: explicit instrument, reply
// target, content match against tracked signals, best-scoring open position,
// and finally the only instrument holding an open position.
func (h *ManageHandler) resolveTarget(ctx context.Context, accountID string, msg signal.Message) (target, bool, error) {
	params := ExtractTradingParams(msg.Text)

	if params.Instrument != "" {
		return target{instrument: market.Normalize(params.Instrument)}, true, nil
	}

	if msg.ReplyToID != "" {
		if rec, ok := h.store.Get(msg.ReplyToID); ok {
			return h.scopedTarget(rec), true, nil
		}
		if cached, ok := h.cache.Get(msg.ReplyToID); ok {
			return cachedTarget(msg.ReplyToID, cached), true, nil
		}
	}

	if rec, ok := h.contentMatch(msg, params); ok {
		return h.scopedTarget(rec), true, nil
	}

	// The persisted cache covers signals placed before a restart, when the
	// in-memory store no longer knows them.
	if id, cached, ok := h.cache.FindByContent(params.Instrument, params.Entry, params.StopLoss, params.TakeProfits, history.Retention); ok {
		return cachedTarget(id, cached), true, nil
	}

	positions, err := h.broker.GetPositions(ctx, accountID)
	if err != nil {
		return target{}, false, err
	}
	if pos, ok := bestPosition(positions, msg.Text, params); ok {
		return target{instrument: pos.Instrument, scoped: map[string]bool{pos.ID: true}}, true, nil
	}
	if inst, ok := singleOpenInstrument(positions); ok {
		return target{instrument: inst}, true, nil
	}
	return target{}, false, nil
}

func (h *ManageHandler) scopedTarget(rec history.Record) target {
	scoped := make(map[string]bool, len(rec.Orders))
	for _, o := range rec.Orders {
		scoped[o.ID] = true
	}
	return target{instrument: rec.Signal.Instrument, signalID: rec.ID, scoped: scoped}
}

func cachedTarget(messageID string, cached history.CachedOrders) target {
	scoped := make(map[string]bool, len(cached.Orders))
	for _, id := range cached.Orders {
		scoped[id] = true
	}
	return target{instrument: cached.Instrument, signalID: messageID, scoped: scoped}
}

// contentMatch scores tracked signals on price proximity, direction mention
// and word overlap with the stored raw message.
func (h *ManageHandler) contentMatch(msg signal.Message, params TradingParams) (history.Record, bool) {
	lower := strings.ToLower(msg.Text)

	var best history.Record
	bestScore := 0
	for _, rec := range h.store.All() {
		score := 0
		if params.Entry > 0 && withinRel(rec.Signal.Entry, params.Entry) {
			score += 2
		}
		if params.StopLoss > 0 && withinRel(rec.Signal.StopLoss, params.StopLoss) {
			score++
		}
		for _, tp := range params.TakeProfits {
			for _, stored := range rec.Signal.TakeProfits {
				if withinRel(stored, tp) {
					score++
					break
				}
			}
		}
		if strings.Contains(lower, string(rec.Signal.Side)) {
			score++
		}
		if wordOverlap(lower, strings.ToLower(rec.Signal.RawMessage)) >= 3 {
			score++
		}
		if score > bestScore {
			best, bestScore = rec, score
		}
	}
	if bestScore < minContentScore {
		return history.Record{}, false
	}
	h.log.Infof("manage: content match on signal %s (score %d)", best.ID, bestScore)
	return best, true
}

func (h *ManageHandler) breakeven(ctx context.Context, accountID string, tgt target, res *ManageResult) error {
	positions, err := h.instrumentPositions(ctx, accountID, tgt)
	if err != nil {
		return err
	}
	res.Total = len(positions)

	// The buffer sits on the losing side of entry so spread noise does not
	// stop the trade out at exact breakeven.
	buffer := h.flags.BreakevenBufferPips * market.PipSize(tgt.instrument)
	for _, p := range positions {
		if err := h.wait(ctx); err != nil {
			return err
		}
		sl := p.EntryPrice - buffer
		if p.Side == market.Sell {
			sl = p.EntryPrice + buffer
		}
		err := h.broker.ModifyPosition(ctx, accountID, p.ID, broker.PositionModify{StopLoss: &sl})
		if err != nil {
			h.log.Errorf("manage: breakeven for position %s failed: %v", p.ID, err)
			h.journalAction(tgt.signalID, p.ID, "breakeven", err.Error(), false)
			continue
		}
		h.log.Infof("manage: moved stop to breakeven %.5f on %s position %s", sl, tgt.instrument, p.ID)
		h.journalAction(tgt.signalID, p.ID, "breakeven", "", true)
		res.Success++
	}
	return nil
}

// closeAll closes positions first, then cancels pending orders. The two
// classes are never mutated concurrently; each call is spaced by the shared
// limiter.
func (h *ManageHandler) closeAll(ctx context.Context, accountID string, tgt target, percent float64, res *ManageResult) error {
	positions, err := h.instrumentPositions(ctx, accountID, tgt)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if err := h.wait(ctx); err != nil {
			return err
		}
		res.Total++
		qty := 0.0 // full close
		kind := "close"
		if percent < 100 {
			qty = p.Quantity * percent / 100
			kind = "partial_close"
		}
		err := h.broker.ClosePosition(ctx, accountID, p.ID, qty)
		if err != nil && !errors.Is(err, broker.ErrNotFound) {
			h.log.Errorf("manage: close position %s failed: %v", p.ID, err)
			h.journalAction(tgt.signalID, p.ID, kind, err.Error(), false)
			continue
		}
		h.journalAction(tgt.signalID, p.ID, kind, "", true)
		res.Success++
	}

	// Partial closes keep the pending legs working.
	if percent < 100 {
		return nil
	}
	if err := h.cancelPending(ctx, accountID, tgt, res); err != nil {
		return err
	}
	h.retireCache(tgt)
	return nil
}

// cancelAll cancels pending orders and then closes any scoped positions,
// mirroring how providers use "cancel" loosely for both.
func (h *ManageHandler) cancelAll(ctx context.Context, accountID string, tgt target, res *ManageResult) error {
	if err := h.cancelPending(ctx, accountID, tgt, res); err != nil {
		return err
	}
	positions, err := h.instrumentPositions(ctx, accountID, tgt)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if err := h.wait(ctx); err != nil {
			return err
		}
		res.Total++
		err := h.broker.ClosePosition(ctx, accountID, p.ID, 0)
		if err != nil && !errors.Is(err, broker.ErrNotFound) {
			h.log.Errorf("manage: close position %s failed: %v", p.ID, err)
			h.journalAction(tgt.signalID, p.ID, "close", err.Error(), false)
			continue
		}
		h.journalAction(tgt.signalID, p.ID, "close", "", true)
		res.Success++
	}
	h.retireCache(tgt)
	return nil
}

// retireCache drops a fully closed signal's cached order set; nothing is left
// to act on after a full close or cancel.
func (h *ManageHandler) retireCache(tgt target) {
	if tgt.signalID == "" {
		return
	}
	if err := h.cache.RemoveMessage(tgt.signalID); err != nil {
		h.log.Warnf("manage: cache retire failed: %v", err)
	}
}

func (h *ManageHandler) cancelPendingOnly(ctx context.Context, accountID string, tgt target, res *ManageResult) error {
	return h.cancelPending(ctx, accountID, tgt, res)
}

func (h *ManageHandler) cancelPending(ctx context.Context, accountID string, tgt target, res *ManageResult) error {
	orders, err := h.broker.GetPendingOrders(ctx, accountID)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if o.Instrument != tgt.instrument || !tgt.allows(o.ID) {
			continue
		}
		if err := h.wait(ctx); err != nil {
			return err
		}
		res.Total++
		err := h.broker.CancelOrder(ctx, accountID, o.ID)
		if err != nil && !errors.Is(err, broker.ErrNotFound) {
			h.log.Errorf("manage: cancel order %s failed: %v", o.ID, err)
			h.journalAction(tgt.signalID, o.ID, "cancel", err.Error(), false)
			continue
		}
		detail := ""
		if tp, ok := h.cache.TakeProfitFor(tgt.signalID, o.ID); ok {
			detail = fmt.Sprintf("tp %.5f", tp)
		}
		res.Success++
		h.journalAction(tgt.signalID, o.ID, "cancel", detail, true)
		if tgt.signalID != "" {
			h.store.RemoveOrder(tgt.signalID, o.ID)
			if err := h.cache.RemoveOrder(tgt.signalID, o.ID); err != nil {
				h.log.Warnf("manage: cache update failed: %v", err)
			}
		}
	}
	return nil
}

func (h *ManageHandler) instrumentPositions(ctx context.Context, accountID string, tgt target) ([]broker.Position, error) {
	positions, err := h.broker.GetPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var out []broker.Position
	for _, p := range positions {
		if p.Instrument == tgt.instrument && tgt.allows(p.ID) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (h *ManageHandler) wait(ctx context.Context) error {
	if h.limiter == nil {
		return nil
	}
	return h.limiter.Wait(ctx)
}

func (h *ManageHandler) journalAction(signalID, orderID, kind, detail string, ok bool) {
	err := h.jrnl.RecordAction(journal.ActionRecord{
		Time:     time.Now(),
		SignalID: signalID,
		OrderID:  orderID,
		Kind:     kind,
		Detail:   detail,
		Success:  ok,
	})
	if err != nil {
		h.log.Warnf("manage: journal write failed: %v", err)
	}
}

// bestPosition scores open positions against the message; price proximity
// and a direction mention both count, and ties stay unresolved.
func bestPosition(positions []broker.Position, text string, params TradingParams) (broker.Position, bool) {
	lower := strings.ToLower(text)

	var best broker.Position
	bestScore, bestCount := 0, 0
	for _, p := range positions {
		score := 0
		if params.Entry > 0 && withinRel(p.EntryPrice, params.Entry) {
			score += 2
		}
		if strings.Contains(lower, string(p.Side)) {
			score++
		}
		if score > bestScore {
			best, bestScore, bestCount = p, score, 1
		} else if score == bestScore && score > 0 {
			bestCount++
		}
	}
	if bestScore == 0 || bestCount != 1 {
		return broker.Position{}, false
	}
	return best, true
}

func singleOpenInstrument(positions []broker.Position) (string, bool) {
	seen := make(map[string]bool)
	for _, p := range positions {
		seen[p.Instrument] = true
	}
	if len(seen) != 1 {
		return "", false
	}
	for inst := range seen {
		return inst, true
	}
	return "", false
}

func withinRel(stored, quoted float64) bool {
	if stored <= 0 {
		return false
	}
	diff := stored - quoted
	if diff < 0 {
		diff = -diff
	}
	return diff <= stored*0.001
}

func wordOverlap(a, b string) int {
	if a == "" || b == "" {
		return 0
	}
	words := make(map[string]bool)
	for _, w := range strings.Fields(a) {
		if len(w) >= 3 {
			words[w] = true
		}
	}
	count := 0
	for _, w := range strings.Fields(b) {
		if words[w] {
			count++
			delete(words, w)
		}
	}
	return count
}
