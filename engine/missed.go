package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/fxsignals/copier/broker"
	"github.com/fxsignals/copier/history"
	"github.com/fxsignals/copier/journal"
	"github.com/fxsignals/copier/logging"
	"github.com/fxsignals/copier/signal"
)

// MissedAction reports what the missed-signal handler decided.
type MissedAction struct {
	Action          string // "none" or "cancelled"
	Reason          string
	Instrument      string
	TPLevel         int
	MatchedSignalID string
	Cancelled       int
	Total           int
	FallbackUsed    bool
}

// MissedHandler cancels the pending legs of a signal whose take-profit was
// announced as hit before any entry filled. A hit with an open position means
// the trade was caught and nothing happens.
type MissedHandler struct {
	broker  broker.Broker
	store   *history.Store
	limiter *rate.Limiter
	jrnl    journal.Journal
	log     *logging.Logger

	// FallbackProtection gates cancelling ALL pending orders for the
	// instrument when no specific signal match exists. Off by default:
	// cancelling unrelated orders is worse than leaving a stale one.
	FallbackProtection bool
}

func NewMissedHandler(b broker.Broker, store *history.Store, limiter *rate.Limiter, jrnl journal.Journal, log *logging.Logger) *MissedHandler {
	if jrnl == nil {
		jrnl = journal.Nop{}
	}
	if log == nil {
		log = logging.Discard()
	}
	return &MissedHandler{broker: b, store: store, limiter: limiter, jrnl: jrnl, log: log}
}

// Handle processes one inbound message. handled is false when the message is
// not a take-profit announcement, or names no resolvable instrument.
func (h *MissedHandler) Handle(ctx context.Context, accountID string, msg signal.Message) (MissedAction, bool, error) {
	hit, ok := DetectTPHit(msg.Text)
	if !ok {
		return MissedAction{}, false, nil
	}

	// A reply resolves directly to the signal it answers.
	if msg.ReplyToID != "" {
		if rec, found := h.store.Get(msg.ReplyToID); found {
			if hit.Instrument == "" {
				hit.Instrument = rec.Signal.Instrument
			}
			act, err := h.resolve(ctx, accountID, hit, &rec)
			return act, true, err
		}
	}

	if hit.Instrument == "" {
		h.log.Debugf("missed: tp hit message without instrument, ignoring: %q", msg.Text)
		return MissedAction{}, false, nil
	}

	h.log.Infof("missed: detected TP%d hit for %s (price %.5f, hint %q)",
		hit.Level, hit.Instrument, hit.Price, hit.Hint)

	rec, matched := h.store.FindMatching(history.Query{
		Instrument: hit.Instrument,
		TPLevel:    hit.Level,
		TPPrice:    hit.Price,
		Hint:       hit.Hint,
		ChannelID:  msg.ChannelID,
	})
	var recPtr *history.Record
	if matched {
		recPtr = &rec
	}
	act, err := h.resolve(ctx, accountID, hit, recPtr)
	return act, true, err
}

// resolve applies the decision once a hit is attributed (or not) to a signal.
func (h *MissedHandler) resolve(ctx context.Context, accountID string, hit TPHit, rec *history.Record) (MissedAction, error) {
	act := MissedAction{Action: "none", Instrument: hit.Instrument, TPLevel: hit.Level}
	if rec != nil {
		act.MatchedSignalID = rec.ID
	}

	open, err := h.hasOpenPositions(ctx, accountID, hit.Instrument)
	if err != nil {
		return act, err
	}
	if open {
		h.log.Infof("missed: %s has open positions, signal was caught", hit.Instrument)
		act.Reason = "existing_positions"
		return act, nil
	}

	pending, err := h.pendingOrders(ctx, accountID, hit.Instrument)
	if err != nil {
		return act, err
	}

	var toCancel []string
	switch {
	case rec != nil && len(rec.Orders) > 0:
		registered := make(map[string]bool, len(rec.Orders))
		for _, o := range rec.Orders {
			registered[o.ID] = true
		}
		for _, id := range pending {
			if registered[id] {
				toCancel = append(toCancel, id)
			}
		}
		if len(toCancel) == 0 {
			act.Reason = "no_matching_orders"
			return act, nil
		}
		h.log.Warnf("missed: TP%d hit for %s with no open positions, cancelling %d matched pending orders",
			hit.Level, hit.Instrument, len(toCancel))

	case len(pending) > 0 && h.FallbackProtection:
		toCancel = pending
		act.FallbackUsed = true
		h.log.Warnf("missed: no signal match for %s TP%d hit, fallback protection cancelling all %d pending orders",
			hit.Instrument, hit.Level, len(toCancel))

	case len(pending) > 0:
		h.log.Warnf("missed: no signal match for %s TP%d hit, %d pending orders left alone (fallback protection off)",
			hit.Instrument, hit.Level, len(pending))
		act.Reason = "fallback_protection_disabled"
		return act, nil

	default:
		act.Reason = "no_pending_orders"
		return act, nil
	}

	act.Action = "cancelled"
	act.Total = len(toCancel)
	act.Cancelled = h.cancelOrders(ctx, accountID, act.MatchedSignalID, toCancel)
	return act, nil
}

// cancelOrders cancels sequentially under the shared rate limiter. A not
// found answer means the order already resolved and counts as success.
func (h *MissedHandler) cancelOrders(ctx context.Context, accountID, signalID string, orderIDs []string) int {
	cancelled := 0
	for _, id := range orderIDs {
		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				break
			}
		}
		err := h.broker.CancelOrder(ctx, accountID, id)
		switch {
		case err == nil, errors.Is(err, broker.ErrNotFound):
			cancelled++
			if signalID != "" {
				h.store.RemoveOrder(signalID, id)
			}
			h.journalAction(signalID, id, "cancel", "missed signal", true)
		default:
			h.log.Errorf("missed: cancel order %s failed: %v", id, err)
			h.journalAction(signalID, id, "cancel", err.Error(), false)
		}
	}
	return cancelled
}

func (h *MissedHandler) hasOpenPositions(ctx context.Context, accountID, instrument string) (bool, error) {
	positions, err := h.broker.GetPositions(ctx, accountID)
	if err != nil {
		return false, err
	}
	for _, p := range positions {
		if p.Instrument == instrument {
			return true, nil
		}
	}
	return false, nil
}

func (h *MissedHandler) pendingOrders(ctx context.Context, accountID, instrument string) ([]string, error) {
	orders, err := h.broker.GetPendingOrders(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, o := range orders {
		if o.Instrument == instrument {
			ids = append(ids, o.ID)
		}
	}
	return ids, nil
}

func (h *MissedHandler) journalAction(signalID, orderID, kind, detail string, ok bool) {
	err := h.jrnl.RecordAction(journal.ActionRecord{
		Time:     time.Now(),
		SignalID: signalID,
		OrderID:  orderID,
		Kind:     kind,
		Detail:   detail,
		Success:  ok,
	})
	if err != nil {
		h.log.Warnf("missed: journal write failed: %v", err)
	}
}
