package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fxsignals/copier/broker"
	"github.com/fxsignals/copier/history"
	"github.com/fxsignals/copier/journal"
	"github.com/fxsignals/copier/logging"
	"github.com/fxsignals/copier/orders"
	"github.com/fxsignals/copier/risk"
	"github.com/fxsignals/copier/signal"
)

// WriteSpacing is the minimum gap between sequential broker mutations in the
// handlers, slightly over the external API's one-per-second budget.
const WriteSpacing = 1100 * time.Millisecond

// NewWriteLimiter builds the limiter the handlers share for cancels, closes
// and stop modifications.
func NewWriteLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(WriteSpacing), 1)
}

// Outcome reports how one message was handled.
type Outcome struct {
	Kind      string // "signal", "missed", "manage" or "ignored"
	Placement *orders.Result
	Missed    *MissedAction
	Manage    *ManageResult
}

// Engine routes inbound messages to the signal pipeline or one of the
// follow-up handlers. Each message is independent; Serve runs them in their
// own goroutines.
type Engine struct {
	accountID string
	broker    broker.Broker
	parser    *signal.Parser
	profiles  *risk.Store
	sizing    risk.SizingPolicy
	orch      *orders.Orchestrator
	store     *history.Store
	missed    *MissedHandler
	manage    *ManageHandler
	jrnl      journal.Journal
	log       *logging.Logger
}

type Config struct {
	AccountID string
	Broker    broker.Broker
	Parser    *signal.Parser
	Profiles  *risk.Store
	Sizing    risk.SizingPolicy
	Orders    *orders.Orchestrator
	History   *history.Store
	Missed    *MissedHandler
	Manage    *ManageHandler
	Journal   journal.Journal
	Log       *logging.Logger
}

func New(cfg Config) *Engine {
	if cfg.Journal == nil {
		cfg.Journal = journal.Nop{}
	}
	if cfg.Log == nil {
		cfg.Log = logging.Discard()
	}
	return &Engine{
		accountID: cfg.AccountID,
		broker:    cfg.Broker,
		parser:    cfg.Parser,
		profiles:  cfg.Profiles,
		sizing:    cfg.Sizing,
		orch:      cfg.Orders,
		store:     cfg.History,
		missed:    cfg.Missed,
		manage:    cfg.Manage,
		jrnl:      cfg.Journal,
		log:       cfg.Log,
	}
}

// HandleMessage classifies and processes one message. A bad message never
// returns an error that should stop the caller; errors here are for logging
// and tests.
func (e *Engine) HandleMessage(ctx context.Context, msg signal.Message) (Outcome, error) {
	// New-signal shape is checked first: a full signal text also trips the
	// looser command and TP-hit patterns.
	if signal.IsPotentialSignal(msg.Text) {
		sig, err := e.parser.Parse(ctx, msg)
		if err != nil {
			return Outcome{Kind: "ignored"}, err
		}
		if sig != nil {
			res, err := e.handleSignal(ctx, *sig)
			return Outcome{Kind: "signal", Placement: res}, err
		}
	}

	if e.missed != nil {
		act, handled, err := e.missed.Handle(ctx, e.accountID, msg)
		if handled {
			return Outcome{Kind: "missed", Missed: &act}, err
		}
		if err != nil {
			return Outcome{Kind: "ignored"}, err
		}
	}

	if e.manage != nil {
		res, handled, err := e.manage.Handle(ctx, e.accountID, msg)
		if handled {
			return Outcome{Kind: "manage", Manage: &res}, err
		}
		if err != nil {
			return Outcome{Kind: "ignored"}, err
		}
	}

	return Outcome{Kind: "ignored"}, nil
}

func (e *Engine) handleSignal(ctx context.Context, sig signal.Signal) (*orders.Result, error) {
	profile := e.profiles.ProfileFor(e.accountID)
	sig.TakeProfits = profile.TPSelection.Apply(sig.TakeProfits)

	// Track before placing so a fast follow-up can already resolve it.
	if e.store != nil {
		sig.ID = e.store.Add(sig)
	}
	e.journalSignal(sig)

	state, err := e.broker.GetAccountState(ctx, e.accountID)
	if err != nil {
		return nil, fmt.Errorf("account state for sizing: %w", err)
	}

	sz := risk.Size(e.sizing, profile, sig.Instrument, sig.Entry, sig.StopLoss,
		sig.TakeProfits, state.Balance, sig.ReducedRisk)
	e.log.Infof("engine: %s %s signal %s sized to %v (risk %.2f, reduced=%t)",
		sig.Instrument, sig.Side, sig.ID, sz.Legs, sz.RiskAmount, sig.ReducedRisk)

	res, err := e.orch.Place(ctx, e.accountID, sig, sz)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (e *Engine) journalSignal(sig signal.Signal) {
	err := e.jrnl.RecordSignal(journal.SignalRecord{
		SignalID:    sig.ID,
		Instrument:  sig.Instrument,
		Side:        string(sig.Side),
		Entry:       sig.Entry,
		StopLoss:    sig.StopLoss,
		TakeProfits: sig.TakeProfits,
		Channel:     sig.ChannelName,
		ReceivedAt:  sig.Timestamp,
	})
	if err != nil {
		e.log.Warnf("engine: journal write failed: %v", err)
	}
}

// Serve consumes messages until the channel closes or the context is
// cancelled, handling each in its own goroutine, and waits for in-flight
// handlers before returning.
func (e *Engine) Serve(ctx context.Context, msgs <-chan signal.Message) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			wg.Add(1)
			go func(msg signal.Message) {
				defer wg.Done()
				if _, err := e.HandleMessage(ctx, msg); err != nil && ctx.Err() == nil {
					e.log.Errorf("engine: message %s failed: %v", msg.MessageID, err)
				}
			}(msg)
		}
	}
}
