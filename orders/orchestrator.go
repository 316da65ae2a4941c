// Package orders turns a sized signal into broker orders: it picks market vs
// limit from the live quote, expands take-profit legs (with the three-leg
// runner layout on index CFDs), dispatches the batch in parallel and records
// what was placed.
package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fxsignals/copier/broker"
	"github.com/fxsignals/copier/drawdown"
	"github.com/fxsignals/copier/history"
	"github.com/fxsignals/copier/journal"
	"github.com/fxsignals/copier/logging"
	"github.com/fxsignals/copier/market"
	"github.com/fxsignals/copier/risk"
	"github.com/fxsignals/copier/signal"
)

// Policy tunes order construction.
type Policy struct {
	// ThresholdPips is the entry-to-market distance under which a limit
	// order is upgraded to a market order.
	ThresholdPips float64
	// RunnerPoints is the take-profit distance of the runner leg on index
	// CFDs, in instrument points.
	RunnerPoints float64
	// MinLot is the smallest size the broker accepts.
	MinLot float64
	// MarginRetries bounds the halve-and-retry loop when every leg fails
	// on insufficient margin.
	MarginRetries int
}

func DefaultPolicy() Policy {
	return Policy{
		ThresholdPips: 10,
		RunnerPoints:  500,
		MinLot:        0.01,
		MarginRetries: 3,
	}
}

// Leg is one successfully placed order.
type Leg struct {
	OrderID    string
	Quantity   float64
	TakeProfit float64
	Runner     bool
}

// FailedLeg is one leg the broker rejected.
type FailedLeg struct {
	Quantity   float64
	TakeProfit float64
	Err        error
}

// Result reports the outcome of placing one signal.
type Result struct {
	Decision  risk.Decision
	OrderType broker.OrderType
	Entry     float64
	StopLoss  float64
	Placed    []Leg
	Failed    []FailedLeg
}

// Guard is the slice of the drawdown guard the orchestrator consults before
// dispatching.
type Guard interface {
	WouldExceed(balance, riskAmount float64) bool
}

var _ Guard = (*drawdown.Guard)(nil)

// instrumentTTL bounds how long a fetched instrument list is reused for
// platform symbol resolution.
const instrumentTTL = time.Hour

// Orchestrator places orders and registers them for later correlation.
type Orchestrator struct {
	broker broker.Broker
	guard  Guard
	store  *history.Store
	cache  *history.Cache
	jrnl   journal.Journal
	policy Policy
	log    *logging.Logger

	instMu      sync.Mutex
	instruments []string
	instFetched time.Time
}

func New(b broker.Broker, guard Guard, store *history.Store, cache *history.Cache, jrnl journal.Journal, policy Policy, log *logging.Logger) *Orchestrator {
	if jrnl == nil {
		jrnl = journal.Nop{}
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Orchestrator{
		broker: b,
		guard:  guard,
		store:  store,
		cache:  cache,
		jrnl:   jrnl,
		policy: policy,
		log:    log,
	}
}

// Place executes a sized signal against the broker. A drawdown rejection is
// not an error; it comes back as a disallowed Decision with no legs placed.
func (o *Orchestrator) Place(ctx context.Context, accountID string, sig signal.Signal, sz risk.Sizing) (Result, error) {
	res := Result{
		Decision: risk.Decision{Allowed: true, RiskAmount: sz.RiskAmount, Legs: sz.Legs},
	}

	state, err := o.broker.GetAccountState(ctx, accountID)
	if err != nil {
		return res, fmt.Errorf("refresh account state: %w", err)
	}

	if o.guard != nil && o.guard.WouldExceed(state.Balance, sz.RiskAmount) {
		res.Decision.Reject("drawdown",
			fmt.Sprintf("risking %.2f from balance %.2f breaches the drawdown floor", sz.RiskAmount, state.Balance))
		o.log.Warnf("orders: %s signal %s rejected: %s", sig.Instrument, sig.ID, res.Decision.Reason())
		o.journalAction(sig.ID, "", "reject", res.Decision.Reason(), false)
		return res, nil
	}

	legs := buildLegs(sig, sz, o.policy)
	if len(legs) == 0 {
		return res, errors.New("no take-profit legs to place")
	}

	// Orders go to the broker under the name its platform lists; the store
	// and cache keep the canonical symbol for later correlation.
	platform := o.platformName(ctx, accountID, sig.Instrument)
	if platform != sig.Instrument {
		o.log.Infof("orders: %s trades as %s on this platform", sig.Instrument, platform)
	}

	res.OrderType, res.Entry, res.StopLoss = o.selectOrderType(ctx, sig, platform)

	placed, failed := o.dispatch(ctx, accountID, sig, platform, legs, res)
	res.Placed, res.Failed = placed, failed

	if len(placed) > 0 {
		o.register(sig, res)
	}
	return res, nil
}

// legSpec is one leg before dispatch.
type legSpec struct {
	quantity   float64
	takeProfit float64
	runner     bool
}

// buildLegs expands take-profits into order legs. Standard instruments get
// one leg per take-profit. Index CFDs always get three: the two take-profits
// closest to entry plus a runner at a fixed point distance, each a third of
// the total size.
func buildLegs(sig signal.Signal, sz risk.Sizing, pol Policy) []legSpec {
	if market.Classify(sig.Instrument).IsIndex() {
		return buildIndexLegs(sig, sz, pol)
	}

	n := len(sig.TakeProfits)
	if len(sz.Legs) < n {
		n = len(sz.Legs)
	}
	legs := make([]legSpec, 0, n)
	for i := 0; i < n; i++ {
		legs = append(legs, legSpec{quantity: sz.Legs[i], takeProfit: sig.TakeProfits[i]})
	}
	return legs
}

func buildIndexLegs(sig signal.Signal, sz risk.Sizing, pol Policy) []legSpec {
	if len(sig.TakeProfits) == 0 {
		return nil
	}

	tps := append([]float64(nil), sig.TakeProfits...)
	// Closest to entry first: ascending for buys, descending for sells.
	sort.Float64s(tps)
	if sig.Side == market.Sell {
		for i, j := 0, len(tps)-1; i < j; i, j = i+1, j-1 {
			tps[i], tps[j] = tps[j], tps[i]
		}
	}

	total := 0.0
	for _, q := range sz.Legs {
		total += q
	}
	per := round2(total / 3)
	if per < pol.MinLot {
		per = pol.MinLot
	}

	distance := pol.RunnerPoints / market.PointScale(sig.Instrument)
	runnerTP := sig.Entry + distance
	if sig.Side == market.Sell {
		runnerTP = sig.Entry - distance
	}

	legs := make([]legSpec, 0, 3)
	for i := 0; i < 2 && i < len(tps); i++ {
		legs = append(legs, legSpec{quantity: per, takeProfit: tps[i]})
	}
	legs = append(legs, legSpec{quantity: per, takeProfit: runnerTP, runner: true})
	return legs
}

// platformName resolves the canonical symbol to the name the platform lists
// it under, refreshing the cached instrument list once it is older than the
// TTL. Listing failures fall back to the previous list, or to the canonical
// name when none was ever fetched.
func (o *Orchestrator) platformName(ctx context.Context, accountID, canonical string) string {
	o.instMu.Lock()
	defer o.instMu.Unlock()

	if time.Since(o.instFetched) > instrumentTTL {
		names, err := o.broker.ListInstruments(ctx, accountID)
		switch {
		case err == nil:
			o.instruments = names
			o.instFetched = time.Now()
		case o.instruments == nil:
			o.log.Warnf("orders: list instruments failed, using %s as-is: %v", canonical, err)
			return canonical
		default:
			o.log.Warnf("orders: instrument list refresh failed, keeping cached list: %v", err)
		}
	}
	return market.ResolvePlatformName(canonical, o.instruments)
}

// selectOrderType decides market vs limit against the live quote. Within the
// pip threshold, or when the market has already moved past the entry in the
// trade's favor, a market order fills now and the stop is shifted by the same
// distance to keep the risk width intact.
func (o *Orchestrator) selectOrderType(ctx context.Context, sig signal.Signal, platform string) (broker.OrderType, float64, float64) {
	quote, err := o.broker.GetQuote(ctx, platform)
	if err != nil {
		o.log.Warnf("orders: no quote for %s, using limit order: %v", sig.Instrument, err)
		return broker.Limit, sig.Entry, sig.StopLoss
	}

	current := quote.ExecutionPrice(sig.Side)
	diff := math.Abs(sig.Entry - current)
	pipDiff := diff / market.PipSize(sig.Instrument)

	if pipDiff > o.policy.ThresholdPips && !sig.Side.Favorable(sig.Entry, current) {
		return broker.Limit, sig.Entry, sig.StopLoss
	}

	sl := sig.StopLoss + diff
	if sig.Side == market.Sell {
		sl = sig.StopLoss - diff
	}
	sl = round5(sl)
	o.log.Infof("orders: %s within %.1f pips of entry %.5f, using market order (SL %.5f)",
		sig.Instrument, pipDiff, sig.Entry, sl)
	return broker.Market, current, sl
}

// dispatch places all legs in parallel. When every leg fails on margin the
// sizes are halved and the batch retried, bounded by the policy.
func (o *Orchestrator) dispatch(ctx context.Context, accountID string, sig signal.Signal, platform string, legs []legSpec, res Result) ([]Leg, []FailedLeg) {
	sizes := make([]float64, len(legs))
	for i, l := range legs {
		sizes[i] = l.quantity
	}

	var placed []Leg
	var failed []FailedLeg

	for attempt := 0; attempt <= o.policy.MarginRetries; attempt++ {
		if attempt > 0 {
			for i := range sizes {
				sizes[i] = round2(sizes[i] * 0.5)
			}
			if minSize(sizes) < o.policy.MinLot {
				o.log.Errorf("orders: %s sizes below minimum %.2f after margin retries, giving up",
					sig.Instrument, o.policy.MinLot)
				break
			}
			o.log.Warnf("orders: retry %d/%d for %s with halved sizes %v",
				attempt, o.policy.MarginRetries, sig.Instrument, sizes)
		}

		placed, failed = o.placeBatch(ctx, accountID, sig, platform, legs, sizes, res)

		marginFailures := 0
		for _, f := range failed {
			if errors.Is(f.Err, broker.ErrInsufficientMargin) {
				marginFailures++
			}
		}
		if len(placed) > 0 || marginFailures < len(legs) {
			break
		}
	}
	return placed, failed
}

func (o *Orchestrator) placeBatch(ctx context.Context, accountID string, sig signal.Signal, platform string, legs []legSpec, sizes []float64, res Result) ([]Leg, []FailedLeg) {
	type outcome struct {
		id  string
		err error
	}
	outcomes := make([]outcome, len(legs))

	var wg sync.WaitGroup
	for i, leg := range legs {
		wg.Add(1)
		go func(i int, leg legSpec) {
			defer wg.Done()
			req := broker.OrderRequest{
				Instrument: platform,
				Side:       sig.Side,
				Type:       res.OrderType,
				Quantity:   sizes[i],
				StopLoss:   res.StopLoss,
				TakeProfit: leg.takeProfit,
			}
			if res.OrderType == broker.Limit {
				req.Price = res.Entry
			}
			id, err := o.broker.CreateOrder(ctx, accountID, req)
			outcomes[i] = outcome{id: id, err: err}
		}(i, leg)
	}
	wg.Wait()

	var placed []Leg
	var failed []FailedLeg
	for i, out := range outcomes {
		if out.err != nil {
			failed = append(failed, FailedLeg{Quantity: sizes[i], TakeProfit: legs[i].takeProfit, Err: out.err})
			o.log.Errorf("orders: %s leg TP %.5f failed: %v", sig.Instrument, legs[i].takeProfit, out.err)
			continue
		}
		placed = append(placed, Leg{
			OrderID:    out.id,
			Quantity:   sizes[i],
			TakeProfit: legs[i].takeProfit,
			Runner:     legs[i].runner,
		})
		tag := ""
		if legs[i].runner {
			tag = " (runner)"
		}
		o.log.Infof("orders: %s %s %s %.2f lots @ %.5f SL %.5f TP %.5f%s id=%s",
			res.OrderType, sig.Instrument, sig.Side, sizes[i], res.Entry, res.StopLoss, legs[i].takeProfit, tag, out.id)
	}
	return placed, failed
}

// register records the placed legs in the correlation store, the persisted
// order cache and the journal.
func (o *Orchestrator) register(sig signal.Signal, res Result) {
	refs := make([]history.OrderRef, 0, len(res.Placed))
	ids := make([]string, 0, len(res.Placed))
	tps := make([]float64, 0, len(res.Placed))
	for _, leg := range res.Placed {
		refs = append(refs, history.OrderRef{ID: leg.OrderID, TakeProfit: leg.TakeProfit, Runner: leg.Runner})
		ids = append(ids, leg.OrderID)
		tps = append(tps, leg.TakeProfit)
	}

	if o.store != nil {
		o.store.RegisterOrders(sig.ID, refs)
	}
	if o.cache != nil && sig.ID != "" {
		err := o.cache.Store(sig.ID, history.CachedOrders{
			Orders:      ids,
			TakeProfits: tps,
			Instrument:  sig.Instrument,
			EntryPrice:  res.Entry,
			StopLoss:    res.StopLoss,
			Timestamp:   time.Now(),
		})
		if err != nil {
			o.log.Warnf("orders: caching orders for %s failed: %v", sig.ID, err)
		}
	}

	for _, leg := range res.Placed {
		if err := o.jrnl.RecordOrder(journal.OrderRecord{
			OrderID:    leg.OrderID,
			SignalID:   sig.ID,
			Instrument: sig.Instrument,
			Side:       string(sig.Side),
			OrderType:  string(res.OrderType),
			Quantity:   leg.Quantity,
			Price:      res.Entry,
			StopLoss:   res.StopLoss,
			TakeProfit: leg.TakeProfit,
			Runner:     leg.Runner,
			PlacedAt:   time.Now(),
		}); err != nil {
			o.log.Warnf("orders: journal write failed: %v", err)
		}
	}
}

func (o *Orchestrator) journalAction(signalID, orderID, kind, detail string, ok bool) {
	err := o.jrnl.RecordAction(journal.ActionRecord{
		Time:     time.Now(),
		SignalID: signalID,
		OrderID:  orderID,
		Kind:     kind,
		Detail:   detail,
		Success:  ok,
	})
	if err != nil {
		o.log.Warnf("orders: journal write failed: %v", err)
	}
}

func minSize(sizes []float64) float64 {
	m := math.Inf(1)
	for _, s := range sizes {
		if s < m {
			m = s
		}
	}
	return m
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round5(v float64) float64 { return math.Round(v*100000) / 100000 }
