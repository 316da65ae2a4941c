// Package sim is an in-memory Broker used by tests and the demo command. It
// fills market orders immediately at the current quote, keeps limit orders
// pending until cancelled, and lets tests inject margin failures to exercise
// the retry path.
package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fxsignals/copier/broker"
	"github.com/fxsignals/copier/market"
	"github.com/fxsignals/copier/pkg/id"
)

type Broker struct {
	mu          sync.Mutex
	balance     float64
	unrealized  float64
	quotes      map[string]market.Quote
	instruments []string
	positions   map[string]*broker.Position
	pending     map[string]*broker.Order

	// MarginFailures makes the next N CreateOrder calls fail with
	// ErrInsufficientMargin. Tests set it directly before dispatch.
	MarginFailures int

	created []broker.OrderRequest
}

func New(balance float64) *Broker {
	return &Broker{
		balance:   balance,
		quotes:    make(map[string]market.Quote),
		positions: make(map[string]*broker.Position),
		pending:   make(map[string]*broker.Order),
	}
}

// SetQuote publishes a price. The instrument becomes tradable and appears in
// ListInstruments.
func (b *Broker) SetQuote(instrument string, bid, ask float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.quotes[instrument]; !ok {
		b.instruments = append(b.instruments, instrument)
		sort.Strings(b.instruments)
	}
	b.quotes[instrument] = market.Quote{
		Instrument: instrument,
		Bid:        bid,
		Ask:        ask,
		Time:       time.Now(),
	}
}

// SetInstruments replaces the tradable instrument list without publishing
// prices, for tests that only exercise symbol resolution.
func (b *Broker) SetInstruments(names ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instruments = append([]string(nil), names...)
}

// SetUnrealizedPnL sets the floating P&L reported with the account state.
func (b *Broker) SetUnrealizedPnL(v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unrealized = v
}

// SetBalance overwrites the account balance.
func (b *Broker) SetBalance(v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balance = v
}

// Created returns a copy of every order request seen, filled or rejected, in
// arrival order.
func (b *Broker) Created() []broker.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.OrderRequest(nil), b.created...)
}

func (b *Broker) GetAccountState(ctx context.Context, accountID string) (broker.AccountState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return broker.AccountState{
		AccountID:     accountID,
		Balance:       b.balance,
		UnrealizedPnL: b.unrealized,
	}, nil
}

func (b *Broker) GetPositions(ctx context.Context, accountID string) ([]broker.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]broker.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Broker) GetPendingOrders(ctx context.Context, accountID string) ([]broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]broker.Order, 0, len(b.pending))
	for _, o := range b.pending {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Broker) GetQuote(ctx context.Context, instrument string) (market.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.quotes[instrument]
	if !ok {
		return market.Quote{}, fmt.Errorf("get quote %q: %w", instrument, broker.ErrNotFound)
	}
	return q, nil
}

func (b *Broker) ListInstruments(ctx context.Context, accountID string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.instruments...), nil
}

func (b *Broker) CreateOrder(ctx context.Context, accountID string, req broker.OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.created = append(b.created, req)

	if b.MarginFailures > 0 {
		b.MarginFailures--
		return "", fmt.Errorf("create order %s %s: %w", req.Instrument, req.Side, broker.ErrInsufficientMargin)
	}

	oid := id.New()

	if req.Type == broker.Limit {
		b.pending[oid] = &broker.Order{
			ID:         oid,
			Instrument: req.Instrument,
			Side:       req.Side,
			Quantity:   req.Quantity,
			Price:      req.Price,
			StopLoss:   req.StopLoss,
			TakeProfit: req.TakeProfit,
		}
		return oid, nil
	}

	entry := req.Price
	if q, ok := b.quotes[req.Instrument]; ok {
		entry = q.ExecutionPrice(req.Side)
	}
	b.positions[oid] = &broker.Position{
		ID:         oid,
		Instrument: req.Instrument,
		Side:       req.Side,
		Quantity:   req.Quantity,
		EntryPrice: entry,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
	}
	return oid, nil
}

func (b *Broker) CancelOrder(ctx context.Context, accountID, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pending[orderID]; !ok {
		return fmt.Errorf("cancel order %q: %w", orderID, broker.ErrNotFound)
	}
	delete(b.pending, orderID)
	return nil
}

func (b *Broker) ClosePosition(ctx context.Context, accountID, positionID string, quantity float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[positionID]
	if !ok {
		return fmt.Errorf("close position %q: %w", positionID, broker.ErrNotFound)
	}
	if quantity <= 0 || quantity >= p.Quantity {
		delete(b.positions, positionID)
		return nil
	}
	p.Quantity -= quantity
	return nil
}

func (b *Broker) ModifyPosition(ctx context.Context, accountID, positionID string, mod broker.PositionModify) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[positionID]
	if !ok {
		return fmt.Errorf("modify position %q: %w", positionID, broker.ErrNotFound)
	}
	if mod.StopLoss != nil {
		p.StopLoss = *mod.StopLoss
	}
	if mod.TakeProfit != nil {
		p.TakeProfit = *mod.TakeProfit
	}
	return nil
}

// FillPending converts a pending limit order into an open position at its
// limit price, as the venue would on a touch.
func (b *Broker) FillPending(orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.pending[orderID]
	if !ok {
		return fmt.Errorf("fill pending %q: %w", orderID, broker.ErrNotFound)
	}
	delete(b.pending, orderID)
	b.positions[o.ID] = &broker.Position{
		ID:         o.ID,
		Instrument: o.Instrument,
		Side:       o.Side,
		Quantity:   o.Quantity,
		EntryPrice: o.Price,
		StopLoss:   o.StopLoss,
		TakeProfit: o.TakeProfit,
	}
	return nil
}
