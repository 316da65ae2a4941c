// Package broker defines the narrow surface the core needs from a trading
// platform. Authentication, retry, and transport concerns live behind the
// implementation; the core only reads state and issues mutate/cancel commands
// against IDs it never owns.
package broker

import (
	"context"
	"errors"

	"github.com/fxsignals/copier/market"
)

var (
	// ErrNotFound is returned by cancel/close/modify calls when the broker no
	// longer knows the ID. Callers treat it as already-resolved, not as failure.
	ErrNotFound = errors.New("broker: not found")

	// ErrInsufficientMargin is returned by CreateOrder when the account cannot
	// cover the margin for the requested size.
	ErrInsufficientMargin = errors.New("broker: insufficient margin")
)

type Broker interface {
	GetAccountState(ctx context.Context, accountID string) (AccountState, error)
	GetPositions(ctx context.Context, accountID string) ([]Position, error)
	GetPendingOrders(ctx context.Context, accountID string) ([]Order, error)
	GetQuote(ctx context.Context, instrument string) (market.Quote, error)
	ListInstruments(ctx context.Context, accountID string) ([]string, error)

	CreateOrder(ctx context.Context, accountID string, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, accountID, orderID string) error
	ClosePosition(ctx context.Context, accountID, positionID string, quantity float64) error
	ModifyPosition(ctx context.Context, accountID, positionID string, mod PositionModify) error
}

// AccountState is the balance snapshot used for sizing and drawdown checks.
type AccountState struct {
	AccountID     string
	Balance       float64
	UnrealizedPnL float64
}

// Equity is realized balance plus unrealized P&L.
func (a AccountState) Equity() float64 {
	return a.Balance + a.UnrealizedPnL
}

// OrderType selects market or limit execution.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OrderRequest describes one leg to be placed.
type OrderRequest struct {
	Instrument string
	Side       market.Side
	Type       OrderType
	Quantity   float64 // lots
	Price      float64 // limit price; ignored for market orders
	StopLoss   float64
	TakeProfit float64
}

// Order is a pending (not yet filled) order as reported by the broker.
type Order struct {
	ID         string
	Instrument string
	Side       market.Side
	Quantity   float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
}

// Position is an open position as reported by the broker.
type Position struct {
	ID         string
	Instrument string
	Side       market.Side
	Quantity   float64
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
}

// PositionModify carries the mutable fields of an open position. Nil means
// leave unchanged.
type PositionModify struct {
	StopLoss   *float64
	TakeProfit *float64
}
