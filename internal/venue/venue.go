// Package venue defines the uniform capability surface the core expects
// from one trading venue. Everything behind this interface (REST
// signing, websocket plumbing, simulation) is a connectivity concern;
// the coordinator and router only see these operations.
package venue

import (
	"context"
	"time"

	"dn-hedge-bot/internal/marketstate"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderType string

const (
	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"
)

type OrderStatus string

const (
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusCancelled       OrderStatus = "CANCELLED"
)

// Terminal reports whether no further fill progress is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

type OrderRequest struct {
	Instrument marketstate.Instrument
	Side       Side
	Qty        float64
	Type       OrderType
	LimitPrice float64
	ClientID   string
}

// FillEvent is pushed by the adapter as an order progresses. FilledQty
// and AvgPrice are cumulative for the order.
type FillEvent struct {
	OrderID   string
	FilledQty float64
	AvgPrice  float64
	Status    OrderStatus
	Time      time.Time
}

type Adapter interface {
	Name() string

	Price(ctx context.Context, instr marketstate.Instrument) (marketstate.PriceQuote, error)
	FundingRate(ctx context.Context, instr marketstate.Instrument) (marketstate.FundingQuote, error)
	Position(ctx context.Context, instr marketstate.Instrument) (marketstate.Position, error)

	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error

	// Fills streams lifecycle events for orders submitted through this
	// adapter. The channel is owned by the adapter and closed on stop.
	Fills() <-chan FillEvent

	// Start begins pushing quote and fill updates; it returns once the
	// feed is running and stops when ctx is cancelled.
	Start(ctx context.Context) error
}
