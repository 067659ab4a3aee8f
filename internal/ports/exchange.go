package ports

import (
	"context"
	"time"

	"futuresPositionBot/internal/domain"
)

// OrderResponse represents the essential details returned after placing an order.
type OrderResponse struct {
	OrderID       string    // Exchange's order ID
	Symbol        string    // Symbol for the order
	ClientOrderID string    // User-defined order ID
	AvgPrice      float64   // Average filled price (may be 0 until settled)
	ExecutedQty   float64   // Quantity filled
	Status        string    // Order status (e.g., NEW, FILLED, CANCELED)
	Timestamp     time.Time // Time the order response was generated
}

// ExchangePosition is the exchange's view of one hedge-mode position leg.
type ExchangePosition struct {
	Symbol             string
	PositionSide       domain.PositionSide
	Quantity           float64 // contracts, always positive; 0 means flat
	EntryPrice         float64 // blended average entry
	MarkPrice          float64
	UnrealizedPnl      float64
	Leverage           int
	ExchangePositionID string
}

// ConditionalOrder is a live trigger/conditional/iceberg/twap order as the
// exchange reports it.
type ConditionalOrder struct {
	OrderID      string
	Symbol       string
	PositionSide domain.PositionSide
	Side         domain.OrderSide // side that executes when triggered
	Type         domain.ConditionalOrderType
	TriggerPrice float64
	Quantity     float64
	Live         bool
}

// ExchangeClient defines the interface for interacting with a cryptocurrency
// exchange's perpetual-futures API. This abstraction decouples the lifecycle
// engine from specific exchange implementations.
//
// Any call may fail with ErrNotConfigured when credentials are absent; callers
// in the scheduler must degrade to a no-op in that state. IsConfigured allows
// short-circuiting before issuing calls.
type ExchangeClient interface {
	// IsConfigured reports whether credentials are present and usable.
	IsConfigured() bool

	// SetHedgeMode switches the account to dual-side (hedge) position mode.
	// Succeeds if the mode is already set.
	SetHedgeMode(ctx context.Context) error

	// SetLeverage sets the leverage for a symbol/position-side pair.
	SetLeverage(ctx context.Context, symbol string, leverage int, positionSide domain.PositionSide) error

	// GetPrice retrieves the current last-trade price for a symbol.
	GetPrice(ctx context.Context, symbol string) (float64, error)

	// GetBalance retrieves the available balance for an asset (e.g. "USDT").
	GetBalance(ctx context.Context, asset string) (float64, error)

	// GetPosition retrieves the exchange-side position for a symbol and
	// position side. Returns nil, nil when the exchange reports no exposure
	// (flat counts as no position).
	GetPosition(ctx context.Context, symbol string, positionSide domain.PositionSide) (*ExchangePosition, error)

	// GetAllPositions retrieves every nonzero position account-wide.
	GetAllPositions(ctx context.Context) ([]*ExchangePosition, error)

	// PlaceMarketOrder opens or adds to a position at market.
	PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity float64, positionSide domain.PositionSide) (*OrderResponse, error)

	// PlaceConditionalOrder places a protective order that closes the position
	// leg at market once price crosses triggerPrice. Returns the order id.
	PlaceConditionalOrder(ctx context.Context, symbol string, closeSide domain.OrderSide, positionSide domain.PositionSide, quantity float64, triggerPrice float64) (string, error)

	// ListConditionalOrders lists live conditional orders, covering every
	// subtype (trigger, conditional, iceberg, TWAP). Empty symbol lists
	// exchange-wide.
	ListConditionalOrders(ctx context.Context, symbol string) ([]*ConditionalOrder, error)

	// CancelConditionalOrder cancels a live conditional order by id.
	// Cancelling an order that no longer exists returns ErrOrderNotFound.
	CancelConditionalOrder(ctx context.Context, symbol string, orderID string) error

	// ClosePositionMarket closes quantity contracts of a position leg at market.
	ClosePositionMarket(ctx context.Context, symbol string, closeSide domain.OrderSide, quantity float64, positionSide domain.PositionSide) error

	// Contract metadata.
	GetContractValue(ctx context.Context, symbol string) (float64, error)
	GetLotSize(ctx context.Context, symbol string) (float64, error)
	GetTickSize(ctx context.Context, symbol string) (string, error)
}
