package domain

import "time"

// Position represents a logical leveraged trade tracked independently of the
// exchange's own position object. The row outlives any single exchange-side
// position: the scheduler may close and reopen it in place.
type Position struct {
	ID int64

	// Static trade parameters.
	Symbol       string
	Side         Side
	AmountUSDT   float64 // original notional commitment; never changed by recovery
	Leverage     int
	PositionSide PositionSide

	// Protective-order targets. TPUsdt/SLUsdt are mutated by recovery steps;
	// the Original* pair is the baseline restored on reopen.
	TPUsdt         float64
	SLUsdt         float64
	OriginalTPUsdt float64
	OriginalSLUsdt float64

	// Runtime-observed fields.
	EntryPrice         float64
	Quantity           float64 // contracts
	EntryOrderID       *string
	ExchangePositionID *string
	TPOrderID          *string
	SLOrderID          *string

	// Lifecycle.
	IsOpen         bool
	OrdersDisabled bool
	RecoveryCount  int
	LastRecoveryAt *time.Time
	ReopenCount    int
	ParentPositionID *int64

	OpenedAt        time.Time
	ClosedAt        *time.Time
	PendingReopenAt *time.Time
	PNL             *float64
	CloseReason     CloseReason
}

// RecoveryExhausted reports whether the position has consumed every configured
// recovery step.
func (p *Position) RecoveryExhausted(stepCount int) bool {
	return p.RecoveryCount >= stepCount
}
