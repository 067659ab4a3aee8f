package domain

// Side represents the direction of a logical position (LONG or SHORT).
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// IsValid reports whether the side is one of the known values.
func (s Side) IsValid() bool {
	return s == Long || s == Short
}

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// PositionSide is the exchange-facing tag distinguishing independently-held
// long/short exposure on the same instrument under hedge-mode accounts.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// EntrySide returns the order side used to open or add to a position.
func (s Side) EntrySide() OrderSide {
	if s == Long {
		return Buy
	}
	return Sell
}

// CloseSide returns the order side used to reduce or close a position.
func (s Side) CloseSide() OrderSide {
	if s == Long {
		return Sell
	}
	return Buy
}

// PositionSide returns the hedge-mode position side tag for the trade side.
func (s Side) PositionSide() PositionSide {
	if s == Long {
		return PositionSideLong
	}
	return PositionSideShort
}

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonTakeProfit  CloseReason = "TP"
	CloseReasonStopLoss    CloseReason = "SL"
	CloseReasonManual      CloseReason = "MANUAL"
	CloseReasonLiquidation CloseReason = "LIQUIDATION"
)

// ConditionalOrderType enumerates the conditional-order subtypes the exchange
// may report. Protective orders are placed as triggers; the other subtypes
// still need to be listed so orphan cleanup sees every live order.
type ConditionalOrderType string

const (
	OrderTypeTrigger     ConditionalOrderType = "trigger"
	OrderTypeConditional ConditionalOrderType = "conditional"
	OrderTypeIceberg     ConditionalOrderType = "iceberg"
	OrderTypeTWAP        ConditionalOrderType = "twap"
)

// ConditionalOrderTypes lists every subtype in query order.
var ConditionalOrderTypes = []ConditionalOrderType{
	OrderTypeTrigger,
	OrderTypeConditional,
	OrderTypeIceberg,
	OrderTypeTWAP,
}
