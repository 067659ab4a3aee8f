// Package calc holds the pure position-sizing and trigger-price math used by
// the trading service and the reconciliation scheduler.
package calc

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"futuresPositionBot/internal/domain"
	"futuresPositionBot/internal/ports"
)

// SizeQuantity converts a USDT notional into a contract quantity at the given
// price, floored to the instrument's lot step.
//
// Leverage governs exchange-side margin, not contract count, so it does not
// enter the formula; it is validated here because a nonsensical leverage means
// the caller's request is malformed.
func SizeQuantity(notionalUSDT float64, leverage int, price, contractValue, lotSize float64) (float64, error) {
	if notionalUSDT <= 0 {
		return 0, fmt.Errorf("notional must be positive, got %f: %w", notionalUSDT, ports.ErrInvalidRequest)
	}
	if leverage <= 0 {
		return 0, fmt.Errorf("leverage must be positive, got %d: %w", leverage, ports.ErrInvalidRequest)
	}
	if price <= 0 || contractValue <= 0 || lotSize <= 0 {
		return 0, fmt.Errorf("price (%f), contract value (%f) and lot size (%f) must be positive: %w",
			price, contractValue, lotSize, ports.ErrInvalidRequest)
	}

	raw := notionalUSDT / (contractValue * price)
	qty := RoundToLot(raw, lotSize)
	if qty < lotSize {
		return 0, fmt.Errorf("notional %f sizes to %f contracts, below one lot of %f: %w",
			notionalUSDT, raw, lotSize, ports.ErrQuantityBelowMinimum)
	}
	return qty, nil
}

// DeriveTriggerPrices computes the take-profit and stop-loss trigger prices
// that realize the given USDT PnL targets for a position of quantity contracts
// entered at entryPrice.
func DeriveTriggerPrices(entryPrice float64, side domain.Side, tpUsdt, slUsdt, quantity, contractValue float64) (tpPrice, slPrice float64, err error) {
	cryptoAmount := quantity * contractValue
	if cryptoAmount <= 0 {
		return 0, 0, fmt.Errorf("quantity (%f) * contract value (%f) must be positive: %w",
			quantity, contractValue, ports.ErrInvalidRequest)
	}

	deltaTp := tpUsdt / cryptoAmount
	deltaSl := slUsdt / cryptoAmount

	if side == domain.Long {
		tpPrice = entryPrice + deltaTp
		slPrice = entryPrice - deltaSl
	} else {
		tpPrice = entryPrice - deltaTp
		slPrice = entryPrice + deltaSl
	}
	return tpPrice, slPrice, nil
}

// ValidateTrigger checks that a derived trigger still sits on the correct side
// of the reference price. PnL can move past a target between derivation and
// submission, which would put the trigger on the wrong side of the market and
// make the exchange fire (or reject) it immediately; callers must validate
// against the live price right before placing the order.
func ValidateTrigger(side domain.Side, takeProfit bool, triggerPrice, referencePrice float64) error {
	var valid bool
	if side == domain.Long {
		if takeProfit {
			valid = triggerPrice > referencePrice
		} else {
			valid = triggerPrice < referencePrice
		}
	} else {
		if takeProfit {
			valid = triggerPrice < referencePrice
		} else {
			valid = triggerPrice > referencePrice
		}
	}
	if !valid {
		kind := "SL"
		if takeProfit {
			kind = "TP"
		}
		return fmt.Errorf("%s trigger %f vs reference %f for %s: %w",
			kind, triggerPrice, referencePrice, side, ports.ErrInvalidTriggerPrice)
	}
	return nil
}

// RoundToLot floors a contract quantity to the instrument's lot step.
// Decimal arithmetic avoids float artifacts like 0.30000000000000004 lots.
func RoundToLot(quantity, lotSize float64) float64 {
	if lotSize <= 0 {
		return quantity
	}
	q := decimal.NewFromFloat(quantity)
	lot := decimal.NewFromFloat(lotSize)
	rounded, _ := q.Div(lot).Floor().Mul(lot).Float64()
	return rounded
}

// FormatPrice rounds a price down to the instrument's tick grid and renders it
// with exactly the tick size's decimal places, as exchanges require for
// trigger-price strings.
func FormatPrice(price float64, tickSize string) string {
	tick, err := decimal.NewFromString(tickSize)
	if err != nil || tick.IsZero() {
		return strconv.FormatFloat(price, 'f', -1, 64)
	}
	p := decimal.NewFromFloat(price)
	rounded := p.Div(tick).Floor().Mul(tick)
	places := int32(0)
	if tick.Exponent() < 0 {
		places = -tick.Exponent()
	}
	return rounded.StringFixed(places)
}
