package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"futuresPositionBot/config"
	"futuresPositionBot/internal/calc"
	"futuresPositionBot/internal/domain"
	"futuresPositionBot/internal/ports"
)

// TradingService handles user-facing position operations. Once a position is
// open the Monitor owns its remaining lifecycle; the service only performs the
// explicit actions a user can take from the dashboard.
type TradingService struct {
	cfg      *config.Config
	logger   ports.Logger
	exchange ports.ExchangeClient
	posRepo  ports.PositionRepository
}

// OpenPositionRequest carries the user-supplied parameters for a new position.
type OpenPositionRequest struct {
	Symbol     string
	Side       domain.Side
	AmountUSDT float64
	Leverage   int
	TPUsdt     float64
	SLUsdt     float64
}

// NewTradingService creates a new application service instance.
func NewTradingService(
	cfg *config.Config,
	logger ports.Logger,
	exchange ports.ExchangeClient,
	posRepo ports.PositionRepository,
) (*TradingService, error) {
	if cfg == nil || logger == nil || exchange == nil || posRepo == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService")
	}
	return &TradingService{
		cfg:      cfg,
		logger:   logger,
		exchange: exchange,
		posRepo:  posRepo,
	}, nil
}

func (s *TradingService) validateOpenRequest(req OpenPositionRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("symbol is required: %w", ports.ErrInvalidRequest)
	}
	if !req.Side.IsValid() {
		return fmt.Errorf("side must be %s or %s, got %q: %w", domain.Long, domain.Short, req.Side, ports.ErrInvalidRequest)
	}
	if req.AmountUSDT <= 0 {
		return fmt.Errorf("amount must be positive: %w", ports.ErrInvalidRequest)
	}
	if req.Leverage <= 0 {
		return fmt.Errorf("leverage must be positive: %w", ports.ErrInvalidRequest)
	}
	if req.TPUsdt <= 0 || req.SLUsdt <= 0 {
		return fmt.Errorf("tp and sl targets must be positive: %w", ports.ErrInvalidRequest)
	}
	return nil
}

// OpenPosition opens a new leveraged position: sizes the order from the USDT
// notional at the live price, fills at market, waits for settlement, reads the
// exchange's view back, and places the protective TP/SL pair. A failure after
// the entry fill triggers an emergency market close so no unprotected exposure
// survives the call.
func (s *TradingService) OpenPosition(ctx context.Context, req OpenPositionRequest) (*domain.Position, error) {
	op := "OpenPosition"
	if err := s.validateOpenRequest(req); err != nil {
		return nil, err
	}
	if !s.exchange.IsConfigured() {
		return nil, ports.ErrNotConfigured
	}

	positionSide := req.Side.PositionSide()

	// One open position per (symbol, position side).
	existing, err := s.posRepo.FindOpenBySymbolSide(ctx, req.Symbol, positionSide)
	if err != nil {
		return nil, fmt.Errorf("failed to check for existing position: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("position %d already open for %s %s: %w",
			existing.ID, req.Symbol, positionSide, ports.ErrDuplicateEntry)
	}

	// Account setup. Hedge-mode failure is non-fatal when the mode is already
	// correct; leverage failure is fatal since sizing depends on margin.
	if err := s.exchange.SetHedgeMode(ctx); err != nil {
		s.logger.Warn(ctx, op+": Failed to set hedge mode, continuing", map[string]interface{}{"error": err.Error()})
	}
	if err := s.exchange.SetLeverage(ctx, req.Symbol, req.Leverage, positionSide); err != nil {
		return nil, fmt.Errorf("failed to set leverage: %w", err)
	}

	// --- Sizing ---
	price, err := s.exchange.GetPrice(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get price for %s: %w", req.Symbol, err)
	}
	contractValue, err := s.exchange.GetContractValue(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get contract value for %s: %w", req.Symbol, err)
	}
	lotSize, err := s.exchange.GetLotSize(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get lot size for %s: %w", req.Symbol, err)
	}
	quantity, err := calc.SizeQuantity(req.AmountUSDT, req.Leverage, price, contractValue, lotSize)
	if err != nil {
		return nil, fmt.Errorf("failed to size position: %w", err)
	}

	s.logger.Info(ctx, op+": Placing entry market order", map[string]interface{}{
		"symbol": req.Symbol, "side": req.Side, "quantity": quantity, "price": price,
	})
	entryOrder, err := s.exchange.PlaceMarketOrder(ctx, req.Symbol, req.Side.EntrySide(), quantity, positionSide)
	if err != nil {
		return nil, fmt.Errorf("entry market order failed: %w", err)
	}

	// Let the fill settle before reading the exchange's view back.
	if err := sleepCtx(ctx, s.cfg.OrderSettleDelay); err != nil {
		return nil, err
	}

	entryPrice := price
	filledQty := quantity
	var exchangePositionID *string
	exPos, err := s.exchange.GetPosition(ctx, req.Symbol, positionSide)
	if err != nil || exPos == nil {
		s.logger.Warn(ctx, op+": Could not read back position after entry, using order parameters", map[string]interface{}{
			"symbol": req.Symbol, "orderID": entryOrder.OrderID,
		})
	} else {
		entryPrice = exPos.EntryPrice
		filledQty = exPos.Quantity
		if exPos.ExchangePositionID != "" {
			id := exPos.ExchangePositionID
			exchangePositionID = &id
		}
	}

	// --- Protective orders ---
	tpOrderID, slOrderID, err := placeProtectivePair(ctx, s.exchange, s.logger,
		req.Symbol, req.Side, filledQty, entryPrice, req.TPUsdt, req.SLUsdt, contractValue)
	if err != nil {
		s.logger.Error(ctx, err, op+": Protective order placement failed, attempting emergency close", map[string]interface{}{
			"symbol": req.Symbol, "quantity": filledQty,
		})
		if closeErr := s.exchange.ClosePositionMarket(ctx, req.Symbol, req.Side.CloseSide(), filledQty, positionSide); closeErr != nil {
			s.logger.Error(ctx, closeErr, op+": EMERGENCY CLOSE FAILED, manual intervention required", map[string]interface{}{
				"symbol": req.Symbol, "posSide": positionSide, "quantity": filledQty,
			})
		}
		return nil, fmt.Errorf("protective orders failed after entry (emergency close attempted): %w", err)
	}

	// --- Persistence ---
	pos := &domain.Position{
		Symbol:             req.Symbol,
		Side:               req.Side,
		AmountUSDT:         req.AmountUSDT,
		Leverage:           req.Leverage,
		PositionSide:       positionSide,
		TPUsdt:             req.TPUsdt,
		SLUsdt:             req.SLUsdt,
		OriginalTPUsdt:     req.TPUsdt,
		OriginalSLUsdt:     req.SLUsdt,
		EntryPrice:         entryPrice,
		Quantity:           filledQty,
		EntryOrderID:       &entryOrder.OrderID,
		ExchangePositionID: exchangePositionID,
		TPOrderID:          &tpOrderID,
		SLOrderID:          &slOrderID,
		IsOpen:             true,
		OpenedAt:           time.Now().UTC(),
	}
	if _, err := s.posRepo.Create(ctx, pos); err != nil {
		s.logger.Error(ctx, err, op+": Failed to persist position, attempting emergency cleanup", map[string]interface{}{"symbol": req.Symbol})
		cancelOrderWarn(ctx, s.exchange, s.logger, req.Symbol, tpOrderID, "TP")
		cancelOrderWarn(ctx, s.exchange, s.logger, req.Symbol, slOrderID, "SL")
		if closeErr := s.exchange.ClosePositionMarket(ctx, req.Symbol, req.Side.CloseSide(), filledQty, positionSide); closeErr != nil {
			s.logger.Error(ctx, closeErr, op+": EMERGENCY CLOSE FAILED after persistence failure")
		}
		return nil, fmt.Errorf("failed to save position after placing orders (emergency close attempted): %w", err)
	}

	s.logger.Info(ctx, op+": Position opened", map[string]interface{}{
		"positionID": pos.ID, "symbol": pos.Symbol, "side": pos.Side,
		"entryPrice": entryPrice, "quantity": filledQty,
	})
	return pos, nil
}

// ClosePosition manually closes an open position at market. Manual closes are
// final: the position is marked closed with reason MANUAL and is never
// scheduled for automatic reopening.
func (s *TradingService) ClosePosition(ctx context.Context, id int64) (*domain.Position, error) {
	op := "ClosePosition"
	if !s.exchange.IsConfigured() {
		return nil, ports.ErrNotConfigured
	}

	pos, err := s.posRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load position %d: %w", id, err)
	}
	if pos == nil {
		return nil, fmt.Errorf("position %d: %w", id, ports.ErrNotFound)
	}
	if !pos.IsOpen {
		return nil, fmt.Errorf("position %d: %w", id, ports.ErrPositionAlreadyClosed)
	}

	// Capture the final PnL before the close order erases it.
	var pnl *float64
	exPos, err := s.exchange.GetPosition(ctx, pos.Symbol, pos.PositionSide)
	if err != nil {
		s.logger.Warn(ctx, op+": Could not read position before close, PnL will be unset", map[string]interface{}{"positionID": id})
	} else if exPos != nil {
		v := exPos.UnrealizedPnl
		pnl = &v
	}

	// Cancel protective orders first so a trigger cannot race the close.
	if pos.TPOrderID != nil {
		cancelOrderWarn(ctx, s.exchange, s.logger, pos.Symbol, *pos.TPOrderID, "TP")
	}
	if pos.SLOrderID != nil {
		cancelOrderWarn(ctx, s.exchange, s.logger, pos.Symbol, *pos.SLOrderID, "SL")
	}

	if exPos != nil {
		if err := s.exchange.ClosePositionMarket(ctx, pos.Symbol, pos.Side.CloseSide(), exPos.Quantity, pos.PositionSide); err != nil {
			return nil, fmt.Errorf("failed to close position %d at market: %w", id, err)
		}
	} else {
		s.logger.Warn(ctx, op+": Exchange reports no position, marking closed locally", map[string]interface{}{"positionID": id})
	}

	now := time.Now().UTC()
	pos.IsOpen = false
	pos.ClosedAt = &now
	pos.PendingReopenAt = nil
	pos.PNL = pnl
	pos.CloseReason = domain.CloseReasonManual
	pos.TPOrderID = nil
	pos.SLOrderID = nil
	if err := s.posRepo.Update(ctx, pos); err != nil {
		return nil, fmt.Errorf("failed to persist closed position %d: %w", id, err)
	}

	s.logger.Info(ctx, op+": Position closed manually", map[string]interface{}{"positionID": id, "pnl": pnl})
	return pos, nil
}

// DeletePosition removes a position row. Open positions must be closed first.
func (s *TradingService) DeletePosition(ctx context.Context, id int64) error {
	pos, err := s.posRepo.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load position %d: %w", id, err)
	}
	if pos == nil {
		return fmt.Errorf("position %d: %w", id, ports.ErrNotFound)
	}
	if pos.IsOpen {
		return fmt.Errorf("position %d must be closed before deletion: %w", id, ports.ErrPositionStillOpen)
	}
	if err := s.posRepo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete position %d: %w", id, err)
	}
	s.logger.Info(ctx, "Position deleted", map[string]interface{}{"positionID": id})
	return nil
}

// SetOrdersDisabled toggles the per-position override that suppresses
// protective-order restoration and recovery for a position.
func (s *TradingService) SetOrdersDisabled(ctx context.Context, id int64, disabled bool) (*domain.Position, error) {
	pos, err := s.posRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load position %d: %w", id, err)
	}
	if pos == nil {
		return nil, fmt.Errorf("position %d: %w", id, ports.ErrNotFound)
	}
	pos.OrdersDisabled = disabled
	if err := s.posRepo.Update(ctx, pos); err != nil {
		return nil, fmt.Errorf("failed to update position %d: %w", id, err)
	}
	s.logger.Info(ctx, "Orders-disabled flag updated", map[string]interface{}{"positionID": id, "disabled": disabled})
	return pos, nil
}

// --- Shared helpers (used by the service and the Monitor's jobs) ---

// placeProtectivePair derives the TP/SL trigger prices for the given USDT
// targets, validates them against the live market price, and places both
// orders. If the SL fails after the TP was placed the TP is cancelled so the
// caller never ends up with half a pair.
func placeProtectivePair(ctx context.Context, exchange ports.ExchangeClient, logger ports.Logger,
	symbol string, side domain.Side, quantity, entryPrice, tpUsdt, slUsdt, contractValue float64) (tpOrderID, slOrderID string, err error) {

	tpPrice, slPrice, err := calc.DeriveTriggerPrices(entryPrice, side, tpUsdt, slUsdt, quantity, contractValue)
	if err != nil {
		return "", "", err
	}

	// PnL may have moved past a target between derivation and submission, so
	// validate against the live price right before placing.
	marketPrice, err := exchange.GetPrice(ctx, symbol)
	if err != nil {
		return "", "", fmt.Errorf("failed to get market price for trigger validation: %w", err)
	}
	if err := calc.ValidateTrigger(side, true, tpPrice, marketPrice); err != nil {
		return "", "", err
	}
	if err := calc.ValidateTrigger(side, false, slPrice, marketPrice); err != nil {
		return "", "", err
	}

	closeSide := side.CloseSide()
	positionSide := side.PositionSide()

	tpOrderID, err = exchange.PlaceConditionalOrder(ctx, symbol, closeSide, positionSide, quantity, tpPrice)
	if err != nil {
		return "", "", fmt.Errorf("failed to place TP order: %w", err)
	}
	slOrderID, err = exchange.PlaceConditionalOrder(ctx, symbol, closeSide, positionSide, quantity, slPrice)
	if err != nil {
		cancelOrderWarn(ctx, exchange, logger, symbol, tpOrderID, "TP")
		return "", "", fmt.Errorf("failed to place SL order: %w", err)
	}

	logger.Info(ctx, "Protective orders placed", map[string]interface{}{
		"symbol": symbol, "tpPrice": tpPrice, "slPrice": slPrice,
		"tpOrderID": tpOrderID, "slOrderID": slOrderID,
	})
	return tpOrderID, slOrderID, nil
}

// cancelOrderWarn attempts to cancel an order and logs a warning on failure.
// An already-gone order is not an error: it may have filled or been cancelled.
func cancelOrderWarn(ctx context.Context, exchange ports.ExchangeClient, logger ports.Logger, symbol, orderID, orderType string) {
	if orderID == "" {
		return
	}
	if err := exchange.CancelConditionalOrder(ctx, symbol, orderID); err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			logger.Debug(ctx, "Order already gone, skipping cancel", map[string]interface{}{"orderID": orderID, "type": orderType})
			return
		}
		logger.Warn(ctx, "Failed to cancel order", map[string]interface{}{"orderID": orderID, "type": orderType, "error": err.Error()})
	}
}

// sleepCtx sleeps for d or returns early when the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("settle wait interrupted: %w", ports.ErrContextCanceled)
	}
}
