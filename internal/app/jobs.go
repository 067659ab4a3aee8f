package app

import (
	"context"
	"time"

	"futuresPositionBot/internal/calc"
	"futuresPositionBot/internal/domain"
	"futuresPositionBot/internal/ports"
	"futuresPositionBot/internal/recovery"
)

// detectClosures finds positions the exchange closed outside the scheduler's
// control: a manual close on the exchange UI, a liquidation, or a protective
// order filling before the restore job observed it.
func (m *Monitor) detectClosures(ctx context.Context) {
	op := "detectClosures"
	if !m.exchange.IsConfigured() {
		return
	}

	positions, err := m.posRepo.FindOpen(ctx)
	if err != nil {
		m.logger.Error(ctx, err, op+": Failed to load open positions")
		return
	}

	for _, pos := range positions {
		exPos, err := m.exchange.GetPosition(ctx, pos.Symbol, pos.PositionSide)
		if err != nil {
			m.logger.Warn(ctx, op+": Failed to query exchange position, will retry next tick", map[string]interface{}{
				"positionID": pos.ID, "symbol": pos.Symbol, "error": err.Error(),
			})
			continue
		}
		if exPos != nil {
			m.recordPnl(pos.ID, exPos.UnrealizedPnl)
			continue
		}

		m.pnlMu.Lock()
		lastPnl, observed := m.lastPnl[pos.ID]
		m.pnlMu.Unlock()

		reason := classifyClosure(lastPnl)
		var pnl *float64
		if observed {
			v := lastPnl
			pnl = &v
		}
		m.observeClosure(ctx, pos, reason, pnl)
	}
}

// restoreProtectiveOrders re-places missing TP/SL orders for open positions.
// This is the primary backstop against exchange-side order cancellation,
// partial fills and scheduler downtime. When the order is missing and the PnL
// has already crossed its target, the position is closed at market instead:
// the trigger never existed or was missed, and closing now caps the exposure.
func (m *Monitor) restoreProtectiveOrders(ctx context.Context) {
	op := "restoreProtectiveOrders"
	if !m.exchange.IsConfigured() {
		return
	}

	positions, err := m.posRepo.FindOpen(ctx)
	if err != nil {
		m.logger.Error(ctx, err, op+": Failed to load open positions")
		return
	}

	for _, pos := range positions {
		if pos.OrdersDisabled {
			continue
		}
		if !m.tryBeginRecovery(pos.ID) {
			continue // Mid-recovery; the recovery step replaces orders itself
		}
		m.restoreOne(ctx, pos)
		m.endRecovery(pos.ID)
	}
}

func (m *Monitor) restoreOne(ctx context.Context, pos *domain.Position) {
	op := "restoreProtectiveOrders"

	exPos, err := m.exchange.GetPosition(ctx, pos.Symbol, pos.PositionSide)
	if err != nil {
		m.logger.Warn(ctx, op+": Failed to query exchange position", map[string]interface{}{
			"positionID": pos.ID, "error": err.Error(),
		})
		return
	}
	if exPos == nil {
		return // Closure-detection owns this transition
	}
	m.recordPnl(pos.ID, exPos.UnrealizedPnl)

	orders, err := m.exchange.ListConditionalOrders(ctx, pos.Symbol)
	if err != nil {
		m.logger.Warn(ctx, op+": Failed to list conditional orders", map[string]interface{}{
			"positionID": pos.ID, "error": err.Error(),
		})
		return
	}

	// Classify each live order for this position leg as TP or SL by which
	// side of the entry price its trigger sits on.
	var haveTP, haveSL bool
	closeSide := pos.Side.CloseSide()
	for _, o := range orders {
		if !o.Live || o.PositionSide != pos.PositionSide || o.Side != closeSide {
			continue
		}
		if isTakeProfitTrigger(pos.Side, o.TriggerPrice, exPos.EntryPrice) {
			haveTP = true
		} else {
			haveSL = true
		}
	}
	if haveTP && haveSL {
		return
	}

	contractValue, err := m.exchange.GetContractValue(ctx, pos.Symbol)
	if err != nil {
		m.logger.Warn(ctx, op+": Failed to get contract value", map[string]interface{}{"positionID": pos.ID, "error": err.Error()})
		return
	}
	tpPrice, slPrice, err := calc.DeriveTriggerPrices(exPos.EntryPrice, pos.Side, pos.TPUsdt, pos.SLUsdt, exPos.Quantity, contractValue)
	if err != nil {
		m.logger.Warn(ctx, op+": Failed to derive trigger prices", map[string]interface{}{"positionID": pos.ID, "error": err.Error()})
		return
	}
	marketPrice, err := m.exchange.GetPrice(ctx, pos.Symbol)
	if err != nil {
		m.logger.Warn(ctx, op+": Failed to get market price", map[string]interface{}{"positionID": pos.ID, "error": err.Error()})
		return
	}

	if !haveTP {
		if exPos.UnrealizedPnl >= pos.TPUsdt {
			// The TP target is already reached with no order live; close now
			// rather than leave the profit unprotected.
			m.closeAtTarget(ctx, pos, exPos, domain.CloseReasonTakeProfit)
			return
		}
		m.placeMissing(ctx, pos, exPos, tpPrice, marketPrice, true)
	}
	if !haveSL {
		if exPos.UnrealizedPnl <= -pos.SLUsdt {
			m.closeAtTarget(ctx, pos, exPos, domain.CloseReasonStopLoss)
			return
		}
		m.placeMissing(ctx, pos, exPos, slPrice, marketPrice, false)
	}
}

// closeAtTarget market-closes a position whose missing protective order's
// target has already been crossed, and records the closure.
func (m *Monitor) closeAtTarget(ctx context.Context, pos *domain.Position, exPos *ports.ExchangePosition, reason domain.CloseReason) {
	op := "closeAtTarget"
	m.logger.Info(ctx, op+": Target already reached with no protective order live, closing at market", map[string]interface{}{
		"positionID": pos.ID, "symbol": pos.Symbol, "reason": reason, "pnl": exPos.UnrealizedPnl,
	})
	if err := m.exchange.ClosePositionMarket(ctx, pos.Symbol, pos.Side.CloseSide(), exPos.Quantity, pos.PositionSide); err != nil {
		m.logger.Error(ctx, err, op+": Failed to close position at market", map[string]interface{}{"positionID": pos.ID})
		return
	}
	pnl := exPos.UnrealizedPnl
	m.observeClosure(ctx, pos, reason, &pnl)
}

func (m *Monitor) placeMissing(ctx context.Context, pos *domain.Position, exPos *ports.ExchangePosition, triggerPrice, marketPrice float64, takeProfit bool) {
	op := "restoreProtectiveOrders"
	kind := "SL"
	if takeProfit {
		kind = "TP"
	}

	if err := calc.ValidateTrigger(pos.Side, takeProfit, triggerPrice, marketPrice); err != nil {
		m.logger.Warn(ctx, op+": Derived trigger invalid against market, skipping this tick", map[string]interface{}{
			"positionID": pos.ID, "type": kind, "triggerPrice": triggerPrice, "marketPrice": marketPrice,
		})
		return
	}

	orderID, err := m.exchange.PlaceConditionalOrder(ctx, pos.Symbol, pos.Side.CloseSide(), pos.PositionSide, exPos.Quantity, triggerPrice)
	if err != nil {
		m.logger.Warn(ctx, op+": Failed to place missing order", map[string]interface{}{
			"positionID": pos.ID, "type": kind, "error": err.Error(),
		})
		return
	}

	if takeProfit {
		pos.TPOrderID = &orderID
	} else {
		pos.SLOrderID = &orderID
	}
	if err := m.posRepo.Update(ctx, pos); err != nil {
		m.logger.Error(ctx, err, op+": Failed to persist restored order id", map[string]interface{}{"positionID": pos.ID, "type": kind})
		return
	}
	m.logger.Info(ctx, op+": Missing protective order restored", map[string]interface{}{
		"positionID": pos.ID, "type": kind, "orderID": orderID, "triggerPrice": triggerPrice,
	})
}

// cancelOrphanedOrders sweeps live conditional orders whose position leg no
// longer exists. Orders tracked as a local position's current tp/sl id are
// exempt: a just-placed protective order may precede the exchange position
// becoming visible, and the tracked set is recomputed fresh from the store
// each tick for exactly that reason.
func (m *Monitor) cancelOrphanedOrders(ctx context.Context) {
	op := "cancelOrphanedOrders"
	if !m.exchange.IsConfigured() {
		return
	}

	orders, err := m.exchange.ListConditionalOrders(ctx, "")
	if err != nil {
		m.logger.Error(ctx, err, op+": Failed to list conditional orders")
		return
	}
	if len(orders) == 0 {
		return
	}

	exPositions, err := m.exchange.GetAllPositions(ctx)
	if err != nil {
		m.logger.Error(ctx, err, op+": Failed to list exchange positions")
		return
	}
	type legKey struct {
		symbol string
		side   domain.PositionSide
	}
	liveLegs := make(map[legKey]struct{}, len(exPositions))
	for _, p := range exPositions {
		liveLegs[legKey{p.Symbol, p.PositionSide}] = struct{}{}
	}

	openPositions, err := m.posRepo.FindOpen(ctx)
	if err != nil {
		m.logger.Error(ctx, err, op+": Failed to load open positions")
		return
	}
	tracked := make(map[string]struct{}, len(openPositions)*2)
	for _, p := range openPositions {
		if p.TPOrderID != nil {
			tracked[*p.TPOrderID] = struct{}{}
		}
		if p.SLOrderID != nil {
			tracked[*p.SLOrderID] = struct{}{}
		}
	}

	for _, o := range orders {
		if !o.Live {
			continue
		}
		if _, live := liveLegs[legKey{o.Symbol, o.PositionSide}]; live {
			continue
		}
		if _, isTracked := tracked[o.OrderID]; isTracked {
			continue
		}
		if err := m.exchange.CancelConditionalOrder(ctx, o.Symbol, o.OrderID); err != nil {
			m.logger.Warn(ctx, op+": Failed to cancel orphaned order", map[string]interface{}{
				"orderID": o.OrderID, "symbol": o.Symbol, "error": err.Error(),
			})
			continue
		}
		m.logger.Info(ctx, op+": Orphaned order canceled", map[string]interface{}{
			"orderID": o.OrderID, "symbol": o.Symbol, "posSide": o.PositionSide, "type": o.Type,
		})
	}
}

// executeRecovery fires the next recovery-ladder step for positions whose
// drawdown has reached the step's trigger.
func (m *Monitor) executeRecovery(ctx context.Context) {
	op := "executeRecovery"
	if !m.exchange.IsConfigured() {
		return
	}
	if !m.policy.Enabled(ctx) {
		return
	}

	// Read the ladder fresh each tick so operator edits apply immediately.
	steps, err := m.policy.Steps(ctx)
	if err != nil {
		m.logger.Error(ctx, err, op+": Failed to load recovery ladder")
		return
	}
	if len(steps) == 0 {
		return
	}

	positions, err := m.posRepo.FindOpen(ctx)
	if err != nil {
		m.logger.Error(ctx, err, op+": Failed to load open positions")
		return
	}

	for _, pos := range positions {
		if pos.OrdersDisabled {
			continue
		}
		step, ok := m.policy.NextStep(pos, steps)
		if !ok {
			continue // Ladder exhausted
		}
		if !m.tryBeginRecovery(pos.ID) {
			continue // Already mid-recovery
		}
		m.recoverOne(ctx, pos, step)
		m.endRecovery(pos.ID)
	}
}

// recoverOne executes a single recovery step. Any failure mid-step aborts
// without incrementing recovery_count, leaving the position eligible to retry
// the same step next tick.
func (m *Monitor) recoverOne(ctx context.Context, pos *domain.Position, step domain.RecoveryStep) {
	op := "executeRecovery"

	exPos, err := m.exchange.GetPosition(ctx, pos.Symbol, pos.PositionSide)
	if err != nil || exPos == nil {
		return // Closure-detection owns the gone-position case
	}
	m.recordPnl(pos.ID, exPos.UnrealizedPnl)

	if !recovery.ShouldFire(step, exPos.UnrealizedPnl) {
		return
	}

	m.logger.Info(ctx, op+": Recovery step triggered", map[string]interface{}{
		"positionID": pos.ID, "step": step.Index + 1, "pnl": exPos.UnrealizedPnl,
		"trigger": step.TriggerPnl, "addUSDT": step.AddUSDT,
	})

	// Stale protective orders target the old entry price; cancel best-effort,
	// the orphan sweep collects anything missed.
	if pos.TPOrderID != nil {
		cancelOrderWarn(ctx, m.exchange, m.logger, pos.Symbol, *pos.TPOrderID, "TP")
	}
	if pos.SLOrderID != nil {
		cancelOrderWarn(ctx, m.exchange, m.logger, pos.Symbol, *pos.SLOrderID, "SL")
	}

	price, err := m.exchange.GetPrice(ctx, pos.Symbol)
	if err != nil {
		m.logger.Warn(ctx, op+": Failed to get price, aborting step", map[string]interface{}{"positionID": pos.ID, "error": err.Error()})
		return
	}
	contractValue, err := m.exchange.GetContractValue(ctx, pos.Symbol)
	if err != nil {
		m.logger.Warn(ctx, op+": Failed to get contract value, aborting step", map[string]interface{}{"positionID": pos.ID, "error": err.Error()})
		return
	}
	lotSize, err := m.exchange.GetLotSize(ctx, pos.Symbol)
	if err != nil {
		m.logger.Warn(ctx, op+": Failed to get lot size, aborting step", map[string]interface{}{"positionID": pos.ID, "error": err.Error()})
		return
	}
	addQty, err := calc.SizeQuantity(step.AddUSDT, pos.Leverage, price, contractValue, lotSize)
	if err != nil {
		m.logger.Warn(ctx, op+": Failed to size recovery add, aborting step", map[string]interface{}{"positionID": pos.ID, "error": err.Error()})
		return
	}

	if _, err := m.exchange.PlaceMarketOrder(ctx, pos.Symbol, pos.Side.EntrySide(), addQty, pos.PositionSide); err != nil {
		m.logger.Error(ctx, err, op+": Recovery add order failed, aborting step", map[string]interface{}{"positionID": pos.ID})
		return
	}
	if err := sleepCtx(ctx, m.cfg.OrderSettleDelay); err != nil {
		return
	}

	// Re-read for the blended entry price and enlarged quantity.
	newPos, err := m.exchange.GetPosition(ctx, pos.Symbol, pos.PositionSide)
	if err != nil || newPos == nil {
		m.logger.Error(ctx, err, op+": Position unreadable after recovery add, aborting step", map[string]interface{}{"positionID": pos.ID})
		return
	}

	tpOrderID, slOrderID, err := placeProtectivePair(ctx, m.exchange, m.logger,
		pos.Symbol, pos.Side, newPos.Quantity, newPos.EntryPrice, step.TPUsdt, step.SLUsdt, contractValue)
	if err != nil {
		m.logger.Error(ctx, err, op+": Protective orders failed after recovery add, aborting step", map[string]interface{}{"positionID": pos.ID})
		return
	}

	now := time.Now().UTC()
	pos.EntryPrice = newPos.EntryPrice
	pos.Quantity = newPos.Quantity
	pos.TPUsdt = step.TPUsdt
	pos.SLUsdt = step.SLUsdt
	pos.TPOrderID = &tpOrderID
	pos.SLOrderID = &slOrderID
	pos.RecoveryCount++
	pos.LastRecoveryAt = &now
	// amount_usdt stays at the user's original commitment.
	if err := m.posRepo.Update(ctx, pos); err != nil {
		m.logger.Error(ctx, err, op+": Failed to persist recovery step", map[string]interface{}{"positionID": pos.ID})
		return
	}

	m.logger.Info(ctx, op+": Recovery step executed", map[string]interface{}{
		"positionID": pos.ID, "recoveryCount": pos.RecoveryCount,
		"newEntryPrice": pos.EntryPrice, "newQuantity": pos.Quantity,
	})
}

// reopenClosedPositions re-establishes positions whose reopen cooldown has
// elapsed: same static parameters, fresh sizing at the current price, TP/SL
// reset to the original targets and the recovery ladder reset to step one.
func (m *Monitor) reopenClosedPositions(ctx context.Context) {
	if !m.exchange.IsConfigured() {
		return
	}

	delay := m.reopenDelay(ctx)
	now := time.Now().UTC()

	m.reopenMu.Lock()
	due := make(map[int64]time.Time, len(m.reopenQueue))
	for id, closedAt := range m.reopenQueue {
		if !now.Before(closedAt.Add(delay)) {
			due[id] = closedAt
		}
	}
	m.reopenMu.Unlock()

	for id := range due {
		if m.reopenOne(ctx, id) {
			m.reopenMu.Lock()
			delete(m.reopenQueue, id)
			m.reopenMu.Unlock()
		}
	}
}

// reopenOne attempts one reopen. Returns true when the id should leave the
// queue (success, or the position no longer qualifies); false keeps it queued
// for retry next tick.
func (m *Monitor) reopenOne(ctx context.Context, id int64) bool {
	op := "reopenClosedPositions"

	pos, err := m.posRepo.FindByID(ctx, id)
	if err != nil {
		m.logger.Warn(ctx, op+": Failed to load position, will retry", map[string]interface{}{"positionID": id, "error": err.Error()})
		return false
	}
	if pos == nil || pos.IsOpen || pos.PendingReopenAt == nil {
		// Deleted, already reopened, or reopen canceled (e.g. by manual close).
		return true
	}

	// Re-verify flatness: another path may have reopened the leg already.
	exPos, err := m.exchange.GetPosition(ctx, pos.Symbol, pos.PositionSide)
	if err != nil {
		m.logger.Warn(ctx, op+": Failed to verify flatness, will retry", map[string]interface{}{"positionID": id, "error": err.Error()})
		return false
	}
	if exPos != nil {
		m.logger.Warn(ctx, op+": Exchange leg no longer flat, dropping reopen", map[string]interface{}{"positionID": id, "symbol": pos.Symbol})
		pos.PendingReopenAt = nil
		if err := m.posRepo.Update(ctx, pos); err != nil {
			m.logger.Error(ctx, err, op+": Failed to clear pending reopen", map[string]interface{}{"positionID": id})
		}
		return true
	}

	price, err := m.exchange.GetPrice(ctx, pos.Symbol)
	if err != nil {
		return false
	}
	contractValue, err := m.exchange.GetContractValue(ctx, pos.Symbol)
	if err != nil {
		return false
	}
	lotSize, err := m.exchange.GetLotSize(ctx, pos.Symbol)
	if err != nil {
		return false
	}
	quantity, err := calc.SizeQuantity(pos.AmountUSDT, pos.Leverage, price, contractValue, lotSize)
	if err != nil {
		m.logger.Error(ctx, err, op+": Failed to size reopen, will retry", map[string]interface{}{"positionID": id})
		return false
	}

	m.logger.Info(ctx, op+": Reopening position", map[string]interface{}{
		"positionID": id, "symbol": pos.Symbol, "side": pos.Side, "quantity": quantity,
	})
	entryOrder, err := m.exchange.PlaceMarketOrder(ctx, pos.Symbol, pos.Side.EntrySide(), quantity, pos.PositionSide)
	if err != nil {
		m.logger.Error(ctx, err, op+": Reopen market order failed, will retry", map[string]interface{}{"positionID": id})
		return false
	}
	if err := sleepCtx(ctx, m.cfg.OrderSettleDelay); err != nil {
		return false
	}

	entryPrice := price
	filledQty := quantity
	var exchangePositionID *string
	if readBack, err := m.exchange.GetPosition(ctx, pos.Symbol, pos.PositionSide); err == nil && readBack != nil {
		entryPrice = readBack.EntryPrice
		filledQty = readBack.Quantity
		if readBack.ExchangePositionID != "" {
			epID := readBack.ExchangePositionID
			exchangePositionID = &epID
		}
	}

	// Stale order ids from the previous life of the row.
	if pos.TPOrderID != nil {
		cancelOrderWarn(ctx, m.exchange, m.logger, pos.Symbol, *pos.TPOrderID, "TP")
	}
	if pos.SLOrderID != nil {
		cancelOrderWarn(ctx, m.exchange, m.logger, pos.Symbol, *pos.SLOrderID, "SL")
	}

	tpOrderID, slOrderID, err := placeProtectivePair(ctx, m.exchange, m.logger,
		pos.Symbol, pos.Side, filledQty, entryPrice, pos.OriginalTPUsdt, pos.OriginalSLUsdt, contractValue)
	if err != nil {
		// The position is open on the exchange but unpersisted and
		// unprotected; close it and retry the whole reopen next tick.
		m.logger.Error(ctx, err, op+": Protective orders failed after reopen entry, closing", map[string]interface{}{"positionID": id})
		if closeErr := m.exchange.ClosePositionMarket(ctx, pos.Symbol, pos.Side.CloseSide(), filledQty, pos.PositionSide); closeErr != nil {
			m.logger.Error(ctx, closeErr, op+": EMERGENCY CLOSE FAILED after reopen", map[string]interface{}{"positionID": id})
		}
		return false
	}

	parentID := pos.ID
	pos.EntryPrice = entryPrice
	pos.Quantity = filledQty
	pos.EntryOrderID = &entryOrder.OrderID
	pos.ExchangePositionID = exchangePositionID
	pos.TPOrderID = &tpOrderID
	pos.SLOrderID = &slOrderID
	pos.TPUsdt = pos.OriginalTPUsdt
	pos.SLUsdt = pos.OriginalSLUsdt
	pos.IsOpen = true
	pos.RecoveryCount = 0
	pos.LastRecoveryAt = nil
	pos.ReopenCount++
	pos.ParentPositionID = &parentID
	pos.OpenedAt = time.Now().UTC()
	pos.ClosedAt = nil
	pos.PendingReopenAt = nil
	pos.PNL = nil
	pos.CloseReason = ""

	if err := m.posRepo.Update(ctx, pos); err != nil {
		m.logger.Error(ctx, err, op+": Failed to persist reopened position, will retry", map[string]interface{}{"positionID": id})
		return false
	}

	m.logger.Info(ctx, op+": Position reopened", map[string]interface{}{
		"positionID": id, "reopenCount": pos.ReopenCount, "entryPrice": entryPrice, "quantity": filledQty,
	})
	return true
}

// isTakeProfitTrigger classifies a protective order by which side of the entry
// price its trigger sits on: above entry for a LONG is the TP, below is the
// SL; mirrored for SHORT.
func isTakeProfitTrigger(side domain.Side, triggerPrice, entryPrice float64) bool {
	if side == domain.Long {
		return triggerPrice > entryPrice
	}
	return triggerPrice < entryPrice
}
