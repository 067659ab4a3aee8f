package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresPositionBot/internal/domain"
	"futuresPositionBot/internal/ports"
	"futuresPositionBot/internal/recovery"
)

func newTestMonitor(t *testing.T, exchange *mockExchange, repo *mockPositionRepo, settings *mockSettingsRepo) *Monitor {
	t.Helper()
	policy, err := recovery.NewPolicy(settings, &mockLogger{})
	require.NoError(t, err)
	m, err := NewMonitor(testConfig(), &mockLogger{}, exchange, repo, settings, policy)
	require.NoError(t, err)
	return m
}

// openTestPosition seeds the repo with an open LONG position and the exchange
// with its live leg.
func openTestPosition(repo *mockPositionRepo, exchange *mockExchange, unrealizedPnl float64) *domain.Position {
	tpID, slID := "algo-tp", "algo-sl"
	repo.nextID++
	pos := &domain.Position{
		ID:             repo.nextID,
		Symbol:         "BTC-USDT",
		Side:           domain.Long,
		AmountUSDT:     1000,
		Leverage:       20,
		PositionSide:   domain.PositionSideLong,
		TPUsdt:         10,
		SLUsdt:         5,
		OriginalTPUsdt: 10,
		OriginalSLUsdt: 5,
		EntryPrice:     100,
		Quantity:       1000,
		TPOrderID:      &tpID,
		SLOrderID:      &slID,
		IsOpen:         true,
		OpenedAt:       time.Now().UTC().Add(-time.Hour),
	}
	repo.positions[pos.ID] = pos
	if exchange != nil {
		exchange.positions[posKey(pos.Symbol, pos.PositionSide)] = &ports.ExchangePosition{
			Symbol:        pos.Symbol,
			PositionSide:  pos.PositionSide,
			Quantity:      pos.Quantity,
			EntryPrice:    pos.EntryPrice,
			UnrealizedPnl: unrealizedPnl,
		}
	}
	return pos
}

func configureLadderStep(settings *mockSettingsRepo, step int, trigger, add, tp, sl float64) {
	set := func(keyFmt string, v float64) {
		settings.values[fmt.Sprintf(keyFmt, step)] = fmt.Sprintf("%g", v)
	}
	set(domain.SettingRecoveryStepTrigger, trigger)
	set(domain.SettingRecoveryStepAdd, add)
	set(domain.SettingRecoveryStepTP, tp)
	set(domain.SettingRecoveryStepSL, sl)
}

// --- Closure detection ---

func TestDetectClosuresClassifiesTakeProfit(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	m := newTestMonitor(t, exchange, repo, newMockSettingsRepo())

	pos := openTestPosition(repo, exchange, 12.5)

	// First tick sees the leg alive and remembers its PnL.
	m.detectClosures(ctx)
	assert.True(t, repo.positions[pos.ID].IsOpen)

	// The leg disappears (TP filled on the exchange).
	delete(exchange.positions, posKey(pos.Symbol, pos.PositionSide))
	m.detectClosures(ctx)

	got := repo.positions[pos.ID]
	assert.False(t, got.IsOpen)
	assert.Equal(t, domain.CloseReasonTakeProfit, got.CloseReason)
	require.NotNil(t, got.PNL)
	assert.InDelta(t, 12.5, *got.PNL, 1e-9)
	require.NotNil(t, got.PendingReopenAt)
	assert.Nil(t, got.TPOrderID)
	assert.Nil(t, got.SLOrderID)
	assert.Equal(t, 1, m.Status().PendingReopens)
}

func TestDetectClosuresClassifiesStopLoss(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	m := newTestMonitor(t, exchange, repo, newMockSettingsRepo())

	pos := openTestPosition(repo, exchange, -4.2)
	m.detectClosures(ctx)
	delete(exchange.positions, posKey(pos.Symbol, pos.PositionSide))
	m.detectClosures(ctx)

	got := repo.positions[pos.ID]
	assert.False(t, got.IsOpen)
	assert.Equal(t, domain.CloseReasonStopLoss, got.CloseReason)
	require.NotNil(t, got.PNL)
	assert.InDelta(t, -4.2, *got.PNL, 1e-9)
}

func TestDetectClosuresWithoutObservedPnl(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	m := newTestMonitor(t, exchange, repo, newMockSettingsRepo())

	// The leg is already gone on the very first tick: no PnL was ever seen.
	pos := openTestPosition(repo, nil, 0)
	m.detectClosures(ctx)

	got := repo.positions[pos.ID]
	assert.False(t, got.IsOpen)
	assert.Equal(t, domain.CloseReasonManual, got.CloseReason)
	assert.Nil(t, got.PNL)
	// Exchange-side closures are still queued for reopen regardless of reason.
	assert.Equal(t, 1, m.Status().PendingReopens)
}

func TestDetectClosuresOrdersDisabledNotQueued(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	m := newTestMonitor(t, exchange, repo, newMockSettingsRepo())

	pos := openTestPosition(repo, exchange, 8.0)
	pos.OrdersDisabled = true
	m.detectClosures(ctx)
	delete(exchange.positions, posKey(pos.Symbol, pos.PositionSide))
	m.detectClosures(ctx)

	// The closure is recorded for history but no reopen is scheduled.
	got := repo.positions[pos.ID]
	assert.False(t, got.IsOpen)
	assert.Equal(t, domain.CloseReasonTakeProfit, got.CloseReason)
	assert.Nil(t, got.PendingReopenAt)
	assert.Equal(t, 0, m.Status().PendingReopens)
}

func TestDetectClosuresSkipsOnExchangeError(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	exchange.getPositionErr = ports.ErrTimeout
	repo := newMockPositionRepo()
	m := newTestMonitor(t, exchange, repo, newMockSettingsRepo())

	pos := openTestPosition(repo, nil, 0)
	m.detectClosures(ctx)

	// A query failure must never be mistaken for a closed position.
	assert.True(t, repo.positions[pos.ID].IsOpen)
	assert.Equal(t, 0, m.Status().PendingReopens)
}

// --- Reopen ---

func TestReopenWaitsForDelay(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	m := newTestMonitor(t, exchange, repo, newMockSettingsRepo())

	pos := openTestPosition(repo, exchange, 3.0)
	m.detectClosures(ctx)
	delete(exchange.positions, posKey(pos.Symbol, pos.PositionSide))
	m.detectClosures(ctx)
	require.False(t, repo.positions[pos.ID].IsOpen)

	// Just closed; the default 5-minute cooldown has not elapsed.
	m.reopenClosedPositions(ctx)
	assert.Empty(t, exchange.marketOrders)
	assert.False(t, repo.positions[pos.ID].IsOpen)
	assert.Equal(t, 1, m.Status().PendingReopens)
}

func TestReopenAfterDelayRestoresOriginalState(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	exchange.price = 120
	repo := newMockPositionRepo()
	m := newTestMonitor(t, exchange, repo, newMockSettingsRepo())

	closedAt := time.Now().UTC().Add(-10 * time.Minute)
	pnl := -7.0
	pos := openTestPosition(repo, nil, 0)
	// Simulate a position that went through recovery before closing.
	pos.IsOpen = false
	pos.TPUsdt = 20
	pos.SLUsdt = 8
	pos.RecoveryCount = 3
	lastRec := closedAt.Add(-time.Minute)
	pos.LastRecoveryAt = &lastRec
	pos.ClosedAt = &closedAt
	pos.PendingReopenAt = &closedAt
	pos.PNL = &pnl
	pos.CloseReason = domain.CloseReasonStopLoss
	m.reopenQueue[pos.ID] = closedAt

	m.reopenClosedPositions(ctx)

	got := repo.positions[pos.ID]
	assert.True(t, got.IsOpen)
	// Fresh sizing at the current price: 1000 / (0.01 * 120) = 833.33 lots.
	require.Len(t, exchange.marketOrders, 1)
	assert.InDelta(t, 833.33, exchange.marketOrders[0].quantity, 1e-9)
	assert.Equal(t, domain.Buy, exchange.marketOrders[0].side)

	// Targets reset to the originals, ladder reset, lineage recorded.
	assert.InDelta(t, 10, got.TPUsdt, 1e-9)
	assert.InDelta(t, 5, got.SLUsdt, 1e-9)
	assert.Equal(t, 0, got.RecoveryCount)
	assert.Nil(t, got.LastRecoveryAt)
	assert.Equal(t, 1, got.ReopenCount)
	require.NotNil(t, got.ParentPositionID)
	assert.Equal(t, pos.ID, *got.ParentPositionID)
	assert.Nil(t, got.ClosedAt)
	assert.Nil(t, got.PendingReopenAt)
	assert.Nil(t, got.PNL)
	assert.Empty(t, got.CloseReason)
	require.NotNil(t, got.TPOrderID)
	require.NotNil(t, got.SLOrderID)
	require.Len(t, exchange.condOrders, 2)

	assert.Equal(t, 0, m.Status().PendingReopens)
}

func TestReopenDropsWhenLegNotFlat(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	m := newTestMonitor(t, exchange, repo, newMockSettingsRepo())

	closedAt := time.Now().UTC().Add(-10 * time.Minute)
	pos := openTestPosition(repo, exchange, 0) // leg still live on the exchange
	pos.IsOpen = false
	pos.ClosedAt = &closedAt
	pos.PendingReopenAt = &closedAt
	m.reopenQueue[pos.ID] = closedAt

	m.reopenClosedPositions(ctx)

	assert.Empty(t, exchange.marketOrders)
	assert.False(t, repo.positions[pos.ID].IsOpen)
	assert.Nil(t, repo.positions[pos.ID].PendingReopenAt)
	assert.Equal(t, 0, m.Status().PendingReopens)
}

func TestReopenSkipsManuallyClosedPosition(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	m := newTestMonitor(t, exchange, repo, newMockSettingsRepo())

	// A manual close cleared pending_reopen_at but a stale queue entry remains.
	closedAt := time.Now().UTC().Add(-10 * time.Minute)
	pos := openTestPosition(repo, nil, 0)
	pos.IsOpen = false
	pos.ClosedAt = &closedAt
	pos.PendingReopenAt = nil
	pos.CloseReason = domain.CloseReasonManual
	m.reopenQueue[pos.ID] = closedAt

	m.reopenClosedPositions(ctx)

	assert.Empty(t, exchange.marketOrders)
	assert.False(t, repo.positions[pos.ID].IsOpen)
	assert.Equal(t, 0, m.Status().PendingReopens)
}

func TestReopenRetriesOnEntryFailure(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	exchange.marketOrderErr = ports.ErrOrderPlacementFailed
	repo := newMockPositionRepo()
	m := newTestMonitor(t, exchange, repo, newMockSettingsRepo())

	closedAt := time.Now().UTC().Add(-10 * time.Minute)
	pos := openTestPosition(repo, nil, 0)
	pos.IsOpen = false
	pos.ClosedAt = &closedAt
	pos.PendingReopenAt = &closedAt
	m.reopenQueue[pos.ID] = closedAt

	m.reopenClosedPositions(ctx)
	assert.False(t, repo.positions[pos.ID].IsOpen)
	assert.Equal(t, 1, m.Status().PendingReopens) // still queued

	exchange.marketOrderErr = nil
	m.reopenClosedPositions(ctx)
	assert.True(t, repo.positions[pos.ID].IsOpen)
	assert.Equal(t, 0, m.Status().PendingReopens)
}

// --- Orphan sweep ---

func TestOrphanSweepCancelsOnlyUntrackedOrders(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	m := newTestMonitor(t, exchange, repo, newMockSettingsRepo())

	// Open position whose tp/sl ids are tracked but whose exchange leg is not
	// visible yet (e.g. just placed).
	pos := openTestPosition(repo, nil, 0)

	// A live leg on another symbol keeps its orders alive.
	exchange.positions[posKey("ETH-USDT", domain.PositionSideShort)] = &ports.ExchangePosition{
		Symbol: "ETH-USDT", PositionSide: domain.PositionSideShort, Quantity: 10, EntryPrice: 3000,
	}
	exchange.orders = []*ports.ConditionalOrder{
		{OrderID: *pos.TPOrderID, Symbol: pos.Symbol, PositionSide: domain.PositionSideLong, Side: domain.Sell, Type: domain.OrderTypeTrigger, TriggerPrice: 101, Live: true},
		{OrderID: "covered-by-leg", Symbol: "ETH-USDT", PositionSide: domain.PositionSideShort, Side: domain.Buy, Type: domain.OrderTypeTrigger, TriggerPrice: 2900, Live: true},
		{OrderID: "true-orphan", Symbol: "SOL-USDT", PositionSide: domain.PositionSideLong, Side: domain.Sell, Type: domain.OrderTypeTrigger, TriggerPrice: 150, Live: true},
		{OrderID: "already-dead", Symbol: "SOL-USDT", PositionSide: domain.PositionSideLong, Side: domain.Sell, Type: domain.OrderTypeTrigger, TriggerPrice: 140, Live: false},
	}

	m.cancelOrphanedOrders(ctx)

	assert.Equal(t, []string{"true-orphan"}, exchange.canceled)
}

// --- Protective order restoration ---

func TestRestorePlacesMissingStopLoss(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	m := newTestMonitor(t, exchange, repo, newMockSettingsRepo())

	pos := openTestPosition(repo, exchange, 2.0)
	// Only the TP survives on the exchange; trigger above entry marks it TP.
	exchange.orders = []*ports.ConditionalOrder{
		{OrderID: *pos.TPOrderID, Symbol: pos.Symbol, PositionSide: domain.PositionSideLong, Side: domain.Sell, Type: domain.OrderTypeTrigger, TriggerPrice: 101, Live: true},
	}

	m.restoreProtectiveOrders(ctx)

	// cryptoAmount = 1000 * 0.01 = 10, so the SL lands at 100 - 5/10 = 99.5.
	require.Len(t, exchange.condOrders, 1)
	assert.InDelta(t, 99.5, exchange.condOrders[0].triggerPrice, 1e-9)
	assert.Equal(t, domain.Sell, exchange.condOrders[0].closeSide)
	require.NotNil(t, repo.positions[pos.ID].SLOrderID)
	assert.NotEqual(t, "algo-sl", *repo.positions[pos.ID].SLOrderID)
}

func TestRestoreLeavesCompletePairAlone(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	m := newTestMonitor(t, exchange, repo, newMockSettingsRepo())

	pos := openTestPosition(repo, exchange, 2.0)
	exchange.orders = []*ports.ConditionalOrder{
		{OrderID: *pos.TPOrderID, Symbol: pos.Symbol, PositionSide: domain.PositionSideLong, Side: domain.Sell, Type: domain.OrderTypeTrigger, TriggerPrice: 101, Live: true},
		{OrderID: *pos.SLOrderID, Symbol: pos.Symbol, PositionSide: domain.PositionSideLong, Side: domain.Sell, Type: domain.OrderTypeTrigger, TriggerPrice: 99.5, Live: true},
	}

	m.restoreProtectiveOrders(ctx)
	assert.Empty(t, exchange.condOrders)
}

func TestRestoreClosesWhenTakeProfitAlreadyReached(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	m := newTestMonitor(t, exchange, repo, newMockSettingsRepo())

	// No protective orders live and the PnL already crossed the 10 USDT target.
	pos := openTestPosition(repo, exchange, 15.0)
	exchange.orders = nil

	m.restoreProtectiveOrders(ctx)

	require.Len(t, exchange.marketCloses, 1)
	got := repo.positions[pos.ID]
	assert.False(t, got.IsOpen)
	assert.Equal(t, domain.CloseReasonTakeProfit, got.CloseReason)
	require.NotNil(t, got.PNL)
	assert.InDelta(t, 15.0, *got.PNL, 1e-9)
	assert.Equal(t, 1, m.Status().PendingReopens)
}

func TestRestoreSkipsOrdersDisabled(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	m := newTestMonitor(t, exchange, repo, newMockSettingsRepo())

	pos := openTestPosition(repo, exchange, 2.0)
	pos.OrdersDisabled = true
	exchange.orders = nil

	m.restoreProtectiveOrders(ctx)
	assert.Empty(t, exchange.condOrders)
	assert.Empty(t, exchange.marketCloses)
}

// --- Recovery ---

func TestRecoveryStepFiresOnceAndPersists(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	exchange.price = 99
	repo := newMockPositionRepo()
	settings := newMockSettingsRepo()
	configureLadderStep(settings, 1, -50, 3000, 12, 60)
	configureLadderStep(settings, 2, -120, 5000, 15, 80)
	m := newTestMonitor(t, exchange, repo, settings)

	pos := openTestPosition(repo, exchange, -60)

	m.executeRecovery(ctx)

	got := repo.positions[pos.ID]
	assert.Equal(t, 1, got.RecoveryCount)
	require.NotNil(t, got.LastRecoveryAt)
	assert.InDelta(t, 12, got.TPUsdt, 1e-9)
	assert.InDelta(t, 60, got.SLUsdt, 1e-9)
	// The original commitment is untouched; only exposure grows.
	assert.InDelta(t, 1000, got.AmountUSDT, 1e-9)
	// One add order: 3000 / (0.01 * 99) floored to the 0.01 lot step.
	require.Len(t, exchange.marketOrders, 1)
	assert.InDelta(t, 3030.3, exchange.marketOrders[0].quantity, 1e-9)
	assert.Equal(t, domain.Buy, exchange.marketOrders[0].side)
	// Stale pair cancelled, fresh pair placed.
	assert.ElementsMatch(t, []string{"algo-tp", "algo-sl"}, exchange.canceled)
	require.Len(t, exchange.condOrders, 2)

	// A second tick with unchanged PnL is now measured against step 2's
	// deeper trigger, never step 1 again.
	m.executeRecovery(ctx)
	assert.Equal(t, 1, repo.positions[pos.ID].RecoveryCount)
	assert.Len(t, exchange.marketOrders, 1)
}

func TestRecoveryExhaustedLadderNeverFires(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	settings := newMockSettingsRepo()
	configureLadderStep(settings, 1, -50, 3000, 12, 60)
	m := newTestMonitor(t, exchange, repo, settings)

	pos := openTestPosition(repo, exchange, -9999)
	pos.RecoveryCount = 1 // every configured step already consumed

	m.executeRecovery(ctx)
	assert.Empty(t, exchange.marketOrders)
	assert.Equal(t, 1, repo.positions[pos.ID].RecoveryCount)
}

func TestRecoveryAbortedStepKeepsCountForRetry(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	exchange.price = 99
	exchange.marketOrderErr = ports.ErrOrderPlacementFailed
	repo := newMockPositionRepo()
	settings := newMockSettingsRepo()
	configureLadderStep(settings, 1, -50, 3000, 12, 60)
	m := newTestMonitor(t, exchange, repo, settings)

	pos := openTestPosition(repo, exchange, -60)

	m.executeRecovery(ctx)
	assert.Equal(t, 0, repo.positions[pos.ID].RecoveryCount)

	// Same step retries cleanly on the next tick once the exchange recovers.
	exchange.marketOrderErr = nil
	m.executeRecovery(ctx)
	assert.Equal(t, 1, repo.positions[pos.ID].RecoveryCount)
}

func TestRecoveryBelowTriggerDoesNotFire(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	settings := newMockSettingsRepo()
	configureLadderStep(settings, 1, -50, 3000, 12, 60)
	m := newTestMonitor(t, exchange, repo, settings)

	openTestPosition(repo, exchange, -49.99)

	m.executeRecovery(ctx)
	assert.Empty(t, exchange.marketOrders)
}

func TestRecoveryDisabledSetting(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	settings := newMockSettingsRepo()
	configureLadderStep(settings, 1, -50, 3000, 12, 60)
	settings.values[domain.SettingRecoveryEnabled] = "false"
	m := newTestMonitor(t, exchange, repo, settings)

	openTestPosition(repo, exchange, -500)

	m.executeRecovery(ctx)
	assert.Empty(t, exchange.marketOrders)
}

func TestRecoverySkipsOrdersDisabled(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	settings := newMockSettingsRepo()
	configureLadderStep(settings, 1, -50, 3000, 12, 60)
	m := newTestMonitor(t, exchange, repo, settings)

	pos := openTestPosition(repo, exchange, -500)
	pos.OrdersDisabled = true

	m.executeRecovery(ctx)
	assert.Empty(t, exchange.marketOrders)
}

// --- Lifecycle ---

func TestStartStopIdempotent(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	m := newTestMonitor(t, exchange, repo, newMockSettingsRepo())

	// A persisted pending reopen must survive a restart via reseeding.
	closedAt := time.Now().UTC().Add(-time.Minute)
	pos := openTestPosition(repo, nil, 0)
	pos.IsOpen = false
	pos.ClosedAt = &closedAt
	pos.PendingReopenAt = &closedAt

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Start(ctx)) // second start is a no-op

	status := m.Status()
	assert.True(t, status.Running)
	assert.Equal(t, 1, status.PendingReopens)

	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Stop(ctx)) // second stop is a no-op
	assert.False(t, m.Status().Running)
}

func TestJobsNoOpWhenExchangeUnconfigured(t *testing.T) {
	ctx := context.Background()
	exchange := newMockExchange()
	exchange.configured = false
	repo := newMockPositionRepo()
	m := newTestMonitor(t, exchange, repo, newMockSettingsRepo())

	pos := openTestPosition(repo, nil, 0)

	m.detectClosures(ctx)
	m.restoreProtectiveOrders(ctx)
	m.cancelOrphanedOrders(ctx)
	m.executeRecovery(ctx)
	m.reopenClosedPositions(ctx)

	assert.True(t, repo.positions[pos.ID].IsOpen)
	assert.Empty(t, exchange.marketOrders)
	assert.Empty(t, exchange.condOrders)
	assert.Empty(t, exchange.canceled)
}
