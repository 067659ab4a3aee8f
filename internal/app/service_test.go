package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresPositionBot/config"
	"futuresPositionBot/internal/domain"
	"futuresPositionBot/internal/ports"
)

// Mock implementations

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type marketOrder struct {
	symbol   string
	side     domain.OrderSide
	quantity float64
	posSide  domain.PositionSide
}

type condOrder struct {
	symbol       string
	closeSide    domain.OrderSide
	posSide      domain.PositionSide
	quantity     float64
	triggerPrice float64
}

// mockExchange is a stateful in-memory exchange. Positions are keyed by
// symbol + "|" + position side.
type mockExchange struct {
	configured bool

	price    float64
	priceErr error
	balance  float64

	positions      map[string]*ports.ExchangePosition
	getPositionErr error

	orders        []*ports.ConditionalOrder
	listOrdersErr error

	contractValue float64
	lotSize       float64
	tickSize      string

	marketOrders   []marketOrder
	marketOrderErr error
	condOrders     []condOrder
	condOrderErr   error
	canceled       []string
	cancelErr      error
	marketCloses   []marketOrder
	closeErr       error

	nextOrderID int
}

func newMockExchange() *mockExchange {
	return &mockExchange{
		configured:    true,
		price:         100,
		balance:       100000,
		positions:     make(map[string]*ports.ExchangePosition),
		contractValue: 0.01,
		lotSize:       0.01,
		tickSize:      "0.1",
	}
}

func posKey(symbol string, side domain.PositionSide) string {
	return symbol + "|" + string(side)
}

func (m *mockExchange) IsConfigured() bool                    { return m.configured }
func (m *mockExchange) SetHedgeMode(ctx context.Context) error { return nil }
func (m *mockExchange) SetLeverage(ctx context.Context, symbol string, leverage int, positionSide domain.PositionSide) error {
	return nil
}

func (m *mockExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return m.price, m.priceErr
}

func (m *mockExchange) GetBalance(ctx context.Context, asset string) (float64, error) {
	return m.balance, nil
}

func (m *mockExchange) GetPosition(ctx context.Context, symbol string, positionSide domain.PositionSide) (*ports.ExchangePosition, error) {
	if m.getPositionErr != nil {
		return nil, m.getPositionErr
	}
	return m.positions[posKey(symbol, positionSide)], nil
}

func (m *mockExchange) GetAllPositions(ctx context.Context) ([]*ports.ExchangePosition, error) {
	out := make([]*ports.ExchangePosition, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out, nil
}

func (m *mockExchange) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity float64, positionSide domain.PositionSide) (*ports.OrderResponse, error) {
	if m.marketOrderErr != nil {
		return nil, m.marketOrderErr
	}
	m.marketOrders = append(m.marketOrders, marketOrder{symbol, side, quantity, positionSide})
	m.nextOrderID++
	return &ports.OrderResponse{
		OrderID:   fmt.Sprintf("order-%d", m.nextOrderID),
		Symbol:    symbol,
		Status:    "NEW",
		Timestamp: time.Now(),
	}, nil
}

func (m *mockExchange) PlaceConditionalOrder(ctx context.Context, symbol string, closeSide domain.OrderSide, positionSide domain.PositionSide, quantity float64, triggerPrice float64) (string, error) {
	if m.condOrderErr != nil {
		return "", m.condOrderErr
	}
	m.condOrders = append(m.condOrders, condOrder{symbol, closeSide, positionSide, quantity, triggerPrice})
	m.nextOrderID++
	return fmt.Sprintf("algo-%d", m.nextOrderID), nil
}

func (m *mockExchange) ListConditionalOrders(ctx context.Context, symbol string) ([]*ports.ConditionalOrder, error) {
	if m.listOrdersErr != nil {
		return nil, m.listOrdersErr
	}
	return m.orders, nil
}

func (m *mockExchange) CancelConditionalOrder(ctx context.Context, symbol string, orderID string) error {
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.canceled = append(m.canceled, orderID)
	return nil
}

func (m *mockExchange) ClosePositionMarket(ctx context.Context, symbol string, closeSide domain.OrderSide, quantity float64, positionSide domain.PositionSide) error {
	if m.closeErr != nil {
		return m.closeErr
	}
	m.marketCloses = append(m.marketCloses, marketOrder{symbol, closeSide, quantity, positionSide})
	delete(m.positions, posKey(symbol, positionSide))
	return nil
}

func (m *mockExchange) GetContractValue(ctx context.Context, symbol string) (float64, error) {
	return m.contractValue, nil
}
func (m *mockExchange) GetLotSize(ctx context.Context, symbol string) (float64, error) {
	return m.lotSize, nil
}
func (m *mockExchange) GetTickSize(ctx context.Context, symbol string) (string, error) {
	return m.tickSize, nil
}

type mockPositionRepo struct {
	positions map[int64]*domain.Position
	nextID    int64
	createErr error
	updateErr error
	findErr   error
}

func newMockPositionRepo() *mockPositionRepo {
	return &mockPositionRepo{positions: make(map[int64]*domain.Position)}
}

func (m *mockPositionRepo) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	if m.createErr != nil {
		return 0, m.createErr
	}
	m.nextID++
	pos.ID = m.nextID
	m.positions[pos.ID] = pos
	return pos.ID, nil
}

func (m *mockPositionRepo) Update(ctx context.Context, pos *domain.Position) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.positions[pos.ID]; !ok {
		return ports.ErrNotFound
	}
	m.positions[pos.ID] = pos
	return nil
}

func (m *mockPositionRepo) Delete(ctx context.Context, id int64) error {
	if _, ok := m.positions[id]; !ok {
		return ports.ErrNotFound
	}
	delete(m.positions, id)
	return nil
}

func (m *mockPositionRepo) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.positions[id], nil
}

func (m *mockPositionRepo) FindOpen(ctx context.Context) ([]*domain.Position, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	out := make([]*domain.Position, 0)
	for _, p := range m.positions {
		if p.IsOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockPositionRepo) FindOpenBySymbolSide(ctx context.Context, symbol string, positionSide domain.PositionSide) (*domain.Position, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, p := range m.positions {
		if p.IsOpen && p.Symbol == symbol && p.PositionSide == positionSide {
			return p, nil
		}
	}
	return nil, nil
}

func (m *mockPositionRepo) FindPendingReopen(ctx context.Context) ([]*domain.Position, error) {
	out := make([]*domain.Position, 0)
	for _, p := range m.positions {
		if !p.IsOpen && p.PendingReopenAt != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockPositionRepo) FindAll(ctx context.Context) ([]*domain.Position, error) {
	out := make([]*domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out, nil
}

type mockSettingsRepo struct {
	values map[string]string
}

func newMockSettingsRepo() *mockSettingsRepo {
	return &mockSettingsRepo{values: make(map[string]string)}
}

func (m *mockSettingsRepo) GetSetting(ctx context.Context, key string) (string, error) {
	return m.values[key], nil
}

func (m *mockSettingsRepo) SetSetting(ctx context.Context, key, value string) error {
	m.values[key] = value
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Workers:              3,
		ClosureCheckInterval: 30 * time.Second,
		RestoreInterval:      60 * time.Second,
		OrphanSweepInterval:  60 * time.Second,
		RecoveryInterval:     15 * time.Second,
		ReopenInterval:       30 * time.Second,
		JobTimeout:           5 * time.Second,
		OrderSettleDelay:     0, // No settle wait in tests
	}
}

func newTestService(t *testing.T, exchange *mockExchange, repo *mockPositionRepo) *TradingService {
	t.Helper()
	svc, err := NewTradingService(testConfig(), &mockLogger{}, exchange, repo)
	require.NoError(t, err)
	return svc
}

func openRequest() OpenPositionRequest {
	return OpenPositionRequest{
		Symbol:     "BTC-USDT",
		Side:       domain.Long,
		AmountUSDT: 1000,
		Leverage:   20,
		TPUsdt:     10,
		SLUsdt:     5,
	}
}

// --- Tests ---

func TestOpenPositionSuccess(t *testing.T) {
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	svc := newTestService(t, exchange, repo)

	pos, err := svc.OpenPosition(context.Background(), openRequest())
	require.NoError(t, err)
	require.NotNil(t, pos)

	// 1000 / (0.01 * 100) = 1000 contracts.
	require.Len(t, exchange.marketOrders, 1)
	assert.Equal(t, domain.Buy, exchange.marketOrders[0].side)
	assert.Equal(t, domain.PositionSideLong, exchange.marketOrders[0].posSide)
	assert.InDelta(t, 1000.0, exchange.marketOrders[0].quantity, 1e-9)

	// TP and SL both placed; cryptoAmount = 1000*0.01 = 10 so tp=101, sl=99.5.
	require.Len(t, exchange.condOrders, 2)
	assert.InDelta(t, 101.0, exchange.condOrders[0].triggerPrice, 1e-9)
	assert.InDelta(t, 99.5, exchange.condOrders[1].triggerPrice, 1e-9)

	assert.True(t, pos.IsOpen)
	assert.Equal(t, pos.TPUsdt, pos.OriginalTPUsdt)
	assert.Equal(t, pos.SLUsdt, pos.OriginalSLUsdt)
	require.NotNil(t, pos.TPOrderID)
	require.NotNil(t, pos.SLOrderID)
	assert.NotEqual(t, *pos.TPOrderID, *pos.SLOrderID)
	require.Len(t, repo.positions, 1)
}

func TestOpenPositionUsesExchangeReadBack(t *testing.T) {
	exchange := newMockExchange()
	// Fill reported at a slightly different blended entry.
	exchange.positions[posKey("BTC-USDT", domain.PositionSideLong)] = &ports.ExchangePosition{
		Symbol: "BTC-USDT", PositionSide: domain.PositionSideLong,
		Quantity: 999.5, EntryPrice: 100.2, ExchangePositionID: "ex-77",
	}
	repo := newMockPositionRepo()
	svc := newTestService(t, exchange, repo)

	pos, err := svc.OpenPosition(context.Background(), openRequest())
	require.NoError(t, err)
	assert.InDelta(t, 100.2, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 999.5, pos.Quantity, 1e-9)
	require.NotNil(t, pos.ExchangePositionID)
	assert.Equal(t, "ex-77", *pos.ExchangePositionID)
}

func TestOpenPositionDuplicateRejected(t *testing.T) {
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	svc := newTestService(t, exchange, repo)

	_, err := svc.OpenPosition(context.Background(), openRequest())
	require.NoError(t, err)

	_, err = svc.OpenPosition(context.Background(), openRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrDuplicateEntry))
	assert.Len(t, repo.positions, 1)
}

func TestOpenPositionNotConfigured(t *testing.T) {
	exchange := newMockExchange()
	exchange.configured = false
	svc := newTestService(t, exchange, newMockPositionRepo())

	_, err := svc.OpenPosition(context.Background(), openRequest())
	assert.True(t, errors.Is(err, ports.ErrNotConfigured))
}

func TestOpenPositionProtectiveFailureEmergencyCloses(t *testing.T) {
	exchange := newMockExchange()
	exchange.condOrderErr = ports.ErrOrderPlacementFailed
	repo := newMockPositionRepo()
	svc := newTestService(t, exchange, repo)

	_, err := svc.OpenPosition(context.Background(), openRequest())
	require.Error(t, err)

	// Entry filled, protection failed, so the exposure must have been closed
	// and nothing persisted.
	require.Len(t, exchange.marketOrders, 1)
	require.Len(t, exchange.marketCloses, 1)
	assert.Equal(t, domain.Sell, exchange.marketCloses[0].side)
	assert.Empty(t, repo.positions)
}

func TestClosePositionManual(t *testing.T) {
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	svc := newTestService(t, exchange, repo)

	pos, err := svc.OpenPosition(context.Background(), openRequest())
	require.NoError(t, err)
	tpID, slID := *pos.TPOrderID, *pos.SLOrderID

	exchange.positions[posKey("BTC-USDT", domain.PositionSideLong)] = &ports.ExchangePosition{
		Symbol: "BTC-USDT", PositionSide: domain.PositionSideLong,
		Quantity: pos.Quantity, EntryPrice: pos.EntryPrice, UnrealizedPnl: 7.5,
	}

	closed, err := svc.ClosePosition(context.Background(), pos.ID)
	require.NoError(t, err)

	assert.False(t, closed.IsOpen)
	assert.Equal(t, domain.CloseReasonManual, closed.CloseReason)
	require.NotNil(t, closed.PNL)
	assert.InDelta(t, 7.5, *closed.PNL, 1e-9)
	// Manual closes never schedule an automatic reopen.
	assert.Nil(t, closed.PendingReopenAt)
	assert.Contains(t, exchange.canceled, tpID)
	assert.Contains(t, exchange.canceled, slID)
	require.Len(t, exchange.marketCloses, 1)
}

func TestClosePositionAlreadyClosed(t *testing.T) {
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	svc := newTestService(t, exchange, repo)

	now := time.Now().UTC()
	repo.positions[1] = &domain.Position{ID: 1, Symbol: "BTC-USDT", Side: domain.Long,
		PositionSide: domain.PositionSideLong, IsOpen: false, ClosedAt: &now}
	repo.nextID = 1

	_, err := svc.ClosePosition(context.Background(), 1)
	assert.True(t, errors.Is(err, ports.ErrPositionAlreadyClosed))
}

func TestDeletePosition(t *testing.T) {
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	svc := newTestService(t, exchange, repo)

	pos, err := svc.OpenPosition(context.Background(), openRequest())
	require.NoError(t, err)

	// Open positions cannot be deleted.
	err = svc.DeletePosition(context.Background(), pos.ID)
	assert.True(t, errors.Is(err, ports.ErrPositionStillOpen))

	_, err = svc.ClosePosition(context.Background(), pos.ID)
	require.NoError(t, err)

	require.NoError(t, svc.DeletePosition(context.Background(), pos.ID))
	assert.Empty(t, repo.positions)

	err = svc.DeletePosition(context.Background(), pos.ID)
	assert.True(t, errors.Is(err, ports.ErrNotFound))
}

func TestSetOrdersDisabled(t *testing.T) {
	exchange := newMockExchange()
	repo := newMockPositionRepo()
	svc := newTestService(t, exchange, repo)

	pos, err := svc.OpenPosition(context.Background(), openRequest())
	require.NoError(t, err)
	assert.False(t, pos.OrdersDisabled)

	updated, err := svc.SetOrdersDisabled(context.Background(), pos.ID, true)
	require.NoError(t, err)
	assert.True(t, updated.OrdersDisabled)
	assert.True(t, repo.positions[pos.ID].OrdersDisabled)
}
