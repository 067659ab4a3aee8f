// Package binanceclient adapts Binance USD-M futures to the
// ports.ExchangeClient interface using the go-binance library. Binance
// contracts are sized directly in the base asset, so the contract value is
// always 1.
package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"futuresPositionBot/internal/domain"
	"futuresPositionBot/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements the ports.ExchangeClient interface using the go-binance library.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
	configured    bool

	mu          sync.RWMutex
	instruments map[string]*instrument
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	Logger     ports.Logger
}

type instrument struct {
	LotSz  float64
	TickSz string
}

// New creates a new Binance client adapter. Missing credentials are not an
// error: the client is created unconfigured and every call returns
// ErrNotConfigured until keys are supplied.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	configured := cfg.APIKey != "" && cfg.SecretKey != ""
	if !configured {
		cfg.Logger.Warn(context.Background(), "Binance credentials not configured, exchange calls will no-op")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		configured:    configured,
		instruments:   make(map[string]*instrument),
	}, nil
}

// IsConfigured reports whether API credentials are present.
func (c *Client) IsConfigured() bool {
	return c.configured
}

// toBinanceSymbol converts dash-separated instrument ids ("BTC-USDT",
// "BTC-USDT-SWAP") into Binance's concatenated form ("BTCUSDT").
func toBinanceSymbol(symbol string) string {
	s := strings.TrimSuffix(symbol, "-SWAP")
	return strings.ReplaceAll(s, "-", "")
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		// Map specific Binance error codes to custom errors
		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Signature for this request is not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014: // API-key format invalid
			mappedErr = ports.ErrInvalidAPIKeys
		case -2015: // Invalid API-key, IP, or permissions for action
			mappedErr = ports.ErrInvalidAPIKeys
		case -2019: // Margin is insufficient
			mappedErr = ports.ErrInsufficientFunds
		case -2022: // ReduceOnly Order is rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -3005: // Insufficient balance
			mappedErr = ports.ErrInsufficientFunds
		case -4003: // Qty not within permissible range
			mappedErr = ports.ErrInvalidRequest
		case -4014: // Price not within permissible range
			mappedErr = ports.ErrInvalidRequest
		case -4015: // Leverage is not valid
			mappedErr = ports.ErrInvalidRequest
		case -4044: // Position not found
			mappedErr = ports.ErrPositionNotFound
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// SetHedgeMode switches the account to dual-side position mode. Binance
// rejects a redundant change with code -4059, which counts as success.
func (c *Client) SetHedgeMode(ctx context.Context) error {
	op := "SetHedgeMode"
	if !c.configured {
		return ports.ErrNotConfigured
	}
	err := c.futuresClient.NewChangePositionModeService().DualSide(true).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -4059 { // No need to change position side
			c.logger.Debug(ctx, op+": hedge mode already set")
			return nil
		}
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful")
	return nil
}

// SetLeverage sets the leverage for a symbol. Binance applies leverage
// per symbol, not per position side, so the side argument only shows up in
// logs.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int, positionSide domain.PositionSide) error {
	op := "SetLeverage"
	if !c.configured {
		return ports.ErrNotConfigured
	}
	_, err := c.futuresClient.NewChangeLeverageService().
		Symbol(toBinanceSymbol(symbol)).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage, "posSide": positionSide})
	return nil
}

// GetPrice retrieves the last ticker price for a given symbol.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetPrice"
	if !c.configured {
		return 0, ports.ErrNotConfigured
	}
	tickers, err := c.futuresClient.NewListPriceChangeStatsService().Symbol(toBinanceSymbol(symbol)).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		err := fmt.Errorf("no ticker data returned for symbol %s: %w", symbol, ports.ErrPriceUnavailable)
		return 0, c.handleError(ctx, err, op)
	}

	price, err := strconv.ParseFloat(tickers[0].LastPrice, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", tickers[0].LastPrice, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// GetBalance retrieves the available balance for a specific asset (e.g., "USDT").
func (c *Client) GetBalance(ctx context.Context, asset string) (float64, error) {
	op := "GetBalance"
	if !c.configured {
		return 0, ports.ErrNotConfigured
	}
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}

	for _, bal := range account.Assets {
		if bal.Asset == asset {
			balance, err := strconv.ParseFloat(bal.AvailableBalance, 64)
			if err != nil {
				parseErr := fmt.Errorf("could not parse balance '%s' for asset %s: %w", bal.AvailableBalance, asset, err)
				return 0, c.handleError(ctx, parseErr, op)
			}
			return balance, nil
		}
	}
	return 0, nil // Asset absent from the account reads as zero
}

// GetPosition retrieves one hedge-mode position leg. A flat or absent leg
// returns nil, nil.
func (c *Client) GetPosition(ctx context.Context, symbol string, positionSide domain.PositionSide) (*ports.ExchangePosition, error) {
	op := "GetPosition"
	if !c.configured {
		return nil, ports.ErrNotConfigured
	}
	positions, err := c.futuresClient.NewGetPositionRiskService().Symbol(toBinanceSymbol(symbol)).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	want := strings.ToUpper(string(positionSide))
	for _, p := range positions {
		if p.PositionSide != want {
			continue
		}
		pos := translatePosition(p, symbol)
		if pos.Quantity == 0 {
			return nil, nil // Flat counts as no position
		}
		return pos, nil
	}
	return nil, nil
}

// GetAllPositions retrieves every nonzero position account-wide.
func (c *Client) GetAllPositions(ctx context.Context) ([]*ports.ExchangePosition, error) {
	op := "GetAllPositions"
	if !c.configured {
		return nil, ports.ErrNotConfigured
	}
	positions, err := c.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	out := make([]*ports.ExchangePosition, 0, len(positions))
	for _, p := range positions {
		pos := translatePosition(p, p.Symbol)
		if pos.Quantity == 0 {
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}

// PlaceMarketOrder opens or adds to a position at market.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity float64, positionSide domain.PositionSide) (*ports.OrderResponse, error) {
	op := "PlaceMarketOrder"
	if !c.configured {
		return nil, ports.ErrNotConfigured
	}

	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(toBinanceSymbol(symbol)).
		Side(futures.SideType(side)).
		PositionSide(futures.PositionSideType(strings.ToUpper(string(positionSide)))).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(quantity, 'f', -1, 64)).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateOrderResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "side": side, "posSide": positionSide, "quantity": quantity, "orderID": resp.OrderID})
	return resp, nil
}

// PlaceConditionalOrder places a protective order that closes the position leg
// at market once triggerPrice is crossed. Whether it lands as TAKE_PROFIT_MARKET
// or STOP_MARKET depends on which side of the current price the trigger sits:
// a sell trigger above market is profit-taking, below market is a stop.
func (c *Client) PlaceConditionalOrder(ctx context.Context, symbol string, closeSide domain.OrderSide, positionSide domain.PositionSide, quantity float64, triggerPrice float64) (string, error) {
	op := "PlaceConditionalOrder"
	if !c.configured {
		return "", ports.ErrNotConfigured
	}

	marketPrice, err := c.GetPrice(ctx, symbol)
	if err != nil {
		return "", err
	}

	orderType := futures.OrderTypeStopMarket
	if (closeSide == domain.Sell && triggerPrice > marketPrice) ||
		(closeSide == domain.Buy && triggerPrice < marketPrice) {
		orderType = futures.OrderTypeTakeProfitMarket
	}

	tickSz, err := c.GetTickSize(ctx, symbol)
	if err != nil {
		return "", err
	}

	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(toBinanceSymbol(symbol)).
		Side(futures.SideType(closeSide)).
		PositionSide(futures.PositionSideType(strings.ToUpper(string(positionSide)))).
		Type(orderType).
		StopPrice(formatToTick(triggerPrice, tickSz)).
		ClosePosition(true).
		Do(ctx)
	if err != nil {
		return "", c.handleError(ctx, err, op)
	}

	orderID := strconv.FormatInt(order.OrderID, 10)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": symbol, "side": closeSide, "posSide": positionSide,
		"type": orderType, "triggerPrice": triggerPrice, "orderID": orderID,
	})
	return orderID, nil
}

// ListConditionalOrders lists live trigger-style open orders for a symbol, or
// account-wide when symbol is empty.
func (c *Client) ListConditionalOrders(ctx context.Context, symbol string) ([]*ports.ConditionalOrder, error) {
	op := "ListConditionalOrders"
	if !c.configured {
		return nil, ports.ErrNotConfigured
	}

	svc := c.futuresClient.NewListOpenOrdersService()
	if symbol != "" {
		svc.Symbol(toBinanceSymbol(symbol))
	}
	orders, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	out := make([]*ports.ConditionalOrder, 0, len(orders))
	for _, o := range orders {
		var ordType domain.ConditionalOrderType
		switch o.Type {
		case futures.OrderTypeStopMarket, futures.OrderTypeTakeProfitMarket:
			ordType = domain.OrderTypeTrigger
		case futures.OrderTypeStop, futures.OrderTypeTakeProfit:
			ordType = domain.OrderTypeConditional
		default:
			continue // Plain limit/market orders are not conditional
		}
		triggerPx, _ := strconv.ParseFloat(o.StopPrice, 64)
		qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
		out = append(out, &ports.ConditionalOrder{
			OrderID:      strconv.FormatInt(o.OrderID, 10),
			Symbol:       o.Symbol,
			PositionSide: domain.PositionSide(strings.ToLower(string(o.PositionSide))),
			Side:         domain.OrderSide(o.Side),
			Type:         ordType,
			TriggerPrice: triggerPx,
			Quantity:     qty,
			Live:         o.Status == futures.OrderStatusTypeNew,
		})
	}
	return out, nil
}

// CancelConditionalOrder cancels an open order by id.
func (c *Client) CancelConditionalOrder(ctx context.Context, symbol string, orderID string) error {
	op := "CancelConditionalOrder"
	if !c.configured {
		return ports.ErrNotConfigured
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, ports.ErrInvalidRequest)
	}

	_, err = c.futuresClient.NewCancelOrderService().
		Symbol(toBinanceSymbol(symbol)).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	return nil
}

// ClosePositionMarket closes quantity contracts of a position leg at market.
// In hedge mode an order on the opposite side of the position leg always
// reduces it, so no reduce-only flag is needed.
func (c *Client) ClosePositionMarket(ctx context.Context, symbol string, closeSide domain.OrderSide, quantity float64, positionSide domain.PositionSide) error {
	op := "ClosePositionMarket"
	if !c.configured {
		return ports.ErrNotConfigured
	}

	_, err := c.futuresClient.NewCreateOrderService().
		Symbol(toBinanceSymbol(symbol)).
		Side(futures.SideType(closeSide)).
		PositionSide(futures.PositionSideType(strings.ToUpper(string(positionSide)))).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(quantity, 'f', -1, 64)).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "posSide": positionSide, "quantity": quantity})
	return nil
}

// --- Instrument metadata ---

// GetContractValue returns the base-asset value of one contract. Binance
// futures quantities are denominated directly in the base asset.
func (c *Client) GetContractValue(ctx context.Context, symbol string) (float64, error) {
	return 1, nil
}

// GetLotSize returns the quantity step for a symbol.
func (c *Client) GetLotSize(ctx context.Context, symbol string) (float64, error) {
	inst, err := c.getInstrument(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return inst.LotSz, nil
}

// GetTickSize returns the price step for a symbol as a decimal string.
func (c *Client) GetTickSize(ctx context.Context, symbol string) (string, error) {
	inst, err := c.getInstrument(ctx, symbol)
	if err != nil {
		return "", err
	}
	return inst.TickSz, nil
}

// getInstrument loads and caches lot/tick filters from exchange info.
func (c *Client) getInstrument(ctx context.Context, symbol string) (*instrument, error) {
	op := "GetInstrument"
	if !c.configured {
		return nil, ports.ErrNotConfigured
	}
	binanceSymbol := toBinanceSymbol(symbol)

	c.mu.RLock()
	inst, ok := c.instruments[binanceSymbol]
	c.mu.RUnlock()
	if ok {
		return inst, nil
	}

	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	for _, s := range info.Symbols {
		if s.Symbol != binanceSymbol {
			continue
		}
		inst = &instrument{}
		if f := s.LotSizeFilter(); f != nil {
			inst.LotSz, _ = strconv.ParseFloat(f.StepSize, 64)
		}
		if f := s.PriceFilter(); f != nil {
			inst.TickSz = f.TickSize
		}
		if inst.LotSz <= 0 || inst.TickSz == "" {
			return nil, fmt.Errorf("incomplete filters for symbol %s: %w", symbol, ports.ErrUnknown)
		}
		c.mu.Lock()
		c.instruments[binanceSymbol] = inst
		c.mu.Unlock()
		return inst, nil
	}
	return nil, fmt.Errorf("symbol %s not found in exchange info: %w", symbol, ports.ErrNotFound)
}

// formatToTick renders a stop price with the tick size's decimal places.
func formatToTick(price float64, tickSize string) string {
	places := 0
	if i := strings.IndexByte(tickSize, '.'); i >= 0 {
		places = len(strings.TrimRight(tickSize[i+1:], "0"))
	}
	return strconv.FormatFloat(price, 'f', places, 64)
}

// --- Translation Helpers ---

func translatePosition(p *futures.PositionRisk, symbol string) *ports.ExchangePosition {
	qty, _ := strconv.ParseFloat(p.PositionAmt, 64)
	if qty < 0 {
		qty = -qty
	}
	entryPrice, _ := strconv.ParseFloat(p.EntryPrice, 64)
	markPrice, _ := strconv.ParseFloat(p.MarkPrice, 64)
	unProfit, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
	leverage, _ := strconv.Atoi(p.Leverage)

	return &ports.ExchangePosition{
		Symbol:             symbol,
		PositionSide:       domain.PositionSide(strings.ToLower(p.PositionSide)),
		Quantity:           qty,
		EntryPrice:         entryPrice,
		MarkPrice:          markPrice,
		UnrealizedPnl:      unProfit,
		Leverage:           leverage,
		ExchangePositionID: p.Symbol + "-" + strings.ToLower(p.PositionSide),
	}
}

func translateOrderResponse(order *futures.CreateOrderResponse) *ports.OrderResponse {
	if order == nil {
		return nil
	}
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &ports.OrderResponse{
		OrderID:       strconv.FormatInt(order.OrderID, 10),
		Symbol:        order.Symbol,
		ClientOrderID: order.ClientOrderID,
		AvgPrice:      avgPrice,
		ExecutedQty:   execQty,
		Status:        string(order.Status),
		Timestamp:     time.UnixMilli(order.UpdateTime),
	}
}
