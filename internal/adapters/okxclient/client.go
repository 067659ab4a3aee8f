// Package okxclient adapts the OKX v5 REST API to the ports.ExchangeClient
// interface. All trading endpoints are signed; demo-trading accounts are
// supported via the x-simulated-trading header.
package okxclient

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"futuresPositionBot/internal/calc"
	"futuresPositionBot/internal/domain"
	"futuresPositionBot/internal/ports"
)

const (
	baseURL         = "https://www.okx.com"
	timestampFormat = "2006-01-02T15:04:05.000Z"
	marginMode      = "cross"
)

// Client implements ports.ExchangeClient for OKX perpetual swaps.
type Client struct {
	http       *resty.Client
	apiKey     string
	apiSecret  string
	passphrase string
	demo       bool
	logger     ports.Logger

	mu          sync.RWMutex
	instruments map[string]*instrument // keyed by instId
}

// Config holds configuration for the OKX client.
type Config struct {
	APIKey     string
	APISecret  string
	Passphrase string
	Demo       bool
	Logger     ports.Logger
	BaseURL    string // optional override, used by tests
}

type instrument struct {
	CtVal  float64
	LotSz  float64
	TickSz string
}

// apiResponse is the OKX v5 envelope. Code "0" means success.
type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// New creates a new OKX client. Missing credentials are not an error: the
// client is created unconfigured and every call returns ErrNotConfigured until
// keys are supplied.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for OKX client")
	}
	url := cfg.BaseURL
	if url == "" {
		url = baseURL
	}

	http := resty.New().
		SetBaseURL(url).
		SetTimeout(15 * time.Second).
		SetHeader("Content-Type", "application/json")

	c := &Client{
		http:        http,
		apiKey:      cfg.APIKey,
		apiSecret:   cfg.APISecret,
		passphrase:  cfg.Passphrase,
		demo:        cfg.Demo,
		logger:      cfg.Logger,
		instruments: make(map[string]*instrument),
	}
	if !c.IsConfigured() {
		cfg.Logger.Warn(context.Background(), "OKX credentials not configured, exchange calls will no-op")
	}
	return c, nil
}

// IsConfigured reports whether API credentials are present.
func (c *Client) IsConfigured() bool {
	return c.apiKey != "" && c.apiSecret != "" && c.passphrase != ""
}

// ToInstID converts a spot-style symbol ("BTC-USDT", "BTCUSDT" is not
// supported) into the OKX perpetual-swap instrument id ("BTC-USDT-SWAP").
// Symbols already carrying the -SWAP suffix pass through unchanged.
func ToInstID(symbol string) string {
	if strings.HasSuffix(symbol, "-SWAP") {
		return symbol
	}
	return symbol + "-SWAP"
}

// sign computes the OK-ACCESS-SIGN header value.
func (c *Client) sign(timestamp, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// do issues a signed request and unwraps the OKX envelope into result.
// requestPath must include the query string; body is the raw JSON payload or
// empty for GET requests.
func (c *Client) do(ctx context.Context, method, requestPath string, payload interface{}, result interface{}) error {
	if !c.IsConfigured() {
		return ports.ErrNotConfigured
	}

	var body string
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request payload: %w", err)
		}
		body = string(raw)
	}

	timestamp := time.Now().UTC().Format(timestampFormat)
	req := c.http.R().
		SetContext(ctx).
		SetHeader("OK-ACCESS-KEY", c.apiKey).
		SetHeader("OK-ACCESS-SIGN", c.sign(timestamp, method, requestPath, body)).
		SetHeader("OK-ACCESS-TIMESTAMP", timestamp).
		SetHeader("OK-ACCESS-PASSPHRASE", c.passphrase)
	if c.demo {
		req.SetHeader("x-simulated-trading", "1")
	}
	if body != "" {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, requestPath)
	if err != nil {
		return fmt.Errorf("OKX request %s %s failed: %w", method, requestPath, c.wrapTransportError(err))
	}

	var envelope apiResponse
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return fmt.Errorf("failed to decode OKX response for %s: %w", requestPath, err)
	}
	if envelope.Code != "0" {
		return fmt.Errorf("OKX API error on %s (code %s): %s: %w",
			requestPath, envelope.Code, envelope.Msg, c.mapAPIError(envelope.Code))
	}
	if result != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return fmt.Errorf("failed to decode OKX data for %s: %w", requestPath, err)
		}
	}
	return nil
}

func (c *Client) wrapTransportError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case strings.Contains(err.Error(), "context canceled"):
		return ports.ErrContextCanceled
	case strings.Contains(err.Error(), "deadline exceeded"):
		return ports.ErrTimeout
	default:
		return ports.ErrConnectionFailed
	}
}

// mapAPIError maps OKX error codes onto the standard port errors.
func (c *Client) mapAPIError(code string) error {
	switch code {
	case "50102": // timestamp expired
		return ports.ErrTimeout
	case "50111", "50113": // invalid key / invalid signature
		return ports.ErrAuthenticationFailed
	case "50114": // invalid IP
		return ports.ErrInvalidAPIKeys
	case "50011": // rate limit
		return ports.ErrRateLimited
	case "51008", "51131": // insufficient balance / margin
		return ports.ErrInsufficientFunds
	case "51603", "51400": // order does not exist / already canceled
		return ports.ErrOrderNotFound
	default:
		return ports.ErrUnknown
	}
}

// --- Account setup ---

// SetHedgeMode switches the account to long/short (hedge) position mode.
// OKX rejects the call with code 59000 while positions are open; the account
// being already in hedge mode is treated as success.
func (c *Client) SetHedgeMode(ctx context.Context) error {
	payload := map[string]string{"posMode": "long_short_mode"}
	err := c.do(ctx, "POST", "/api/v5/account/set-position-mode", payload, nil)
	if err != nil && strings.Contains(err.Error(), "code 59000") {
		// Mode change rejected because positions/orders exist; the account is
		// necessarily already in hedge mode for those to be held.
		c.logger.Debug(ctx, "Hedge mode change rejected, assuming already set")
		return nil
	}
	return err
}

// SetLeverage sets cross-margin leverage for one position side of a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int, positionSide domain.PositionSide) error {
	payload := map[string]string{
		"instId":  ToInstID(symbol),
		"lever":   strconv.Itoa(leverage),
		"mgnMode": marginMode,
		"posSide": string(positionSide),
	}
	if err := c.do(ctx, "POST", "/api/v5/account/set-leverage", payload, nil); err != nil {
		return fmt.Errorf("failed to set leverage %dx for %s %s: %w", leverage, symbol, positionSide, err)
	}
	return nil
}

// --- Market data ---

// GetPrice retrieves the last traded price for a symbol.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	var data []struct {
		Last string `json:"last"`
	}
	path := "/api/v5/market/ticker?instId=" + ToInstID(symbol)
	if err := c.do(ctx, "GET", path, nil, &data); err != nil {
		return 0, fmt.Errorf("failed to get price for %s: %w", symbol, err)
	}
	if len(data) == 0 || data[0].Last == "" {
		return 0, fmt.Errorf("empty ticker for %s: %w", symbol, ports.ErrPriceUnavailable)
	}
	price, err := strconv.ParseFloat(data[0].Last, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("unparseable ticker price %q for %s: %w", data[0].Last, symbol, ports.ErrPriceUnavailable)
	}
	return price, nil
}

// GetBalance retrieves the available balance for an asset.
func (c *Client) GetBalance(ctx context.Context, asset string) (float64, error) {
	var data []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
		} `json:"details"`
	}
	path := "/api/v5/account/balance?ccy=" + asset
	if err := c.do(ctx, "GET", path, nil, &data); err != nil {
		return 0, fmt.Errorf("failed to get %s balance: %w", asset, err)
	}
	for _, acct := range data {
		for _, d := range acct.Details {
			if d.Ccy == asset {
				bal, err := strconv.ParseFloat(d.AvailBal, 64)
				if err != nil {
					return 0, fmt.Errorf("unparseable balance %q for %s: %w", d.AvailBal, asset, ports.ErrUnknown)
				}
				return bal, nil
			}
		}
	}
	return 0, nil // No entry means zero balance, not an error
}

// --- Positions ---

type okxPosition struct {
	InstID  string `json:"instId"`
	PosSide string `json:"posSide"`
	Pos     string `json:"pos"`
	AvgPx   string `json:"avgPx"`
	MarkPx  string `json:"markPx"`
	Upl     string `json:"upl"`
	Lever   string `json:"lever"`
	PosID   string `json:"posId"`
}

func (p *okxPosition) toPort() *ports.ExchangePosition {
	qty, _ := strconv.ParseFloat(p.Pos, 64)
	if qty < 0 {
		qty = -qty
	}
	avg, _ := strconv.ParseFloat(p.AvgPx, 64)
	mark, _ := strconv.ParseFloat(p.MarkPx, 64)
	upl, _ := strconv.ParseFloat(p.Upl, 64)
	lever, _ := strconv.Atoi(p.Lever)
	return &ports.ExchangePosition{
		Symbol:             p.InstID,
		PositionSide:       domain.PositionSide(p.PosSide),
		Quantity:           qty,
		EntryPrice:         avg,
		MarkPrice:          mark,
		UnrealizedPnl:      upl,
		Leverage:           lever,
		ExchangePositionID: p.PosID,
	}
}

// GetPosition retrieves one hedge-mode position leg. A flat or absent leg
// returns nil, nil.
func (c *Client) GetPosition(ctx context.Context, symbol string, positionSide domain.PositionSide) (*ports.ExchangePosition, error) {
	var data []okxPosition
	path := "/api/v5/account/positions?instType=SWAP&instId=" + ToInstID(symbol)
	if err := c.do(ctx, "GET", path, nil, &data); err != nil {
		return nil, fmt.Errorf("failed to get position for %s %s: %w", symbol, positionSide, err)
	}
	for i := range data {
		p := &data[i]
		if p.PosSide != string(positionSide) {
			continue
		}
		pos := p.toPort()
		if pos.Quantity == 0 {
			return nil, nil // Flat counts as no position
		}
		return pos, nil
	}
	return nil, nil
}

// GetAllPositions retrieves every nonzero swap position account-wide.
func (c *Client) GetAllPositions(ctx context.Context) ([]*ports.ExchangePosition, error) {
	var data []okxPosition
	if err := c.do(ctx, "GET", "/api/v5/account/positions?instType=SWAP", nil, &data); err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}
	positions := make([]*ports.ExchangePosition, 0, len(data))
	for i := range data {
		pos := data[i].toPort()
		if pos.Quantity == 0 {
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// --- Orders ---

type orderResult struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

// newClientOrderID generates an OKX-safe (alphanumeric, 32 chars) client
// order id.
func newClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// PlaceMarketOrder opens or adds to a position at market. Quantity is in
// contracts.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity float64, positionSide domain.PositionSide) (*ports.OrderResponse, error) {
	clOrdID := newClientOrderID()
	payload := map[string]string{
		"instId":  ToInstID(symbol),
		"tdMode":  marginMode,
		"side":    strings.ToLower(string(side)),
		"posSide": string(positionSide),
		"ordType": "market",
		"sz":      strconv.FormatFloat(quantity, 'f', -1, 64),
		"clOrdId": clOrdID,
	}

	var data []orderResult
	if err := c.do(ctx, "POST", "/api/v5/trade/order", payload, &data); err != nil {
		return nil, fmt.Errorf("failed to place market %s %f %s: %w", side, quantity, symbol, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty order response for %s: %w", symbol, ports.ErrOrderPlacementFailed)
	}
	if data[0].SCode != "" && data[0].SCode != "0" {
		return nil, fmt.Errorf("order rejected for %s (sCode %s): %s: %w",
			symbol, data[0].SCode, data[0].SMsg, c.mapAPIError(data[0].SCode))
	}

	c.logger.Info(ctx, "Market order placed", map[string]interface{}{
		"symbol": symbol, "side": side, "posSide": positionSide, "quantity": quantity, "orderID": data[0].OrdID,
	})
	return &ports.OrderResponse{
		OrderID:       data[0].OrdID,
		Symbol:        symbol,
		ClientOrderID: clOrdID,
		ExecutedQty:   quantity,
		Status:        "NEW",
		Timestamp:     time.Now(),
	}, nil
}

// PlaceConditionalOrder places a trigger order that fires a market order
// (orderPx -1) once the trigger price is crossed.
func (c *Client) PlaceConditionalOrder(ctx context.Context, symbol string, closeSide domain.OrderSide, positionSide domain.PositionSide, quantity float64, triggerPrice float64) (string, error) {
	tickSz, err := c.GetTickSize(ctx, symbol)
	if err != nil {
		return "", err
	}

	payload := map[string]string{
		"instId":    ToInstID(symbol),
		"tdMode":    marginMode,
		"side":      strings.ToLower(string(closeSide)),
		"posSide":   string(positionSide),
		"ordType":   string(domain.OrderTypeTrigger),
		"sz":        strconv.FormatFloat(quantity, 'f', -1, 64),
		"triggerPx": calc.FormatPrice(triggerPrice, tickSz),
		"orderPx":   "-1", // Execute as market when triggered
	}

	var data []struct {
		AlgoID string `json:"algoId"`
		SCode  string `json:"sCode"`
		SMsg   string `json:"sMsg"`
	}
	if err := c.do(ctx, "POST", "/api/v5/trade/order-algo", payload, &data); err != nil {
		return "", fmt.Errorf("failed to place trigger order for %s at %f: %w", symbol, triggerPrice, err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty algo order response for %s: %w", symbol, ports.ErrOrderPlacementFailed)
	}
	if data[0].SCode != "" && data[0].SCode != "0" {
		return "", fmt.Errorf("trigger order rejected for %s (sCode %s): %s: %w",
			symbol, data[0].SCode, data[0].SMsg, c.mapAPIError(data[0].SCode))
	}

	c.logger.Info(ctx, "Trigger order placed", map[string]interface{}{
		"symbol": symbol, "side": closeSide, "posSide": positionSide,
		"quantity": quantity, "triggerPrice": triggerPrice, "orderID": data[0].AlgoID,
	})
	return data[0].AlgoID, nil
}

// ListConditionalOrders lists live algo orders across every subtype. OKX
// requires one query per ordType, so the subtypes are fetched sequentially.
func (c *Client) ListConditionalOrders(ctx context.Context, symbol string) ([]*ports.ConditionalOrder, error) {
	orders := make([]*ports.ConditionalOrder, 0)
	for _, ordType := range domain.ConditionalOrderTypes {
		path := "/api/v5/trade/orders-algo-pending?instType=SWAP&ordType=" + string(ordType)
		if symbol != "" {
			path += "&instId=" + ToInstID(symbol)
		}

		var data []struct {
			AlgoID    string `json:"algoId"`
			InstID    string `json:"instId"`
			PosSide   string `json:"posSide"`
			Side      string `json:"side"`
			TriggerPx string `json:"triggerPx"`
			Sz        string `json:"sz"`
			State     string `json:"state"`
		}
		if err := c.do(ctx, "GET", path, nil, &data); err != nil {
			return nil, fmt.Errorf("failed to list %s orders: %w", ordType, err)
		}
		for _, o := range data {
			triggerPx, _ := strconv.ParseFloat(o.TriggerPx, 64)
			qty, _ := strconv.ParseFloat(o.Sz, 64)
			orders = append(orders, &ports.ConditionalOrder{
				OrderID:      o.AlgoID,
				Symbol:       o.InstID,
				PositionSide: domain.PositionSide(o.PosSide),
				Side:         domain.OrderSide(strings.ToUpper(o.Side)),
				Type:         ordType,
				TriggerPrice: triggerPx,
				Quantity:     qty,
				Live:         o.State == "live",
			})
		}
	}
	return orders, nil
}

// CancelConditionalOrder cancels a live algo order by id.
func (c *Client) CancelConditionalOrder(ctx context.Context, symbol string, orderID string) error {
	payload := []map[string]string{{
		"algoId": orderID,
		"instId": ToInstID(symbol),
	}}

	var data []struct {
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := c.do(ctx, "POST", "/api/v5/trade/cancel-algos", payload, &data); err != nil {
		return fmt.Errorf("failed to cancel order %s on %s: %w", orderID, symbol, err)
	}
	if len(data) > 0 && data[0].SCode != "" && data[0].SCode != "0" {
		return fmt.Errorf("cancel rejected for order %s (sCode %s): %s: %w",
			orderID, data[0].SCode, data[0].SMsg, c.mapAPIError(data[0].SCode))
	}
	c.logger.Info(ctx, "Conditional order canceled", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	return nil
}

// ClosePositionMarket closes quantity contracts of a position leg at market
// with a reduce-only order, so it can never flip the position.
func (c *Client) ClosePositionMarket(ctx context.Context, symbol string, closeSide domain.OrderSide, quantity float64, positionSide domain.PositionSide) error {
	payload := map[string]string{
		"instId":     ToInstID(symbol),
		"tdMode":     marginMode,
		"side":       strings.ToLower(string(closeSide)),
		"posSide":    string(positionSide),
		"ordType":    "market",
		"sz":         strconv.FormatFloat(quantity, 'f', -1, 64),
		"reduceOnly": "true",
		"clOrdId":    newClientOrderID(),
	}

	var data []orderResult
	if err := c.do(ctx, "POST", "/api/v5/trade/order", payload, &data); err != nil {
		return fmt.Errorf("failed to close %f %s %s at market: %w", quantity, symbol, positionSide, err)
	}
	if len(data) > 0 && data[0].SCode != "" && data[0].SCode != "0" {
		return fmt.Errorf("close order rejected for %s (sCode %s): %s: %w",
			symbol, data[0].SCode, data[0].SMsg, c.mapAPIError(data[0].SCode))
	}
	c.logger.Info(ctx, "Position closed at market", map[string]interface{}{
		"symbol": symbol, "posSide": positionSide, "quantity": quantity,
	})
	return nil
}

// --- Instrument metadata ---

// getInstrument loads and caches contract metadata for a symbol. Contract
// value, lot size and tick size are static per instrument, so one fetch per
// process lifetime suffices.
func (c *Client) getInstrument(ctx context.Context, symbol string) (*instrument, error) {
	instID := ToInstID(symbol)

	c.mu.RLock()
	inst, ok := c.instruments[instID]
	c.mu.RUnlock()
	if ok {
		return inst, nil
	}

	var data []struct {
		InstID string `json:"instId"`
		CtVal  string `json:"ctVal"`
		LotSz  string `json:"lotSz"`
		TickSz string `json:"tickSz"`
	}
	path := "/api/v5/public/instruments?instType=SWAP&instId=" + instID
	if err := c.do(ctx, "GET", path, nil, &data); err != nil {
		return nil, fmt.Errorf("failed to get instrument %s: %w", instID, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("instrument %s not found: %w", instID, ports.ErrNotFound)
	}

	ctVal, err := strconv.ParseFloat(data[0].CtVal, 64)
	if err != nil || ctVal <= 0 {
		return nil, fmt.Errorf("unparseable contract value %q for %s: %w", data[0].CtVal, instID, ports.ErrUnknown)
	}
	lotSz, err := strconv.ParseFloat(data[0].LotSz, 64)
	if err != nil || lotSz <= 0 {
		return nil, fmt.Errorf("unparseable lot size %q for %s: %w", data[0].LotSz, instID, ports.ErrUnknown)
	}

	inst = &instrument{CtVal: ctVal, LotSz: lotSz, TickSz: data[0].TickSz}
	c.mu.Lock()
	c.instruments[instID] = inst
	c.mu.Unlock()
	return inst, nil
}

// GetContractValue returns the base-asset value of one contract.
func (c *Client) GetContractValue(ctx context.Context, symbol string) (float64, error) {
	inst, err := c.getInstrument(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return inst.CtVal, nil
}

// GetLotSize returns the contract-quantity step for a symbol.
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
