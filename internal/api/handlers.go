package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"futuresPositionBot/internal/app"
	"futuresPositionBot/internal/domain"
	"futuresPositionBot/internal/ports"
)

// positionResponse is the dashboard-facing shape of a position row.
type positionResponse struct {
	ID                 int64               `json:"id"`
	Symbol             string              `json:"symbol"`
	Side               domain.Side         `json:"side"`
	AmountUSDT         float64             `json:"amount_usdt"`
	Leverage           int                 `json:"leverage"`
	PositionSide       domain.PositionSide `json:"position_side"`
	TPUsdt             float64             `json:"tp_usdt"`
	SLUsdt             float64             `json:"sl_usdt"`
	OriginalTPUsdt     float64             `json:"original_tp_usdt"`
	OriginalSLUsdt     float64             `json:"original_sl_usdt"`
	EntryPrice         float64             `json:"entry_price"`
	Quantity           float64             `json:"quantity"`
	EntryOrderID       *string             `json:"entry_order_id,omitempty"`
	ExchangePositionID *string             `json:"exchange_position_id,omitempty"`
	TPOrderID          *string             `json:"tp_order_id,omitempty"`
	SLOrderID          *string             `json:"sl_order_id,omitempty"`
	IsOpen             bool                `json:"is_open"`
	OrdersDisabled     bool                `json:"orders_disabled"`
	RecoveryCount      int                 `json:"recovery_count"`
	LastRecoveryAt     *time.Time          `json:"last_recovery_at,omitempty"`
	ReopenCount        int                 `json:"reopen_count"`
	ParentPositionID   *int64              `json:"parent_position_id,omitempty"`
	OpenedAt           time.Time           `json:"opened_at"`
	ClosedAt           *time.Time          `json:"closed_at,omitempty"`
	PendingReopenAt    *time.Time          `json:"pending_reopen_at,omitempty"`
	PNL                *float64            `json:"pnl,omitempty"`
	CloseReason        domain.CloseReason  `json:"close_reason,omitempty"`
}

func toPositionResponse(p *domain.Position) positionResponse {
	return positionResponse{
		ID:                 p.ID,
		Symbol:             p.Symbol,
		Side:               p.Side,
		AmountUSDT:         p.AmountUSDT,
		Leverage:           p.Leverage,
		PositionSide:       p.PositionSide,
		TPUsdt:             p.TPUsdt,
		SLUsdt:             p.SLUsdt,
		OriginalTPUsdt:     p.OriginalTPUsdt,
		OriginalSLUsdt:     p.OriginalSLUsdt,
		EntryPrice:         p.EntryPrice,
		Quantity:           p.Quantity,
		EntryOrderID:       p.EntryOrderID,
		ExchangePositionID: p.ExchangePositionID,
		TPOrderID:          p.TPOrderID,
		SLOrderID:          p.SLOrderID,
		IsOpen:             p.IsOpen,
		OrdersDisabled:     p.OrdersDisabled,
		RecoveryCount:      p.RecoveryCount,
		LastRecoveryAt:     p.LastRecoveryAt,
		ReopenCount:        p.ReopenCount,
		ParentPositionID:   p.ParentPositionID,
		OpenedAt:           p.OpenedAt,
		ClosedAt:           p.ClosedAt,
		PendingReopenAt:    p.PendingReopenAt,
		PNL:                p.PNL,
		CloseReason:        p.CloseReason,
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":              "ok",
		"exchange":            string(s.cfg.Exchange),
		"exchange_configured": s.exchange.IsConfigured(),
		"monitor_running":     s.monitor.Status().Running,
	})
}

// --- Positions ---

func (s *Server) handleListPositions(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		positions []*domain.Position
		err       error
	)
	if c.Query("open") == "true" {
		positions, err = s.posRepo.FindOpen(ctx)
	} else {
		positions, err = s.posRepo.FindAll(ctx)
	}
	if err != nil {
		errorResponse(c, err)
		return
	}

	out := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionResponse(p))
	}
	successResponse(c, out)
}

type openPositionBody struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	AmountUSDT float64 `json:"amount_usdt"`
	Leverage   int     `json:"leverage"`
	TPUsdt     float64 `json:"tp_usdt"`
	SLUsdt     float64 `json:"sl_usdt"`
}

func (s *Server) handleOpenPosition(c *gin.Context) {
	var body openPositionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, fmt.Errorf("invalid request body: %w", ports.ErrInvalidRequest))
		return
	}

	pos, err := s.service.OpenPosition(c.Request.Context(), app.OpenPositionRequest{
		Symbol:     body.Symbol,
		Side:       domain.Side(body.Side),
		AmountUSDT: body.AmountUSDT,
		Leverage:   body.Leverage,
		TPUsdt:     body.TPUsdt,
		SLUsdt:     body.SLUsdt,
	})
	if err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, toPositionResponse(pos))
}

func (s *Server) positionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		errorResponse(c, fmt.Errorf("invalid position id %q: %w", c.Param("id"), ports.ErrInvalidRequest))
		return 0, false
	}
	return id, true
}

func (s *Server) handleClosePosition(c *gin.Context) {
	id, ok := s.positionID(c)
	if !ok {
		return
	}
	pos, err := s.service.ClosePosition(c.Request.Context(), id)
	if err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, toPositionResponse(pos))
}

func (s *Server) handleDeletePosition(c *gin.Context) {
	id, ok := s.positionID(c)
	if !ok {
		return
	}
	if err := s.service.DeletePosition(c.Request.Context(), id); err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, gin.H{"deleted": id})
}

type ordersDisabledBody struct {
	Disabled *bool `json:"disabled"`
}

func (s *Server) handleSetOrdersDisabled(c *gin.Context) {
	id, ok := s.positionID(c)
	if !ok {
		return
	}
	var body ordersDisabledBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Disabled == nil {
		errorResponse(c, fmt.Errorf("body must contain a boolean \"disabled\" field: %w", ports.ErrInvalidRequest))
		return
	}
	pos, err := s.service.SetOrdersDisabled(c.Request.Context(), id, *body.Disabled)
	if err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, toPositionResponse(pos))
}

// --- Exchange views ---

type conditionalOrderResponse struct {
	OrderID      string                      `json:"order_id"`
	Symbol       string                      `json:"symbol"`
	PositionSide domain.PositionSide         `json:"position_side"`
	Side         domain.OrderSide            `json:"side"`
	Type         domain.ConditionalOrderType `json:"type"`
	TriggerPrice float64                     `json:"trigger_price"`
	Quantity     float64                     `json:"quantity"`
	Live         bool                        `json:"live"`
}

func (s *Server) handleListOrders(c *gin.Context) {
	orders, err := s.exchange.ListConditionalOrders(c.Request.Context(), c.Query("symbol"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	out := make([]conditionalOrderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, conditionalOrderResponse{
			OrderID:      o.OrderID,
			Symbol:       o.Symbol,
			PositionSide: o.PositionSide,
			Side:         o.Side,
			Type:         o.Type,
			TriggerPrice: o.TriggerPrice,
			Quantity:     o.Quantity,
			Live:         o.Live,
		})
	}
	successResponse(c, out)
}

func (s *Server) handleGetPrice(c *gin.Context) {
	symbol := c.Param("symbol")
	price, err := s.exchange.GetPrice(c.Request.Context(), symbol)
	if err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, gin.H{"symbol": symbol, "price": price})
}

func (s *Server) handleGetBalance(c *gin.Context) {
	asset := c.DefaultQuery("asset", "USDT")
	balance, err := s.exchange.GetBalance(c.Request.Context(), asset)
	if err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, gin.H{"asset": asset, "balance": balance})
}

// --- Settings ---

// settingKeys lists every key the dashboard may read or write.
func settingKeys() []string {
	keys := []string{
		domain.SettingRecoveryEnabled,
		domain.SettingAutoReopenDelayMinutes,
	}
	for i := 1; i <= domain.MaxRecoverySteps; i++ {
		keys = append(keys,
			fmt.Sprintf(domain.SettingRecoveryStepTrigger, i),
			fmt.Sprintf(domain.SettingRecoveryStepAdd, i),
			fmt.Sprintf(domain.SettingRecoveryStepTP, i),
			fmt.Sprintf(domain.SettingRecoveryStepSL, i),
		)
	}
	return keys
}

func (s *Server) handleGetSettings(c *gin.Context) {
	ctx := c.Request.Context()
	out := make(map[string]string)
	for _, key := range settingKeys() {
		value, err := s.settings.GetSetting(ctx, key)
		if err != nil {
			errorResponse(c, err)
			return
		}
		if value != "" {
			out[key] = value
		}
	}
	successResponse(c, out)
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	var body map[string]string
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, fmt.Errorf("invalid request body: %w", ports.ErrInvalidRequest))
		return
	}

	allowed := make(map[string]struct{})
	for _, key := range settingKeys() {
		allowed[key] = struct{}{}
	}
	for key := range body {
		if _, ok := allowed[key]; !ok {
			errorResponse(c, fmt.Errorf("unknown setting %q: %w", key, ports.ErrInvalidRequest))
			return
		}
	}

	ctx := c.Request.Context()
	for key, value := range body {
		if err := s.settings.SetSetting(ctx, key, value); err != nil {
			errorResponse(c, err)
			return
		}
	}
	s.logger.Info(ctx, "Settings updated", map[string]interface{}{"keys": len(body)})
	successResponse(c, gin.H{"updated": len(body)})
}

// --- Monitor control ---

func (s *Server) handleMonitorStatus(c *gin.Context) {
	successResponse(c, s.monitor.Status())
}

func (s *Server) handleMonitorStart(c *gin.Context) {
	if err := s.monitor.Start(c.Request.Context()); err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, s.monitor.Status())
}

func (s *Server) handleMonitorStop(c *gin.Context) {
	if err := s.monitor.Stop(c.Request.Context()); err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, s.monitor.Status())
}
