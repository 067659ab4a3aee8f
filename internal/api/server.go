// Package api exposes the dashboard HTTP interface: position CRUD, manual
// close, settings, prices, balance and scheduler control.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"futuresPositionBot/config"
	"futuresPositionBot/internal/app"
	"futuresPositionBot/internal/ports"
)

// Server is the dashboard HTTP server. All mutating trade actions go through
// the TradingService; the Monitor is only started and stopped here, never
// implicitly.
type Server struct {
	cfg      *config.Config
	logger   ports.Logger
	service  *app.TradingService
	monitor  *app.Monitor
	exchange ports.ExchangeClient
	posRepo  ports.PositionRepository
	settings ports.SettingsRepository

	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates the dashboard server with all routes registered.
func NewServer(
	cfg *config.Config,
	logger ports.Logger,
	service *app.TradingService,
	monitor *app.Monitor,
	exchange ports.ExchangeClient,
	posRepo ports.PositionRepository,
	settings ports.SettingsRepository,
) (*Server, error) {
	if cfg == nil || logger == nil || service == nil || monitor == nil || exchange == nil || posRepo == nil || settings == nil {
		return nil, fmt.Errorf("missing required dependencies for api server")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		service:  service,
		monitor:  monitor,
		exchange: exchange,
		posRepo:  posRepo,
		settings: settings,
		router:   router,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)

		api.GET("/positions", s.handleListPositions)
		api.POST("/positions", s.handleOpenPosition)
		api.POST("/positions/:id/close", s.handleClosePosition)
		api.DELETE("/positions/:id", s.handleDeletePosition)
		api.PUT("/positions/:id/orders-disabled", s.handleSetOrdersDisabled)

		api.GET("/orders", s.handleListOrders)
		api.GET("/price/:symbol", s.handleGetPrice)
		api.GET("/balance", s.handleGetBalance)

		api.GET("/settings", s.handleGetSettings)
		api.PUT("/settings", s.handleUpdateSettings)

		api.GET("/monitor", s.handleMonitorStatus)
		api.POST("/monitor/start", s.handleMonitorStart)
		api.POST("/monitor/stop", s.handleMonitorStop)
	}
}

// Handler returns the underlying HTTP handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.APIHost, s.cfg.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info(context.Background(), "API server listening", map[string]interface{}{"addr": addr})
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// errorResponse sends a failure payload, translating sentinel errors into
// HTTP status codes.
func errorResponse(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ports.ErrInvalidRequest), errors.Is(err, ports.ErrInvalidTriggerPrice),
		errors.Is(err, ports.ErrQuantityBelowMinimum):
		status = http.StatusBadRequest
	case errors.Is(err, ports.ErrNotFound), errors.Is(err, ports.ErrOrderNotFound),
		errors.Is(err, ports.ErrPositionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ports.ErrDuplicateEntry), errors.Is(err, ports.ErrPositionAlreadyClosed),
		errors.Is(err, ports.ErrPositionStillOpen):
		status = http.StatusConflict
	case errors.Is(err, ports.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ports.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, ports.ErrTimeout), errors.Is(err, ports.ErrExchangeUnavailable),
		errors.Is(err, ports.ErrConnectionFailed):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": true, "message": err.Error()})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}
