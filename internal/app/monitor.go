package app

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"futuresPositionBot/config"
	"futuresPositionBot/internal/domain"
	"futuresPositionBot/internal/ports"
	"futuresPositionBot/internal/recovery"
)

// Monitor is the reconciliation scheduler: five periodic jobs that keep the
// locally-recorded position state and the exchange-side state converged. It is
// started and stopped by explicit operator action, never implicitly.
type Monitor struct {
	cfg      *config.Config
	logger   ports.Logger
	exchange ports.ExchangeClient
	posRepo  ports.PositionRepository
	settings ports.SettingsRepository
	policy   *recovery.Policy

	jobs []*job

	// Lifecycle state.
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Reopen queue: closure-detection writes, the reopen job reads and
	// deletes. Keyed by position id, value is the observed closure time.
	reopenMu    sync.Mutex
	reopenQueue map[int64]time.Time

	// Positions currently mid-recovery, so two ticks cannot double-fire the
	// same step.
	recoveryMu sync.Mutex
	inRecovery map[int64]struct{}

	// Last unrealized PnL observed per open position, used to classify a
	// closure once the exchange reports the position gone.
	pnlMu   sync.Mutex
	lastPnl map[int64]float64
}

// job is one periodic reconciliation task. inFlight enforces coalescing: a
// tick that arrives while the previous run is still active is skipped.
type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
	inFlight atomic.Bool
}

// MonitorStatus is the operator-visible scheduler state.
type MonitorStatus struct {
	Running        bool `json:"running"`
	Workers        int  `json:"workers"`
	PendingReopens int  `json:"pending_reopens"`
}

// NewMonitor creates the reconciliation scheduler in the stopped state.
func NewMonitor(
	cfg *config.Config,
	logger ports.Logger,
	exchange ports.ExchangeClient,
	posRepo ports.PositionRepository,
	settings ports.SettingsRepository,
	policy *recovery.Policy,
) (*Monitor, error) {
	if cfg == nil || logger == nil || exchange == nil || posRepo == nil || settings == nil || policy == nil {
		return nil, fmt.Errorf("missing required dependencies for Monitor")
	}

	m := &Monitor{
		cfg:         cfg,
		logger:      logger,
		exchange:    exchange,
		posRepo:     posRepo,
		settings:    settings,
		policy:      policy,
		reopenQueue: make(map[int64]time.Time),
		inRecovery:  make(map[int64]struct{}),
		lastPnl:     make(map[int64]float64),
	}
	m.jobs = []*job{
		{name: "detect-exchange-closure", interval: cfg.ClosureCheckInterval, run: m.detectClosures},
		{name: "restore-protective-orders", interval: cfg.RestoreInterval, run: m.restoreProtectiveOrders},
		{name: "cancel-orphaned-orders", interval: cfg.OrphanSweepInterval, run: m.cancelOrphanedOrders},
		{name: "execute-recovery", interval: cfg.RecoveryInterval, run: m.executeRecovery},
		{name: "reopen-closed-positions", interval: cfg.ReopenInterval, run: m.reopenClosedPositions},
	}
	return m, nil
}

// Start launches the worker pool and job timers. Starting an already-running
// monitor is a no-op success.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.logger.Debug(ctx, "Monitor already running, start is a no-op")
		return nil
	}

	// Reseed the reopen queue from persisted pending-reopen timestamps so a
	// process restart does not lose reopen timers.
	pending, err := m.posRepo.FindPendingReopen(ctx)
	if err != nil {
		return fmt.Errorf("failed to reseed reopen queue: %w", err)
	}
	m.reopenMu.Lock()
	for _, pos := range pending {
		if pos.ClosedAt != nil {
			m.reopenQueue[pos.ID] = *pos.ClosedAt
		}
	}
	queued := len(m.reopenQueue)
	m.reopenMu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	tasks := make(chan *job)

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(runCtx, i, tasks)
	}
	for _, j := range m.jobs {
		m.wg.Add(1)
		go m.schedule(runCtx, j, tasks)
	}

	m.running = true
	m.logger.Info(ctx, "Monitor started", map[string]interface{}{
		"workers": m.cfg.Workers, "jobs": len(m.jobs), "reseededReopens": queued,
	})
	return nil
}

// Stop halts all jobs and waits for in-flight ticks to finish. Stopping an
// already-stopped monitor is a no-op.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		m.logger.Debug(ctx, "Monitor not running, stop is a no-op")
		return nil
	}
	m.cancel()
	m.wg.Wait()
	m.running = false
	m.logger.Info(ctx, "Monitor stopped")
	return nil
}

// Status reports the current scheduler state.
func (m *Monitor) Status() MonitorStatus {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	m.reopenMu.Lock()
	pending := len(m.reopenQueue)
	m.reopenMu.Unlock()
	return MonitorStatus{Running: running, Workers: m.cfg.Workers, PendingReopens: pending}
}

// schedule pushes the job onto the worker pool on every tick, skipping ticks
// while a previous run is still in flight.
func (m *Monitor) schedule(ctx context.Context, j *job, tasks chan<- *job) {
	defer m.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !j.inFlight.CompareAndSwap(false, true) {
				m.logger.Debug(ctx, "Job still running, skipping tick", map[string]interface{}{"job": j.name})
				continue
			}
			select {
			case tasks <- j:
			case <-ctx.Done():
				j.inFlight.Store(false)
				return
			}
		}
	}
}

// worker executes queued job ticks. Each tick gets its own timeout and panic
// recovery so one misbehaving tick cannot stall or kill the scheduler.
func (m *Monitor) worker(ctx context.Context, id int, tasks <-chan *job) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-tasks:
			m.runJob(ctx, j)
		}
	}
}

func (m *Monitor) runJob(ctx context.Context, j *job) {
	defer j.inFlight.Store(false)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error(ctx, fmt.Errorf("panic: %v", r), "Job tick panicked", map[string]interface{}{
				"job": j.name, "stack": string(debug.Stack()),
			})
		}
	}()

	tickCtx, cancel := context.WithTimeout(ctx, m.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	j.run(tickCtx)
	m.logger.Debug(ctx, "Job tick finished", map[string]interface{}{
		"job": j.name, "duration": time.Since(start).String(),
	})
}

// --- Closure transition ---

// observeClosure is the single owner of the open -> closed transition for
// exchange-detected closures: it marks the row closed, classifies the reason
// from the last observed unrealized PnL, stamps the reopen timestamp and
// enqueues the position for automatic reopening. Manual closes through the
// TradingService do not pass through here and are never enqueued.
func (m *Monitor) observeClosure(ctx context.Context, pos *domain.Position, reason domain.CloseReason, pnl *float64) {
	op := "observeClosure"
	now := time.Now().UTC()

	pos.IsOpen = false
	pos.ClosedAt = &now
	pos.PendingReopenAt = &now
	pos.PNL = pnl
	pos.CloseReason = reason
	pos.TPOrderID = nil
	pos.SLOrderID = nil
	if pos.OrdersDisabled {
		// The operator told the engine to leave this position alone; record the
		// closure but do not schedule a reopen.
		pos.PendingReopenAt = nil
	}

	if err := m.posRepo.Update(ctx, pos); err != nil {
		// The row still says open; the closure will be re-detected next tick.
		m.logger.Error(ctx, err, op+": Failed to persist closure, will retry next tick", map[string]interface{}{"positionID": pos.ID})
		return
	}

	if pos.PendingReopenAt != nil {
		m.reopenMu.Lock()
		m.reopenQueue[pos.ID] = now
		m.reopenMu.Unlock()
	}

	m.pnlMu.Lock()
	delete(m.lastPnl, pos.ID)
	m.pnlMu.Unlock()

	m.logger.Info(ctx, op+": Position closure recorded", map[string]interface{}{
		"positionID": pos.ID, "symbol": pos.Symbol, "reason": reason, "pnl": pnl,
	})
}

// classifyClosure infers why the exchange closed a position from the last
// unrealized PnL the scheduler observed: profit means the TP fired, loss means
// the SL fired, and exactly zero is treated as a manual exchange-side close.
func classifyClosure(lastPnl float64) domain.CloseReason {
	switch {
	case lastPnl > 0:
		return domain.CloseReasonTakeProfit
	case lastPnl < 0:
		return domain.CloseReasonStopLoss
	default:
		return domain.CloseReasonManual
	}
}

// recordPnl remembers the latest observed unrealized PnL for a position.
func (m *Monitor) recordPnl(id int64, pnl float64) {
	m.pnlMu.Lock()
	m.lastPnl[id] = pnl
	m.pnlMu.Unlock()
}

// tryBeginRecovery marks a position as mid-recovery. Returns false when the
// position is already being recovered.
func (m *Monitor) tryBeginRecovery(id int64) bool {
	m.recoveryMu.Lock()
	defer m.recoveryMu.Unlock()
	if _, busy := m.inRecovery[id]; busy {
		return false
	}
	m.inRecovery[id] = struct{}{}
	return true
}

func (m *Monitor) endRecovery(id int64) {
	m.recoveryMu.Lock()
	delete(m.inRecovery, id)
	m.recoveryMu.Unlock()
}

// reopenDelay reads the operator-configured auto-reopen delay, defaulting when
// absent or unparseable.
func (m *Monitor) reopenDelay(ctx context.Context) time.Duration {
	raw, err := m.settings.GetSetting(ctx, domain.SettingAutoReopenDelayMinutes)
	if err != nil || raw == "" {
		return domain.DefaultAutoReopenDelay
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes <= 0 {
		return domain.DefaultAutoReopenDelay
	}
	return time.Duration(minutes) * time.Minute
}
