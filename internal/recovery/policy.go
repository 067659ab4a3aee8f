// Package recovery decides when a losing position earns the next rung of the
// configured loss-recovery ladder. Executing a step (orders, persistence) is
// the scheduler's job; this package only loads the ladder and answers
// eligibility questions.
package recovery

import (
	"context"
	"fmt"
	"strconv"

	"futuresPositionBot/internal/domain"
	"futuresPositionBot/internal/ports"
)

// Policy reads the escalation ladder from the settings store. The ladder is
// re-read on every call so operator edits take effect without a restart; a
// step already consumed (recovery_count advanced past it) is never reapplied
// even if its parameters change.
type Policy struct {
	settings ports.SettingsRepository
	logger   ports.Logger
}

// NewPolicy creates a recovery policy backed by the settings store.
func NewPolicy(settings ports.SettingsRepository, logger ports.Logger) (*Policy, error) {
	if settings == nil || logger == nil {
		return nil, fmt.Errorf("settings repository and logger are required for recovery policy")
	}
	return &Policy{settings: settings, logger: logger}, nil
}

// Enabled reports whether recovery is switched on. Absent or unparseable
// values default to enabled.
func (p *Policy) Enabled(ctx context.Context) bool {
	raw, err := p.settings.GetSetting(ctx, domain.SettingRecoveryEnabled)
	if err != nil {
		p.logger.Warn(ctx, "Failed to read recovery-enabled setting, assuming enabled", map[string]interface{}{"error": err.Error()})
		return true
	}
	if raw == "" {
		return true
	}
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return enabled
}

// Steps loads the configured ladder. Steps are stored under 1-based keys; a
// step counts only when all four of its values parse, and the ladder ends at
// the first incomplete step so recovery_count always indexes a contiguous
// prefix.
func (p *Policy) Steps(ctx context.Context) ([]domain.RecoveryStep, error) {
	steps := make([]domain.RecoveryStep, 0, domain.MaxRecoverySteps)
	for i := 1; i <= domain.MaxRecoverySteps; i++ {
		trigger, okTrigger := p.floatSetting(ctx, fmt.Sprintf(domain.SettingRecoveryStepTrigger, i))
		add, okAdd := p.floatSetting(ctx, fmt.Sprintf(domain.SettingRecoveryStepAdd, i))
		tp, okTP := p.floatSetting(ctx, fmt.Sprintf(domain.SettingRecoveryStepTP, i))
		sl, okSL := p.floatSetting(ctx, fmt.Sprintf(domain.SettingRecoveryStepSL, i))
		if !okTrigger || !okAdd || !okTP || !okSL {
			break
		}
		steps = append(steps, domain.RecoveryStep{
			Index:      i - 1,
			TriggerPnl: trigger,
			AddUSDT:    add,
			TPUsdt:     tp,
			SLUsdt:     sl,
		})
	}
	return steps, nil
}

// NextStep returns the step the position would consume next, or false when the
// ladder is exhausted for it.
func (p *Policy) NextStep(pos *domain.Position, steps []domain.RecoveryStep) (domain.RecoveryStep, bool) {
	if pos.RecoveryExhausted(len(steps)) {
		return domain.RecoveryStep{}, false
	}
	return steps[pos.RecoveryCount], true
}

// ShouldFire reports whether the unrealized PnL has reached the step's trigger
// threshold. Triggers are negative USDT values.
func ShouldFire(step domain.RecoveryStep, unrealizedPnl float64) bool {
	return unrealizedPnl <= step.TriggerPnl
}

func (p *Policy) floatSetting(ctx context.Context, key string) (float64, bool) {
	raw, err := p.settings.GetSetting(ctx, key)
	if err != nil || raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.logger.Warn(ctx, "Unparseable recovery setting ignored", map[string]interface{}{"key": key, "value": raw})
		return 0, false
	}
	return v, true
}
