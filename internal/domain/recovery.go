package domain

import "time"

// MaxRecoverySteps bounds the escalation ladder length.
const MaxRecoverySteps = 5

// RecoveryStep is one rung of the loss-recovery ladder: when a position's
// unrealized PnL falls to TriggerPnl (a negative USDT value), AddUSDT of
// notional is added at market and the protective targets are replaced by
// TPUsdt/SLUsdt against the enlarged position.
type RecoveryStep struct {
	Index      int     // 0-based; persisted settings keys are 1-based
	TriggerPnl float64 // negative USDT threshold
	AddUSDT    float64
	TPUsdt     float64
	SLUsdt     float64
}

// Settings keys understood by the engine. Values are stored as strings in the
// settings table and parsed on read so operator edits apply without restart.
const (
	SettingAutoReopenDelayMinutes = "auto_reopen_delay_minutes"
	SettingRecoveryEnabled        = "recovery_enabled"

	// Per-step keys, formatted with a 1-based step index.
	SettingRecoveryStepTrigger = "recovery_step_%d_trigger"
	SettingRecoveryStepAdd     = "recovery_step_%d_add"
	SettingRecoveryStepTP      = "recovery_step_%d_tp"
	SettingRecoveryStepSL      = "recovery_step_%d_sl"
)

// DefaultAutoReopenDelay applies when the setting is absent or unparseable.
const DefaultAutoReopenDelay = 5 * time.Minute
