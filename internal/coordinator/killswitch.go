package coordinator

import (
	"log"
	"sync/atomic"

	"github.com/signalswap/backend/internal/metrics"
)

// KillSwitch is the process-wide execution gate. When disengaged every
// component that would move funds refuses to run. The switch is checked at
// poll start and again immediately before each execution, so flipping it
// takes effect mid-tick.
type KillSwitch struct {
	enabled atomic.Bool
	logger  *log.Logger
}

// NewKillSwitch creates the switch with execution initially enabled or not.
func NewKillSwitch(enabled bool) *KillSwitch {
	k := &KillSwitch{logger: log.New(log.Writer(), "[KILLSWITCH] ", log.LstdFlags)}
	k.enabled.Store(enabled)
	if !enabled {
		metrics.KillSwitchEngaged.Set(1)
	}
	return k
}

// Enabled reports whether execution is currently allowed.
func (k *KillSwitch) Enabled() bool { return k.enabled.Load() }

// Enable re-allows execution.
func (k *KillSwitch) Enable() {
	if k.enabled.CompareAndSwap(false, true) {
		metrics.KillSwitchEngaged.Set(0)
		k.logger.Printf("✅ execution enabled")
	}
}

// Disable halts all new executions. In-flight executions finish; a swap that
// has already been submitted cannot be recalled.
func (k *KillSwitch) Disable() {
	if k.enabled.CompareAndSwap(true, false) {
		metrics.KillSwitchEngaged.Set(1)
		k.logger.Printf("🛑 execution disabled: no new swaps will be submitted")
	}
}
