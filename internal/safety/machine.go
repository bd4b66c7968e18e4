package safety

import (
	"fmt"
	"sync"
	"time"

	"github.com/shritish20/volguard-production/internal/observ"
)

// Mode is the process-wide operating mode. Ordering matters: a higher
// priority mode is never left for a lower one except through the explicit
// recovery paths below.
type Mode string

const (
	ModeNormal    Mode = "NORMAL"    // full operation per deployment phase
	ModeDegraded  Mode = "DEGRADED"  // data or risk uncertain, reduced capability
	ModeHalted    Mode = "HALTED"    // no new execution, positions monitored
	ModeEmergency Mode = "EMERGENCY" // active liquidation/closure in progress
	ModeShutdown  Mode = "SHUTDOWN"  // terminal for the process lifetime
)

// Priority gives a numeric ordering for escalation comparisons.
func (m Mode) Priority() int {
	switch m {
	case ModeNormal:
		return 0
	case ModeDegraded:
		return 1
	case ModeHalted:
		return 2
	case ModeEmergency:
		return 3
	case ModeShutdown:
		return 4
	default:
		return -1
	}
}

// TriggerKind identifies why a transition happened. The automatic kinds are
// evaluated in the fixed order listed here; the first one that fires wins
// the cycle.
type TriggerKind string

const (
	TriggerKillSwitch       TriggerKind = "manual_kill_switch"
	TriggerCapitalBreach    TriggerKind = "capital_breach"
	TriggerDataQuality      TriggerKind = "data_quality"
	TriggerReconciliation   TriggerKind = "reconciliation_divergence"
	TriggerCycleFaults      TriggerKind = "consecutive_cycle_faults"
	TriggerAllClear         TriggerKind = "all_clear_cooldown"
	TriggerManualReset      TriggerKind = "manual_reset"
	TriggerOperatorShutdown TriggerKind = "operator_shutdown"
	TriggerEmergencyFailed  TriggerKind = "emergency_unconfirmed"
	TriggerPreflight        TriggerKind = "preflight_failed"
)

// Transition is one entry in the audit trail. This history is the sole
// authoritative answer to "why did trading stop".
type Transition struct {
	From    Mode        `json:"from"`
	To      Mode        `json:"to"`
	Trigger TriggerKind `json:"trigger"`
	Reason  string      `json:"reason"`
	By      string      `json:"by,omitempty"` // operator id on manual paths
	At      time.Time   `json:"at"`
}

// Signals carries one cycle's trigger inputs into Evaluate. Producing these
// is the rest of the pipeline's job; arbitrating them is exclusively ours.
type Signals struct {
	CapitalBreached  bool
	CapitalReason    string
	QualityBelowMin  bool
	QualityScore     float64
	ReconUnresolved  bool
	ReconDetail      string
	CycleFaulted     bool
	CycleFaultReason string
}

// Config tunes the streak and cooldown behavior.
type Config struct {
	LowQualityHaltAfter  int           // consecutive low-quality cycles before DEGRADED becomes HALTED
	MaxConsecutiveFaults int           // cycle faults before HALTED
	RecoveryCooldown     time.Duration // quiet period before DEGRADED/HALTED may return to NORMAL
}

// Machine is the safety state singleton. All mode mutation goes through it;
// everything else only reads. The cycle loop is the single writer of
// automatic triggers, but the kill switch may be asserted from any
// goroutine at any time.
type Machine struct {
	mu   sync.RWMutex
	mode Mode
	cfg  Config

	killSwitch   bool
	killAssertBy string

	lowQualityStreak int
	faultStreak      int
	clearSince       time.Time // start of the current all-clear run

	lastTransition time.Time
	history        []Transition
}

const historyCap = 1000

func NewMachine(cfg Config) *Machine {
	if cfg.LowQualityHaltAfter <= 0 {
		cfg.LowQualityHaltAfter = 5
	}
	if cfg.MaxConsecutiveFaults <= 0 {
		cfg.MaxConsecutiveFaults = 5
	}
	if cfg.RecoveryCooldown <= 0 {
		cfg.RecoveryCooldown = 15 * time.Second
	}
	m := &Machine{mode: ModeNormal, cfg: cfg, lastTransition: time.Now().UTC()}
	observ.SafetyMode.Set(float64(m.mode.Priority()))
	observ.SetHealthDetail("safety_mode", string(m.mode))
	return m
}

// Mode returns the current operating mode.
func (m *Machine) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// KillSwitchAsserted reports whether the manual flag is set. The flag is
// orthogonal to automatic triggers: once set it pins the mode at
// EMERGENCY (or SHUTDOWN) until an operator clears it and resets.
func (m *Machine) KillSwitchAsserted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.killSwitch
}

// Evaluate runs the automatic trigger table for one cycle. Triggers are
// checked in fixed priority order and at most one transition is applied.
// Called only from the cycle loop.
func (m *Machine) Evaluate(sig Signals, now time.Time) (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode == ModeShutdown {
		return Transition{}, false
	}

	// Streak bookkeeping happens before arbitration so a trigger can read
	// this cycle's own contribution.
	if sig.QualityBelowMin {
		m.lowQualityStreak++
	} else {
		m.lowQualityStreak = 0
	}
	if sig.CycleFaulted {
		m.faultStreak++
	} else {
		m.faultStreak = 0
	}

	anyTrigger := sig.CapitalBreached || sig.QualityBelowMin || sig.ReconUnresolved || sig.CycleFaulted || m.killSwitch
	if anyTrigger {
		m.clearSince = time.Time{}
	} else if m.clearSince.IsZero() {
		m.clearSince = now
	}

	// 1. Manual kill switch pins EMERGENCY from any state.
	if m.killSwitch {
		return m.transitionLocked(ModeEmergency, TriggerKillSwitch, "kill switch asserted", m.killAssertBy, now)
	}

	if m.mode == ModeEmergency {
		// EMERGENCY never auto-recovers, and no automatic trigger outranks
		// an in-flight emergency.
		return Transition{}, false
	}

	// 2. Capital governor breach.
	if sig.CapitalBreached {
		return m.transitionLocked(ModeHalted, TriggerCapitalBreach, sig.CapitalReason, "", now)
	}

	// 3. Data quality below the phase minimum; sustained low quality
	// hardens DEGRADED into HALTED.
	if sig.QualityBelowMin {
		reason := fmt.Sprintf("quality score %.2f below minimum", sig.QualityScore)
		if m.mode == ModeDegraded && m.lowQualityStreak >= m.cfg.LowQualityHaltAfter {
			return m.transitionLocked(ModeHalted, TriggerDataQuality,
				fmt.Sprintf("%s for %d consecutive cycles", reason, m.lowQualityStreak), "", now)
		}
		if m.mode == ModeNormal {
			return m.transitionLocked(ModeDegraded, TriggerDataQuality, reason, "", now)
		}
		return Transition{}, false
	}

	// 4. Irreconcilable position divergence.
	if sig.ReconUnresolved {
		return m.transitionLocked(ModeEmergency, TriggerReconciliation, sig.ReconDetail, "", now)
	}

	// 5. Repeated cycle faults.
	if sig.CycleFaulted && m.faultStreak >= m.cfg.MaxConsecutiveFaults {
		return m.transitionLocked(ModeHalted, TriggerCycleFaults,
			fmt.Sprintf("%d consecutive cycle faults: %s", m.faultStreak, sig.CycleFaultReason), "", now)
	}

	// 6. All clear: DEGRADED/HALTED recover to NORMAL after the cooldown.
	if (m.mode == ModeDegraded || m.mode == ModeHalted) && !m.clearSince.IsZero() &&
		now.Sub(m.clearSince) >= m.cfg.RecoveryCooldown {
		return m.transitionLocked(ModeNormal, TriggerAllClear,
			fmt.Sprintf("no trigger for %s", now.Sub(m.clearSince).Truncate(time.Second)), "", now)
	}

	return Transition{}, false
}

// Degrade moves NORMAL to DEGRADED outside the cycle loop. Startup uses
// it when pre-flight collaborator probes fail; the regular all-clear path
// recovers from it once the collaborators answer.
func (m *Machine) Degrade(reason string) (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode != ModeNormal {
		return Transition{}, false
	}
	return m.transitionLocked(ModeDegraded, TriggerPreflight, reason, "", time.Now().UTC())
}

// AssertKillSwitch sets the manual flag and forces EMERGENCY. Safe to call
// from any goroutine at any time; a second assert is a no-op.
func (m *Machine) AssertKillSwitch(by, reason string) (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.killSwitch {
		return Transition{}, false
	}
	m.killSwitch = true
	m.killAssertBy = by

	if m.mode == ModeEmergency || m.mode == ModeShutdown {
		return Transition{}, false
	}
	if reason == "" {
		reason = "kill switch asserted"
	}
	return m.transitionLocked(ModeEmergency, TriggerKillSwitch, reason, by, time.Now().UTC())
}

// ClearKillSwitch drops the manual flag. The mode stays EMERGENCY until an
// explicit Reset; clearing the flag only removes the pin.
func (m *Machine) ClearKillSwitch(by string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.killSwitch {
		return false
	}
	m.killSwitch = false
	observ.Log("kill_switch_cleared", map[string]any{"by": by})
	return true
}

// Reset is the explicit manual recovery from EMERGENCY. It lands in HALTED,
// not NORMAL: the automatic all-clear path still has to earn the rest.
func (m *Machine) Reset(by, reason string) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode != ModeEmergency {
		return Transition{}, fmt.Errorf("reset only valid from EMERGENCY, mode is %s", m.mode)
	}
	if m.killSwitch {
		return Transition{}, fmt.Errorf("kill switch still asserted by %s; clear it first", m.killAssertBy)
	}
	t, _ := m.transitionLocked(ModeHalted, TriggerManualReset, reason, by, time.Now().UTC())
	return t, nil
}

// Shutdown is the terminal operator action. A new process start is required
// to resume automatic operation.
func (m *Machine) Shutdown(by, reason string) (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == ModeShutdown {
		return Transition{}, false
	}
	return m.transitionLocked(ModeShutdown, TriggerOperatorShutdown, reason, by, time.Now().UTC())
}

// EscalateShutdown is invoked by the emergency executor when it exhausts
// its retries without confirming the unwind.
func (m *Machine) EscalateShutdown(reason string) (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == ModeShutdown {
		return Transition{}, false
	}
	return m.transitionLocked(ModeShutdown, TriggerEmergencyFailed, reason, "", time.Now().UTC())
}

// History returns up to limit most-recent transitions, newest last.
func (m *Machine) History(limit int) []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.history)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]Transition, n)
	copy(out, m.history[len(m.history)-n:])
	return out
}

// Status is the queryable snapshot served on the admin surface.
type StatusView struct {
	Mode             Mode      `json:"mode"`
	Since            time.Time `json:"since"`
	KillSwitch       bool      `json:"kill_switch"`
	KillSwitchBy     string    `json:"kill_switch_by,omitempty"`
	LowQualityStreak int       `json:"low_quality_streak"`
	FaultStreak      int       `json:"fault_streak"`
	Transitions      int       `json:"transitions"`
}

func (m *Machine) Status() StatusView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return StatusView{
		Mode:             m.mode,
		Since:            m.lastTransition,
		KillSwitch:       m.killSwitch,
		KillSwitchBy:     m.killAssertBy,
		LowQualityStreak: m.lowQualityStreak,
		FaultStreak:      m.faultStreak,
		Transitions:      len(m.history),
	}
}

// transitionLocked applies a mode change if it actually changes anything,
// records it, and publishes metrics. Callers hold m.mu.
func (m *Machine) transitionLocked(to Mode, trigger TriggerKind, reason, by string, now time.Time) (Transition, bool) {
	if m.mode == to {
		return Transition{}, false
	}
	t := Transition{From: m.mode, To: to, Trigger: trigger, Reason: reason, By: by, At: now}
	m.mode = to
	m.lastTransition = now
	m.history = append(m.history, t)
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}

	observ.SafetyMode.Set(float64(to.Priority()))
	observ.SafetyTransitionsTotal.WithLabelValues(string(t.From), string(t.To), string(trigger)).Inc()
	observ.SetHealthDetail("safety_mode", string(to))
	observ.Warn("safety_transition", map[string]any{
		"from": string(t.From), "to": string(t.To),
		"trigger": string(trigger), "reason": reason, "by": by,
	})
	return t, true
}
