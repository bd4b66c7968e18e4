package safety

import (
	"testing"
	"time"
)

func newTestMachine() *Machine {
	return NewMachine(Config{
		LowQualityHaltAfter:  5,
		MaxConsecutiveFaults: 5,
		RecoveryCooldown:     15 * time.Second,
	})
}

func TestEvaluate_NoSignals_StaysNormal(t *testing.T) {
	m := newTestMachine()
	if _, ok := m.Evaluate(Signals{}, time.Now()); ok {
		t.Errorf("expected no transition on clean cycle")
	}
	if got := m.Mode(); got != ModeNormal {
		t.Errorf("mode = %s, want NORMAL", got)
	}
}

func TestEvaluate_PriorityOrder(t *testing.T) {
	tests := []struct {
		name string
		sig  Signals
		want Mode
	}{
		{"capital_beats_quality", Signals{CapitalBreached: true, QualityBelowMin: true}, ModeHalted},
		{"quality_beats_recon", Signals{QualityBelowMin: true, ReconUnresolved: true}, ModeDegraded},
		{"capital_beats_recon", Signals{CapitalBreached: true, ReconUnresolved: true}, ModeHalted},
		{"recon_alone", Signals{ReconUnresolved: true, ReconDetail: "broker vs ledger"}, ModeEmergency},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMachine()
			tr, ok := m.Evaluate(tc.sig, time.Now())
			if !ok {
				t.Fatalf("expected a transition")
			}
			if tr.To != tc.want {
				t.Errorf("transitioned to %s, want %s", tr.To, tc.want)
			}
		})
	}
}

func TestEvaluate_KillSwitchOutranksEverything(t *testing.T) {
	m := newTestMachine()
	m.AssertKillSwitch("ops", "drill")

	// Every automatic trigger firing at once must not move us off EMERGENCY.
	sig := Signals{CapitalBreached: true, QualityBelowMin: true, ReconUnresolved: true, CycleFaulted: true}
	if _, ok := m.Evaluate(sig, time.Now()); ok {
		t.Errorf("expected no transition while pinned at EMERGENCY")
	}
	if got := m.Mode(); got != ModeEmergency {
		t.Errorf("mode = %s, want EMERGENCY", got)
	}
}

func TestAssertKillSwitch_Idempotent(t *testing.T) {
	m := newTestMachine()
	if _, ok := m.AssertKillSwitch("ops", "first"); !ok {
		t.Fatalf("first assert should transition")
	}
	if _, ok := m.AssertKillSwitch("ops", "second"); ok {
		t.Errorf("second assert should be a no-op")
	}
	if got := len(m.History(0)); got != 1 {
		t.Errorf("history has %d entries, want 1", got)
	}
}

func TestEmergency_NeverAutoRecovers(t *testing.T) {
	m := newTestMachine()
	m.Evaluate(Signals{ReconUnresolved: true}, time.Now())
	if m.Mode() != ModeEmergency {
		t.Fatalf("setup: mode = %s", m.Mode())
	}

	now := time.Now()
	for i := 0; i < 100; i++ {
		now = now.Add(3 * time.Second)
		if _, ok := m.Evaluate(Signals{}, now); ok {
			t.Fatalf("EMERGENCY auto-recovered at cycle %d", i)
		}
	}
	if m.Mode() != ModeEmergency {
		t.Errorf("mode = %s, want EMERGENCY", m.Mode())
	}
}

func TestReset_RequiresKillSwitchCleared(t *testing.T) {
	m := newTestMachine()
	m.AssertKillSwitch("ops", "incident")

	if _, err := m.Reset("ops", "premature"); err == nil {
		t.Fatalf("reset should fail while kill switch asserted")
	}

	if !m.ClearKillSwitch("ops") {
		t.Fatalf("clear should succeed")
	}
	if m.Mode() != ModeEmergency {
		t.Fatalf("clearing the flag must not change mode, got %s", m.Mode())
	}

	tr, err := m.Reset("ops", "incident resolved")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if tr.To != ModeHalted {
		t.Errorf("reset landed in %s, want HALTED", tr.To)
	}
}

func TestReset_InvalidOutsideEmergency(t *testing.T) {
	m := newTestMachine()
	if _, err := m.Reset("ops", "nothing wrong"); err == nil {
		t.Errorf("reset from NORMAL should error")
	}
}

func TestEvaluate_SustainedLowQualityHardensToHalted(t *testing.T) {
	m := newTestMachine()
	now := time.Now()
	sig := Signals{QualityBelowMin: true, QualityScore: 0.4}

	tr, ok := m.Evaluate(sig, now)
	if !ok || tr.To != ModeDegraded {
		t.Fatalf("cycle 1: got %+v ok=%v, want DEGRADED", tr, ok)
	}
	for i := 2; i <= 4; i++ {
		now = now.Add(3 * time.Second)
		if _, ok := m.Evaluate(sig, now); ok {
			t.Fatalf("cycle %d: unexpected transition before streak threshold", i)
		}
	}
	now = now.Add(3 * time.Second)
	tr, ok = m.Evaluate(sig, now)
	if !ok || tr.To != ModeHalted {
		t.Fatalf("cycle 5: got %+v ok=%v, want HALTED", tr, ok)
	}
}

func TestEvaluate_QualityStreakResetsOnCleanCycle(t *testing.T) {
	m := newTestMachine()
	now := time.Now()
	bad := Signals{QualityBelowMin: true, QualityScore: 0.4}

	m.Evaluate(bad, now) // DEGRADED, streak 1
	for i := 0; i < 3; i++ {
		now = now.Add(3 * time.Second)
		m.Evaluate(bad, now) // streak up to 4
	}
	now = now.Add(3 * time.Second)
	m.Evaluate(Signals{QualityBelowMin: false}, now) // streak resets

	for i := 0; i < 4; i++ {
		now = now.Add(3 * time.Second)
		if _, ok := m.Evaluate(bad, now); ok {
			t.Fatalf("transition before rebuilt streak reached threshold")
		}
	}
	if m.Mode() != ModeDegraded {
		t.Errorf("mode = %s, want DEGRADED", m.Mode())
	}
}

func TestEvaluate_ConsecutiveFaultsHalt(t *testing.T) {
	m := newTestMachine()
	now := time.Now()
	sig := Signals{CycleFaulted: true, CycleFaultReason: "snapshot fetch timeout"}

	for i := 1; i <= 4; i++ {
		now = now.Add(3 * time.Second)
		if _, ok := m.Evaluate(sig, now); ok {
			t.Fatalf("fault %d: transitioned early", i)
		}
	}
	now = now.Add(3 * time.Second)
	tr, ok := m.Evaluate(sig, now)
	if !ok || tr.To != ModeHalted {
		t.Fatalf("fault 5: got %+v ok=%v, want HALTED", tr, ok)
	}
}

func TestEvaluate_RecoveryAfterCooldown(t *testing.T) {
	m := newTestMachine()
	now := time.Now()

	m.Evaluate(Signals{CapitalBreached: true, CapitalReason: "daily loss limit"}, now)
	if m.Mode() != ModeHalted {
		t.Fatalf("setup: mode = %s", m.Mode())
	}

	// Clean cycles inside the cooldown window must not recover.
	for i := 0; i < 4; i++ {
		now = now.Add(3 * time.Second)
		if _, ok := m.Evaluate(Signals{}, now); ok {
			t.Fatalf("recovered %s into cooldown", now)
		}
	}

	now = now.Add(7 * time.Second) // past 15s since the first clean cycle
	tr, ok := m.Evaluate(Signals{}, now)
	if !ok || tr.To != ModeNormal {
		t.Fatalf("after cooldown: got %+v ok=%v, want NORMAL", tr, ok)
	}
}

func TestEvaluate_TriggerDuringCooldownRestartsClock(t *testing.T) {
	m := newTestMachine()
	now := time.Now()

	m.Evaluate(Signals{CapitalBreached: true}, now)

	now = now.Add(3 * time.Second)
	m.Evaluate(Signals{}, now) // clear run starts
	now = now.Add(9 * time.Second)
	m.Evaluate(Signals{CapitalBreached: true}, now) // restarts the clock

	now = now.Add(12 * time.Second)
	if _, ok := m.Evaluate(Signals{}, now); ok {
		t.Fatalf("recovered before the restarted cooldown elapsed")
	}
	now = now.Add(18 * time.Second)
	if tr, ok := m.Evaluate(Signals{}, now); !ok || tr.To != ModeNormal {
		t.Fatalf("want NORMAL after full cooldown, got %+v ok=%v", tr, ok)
	}
}

func TestShutdown_Terminal(t *testing.T) {
	m := newTestMachine()
	if _, ok := m.Shutdown("ops", "maintenance"); !ok {
		t.Fatalf("shutdown should transition")
	}
	if _, ok := m.Evaluate(Signals{}, time.Now().Add(time.Hour)); ok {
		t.Errorf("SHUTDOWN must not auto-recover")
	}
	if _, ok := m.AssertKillSwitch("ops", "too late"); ok {
		t.Errorf("kill switch must not transition out of SHUTDOWN")
	}
	if m.Mode() != ModeShutdown {
		t.Errorf("mode = %s, want SHUTDOWN", m.Mode())
	}
}

func TestEscalateShutdown(t *testing.T) {
	m := newTestMachine()
	m.Evaluate(Signals{ReconUnresolved: true}, time.Now())

	tr, ok := m.EscalateShutdown("emergency retries exhausted")
	if !ok || tr.To != ModeShutdown {
		t.Fatalf("got %+v ok=%v, want SHUTDOWN", tr, ok)
	}
	if tr.Trigger != TriggerEmergencyFailed {
		t.Errorf("trigger = %s, want %s", tr.Trigger, TriggerEmergencyFailed)
	}
}

func TestHistory_OrderAndLimit(t *testing.T) {
	m := newTestMachine()
	now := time.Now()
	m.Evaluate(Signals{QualityBelowMin: true, QualityScore: 0.3}, now) // -> DEGRADED
	m.Evaluate(Signals{CapitalBreached: true}, now.Add(3*time.Second)) // -> HALTED

	h := m.History(0)
	if len(h) != 2 {
		t.Fatalf("history has %d entries, want 2", len(h))
	}
	if h[0].To != ModeDegraded || h[1].To != ModeHalted {
		t.Errorf("history out of order: %+v", h)
	}
	if got := m.History(1); len(got) != 1 || got[0].To != ModeHalted {
		t.Errorf("History(1) = %+v, want newest entry only", got)
	}
}
