package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shritish20/volguard-production/internal/emergency"
	"github.com/shritish20/volguard-production/internal/journal"
	"github.com/shritish20/volguard-production/internal/marketdata"
	"github.com/shritish20/volguard-production/internal/observ"
	"github.com/shritish20/volguard-production/internal/phase"
	"github.com/shritish20/volguard-production/internal/positions"
	"github.com/shritish20/volguard-production/internal/risk"
	"github.com/shritish20/volguard-production/internal/safety"
)

// Collaborators are the external systems one cycle touches. Every call
// takes the cycle context so a stuck collaborator cannot outlive the
// cycle deadline.
type Collaborators struct {
	Market   marketdata.Source
	Broker   positions.Source
	Ledger   positions.Source
	Feed     positions.Source
	Assessor risk.Assessor
}

// Config carries the loop timing and the per-phase quality floors.
type Config struct {
	Interval time.Duration // start-to-start cadence
	Deadline time.Duration // per-cycle budget, must be <= Interval

	MinScoreShadow   float64
	MinScoreSemiAuto float64
	MinScoreFullAuto float64

	AppendAttempts int           // journal append tries per record
	AppendBackoff  time.Duration // backoff between append tries
}

// Loop is the supervision cycle driver. It is the only writer of automatic
// safety triggers and the only producer of cycle records.
type Loop struct {
	cfg       Config
	machine   *safety.Machine
	gate      *marketdata.Gate
	governor  *risk.Governor
	reconCfg  positions.Config
	exec      *emergency.Executor
	store     journal.Store
	approvals *phase.ApprovalStore
	collab    Collaborators

	phaseMu sync.RWMutex
	phase   phase.Phase

	propMu    sync.Mutex
	proposals []queuedProposal

	jfMu     sync.Mutex
	jfReason string // append failure carried into the next cycle

	seq atomic.Uint64
}

func NewLoop(cfg Config, p phase.Phase, machine *safety.Machine, gate *marketdata.Gate,
	governor *risk.Governor, reconCfg positions.Config, exec *emergency.Executor,
	store journal.Store, approvals *phase.ApprovalStore, collab Collaborators) *Loop {

	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.Deadline <= 0 || cfg.Deadline > cfg.Interval {
		cfg.Deadline = cfg.Interval * 5 / 6
	}
	if cfg.AppendAttempts <= 0 {
		cfg.AppendAttempts = 3
	}
	if cfg.AppendBackoff <= 0 {
		cfg.AppendBackoff = 100 * time.Millisecond
	}
	return &Loop{
		cfg:       cfg,
		machine:   machine,
		gate:      gate,
		governor:  governor,
		reconCfg:  reconCfg,
		exec:      exec,
		store:     store,
		approvals: approvals,
		collab:    collab,
		phase:     p,
	}
}

// Cycles returns how many cycles the loop has started.
func (l *Loop) Cycles() uint64 {
	return l.seq.Load()
}

// Phase returns the current deployment phase.
func (l *Loop) Phase() phase.Phase {
	l.phaseMu.RLock()
	defer l.phaseMu.RUnlock()
	return l.phase
}

// SetPhase changes the deployment phase. Operator action only.
func (l *Loop) SetPhase(p phase.Phase, by string) {
	l.phaseMu.Lock()
	old := l.phase
	l.phase = p
	l.phaseMu.Unlock()
	observ.Warn("phase_changed", map[string]any{"from": string(old), "to": string(p), "by": by})
}

// Run drives cycles at the configured cadence until the context ends or
// the safety machine reaches SHUTDOWN. The cadence is start-to-start: a
// cycle that overruns (an emergency unwind, typically) does not cause a
// burst of catch-up cycles, the loop skips to the next boundary.
func (l *Loop) Run(ctx context.Context) error {
	observ.Log("supervisor_started", map[string]any{
		"interval_ms": l.cfg.Interval.Milliseconds(),
		"deadline_ms": l.cfg.Deadline.Milliseconds(),
		"phase":       string(l.Phase()),
	})

	next := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			observ.Log("supervisor_stopped", map[string]any{"reason": "context"})
			return err
		}
		if l.machine.Mode() == safety.ModeShutdown {
			observ.Warn("supervisor_stopped", map[string]any{"reason": "shutdown"})
			return nil
		}

		started := time.Now()
		rec := l.RunCycle(ctx, started)

		next = next.Add(l.cfg.Interval)
		if wait := time.Until(next); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
			}
		} else {
			// Overran one or more boundaries; realign rather than burst.
			skipped := 0
			for !next.After(time.Now()) {
				next = next.Add(l.cfg.Interval)
				skipped++
			}
			observ.Warn("cycle_overrun", map[string]any{"seq": rec.Sequence, "boundaries_skipped": skipped})
		}
	}
}

// RunCycle executes exactly one supervision cycle and returns its record.
// The record is always produced, whatever happens inside.
func (l *Loop) RunCycle(ctx context.Context, started time.Time) *journal.CycleRecord {
	// An in-flight emergency unwind owns the book; no cycle starts until
	// it has confirmed or exhausted.
	if err := l.exec.WaitIdle(ctx); err != nil {
		observ.Warn("cycle_admission_aborted", map[string]any{"err": err.Error()})
	}

	rec := &journal.CycleRecord{
		Sequence:      l.seq.Add(1),
		CorrelationID: uuid.NewString(),
		StartedAt:     started.UTC(),
		ModeBefore:    l.machine.Mode(),
	}

	cctx, cancel := context.WithTimeout(ctx, l.cfg.Deadline)
	defer cancel()

	var sig safety.Signals
	if reason := l.takeJournalFault(); reason != "" {
		sig.CycleFaulted = true
		sig.CycleFaultReason = reason
		rec.Faults = append(rec.Faults, journal.Fault{
			Class: journal.FaultTransientIO, Stage: "journal", Message: reason,
		})
	}
	spot := l.observe(cctx, rec, &sig)

	if cctx.Err() == context.DeadlineExceeded {
		rec.Incomplete = true
		sig.CycleFaulted = true
		sig.CycleFaultReason = "cycle deadline exceeded"
		rec.Faults = append(rec.Faults, journal.Fault{
			Class: journal.FaultTransientIO, Stage: "deadline",
			Message: fmt.Sprintf("cycle exceeded %s budget", l.cfg.Deadline),
		})
	}

	if tr, ok := l.machine.Evaluate(sig, started); ok {
		rec.Transition = &tr
	}
	rec.ModeAfter = l.machine.Mode()

	// Entering EMERGENCY runs the unwind synchronously, on the parent
	// context: the cycle deadline does not cut an unwind short.
	if rec.Transition != nil && rec.Transition.To == safety.ModeEmergency {
		if err := l.exec.Execute(ctx, emergency.GlobalKillSwitch, nil, string(rec.Transition.Trigger)); err != nil {
			rec.Faults = append(rec.Faults, journal.Fault{
				Class: journal.FaultFatalCycle, Stage: "emergency", Message: err.Error(),
			})
			rec.ModeAfter = l.machine.Mode()
		}
	}

	p := l.Phase()
	action := phase.Decide(p, rec.ModeAfter)
	rec.Phase = string(p)
	rec.Action = string(action)

	l.decide(rec, action, spot, started)

	rec.FinishedAt = time.Now().UTC()
	rec.DurationMs = rec.FinishedAt.Sub(rec.StartedAt).Milliseconds()
	observ.CycleDurationSeconds.Observe(rec.FinishedAt.Sub(rec.StartedAt).Seconds())
	observ.CyclesTotal.WithLabelValues(cycleOutcome(rec)).Inc()

	observ.Log("cycle_complete", map[string]any{
		"seq": rec.Sequence, "correlation_id": rec.CorrelationID,
		"mode": string(rec.ModeAfter), "action": rec.Action,
		"duration_ms": rec.DurationMs, "faults": len(rec.Faults),
		"incomplete": rec.Incomplete,
	})

	l.persist(ctx, rec)
	return rec
}

// persist appends the record with bounded retries. A record that cannot be
// journaled marks the next cycle faulted, so a persistently dead journal
// reaches the consecutive-fault halt instead of bleeding records silently.
func (l *Loop) persist(ctx context.Context, rec *journal.CycleRecord) {
	var err error
	for try := 1; try <= l.cfg.AppendAttempts; try++ {
		if err = l.store.Append(ctx, rec); err == nil {
			if try > 1 {
				observ.Log("journal_append_recovered", map[string]any{"seq": rec.Sequence, "tries": try})
			}
			return
		}
		observ.Error("journal_append_failed", err, map[string]any{
			"seq": rec.Sequence, "try": try, "max": l.cfg.AppendAttempts,
		})
		if ctx.Err() != nil {
			break
		}
		if try < l.cfg.AppendAttempts {
			select {
			case <-time.After(l.cfg.AppendBackoff << (try - 1)):
			case <-ctx.Done():
			}
		}
	}

	l.jfMu.Lock()
	l.jfReason = fmt.Sprintf("journal append seq %d: %v", rec.Sequence, err)
	l.jfMu.Unlock()
}

func (l *Loop) takeJournalFault() string {
	l.jfMu.Lock()
	defer l.jfMu.Unlock()
	reason := l.jfReason
	l.jfReason = ""
	return reason
}

// observe runs the data-gathering half of the cycle behind a panic
// boundary. A panic in any collaborator path becomes a FATAL_CYCLE fault
// on the record instead of taking the process down. The returned spot is
// the fingerprint for any decisions parked this cycle; zero when the
// snapshot could not be fetched.
func (l *Loop) observe(ctx context.Context, rec *journal.CycleRecord, sig *safety.Signals) (spot float64) {
	defer func() {
		if r := recover(); r != nil {
			rec.Incomplete = true
			sig.CycleFaulted = true
			sig.CycleFaultReason = fmt.Sprintf("panic: %v", r)
			rec.Faults = append(rec.Faults, journal.Fault{
				Class: journal.FaultFatalCycle, Stage: "observe", Message: fmt.Sprintf("panic: %v", r),
			})
			observ.Error("cycle_panic", fmt.Errorf("%v", r), map[string]any{"seq": rec.Sequence})
		}
	}()

	now := rec.StartedAt

	// Market data and the quality gate. A fetch failure still produces a
	// report: a nil snapshot scores zero and reads as stale.
	snap, err := l.collab.Market.GetSnapshot(ctx)
	if err != nil {
		l.fault(rec, sig, "market_data", err)
		snap = nil
	}
	if snap != nil {
		spot = snap.Spot
	}
	report := l.gate.Score(snap, now)
	rec.Quality = &report
	if report.Stale || report.Score < l.minScore() {
		sig.QualityBelowMin = true
		sig.QualityScore = report.Score
		rec.Faults = append(rec.Faults, journal.Fault{
			Class: journal.FaultDataQuality, Stage: "quality_gate",
			Message: fmt.Sprintf("score %.2f, stale=%v: %v", report.Score, report.Stale, report.Problems),
		})
	}

	// Three-way position reconciliation.
	broker, berr := l.fetchView(ctx, l.collab.Broker, rec, sig)
	ledger, lerr := l.fetchView(ctx, l.collab.Ledger, rec, sig)
	feed, ferr := l.fetchView(ctx, l.collab.Feed, rec, sig)
	if berr == nil && lerr == nil && ferr == nil {
		result := positions.Reconcile(broker, ledger, feed, l.reconCfg)
		rec.Reconciliation = &result
		if result.Status == positions.StatusUnresolved {
			sig.ReconUnresolved = true
			sig.ReconDetail = fmt.Sprintf("%d instruments unresolved, notional %s",
				result.UnresolvedCount, result.UnresolvedNotional.StringFixed(0))
			rec.Faults = append(rec.Faults, journal.Fault{
				Class: journal.FaultReconciliation, Stage: "reconcile", Message: sig.ReconDetail,
			})
		}
	}

	// Exposure and the capital governor.
	exp, err := l.collab.Assessor.Exposure(ctx)
	if err != nil {
		l.fault(rec, sig, "risk_assessor", err)
		return
	}
	verdict := l.governor.Evaluate(exp)
	rec.Verdict = &verdict
	if verdict.Breached {
		sig.CapitalBreached = true
		sig.CapitalReason = verdict.BreachReason
	}
	for _, veto := range verdict.Vetoes {
		rec.Faults = append(rec.Faults, journal.Fault{
			Class: journal.FaultGovernanceVeto, Stage: "governor", Message: veto.Reason,
		})
	}
	return spot
}

func (l *Loop) fetchView(ctx context.Context, src positions.Source, rec *journal.CycleRecord, sig *safety.Signals) (positions.View, error) {
	v, err := src.Positions(ctx)
	if err != nil {
		l.fault(rec, sig, src.Name(), err)
		return positions.View{}, err
	}
	return v, nil
}

// fault records a collaborator IO failure and marks the cycle faulted.
func (l *Loop) fault(rec *journal.CycleRecord, sig *safety.Signals, stage string, err error) {
	sig.CycleFaulted = true
	if sig.CycleFaultReason == "" {
		sig.CycleFaultReason = fmt.Sprintf("%s: %v", stage, err)
	}
	rec.Faults = append(rec.Faults, journal.Fault{
		Class: journal.FaultTransientIO, Stage: stage, Message: err.Error(),
	})
	observ.CollaboratorErrorsTotal.WithLabelValues(stage).Inc()
	observ.Error("collaborator_error", err, map[string]any{"stage": stage, "seq": rec.Sequence})
}

func (l *Loop) minScore() float64 {
	switch l.Phase() {
	case phase.FullAuto:
		return l.cfg.MinScoreFullAuto
	case phase.SemiAuto:
		return l.cfg.MinScoreSemiAuto
	default:
		return l.cfg.MinScoreShadow
	}
}

func cycleOutcome(rec *journal.CycleRecord) string {
	switch {
	case rec.Incomplete:
		return "incomplete"
	case len(rec.Faults) > 0:
		return "faulted"
	default:
		return "clean"
	}
}
