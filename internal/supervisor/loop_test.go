package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shritish20/volguard-production/internal/emergency"
	"github.com/shritish20/volguard-production/internal/journal"
	"github.com/shritish20/volguard-production/internal/marketdata"
	"github.com/shritish20/volguard-production/internal/phase"
	"github.com/shritish20/volguard-production/internal/positions"
	"github.com/shritish20/volguard-production/internal/risk"
	"github.com/shritish20/volguard-production/internal/safety"
)

// --- stub collaborators ---

type stubMarket struct {
	err   error
	panic bool
	stale time.Duration
}

func (s *stubMarket) GetSnapshot(ctx context.Context) (*marketdata.Snapshot, error) {
	if s.panic {
		panic("quote codec blew up")
	}
	if s.err != nil {
		return nil, s.err
	}
	now := time.Now().UTC().Add(-s.stale)
	return &marketdata.Snapshot{
		Timestamp: now,
		Spot:      22000,
		VIX:       13.5,
		Source:    "stub",
		Quotes: map[string]marketdata.Quote{
			"NIFTY24SEP22000CE": {Instrument: "NIFTY24SEP22000CE", Bid: 210, Ask: 212, Last: 211, UpdatedAt: now},
			"NIFTY24SEP22000PE": {Instrument: "NIFTY24SEP22000PE", Bid: 195, Ask: 197, Last: 196, UpdatedAt: now},
		},
	}, nil
}

type stubPositions struct {
	name string
	qty  map[string]int64
	err  error
}

func (s *stubPositions) Name() string { return s.name }

func (s *stubPositions) Positions(ctx context.Context) (positions.View, error) {
	if s.err != nil {
		return positions.View{}, s.err
	}
	v := positions.View{Source: s.name, AsOf: time.Now().UTC(), Positions: map[string]positions.Position{}}
	for instrument, q := range s.qty {
		v.Positions[instrument] = positions.Position{
			Instrument: instrument,
			Quantity:   decimal.NewFromInt(q),
			AvgPrice:   decimal.NewFromInt(200),
			UpdatedAt:  v.AsOf,
		}
	}
	return v, nil
}

type stubAssessor struct {
	exp risk.Exposure
	err error
}

func (s *stubAssessor) Exposure(ctx context.Context) (risk.Exposure, error) {
	return s.exp, s.err
}

type stubUnwinder struct {
	mu      sync.Mutex
	calls   int
	barrier chan struct{} // when set, CancelAllOrders parks until closed
	parked  chan struct{} // closed once a call has parked
}

func (s *stubUnwinder) CancelAllOrders(ctx context.Context) error {
	s.mu.Lock()
	s.calls++
	barrier := s.barrier
	if s.parked != nil {
		close(s.parked)
		s.parked = nil
	}
	s.mu.Unlock()
	if barrier != nil {
		<-barrier
	}
	return nil
}
func (s *stubUnwinder) ClosePositions(ctx context.Context, in []string) error { return nil }
func (s *stubUnwinder) ConfirmFlat(ctx context.Context) (bool, error)         { return true, nil }

func (s *stubUnwinder) cancelCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type memStore struct {
	mu   sync.Mutex
	recs []*journal.CycleRecord
}

func (m *memStore) Append(_ context.Context, rec *journal.CycleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}
func (m *memStore) Close() error { return nil }

// --- fixture ---

type fixture struct {
	loop      *Loop
	machine   *safety.Machine
	exec      *emergency.Executor
	approvals *phase.ApprovalStore
	unwind    *stubUnwinder
	store     *memStore
	market    *stubMarket
	assess    *stubAssessor
	broker    *stubPositions
	ledger    *stubPositions
	feed      *stubPositions
}

func newFixture(p phase.Phase) *fixture {
	f := &fixture{
		machine:   safety.NewMachine(safety.Config{LowQualityHaltAfter: 5, MaxConsecutiveFaults: 5, RecoveryCooldown: 15 * time.Second}),
		approvals: phase.NewApprovalStore(time.Minute, 1.0),
		unwind:    &stubUnwinder{},
		store:     &memStore{},
		market:    &stubMarket{},
		assess:    &stubAssessor{exp: risk.Exposure{PortfolioDelta: 50, DailyPnL: 1000, MarginUsed: 50_000}},
		broker:    &stubPositions{name: "broker", qty: map[string]int64{"NIFTY24SEP22000CE": -100}},
		ledger:    &stubPositions{name: "ledger", qty: map[string]int64{"NIFTY24SEP22000CE": -100}},
		feed:      &stubPositions{name: "feed", qty: map[string]int64{"NIFTY24SEP22000CE": -100}},
	}
	f.exec = emergency.NewExecutor(emergency.Config{MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond}, f.unwind, f.machine)
	gov := risk.NewGovernor(risk.Limits{
		TotalCapital: 1_000_000, DailyLossPct: 2, PositionCapPct: 30, WorstCasePct: 5,
		ConcentrationPct: 10, MaxDelta: 500,
		DailyLossWarnAt: 0.8, PositionCapWarnAt: 0.9, WorstCaseWarnAt: 0.7, ConcentrationWarnAt: 0.8,
	})
	gate := marketdata.NewGate(marketdata.GateConfig{
		StaleCutoff:  15 * time.Second,
		ExpectedTick: 5 * time.Second,
		Required:     []string{"NIFTY24SEP22000CE", "NIFTY24SEP22000PE"},
	})
	f.loop = NewLoop(
		Config{Interval: 3 * time.Second, Deadline: 2500 * time.Millisecond,
			MinScoreShadow: 0.5, MinScoreSemiAuto: 0.6, MinScoreFullAuto: 0.8,
			AppendAttempts: 2, AppendBackoff: time.Millisecond},
		p, f.machine, gate, gov,
		positions.Config{MaterialityQty: decimal.NewFromInt(5), MaxUnresolved: 1, MaxUnresolvedNotional: decimal.NewFromInt(100_000)},
		f.exec, f.store, f.approvals,
		Collaborators{Market: f.market, Broker: f.broker, Ledger: f.ledger, Feed: f.feed, Assessor: f.assess},
	)
	return f
}

func (f *fixture) cycle(t *testing.T) *journal.CycleRecord {
	t.Helper()
	return f.loop.RunCycle(context.Background(), time.Now())
}

// --- tests ---

func TestRunCycle_CleanFullAuto(t *testing.T) {
	f := newFixture(phase.FullAuto)
	rec := f.cycle(t)

	if rec.Sequence != 1 {
		t.Errorf("seq = %d, want 1", rec.Sequence)
	}
	if rec.Incomplete || len(rec.Faults) != 0 {
		t.Errorf("clean cycle produced faults: %+v", rec.Faults)
	}
	if rec.ModeAfter != safety.ModeNormal {
		t.Errorf("mode = %s, want NORMAL", rec.ModeAfter)
	}
	if rec.Action != string(phase.Execute) {
		t.Errorf("action = %s, want EXECUTE", rec.Action)
	}
	if rec.Quality == nil || rec.Quality.Score < 0.9 {
		t.Errorf("quality = %+v", rec.Quality)
	}
	if rec.Reconciliation == nil || rec.Reconciliation.Status != positions.StatusAgreement {
		t.Errorf("reconciliation = %+v", rec.Reconciliation)
	}
}

func TestRunCycle_SequenceMonotonic(t *testing.T) {
	f := newFixture(phase.Shadow)
	for i := 1; i <= 5; i++ {
		rec := f.cycle(t)
		if rec.Sequence != uint64(i) {
			t.Errorf("cycle %d has seq %d", i, rec.Sequence)
		}
	}
}

func TestRunCycle_PanicBecomesFatalFault(t *testing.T) {
	f := newFixture(phase.Shadow)
	f.market.panic = true

	rec := f.cycle(t)
	if !rec.Incomplete {
		t.Errorf("panicked cycle not marked incomplete")
	}
	found := false
	for _, flt := range rec.Faults {
		if flt.Class == journal.FaultFatalCycle {
			found = true
		}
	}
	if !found {
		t.Errorf("faults = %+v, want FATAL_CYCLE", rec.Faults)
	}

	// Loop survives: next cycle runs normally.
	f.market.panic = false
	rec = f.cycle(t)
	if rec.Sequence != 2 || rec.Incomplete {
		t.Errorf("loop did not recover after panic: %+v", rec)
	}
}

func TestRunCycle_MarketFetchFailureDegrades(t *testing.T) {
	f := newFixture(phase.FullAuto)
	f.market.err = errors.New("connection refused")

	rec := f.cycle(t)
	classes := map[string]bool{}
	for _, flt := range rec.Faults {
		classes[flt.Class] = true
	}
	if !classes[journal.FaultTransientIO] || !classes[journal.FaultDataQuality] {
		t.Errorf("faults = %+v", rec.Faults)
	}
	if rec.ModeAfter != safety.ModeDegraded {
		t.Errorf("mode = %s, want DEGRADED", rec.ModeAfter)
	}
	if rec.Action != string(phase.JournalOnly) {
		t.Errorf("action = %s, want JOURNAL_ONLY", rec.Action)
	}
}

func TestRunCycle_QualityFloorTracksPhase(t *testing.T) {
	// An 11s-old snapshot scores ~0.76 overall: below the FULL_AUTO
	// floor of 0.8, fine for SHADOW's 0.5.
	f := newFixture(phase.FullAuto)
	f.market.stale = 11 * time.Second
	rec := f.cycle(t)
	if rec.ModeAfter != safety.ModeDegraded {
		t.Errorf("FULL_AUTO at degraded quality: mode = %s, want DEGRADED", rec.ModeAfter)
	}

	g := newFixture(phase.Shadow)
	g.market.stale = 11 * time.Second
	rec = g.cycle(t)
	if rec.ModeAfter != safety.ModeNormal {
		t.Errorf("SHADOW at same quality: mode = %s, want NORMAL", rec.ModeAfter)
	}
}

func TestRunCycle_UnresolvedReconciliationTriggersEmergency(t *testing.T) {
	f := newFixture(phase.FullAuto)
	f.broker.qty = map[string]int64{"NIFTY24SEP22000CE": -100}
	f.ledger.qty = map[string]int64{"NIFTY24SEP22000CE": -50} // 50 lots apart

	rec := f.cycle(t)
	if rec.ModeAfter != safety.ModeEmergency {
		t.Fatalf("mode = %s, want EMERGENCY", rec.ModeAfter)
	}
	if rec.Transition == nil || rec.Transition.Trigger != safety.TriggerReconciliation {
		t.Errorf("transition = %+v", rec.Transition)
	}
	if f.unwind.cancelCalls() == 0 {
		t.Errorf("emergency unwind did not run")
	}
	if rec.Action != string(phase.JournalOnly) {
		t.Errorf("action = %s, want JOURNAL_ONLY", rec.Action)
	}
}

func TestRunCycle_CapitalBreachHalts(t *testing.T) {
	f := newFixture(phase.FullAuto)
	f.assess.exp = risk.Exposure{DailyPnL: -25_000}

	rec := f.cycle(t)
	if rec.ModeAfter != safety.ModeHalted {
		t.Errorf("mode = %s, want HALTED", rec.ModeAfter)
	}
	if rec.Verdict == nil || !rec.Verdict.Breached {
		t.Errorf("verdict = %+v", rec.Verdict)
	}
	if f.unwind.cancelCalls() != 0 {
		t.Errorf("capital halt must not run the unwind")
	}
}

func TestRunCycle_GovernorVetoStaysNormal(t *testing.T) {
	f := newFixture(phase.FullAuto)
	f.assess.exp = risk.Exposure{PortfolioDelta: 600} // delta veto, no breach

	rec := f.cycle(t)
	if rec.ModeAfter != safety.ModeNormal {
		t.Errorf("mode = %s, want NORMAL (veto is not a breach)", rec.ModeAfter)
	}
	found := false
	for _, flt := range rec.Faults {
		if flt.Class == journal.FaultGovernanceVeto {
			found = true
		}
	}
	if !found {
		t.Errorf("faults = %+v, want GOVERNANCE_VETO", rec.Faults)
	}
}

func TestRunCycle_KillSwitchObservedNextCycle(t *testing.T) {
	f := newFixture(phase.FullAuto)
	f.cycle(t) // clean

	// Asserted between cycles, from the admin surface.
	f.machine.AssertKillSwitch("ops", "manual stop")

	rec := f.cycle(t)
	if rec.ModeBefore != safety.ModeEmergency || rec.ModeAfter != safety.ModeEmergency {
		t.Errorf("mode before/after = %s/%s, want EMERGENCY/EMERGENCY", rec.ModeBefore, rec.ModeAfter)
	}
	if rec.Action != string(phase.JournalOnly) {
		t.Errorf("action = %s, want JOURNAL_ONLY", rec.Action)
	}
}

func TestRunCycle_EmergencyNeverAutoRecovers(t *testing.T) {
	f := newFixture(phase.FullAuto)
	f.ledger.qty = map[string]int64{"NIFTY24SEP22000CE": -40}
	f.broker.qty = map[string]int64{"NIFTY24SEP22000CE": -100}
	f.cycle(t) // EMERGENCY

	// Divergence resolves, but the mode must not.
	f.ledger.qty = map[string]int64{"NIFTY24SEP22000CE": -100}
	for i := 0; i < 10; i++ {
		rec := f.cycle(t)
		if rec.ModeAfter != safety.ModeEmergency {
			t.Fatalf("cycle %d auto-recovered to %s", i, rec.ModeAfter)
		}
	}
}

func TestRun_JournalsEveryCycleInOrder(t *testing.T) {
	f := newFixture(phase.Shadow)
	f.loop.cfg.Interval = 10 * time.Millisecond
	f.loop.cfg.Deadline = 8 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	f.loop.Run(ctx)

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if len(f.store.recs) < 3 {
		t.Fatalf("journaled %d records in 100ms at 10ms cadence", len(f.store.recs))
	}
	for i, rec := range f.store.recs {
		if rec.Sequence != uint64(i+1) {
			t.Errorf("record %d has seq %d", i, rec.Sequence)
		}
	}
}

func TestRun_StopsOnShutdown(t *testing.T) {
	f := newFixture(phase.Shadow)
	f.loop.cfg.Interval = 5 * time.Millisecond
	f.loop.cfg.Deadline = 4 * time.Millisecond
	f.machine.Shutdown("ops", "maintenance")

	done := make(chan error, 1)
	go func() { done <- f.loop.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v, want nil on shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after SHUTDOWN")
	}
}

func TestRunCycle_BlocksWhileUnwindInFlight(t *testing.T) {
	f := newFixture(phase.FullAuto)
	f.machine.AssertKillSwitch("ops", "manual stop")

	barrier := make(chan struct{})
	parked := make(chan struct{})
	f.unwind.barrier = barrier
	f.unwind.parked = parked

	// The admin surface runs the unwind detached from the request.
	unwindDone := make(chan error, 1)
	go func() {
		unwindDone <- f.exec.Execute(context.Background(), emergency.GlobalKillSwitch, nil, "manual kill switch")
	}()
	<-parked // unwind is in flight, holding the admission guard

	cycleDone := make(chan *journal.CycleRecord, 1)
	go func() { cycleDone <- f.loop.RunCycle(context.Background(), time.Now()) }()

	select {
	case <-cycleDone:
		t.Fatalf("cycle ran while the unwind was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(barrier)
	if err := <-unwindDone; err != nil {
		t.Fatalf("unwind: %v", err)
	}
	select {
	case rec := <-cycleDone:
		if rec.ModeBefore != safety.ModeEmergency || rec.ModeAfter != safety.ModeEmergency {
			t.Errorf("mode before/after = %s/%s, want EMERGENCY/EMERGENCY", rec.ModeBefore, rec.ModeAfter)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cycle did not resume after the unwind completed")
	}
}

func TestSubmitProposal_SemiAutoParksApproval(t *testing.T) {
	f := newFixture(phase.SemiAuto)
	id := f.loop.SubmitProposal(Proposal{
		Instrument: "NIFTY24SEP22000CE", Side: "SELL", Quantity: 50,
		DeltaAdd: 20, MarginAdd: 40_000,
	})

	rec := f.cycle(t)
	if len(rec.Decisions) != 1 {
		t.Fatalf("decisions = %+v, want 1", rec.Decisions)
	}
	d := rec.Decisions[0]
	if d.ID != id {
		t.Errorf("decision id = %s, want %s", d.ID, id)
	}
	if d.Outcome != journal.DecisionPendingApproval || d.ApprovalID == "" {
		t.Errorf("decision = %+v, want pending_approval with approval id", d)
	}
	pending := f.approvals.Pending(time.Now())
	if len(pending) != 1 || pending[0].ID != d.ApprovalID {
		t.Errorf("pending approvals = %+v", pending)
	}
	if pending[0].SpotAtReq != 22000 {
		t.Errorf("spot fingerprint = %f, want 22000", pending[0].SpotAtReq)
	}
}

func TestSubmitProposal_GovernorRejects(t *testing.T) {
	f := newFixture(phase.FullAuto)
	f.loop.SubmitProposal(Proposal{
		Instrument: "NIFTY24SEP22000CE", Side: "SELL", Quantity: 500,
		DeltaAdd: 600, MarginAdd: 10_000, // delta budget is 450 here
	})

	rec := f.cycle(t)
	if len(rec.Decisions) != 1 || rec.Decisions[0].Outcome != journal.DecisionRejected {
		t.Fatalf("decisions = %+v, want rejected_by_governor", rec.Decisions)
	}
	found := false
	for _, flt := range rec.Faults {
		if flt.Class == journal.FaultGovernanceVeto && flt.Stage == "decision" {
			found = true
		}
	}
	if !found {
		t.Errorf("faults = %+v, want GOVERNANCE_VETO from the decision path", rec.Faults)
	}
	if len(f.approvals.Pending(time.Now())) != 0 {
		t.Errorf("rejected proposal must not be parked for approval")
	}
}

func TestSubmitProposal_FullAutoReleases(t *testing.T) {
	f := newFixture(phase.FullAuto)
	f.loop.SubmitProposal(Proposal{Instrument: "NIFTY24SEP22000CE", Side: "BUY", Quantity: 25, DeltaAdd: 10, MarginAdd: 5_000})

	rec := f.cycle(t)
	if len(rec.Decisions) != 1 || rec.Decisions[0].Outcome != journal.DecisionReleased {
		t.Errorf("decisions = %+v, want released", rec.Decisions)
	}
}

func TestSubmitProposal_ShadowJournals(t *testing.T) {
	f := newFixture(phase.Shadow)
	f.loop.SubmitProposal(Proposal{Instrument: "NIFTY24SEP22000CE", Side: "BUY", Quantity: 25, DeltaAdd: 10, MarginAdd: 5_000})

	rec := f.cycle(t)
	if len(rec.Decisions) != 1 || rec.Decisions[0].Outcome != journal.DecisionJournaled {
		t.Errorf("decisions = %+v, want journaled", rec.Decisions)
	}
	if len(f.approvals.Pending(time.Now())) != 0 {
		t.Errorf("shadow decisions must not reach the approval queue")
	}
}

type failStore struct {
	err error
}

func (f *failStore) Append(context.Context, *journal.CycleRecord) error { return f.err }
func (f *failStore) Close() error                                       { return nil }

func TestRunCycle_JournalFailureEscalatesToHalt(t *testing.T) {
	f := newFixture(phase.Shadow)
	f.loop.store = &failStore{err: errors.New("disk full")}

	// The first failed append cannot fault its own cycle; the failure is
	// carried into the next one.
	rec := f.cycle(t)
	if len(rec.Faults) != 0 {
		t.Fatalf("first cycle faults = %+v, want none", rec.Faults)
	}

	for i := 0; i < 5; i++ {
		rec = f.cycle(t)
		found := false
		for _, flt := range rec.Faults {
			if flt.Class == journal.FaultTransientIO && flt.Stage == "journal" {
				found = true
			}
		}
		if !found {
			t.Fatalf("cycle %d faults = %+v, want TRANSIENT_IO from journal", i+2, rec.Faults)
		}
	}
	if rec.ModeAfter != safety.ModeHalted {
		t.Errorf("mode = %s, want HALTED after five journal-faulted cycles", rec.ModeAfter)
	}
	if rec.Transition == nil || rec.Transition.Trigger != safety.TriggerCycleFaults {
		t.Errorf("transition = %+v, want consecutive_cycle_faults", rec.Transition)
	}
}

func TestRunCycle_JournalRecoveryClearsCarriedFault(t *testing.T) {
	f := newFixture(phase.Shadow)
	dead := &failStore{err: errors.New("disk full")}
	f.loop.store = dead

	f.cycle(t) // append fails, failure carried
	f.loop.store = f.store

	rec := f.cycle(t) // carries the fault, but persists fine
	if len(rec.Faults) != 1 || rec.Faults[0].Stage != "journal" {
		t.Fatalf("faults = %+v, want one carried journal fault", rec.Faults)
	}

	rec = f.cycle(t)
	if len(rec.Faults) != 0 {
		t.Errorf("faults = %+v, want none once the journal recovered", rec.Faults)
	}
	if rec.ModeAfter != safety.ModeNormal {
		t.Errorf("mode = %s, want NORMAL", rec.ModeAfter)
	}
}

func TestSetPhase(t *testing.T) {
	f := newFixture(phase.Shadow)
	rec := f.cycle(t)
	if rec.Action != string(phase.JournalOnly) {
		t.Fatalf("shadow action = %s", rec.Action)
	}

	f.loop.SetPhase(phase.FullAuto, "ops")
	rec = f.cycle(t)
	if rec.Action != string(phase.Execute) {
		t.Errorf("action after phase change = %s, want EXECUTE", rec.Action)
	}
}
