package marketdata

import (
	"testing"
	"time"
)

func snapAt(now time.Time, age time.Duration, quotes map[string][2]float64) *Snapshot {
	s := &Snapshot{
		Timestamp: now,
		Spot:      22000,
		VIX:       14.5,
		Quotes:    map[string]Quote{},
		Source:    "sim",
	}
	for inst, ba := range quotes {
		s.Quotes[inst] = Quote{
			Instrument: inst,
			Bid:        ba[0],
			Ask:        ba[1],
			Last:       (ba[0] + ba[1]) / 2,
			UpdatedAt:  now.Add(-age),
		}
	}
	return s
}

func TestQualityGateFreshCompleteSnapshot(t *testing.T) {
	now := time.Now()
	g := NewGate(GateConfig{
		StaleCutoff:  15 * time.Second,
		ExpectedTick: 5 * time.Second,
		Required:     []string{"NIFTY24DEC22000CE", "NIFTY24DEC22000PE"},
	})

	r := g.Score(snapAt(now, time.Second, map[string][2]float64{
		"NIFTY24DEC22000CE": {101.0, 101.5},
		"NIFTY24DEC22000PE": {98.0, 98.4},
	}), now)

	if r.Stale {
		t.Fatal("fresh snapshot marked stale")
	}
	if r.Score < 0.99 {
		t.Fatalf("want score ~1.0, got %.3f (report %+v)", r.Score, r)
	}
}

func TestQualityGateStaleCutoffEscalates(t *testing.T) {
	now := time.Now()
	g := NewGate(GateConfig{StaleCutoff: 15 * time.Second, ExpectedTick: 5 * time.Second})

	r := g.Score(snapAt(now, 20*time.Second, map[string][2]float64{
		"NIFTY24DEC22000CE": {101.0, 101.5},
	}), now)

	if !r.Stale {
		t.Fatal("snapshot older than cutoff must set Stale")
	}
	if r.Staleness != 0 {
		t.Fatalf("staleness component should bottom out at 0, got %.3f", r.Staleness)
	}
}

func TestQualityGateEmptySnapshot(t *testing.T) {
	g := NewGate(GateConfig{})
	r := g.Score(nil, time.Now())
	if !r.Stale || r.Score != 0 {
		t.Fatalf("nil snapshot: want stale, zero score; got %+v", r)
	}
}

func TestQualityGateMissingInstrumentLowersCompleteness(t *testing.T) {
	now := time.Now()
	g := NewGate(GateConfig{
		StaleCutoff:  15 * time.Second,
		ExpectedTick: 5 * time.Second,
		Required:     []string{"A", "B", "C", "D"},
	})

	r := g.Score(snapAt(now, time.Second, map[string][2]float64{
		"A": {10, 10.5},
		"B": {20, 20.5},
	}), now)

	if r.Completeness != 0.5 {
		t.Fatalf("want completeness 0.5, got %.3f", r.Completeness)
	}
}

func TestQualityGateCrossedBookPenalized(t *testing.T) {
	now := time.Now()
	g := NewGate(GateConfig{StaleCutoff: 15 * time.Second, ExpectedTick: 5 * time.Second})

	r := g.Score(snapAt(now, time.Second, map[string][2]float64{
		"A": {10.5, 10.0}, // crossed
		"B": {20.0, 20.5},
	}), now)

	if r.Consistency != 0.5 {
		t.Fatalf("want consistency 0.5, got %.3f", r.Consistency)
	}
	if len(r.Problems) == 0 {
		t.Fatal("crossed book should be reported as a problem")
	}
}

func TestStalenessLinearDecay(t *testing.T) {
	g := NewGate(GateConfig{StaleCutoff: 15 * time.Second, ExpectedTick: 5 * time.Second})

	// Midway between expected tick and cutoff → 0.5.
	got := g.stalenessComponent(10 * time.Second)
	if got < 0.49 || got > 0.51 {
		t.Fatalf("want ~0.5 at midpoint, got %.3f", got)
	}
}
