package marketdata

import (
	"fmt"
	"time"

	"github.com/shritish20/volguard-production/internal/observ"
)

// GateConfig holds the data quality thresholds.
type GateConfig struct {
	StaleCutoff  time.Duration // no fresh tick within this → hard escalation
	ExpectedTick time.Duration // nominal update frequency of the feed
	Required     []string      // instruments a snapshot must carry
}

// Report is the quality gate's verdict for one snapshot. Score is the
// weighted blend; Stale is the hard escalation flag that bypasses the
// per-phase minimum entirely.
type Report struct {
	Score        float64  `json:"score"`
	Staleness    float64  `json:"staleness"`
	Completeness float64  `json:"completeness"`
	Consistency  float64  `json:"consistency"`
	Stale        bool     `json:"stale"`
	Problems     []string `json:"problems,omitempty"`
}

// Gate scores snapshots on freshness, completeness and internal consistency.
// It emits signals, never errors: a bad snapshot is a normal input here.
type Gate struct {
	cfg GateConfig
}

func NewGate(cfg GateConfig) *Gate {
	if cfg.StaleCutoff <= 0 {
		cfg.StaleCutoff = 15 * time.Second
	}
	if cfg.ExpectedTick <= 0 {
		cfg.ExpectedTick = 5 * time.Second
	}
	return &Gate{cfg: cfg}
}

// Score evaluates one snapshot at the given wall-clock time.
func (g *Gate) Score(snap *Snapshot, now time.Time) Report {
	var r Report

	if snap == nil || len(snap.Quotes) == 0 {
		r.Stale = true
		r.Problems = append(r.Problems, "empty snapshot")
		observ.DataQualityScore.Set(0)
		return r
	}

	age, ok := snap.FreshestQuote(now)
	if !ok || age > g.cfg.StaleCutoff {
		r.Stale = true
		r.Problems = append(r.Problems, fmt.Sprintf("no fresh data within %s", g.cfg.StaleCutoff))
	}
	r.Staleness = g.stalenessComponent(age)
	r.Completeness = g.completenessComponent(snap)
	r.Consistency = g.consistencyComponent(snap, &r)

	r.Score = 0.4*r.Staleness + 0.4*r.Completeness + 0.2*r.Consistency
	observ.DataQualityScore.Set(r.Score)
	return r
}

// stalenessComponent is 1.0 at or under the expected tick interval and
// decays linearly to 0 at the hard cutoff.
func (g *Gate) stalenessComponent(age time.Duration) float64 {
	if age <= g.cfg.ExpectedTick {
		return 1.0
	}
	if age >= g.cfg.StaleCutoff {
		return 0.0
	}
	span := g.cfg.StaleCutoff - g.cfg.ExpectedTick
	return 1.0 - float64(age-g.cfg.ExpectedTick)/float64(span)
}

func (g *Gate) completenessComponent(snap *Snapshot) float64 {
	if len(g.cfg.Required) == 0 {
		return 1.0
	}
	present := 0
	for _, inst := range g.cfg.Required {
		if _, ok := snap.Quotes[inst]; ok {
			present++
		}
	}
	return float64(present) / float64(len(g.cfg.Required))
}

func (g *Gate) consistencyComponent(snap *Snapshot, r *Report) float64 {
	if len(snap.Quotes) == 0 {
		return 0.0
	}
	sane := 0
	for inst, q := range snap.Quotes {
		switch {
		case q.Bid <= 0 || q.Ask <= 0:
			r.Problems = append(r.Problems, fmt.Sprintf("%s: non-positive quote", inst))
		case q.Bid > q.Ask:
			r.Problems = append(r.Problems, fmt.Sprintf("%s: bid %.4f above ask %.4f", inst, q.Bid, q.Ask))
		default:
			sane++
		}
	}
	return float64(sane) / float64(len(snap.Quotes))
}
