package risk

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/shritish20/volguard-production/internal/observ"
)

// Exposure is the portfolio risk picture for one cycle, produced by the
// risk assessor collaborator against live positions and quotes.
type Exposure struct {
	PortfolioDelta float64            `json:"portfolio_delta"`
	Gamma          float64            `json:"gamma"`
	Vega           float64            `json:"vega"`
	Theta          float64            `json:"theta"`
	DailyPnL       float64            `json:"daily_pnl"` // negative is a loss
	MarginUsed     float64            `json:"margin_used"`
	GrossNotional  float64            `json:"gross_notional"`
	WorstCaseLoss  float64            `json:"worst_case_loss"` // positive magnitude
	PerInstrument  map[string]float64 `json:"per_instrument,omitempty"`
}

// Assessor computes Exposure. Implemented by the HTTP risk collaborator
// and by in-process stubs in tests.
type Assessor interface {
	Exposure(ctx context.Context) (Exposure, error)
}

// Limits are the hard capital boundaries, all expressed against total
// capital, plus the warn fractions at which we log before we act.
type Limits struct {
	TotalCapital     float64
	DailyLossPct     float64 // hard daily loss, e.g. 2.0
	PositionCapPct   float64 // margin deployed, e.g. 30.0
	WorstCasePct     float64 // modeled worst-case loss, e.g. 5.0
	ConcentrationPct float64 // single-instrument notional, e.g. 10.0
	MaxDelta         float64 // absolute portfolio delta

	DailyLossWarnAt     float64 // fraction of the limit, e.g. 0.8
	PositionCapWarnAt   float64
	WorstCaseWarnAt     float64
	ConcentrationWarnAt float64
}

// Check is one limit evaluation inside a Verdict.
type Check struct {
	Reason   string  `json:"reason"`
	Limit    float64 `json:"limit"`
	Observed float64 `json:"observed"`
}

// Verdict is the governor's answer for a cycle. Breached means a hard
// capital boundary is crossed and the safety machine should halt; vetoes
// apply to new risk only and leave existing positions alone.
type Verdict struct {
	Breached     bool    `json:"breached"`
	BreachReason string  `json:"breach_reason,omitempty"`
	Vetoes       []Check `json:"vetoes,omitempty"`
	Warnings     []Check `json:"warnings,omitempty"`
	DeltaBudget  float64 `json:"delta_budget"`
	MarginBudget float64 `json:"margin_budget"`
}

// Governor enforces the capital boundaries. Vetoes are monotonic for a
// trading day: once the daily loss limit trips, no later mark-to-market
// bounce un-trips it until ResetDay.
type Governor struct {
	mu          sync.Mutex
	limits      Limits
	lossLatched bool
	lastVerdict Verdict
}

func NewGovernor(l Limits) *Governor {
	return &Governor{limits: l}
}

// Evaluate runs every limit against the exposure and returns the verdict.
// It never mutates positions and it never errors: an un-computable input
// is the caller's data-quality problem, not ours.
func (g *Governor) Evaluate(exp Exposure) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	l := g.limits
	v := Verdict{}

	dailyLossLimit := l.TotalCapital * l.DailyLossPct / 100
	marginLimit := l.TotalCapital * l.PositionCapPct / 100
	worstCaseLimit := l.TotalCapital * l.WorstCasePct / 100
	concentrationLimit := l.TotalCapital * l.ConcentrationPct / 100

	loss := -exp.DailyPnL // positive when losing
	if loss >= dailyLossLimit {
		g.lossLatched = true
	}
	if g.lossLatched {
		v.Breached = true
		v.BreachReason = "daily_loss_limit"
		v.Vetoes = append(v.Vetoes, Check{Reason: "daily_loss_limit", Limit: dailyLossLimit, Observed: loss})
	} else if loss >= dailyLossLimit*l.DailyLossWarnAt {
		v.Warnings = append(v.Warnings, Check{Reason: "daily_loss_warning", Limit: dailyLossLimit, Observed: loss})
	}

	if exp.MarginUsed >= marginLimit {
		v.Vetoes = append(v.Vetoes, Check{Reason: "position_cap", Limit: marginLimit, Observed: exp.MarginUsed})
	} else if exp.MarginUsed >= marginLimit*l.PositionCapWarnAt {
		v.Warnings = append(v.Warnings, Check{Reason: "position_cap_warning", Limit: marginLimit, Observed: exp.MarginUsed})
	}

	if exp.WorstCaseLoss >= worstCaseLimit {
		v.Breached = true
		if v.BreachReason == "" {
			v.BreachReason = "worst_case_loss_limit"
		}
		v.Vetoes = append(v.Vetoes, Check{Reason: "worst_case_loss_limit", Limit: worstCaseLimit, Observed: exp.WorstCaseLoss})
	} else if exp.WorstCaseLoss >= worstCaseLimit*l.WorstCaseWarnAt {
		v.Warnings = append(v.Warnings, Check{Reason: "worst_case_warning", Limit: worstCaseLimit, Observed: exp.WorstCaseLoss})
	}

	if math.Abs(exp.PortfolioDelta) >= l.MaxDelta {
		v.Vetoes = append(v.Vetoes, Check{Reason: "portfolio_delta_limit", Limit: l.MaxDelta, Observed: math.Abs(exp.PortfolioDelta)})
	}

	for instrument, notional := range exp.PerInstrument {
		if notional >= concentrationLimit {
			v.Vetoes = append(v.Vetoes, Check{
				Reason:   fmt.Sprintf("concentration_limit:%s", instrument),
				Limit:    concentrationLimit,
				Observed: notional,
			})
		} else if notional >= concentrationLimit*l.ConcentrationWarnAt {
			v.Warnings = append(v.Warnings, Check{
				Reason:   fmt.Sprintf("concentration_warning:%s", instrument),
				Limit:    concentrationLimit,
				Observed: notional,
			})
		}
	}

	v.DeltaBudget = math.Max(0, l.MaxDelta-math.Abs(exp.PortfolioDelta))
	v.MarginBudget = math.Max(0, marginLimit-exp.MarginUsed)

	for _, veto := range v.Vetoes {
		observ.GovernorVetoesTotal.WithLabelValues(veto.Reason).Inc()
	}
	for _, w := range v.Warnings {
		observ.Warn("governor_warning", map[string]any{
			"reason": w.Reason, "limit": w.Limit, "observed": w.Observed,
		})
	}

	g.lastVerdict = v
	return v
}

// CheckTrade vetoes proposed new risk against the remaining budget from
// the most recent Evaluate. Existing positions are never touched here.
func (g *Governor) CheckTrade(deltaAdd, marginAdd float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	v := g.lastVerdict
	if v.Breached {
		return fmt.Errorf("rejected_by_governor: %s", v.BreachReason)
	}
	if len(v.Vetoes) > 0 {
		return fmt.Errorf("rejected_by_governor: %s", v.Vetoes[0].Reason)
	}
	if math.Abs(deltaAdd) > v.DeltaBudget {
		observ.GovernorVetoesTotal.WithLabelValues("delta_budget_exceeded").Inc()
		return fmt.Errorf("rejected_by_governor: delta add %.1f exceeds budget %.1f", math.Abs(deltaAdd), v.DeltaBudget)
	}
	if marginAdd > v.MarginBudget {
		observ.GovernorVetoesTotal.WithLabelValues("margin_budget_exceeded").Inc()
		return fmt.Errorf("rejected_by_governor: margin add %.0f exceeds budget %.0f", marginAdd, v.MarginBudget)
	}
	return nil
}

// ResetDay clears the loss latch at the start of a new trading day.
func (g *Governor) ResetDay() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lossLatched = false
	observ.Log("governor_day_reset", nil)
}

// LossLatched reports whether the daily loss limit has tripped today.
func (g *Governor) LossLatched() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lossLatched
}
