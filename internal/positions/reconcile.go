package positions

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shritish20/volguard-production/internal/observ"
)

// Status of one reconciliation pass.
type Status string

const (
	StatusAgreement   Status = "agreement"
	StatusDiscrepancy Status = "discrepancy" // sub-materiality drift, non-blocking
	StatusUnresolved  Status = "unresolved"  // escalates to the safety machine
)

// InstrumentDelta records the three quantities and their worst pairwise
// divergence for one instrument.
type InstrumentDelta struct {
	Instrument string          `json:"instrument"`
	Broker     decimal.Decimal `json:"broker"`
	Ledger     decimal.Decimal `json:"ledger"`
	Feed       decimal.Decimal `json:"feed"`
	MaxDelta   decimal.Decimal `json:"max_delta"`
	Notional   decimal.Decimal `json:"notional"` // max delta x reference price
	Material   bool            `json:"material"`
}

// Result is the outcome of comparing the three views.
type Result struct {
	Status             Status            `json:"status"`
	Deltas             []InstrumentDelta `json:"deltas,omitempty"`
	UnresolvedCount    int               `json:"unresolved_count"`
	UnresolvedNotional decimal.Decimal   `json:"unresolved_notional"`
	CheckedAt          time.Time         `json:"checked_at"`
}

// Config sets the materiality threshold and the escalation limits.
type Config struct {
	MaterialityQty        decimal.Decimal
	MaxUnresolved         int             // result is unresolved at >= this many material instruments
	MaxUnresolvedNotional decimal.Decimal // or at >= this much aggregate notional
}

// Reconcile diffs the three views pairwise per instrument. It is a pure
// function over immutable snapshots; divergence between sources of truth is
// treated as more dangerous than any single bad number, so material
// discrepancies produce an unresolved result rather than picking a winner.
func Reconcile(broker, ledger, feed View, cfg Config) Result {
	res := Result{
		Status:             StatusAgreement,
		UnresolvedNotional: decimal.Zero,
		CheckedAt:          time.Now().UTC(),
	}
	if cfg.MaxUnresolved <= 0 {
		cfg.MaxUnresolved = 1
	}

	instruments := map[string]struct{}{}
	for _, v := range []View{broker, ledger, feed} {
		for inst := range v.Positions {
			instruments[inst] = struct{}{}
		}
	}

	names := make([]string, 0, len(instruments))
	for inst := range instruments {
		names = append(names, inst)
	}
	sort.Strings(names)

	for _, inst := range names {
		b := broker.Quantity(inst)
		l := ledger.Quantity(inst)
		f := feed.Quantity(inst)

		maxDelta := maxAbsDiff(b, l, f)
		if maxDelta.IsZero() {
			continue
		}

		d := InstrumentDelta{
			Instrument: inst,
			Broker:     b,
			Ledger:     l,
			Feed:       f,
			MaxDelta:   maxDelta,
			Notional:   maxDelta.Mul(referencePrice(inst, broker, ledger, feed)),
			Material:   maxDelta.GreaterThanOrEqual(cfg.MaterialityQty),
		}
		res.Deltas = append(res.Deltas, d)

		if d.Material {
			res.UnresolvedCount++
			res.UnresolvedNotional = res.UnresolvedNotional.Add(d.Notional)
		}
	}

	switch {
	case res.UnresolvedCount >= cfg.MaxUnresolved,
		!cfg.MaxUnresolvedNotional.IsZero() && res.UnresolvedNotional.GreaterThanOrEqual(cfg.MaxUnresolvedNotional):
		res.Status = StatusUnresolved
	case len(res.Deltas) > 0:
		res.Status = StatusDiscrepancy
	}

	observ.ReconciliationUnresolved.Set(float64(res.UnresolvedCount))
	return res
}

func maxAbsDiff(a, b, c decimal.Decimal) decimal.Decimal {
	m := a.Sub(b).Abs()
	if d := b.Sub(c).Abs(); d.GreaterThan(m) {
		m = d
	}
	if d := a.Sub(c).Abs(); d.GreaterThan(m) {
		m = d
	}
	return m
}

// referencePrice takes the first non-zero average price any view carries for
// the instrument; notional is an escalation heuristic, not an accounting number.
func referencePrice(inst string, views ...View) decimal.Decimal {
	for _, v := range views {
		if p, ok := v.Positions[inst]; ok && !p.AvgPrice.IsZero() {
			return p.AvgPrice
		}
	}
	return decimal.Zero
}
