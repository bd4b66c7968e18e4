package positions

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Position is one instrument's holding as reported by a single source.
type Position struct {
	Instrument string          `json:"instrument"`
	Quantity   decimal.Decimal `json:"quantity"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// View is one source of truth's complete picture at a point in time.
type View struct {
	Source    string              `json:"source"` // broker | ledger | feed
	AsOf      time.Time           `json:"as_of"`
	Positions map[string]Position `json:"positions"`
}

// Source is a position collaborator: the broker API, the local ledger store,
// or the streaming-feed-derived view.
type Source interface {
	Name() string
	Positions(ctx context.Context) (View, error)
}

// Quantity returns the view's quantity for an instrument, zero if absent.
// A source not knowing about an instrument is a real signal, not an error.
func (v View) Quantity(instrument string) decimal.Decimal {
	if p, ok := v.Positions[instrument]; ok {
		return p.Quantity
	}
	return decimal.Zero
}
