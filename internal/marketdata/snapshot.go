package marketdata

import (
	"context"
	"time"
)

// Quote is one instrument's view in a snapshot.
type Quote struct {
	Instrument string    `json:"instrument"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Last       float64   `json:"last"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Snapshot is the market state read once at the top of every cycle.
type Snapshot struct {
	Timestamp time.Time        `json:"timestamp"`
	Spot      float64          `json:"spot"`
	VIX       float64          `json:"vix"`
	Quotes    map[string]Quote `json:"quotes"`
	Source    string           `json:"source"` // websocket | rest | sim
}

// Source is the market data collaborator. A nil snapshot with nil error is
// not allowed; sources return an error when they have nothing.
type Source interface {
	GetSnapshot(ctx context.Context) (*Snapshot, error)
}

// FreshestQuote returns the most recently updated quote's age relative to
// now, and false when the snapshot carries no quotes at all.
func (s *Snapshot) FreshestQuote(now time.Time) (time.Duration, bool) {
	if s == nil || len(s.Quotes) == 0 {
		return 0, false
	}
	newest := time.Time{}
	for _, q := range s.Quotes {
		if q.UpdatedAt.After(newest) {
			newest = q.UpdatedAt
		}
	}
	return now.Sub(newest), true
}
