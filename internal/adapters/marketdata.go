package adapters

import (
	"context"
	"net/http"
	"time"

	"github.com/shritish20/volguard-production/internal/marketdata"
)

// MarketDataClient pulls option-chain snapshots from the market data
// collaborator over HTTP.
type MarketDataClient struct {
	c *client
}

func NewMarketDataClient(cfg ClientConfig) *MarketDataClient {
	if cfg.Name == "" {
		cfg.Name = "market_data"
	}
	return &MarketDataClient{c: newClient(cfg)}
}

type snapshotDTO struct {
	Timestamp time.Time           `json:"timestamp"`
	Spot      float64             `json:"spot"`
	VIX       float64             `json:"vix"`
	Source    string              `json:"source"`
	Quotes    map[string]quoteDTO `json:"quotes"`
}

type quoteDTO struct {
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetSnapshot fetches the current snapshot. The quality gate judges
// freshness; this client only reports what the collaborator said.
func (m *MarketDataClient) GetSnapshot(ctx context.Context) (*marketdata.Snapshot, error) {
	var dto snapshotDTO
	if err := m.c.doJSON(ctx, http.MethodGet, "/v1/snapshot", nil, &dto); err != nil {
		return nil, err
	}

	snap := &marketdata.Snapshot{
		Timestamp: dto.Timestamp,
		Spot:      dto.Spot,
		VIX:       dto.VIX,
		Source:    dto.Source,
		Quotes:    make(map[string]marketdata.Quote, len(dto.Quotes)),
	}
	for instrument, q := range dto.Quotes {
		snap.Quotes[instrument] = marketdata.Quote{
			Instrument: instrument,
			Bid:        q.Bid, Ask: q.Ask, Last: q.Last,
			UpdatedAt: q.UpdatedAt,
		}
	}
	return snap, nil
}
