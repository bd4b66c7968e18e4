package adapters

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shritish20/volguard-production/internal/positions"
	"github.com/shritish20/volguard-production/internal/risk"
)

// BrokerClient reads positions and margin straight from the broker API.
// The broker is the authoritative leg of the three-way reconciliation.
type BrokerClient struct {
	c *client
}

func NewBrokerClient(cfg ClientConfig) *BrokerClient {
	if cfg.Name == "" {
		cfg.Name = "broker"
	}
	return &BrokerClient{c: newClient(cfg)}
}

func (b *BrokerClient) Name() string { return "broker" }

type brokerPositionsDTO struct {
	AsOf      time.Time           `json:"as_of"`
	Positions []brokerPositionDTO `json:"positions"`
}

type brokerPositionDTO struct {
	Instrument string `json:"instrument"`
	Quantity   string `json:"quantity"`  // decimal string, lots
	AvgPrice   string `json:"avg_price"` // decimal string
	UpdatedAt  time.Time `json:"updated_at"`
}

func (b *BrokerClient) Positions(ctx context.Context) (positions.View, error) {
	var dto brokerPositionsDTO
	if err := b.c.doJSON(ctx, http.MethodGet, "/v1/positions", nil, &dto); err != nil {
		return positions.View{}, err
	}

	view := positions.View{
		Source:    b.Name(),
		AsOf:      dto.AsOf,
		Positions: make(map[string]positions.Position, len(dto.Positions)),
	}
	for _, p := range dto.Positions {
		qty, err := decimal.NewFromString(p.Quantity)
		if err != nil {
			return positions.View{}, &ParseError{Source: b.Name(), Field: "quantity", Value: p.Quantity, Err: err}
		}
		price, err := decimal.NewFromString(p.AvgPrice)
		if err != nil {
			return positions.View{}, &ParseError{Source: b.Name(), Field: "avg_price", Value: p.AvgPrice, Err: err}
		}
		view.Positions[p.Instrument] = positions.Position{
			Instrument: p.Instrument,
			Quantity:   qty,
			AvgPrice:   price,
			UpdatedAt:  p.UpdatedAt,
		}
	}
	return view, nil
}

// RiskClient fetches the portfolio exposure from the risk assessment
// collaborator.
type RiskClient struct {
	c *client
}

func NewRiskClient(cfg ClientConfig) *RiskClient {
	if cfg.Name == "" {
		cfg.Name = "risk_assessor"
	}
	return &RiskClient{c: newClient(cfg)}
}

func (r *RiskClient) Exposure(ctx context.Context) (risk.Exposure, error) {
	var exp risk.Exposure
	if err := r.c.doJSON(ctx, http.MethodGet, "/v1/exposure", nil, &exp); err != nil {
		return risk.Exposure{}, err
	}
	return exp, nil
}
