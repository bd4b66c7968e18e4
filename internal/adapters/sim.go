package adapters

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shritish20/volguard-production/internal/marketdata"
	"github.com/shritish20/volguard-production/internal/positions"
	"github.com/shritish20/volguard-production/internal/risk"
)

// Sim is a self-contained in-process collaborator set: a drifting market,
// three agreeing position views and a quiet exposure. It lets the
// supervisor run end-to-end with no external services, which is how shadow
// deployments and local development start.
type Sim struct {
	mu    sync.Mutex
	start time.Time
	spot  float64
	book  map[string]positions.Position
}

func NewSim() *Sim {
	now := time.Now().UTC()
	return &Sim{
		start: now,
		spot:  22000,
		book: map[string]positions.Position{
			"NIFTY24SEP22000CE": {
				Instrument: "NIFTY24SEP22000CE",
				Quantity:   decimal.NewFromInt(-100),
				AvgPrice:   decimal.NewFromFloat(211.25),
				UpdatedAt:  now,
			},
			"NIFTY24SEP22000PE": {
				Instrument: "NIFTY24SEP22000PE",
				Quantity:   decimal.NewFromInt(-100),
				AvgPrice:   decimal.NewFromFloat(196.50),
				UpdatedAt:  now,
			},
		},
	}
}

// GetSnapshot returns a fresh snapshot with a slow sinusoidal spot drift,
// enough movement to exercise approval fingerprints without ever tripping
// a limit on its own.
func (s *Sim) GetSnapshot(_ context.Context) (*marketdata.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	elapsed := now.Sub(s.start).Seconds()
	spot := s.spot + 30*math.Sin(elapsed/60)

	quotes := make(map[string]marketdata.Quote, len(s.book))
	for inst, p := range s.book {
		mid, _ := p.AvgPrice.Float64()
		quotes[inst] = marketdata.Quote{
			Instrument: inst,
			Bid:        mid - 1,
			Ask:        mid + 1,
			Last:       mid,
			UpdatedAt:  now,
		}
	}
	return &marketdata.Snapshot{
		Timestamp: now,
		Spot:      spot,
		VIX:       13.0 + math.Sin(elapsed/120),
		Quotes:    quotes,
		Source:    "sim",
	}, nil
}

// SimPositions exposes the sim book under a source name so one Sim can
// stand in for broker, ledger and feed at once (they agree by definition).
type SimPositions struct {
	sim  *Sim
	name string
}

func (s *Sim) PositionSource(name string) *SimPositions {
	return &SimPositions{sim: s, name: name}
}

func (p *SimPositions) Name() string { return p.name }

func (p *SimPositions) Positions(_ context.Context) (positions.View, error) {
	p.sim.mu.Lock()
	defer p.sim.mu.Unlock()

	view := positions.View{
		Source:    p.name,
		AsOf:      time.Now().UTC(),
		Positions: make(map[string]positions.Position, len(p.sim.book)),
	}
	for k, v := range p.sim.book {
		view.Positions[k] = v
	}
	return view, nil
}

// Exposure reports a short-straddle-ish risk picture scaled to the book.
func (s *Sim) Exposure(_ context.Context) (risk.Exposure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	per := make(map[string]float64, len(s.book))
	gross := 0.0
	for inst, p := range s.book {
		notional, _ := p.Quantity.Abs().Mul(p.AvgPrice).Float64()
		per[inst] = notional
		gross += notional
	}
	return risk.Exposure{
		PortfolioDelta: 12,
		Gamma:          -0.4,
		Vega:           -900,
		Theta:          450,
		DailyPnL:       300,
		MarginUsed:     gross * 3,
		GrossNotional:  gross,
		WorstCaseLoss:  gross * 0.4,
		PerInstrument:  per,
	}, nil
}

// CancelAllOrders is a no-op: the sim carries no working orders.
func (s *Sim) CancelAllOrders(_ context.Context) error { return nil }

// ClosePositions flattens the named instruments, or everything.
func (s *Sim) ClosePositions(_ context.Context, instruments []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(instruments) == 0 {
		s.book = map[string]positions.Position{}
		return nil
	}
	for _, inst := range instruments {
		delete(s.book, inst)
	}
	return nil
}

func (s *Sim) ConfirmFlat(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.book) == 0, nil
}
