package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/shritish20/volguard-production/internal/positions"
)

// LedgerSource reads the platform's own position ledger out of Redis. The
// fill pipeline maintains one hash per book under <prefix>:positions, with
// the instrument as field and a JSON record as value.
type LedgerSource struct {
	rdb    redis.Cmdable
	prefix string
}

func NewLedgerSource(addr string, db int, prefix string) *LedgerSource {
	return &LedgerSource{
		rdb: redis.NewClient(&redis.Options{
			Addr:         addr,
			DB:           db,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		}),
		prefix: prefix,
	}
}

// NewLedgerSourceFromClient wires an existing client; tests use this.
func NewLedgerSourceFromClient(rdb redis.Cmdable, prefix string) *LedgerSource {
	return &LedgerSource{rdb: rdb, prefix: prefix}
}

func (l *LedgerSource) Name() string { return "ledger" }

type ledgerEntry struct {
	Quantity  string    `json:"qty"`
	AvgPrice  string    `json:"avg_price"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (l *LedgerSource) Positions(ctx context.Context) (positions.View, error) {
	key := l.prefix + ":positions"
	raw, err := l.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return positions.View{}, fmt.Errorf("ledger hgetall %s: %w", key, err)
	}

	view := positions.View{
		Source:    l.Name(),
		AsOf:      time.Now().UTC(),
		Positions: make(map[string]positions.Position, len(raw)),
	}
	for instrument, blob := range raw {
		var e ledgerEntry
		if err := json.Unmarshal([]byte(blob), &e); err != nil {
			return positions.View{}, &ParseError{Source: l.Name(), Field: instrument, Value: blob, Err: err}
		}
		qty, err := decimal.NewFromString(e.Quantity)
		if err != nil {
			return positions.View{}, &ParseError{Source: l.Name(), Field: "qty", Value: e.Quantity, Err: err}
		}
		price := decimal.Zero
		if e.AvgPrice != "" {
			if price, err = decimal.NewFromString(e.AvgPrice); err != nil {
				return positions.View{}, &ParseError{Source: l.Name(), Field: "avg_price", Value: e.AvgPrice, Err: err}
			}
		}
		view.Positions[instrument] = positions.Position{
			Instrument: instrument,
			Quantity:   qty,
			AvgPrice:   price,
			UpdatedAt:  e.UpdatedAt,
		}
	}
	return view, nil
}
