package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/shritish20/volguard-production/internal/observ"
	"github.com/shritish20/volguard-production/internal/positions"
)

// FeedSource derives a position view from the streaming fills feed. It is
// the third, independent leg of the reconciliation: if the feed and the
// ledger disagree, somebody dropped a fill.
type FeedSource struct {
	url       string
	reconnect time.Duration

	mu      sync.RWMutex
	book    map[string]positions.Position
	asOf    time.Time
	started bool
}

func NewFeedSource(url string, reconnect time.Duration) *FeedSource {
	if reconnect <= 0 {
		reconnect = 2 * time.Second
	}
	return &FeedSource{
		url:       url,
		reconnect: reconnect,
		book:      make(map[string]positions.Position),
	}
}

func (f *FeedSource) Name() string { return "feed" }

// fillEvent is one message on the fills stream.
type fillEvent struct {
	Type       string    `json:"type"` // fill | snapshot_position
	Instrument string    `json:"instrument"`
	Quantity   string    `json:"qty"`   // signed fill quantity, or absolute for snapshots
	Price      string    `json:"price"`
	Timestamp  time.Time `json:"ts"`
}

// Start runs the websocket consumer until the context ends, reconnecting
// with a fixed delay. Call once.
func (f *FeedSource) Start(ctx context.Context) {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.mu.Unlock()

	go func() {
		for ctx.Err() == nil {
			if err := f.consume(ctx); err != nil && ctx.Err() == nil {
				observ.Error("feed_disconnected", err, map[string]any{"url": f.url})
			}
			select {
			case <-time.After(f.reconnect):
			case <-ctx.Done():
			}
		}
	}()
}

func (f *FeedSource) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	observ.Log("feed_connected", map[string]any{"url": f.url})

	// Unblock ReadMessage when the context ends.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev fillEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			observ.Error("feed_bad_message", err, map[string]any{"payload": truncate(msg, 200)})
			continue
		}
		if err := f.Apply(ev); err != nil {
			observ.Error("feed_bad_event", err, nil)
		}
	}
}

// Apply folds one event into the derived book. Exported so tests can feed
// events without a socket.
func (f *FeedSource) Apply(ev fillEvent) error {
	qty, err := decimal.NewFromString(ev.Quantity)
	if err != nil {
		return &ParseError{Source: f.Name(), Field: "qty", Value: ev.Quantity, Err: err}
	}
	price := decimal.Zero
	if ev.Price != "" {
		if price, err = decimal.NewFromString(ev.Price); err != nil {
			return &ParseError{Source: f.Name(), Field: "price", Value: ev.Price, Err: err}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch ev.Type {
	case "snapshot_position":
		f.book[ev.Instrument] = positions.Position{
			Instrument: ev.Instrument, Quantity: qty, AvgPrice: price, UpdatedAt: ev.Timestamp,
		}
	case "fill":
		cur := f.book[ev.Instrument]
		cur.Instrument = ev.Instrument
		cur.Quantity = cur.Quantity.Add(qty)
		if !price.IsZero() {
			cur.AvgPrice = price
		}
		cur.UpdatedAt = ev.Timestamp
		f.book[ev.Instrument] = cur
	default:
		return fmt.Errorf("unknown feed event type %q", ev.Type)
	}
	if ev.Timestamp.After(f.asOf) {
		f.asOf = ev.Timestamp
	}
	return nil
}

// Positions returns the current derived view. Never blocks on the socket.
func (f *FeedSource) Positions(_ context.Context) (positions.View, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	view := positions.View{
		Source:    f.Name(),
		AsOf:      f.asOf,
		Positions: make(map[string]positions.Position, len(f.book)),
	}
	for k, v := range f.book {
		view.Positions[k] = v
	}
	return view, nil
}
