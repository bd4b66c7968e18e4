package adapters

import (
	"context"
	"testing"
	"time"
)

func TestSimSnapshotIsFresh(t *testing.T) {
	sim := NewSim()

	snap, err := sim.GetSnapshot(context.Background())
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.Source != "sim" {
		t.Errorf("source = %q, want sim", snap.Source)
	}
	if len(snap.Quotes) != 2 {
		t.Fatalf("quotes = %d, want 2", len(snap.Quotes))
	}
	age, ok := snap.FreshestQuote(time.Now().UTC())
	if !ok || age > time.Second {
		t.Errorf("freshest quote age = %v ok=%v, want fresh", age, ok)
	}
	if snap.Spot < 21900 || snap.Spot > 22100 {
		t.Errorf("spot = %f, want near 22000", snap.Spot)
	}
}

func TestSimPositionSourcesAgree(t *testing.T) {
	sim := NewSim()
	ctx := context.Background()

	broker, err := sim.PositionSource("broker").Positions(ctx)
	if err != nil {
		t.Fatalf("broker positions: %v", err)
	}
	ledger, err := sim.PositionSource("ledger").Positions(ctx)
	if err != nil {
		t.Fatalf("ledger positions: %v", err)
	}
	if len(broker.Positions) != 2 || len(ledger.Positions) != 2 {
		t.Fatalf("positions: broker=%d ledger=%d, want 2 each", len(broker.Positions), len(ledger.Positions))
	}
	for inst, bp := range broker.Positions {
		lp, ok := ledger.Positions[inst]
		if !ok {
			t.Fatalf("ledger missing %s", inst)
		}
		if !bp.Quantity.Equal(lp.Quantity) {
			t.Errorf("%s quantity diverges: broker=%s ledger=%s", inst, bp.Quantity, lp.Quantity)
		}
	}
}

func TestSimUnwindFlattensBook(t *testing.T) {
	sim := NewSim()
	ctx := context.Background()

	flat, err := sim.ConfirmFlat(ctx)
	if err != nil || flat {
		t.Fatalf("ConfirmFlat before unwind = %v, %v; want false, nil", flat, err)
	}

	if err := sim.CancelAllOrders(ctx); err != nil {
		t.Fatalf("CancelAllOrders: %v", err)
	}
	if err := sim.ClosePositions(ctx, nil); err != nil {
		t.Fatalf("ClosePositions: %v", err)
	}

	flat, err = sim.ConfirmFlat(ctx)
	if err != nil || !flat {
		t.Fatalf("ConfirmFlat after unwind = %v, %v; want true, nil", flat, err)
	}
	view, err := sim.PositionSource("broker").Positions(ctx)
	if err != nil {
		t.Fatalf("positions after unwind: %v", err)
	}
	if len(view.Positions) != 0 {
		t.Errorf("book not empty after unwind: %d positions", len(view.Positions))
	}
}

func TestSimClosesOnlyNamedInstruments(t *testing.T) {
	sim := NewSim()
	ctx := context.Background()

	if err := sim.ClosePositions(ctx, []string{"NIFTY24SEP22000CE"}); err != nil {
		t.Fatalf("ClosePositions: %v", err)
	}
	view, _ := sim.PositionSource("feed").Positions(ctx)
	if len(view.Positions) != 1 {
		t.Fatalf("positions after partial close = %d, want 1", len(view.Positions))
	}
	if _, ok := view.Positions["NIFTY24SEP22000PE"]; !ok {
		t.Errorf("PE leg should survive a CE-only close")
	}
}
