package strategy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/cycle"
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/game"
)

func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	store, err := NewMemoryStore(2*time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	return store
}

func testCycleID(t *testing.T) (cycle.ID, time.Time) {
	t.Helper()
	start := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	return cycle.ID(start.Format(time.RFC3339)), start
}

func TestStoreExpandsTimeslots(t *testing.T) {
	store := newTestMemoryStore(t)
	id, start := testCycleID(t)

	dec := game.Decision{
		DeviceKey:  "sn-1",
		OwnerID:    "owner-1",
		OriginalID: "7",
		DC:         []int{1, 0, -1},
		Speed:      []float64{2, 0, 2},
		Cost:       []float64{0.1, 0, 0.1},
		Benefit:    5,
	}
	if err := store.Store(context.Background(), id, "owner-1", []game.Decision{dec}); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	view, err := store.DeviceStrategy(id, "sn-1")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(view.Details) != 3 {
		t.Fatalf("expected 3 detail rows, got %d", len(view.Details))
	}

	// 2 minute cycle over 3 slots: one slot every 40 seconds.
	wantActions := []game.Action{game.ActionCharge, game.ActionIdle, game.ActionDischarge}
	for i, detail := range view.Details {
		if detail.Action != wantActions[i] {
			t.Fatalf("slot %d: expected %s, got %s", i, wantActions[i], detail.Action)
		}
		wantPoint := start.Add(time.Duration(i) * 40 * time.Second)
		if !detail.TimePoint.Equal(wantPoint) {
			t.Fatalf("slot %d: expected time %s, got %s", i, wantPoint, detail.TimePoint)
		}
	}
	if !view.EndTime.Equal(start.Add(2 * time.Minute)) {
		t.Fatalf("unexpected cycle end %s", view.EndTime)
	}
}

func TestStoreIsIdempotentPerOwner(t *testing.T) {
	store := newTestMemoryStore(t)
	id, _ := testCycleID(t)

	dec := game.Decision{DeviceKey: "sn-1", OwnerID: "owner-1", DC: []int{1}}
	if err := store.Store(context.Background(), id, "owner-1", []game.Decision{dec}); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	// Retried persist for the same pair replaces, never duplicates.
	if err := store.Store(context.Background(), id, "owner-1", []game.Decision{dec}); err != nil {
		t.Fatalf("retried store failed: %v", err)
	}
	if got := store.CycleStrategies(id); got != 1 {
		t.Fatalf("expected one owner strategy, got %d", got)
	}
}

func TestDeviceStrategyNotFound(t *testing.T) {
	store := newTestMemoryStore(t)
	id, _ := testCycleID(t)

	if _, err := store.DeviceStrategy(id, "sn-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	dec := game.Decision{DeviceKey: "sn-1", OwnerID: "owner-1", DC: []int{0}}
	if err := store.Store(context.Background(), id, "owner-1", []game.Decision{dec}); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if _, err := store.DeviceStrategy(id, "sn-other"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a foreign device, got %v", err)
	}
}

func TestStoreRejectsBadCycleID(t *testing.T) {
	store := newTestMemoryStore(t)
	if err := store.Store(context.Background(), cycle.ID("not-a-time"), "owner-1", nil); err == nil {
		t.Fatal("expected an error for an unparsable cycle id")
	}
}
