// Package strategy owns the durable side of a finished cycle: the
// persistence gateway contract the orchestrator feeds, and an in-memory
// implementation that expands each decision into per-timeslot detail
// rows and serves device strategy queries.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/cycle"
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/game"
)

// Gateway receives finalized per-owner decisions for durable storage.
// Implementations must tolerate a retried call for the same
// (cycle, owner) pair without duplicating records.
type Gateway interface {
	Store(ctx context.Context, id cycle.ID, ownerID string, decisions []game.Decision) error
}

// ErrNotFound is returned when no completed cycle holds a strategy for
// the requested device.
var ErrNotFound = errors.New("no strategy stored for that cycle and device")

// Detail is one expanded timeslot of a decision, carrying its absolute
// wall-clock point inside the cycle.
type Detail struct {
	SliceIndex      int         `json:"timeSliceIndex"`
	TimePoint       time.Time   `json:"timePoint"`
	Action          game.Action `json:"actionType"`
	PowerSetpoint   float64     `json:"powerSetpoint"`
	ExpectedPrice   float64     `json:"expectedPrice"`
	ExpectedBenefit float64     `json:"expectedBenefit"`
}

// DeviceStrategy is the per-device view served to strategy queries.
type DeviceStrategy struct {
	StrategyID string        `json:"strategyId"`
	CycleID    cycle.ID      `json:"cycleTime"`
	OwnerID    string        `json:"ownerId"`
	DeviceKey  string        `json:"serialNumber"`
	StartTime  time.Time     `json:"startTime"`
	EndTime    time.Time     `json:"endTime"`
	Decision   game.Decision `json:"decision"`
	Details    []Detail      `json:"details"`
}

type ownerStrategy struct {
	id        string
	start     time.Time
	end       time.Time
	decisions []game.Decision
	details   map[string][]Detail // device key -> expanded slots
}

// MemoryStore is the in-process Gateway implementation. Strategies are
// kept per (cycle, owner); storing again for the same pair replaces the
// earlier record, which keeps retried persist calls idempotent.
type MemoryStore struct {
	interval time.Duration
	log      *slog.Logger

	mu     sync.RWMutex
	cycles map[cycle.ID]map[string]*ownerStrategy
}

// NewMemoryStore wires an empty store. The cycle interval is needed to
// place each timeslot on the wall clock.
func NewMemoryStore(interval time.Duration, logger *slog.Logger) (*MemoryStore, error) {
	if interval <= 0 {
		return nil, errors.New("cycle interval must be positive")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MemoryStore{
		interval: interval,
		log:      logger,
		cycles:   make(map[cycle.ID]map[string]*ownerStrategy),
	}, nil
}

// Store persists one owner's share of a finished cycle.
func (s *MemoryStore) Store(_ context.Context, id cycle.ID, ownerID string, decisions []game.Decision) error {
	if ownerID == "" {
		return errors.New("owner id must not be empty")
	}
	start, err := id.StartTime()
	if err != nil {
		return fmt.Errorf("bad cycle id: %w", err)
	}

	rec := &ownerStrategy{
		id:        uuid.NewString(),
		start:     start,
		end:       start.Add(s.interval),
		decisions: decisions,
		details:   make(map[string][]Detail, len(decisions)),
	}
	for _, dec := range decisions {
		rec.details[dec.DeviceKey] = s.expand(start, dec)
	}

	s.mu.Lock()
	owners := s.cycles[id]
	if owners == nil {
		owners = make(map[string]*ownerStrategy)
		s.cycles[id] = owners
	}
	owners[ownerID] = rec
	s.mu.Unlock()

	s.log.Info("strategy_stored",
		slog.String("cycle", string(id)),
		slog.String("owner", ownerID),
		slog.String("strategy_id", rec.id),
		slog.Int("decisions", len(decisions)),
	)
	return nil
}

// expand unrolls one decision into per-timeslot rows. The slot count is
// whatever shape the engine answered with, not the configured input
// shape, and the slot timestamps divide the cycle evenly.
func (s *MemoryStore) expand(start time.Time, dec game.Decision) []Detail {
	slices := len(dec.DC)
	if slices == 0 {
		return nil
	}
	sliceDur := s.interval / time.Duration(slices)
	details := make([]Detail, 0, slices)
	for i, code := range dec.DC {
		d := Detail{
			SliceIndex:      i,
			TimePoint:       start.Add(time.Duration(i) * sliceDur),
			Action:          game.ActionForCode(code),
			ExpectedBenefit: dec.Benefit,
		}
		if i < len(dec.Speed) {
			d.PowerSetpoint = dec.Speed[i]
		}
		if i < len(dec.Cost) {
			d.ExpectedPrice = dec.Cost[i]
		}
		details = append(details, d)
	}
	return details
}

// DeviceStrategy looks up the stored view for one device in one cycle.
func (s *MemoryStore) DeviceStrategy(id cycle.ID, deviceKey string) (*DeviceStrategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owners := s.cycles[id]
	for ownerID, rec := range owners {
		for _, dec := range rec.decisions {
			if dec.DeviceKey != deviceKey {
				continue
			}
			out := &DeviceStrategy{
				StrategyID: rec.id,
				CycleID:    id,
				OwnerID:    ownerID,
				DeviceKey:  deviceKey,
				StartTime:  rec.start,
				EndTime:    rec.end,
				Decision:   dec,
				Details:    append([]Detail(nil), rec.details[deviceKey]...),
			}
			return out, nil
		}
	}
	return nil, ErrNotFound
}

// CycleStrategies reports how many owner strategies a cycle holds.
func (s *MemoryStore) CycleStrategies(id cycle.ID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cycles[id])
}
