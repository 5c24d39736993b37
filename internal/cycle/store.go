package cycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status tags the lifecycle phase of one cycle. Transitions are owned by
// the orchestrator; everything else only observes.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrWindowClosed rejects submissions arriving after the upload window
// elapsed or after the orchestrator moved the cycle out of uploading.
// Callers may retry in the next cycle.
var ErrWindowClosed = errors.New("upload window closed")

// ExternalID is the caller-supplied device identifier inside a submitted
// profile. Field devices send it either as a JSON number or a string;
// both decode to the literal text.
type ExternalID string

func (e *ExternalID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = ExternalID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("device id must be a string or number: %w", err)
	}
	*e = ExternalID(n.String())
	return nil
}

func (e ExternalID) MarshalJSON() ([]byte, error) {
	// Bare numeric ids round-trip as JSON numbers, everything else as a
	// quoted string.
	if json.Valid([]byte(e)) {
		var n json.Number
		if err := json.Unmarshal([]byte(e), &n); err == nil {
			return []byte(e), nil
		}
	}
	return json.Marshal(string(e))
}

// Submission is the raw operating profile a device uploads during a
// cycle's window. Field names follow the optimization engine's input
// contract.
type Submission struct {
	ExternalID      ExternalID `json:"id"`
	Produce         []float64  `json:"produce"`
	Demands         []float64  `json:"demands"`
	ChargeCost      []float64  `json:"chargeCost"`
	DischargeCost   []float64  `json:"dischargeCost"`
	CurrentStorage  []float64  `json:"currentStorage"`
	ChargeSpeed     []float64  `json:"chargeSpeed"`
	DischargeSpeed  []float64  `json:"dischargeSpeed"`
	OverallCapacity float64    `json:"overallCapacity"`
}

// Clone returns a deep copy so snapshots stay immutable while the
// originating device keeps mutating its own buffers.
func (s Submission) Clone() Submission {
	out := s
	out.Produce = cloneFloats(s.Produce)
	out.Demands = cloneFloats(s.Demands)
	out.ChargeCost = cloneFloats(s.ChargeCost)
	out.DischargeCost = cloneFloats(s.DischargeCost)
	out.CurrentStorage = cloneFloats(s.CurrentStorage)
	out.ChargeSpeed = cloneFloats(s.ChargeSpeed)
	out.DischargeSpeed = cloneFloats(s.DischargeSpeed)
	return out
}

func cloneFloats(in []float64) []float64 {
	if in == nil {
		return nil
	}
	out := make([]float64, len(in))
	copy(out, in)
	return out
}

type cycleState struct {
	status      Status
	submissions map[string]Submission
	order       []string // device keys in first-write order
}

// Store holds the per-cycle submissions that exist only between a
// window opening and the batch run that consumes them. One mutex guards
// every cycle; all operations inside it are O(1) map work, so contention
// stays negligible next to the callers' network latency.
type Store struct {
	clock *Clock

	mu     sync.Mutex
	cycles map[ID]*cycleState
}

// NewStore wires an empty store against the given clock.
func NewStore(clock *Clock) *Store {
	return &Store{clock: clock, cycles: make(map[ID]*cycleState)}
}

// Put records a submission for the device in the given cycle,
// overwriting any earlier one from the same device (last write wins).
// It fails with ErrWindowClosed once the window elapsed or the cycle
// left the uploading state.
func (s *Store) Put(id ID, deviceKey string, sub Submission, now time.Time) error {
	if deviceKey == "" {
		return errors.New("device key must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.cycles[id]
	if st != nil && st.status != StatusUploading {
		return ErrWindowClosed
	}
	if !s.clock.WithinWindow(id, now) {
		return ErrWindowClosed
	}
	if st == nil {
		st = &cycleState{status: StatusUploading, submissions: make(map[string]Submission)}
		s.cycles[id] = st
	}
	if _, seen := st.submissions[deviceKey]; !seen {
		st.order = append(st.order, deviceKey)
	}
	st.submissions[deviceKey] = sub.Clone()
	return nil
}

// Snapshot returns deep copies of the cycle's submissions together with
// the first-write device order, so the orchestrator can process a batch
// without holding the lock across the slow engine call. The order slice
// is what makes dense id assignment deterministic.
func (s *Store) Snapshot(id ID) (map[string]Submission, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.cycles[id]
	if st == nil || len(st.submissions) == 0 {
		return map[string]Submission{}, nil
	}
	subs := make(map[string]Submission, len(st.submissions))
	for key, sub := range st.submissions {
		subs[key] = sub.Clone()
	}
	order := make([]string, len(st.order))
	copy(order, st.order)
	return subs, order
}

// Status reports the cycle's current phase. Cycles the store has never
// seen count as still uploading, matching what a device observes before
// its first submission lands.
func (s *Store) Status(id ID) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.cycles[id]; st != nil {
		return st.status
	}
	return StatusUploading
}

// MarkProcessing flips the cycle out of uploading, closing the window
// early for any writer that races the batch run. A state record is
// created even for empty cycles so late submissions still bounce.
func (s *Store) MarkProcessing(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.cycles[id]
	if st == nil {
		st = &cycleState{submissions: make(map[string]Submission)}
		s.cycles[id] = st
	}
	st.status = StatusProcessing
}

// SetStatus records the cycle's terminal outcome.
func (s *Store) SetStatus(id ID, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.cycles[id]
	if st == nil {
		st = &cycleState{submissions: make(map[string]Submission)}
		s.cycles[id] = st
	}
	st.status = status
}

// Purge drops every trace of the cycle. Idempotent; other cycles are
// untouched.
func (s *Store) Purge(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cycles, id)
}

// PurgeOlderThan sweeps cycles whose start time predates now-age. It
// covers cycles abandoned by a crash mid-processing and returns the
// number removed.
func (s *Store) PurgeOlderThan(now time.Time, age time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id := range s.cycles {
		start, err := id.StartTime()
		if err != nil {
			delete(s.cycles, id)
			removed++
			continue
		}
		if now.Sub(start) > age {
			delete(s.cycles, id)
			removed++
		}
	}
	return removed
}
