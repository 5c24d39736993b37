package game

import (
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/cycle"
)

// Action names the control verb derived from an engine direction code.
type Action string

const (
	ActionCharge    Action = "charge"
	ActionDischarge Action = "discharge"
	ActionIdle      Action = "idle"
	ActionUnknown   Action = "unknown"
)

// ActionForCode applies the engine's sign convention: positive codes
// charge, negative codes discharge, zero idles.
func ActionForCode(code int) Action {
	switch {
	case code > 0:
		return ActionCharge
	case code < 0:
		return ActionDischarge
	default:
		return ActionIdle
	}
}

// ParseAction maps a stored action name back to the enumeration.
// Unrecognized names land in the unknown category instead of failing.
func ParseAction(name string) Action {
	switch Action(name) {
	case ActionCharge, ActionDischarge, ActionIdle:
		return Action(name)
	default:
		return ActionUnknown
	}
}

// Record is the canonical per-device shape handed to the engine. The id
// is the dense local index assigned for this invocation, never the
// caller-supplied one.
type Record struct {
	ID              int       `json:"id"`
	Produce         []float64 `json:"produce"`
	ChargeCost      []float64 `json:"chargeCost"`
	CurrentStorage  []float64 `json:"currentStorage"`
	ChargeSpeed     []float64 `json:"chargeSpeed"`
	DischargeSpeed  []float64 `json:"dischargeSpeed"`
	OverallCapacity float64   `json:"overallCapacity"`
	Demands         []float64 `json:"demands"`
	DischargeCost   []float64 `json:"dischargeCost"`
}

// Decision is one engine output entry after its local id has been
// resolved back to the owning device.
type Decision struct {
	DeviceKey  string           `json:"serialNumber"`
	OwnerID    string           `json:"ownerId"`
	OriginalID cycle.ExternalID `json:"deviceId"`
	DC         []int            `json:"dc"`
	Speed      []float64        `json:"speed"`
	Cost       []float64        `json:"cost"`
	Benefit    float64          `json:"benefit"`
}

// Result carries everything one successful invocation produced:
// decisions grouped by owner plus the engine-level aggregates the
// original model reports alongside them.
type Result struct {
	ByOwner         map[string][]Decision
	Iteration       int
	TimeConsumption float64
	Benefit         float64
	Cost            float64
	Revenue         float64
}

// Decisions counts the remapped decisions across all owners.
func (r *Result) Decisions() int {
	n := 0
	for _, list := range r.ByOwner {
		n += len(list)
	}
	return n
}
