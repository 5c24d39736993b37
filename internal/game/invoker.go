package game

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/cycle"
)

var (
	// ErrEngineUnavailable marks a missing or unstartable engine binary.
	ErrEngineUnavailable = errors.New("engine executable not available")
	// ErrEngineTimeout marks an invocation killed at the wall-clock bound.
	ErrEngineTimeout = errors.New("engine invocation timed out")
	// ErrNoOutput marks process output with no parseable payload in it.
	ErrNoOutput = errors.New("engine produced no parseable output")
)

// ExitError reports a non-zero engine exit together with its captured
// diagnostics.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("engine exited with code %d", e.Code)
}

// Config holds the engine process contract.
type Config struct {
	// Command is the executable and its fixed arguments, for example
	// ["java", "-jar", "game-model-1.0.jar"]. The batch JSON is appended
	// as the single positional argument.
	Command []string
	// Timeout bounds one invocation end to end.
	Timeout time.Duration
	// TimeSlots is the configured number of per-cycle time slices every
	// produce vector must match.
	TimeSlots int
}

// OwnerFunc resolves a device key to its owning account.
type OwnerFunc func(deviceKey string) (ownerID string, ok bool)

// Invoker canonicalizes a batch of raw submissions, runs the external
// optimization engine over it, and reconstitutes the decisions keyed by
// original device identity and owner.
type Invoker struct {
	cfg Config
	log *slog.Logger
}

// NewInvoker validates the engine contract.
func NewInvoker(cfg Config, logger *slog.Logger) (*Invoker, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("engine command must not be empty")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("engine timeout must be positive")
	}
	if cfg.TimeSlots < 1 {
		return nil, errors.New("time slots must be at least 1")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Invoker{cfg: cfg, log: logger}, nil
}

// localDevice remembers what a dense local id stood for in one batch.
type localDevice struct {
	deviceKey  string
	originalID cycle.ExternalID
	ownerID    string
}

// Invoke runs one batch. The snapshot's first-write order drives dense
// id assignment, so the same snapshot always produces the same engine
// input. An empty batch (after per-record filtering) is a normal outcome
// and never launches the process.
func (iv *Invoker) Invoke(ctx context.Context, subs map[string]cycle.Submission, order []string, ownerOf OwnerFunc) (*Result, error) {
	records, index := iv.canonicalize(subs, order, ownerOf)
	if len(records) == 0 {
		return &Result{ByOwner: map[string][]Decision{}}, nil
	}

	payload, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	iv.log.Info("engine_invocation",
		slog.Int("devices", len(records)),
		slog.Int("local_id_max", len(records)-1),
	)

	stdout, err := iv.run(ctx, string(payload))
	if err != nil {
		return nil, err
	}
	parsed, err := parseOutput(stdout)
	if err != nil {
		return nil, err
	}
	return iv.remap(parsed, index), nil
}

// canonicalize filters and repairs the raw submissions into engine
// records, assigning dense local ids 0..N-1 in snapshot order.
func (iv *Invoker) canonicalize(subs map[string]cycle.Submission, order []string, ownerOf OwnerFunc) ([]Record, []localDevice) {
	records := make([]Record, 0, len(order))
	index := make([]localDevice, 0, len(order))
	seen := make(map[cycle.ExternalID]string, len(order))

	for _, key := range order {
		sub, ok := subs[key]
		if !ok {
			continue
		}
		if sub.ExternalID == "" {
			iv.log.Warn("submission_missing_id", slog.String("device_key", key))
			continue
		}
		ownerID, ok := ownerOf(key)
		if !ok {
			iv.log.Warn("submission_owner_unresolved", slog.String("device_key", key))
			continue
		}
		if prev, dup := seen[sub.ExternalID]; dup {
			iv.log.Warn("submission_id_collision",
				slog.String("device_key", key),
				slog.String("external_id", string(sub.ExternalID)),
				slog.String("kept_device_key", prev),
			)
			continue
		}
		seen[sub.ExternalID] = key

		localID := len(records)
		records = append(records, Record{
			ID:              localID,
			Produce:         iv.repairProduce(sub),
			ChargeCost:      sub.ChargeCost,
			CurrentStorage:  sub.CurrentStorage,
			ChargeSpeed:     sub.ChargeSpeed,
			DischargeSpeed:  sub.DischargeSpeed,
			OverallCapacity: sub.OverallCapacity,
			Demands:         sub.Demands,
			DischargeCost:   sub.DischargeCost,
		})
		index = append(index, localDevice{deviceKey: key, originalID: sub.ExternalID, ownerID: ownerID})
	}
	return records, index
}

// repairProduce forces the produce vector to the configured slot count.
// Short vectors are zero-padded and long ones truncated; the record is
// never dropped for a shape mismatch.
func (iv *Invoker) repairProduce(sub cycle.Submission) []float64 {
	produce := sub.Produce
	if len(produce) == iv.cfg.TimeSlots {
		out := make([]float64, iv.cfg.TimeSlots)
		copy(out, produce)
		return out
	}
	iv.log.Warn("produce_shape_repaired",
		slog.String("external_id", string(sub.ExternalID)),
		slog.Int("got", len(produce)),
		slog.Int("want", iv.cfg.TimeSlots),
	)
	out := make([]float64, iv.cfg.TimeSlots)
	copy(out, produce)
	return out
}

// run launches the engine with the batch as its sole positional argument
// and returns raw stdout. Timeout, missing binary, and non-zero exit map
// to the distinct error kinds the orchestrator keys off.
func (iv *Invoker) run(ctx context.Context, batch string) (string, error) {
	if _, err := exec.LookPath(iv.cfg.Command[0]); err != nil {
		return "", fmt.Errorf("%w: %s", ErrEngineUnavailable, iv.cfg.Command[0])
	}

	ctx, cancel := context.WithTimeout(ctx, iv.cfg.Timeout)
	defer cancel()

	args := append(append([]string(nil), iv.cfg.Command[1:]...), batch)
	cmd := exec.CommandContext(ctx, iv.cfg.Command[0], args...)
	// Don't let an orphaned grandchild hold the output pipes open past
	// the kill.
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", ErrEngineTimeout
	}
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return "", &ExitError{Code: exit.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
		}
		return "", fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return stdout.String(), nil
}

// remap translates engine decisions back to device identity and groups
// them by owner. Entries pointing at unknown local ids are dropped, not
// fatal.
func (iv *Invoker) remap(payload *enginePayload, index []localDevice) *Result {
	res := &Result{
		ByOwner:         make(map[string][]Decision),
		Iteration:       payload.Iteration,
		TimeConsumption: payload.TimeConsumption,
		Benefit:         payload.Benefit,
		Cost:            payload.Cost,
		Revenue:         payload.Revenue,
	}
	for _, raw := range payload.Decisions {
		if raw.DeviceID < 0 || raw.DeviceID >= len(index) {
			iv.log.Warn("decision_unresolvable", slog.Int("local_id", raw.DeviceID))
			continue
		}
		dev := index[raw.DeviceID]
		res.ByOwner[dev.ownerID] = append(res.ByOwner[dev.ownerID], Decision{
			DeviceKey:  dev.deviceKey,
			OwnerID:    dev.ownerID,
			OriginalID: dev.originalID,
			DC:         raw.DC,
			Speed:      raw.Speed,
			Cost:       raw.Cost,
			Benefit:    raw.Benefit,
		})
	}
	return res
}
