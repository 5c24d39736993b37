// Package sched drives the cycle loop: it waits for each upload window
// to close, runs the batch exactly once per cycle, hands the outcome to
// durable storage, and clears the ephemeral state behind itself.
package sched

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/cycle"
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/game"
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/metrics"
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/retry"
	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/strategy"
)

// ErrCycleInFlight rejects a duplicate trigger for a cycle that is
// already being processed.
var ErrCycleInFlight = errors.New("cycle already in flight")

// Invoker runs one canonicalized batch through the external engine.
type Invoker interface {
	Invoke(ctx context.Context, subs map[string]cycle.Submission, order []string, ownerOf game.OwnerFunc) (*game.Result, error)
}

// Roster supplies the readiness gate and owner resolution.
type Roster interface {
	HasEligible() bool
	OwnerOf(deviceKey string) (string, bool)
}

// Publisher receives each completed cycle's grouped decisions, e.g. a
// Kafka ledger. Optional.
type Publisher interface {
	PublishCycle(ctx context.Context, id cycle.ID, byOwner map[string][]game.Decision) error
}

// Options wires an orchestrator.
type Options struct {
	Clock     *cycle.Clock
	Store     *cycle.Store
	Invoker   Invoker
	Gateway   strategy.Gateway
	Roster    Roster
	Publisher Publisher // optional
	Logger    *slog.Logger

	// RosterPoll is the initial delay between readiness probes before the
	// first device registers. It doubles up to a minute.
	RosterPoll time.Duration
	// Retention bounds how long abandoned cycle state may linger before
	// the sweep removes it.
	Retention time.Duration
	// PersistRetry bounds retries around the persistence gateway.
	PersistRetry retry.Policy
}

// State is the observable loop state served by the status endpoint.
type State struct {
	LoopStarted     bool         `json:"loopStarted"`
	Cycle           cycle.ID     `json:"cycleTime"`
	Status          cycle.Status `json:"status"`
	LastCycleStart  time.Time    `json:"lastCycleStart"`
	LastCycleEnd    time.Time    `json:"lastCycleEnd"`
	LastError       string       `json:"lastError,omitempty"`
	CompletedCycles int          `json:"completedCycles"`
	FailedCycles    int          `json:"failedCycles"`
}

// Orchestrator owns every cycle status transition. It is constructed
// stopped; Run blocks until the context ends.
type Orchestrator struct {
	clock      *cycle.Clock
	store      *cycle.Store
	invoker    Invoker
	gateway    strategy.Gateway
	roster     Roster
	publisher  Publisher
	log        *slog.Logger
	rosterPoll time.Duration
	retention  time.Duration
	persist    retry.Policy

	mu       sync.Mutex
	inflight map[cycle.ID]struct{}
	state    State
}

// recoveryPause is slept after a recovered panic so a hard-broken
// iteration cannot spin the loop hot.
const recoveryPause = 10 * time.Second

// New validates the wiring.
func New(opts Options) (*Orchestrator, error) {
	if opts.Clock == nil || opts.Store == nil {
		return nil, errors.New("clock and store are required")
	}
	if opts.Invoker == nil {
		return nil, errors.New("invoker is required")
	}
	if opts.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if opts.Roster == nil {
		return nil, errors.New("roster is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.RosterPoll <= 0 {
		opts.RosterPoll = 5 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 2 * opts.Clock.Interval()
	}
	return &Orchestrator{
		clock:      opts.Clock,
		store:      opts.Store,
		invoker:    opts.Invoker,
		gateway:    opts.Gateway,
		roster:     opts.Roster,
		publisher:  opts.Publisher,
		log:        opts.Logger.With(slog.String("component", "orchestrator")),
		rosterPoll: opts.RosterPoll,
		retention:  opts.Retention,
		persist:    opts.PersistRetry,
		inflight:   make(map[cycle.ID]struct{}),
	}, nil
}

// Run blocks driving the loop until ctx ends. The base epoch is fixed
// only once the roster has real work, so an idle deployment never burns
// cycles.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.awaitEligible(ctx); err != nil {
		return err
	}
	base := o.clock.Init(time.Now())
	o.mu.Lock()
	o.state.LoopStarted = true
	o.mu.Unlock()
	o.log.Info("cycle_loop_started",
		slog.Time("base_epoch", base),
		slog.Duration("interval", o.clock.Interval()),
		slog.Duration("upload_window", o.clock.UploadWindow()),
	)

	for {
		if err := ctx.Err(); err != nil {
			o.log.Info("cycle_loop_stopped")
			return err
		}
		o.iterate(ctx)
	}
}

// awaitEligible polls the roster with doubling backoff until a device
// registers or the context ends.
func (o *Orchestrator) awaitEligible(ctx context.Context) error {
	delay := o.rosterPoll
	for !o.roster.HasEligible() {
		o.log.Info("awaiting_first_registration", slog.Duration("next_probe", delay))
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
		if delay < time.Minute {
			delay *= 2
		}
	}
	return nil
}

// iterate runs one full cycle: wait out the upload window, process the
// batch, sweep expired state, then wait for the next boundary. Panics
// are contained here so one broken iteration cannot take the process
// down.
func (o *Orchestrator) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.recordError(fmt.Errorf("cycle iteration panic: %v", r))
			o.log.Error("cycle_iteration_panic", slog.Any("panic", r))
			sleepCtx(ctx, recoveryPause)
		}
	}()

	now := time.Now()
	id, err := o.clock.Current(now)
	if err != nil {
		// Only reachable if the clock was reset underneath a live loop.
		o.recordError(err)
		sleepCtx(ctx, o.rosterPoll)
		return
	}
	start, err := id.StartTime()
	if err != nil {
		o.recordError(err)
		return
	}

	o.setObserved(id, cycle.StatusUploading)
	if !sleepCtx(ctx, time.Until(start.Add(o.clock.UploadWindow()))) {
		return
	}

	if err := o.RunCycle(ctx, id); err != nil && !errors.Is(err, ErrCycleInFlight) {
		o.log.Error("cycle_failed", slog.String("cycle", string(id)), slog.Any("err", err))
	}

	if swept := o.store.PurgeOlderThan(time.Now(), o.retention); swept > 0 {
		o.log.Info("expired_cycles_swept", slog.Int("count", swept))
	}

	sleepCtx(ctx, time.Until(start.Add(o.clock.Interval())))
}

// RunCycle processes one cycle end to end. The guard set admits exactly
// one run per cycle id at a time; the id is released only once the
// outcome is finalized, so a concurrent duplicate trigger is rejected
// while a restarted process can still retry an abandoned cycle.
func (o *Orchestrator) RunCycle(ctx context.Context, id cycle.ID) error {
	if !o.begin(id) {
		o.log.Warn("duplicate_cycle_trigger", slog.String("cycle", string(id)))
		return ErrCycleInFlight
	}
	defer o.finish(id)

	o.mu.Lock()
	o.state.LastCycleStart = time.Now()
	o.mu.Unlock()
	o.log.Info("cycle_processing", slog.String("cycle", string(id)))

	// Closes the window early for any late writer.
	o.store.MarkProcessing(id)
	o.setObserved(id, cycle.StatusProcessing)

	subs, order := o.store.Snapshot(id)
	if len(subs) == 0 {
		o.conclude(id, cycle.StatusCompleted, "empty")
		o.log.Info("cycle_empty", slog.String("cycle", string(id)))
		return nil
	}

	invokeStart := time.Now()
	res, err := o.invoker.Invoke(ctx, subs, order, o.roster.OwnerOf)
	metrics.ObserveEngineDuration(time.Since(invokeStart))
	if err != nil {
		o.recordError(err)
		o.conclude(id, cycle.StatusFailed, "failed")
		return err
	}
	metrics.DecisionsProduced(res.Decisions())

	for ownerID, decisions := range res.ByOwner {
		perr := retry.Do(ctx, o.persist, retry.IsTransient, func(ctx context.Context) error {
			return o.gateway.Store(ctx, id, ownerID, decisions)
		})
		if perr != nil {
			// The computation itself succeeded; storage trouble is
			// recorded but does not fail the cycle.
			o.recordError(fmt.Errorf("persist owner %s: %w", ownerID, perr))
			o.log.Error("strategy_persist_failed",
				slog.String("cycle", string(id)),
				slog.String("owner", ownerID),
				slog.Any("err", perr),
			)
		}
	}

	if o.publisher != nil {
		if perr := o.publisher.PublishCycle(ctx, id, res.ByOwner); perr != nil {
			o.recordError(perr)
			o.log.Error("strategy_publish_failed", slog.String("cycle", string(id)), slog.Any("err", perr))
		}
	}

	o.conclude(id, cycle.StatusCompleted, "completed")
	o.log.Info("cycle_completed",
		slog.String("cycle", string(id)),
		slog.Int("owners", len(res.ByOwner)),
		slog.Int("decisions", res.Decisions()),
	)
	return nil
}

// begin atomically claims a cycle id for processing.
func (o *Orchestrator) begin(id cycle.ID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[id]; busy {
		return false
	}
	o.inflight[id] = struct{}{}
	return true
}

func (o *Orchestrator) finish(id cycle.ID) {
	o.mu.Lock()
	delete(o.inflight, id)
	o.state.LastCycleEnd = time.Now()
	o.mu.Unlock()
}

// conclude records the terminal status and purges the cycle's ephemeral
// state in one place so every outcome path behaves identically.
func (o *Orchestrator) conclude(id cycle.ID, status cycle.Status, outcome string) {
	o.store.SetStatus(id, status)
	o.setObserved(id, status)
	o.store.Purge(id)
	metrics.CycleFinished(outcome)
	if status == cycle.StatusFailed {
		o.mu.Lock()
		o.state.FailedCycles++
		o.mu.Unlock()
	} else {
		o.mu.Lock()
		o.state.CompletedCycles++
		o.mu.Unlock()
	}
}

func (o *Orchestrator) setObserved(id cycle.ID, status cycle.Status) {
	o.mu.Lock()
	o.state.Cycle = id
	o.state.Status = status
	o.mu.Unlock()
}

func (o *Orchestrator) recordError(err error) {
	o.mu.Lock()
	o.state.LastError = err.Error()
	o.mu.Unlock()
}

// Status returns a copy of the loop state for the HTTP surface.
func (o *Orchestrator) Status() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// sleepCtx sleeps d (no-op when non-positive) and reports false if the
// context ended first. No store lock is ever held across it.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
