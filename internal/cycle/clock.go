package cycle

import (
	"errors"
	"sync"
	"time"
)

// ID identifies one scheduling cycle. It is the RFC3339 UTC timestamp of
// the instant the cycle starts, so identifiers produced by the same clock
// sort chronologically as plain strings.
type ID string

// ErrNotInitialized is returned by Current before the base epoch has been
// fixed. Callers must wait for the first eligible registrant before asking
// for a cycle.
var ErrNotInitialized = errors.New("cycle clock not initialized")

// StartTime parses the start instant back out of the identifier.
func (id ID) StartTime() (time.Time, error) {
	return time.Parse(time.RFC3339, string(id))
}

// Clock maps wall-clock time onto cycle identifiers. The base epoch is
// fixed once, when the system first has real work to schedule, and stays
// put for the process lifetime unless explicitly Reset.
type Clock struct {
	interval time.Duration
	window   time.Duration

	mu   sync.Mutex
	base time.Time
	set  bool
}

// NewClock validates the cycle geometry. The upload window must be a
// strict leading sub-interval of the cycle.
func NewClock(interval, window time.Duration) (*Clock, error) {
	if interval <= 0 {
		return nil, errors.New("cycle interval must be positive")
	}
	if window <= 0 {
		return nil, errors.New("upload window must be positive")
	}
	if window >= interval {
		return nil, errors.New("upload window must be shorter than the cycle interval")
	}
	return &Clock{interval: interval, window: window}, nil
}

// Init fixes the base epoch. The first call wins; later calls are no-ops
// returning the epoch already in force, so a racing caller cannot move
// cycle boundaries mid-flight. The epoch is truncated to whole seconds to
// keep identifiers canonical.
func (c *Clock) Init(now time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set {
		c.base = now.UTC().Truncate(time.Second)
		c.set = true
	}
	return c.base
}

// Initialized reports whether the base epoch has been fixed.
func (c *Clock) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set
}

// Reset clears the base epoch. Intended for operator-triggered
// re-registration flows and tests.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = time.Time{}
	c.set = false
}

// Interval returns the configured cycle duration.
func (c *Clock) Interval() time.Duration { return c.interval }

// UploadWindow returns the configured leading window duration.
func (c *Clock) UploadWindow() time.Duration { return c.window }

// Current buckets now against the base epoch. Any two calls that fall in
// the same interval bucket yield an identical identifier.
func (c *Clock) Current(now time.Time) (ID, error) {
	c.mu.Lock()
	base, set := c.base, c.set
	c.mu.Unlock()
	if !set {
		return "", ErrNotInitialized
	}
	elapsed := now.Sub(base)
	if elapsed < 0 {
		elapsed = 0
	}
	start := base.Add(elapsed / c.interval * c.interval)
	return ID(start.UTC().Format(time.RFC3339)), nil
}

// WithinWindow reports whether now still falls inside the cycle's upload
// window. It does not consult cycle status; the store combines both
// checks when accepting submissions.
func (c *Clock) WithinWindow(id ID, now time.Time) bool {
	start, err := id.StartTime()
	if err != nil {
		return false
	}
	return now.Sub(start) < c.window
}
