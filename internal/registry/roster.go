// Package registry keeps the device-to-owner roster the batch pipeline
// resolves submissions against. Registration doubles as the readiness
// signal: the cycle loop does not start until at least one device is on
// the roster.
package registry

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Roster maps device serial numbers to owner accounts. Safe for
// concurrent use.
type Roster struct {
	mu      sync.RWMutex
	owners  map[string]string // owner name -> owner id
	devices map[string]string // device key -> owner id
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{
		owners:  make(map[string]string),
		devices: make(map[string]string),
	}
}

// Register binds a device to an owner account, creating the account on
// first sight of the name. Re-registering a device moves it to the given
// owner (last registration wins, mirroring submission semantics).
func (r *Roster) Register(ownerName, deviceKey string) (string, error) {
	if ownerName == "" {
		return "", errors.New("owner name must not be empty")
	}
	if deviceKey == "" {
		return "", errors.New("device key must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ownerID, ok := r.owners[ownerName]
	if !ok {
		ownerID = uuid.NewString()
		r.owners[ownerName] = ownerID
	}
	r.devices[deviceKey] = ownerID
	return ownerID, nil
}

// OwnerOf resolves a device key to its owner id.
func (r *Roster) OwnerOf(deviceKey string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ownerID, ok := r.devices[deviceKey]
	return ownerID, ok
}

// HasEligible reports whether at least one device is registered. The
// orchestrator polls this before fixing the cycle clock's base epoch.
func (r *Roster) HasEligible() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices) > 0
}

// Devices returns the number of registered devices.
func (r *Roster) Devices() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
