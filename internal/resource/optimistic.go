package resource

import (
	"sync"
)

// OptimisticLockManager provides CAS-style version checks for state that
// the exclusive Manager lock would be too coarse for, such as concurrent
// metadata updates. A reader acquires the current version, performs its
// read-modify-write, and commits only if the version is unchanged.
type OptimisticLockManager struct {
	mu       sync.Mutex
	versions map[string]uint64
}

// NewOptimisticLockManager creates an empty optimistic lock manager.
func NewOptimisticLockManager() *OptimisticLockManager {
	return &OptimisticLockManager{versions: make(map[string]uint64)}
}

// AcquireLock returns the current version counter for the resource,
// creating it at version 1 on first use.
func (o *OptimisticLockManager) AcquireLock(resourceID string) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	v, ok := o.versions[resourceID]
	if !ok {
		v = 1
		o.versions[resourceID] = v
	}
	return v
}

// ValidateAndUpdate succeeds only if the resource's version still equals
// expectedVersion, bumping it by one. On a stale version it returns false
// without mutating state.
func (o *OptimisticLockManager) ValidateAndUpdate(resourceID, agentID string, expectedVersion uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	v, ok := o.versions[resourceID]
	if !ok || v != expectedVersion {
		return false
	}
	o.versions[resourceID] = v + 1
	return true
}

// Version returns the current version for a resource, zero if untracked.
func (o *OptimisticLockManager) Version(resourceID string) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.versions[resourceID]
}
