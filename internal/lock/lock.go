// Package lock provides the in-memory lock table that backs the livelock
// server: ownership of named locks, per-lock signal sets, and deferred
// release of a disconnected client's locks.
package lock

import (
	"errors"
	"iter"
	"time"
)

// DefaultReleaseAllTimeout is how long a disconnected client's locks are kept
// before they expire.
const DefaultReleaseAllTimeout = 30 * time.Second

// Common errors for lock operations.
var (
	// ErrKeyNotExists is returned by signal operations on a lock that is not held.
	ErrKeyNotExists = errors.New("key does not exist")
)

// Storage is the authority for lock ownership.
// Implementations must be safe for concurrent use and every method must be
// atomic with respect to the others.
type Storage interface {
	// Acquire tries to take lockID for clientID without blocking.
	// A lock already held by clientID is reported as acquired only when
	// reentrant is true.
	Acquire(clientID, lockID string, reentrant bool) bool

	// Release frees lockID if clientID holds it.
	Release(clientID, lockID string) bool

	// ReleaseAll schedules every lock held by clientID to expire after the
	// release-all timeout. It returns the number of locks marked.
	ReleaseAll(clientID string) int

	// ReleaseAllIfLastAddress runs ReleaseAll atomically with a check that
	// addr is still the client's last known address. The bool reports
	// whether the release ran.
	ReleaseAllIfLastAddress(clientID, addr string) (int, bool)

	// UnreleaseAll cancels a pending ReleaseAll for clientID.
	UnreleaseAll(clientID string) int

	// Reconnect atomically sets the client's last known address to addr and
	// cancels its pending ReleaseAll, returning the number of locks restored.
	Reconnect(clientID, addr string) int

	// Locked reports whether lockID is currently held.
	Locked(lockID string) bool

	// Find yields the id and acquisition time of every held lock whose id
	// matches the glob pattern.
	Find(pattern string) iter.Seq2[string, time.Time]

	AddSignal(lockID, signal string) (bool, error)
	HasSignal(lockID, signal string) (bool, error)
	RemoveSignal(lockID, signal string) (bool, error)

	SetClientLastAddress(clientID, addr string)
	ClientLastAddress(clientID string) (string, bool)
}

// Lock is a named mutual-exclusion token held by a single client.
type Lock struct {
	ID         string
	Owner      string
	AcquiredAt time.Time

	// MarkFreeAfter is zero unless the owner disconnected; once now reaches
	// it the lock is expired.
	MarkFreeAfter time.Time

	signals map[string]struct{}
}

// Expired reports whether the lock's grace period has elapsed at now.
func (l *Lock) Expired(now time.Time) bool {
	return !l.MarkFreeAfter.IsZero() && !now.Before(l.MarkFreeAfter)
}

// Stats is a point-in-time summary of a Storage.
type Stats struct {
	Locks          int `json:"locks"`
	Clients        int `json:"clients"`
	PendingRelease int `json:"pendingRelease"`
}
