package lock

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/match"

	"github.com/kneutral-org/livelock/internal/metrics"
)

// client is the per-client reverse index.
type client struct {
	locks       map[string]*Lock
	lastAddress string
}

// MemoryStorage implements Storage with maps guarded by a single mutex.
// The mutex is held for exactly one operation.
type MemoryStorage struct {
	mu      sync.Mutex
	locks   map[string]*Lock
	clients map[string]*client

	releaseAllTimeout time.Duration
	now               func() time.Time
	logger            zerolog.Logger
}

// Option configures a MemoryStorage.
type Option func(*MemoryStorage)

// WithReleaseAllTimeout sets the grace period applied by ReleaseAll.
func WithReleaseAllTimeout(d time.Duration) Option {
	return func(s *MemoryStorage) {
		s.releaseAllTimeout = d
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStorage) {
		s.now = now
	}
}

// WithLogger sets the logger used for debug tracing of lock operations.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *MemoryStorage) {
		s.logger = logger.With().Str("component", "lock-storage").Logger()
	}
}

// NewMemoryStorage creates an empty lock table.
func NewMemoryStorage(opts ...Option) *MemoryStorage {
	s := &MemoryStorage{
		locks:             make(map[string]*Lock),
		clients:           make(map[string]*client),
		releaseAllTimeout: DefaultReleaseAllTimeout,
		now:               time.Now,
		logger:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReleaseAllTimeout returns the configured grace period.
func (s *MemoryStorage) ReleaseAllTimeout() time.Duration {
	return s.releaseAllTimeout
}

// Acquire tries to take lockID for clientID without blocking.
func (s *MemoryStorage) Acquire(clientID, lockID string, reentrant bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if l := s.liveLock(lockID, now); l != nil {
		return reentrant && l.Owner == clientID
	}

	l := &Lock{ID: lockID, Owner: clientID, AcquiredAt: now}
	s.locks[lockID] = l
	s.clientRecord(clientID).locks[lockID] = l
	metrics.SetLocksHeld(float64(len(s.locks)))

	s.logger.Debug().Str("lockId", lockID).Str("clientId", clientID).Msg("lock acquired")
	return true
}

// Release frees lockID if clientID holds it. An expired lock is not held by
// anyone and cannot be released.
func (s *MemoryStorage) Release(clientID, lockID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[clientID]
	if !ok {
		return false
	}
	l, ok := c.locks[lockID]
	if !ok {
		return false
	}

	s.deleteLock(l)
	if l.Expired(s.now()) {
		metrics.RecordLocksExpired(1)
		return false
	}

	s.logger.Debug().Str("lockId", lockID).Str("clientId", clientID).Msg("lock released")
	return true
}

// ReleaseAll marks every lock held by clientID to expire after the
// release-all timeout.
func (s *MemoryStorage) ReleaseAll(clientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.releaseAll(clientID)
}

// ReleaseAllIfLastAddress runs ReleaseAll only while addr is still the
// client's last known address. The check and the release happen under one
// lock, so a concurrent Reconnect either wins entirely or not at all.
func (s *MemoryStorage) ReleaseAllIfLastAddress(clientID, addr string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[clientID]
	if !ok || c.lastAddress != addr {
		return 0, false
	}
	return s.releaseAll(clientID), true
}

// UnreleaseAll restores every lock of clientID that is still pending release.
// Locks whose grace period already elapsed stay expired.
func (s *MemoryStorage) UnreleaseAll(clientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.unreleaseAll(clientID)
}

// Reconnect records addr as the client's last known address and restores its
// pending locks in one step.
func (s *MemoryStorage) Reconnect(clientID, addr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clientRecord(clientID).lastAddress = addr
	return s.unreleaseAll(clientID)
}

// releaseAll is ReleaseAll without locking. The caller must hold s.mu.
func (s *MemoryStorage) releaseAll(clientID string) int {
	c, ok := s.clients[clientID]
	if !ok {
		return 0
	}

	markFreeAt := s.now().Add(s.releaseAllTimeout)
	for _, l := range c.locks {
		l.MarkFreeAfter = markFreeAt
	}

	s.logger.Debug().
		Str("clientId", clientID).
		Int("count", len(c.locks)).
		Time("markFreeAt", markFreeAt).
		Msg("locks marked for release")
	return len(c.locks)
}

// unreleaseAll is UnreleaseAll without locking. The caller must hold s.mu.
func (s *MemoryStorage) unreleaseAll(clientID string) int {
	c, ok := s.clients[clientID]
	if !ok {
		return 0
	}

	now := s.now()
	restored := 0
	for _, l := range c.locks {
		if l.MarkFreeAfter.IsZero() {
			continue
		}
		if l.Expired(now) {
			s.deleteLock(l)
			metrics.RecordLocksExpired(1)
			continue
		}
		l.MarkFreeAfter = time.Time{}
		restored++
	}

	s.logger.Debug().Str("clientId", clientID).Int("count", restored).Msg("locks restored")
	return restored
}

// Locked reports whether lockID is held and not expired.
func (s *MemoryStorage) Locked(lockID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.liveLock(lockID, s.now()) != nil
}

// Find returns a restartable sequence over held locks whose id matches
// pattern. Each iteration reads the table once, under the lock, and yields
// the matches ordered by id.
func (s *MemoryStorage) Find(pattern string) iter.Seq2[string, time.Time] {
	return func(yield func(string, time.Time) bool) {
		for _, l := range s.matching(pattern) {
			if !yield(l.ID, l.AcquiredAt) {
				return
			}
		}
	}
}

type lockRef struct {
	ID         string
	AcquiredAt time.Time
}

func (s *MemoryStorage) matching(pattern string) []lockRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var refs []lockRef
	for id, l := range s.locks {
		if l.Expired(now) {
			continue
		}
		if match.Match(id, pattern) {
			refs = append(refs, lockRef{ID: id, AcquiredAt: l.AcquiredAt})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}

// AddSignal attaches signal to lockID.
func (s *MemoryStorage) AddSignal(lockID, signal string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.liveLock(lockID, s.now())
	if l == nil {
		return false, ErrKeyNotExists
	}
	if l.signals == nil {
		l.signals = make(map[string]struct{})
	}
	l.signals[signal] = struct{}{}
	return true, nil
}

// HasSignal reports whether signal is attached to lockID.
func (s *MemoryStorage) HasSignal(lockID, signal string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.liveLock(lockID, s.now())
	if l == nil {
		return false, ErrKeyNotExists
	}
	_, ok := l.signals[signal]
	return ok, nil
}

// RemoveSignal detaches signal from lockID. It returns false if the signal
// was not attached.
func (s *MemoryStorage) RemoveSignal(lockID, signal string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.liveLock(lockID, s.now())
	if l == nil {
		return false, ErrKeyNotExists
	}
	if _, ok := l.signals[signal]; !ok {
		return false, nil
	}
	delete(l.signals, signal)
	return true, nil
}

// SetClientLastAddress records the peer address of the client's latest connection.
func (s *MemoryStorage) SetClientLastAddress(clientID, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clientRecord(clientID).lastAddress = addr
}

// ClientLastAddress returns the address recorded by SetClientLastAddress.
func (s *MemoryStorage) ClientLastAddress(clientID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[clientID]
	if !ok || c.lastAddress == "" {
		return "", false
	}
	return c.lastAddress, true
}

// Cleanup removes every expired lock and returns how many were removed.
func (s *MemoryStorage) Cleanup(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removed int64
	for _, l := range s.locks {
		if l.Expired(now) {
			s.deleteLock(l)
			removed++
		}
	}
	if removed > 0 {
		metrics.RecordLocksExpired(float64(removed))
	}
	return removed, nil
}

// Stats summarises the table.
func (s *MemoryStorage) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Locks: len(s.locks), Clients: len(s.clients)}
	for _, l := range s.locks {
		if !l.MarkFreeAfter.IsZero() {
			st.PendingRelease++
		}
	}
	return st
}

// liveLock returns the lock for lockID, deleting it first if it has expired.
// The caller must hold s.mu.
func (s *MemoryStorage) liveLock(lockID string, now time.Time) *Lock {
	l, ok := s.locks[lockID]
	if !ok {
		return nil
	}
	if l.Expired(now) {
		s.deleteLock(l)
		metrics.RecordLocksExpired(1)
		s.logger.Debug().Str("lockId", lockID).Str("clientId", l.Owner).Msg("expired lock removed")
		return nil
	}
	return l
}

// deleteLock removes l from both indexes. The caller must hold s.mu.
func (s *MemoryStorage) deleteLock(l *Lock) {
	delete(s.locks, l.ID)
	if c, ok := s.clients[l.Owner]; ok {
		delete(c.locks, l.ID)
	}
	metrics.SetLocksHeld(float64(len(s.locks)))
}

// clientRecord returns the record for clientID, creating it if needed.
// The caller must hold s.mu.
func (s *MemoryStorage) clientRecord(clientID string) *client {
	c, ok := s.clients[clientID]
	if !ok {
		c = &client{locks: make(map[string]*Lock)}
		s.clients[clientID] = c
	}
	return c
}

var _ Storage = (*MemoryStorage)(nil)
