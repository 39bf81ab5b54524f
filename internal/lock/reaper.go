package lock

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Cleaner defines the interface for stores that support cleanup operations.
type Cleaner interface {
	// Cleanup removes expired entries and returns the number of entries removed.
	Cleanup(ctx context.Context) (int64, error)
}

// Reaper periodically removes expired locks that nobody has looked up since
// they expired. Lazy expiry on access does not depend on it.
type Reaper struct {
	store    Cleaner
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewReaper creates a reaper that sweeps store every interval.
func NewReaper(store Cleaner, interval time.Duration, logger zerolog.Logger) *Reaper {
	return &Reaper{
		store:    store,
		interval: interval,
		logger:   logger.With().Str("component", "lock-reaper").Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins sweeping in a background goroutine.
func (r *Reaper) Start() {
	go r.run()
}

// Stop signals the reaper to stop and waits for it to finish.
func (r *Reaper) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reaper) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.logger.Info().Msg("reaper stopped")
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	count, err := r.store.Cleanup(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to remove expired locks")
		return
	}

	if count > 0 {
		r.logger.Info().
			Int64("removedCount", count).
			Msg("removed expired locks")
	}
}
