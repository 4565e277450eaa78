package index

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/freewebtopdf/toolvm/internal/domain"
)

// MinSyncInterval bounds how often a Syncer may rebuild the catalog
const MinSyncInterval = time.Minute

// RefreshingSources is a source manager whose sources can be re-fetched
type RefreshingSources interface {
	domain.SourceManager
	Refresh(ctx context.Context) error
}

// Syncer periodically refreshes the sources and regenerates the persisted
// catalog. Long-running servers use it; one-shot commands do not.
type Syncer struct {
	indexer  *Indexer
	sources  RefreshingSources
	interval time.Duration
	logger   zerolog.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	onSyncMu sync.RWMutex
	onSync   func(*Index)
}

// NewSyncer creates a Syncer. Intervals below MinSyncInterval are raised to it.
func NewSyncer(indexer *Indexer, sources RefreshingSources, interval time.Duration) *Syncer {
	if interval < MinSyncInterval {
		interval = MinSyncInterval
	}
	return &Syncer{
		indexer:  indexer,
		sources:  sources,
		interval: interval,
		logger:   log.With().Str("component", "index_syncer").Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetOnSync sets a callback run after every successful regeneration
func (s *Syncer) SetOnSync(fn func(*Index)) {
	s.onSyncMu.Lock()
	s.onSync = fn
	s.onSyncMu.Unlock()
}

// Interval returns the effective sync interval
func (s *Syncer) Interval() time.Duration {
	return s.interval
}

// Start runs the sync loop in the background until ctx ends or Stop is called
func (s *Syncer) Start(ctx context.Context) {
	if s.started.CompareAndSwap(false, true) {
		go s.loop(ctx)
	}
}

// Stop ends the loop and waits for an in-flight sync to finish. It is safe
// to call more than once.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	if s.started.Load() {
		<-s.doneCh
	}
}

func (s *Syncer) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.Sync(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Index sync failed")
			}
		}
	}
}

// Sync refreshes every source and regenerates the catalog. Source refresh
// failures are logged; the rebuild still runs against whatever each source
// last cached.
func (s *Syncer) Sync(ctx context.Context) (*Index, error) {
	if err := s.sources.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn().Err(err).Msg("Some repository sources failed to refresh")
	}

	idx, err := s.indexer.Regenerate(ctx, s.sources)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int("packages", idx.Len()).Msg("Index synced")

	s.onSyncMu.RLock()
	fn := s.onSync
	s.onSyncMu.RUnlock()
	if fn != nil {
		fn(idx)
	}
	return idx, nil
}
