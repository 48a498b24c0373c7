// Package scraper runs the wsprnet polling loop: fetch new spots, insert
// them into the database, divert batches to the disk cache while the
// database is unreachable, and replay the cache once it recovers.
package scraper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/wsprdaemon/wsprserver/internal/appconfig"
	"github.com/wsprdaemon/wsprserver/internal/metrics"
	"github.com/wsprdaemon/wsprserver/internal/spotcache"
	"github.com/wsprdaemon/wsprserver/internal/wspr"
	"github.com/wsprdaemon/wsprserver/internal/wsprnet"
)

// DB is the database surface the loop needs.
type DB interface {
	InsertSpots(ctx context.Context, spots []wspr.Spot) error
	InsertOverflowSpots(ctx context.Context, spots []wspr.Spot) error
	HighestSpotID(ctx context.Context) (uint64, error)
	IsTransient(err error) bool
}

// Fetcher is the upstream client surface.
type Fetcher interface {
	FetchRecentSpots(ctx context.Context, sinceID uint64) ([]wspr.Spot, error)
	SessionSnapshot(highestSeenSpotID uint64) *wsprnet.Session
}

// Cache is the write-ahead store for batches the database refused.
type Cache interface {
	WriteBatch(spots []wspr.Spot) (string, error)
	ReplayAll(ctx context.Context, insert spotcache.InsertFunc) (spotcache.ReplayStats, error)
	HighestCachedID() (uint64, error)
	Depth() int
}

// Scraper owns the fetch, insert, cache and replay cycle.
type Scraper struct {
	cfg       appconfig.ScraperConfig
	db        DB
	client    Fetcher
	cache     Cache
	collector *metrics.Collector
	logger    zerolog.Logger

	// High-water mark, split by source. Every fetch resumes from the max
	// of the two, so a spot observed once is never requested again even
	// when it only made it to disk.
	insertedHigh uint64
	cachedHigh   uint64
	iteration    uint64
}

// New creates a Scraper. restoredHighWater carries the highest spot id
// recorded in the persisted session, or zero on a cold start.
func New(cfg appconfig.ScraperConfig, db DB, client Fetcher, cache Cache, restoredHighWater uint64, collector *metrics.Collector, logger zerolog.Logger) *Scraper {
	return &Scraper{
		cfg:          cfg,
		db:           db,
		client:       client,
		cache:        cache,
		collector:    collector,
		logger:       logger.With().Str("component", "scraper").Logger(),
		insertedHigh: restoredHighWater,
	}
}

// Run executes the loop until ctx is cancelled. It returns nil on a clean
// shutdown; the only non-nil error is a fatal condition such as rejected
// credentials.
func (s *Scraper) Run(ctx context.Context) error {
	s.collector.SetPhase("replaying")
	if stats, err := s.cache.ReplayAll(ctx, s.db.InsertSpots); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn().Err(err).Msg("startup cache replay incomplete")
		s.collector.RecordError(err)
	} else {
		s.recordReplay(stats)
	}

	if id, err := s.cache.HighestCachedID(); err != nil {
		s.logger.Warn().Err(err).Msg("could not read cache high-water mark")
	} else {
		s.cachedHigh = id
	}
	if id, err := s.db.HighestSpotID(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn().Err(err).Msg("could not read database high-water mark")
		s.collector.RecordError(err)
	} else if id > s.insertedHigh {
		s.insertedHigh = id
	}

	s.logger.Info().
		Uint64("high_water_id", s.highWater()).
		Dur("fetch_interval", s.cfg.FetchInterval()).
		Msg("scraper starting")
	s.collector.SetPhase("scraping")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-timer.C:
		}
		if err := s.iterate(ctx); err != nil {
			s.saveSession()
			return err
		}
		if ctx.Err() != nil {
			s.shutdown()
			return nil
		}
		timer.Reset(s.cfg.FetchInterval())
	}
}

func (s *Scraper) shutdown() {
	s.saveSession()
	s.collector.SetPhase("stopped")
	s.logger.Info().Uint64("high_water_id", s.highWater()).Msg("scraper stopped")
}

// iterate performs one fetch cycle. It returns an error only for fatal
// conditions; everything else is logged and retried next cycle.
func (s *Scraper) iterate(ctx context.Context) error {
	s.iteration++
	defer func() {
		s.collector.SetGauge("cache_depth", int64(s.cache.Depth()))
	}()

	s.collector.Inc("fetches")
	spots, err := s.client.FetchRecentSpots(ctx, s.highWater())
	switch {
	case errors.Is(err, wsprnet.ErrBadCredentials):
		return err
	case err != nil:
		if ctx.Err() == nil {
			s.collector.Inc("fetch_errors")
			s.collector.RecordError(err)
			s.logger.Warn().Err(err).Msg("fetch failed")
		}
	default:
		s.handleBatch(ctx, spots)
	}

	s.maybeReplay(ctx)
	return nil
}

func (s *Scraper) handleBatch(ctx context.Context, spots []wspr.Spot) {
	fresh := filterNew(spots, s.highWater())
	if dup := len(spots) - len(fresh); dup > 0 {
		s.collector.Add("duplicates_filtered", int64(dup))
	}
	if len(fresh) == 0 {
		return
	}
	s.collector.Add("spots_fetched", int64(len(fresh)))
	batchHigh := highestID(fresh)

	if err := s.db.InsertSpots(ctx, fresh); err != nil {
		s.collector.RecordError(err)
		// A cancellation mid-insert still persists the batch before exit.
		if ctx.Err() != nil || s.db.IsTransient(err) {
			s.divertToCache(fresh, batchHigh, err)
		} else {
			// Advancing past a permanently rejected batch avoids
			// refetching it forever.
			s.logger.Error().Err(err).Int("spots", len(fresh)).Msg("batch permanently rejected")
			s.collector.Add("spots_rejected", int64(len(fresh)))
			s.insertedHigh = max(s.insertedHigh, batchHigh)
		}
		return
	}

	s.insertedHigh = max(s.insertedHigh, batchHigh)
	s.collector.RecordRows(int64(len(fresh)))
	s.collector.Add("spots_inserted", int64(len(fresh)))
	s.routeOverflow(ctx, fresh)
	s.saveSession()
}

func (s *Scraper) divertToCache(spots []wspr.Spot, batchHigh uint64, cause error) {
	name, err := s.cache.WriteBatch(spots)
	if err != nil {
		s.logger.Error().Err(err).Int("spots", len(spots)).Msg("failed to cache batch, spots lost")
		s.collector.Inc("batches_lost")
		s.collector.RecordError(err)
		return
	}
	s.cachedHigh = max(s.cachedHigh, batchHigh)
	s.collector.Inc("batches_cached")
	s.collector.Add("spots_cached", int64(len(spots)))
	s.logger.Warn().Err(cause).Str("cache_file", name).Int("spots", len(spots)).Msg("insert failed, batch cached")
}

// routeOverflow additionally inserts spots reported outside their band's
// transmit window into the diagnostic table. Best effort: the main insert
// already succeeded and the overflow table deduplicates on replay.
func (s *Scraper) routeOverflow(ctx context.Context, spots []wspr.Spot) {
	var over []wspr.Spot
	for _, sp := range spots {
		if !wspr.FrequencyInBand(sp.Band, sp.Frequency) {
			over = append(over, sp)
		}
	}
	if len(over) == 0 {
		return
	}
	s.collector.Add("overflow_spots", int64(len(over)))
	if err := s.db.InsertOverflowSpots(ctx, over); err != nil {
		if ctx.Err() == nil {
			s.collector.RecordError(err)
			s.logger.Warn().Err(err).Int("spots", len(over)).Msg("overflow insert failed")
		}
	}
}

func (s *Scraper) maybeReplay(ctx context.Context) {
	if s.cfg.ReplayEvery <= 0 || s.iteration%uint64(s.cfg.ReplayEvery) != 0 {
		return
	}
	stats, err := s.cache.ReplayAll(ctx, s.db.InsertSpots)
	if err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Msg("cache replay incomplete")
		s.collector.RecordError(err)
	}
	s.recordReplay(stats)
}

func (s *Scraper) recordReplay(stats spotcache.ReplayStats) {
	if stats.Replayed > 0 {
		s.collector.Add("cache_files_replayed", int64(stats.Replayed))
		s.collector.RecordRows(int64(stats.Rows))
	}
	if stats.Corrupt > 0 {
		s.collector.Add("cache_files_corrupt", int64(stats.Corrupt))
	}
}

func (s *Scraper) saveSession() {
	if s.cfg.SessionFile == "" {
		return
	}
	sess := s.client.SessionSnapshot(s.highWater())
	if err := sess.Save(s.cfg.SessionFile); err != nil {
		s.logger.Warn().Err(err).Str("path", s.cfg.SessionFile).Msg("failed to persist session")
	}
}

func (s *Scraper) highWater() uint64 {
	return max(s.insertedHigh, s.cachedHigh)
}

func filterNew(spots []wspr.Spot, highWater uint64) []wspr.Spot {
	fresh := make([]wspr.Spot, 0, len(spots))
	for _, sp := range spots {
		if sp.ID > highWater {
			fresh = append(fresh, sp)
		}
	}
	return fresh
}

func highestID(spots []wspr.Spot) uint64 {
	var high uint64
	for _, sp := range spots {
		if sp.ID > high {
			high = sp.ID
		}
	}
	return high
}
