package scraper

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wsprdaemon/wsprserver/internal/appconfig"
	"github.com/wsprdaemon/wsprserver/internal/metrics"
	"github.com/wsprdaemon/wsprserver/internal/spotcache"
	"github.com/wsprdaemon/wsprserver/internal/wspr"
	"github.com/wsprdaemon/wsprserver/internal/wsprnet"
)

var errDown = errors.New("connection refused")

func isTransient(err error) bool {
	return errors.Is(err, errDown)
}

type fakeDB struct {
	inserted   [][]wspr.Spot
	overflow   [][]wspr.Spot
	seedHigh   uint64
	insertErr  error
	insertErrs int // return insertErr for this many calls, forever if negative
}

func (f *fakeDB) InsertSpots(_ context.Context, spots []wspr.Spot) error {
	if f.insertErr != nil && f.insertErrs != 0 {
		if f.insertErrs > 0 {
			f.insertErrs--
		}
		return f.insertErr
	}
	f.inserted = append(f.inserted, spots)
	return nil
}

func (f *fakeDB) InsertOverflowSpots(_ context.Context, spots []wspr.Spot) error {
	f.overflow = append(f.overflow, spots)
	return nil
}

func (f *fakeDB) HighestSpotID(context.Context) (uint64, error) {
	high := f.seedHigh
	for _, batch := range f.inserted {
		for _, s := range batch {
			if s.ID > high {
				high = s.ID
			}
		}
	}
	return high, nil
}

func (f *fakeDB) IsTransient(err error) bool { return isTransient(err) }

func (f *fakeDB) insertedIDs() []uint64 {
	var ids []uint64
	for _, batch := range f.inserted {
		for _, s := range batch {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// fakeFetcher replays scripted batches, then cancels the loop so Run
// returns.
type fakeFetcher struct {
	batches [][]wspr.Spot
	err     error
	calls   int
	sinces  []uint64
	stop    context.CancelFunc
}

func (f *fakeFetcher) FetchRecentSpots(_ context.Context, sinceID uint64) ([]wspr.Spot, error) {
	f.calls++
	f.sinces = append(f.sinces, sinceID)
	if f.err != nil {
		return nil, f.err
	}
	if f.calls <= len(f.batches) {
		batch := f.batches[f.calls-1]
		if f.calls == len(f.batches) && f.stop != nil {
			f.stop()
		}
		return batch, nil
	}
	if f.stop != nil {
		f.stop()
	}
	return nil, nil
}

func (f *fakeFetcher) SessionSnapshot(high uint64) *wsprnet.Session {
	return &wsprnet.Session{HighestSeenSpotID: high}
}

func spotN(id uint64) wspr.Spot {
	return wspr.Spot{
		ID:        id,
		Time:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Band:      14,
		RxSign:    "AI6VN",
		TxSign:    "N6GN",
		Frequency: 14097100,
	}
}

func testCache(t *testing.T) *spotcache.Cache {
	t.Helper()
	c, err := spotcache.New(t.TempDir(), isTransient, zerolog.Nop())
	if err != nil {
		t.Fatalf("spotcache.New() error: %v", err)
	}
	return c
}

func runScraper(t *testing.T, cfg appconfig.ScraperConfig, db *fakeDB, fetcher *fakeFetcher, cache Cache, restored uint64) (*metrics.Collector, error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher.stop = cancel

	collector := metrics.NewCollector("scraper", zerolog.Nop())
	s := New(cfg, db, fetcher, cache, restored, collector, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case err := <-done:
		return collector, err
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("scraper did not stop")
		return collector, nil
	}
}

func TestScraper_InsertsFetchedSpots(t *testing.T) {
	db := &fakeDB{}
	fetcher := &fakeFetcher{batches: [][]wspr.Spot{{spotN(5), spotN(6), spotN(7)}}}
	sessionFile := filepath.Join(t.TempDir(), "session.json")
	cfg := appconfig.ScraperConfig{ReplayEvery: 5, SessionFile: sessionFile}

	collector, err := runScraper(t, cfg, db, fetcher, testCache(t), 4)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	ids := db.insertedIDs()
	if len(ids) != 3 {
		t.Fatalf("inserted %d spots, want 3", len(ids))
	}
	if fetcher.sinces[0] != 4 {
		t.Errorf("first fetch since = %d, want 4", fetcher.sinces[0])
	}
	snap := collector.Snapshot()
	if snap.Counters["spots_inserted"] != 3 {
		t.Errorf("spots_inserted = %d, want 3", snap.Counters["spots_inserted"])
	}

	sess, err := wsprnet.LoadSession(sessionFile, time.Hour)
	if err != nil {
		t.Fatalf("LoadSession() error: %v", err)
	}
	if sess.HighestSeenSpotID != 7 {
		t.Errorf("persisted HighestSeenSpotID = %d, want 7", sess.HighestSeenSpotID)
	}
}

func TestScraper_FiltersDuplicates(t *testing.T) {
	db := &fakeDB{}
	fetcher := &fakeFetcher{batches: [][]wspr.Spot{{spotN(3), spotN(4), spotN(5)}}}
	cfg := appconfig.ScraperConfig{ReplayEvery: 5}

	collector, err := runScraper(t, cfg, db, fetcher, testCache(t), 4)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	ids := db.insertedIDs()
	if len(ids) != 1 || ids[0] != 5 {
		t.Errorf("inserted ids = %v, want [5]", ids)
	}
	snap := collector.Snapshot()
	if snap.Counters["duplicates_filtered"] != 2 {
		t.Errorf("duplicates_filtered = %d, want 2", snap.Counters["duplicates_filtered"])
	}
}

func TestScraper_HighWaterFromDatabase(t *testing.T) {
	db := &fakeDB{seedHigh: 100}
	fetcher := &fakeFetcher{}
	cfg := appconfig.ScraperConfig{ReplayEvery: 5}

	if _, err := runScraper(t, cfg, db, fetcher, testCache(t), 0); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(fetcher.sinces) == 0 || fetcher.sinces[0] != 100 {
		t.Errorf("first fetch since = %v, want 100", fetcher.sinces)
	}
}

func TestScraper_HighWaterFromCacheWhileDatabaseDown(t *testing.T) {
	db := &fakeDB{seedHigh: 10, insertErr: errDown, insertErrs: -1}
	cache := testCache(t)
	if _, err := cache.WriteBatch([]wspr.Spot{spotN(20)}); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}
	fetcher := &fakeFetcher{}
	cfg := appconfig.ScraperConfig{ReplayEvery: 5}

	if _, err := runScraper(t, cfg, db, fetcher, cache, 0); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	// Startup replay fails transiently, so the cached id carries the mark.
	if len(fetcher.sinces) == 0 || fetcher.sinces[0] != 20 {
		t.Errorf("first fetch since = %v, want 20", fetcher.sinces)
	}
	if cache.Depth() != 1 {
		t.Errorf("cache depth = %d, want 1 while database is down", cache.Depth())
	}
}

func TestScraper_CachesOnTransientFailureThenReplays(t *testing.T) {
	// First insert fails transiently, everything after succeeds.
	db := &fakeDB{insertErr: errDown, insertErrs: 1}
	cache := testCache(t)
	fetcher := &fakeFetcher{batches: [][]wspr.Spot{
		{spotN(1), spotN(2), spotN(3)},
		nil, // fetch 2: nothing new, replay cycle runs
	}}
	cfg := appconfig.ScraperConfig{ReplayEvery: 2}

	collector, err := runScraper(t, cfg, db, fetcher, cache, 0)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	snap := collector.Snapshot()
	if snap.Counters["spots_cached"] != 3 {
		t.Errorf("spots_cached = %d, want 3", snap.Counters["spots_cached"])
	}
	if len(fetcher.sinces) > 1 && fetcher.sinces[1] != 3 {
		t.Errorf("second fetch since = %d, want 3 from the cached batch", fetcher.sinces[1])
	}
	ids := db.insertedIDs()
	if len(ids) != 3 {
		t.Fatalf("inserted ids = %v, want the replayed batch", ids)
	}
	if cache.Depth() != 0 {
		t.Errorf("cache depth = %d, want 0 after replay", cache.Depth())
	}
	if snap.Counters["cache_files_replayed"] != 1 {
		t.Errorf("cache_files_replayed = %d, want 1", snap.Counters["cache_files_replayed"])
	}
}

func TestScraper_PermanentRejectionAdvances(t *testing.T) {
	rejection := errors.New("type mismatch in column power")
	db := &fakeDB{insertErr: rejection, insertErrs: 1}
	cache := testCache(t)
	fetcher := &fakeFetcher{batches: [][]wspr.Spot{
		{spotN(1), spotN(2)},
		nil,
	}}
	cfg := appconfig.ScraperConfig{ReplayEvery: 100}

	collector, err := runScraper(t, cfg, db, fetcher, cache, 0)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if cache.Depth() != 0 {
		t.Errorf("cache depth = %d, want 0 for a permanent rejection", cache.Depth())
	}
	if len(fetcher.sinces) > 1 && fetcher.sinces[1] != 2 {
		t.Errorf("second fetch since = %d, want 2 past the rejected batch", fetcher.sinces[1])
	}
	snap := collector.Snapshot()
	if snap.Counters["spots_rejected"] != 2 {
		t.Errorf("spots_rejected = %d, want 2", snap.Counters["spots_rejected"])
	}
	if snap.ErrorCount == 0 {
		t.Error("ErrorCount = 0, want the rejection recorded")
	}
}

func TestScraper_OverflowRouting(t *testing.T) {
	db := &fakeDB{}
	offBand := spotN(2)
	offBand.Frequency = 14200000 // far outside the 20m window
	fetcher := &fakeFetcher{batches: [][]wspr.Spot{{spotN(1), offBand}}}
	cfg := appconfig.ScraperConfig{ReplayEvery: 5}

	collector, err := runScraper(t, cfg, db, fetcher, testCache(t), 0)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got := len(db.insertedIDs()); got != 2 {
		t.Errorf("main table got %d spots, want 2", got)
	}
	if len(db.overflow) != 1 || len(db.overflow[0]) != 1 || db.overflow[0][0].ID != 2 {
		t.Errorf("overflow batches = %+v, want just spot 2", db.overflow)
	}
	snap := collector.Snapshot()
	if snap.Counters["overflow_spots"] != 1 {
		t.Errorf("overflow_spots = %d, want 1", snap.Counters["overflow_spots"])
	}
}

func TestScraper_FatalOnBadCredentials(t *testing.T) {
	db := &fakeDB{}
	fetcher := &fakeFetcher{err: fmt.Errorf("login: %w", wsprnet.ErrBadCredentials)}
	cfg := appconfig.ScraperConfig{ReplayEvery: 5}

	_, err := runScraper(t, cfg, db, fetcher, testCache(t), 0)
	if !errors.Is(err, wsprnet.ErrBadCredentials) {
		t.Errorf("Run() error = %v, want ErrBadCredentials", err)
	}
}

// countingCache wraps the real cache to observe replay cadence.
type countingCache struct {
	*spotcache.Cache
	replays int
}

func (c *countingCache) ReplayAll(ctx context.Context, insert spotcache.InsertFunc) (spotcache.ReplayStats, error) {
	c.replays++
	return c.Cache.ReplayAll(ctx, insert)
}

func TestScraper_ReplayCadence(t *testing.T) {
	db := &fakeDB{}
	cache := &countingCache{Cache: testCache(t)}
	fetcher := &fakeFetcher{batches: make([][]wspr.Spot, 6)} // six empty fetches
	cfg := appconfig.ScraperConfig{ReplayEvery: 2}

	if _, err := runScraper(t, cfg, db, fetcher, cache, 0); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	// One startup replay plus one per two iterations.
	if cache.replays < 3 {
		t.Errorf("ReplayAll called %d times over 6 iterations, want >= 3", cache.replays)
	}
}
