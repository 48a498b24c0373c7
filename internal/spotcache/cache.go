// Package spotcache is the scraper's write-ahead store for spot batches
// that could not be inserted into the database. Each batch becomes one
// JSON file named spots_YYYYMMDD_HHMMSS_micros.json, so lexicographic
// filename order equals chronological order for replay. Spots are stored
// as positional row tuples in wspr.SpotColumns order, mirroring the
// insert the database refused.
package spotcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wsprdaemon/wsprserver/internal/wspr"
)

const (
	filePrefix      = "spots_"
	fileSuffix      = ".json"
	corruptDirName  = "corrupt"
	fallbackDirName = "wsprnet-scraper-cache"
)

// InsertFunc commits one batch of spots to the database.
type InsertFunc func(ctx context.Context, spots []wspr.Spot) error

// ReplayStats reports the outcome of one ReplayAll pass.
type ReplayStats struct {
	Replayed int // files inserted and deleted
	Rows     int // rows across replayed files
	Corrupt  int // files moved aside as unreadable or poisonous
	Pending  int // files left behind for the next pass
}

// Cache stores spot batches on disk until the database acknowledges them.
type Cache struct {
	dir       string
	logger    zerolog.Logger
	transient func(error) bool

	mu     sync.Mutex
	lastID int64
}

type batchFile struct {
	Timestamp string  `json:"timestamp"`
	HighestID uint64  `json:"highest_id"`
	SpotCount int     `json:"spot_count"`
	Spots     [][]any `json:"spots"`
}

// New opens the cache at dir, creating it if needed. If dir cannot be
// written the cache falls back to a fixed location under the system temp
// directory rather than dropping records.
func New(dir string, isTransient func(error) bool, logger zerolog.Logger) (*Cache, error) {
	log := logger.With().Str("component", "spot-cache").Logger()
	if err := ensureWritable(dir); err != nil {
		fallback := filepath.Join(os.TempDir(), fallbackDirName)
		log.Warn().Err(err).
			Str("dir", dir).
			Str("fallback", fallback).
			Msg("cache directory not writable, using fallback")
		if ferr := ensureWritable(fallback); ferr != nil {
			return nil, fmt.Errorf("cache fallback directory %s: %w", fallback, ferr)
		}
		dir = fallback
	}
	return &Cache{dir: dir, logger: log, transient: isTransient}, nil
}

// Dir returns the directory the cache actually writes to.
func (c *Cache) Dir() string { return c.dir }

func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

// WriteBatch durably stores one batch and returns its cache id (the
// filename). The write is atomic: temp file, fsync, rename.
func (c *Cache) WriteBatch(spots []wspr.Spot) (string, error) {
	if len(spots) == 0 {
		return "", nil
	}
	rows := make([][]any, len(spots))
	var highest uint64
	for i, s := range spots {
		if s.ID > highest {
			highest = s.ID
		}
		rows[i] = s.Row()
	}
	body, err := json.Marshal(batchFile{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		HighestID: highest,
		SpotCount: len(rows),
		Spots:     rows,
	})
	if err != nil {
		return "", fmt.Errorf("encoding cache batch: %w", err)
	}

	ts := time.UnixMicro(c.nextID()).UTC()
	name := fmt.Sprintf("%s%s_%06d%s", filePrefix, ts.Format("20060102_150405"), ts.Nanosecond()/1000, fileSuffix)
	path := filepath.Join(c.dir, name)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	c.logger.Info().Str("file", name).Int("spots", len(spots)).Msg("cached batch")
	return name, nil
}

// nextID returns a microsecond timestamp, bumped when two writes land in
// the same microsecond so filenames stay strictly ordered.
func (c *Cache) nextID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := time.Now().UnixMicro()
	if id <= c.lastID {
		id = c.lastID + 1
	}
	c.lastID = id
	return id
}

// ReplayAll drains cached batches in filename order, deleting each file
// once insert succeeds. A transient insert failure stops the pass so the
// next one can resume from the same file; unreadable files and batches the
// database permanently rejects are moved to the corrupt subdirectory.
func (c *Cache) ReplayAll(ctx context.Context, insert InsertFunc) (ReplayStats, error) {
	var stats ReplayStats
	files, err := c.pendingFiles()
	if err != nil {
		return stats, err
	}
	for i, name := range files {
		if err := ctx.Err(); err != nil {
			stats.Pending = len(files) - i
			return stats, err
		}
		path := filepath.Join(c.dir, name)
		_, spots, err := readBatch(path)
		if err != nil {
			c.logger.Error().Err(err).Str("file", name).Msg("unreadable cache file")
			c.moveCorrupt(name, &stats)
			continue
		}
		if err := insert(ctx, spots); err != nil {
			if c.transient != nil && c.transient(err) {
				stats.Pending = len(files) - i
				return stats, fmt.Errorf("replaying %s: %w", name, err)
			}
			c.logger.Error().Err(err).Str("file", name).Msg("batch permanently rejected")
			c.moveCorrupt(name, &stats)
			continue
		}
		if err := os.Remove(path); err != nil {
			c.logger.Error().Err(err).Str("file", name).Msg("failed to delete replayed cache file")
		}
		stats.Replayed++
		stats.Rows += len(spots)
	}
	if stats.Replayed > 0 || stats.Corrupt > 0 {
		c.logger.Info().
			Int("replayed", stats.Replayed).
			Int("rows", stats.Rows).
			Int("corrupt", stats.Corrupt).
			Msg("cache replay finished")
	}
	return stats, nil
}

// HighestCachedID returns the largest spot id present in any cached batch,
// or zero when the cache is empty.
func (c *Cache) HighestCachedID() (uint64, error) {
	files, err := c.pendingFiles()
	if err != nil {
		return 0, err
	}
	var highest uint64
	for _, name := range files {
		batch, _, err := readBatch(filepath.Join(c.dir, name))
		if err != nil {
			c.logger.Warn().Err(err).Str("file", name).Msg("skipping unreadable cache file")
			continue
		}
		if batch.HighestID > highest {
			highest = batch.HighestID
		}
	}
	return highest, nil
}

// Depth returns the number of batches waiting for replay.
func (c *Cache) Depth() int {
	files, err := c.pendingFiles()
	if err != nil {
		return 0
	}
	return len(files)
}

// pendingFiles lists cache files in ascending name order. os.ReadDir
// already sorts by filename, which is creation order by construction.
func (c *Cache) pendingFiles() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// readBatch parses an envelope and rebuilds its spots from the row
// tuples. UseNumber keeps 64-bit ids exact through the JSON round-trip.
func readBatch(path string) (*batchFile, []wspr.Spot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var batch batchFile
	if err := dec.Decode(&batch); err != nil {
		return nil, nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	if batch.SpotCount != len(batch.Spots) {
		return nil, nil, fmt.Errorf("parsing %s: spot_count %d but %d rows", filepath.Base(path), batch.SpotCount, len(batch.Spots))
	}
	spots := make([]wspr.Spot, 0, len(batch.Spots))
	for i, row := range batch.Spots {
		s, err := wspr.DecodeSpotRow(row)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing %s row %d: %w", filepath.Base(path), i, err)
		}
		spots = append(spots, s)
	}
	return &batch, spots, nil
}

func (c *Cache) moveCorrupt(name string, stats *ReplayStats) {
	dir := filepath.Join(c.dir, corruptDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.logger.Error().Err(err).Msg("failed to create corrupt directory")
		return
	}
	if err := os.Rename(filepath.Join(c.dir, name), filepath.Join(dir, name)); err != nil {
		c.logger.Error().Err(err).Str("file", name).Msg("failed to move corrupt cache file")
		return
	}
	stats.Corrupt++
}
