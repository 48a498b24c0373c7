// Package ingest drains wsprdaemon spool archives into ClickHouse.
//
// Client sites rsync .tbz archives into one or more incoming directories.
// Workers claim an archive by renaming it into a per-worker staging
// directory, extract it, parse the spots and noise members, and batch
// insert the rows. A claimed archive is deleted only after its rows are
// in the database; transient database failures park it in the retry
// directory with an attempt counter in the filename, and archives that
// keep failing or cannot be read at all end up in quarantine for a human.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wsprdaemon/wsprserver/internal/appconfig"
	"github.com/wsprdaemon/wsprserver/internal/metrics"
	"github.com/wsprdaemon/wsprserver/internal/wspr"
)

const (
	archiveSuffix = ".tbz"
	claimedSuffix = ".claimed"
)

var retryPattern = regexp.MustCompile(`\.retry(\d+)$`)

// DB is the slice of the database client the ingester uses.
type DB interface {
	InsertExtendedSpots(ctx context.Context, spots []wspr.ExtendedSpot) error
	InsertNoise(ctx context.Context, noise []wspr.Noise) error
	IsTransient(err error) bool
}

// Service owns the worker pool that drains the spool directories.
type Service struct {
	cfg       appconfig.IngestConfig
	db        DB
	collector *metrics.Collector
	logger    zerolog.Logger
}

func New(cfg appconfig.IngestConfig, db DB, collector *metrics.Collector, logger zerolog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		db:        db,
		collector: collector,
		logger:    logger.With().Str("component", "ingest").Logger(),
	}
}

// Run starts the worker pool and blocks until ctx is cancelled. A worker
// finishes the archive it holds before exiting, so shutdown can take one
// archive's processing time.
func (s *Service) Run(ctx context.Context) error {
	if err := s.prepareDirs(); err != nil {
		return err
	}
	s.reclaimStaged()
	s.collector.SetPhase("ingesting")
	defer s.collector.SetPhase("stopped")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		id := i
		g.Go(func() error { return s.worker(ctx, id) })
	}
	return g.Wait()
}

// prepareDirs creates the service-owned directories and verifies the
// incoming directories exist. A missing spool is an environment fault,
// not something to retry into existence.
func (s *Service) prepareDirs() error {
	for _, dir := range s.cfg.IncomingDirs {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("incoming dir %s: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("incoming dir %s: not a directory", dir)
		}
	}
	dirs := []string{s.cfg.QuarantineDir, s.cfg.RetryDir}
	for i := 0; i < s.cfg.Workers; i++ {
		// Anything under an extraction dir is debris from a crashed run.
		ext := filepath.Join(s.cfg.ExtractionDir, workerDir(i))
		if err := os.RemoveAll(ext); err != nil {
			return err
		}
		dirs = append(dirs, filepath.Join(s.cfg.StagingDir, workerDir(i)), ext)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// reclaimStaged returns archives left claimed by a previous run to a
// claimable location. Retry-suffixed names go back to the retry
// directory so their attempt count survives the crash.
func (s *Service) reclaimStaged() {
	matches, err := filepath.Glob(filepath.Join(s.cfg.StagingDir, "*", "*"+claimedSuffix))
	if err != nil {
		return
	}
	for _, claimed := range matches {
		name := strings.TrimSuffix(filepath.Base(claimed), claimedSuffix)
		dst := filepath.Join(s.cfg.IncomingDirs[0], name)
		if retryPattern.MatchString(name) {
			dst = filepath.Join(s.cfg.RetryDir, name)
		}
		if err := os.Rename(claimed, dst); err != nil {
			s.logger.Warn().Err(err).Str("file", claimed).Msg("reclaiming staged archive")
			continue
		}
		s.logger.Info().Str("archive", name).Msg("reclaimed archive staged by previous run")
	}
}

func workerDir(id int) string { return fmt.Sprintf("worker-%d", id) }

func (s *Service) worker(ctx context.Context, id int) error {
	staging := filepath.Join(s.cfg.StagingDir, workerDir(id))
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.PollInterval()
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		n, stalled := s.sweep(ctx, id, staging)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case stalled:
			// Out of disk. Claiming more archives only fails them too,
			// so wait increasingly long for an operator or a cleanup job.
			timer.Reset(bo.NextBackOff())
		case n > 0:
			bo.Reset()
			timer.Reset(0)
		default:
			bo.Reset()
			timer.Reset(s.cfg.PollInterval())
		}
	}
}

// sweep claims and processes every archive currently visible in the
// incoming and retry directories. Returns the number processed so the
// caller can skip the poll delay while work remains, and stalled=true
// when the extraction disk is full and the sweep gave up early.
func (s *Service) sweep(ctx context.Context, id int, staging string) (processed int, stalled bool) {
	dirs := make([]string, 0, len(s.cfg.IncomingDirs)+1)
	dirs = append(dirs, s.cfg.IncomingDirs...)
	dirs = append(dirs, s.cfg.RetryDir)

	pending := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			s.logger.Warn().Err(err).Str("dir", dir).Msg("listing spool")
			continue
		}
		for _, e := range entries {
			if ctx.Err() != nil {
				return processed, false
			}
			if e.IsDir() || !isArchiveName(e.Name()) {
				continue
			}
			pending++
			claimed, ok := s.claim(filepath.Join(dir, e.Name()), staging)
			if !ok {
				continue
			}
			if !s.processArchive(ctx, id, claimed) {
				return processed, true
			}
			processed++
		}
	}
	s.collector.SetGauge("spool_depth", int64(pending-processed))
	return processed, false
}

// isArchiveName accepts spool names (X.tbz) and retry names (X.tbz.retryN).
func isArchiveName(name string) bool {
	if strings.HasSuffix(name, archiveSuffix) {
		return true
	}
	base := retryPattern.ReplaceAllString(name, "")
	return base != name && strings.HasSuffix(base, archiveSuffix)
}

// claim moves an archive into the worker's staging directory. Losing the
// rename race to another worker is normal and reported as not-claimed.
func (s *Service) claim(src, staging string) (string, bool) {
	dst := filepath.Join(staging, filepath.Base(src)+claimedSuffix)
	if err := os.Rename(src, dst); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn().Err(err).Str("file", src).Msg("claiming archive")
		}
		return "", false
	}
	return dst, true
}

// processArchive handles one claimed archive end to end. Returns false
// only when the host is out of disk, which fails the archive through no
// fault of its own; it goes back to retry unchanged and the caller backs
// off instead of claiming more.
func (s *Service) processArchive(ctx context.Context, id int, claimed string) bool {
	name := strings.TrimSuffix(filepath.Base(claimed), claimedSuffix)
	attempt := retryCount(name)
	archive := stripRetry(name)
	log := s.logger.With().Int("worker", id).Str("archive", archive).Logger()

	workDir := filepath.Join(s.cfg.ExtractionDir, workerDir(id), strings.TrimSuffix(archive, archiveSuffix))
	defer os.RemoveAll(workDir)

	if err := extractArchive(claimed, workDir); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			log.Warn().Err(err).Msg("extraction disk full, archive parked for retry")
			s.collector.RecordError(err)
			s.moveTo(claimed, filepath.Join(s.cfg.RetryDir, name))
			return false
		}
		log.Error().Err(err).Msg("unreadable archive, quarantining")
		s.quarantine(claimed, archive)
		return true
	}
	rec, err := parseExtracted(workDir, archive, log)
	if err != nil {
		log.Error().Err(err).Msg("reading extracted files, quarantining")
		s.quarantine(claimed, archive)
		return true
	}
	if rec.defects > 0 {
		s.collector.Add("parse_defects", int64(rec.defects))
	}

	if err := s.insertRecords(ctx, rec); err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a database verdict. The attempt counter
			// stays as it was.
			s.moveTo(claimed, filepath.Join(s.cfg.RetryDir, name))
			return true
		}
		s.collector.RecordError(err)
		if s.db.IsTransient(err) {
			s.retryOrQuarantine(claimed, archive, attempt, err, log)
		} else {
			log.Error().Err(err).Msg("database rejected archive, quarantining")
			s.quarantine(claimed, archive)
		}
		return true
	}

	if err := os.Remove(claimed); err != nil {
		log.Warn().Err(err).Msg("removing ingested archive")
	}
	s.collector.Inc("archives_processed")
	s.collector.Add("spots_inserted", int64(len(rec.spots)))
	s.collector.Add("noise_inserted", int64(len(rec.noise)))
	s.collector.RecordRows(int64(len(rec.spots) + len(rec.noise)))
	log.Info().
		Int("spots", len(rec.spots)).
		Int("noise", len(rec.noise)).
		Int("defects", rec.defects).
		Msg("archive ingested")
	return true
}

func (s *Service) insertRecords(ctx context.Context, rec archiveRecords) error {
	if len(rec.spots) > 0 {
		if err := s.db.InsertExtendedSpots(ctx, rec.spots); err != nil {
			return fmt.Errorf("spots: %w", err)
		}
	}
	if len(rec.noise) > 0 {
		if err := s.db.InsertNoise(ctx, rec.noise); err != nil {
			return fmt.Errorf("noise: %w", err)
		}
	}
	return nil
}

// retryOrQuarantine parks a transiently failed archive for a later
// attempt, or gives up once the retry budget is spent.
func (s *Service) retryOrQuarantine(claimed, archive string, attempt int, cause error, log zerolog.Logger) {
	next := attempt + 1
	if next > s.cfg.RetryMax {
		log.Error().Err(cause).Int("attempts", attempt).Msg("retry budget exhausted, quarantining")
		s.quarantine(claimed, archive)
		return
	}
	log.Warn().Err(cause).Int("attempt", next).Msg("transient failure, archive parked for retry")
	s.moveTo(claimed, filepath.Join(s.cfg.RetryDir, fmt.Sprintf("%s.retry%d", archive, next)))
	s.collector.Inc("archives_retried")
}

func (s *Service) quarantine(claimed, archive string) {
	s.moveTo(claimed, filepath.Join(s.cfg.QuarantineDir, archive))
	s.collector.Inc("archives_quarantined")
}

// moveTo renames with a cross-directory fallback. If even that fails the
// claimed file stays in staging, where the next start reclaims it.
func (s *Service) moveTo(src, dst string) {
	if err := os.Rename(src, dst); err != nil {
		s.logger.Error().Err(err).Str("from", src).Str("to", dst).Msg("moving archive")
	}
}

func retryCount(name string) int {
	m := retryPattern.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func stripRetry(name string) string {
	return retryPattern.ReplaceAllString(name, "")
}
