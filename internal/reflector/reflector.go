// Package reflector mirrors completed uploads to the standby servers.
//
// One scan task hard-links every file matching the incoming glob into a
// per-destination queue; one transfer task per destination drains its
// queue over rsync. The links share the incoming file's inode, so fan-out
// costs no disk and the incoming copy stays untouched for its owner to
// delete.
package reflector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wsprdaemon/wsprserver/internal/appconfig"
	"github.com/wsprdaemon/wsprserver/internal/metrics"
)

const failedDirName = "failed"

// Runner transfers one queued file to a destination. Implementations own
// the subprocess; the service owns deletion after a clean return.
type Runner interface {
	Transfer(ctx context.Context, localPath string, dest appconfig.Destination) error
}

// Service owns the scan task and the per-destination transfer tasks.
// The fanned-out inode set belongs to the scan task alone and each
// transfer task keeps its own retry map, so the tasks share nothing.
type Service struct {
	cfg       appconfig.ReflectorConfig
	runner    Runner
	collector *metrics.Collector
	logger    zerolog.Logger
	seen      map[uint64]bool
}

func New(cfg appconfig.ReflectorConfig, runner Runner, collector *metrics.Collector, logger zerolog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		runner:    runner,
		collector: collector,
		logger:    logger.With().Str("component", "reflector").Logger(),
		seen:      make(map[uint64]bool),
	}
}

// Run starts the tasks and blocks until ctx is cancelled. An in-flight
// transfer is killed by its own timeout context on shutdown.
func (s *Service) Run(ctx context.Context) error {
	if err := s.prepareQueues(); err != nil {
		return err
	}
	s.collector.SetPhase("reflecting")
	defer s.collector.SetPhase("stopped")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.scanLoop(ctx) })
	for _, dest := range s.cfg.Destinations {
		d := dest
		g.Go(func() error { return s.transferLoop(ctx, d) })
	}
	return g.Wait()
}

// prepareQueues creates the destination queues and verifies they share a
// filesystem with the incoming spool. Hard links cannot cross devices,
// so a violation is fatal at startup rather than a per-file surprise.
func (s *Service) prepareQueues() error {
	incomingDir := filepath.Dir(s.cfg.IncomingGlob)
	incomingDev, devOK, err := deviceOf(incomingDir)
	if err != nil {
		return fmt.Errorf("incoming dir %s: %w", incomingDir, err)
	}
	for _, dest := range s.cfg.Destinations {
		dir := s.queueDir(dest)
		if err := os.MkdirAll(filepath.Join(dir, failedDirName), 0o755); err != nil {
			return err
		}
		dev, ok, err := deviceOf(dir)
		if err != nil {
			return err
		}
		if devOK && ok && dev != incomingDev {
			return fmt.Errorf("queue %s is on a different filesystem than %s, hard links are impossible", dir, incomingDir)
		}
	}
	return nil
}

func (s *Service) queueDir(dest appconfig.Destination) string {
	return filepath.Join(s.cfg.SpoolDir, dest.Name)
}

func (s *Service) scanLoop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		s.scan()
		timer.Reset(s.cfg.ScanInterval())
	}
}

// scan fans every new incoming file out to all destination queues. The
// seen set is rebuilt from the files currently present, so an inode that
// leaves the spool is forgotten and a genuinely new file under the same
// name is fanned out again.
func (s *Service) scan() {
	matches, err := filepath.Glob(s.cfg.IncomingGlob)
	if err != nil {
		s.logger.Error().Err(err).Str("glob", s.cfg.IncomingGlob).Msg("bad incoming glob")
		return
	}
	current := make(map[uint64]bool, len(matches))
	for _, src := range matches {
		name := filepath.Base(src)
		if strings.HasPrefix(name, ".") {
			continue
		}
		info, err := os.Stat(src)
		if err != nil || info.IsDir() {
			continue
		}
		ino, ok := inodeOf(info)
		if ok && s.seen[ino] {
			current[ino] = true
			continue
		}
		if s.fanOut(src, name) && ok {
			current[ino] = true
		}
	}
	s.seen = current
	s.collector.SetGauge("incoming_files", int64(len(matches)))
}

// fanOut links one file into every destination queue. It reports success
// only when every destination holds a link; a partial fan-out is retried
// next scan, where the links already made are found and kept.
func (s *Service) fanOut(src, name string) bool {
	ok := true
	for _, dest := range s.cfg.Destinations {
		dst := filepath.Join(s.queueDir(dest), name)
		if err := os.Link(src, dst); err != nil && !errors.Is(err, fs.ErrExist) {
			s.logger.Error().Err(err).Str("file", name).Str("destination", dest.Name).Msg("linking into queue")
			ok = false
		}
	}
	if ok {
		s.collector.Inc("files_fanned_out")
		s.logger.Debug().Str("file", name).Msg("fanned out")
	}
	return ok
}

func (s *Service) transferLoop(ctx context.Context, dest appconfig.Destination) error {
	log := s.logger.With().Str("destination", dest.Name).Logger()
	retries := make(map[string]int)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		s.drainQueue(ctx, dest, retries, log)
		if ctx.Err() != nil {
			return nil
		}
		timer.Reset(s.cfg.TransferInterval())
	}
}

// drainQueue attempts one transfer of every queued file. A failed file
// stays queued with a bumped retry count until the budget is spent, then
// moves to the failed subdirectory for a human to look at.
func (s *Service) drainQueue(ctx context.Context, dest appconfig.Destination, retries map[string]int, log zerolog.Logger) {
	dir := s.queueDir(dest)
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Error().Err(err).Msg("listing queue")
		return
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)

		tctx, cancel := context.WithTimeout(ctx, s.cfg.TransferTimeout())
		err := s.runner.Transfer(tctx, path, dest)
		cancel()
		if err == nil {
			var size int64
			if info, ierr := e.Info(); ierr == nil {
				size = info.Size()
			}
			if rerr := os.Remove(path); rerr != nil {
				log.Warn().Err(rerr).Str("file", name).Msg("removing delivered file")
			}
			delete(retries, name)
			s.collector.Inc("files_transferred")
			s.collector.Add("bytes_transferred", size)
			log.Info().Str("file", name).Msg("delivered")
			continue
		}
		if ctx.Err() != nil {
			// Killed by shutdown, not by the destination.
			return
		}
		retries[name]++
		s.collector.RecordError(err)
		if retries[name] >= s.cfg.RetryMax {
			log.Error().Err(err).Str("file", name).Int("attempts", retries[name]).Msg("transfer repeatedly failed, giving up")
			if mverr := os.Rename(path, filepath.Join(dir, failedDirName, name)); mverr != nil {
				log.Error().Err(mverr).Str("file", name).Msg("moving to failed")
			} else {
				delete(retries, name)
				s.collector.Inc("files_failed")
			}
		} else {
			log.Warn().Err(err).Str("file", name).Int("attempt", retries[name]).Msg("transfer failed, will retry")
			s.collector.Inc("transfer_retries")
		}
	}
	s.pruneRetries(dir, retries)
	s.collector.SetGauge("queue_"+dest.Name, int64(queueDepth(dir)))
}

// pruneRetries drops counters for files that left the queue by some
// other path, so the map cannot grow without bound.
func (s *Service) pruneRetries(dir string, retries map[string]int) {
	for name := range retries {
		if _, err := os.Stat(filepath.Join(dir, name)); errors.Is(err, fs.ErrNotExist) {
			delete(retries, name)
		}
	}
}

func queueDepth(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			n++
		}
	}
	return n
}

func inodeOf(info os.FileInfo) (uint64, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint64(st.Ino), true
}

func deviceOf(path string) (uint64, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false, nil
	}
	return uint64(st.Dev), true, nil
}
