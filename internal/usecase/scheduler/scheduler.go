// Package scheduler drives the recurring background reindex pass: reload
// set definitions from collection-level records, then re-feed record
// files through the lifecycle manager.
package scheduler

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/dlmeta/metarepo/internal/domain/set"
)

// fileIndexer indexes one on-disk record file.
type fileIndexer interface {
	IndexFile(ctx context.Context, path string) error
}

// reloader refreshes the set configuration before a pass.
type reloader interface {
	Reload(ctx context.Context) error
}

// setConfig lists the directories to walk.
type setConfig interface {
	List() []set.SetInfo
}

// Config selects the firing mode: a fixed interval when Interval > 0,
// otherwise a daily time of day, optionally restricted to weekdays.
type Config struct {
	Interval  time.Duration
	StartTime string // "HH:MM", daily mode
	Days      []time.Weekday
	IndexAll  bool // full pass instead of incremental
}

// Scheduler runs at most one reindex pass at a time. Start replaces any
// running timer; Stop cancels the timer and drains an in-flight pass
// between files before returning.
type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	indexer fileIndexer
	loader  reloader // optional
	sets    setConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	passMu   sync.Mutex
	lastPass time.Time
}

// New creates a scheduler. loader may be nil.
func New(log *zap.Logger, cfg Config, indexer fileIndexer, loader reloader, sets setConfig) *Scheduler {
	return &Scheduler{log: log, cfg: cfg, indexer: indexer, loader: loader, sets: sets}
}

// Start launches the timer loop, replacing any previous one.
func (s *Scheduler) Start() {
	s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.loop(ctx, done)
}

// Stop cancels the pending timer and waits for an in-flight pass to
// reach its next between-files checkpoint. It is safe to call twice and
// before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		wait := s.nextDelay(time.Now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.RunPass(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("reindex pass failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// nextDelay computes the time until the next firing.
func (s *Scheduler) nextDelay(now time.Time) time.Duration {
	if s.cfg.Interval > 0 {
		return s.cfg.Interval
	}

	hhmm, err := time.Parse("15:04", s.cfg.StartTime)
	if err != nil {
		s.log.Warn("invalid start time, defaulting to daily at midnight",
			zap.String("startTime", s.cfg.StartTime))
		hhmm = time.Time{}
	}
	for offset := 0; offset <= 7; offset++ {
		day := now.AddDate(0, 0, offset)
		candidate := time.Date(day.Year(), day.Month(), day.Day(),
			hhmm.Hour(), hhmm.Minute(), 0, 0, now.Location())
		if candidate.After(now) && s.dayAllowed(candidate.Weekday()) {
			return candidate.Sub(now)
		}
	}
	return 24 * time.Hour
}

func (s *Scheduler) dayAllowed(d time.Weekday) bool {
	if len(s.cfg.Days) == 0 {
		return true
	}
	for _, allowed := range s.cfg.Days {
		if allowed == d {
			return true
		}
	}
	return false
}

// RunPass reloads the set configuration and walks every configured
// directory, feeding record files to the indexer. Only one pass runs at
// a time; a pass requested while another is running is skipped. Per-file
// failures are logged and the pass continues; cancellation stops the
// pass between files.
func (s *Scheduler) RunPass(ctx context.Context) error {
	if !s.passMu.TryLock() {
		s.log.Info("reindex pass already running, skipping")
		return nil
	}
	defer s.passMu.Unlock()

	log := s.log.With(zap.String("pass", uuid.NewString()))
	started := time.Now()
	log.Info("reindex pass started", zap.Bool("full", s.cfg.IndexAll))

	if s.loader != nil {
		if err := s.loader.Reload(ctx); err != nil {
			return fmt.Errorf("reload set definitions: %w", err)
		}
	}

	since := s.lastPass
	if s.cfg.IndexAll {
		since = time.Time{}
	}

	indexed := 0
	for _, si := range s.sets.List() {
		for _, dir := range si.Directories() {
			n, err := s.walkDir(ctx, dir, since)
			indexed += n
			if err != nil {
				return err
			}
		}
	}

	s.lastPass = started
	log.Info("reindex pass finished",
		zap.Int("files", indexed), zap.Duration("took", time.Since(started)))
	return nil
}

func (s *Scheduler) walkDir(ctx context.Context, dir string, since time.Time) (int, error) {
	indexed := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(path, ".xml") {
			return nil
		}
		if !since.IsZero() {
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().Before(since) {
				return nil
			}
		}
		if err := s.indexer.IndexFile(ctx, path); err != nil {
			s.log.Warn("index file failed", zap.String("file", path), zap.Error(err))
			return nil
		}
		indexed++
		return nil
	})
	return indexed, err
}
