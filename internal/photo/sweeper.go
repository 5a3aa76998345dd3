package photo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Sweeper periodically removes files older than a maximum age from a set of
// temporary directories. It catches artifacts orphaned by abandoned drafts.
type Sweeper struct {
	// InUse lists paths that must survive regardless of age, such as photos
	// of drafts still being edited. A failing InUse skips the sweep.
	InUse func() ([]string, error)

	dirs     []string
	maxAge   time.Duration
	interval time.Duration
	clock    Clock
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. Non-positive durations default to one hour.
func NewSweeper(dirs []string, maxAge, interval time.Duration) *Sweeper {
	return NewSweeperWithClock(dirs, maxAge, interval, realClock{})
}

// NewSweeperWithClock creates a Sweeper with a custom clock (for testing).
func NewSweeperWithClock(dirs []string, maxAge, interval time.Duration, clock Clock) *Sweeper {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{dirs: dirs, maxAge: maxAge, interval: interval, clock: clock, logger: slog.Default()}
}

// Run sweeps once shortly after start and then every interval until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	wait := time.Minute
	if s.interval < wait {
		wait = s.interval
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if n, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("sweep failed", "error", err)
		} else if n > 0 {
			s.logger.Info("removed stale temp files", "count", n)
		}
		wait = s.interval
	}
}

// RunOnce removes stale regular files and returns how many were removed.
// Missing directories are skipped.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	keep := make(map[string]bool)
	if s.InUse != nil {
		paths, err := s.InUse()
		if err != nil {
			return 0, fmt.Errorf("listing files in use: %w", err)
		}
		for _, p := range paths {
			keep[filepath.Clean(p)] = true
		}
	}

	cutoff := s.clock.Now().Add(-s.maxAge)
	removed := 0
	var errs []error
	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("listing %s: %w", dir, err))
			continue
		}
		for _, e := range entries {
			if ctx.Err() != nil {
				return removed, ctx.Err()
			}
			if !e.Type().IsRegular() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if !info.ModTime().Before(cutoff) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if keep[filepath.Clean(path)] {
				continue
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("removing stale file failed", "path", path, "error", err)
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}
