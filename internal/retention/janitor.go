// Package retention sweeps Squall's on-disk output directories —
// .squall/reviews, .squall/raw, .squall/research — deleting files past a
// configurable age so a long-lived process doesn't accumulate dispatch
// output forever. .squall/memory prunes itself in-band and is never touched
// here.
package retention

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweep is one directory-plus-max-age pairing the janitor enforces.
type Sweep struct {
	Dir    string
	MaxAge time.Duration
}

// DefaultSweeps returns the standard retention windows rooted at
// workingDirectory's .squall tree: reviews and research results are kept
// longer since they're the user-facing artifact, raw CLI captures are
// debug-only and pruned sooner.
func DefaultSweeps(workingDirectory string) []Sweep {
	base := filepath.Join(workingDirectory, ".squall")
	return []Sweep{
		{Dir: filepath.Join(base, "reviews"), MaxAge: 14 * 24 * time.Hour},
		{Dir: filepath.Join(base, "research"), MaxAge: 14 * 24 * time.Hour},
		{Dir: filepath.Join(base, "raw"), MaxAge: 3 * 24 * time.Hour},
	}
}

// CycleStats reports what one sweep cycle removed.
type CycleStats struct {
	FilesRemoved int
	BytesFreed   int64
	Errors       []error
}

// Janitor periodically removes aged files from a fixed set of directories.
type Janitor struct {
	sweeps   []Sweep
	interval time.Duration
}

// NewJanitor creates a janitor that runs sweeps on the given interval. An
// interval under a minute is raised to a minute — this is a background
// hygiene task, not a tight polling loop.
func NewJanitor(sweeps []Sweep, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Janitor{sweeps: sweeps, interval: interval}
}

// Start runs the janitor in the current goroutine until ctx is canceled,
// performing one sweep immediately and then on every tick.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Int("dirs", len(j.sweeps)).Msg("retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.runCycle()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("retention janitor stopped")
			return
		case <-ticker.C:
			j.runCycle()
		}
	}
}

func (j *Janitor) runCycle() {
	start := time.Now()
	stats := CycleStats{}

	for _, sweep := range j.sweeps {
		removed, bytes, err := sweepDir(sweep.Dir, sweep.MaxAge)
		stats.FilesRemoved += removed
		stats.BytesFreed += bytes
		if err != nil {
			stats.Errors = append(stats.Errors, err)
		}
	}

	for _, e := range stats.Errors {
		log.Warn().Err(e).Msg("retention sweep error")
	}

	if stats.FilesRemoved > 0 {
		log.Info().
			Int("files_removed", stats.FilesRemoved).
			Int64("bytes_freed", stats.BytesFreed).
			Dur("elapsed", time.Since(start)).
			Msg("retention cycle complete")
	}
}

// sweepDir removes regular files under dir whose modification time is older
// than maxAge. A missing directory is not an error — nothing has been
// written there yet.
func sweepDir(dir string, maxAge time.Duration) (removed int, bytesFreed int64, err error) {
	entries, readErr := os.ReadDir(dir)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return 0, 0, nil
		}
		return 0, 0, readErr
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, statErr := entry.Info()
		if statErr != nil {
			err = statErr
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		size := info.Size()
		if rmErr := os.Remove(path); rmErr != nil {
			err = rmErr
			continue
		}
		removed++
		bytesFreed += size
	}
	return removed, bytesFreed, err
}
