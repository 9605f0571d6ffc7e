package janitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/itstheanurag/playground/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"
)

type Options struct {
	Root      string
	Interval  time.Duration
	Retention time.Duration
	// Workers bounds concurrent removals within one sweep.
	Workers int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Janitor reclaims session directories that outlived their request,
// e.g. after a crash. Regular sessions remove their own workspace.
type Janitor struct {
	fs     afero.Fs
	opts   Options
	logger *zerolog.Logger
}

func New(fsys afero.Fs, opts Options, logger *zerolog.Logger) *Janitor {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Janitor{fs: fsys, opts: opts, logger: logger}
}

// Start sweeps once immediately and then every Interval until ctx is done.
func (j *Janitor) Start(ctx context.Context) {
	j.logger.Info().
		Str("root", j.opts.Root).
		Dur("interval", j.opts.Interval).
		Dur("retention", j.opts.Retention).
		Msg("janitor started")

	ticker := time.NewTicker(j.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := j.Sweep(ctx); err != nil {
			j.logger.Error().Err(err).Msg("janitor sweep failed")
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			j.logger.Info().Msg("janitor stopping")
			return
		}
	}
}

// Sweep removes every entry under Root whose modification time is older
// than Retention and returns how many were removed. Entries that vanish
// concurrently are not errors.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	startTime := time.Now()
	defer func() {
		metrics.JanitorSweepDuration.Observe(float64(time.Since(startTime).Milliseconds()))
	}()

	entries, err := afero.ReadDir(j.fs, j.opts.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list session root: %w", err)
	}

	cutoff := j.opts.Now().Add(-j.opts.Retention)
	var removed atomic.Int64

	p := pool.New().WithMaxGoroutines(j.opts.Workers)
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if !entry.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(j.opts.Root, entry.Name())
		age := j.opts.Now().Sub(entry.ModTime())
		p.Go(func() {
			if err := j.fs.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				j.logger.Warn().Err(err).Str("dir", path).Msg("failed to remove orphaned session")
				return
			}
			removed.Add(1)
			metrics.JanitorRemoved.Inc()
			j.logger.Info().Str("dir", path).Dur("age", age).Msg("removed orphaned session")
		})
	}
	p.Wait()

	return int(removed.Load()), ctx.Err()
}
