package commitlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/pranav-super/secko/internal/metrics"
	"github.com/pranav-super/secko/internal/store"
)

// Snapshotter periodically serializes the store to a temporary file and
// atomically publishes it, then records the commit watermark the snapshot
// reflects, per spec.md §4.6.
type Snapshotter struct {
	log      *Log
	st       *store.Store[string]
	path     string
	interval time.Duration
	logger   zerolog.Logger
}

// NewSnapshotter builds a Snapshotter writing st to path every interval,
// rewriting log's header watermark once each snapshot is durably published.
func NewSnapshotter(log *Log, st *store.Store[string], path string, interval time.Duration, logger zerolog.Logger) *Snapshotter {
	return &Snapshotter{log: log, st: st, path: path, interval: interval, logger: logger}
}

// Run blocks, snapshotting on a fixed interval until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.snapshotOnce()
		}
	}
}

func (s *Snapshotter) snapshotOnce() {
	start := time.Now()
	watermark := s.log.Count()

	if err := s.writeAtomic(); err != nil {
		metrics.SnapshotErrors.Inc()
		s.logger.Error().Err(err).Msg("snapshot write failed")
		return
	}

	if err := s.log.RewriteWatermark(watermark); err != nil {
		metrics.SnapshotErrors.Inc()
		s.logger.Error().Err(err).Msg("snapshot watermark rewrite failed")
		return
	}

	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	s.logger.Debug().Int("watermark", watermark).Dur("elapsed", time.Since(start)).Msg("snapshot published")
}

// writeAtomic serializes the store to a temp file in the same directory as
// path, then renames it into place so readers never observe a partial
// snapshot (the teacher's corpus uses this same temp-then-rename publish
// idiom for its own config/state files).
func (s *Snapshotter) writeAtomic() error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "secko-snapshot-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := s.st.Serialize(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("serialize snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}
