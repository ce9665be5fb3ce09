// Package cleanup removes archived snapshots that are past their retention
// period.
package cleanup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/quotawatch/quotawatch/internal/archive"
	"github.com/quotawatch/quotawatch/internal/errors"
	"github.com/quotawatch/quotawatch/internal/logging"
)

// MetricsRecorder defines the interface for recording cleanup metrics.
type MetricsRecorder interface {
	RecordArchivesPruned(kind string, n int)
}

// RetentionPolicy defines how long snapshots of one kind are kept in a
// directory.
type RetentionPolicy struct {
	Dir             string        `json:"dir"`
	Kind            archive.Kind  `json:"kind"`
	RetentionPeriod time.Duration `json:"retention_period"`
}

// Validate validates the retention policy configuration.
func (p *RetentionPolicy) Validate() error {
	if p.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if p.Kind != archive.KindQuota && p.Kind != archive.KindInodes {
		return fmt.Errorf("unknown snapshot kind %q", p.Kind)
	}
	if p.RetentionPeriod <= 0 {
		return fmt.Errorf("retention_period must be positive")
	}
	return nil
}

// Result is the outcome of applying one policy.
type Result struct {
	Kind     archive.Kind  `json:"kind"`
	Dir      string        `json:"dir"`
	Deleted  int           `json:"deleted"`
	Kept     int           `json:"kept"`
	Duration time.Duration `json:"duration"`
}

// Option configures a Cleaner.
type Option func(*Cleaner)

// WithClock sets the clock.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Cleaner) {
		c.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Cleaner) {
		c.logger = logger
	}
}

// WithMetrics records pruned files.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Cleaner) {
		c.metrics = m
	}
}

// Cleaner applies retention policies to snapshot directories.
type Cleaner struct {
	clock   clockwork.Clock
	logger  *logging.Logger
	metrics MetricsRecorder
}

// NewCleaner creates a cleaner.
func NewCleaner(opts ...Option) *Cleaner {
	c := &Cleaner{
		clock:  clockwork.NewRealClock(),
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Apply removes the snapshots of p.Kind in p.Dir whose timestamp is older
// than the retention period. Files that are not snapshots are left alone.
// Removal continues past individual failures.
func (c *Cleaner) Apply(ctx context.Context, p RetentionPolicy) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	start := c.clock.Now()
	cutoff := start.Add(-p.RetentionPeriod)
	result := &Result{Kind: p.Kind, Dir: p.Dir}

	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, &errors.ErrFileRead{Path: p.Dir, Err: err}
	}

	var errs []error
	for _, entry := range entries {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if entry.IsDir() {
			continue
		}
		kind, ts, _, ok := archive.ParseFilename(entry.Name())
		if !ok || kind != p.Kind {
			continue
		}
		if !ts.Before(cutoff) {
			result.Kept++
			continue
		}
		path := filepath.Join(p.Dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		result.Deleted++
	}
	result.Duration = c.clock.Since(start)

	if result.Deleted > 0 {
		c.logger.InfoWithContext(ctx, "pruned old snapshots", "kind", string(p.Kind), "dir", p.Dir, "deleted", result.Deleted, "kept", result.Kept)
		if c.metrics != nil {
			c.metrics.RecordArchivesPruned(string(p.Kind), result.Deleted)
		}
	}
	if len(errs) > 0 {
		return result, fmt.Errorf("prune %s: %d files could not be removed: %w", p.Dir, len(errs), errs[0])
	}
	return result, nil
}
