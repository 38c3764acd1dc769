// Package maintenance runs background cleanup for the durable store. Its
// only task today is reclaiming chunk objects of uploads that were never
// finished.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/draftwell/roomhost/internal/assets"
	"github.com/draftwell/roomhost/internal/blob"
	"github.com/draftwell/roomhost/pkg/logger"
)

const (
	defaultSweepSpec = "@hourly"
	defaultChunkTTL  = 24 * time.Hour
)

// Sweeper periodically deletes upload chunks older than the TTL. Assembled
// uploads, room snapshots, fragments and ledgers are never touched.
type Sweeper struct {
	store    blob.Store
	cron     *cron.Cron
	now      func() time.Time
	log      *zap.Logger
	schedule string
	ttl      time.Duration
}

// Option customises the Sweeper.
type Option func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithNow overrides the clock used for age comparisons.
func WithNow(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSchedule overrides the cron specification for sweeps.
func WithSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithChunkTTL adjusts how long unfinished chunks are kept.
func WithChunkTTL(ttl time.Duration) Option {
	return func(s *Sweeper) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewSweeper builds a sweeper over the given store.
func NewSweeper(store blob.Store, opts ...Option) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("maintenance: blob store is required")
	}

	s := &Sweeper{
		store:    store,
		cron:     cron.New(),
		now:      time.Now,
		log:      logger.WithModule("maintenance"),
		schedule: defaultSweepSpec,
		ttl:      defaultChunkTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start registers the sweep job and starts the cron loop.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.SweepOnce(context.Background()); err != nil {
			s.log.Warn("sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("maintenance: schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// SweepOnce deletes every expired chunk visible right now. Errors on
// individual chunks are collected so one bad object cannot shield the rest.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	keys, err := s.store.List(ctx, "uploads/")
	if err != nil {
		return fmt.Errorf("maintenance: list chunks: %w", err)
	}

	cutoff := s.now().Add(-s.ttl)
	var errs error
	swept := 0
	for _, key := range keys {
		uploadID, ok := assets.IsChunkKey(key)
		if !ok {
			continue
		}

		meta, err := s.store.Head(ctx, key)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("head %s: %w", key, err))
			continue
		}
		if meta.ModTime.After(cutoff) {
			continue
		}

		if err := s.store.Delete(ctx, key); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete %s: %w", key, err))
			continue
		}
		swept++
		s.log.Debug("swept abandoned chunk", zap.String("upload", uploadID), zap.String("key", key))
	}

	if swept > 0 {
		s.log.Info("sweep complete", zap.Int("chunks", swept))
	}
	return errs
}
