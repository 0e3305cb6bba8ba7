package snapshot

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JuliusGruber/ViennaTalksBout/internal/topics"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/logging"
)

// Scheduler defaults.
const (
	DefaultInterval  = time.Hour
	DefaultRetention = 168 * time.Hour // 7 days
)

// TopicSource provides the current tracked set. Satisfied by the engine.
type TopicSource interface {
	Current() []topics.Topic
}

// SchedulerConfig tunes the snapshot cadence.
type SchedulerConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

// SchedulerMetrics holds optional Prometheus metrics for snapshot writes.
type SchedulerMetrics struct {
	Writes *prometheus.CounterVec // labels: result
	Purged prometheus.Counter
}

// Scheduler writes interval-aligned snapshots of the topic set. A failed
// write is logged and retried at the next boundary; the engine keeps running
// regardless.
type Scheduler struct {
	store   *Store
	source  TopicSource
	cfg     SchedulerConfig
	metrics *SchedulerMetrics
	logger  logging.Logger
	nowFunc func() time.Time
}

// NewScheduler creates a snapshot scheduler.
func NewScheduler(store *Store, source TopicSource, cfg SchedulerConfig, metrics *SchedulerMetrics, logger logging.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Scheduler{
		store:   store,
		source:  source,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Run takes snapshots at interval boundaries until ctx is cancelled, then
// writes one final snapshot so a restart loses at most the in-flight windows.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		now := s.nowFunc()
		next := now.Truncate(s.cfg.Interval).Add(s.cfg.Interval)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-timer.C:
			s.capture(ctx, next)
			s.purge(ctx)
		case <-ctx.Done():
			timer.Stop()
			// Final snapshot runs on a fresh context; the parent one is
			// already cancelled.
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.capture(flushCtx, s.nowFunc())
			cancel()
			return ctx.Err()
		}
	}
}

// Capture writes a snapshot of the current set at the given timestamp.
func (s *Scheduler) Capture(ctx context.Context, at time.Time) error {
	set := s.source.Current()
	if err := s.store.Write(ctx, at, set); err != nil {
		if s.metrics != nil && s.metrics.Writes != nil {
			s.metrics.Writes.WithLabelValues("error").Inc()
		}
		return err
	}
	if s.metrics != nil && s.metrics.Writes != nil {
		s.metrics.Writes.WithLabelValues("ok").Inc()
	}
	s.logger.WithFields(logging.Fields{
		"taken_at": at.UTC().Format(time.RFC3339),
		"topics":   len(set),
	}).Info("Snapshot written")
	return nil
}

func (s *Scheduler) capture(ctx context.Context, at time.Time) {
	if err := s.Capture(ctx, at); err != nil {
		s.logger.WithError(err).Error("Snapshot write failed, retrying at next boundary")
	}
}

func (s *Scheduler) purge(ctx context.Context) {
	cutoff := s.nowFunc().Add(-s.cfg.Retention)
	deleted, err := s.store.Purge(ctx, cutoff)
	if err != nil {
		s.logger.WithError(err).Warn("Snapshot purge failed")
		return
	}
	if deleted > 0 {
		if s.metrics != nil && s.metrics.Purged != nil {
			s.metrics.Purged.Add(float64(deleted))
		}
		s.logger.WithField("deleted", deleted).Debug("Purged expired snapshots")
	}
}
