// Package pipeline routes ingested posts through per-source window
// aggregators and extraction into the merge engine. Sources are independent:
// a slow or failing extraction for one source never stalls another.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JuliusGruber/ViennaTalksBout/internal/aggregator"
	"github.com/JuliusGruber/ViennaTalksBout/internal/analytics"
	"github.com/JuliusGruber/ViennaTalksBout/internal/dedup"
	"github.com/JuliusGruber/ViennaTalksBout/internal/engine"
	"github.com/JuliusGruber/ViennaTalksBout/internal/extraction"
	"github.com/JuliusGruber/ViennaTalksBout/internal/topics"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/logging"
)

// Config tunes per-source windowing and batch processing.
type Config struct {
	Window         time.Duration
	MaxPosts       int
	BatchBuffer    int
	ProcessTimeout time.Duration
}

// DefaultConfig returns pipeline defaults.
func DefaultConfig() Config {
	return Config{
		Window:         aggregator.DefaultWindow,
		MaxPosts:       aggregator.DefaultMaxPosts,
		BatchBuffer:    4,
		ProcessTimeout: 3 * time.Minute,
	}
}

// Metrics holds the pipeline's Prometheus metrics. All fields are optional.
type Metrics struct {
	PostsIngested      *prometheus.CounterVec   // labels: source
	PostsDropped       *prometheus.CounterVec   // labels: source, reason
	BatchesFlushed     *prometheus.CounterVec   // labels: source
	ExtractionFailures *prometheus.CounterVec   // labels: source, reason
	ExtractionDuration *prometheus.HistogramVec // labels: source
}

// Submitter receives completed batch results. Satisfied by the engine.
type Submitter interface {
	Submit(ctx context.Context, res engine.Result) error
}

type sourcePipeline struct {
	agg *aggregator.Aggregator
}

// Pipeline owns one aggregator and one extraction worker per source,
// created lazily on first ingest.
type Pipeline struct {
	cfg       Config
	extractor extraction.Extractor
	submitter Submitter
	deduper   *dedup.Deduper
	sink      *analytics.BatchSink
	metrics   *Metrics
	logger    logging.Logger

	mu      sync.Mutex
	ctx     context.Context
	started bool
	sources map[string]*sourcePipeline
	wg      sync.WaitGroup

	lastActivity atomic.Int64 // unix nanos
}

// New creates a pipeline. deduper and sink may be disabled instances.
func New(cfg Config, extractor extraction.Extractor, submitter Submitter, deduper *dedup.Deduper, sink *analytics.BatchSink, metrics *Metrics, logger logging.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxPosts <= 0 {
		cfg.MaxPosts = def.MaxPosts
	}
	if cfg.BatchBuffer <= 0 {
		cfg.BatchBuffer = def.BatchBuffer
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = def.ProcessTimeout
	}
	p := &Pipeline{
		cfg:       cfg,
		extractor: extractor,
		submitter: submitter,
		deduper:   deduper,
		sink:      sink,
		metrics:   metrics,
		logger:    logger,
		sources:   make(map[string]*sourcePipeline),
	}
	p.touch()
	return p
}

// Run accepts ingests until ctx is cancelled, then waits for every source to
// flush its final partial window and finish extraction on it.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	p.ctx = ctx
	p.started = true
	p.mu.Unlock()

	<-ctx.Done()

	p.mu.Lock()
	p.started = false
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Pipeline drained")
	return ctx.Err()
}

// Ingest validates, deduplicates, and buffers one post. Constant-time;
// never waits on extraction or the engine.
func (p *Pipeline) Ingest(ctx context.Context, post topics.Post) error {
	post.Text = strings.TrimSpace(post.Text)
	if post.SourceID == "" || post.Text == "" {
		if p.metrics != nil && p.metrics.PostsDropped != nil {
			p.metrics.PostsDropped.WithLabelValues(post.SourceID, "malformed").Inc()
		}
		return fmt.Errorf("post requires source_id and text")
	}
	if post.ObservedAt.IsZero() {
		post.ObservedAt = time.Now().UTC()
	}

	if p.deduper.Seen(ctx, post.SourceID, post.ExternalID) {
		if p.metrics != nil && p.metrics.PostsDropped != nil {
			p.metrics.PostsDropped.WithLabelValues(post.SourceID, "duplicate").Inc()
		}
		return nil
	}

	sp, err := p.source(post.SourceID)
	if err != nil {
		return err
	}
	sp.agg.Accept(post)

	if p.metrics != nil && p.metrics.PostsIngested != nil {
		p.metrics.PostsIngested.WithLabelValues(post.SourceID).Inc()
	}
	p.touch()
	return nil
}

// LastActivity reports when the pipeline last ingested or processed
// anything. Feeds the ingest staleness health check.
func (p *Pipeline) LastActivity() time.Time {
	return time.Unix(0, p.lastActivity.Load())
}

func (p *Pipeline) touch() {
	p.lastActivity.Store(time.Now().UnixNano())
}

// source returns the pipeline for a source, creating it on first use.
func (p *Pipeline) source(id string) (*sourcePipeline, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sp, ok := p.sources[id]; ok {
		return sp, nil
	}
	if !p.started {
		return nil, fmt.Errorf("pipeline is not running")
	}

	out := make(chan topics.Batch, p.cfg.BatchBuffer)
	agg := aggregator.New(aggregator.Config{
		SourceID: id,
		Window:   p.cfg.Window,
		MaxPosts: p.cfg.MaxPosts,
	}, out, p, p.logger)
	sp := &sourcePipeline{agg: agg}
	p.sources[id] = sp

	ctx := p.ctx
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		agg.Run(ctx)
	}()
	go func() {
		defer p.wg.Done()
		for batch := range out {
			p.process(batch)
		}
	}()

	p.logger.WithField("source", id).Info("Source pipeline started")
	return sp, nil
}

// process runs extraction for one sealed batch and hands the result to the
// engine. Runs under its own deadline so final-flush batches still complete
// after the ingest context is cancelled. A failed batch is dropped for good;
// its window is never replayed.
func (p *Pipeline) process(batch topics.Batch) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProcessTimeout)
	defer cancel()

	start := time.Now()
	candidates, err := p.extractor.Extract(ctx, batch)
	if p.metrics != nil && p.metrics.ExtractionDuration != nil {
		p.metrics.ExtractionDuration.WithLabelValues(batch.SourceID).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		if p.metrics != nil && p.metrics.ExtractionFailures != nil {
			p.metrics.ExtractionFailures.WithLabelValues(batch.SourceID, failureReason(err)).Inc()
		}
		p.logger.WithError(err).WithFields(logging.Fields{
			"source":   batch.SourceID,
			"batch_id": batch.ID,
			"posts":    batch.PostCount,
		}).Error("Extraction failed, dropping batch")
		p.sink.RecordBatch(ctx, batch, 0, "failed")
		return
	}

	p.sink.RecordBatch(ctx, batch, len(candidates), "ok")

	err = p.submitter.Submit(ctx, engine.Result{
		BatchID:    batch.ID,
		SourceID:   batch.SourceID,
		Candidates: candidates,
	})
	if err != nil {
		p.logger.WithError(err).WithField("batch_id", batch.ID).Error("Failed to submit batch result")
		return
	}
	p.touch()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, extraction.ErrTimeout):
		return "timeout"
	case errors.Is(err, extraction.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, extraction.ErrInvalidResponse):
		return "invalid_response"
	default:
		return "other"
	}
}

// PostDropped implements aggregator.Counters.
func (p *Pipeline) PostDropped(sourceID, reason string) {
	if p.metrics != nil && p.metrics.PostsDropped != nil {
		p.metrics.PostsDropped.WithLabelValues(sourceID, reason).Inc()
	}
}

// BatchFlushed implements aggregator.Counters.
func (p *Pipeline) BatchFlushed(sourceID string, postCount int) {
	if p.metrics != nil && p.metrics.BatchesFlushed != nil {
		p.metrics.BatchesFlushed.WithLabelValues(sourceID).Inc()
	}
}
