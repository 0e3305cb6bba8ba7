// Package engine owns the tracked topic set. It is the single writer: merge
// cycles are serialized through one result channel and applied atomically,
// while readers always receive point-in-time copies.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JuliusGruber/ViennaTalksBout/internal/normalize"
	"github.com/JuliusGruber/ViennaTalksBout/internal/topics"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/logging"
)

// Defaults for lifecycle tuning. All of these are configuration, not
// invariants; see Config.
const (
	DefaultActiveCap      = 20
	DefaultScoreWeight    = 1.0
	DefaultDecayFactor    = 0.7937 // halves a score over 3 absent cycles
	DefaultMinScore       = 0.05
	DefaultDisappearAfter = 6 // absent cycles while shrinking, ~1h at 10m windows
)

// Config tunes the merge and lifecycle behavior.
type Config struct {
	// ActiveCap bounds how many topics may be entering or growing at once.
	// Shrinking topics may coexist beyond the cap while they fade out.
	ActiveCap int
	// ScoreWeight scales relevance*mentions into score contribution.
	ScoreWeight float64
	// DecayFactor is the multiplicative score decay applied each cycle a
	// topic goes unmatched. Must be in (0, 1).
	DecayFactor float64
	// MinScore is the threshold below which a shrinking topic disappears.
	MinScore float64
	// DisappearAfter is how many consecutive absent cycles a shrinking
	// topic survives before disappearing.
	DisappearAfter int
	// ResultBuffer is the capacity of the merge result queue.
	ResultBuffer int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		ActiveCap:      DefaultActiveCap,
		ScoreWeight:    DefaultScoreWeight,
		DecayFactor:    DefaultDecayFactor,
		MinScore:       DefaultMinScore,
		DisappearAfter: DefaultDisappearAfter,
		ResultBuffer:   16,
	}
}

func (c Config) validate() error {
	if c.ActiveCap <= 0 {
		return fmt.Errorf("active cap must be positive, got %d", c.ActiveCap)
	}
	if c.DecayFactor <= 0 || c.DecayFactor >= 1 {
		return fmt.Errorf("decay factor must be in (0, 1), got %g", c.DecayFactor)
	}
	if c.MinScore <= 0 {
		return fmt.Errorf("min score must be positive, got %g", c.MinScore)
	}
	if c.DisappearAfter <= 0 {
		return fmt.Errorf("disappear-after must be positive, got %d", c.DisappearAfter)
	}
	return nil
}

// Result is one completed batch's extraction outcome, ready to merge.
type Result struct {
	BatchID    string
	SourceID   string
	Candidates []topics.Candidate
}

// Metrics holds the engine's Prometheus metrics. All fields are optional.
type Metrics struct {
	MergeCycles   *prometheus.CounterVec   // labels: source
	CycleDuration *prometheus.HistogramVec // labels: source
	ActiveTopics  *prometheus.GaugeVec     // labels: state
	TopicsEvicted *prometheus.CounterVec   // labels: reason
}

// tracked is a Topic plus the streak bookkeeping the lifecycle rules need.
type tracked struct {
	topics.Topic
	matchedStreak  int
	decreaseStreak int
	lastCycleScore float64
}

// Engine is the merge and lifecycle engine. One Run goroutine consumes
// results; everything else sees copies guarded by mu.
type Engine struct {
	cfg     Config
	logger  logging.Logger
	metrics *Metrics

	results chan Result

	mu      sync.RWMutex
	set     map[string]*tracked
	nowFunc func() time.Time
}

// New creates an engine. Config zero-values fall back to defaults.
func New(cfg Config, metrics *Metrics, logger logging.Logger) (*Engine, error) {
	def := DefaultConfig()
	if cfg.ActiveCap == 0 {
		cfg.ActiveCap = def.ActiveCap
	}
	if cfg.ScoreWeight == 0 {
		cfg.ScoreWeight = def.ScoreWeight
	}
	if cfg.DecayFactor == 0 {
		cfg.DecayFactor = def.DecayFactor
	}
	if cfg.MinScore == 0 {
		cfg.MinScore = def.MinScore
	}
	if cfg.DisappearAfter == 0 {
		cfg.DisappearAfter = def.DisappearAfter
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = def.ResultBuffer
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Engine{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		results: make(chan Result, cfg.ResultBuffer),
		set:     make(map[string]*tracked),
		nowFunc: time.Now,
	}, nil
}

// Submit queues one batch result for merging. Blocks only when the result
// queue is full, which backpressures the submitting source pipeline without
// touching the other sources.
func (e *Engine) Submit(ctx context.Context, res Result) error {
	select {
	case e.results <- res:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes results until ctx is cancelled, then drains whatever is
// already queued so no completed extraction is lost at shutdown.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case res := <-e.results:
			e.Apply(res)
		case <-ctx.Done():
			for {
				select {
				case res := <-e.results:
					e.Apply(res)
				default:
					return ctx.Err()
				}
			}
		}
	}
}

// Apply runs one atomic merge cycle for a batch result.
func (e *Engine) Apply(res Result) {
	start := time.Now()
	now := e.nowFunc()

	e.mu.Lock()
	matched := e.mergeCandidates(res, now)
	e.ageUnmatched(matched)
	removed := e.advanceLifecycle(matched)
	demoted := e.enforceCap()
	entering, growing, shrinking := e.counts()
	e.mu.Unlock()

	if e.metrics != nil {
		if e.metrics.MergeCycles != nil {
			e.metrics.MergeCycles.WithLabelValues(res.SourceID).Inc()
		}
		if e.metrics.CycleDuration != nil {
			e.metrics.CycleDuration.WithLabelValues(res.SourceID).Observe(time.Since(start).Seconds())
		}
		if e.metrics.ActiveTopics != nil {
			e.metrics.ActiveTopics.WithLabelValues(string(topics.StateEntering)).Set(float64(entering))
			e.metrics.ActiveTopics.WithLabelValues(string(topics.StateGrowing)).Set(float64(growing))
			e.metrics.ActiveTopics.WithLabelValues(string(topics.StateShrinking)).Set(float64(shrinking))
		}
	}

	e.logger.WithFields(logging.Fields{
		"source":     res.SourceID,
		"batch_id":   res.BatchID,
		"candidates": len(res.Candidates),
		"entering":   entering,
		"growing":    growing,
		"shrinking":  shrinking,
		"removed":    removed,
		"demoted":    demoted,
	}).Info("Merge cycle applied")
}

// mergeCandidates applies step one of the cycle: match or create topics.
// Returns the set of keys matched this cycle.
func (e *Engine) mergeCandidates(res Result, now time.Time) map[string]bool {
	matched := make(map[string]bool, len(res.Candidates))

	for _, cand := range res.Candidates {
		key := normalize.Key(cand.RawName)
		if key == "" {
			continue
		}
		delta := e.cfg.ScoreWeight * cand.RelevanceScore * float64(cand.MentionCount)

		if t, ok := e.set[key]; ok {
			prevContribution := t.SourceBreakdown[res.SourceID]
			t.Score += delta
			t.LastSeen = now
			t.ConsecutiveAbsent = 0
			if cand.MentionCount > prevContribution {
				t.DisplayName = strings.TrimSpace(cand.RawName)
			}
			if t.SourceBreakdown == nil {
				t.SourceBreakdown = make(map[string]int)
			}
			t.SourceBreakdown[res.SourceID] += cand.MentionCount
			if !matched[key] {
				t.matchedStreak++
			}
			matched[key] = true
			continue
		}

		e.insert(key, &tracked{
			Topic: topics.Topic{
				Key:               key,
				DisplayName:       strings.TrimSpace(cand.RawName),
				Score:             delta,
				State:             topics.StateEntering,
				FirstSeen:         now,
				LastSeen:          now,
				SourceBreakdown:   map[string]int{res.SourceID: cand.MentionCount},
				ConsecutiveAbsent: 0,
			},
			matchedStreak: 1,
		})
		matched[key] = true
	}

	return matched
}

// insert adds a new topic. A key collision here means two semantically
// distinct topics produced the same key, which the single-writer design
// rules out; it is a defect, not a runtime condition.
func (e *Engine) insert(key string, t *tracked) {
	if _, exists := e.set[key]; exists {
		panic(fmt.Sprintf("engine: duplicate topic key %q", key))
	}
	e.set[key] = t
}

// ageUnmatched increments absence counters and decays scores for every
// tracked topic the cycle did not match.
func (e *Engine) ageUnmatched(matched map[string]bool) {
	for key, t := range e.set {
		if matched[key] {
			continue
		}
		t.ConsecutiveAbsent++
		t.matchedStreak = 0
		t.Score *= e.cfg.DecayFactor
	}
}

// advanceLifecycle re-evaluates every topic's state and removes the ones
// that disappeared. Returns the number of removals.
func (e *Engine) advanceLifecycle(matched map[string]bool) int {
	var remove []string

	for key, t := range e.set {
		wasMatched := matched[key]
		increased := t.Score > t.lastCycleScore
		if t.Score < t.lastCycleScore {
			t.decreaseStreak++
		} else {
			t.decreaseStreak = 0
		}

		switch t.State {
		case topics.StateEntering:
			if wasMatched && t.matchedStreak >= 2 && !(t.Score < t.lastCycleScore) {
				t.State = topics.StateGrowing
			} else if !wasMatched {
				// Absent for a single cycle before ever growing.
				t.State = topics.StateShrinking
			}
		case topics.StateGrowing:
			if !wasMatched || t.decreaseStreak >= 2 {
				t.State = topics.StateShrinking
			}
		case topics.StateShrinking:
			if wasMatched && increased {
				t.State = topics.StateGrowing
			}
		}

		if t.State == topics.StateShrinking &&
			(t.ConsecutiveAbsent >= e.cfg.DisappearAfter || t.Score < e.cfg.MinScore) {
			t.State = topics.StateDisappeared
		}
		if t.Score <= 0 {
			t.State = topics.StateDisappeared
		}

		t.lastCycleScore = t.Score

		if t.State == topics.StateDisappeared {
			remove = append(remove, key)
		}
	}

	for _, key := range remove {
		e.logger.WithField("topic", e.set[key].DisplayName).Debug("Topic disappeared")
		delete(e.set, key)
		if e.metrics != nil && e.metrics.TopicsEvicted != nil {
			e.metrics.TopicsEvicted.WithLabelValues("disappeared").Inc()
		}
	}
	return len(remove)
}

// enforceCap demotes the lowest-scoring excess entering/growing topics to
// shrinking. Ties demote the older topic first, so freshly entering topics
// win over established ones with equal scores. Returns demotion count.
func (e *Engine) enforceCap() int {
	var active []*tracked
	for _, t := range e.set {
		if t.State == topics.StateEntering || t.State == topics.StateGrowing {
			active = append(active, t)
		}
	}
	excess := len(active) - e.cfg.ActiveCap
	if excess <= 0 {
		return 0
	}

	sort.Slice(active, func(i, j int) bool {
		if active[i].Score != active[j].Score {
			return active[i].Score < active[j].Score
		}
		if !active[i].FirstSeen.Equal(active[j].FirstSeen) {
			return active[i].FirstSeen.Before(active[j].FirstSeen)
		}
		return active[i].Key < active[j].Key
	})

	for i := 0; i < excess; i++ {
		active[i].State = topics.StateShrinking
		if e.metrics != nil && e.metrics.TopicsEvicted != nil {
			e.metrics.TopicsEvicted.WithLabelValues("cap").Inc()
		}
	}
	return excess
}

func (e *Engine) counts() (entering, growing, shrinking int) {
	for _, t := range e.set {
		switch t.State {
		case topics.StateEntering:
			entering++
		case topics.StateGrowing:
			growing++
		case topics.StateShrinking:
			shrinking++
		}
	}
	return
}

// Current returns a consistent point-in-time copy of the tracked set,
// sorted by score descending. Safe for concurrent use.
func (e *Engine) Current() []topics.Topic {
	e.mu.RLock()
	out := make([]topics.Topic, 0, len(e.set))
	for _, t := range e.set {
		out = append(out, t.Topic.Clone())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Restore warm-starts the tracked set from a snapshot, typically at boot.
// Disappeared entries and duplicate keys are skipped.
func (e *Engine) Restore(restored []topics.Topic) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range restored {
		if t.State == topics.StateDisappeared || t.Key == "" {
			continue
		}
		if _, exists := e.set[t.Key]; exists {
			continue
		}
		e.set[t.Key] = &tracked{
			Topic:          t.Clone(),
			lastCycleScore: t.Score,
		}
	}

	e.logger.WithField("topics", len(e.set)).Info("Restored tracked set from snapshot")
}
