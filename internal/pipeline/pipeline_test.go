package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JuliusGruber/ViennaTalksBout/internal/analytics"
	"github.com/JuliusGruber/ViennaTalksBout/internal/dedup"
	"github.com/JuliusGruber/ViennaTalksBout/internal/engine"
	"github.com/JuliusGruber/ViennaTalksBout/internal/extraction"
	"github.com/JuliusGruber/ViennaTalksBout/internal/topics"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type fakeExtractor struct {
	mu      sync.Mutex
	batches []topics.Batch
	err     error
}

func (f *fakeExtractor) Extract(ctx context.Context, batch topics.Batch) ([]topics.Candidate, error) {
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return []topics.Candidate{{RawName: "Donauinselfest", RelevanceScore: 0.9, MentionCount: batch.PostCount}}, nil
}

func (f *fakeExtractor) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type fakeSubmitter struct {
	mu      sync.Mutex
	results []engine.Result
}

func (f *fakeSubmitter) Submit(ctx context.Context, res engine.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
	return nil
}

func (f *fakeSubmitter) submitted() []engine.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.Result, len(f.results))
	copy(out, f.results)
	return out
}

func newTestPipeline(extractor extraction.Extractor, submitter Submitter) *Pipeline {
	logger := testLogger()
	return New(Config{Window: time.Hour}, extractor, submitter,
		dedup.New(nil, 0, nil, logger),
		analytics.NewBatchSink(nil, logger),
		nil, logger)
}

func runPipeline(t *testing.T, p *Pipeline) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	// Wait for Run to mark the pipeline started.
	deadline := time.After(2 * time.Second)
	for {
		p.mu.Lock()
		started := p.started
		p.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("pipeline did not start")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("pipeline did not drain")
		}
	}
}

func TestIngestBeforeRunFails(t *testing.T) {
	p := newTestPipeline(&fakeExtractor{}, &fakeSubmitter{})
	err := p.Ingest(context.Background(), topics.Post{SourceID: "mastodon", Text: "hallo"})
	if err == nil {
		t.Error("expected error before Run")
	}
}

func TestIngestRejectsMalformedPost(t *testing.T) {
	p := newTestPipeline(&fakeExtractor{}, &fakeSubmitter{})
	if err := p.Ingest(context.Background(), topics.Post{SourceID: "mastodon", Text: "   "}); err == nil {
		t.Error("expected error for empty text")
	}
	if err := p.Ingest(context.Background(), topics.Post{Text: "no source"}); err == nil {
		t.Error("expected error for missing source")
	}
}

func TestFinalFlushReachesEngine(t *testing.T) {
	extractor := &fakeExtractor{}
	submitter := &fakeSubmitter{}
	p := newTestPipeline(extractor, submitter)

	stop := runPipeline(t, p)
	if err := p.Ingest(context.Background(), topics.Post{SourceID: "mastodon", Text: "U2 steht"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := p.Ingest(context.Background(), topics.Post{SourceID: "mastodon", Text: "immer noch"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	stop()

	if extractor.batchCount() != 1 {
		t.Fatalf("extraction calls = %d, want 1 final batch", extractor.batchCount())
	}
	results := submitter.submitted()
	if len(results) != 1 {
		t.Fatalf("submitted = %d, want 1", len(results))
	}
	if results[0].SourceID != "mastodon" || len(results[0].Candidates) != 1 {
		t.Errorf("result = %+v", results[0])
	}
}

func TestSourcesAreIndependent(t *testing.T) {
	extractor := &fakeExtractor{}
	submitter := &fakeSubmitter{}
	p := newTestPipeline(extractor, submitter)

	stop := runPipeline(t, p)
	_ = p.Ingest(context.Background(), topics.Post{SourceID: "mastodon", Text: "a"})
	_ = p.Ingest(context.Background(), topics.Post{SourceID: "rss", Text: "b"})
	stop()

	results := submitter.submitted()
	if len(results) != 2 {
		t.Fatalf("submitted = %d, want one batch per source", len(results))
	}
	seen := map[string]bool{}
	for _, r := range results {
		seen[r.SourceID] = true
	}
	if !seen["mastodon"] || !seen["rss"] {
		t.Errorf("sources = %v", seen)
	}
}

func TestFailedExtractionDropsBatch(t *testing.T) {
	extractor := &fakeExtractor{err: extraction.ErrTimeout}
	submitter := &fakeSubmitter{}
	p := newTestPipeline(extractor, submitter)

	stop := runPipeline(t, p)
	_ = p.Ingest(context.Background(), topics.Post{SourceID: "mastodon", Text: "verloren"})
	stop()

	if extractor.batchCount() != 1 {
		t.Fatalf("extraction calls = %d, want 1", extractor.batchCount())
	}
	if len(submitter.submitted()) != 0 {
		t.Error("failed batch must not reach the engine")
	}
}

func TestNoIngestNoExtraction(t *testing.T) {
	extractor := &fakeExtractor{}
	p := newTestPipeline(extractor, &fakeSubmitter{})

	stop := runPipeline(t, p)
	stop()

	if extractor.batchCount() != 0 {
		t.Errorf("extraction calls = %d, want 0 without posts", extractor.batchCount())
	}
}

func TestLastActivityAdvancesOnIngest(t *testing.T) {
	p := newTestPipeline(&fakeExtractor{}, &fakeSubmitter{})
	stop := runPipeline(t, p)
	defer stop()

	before := p.LastActivity()
	time.Sleep(2 * time.Millisecond)
	_ = p.Ingest(context.Background(), topics.Post{SourceID: "mastodon", Text: "neu"})
	if !p.LastActivity().After(before) {
		t.Error("LastActivity should advance on ingest")
	}
}
