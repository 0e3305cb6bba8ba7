package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/JuliusGruber/ViennaTalksBout/internal/snapshot"
	"github.com/JuliusGruber/ViennaTalksBout/internal/topics"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type fakeReader struct {
	set []topics.Topic
}

func (f fakeReader) Current() []topics.Topic { return f.set }

type fakeSnapshots struct {
	snap  snapshot.Snapshot
	atErr error
	metas []snapshot.Meta
}

func (f fakeSnapshots) At(ctx context.Context, t time.Time) (snapshot.Snapshot, error) {
	return f.snap, f.atErr
}

func (f fakeSnapshots) List(ctx context.Context, from, to time.Time) ([]snapshot.Meta, error) {
	return f.metas, nil
}

type fakeIngestor struct {
	posts []topics.Post
	err   error
}

func (f *fakeIngestor) Ingest(ctx context.Context, post topics.Post) error {
	if f.err != nil {
		return f.err
	}
	f.posts = append(f.posts, post)
	return nil
}

func newTestRouter(reader TopicReader, snaps SnapshotReader, ingestor Ingestor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandlers(reader, snaps, ingestor, testLogger()).Register(router)
	return router
}

func TestGetTopicsLive(t *testing.T) {
	reader := fakeReader{set: []topics.Topic{
		{Key: "donauinselfest", DisplayName: "Donauinselfest", Score: 4.2, State: topics.StateGrowing},
		{Key: "u2 stoerung", DisplayName: "U2 Störung", Score: 1.1, State: topics.StateEntering},
	}}
	router := newTestRouter(reader, fakeSnapshots{}, &fakeIngestor{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/topics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Topics []topics.View `json:"topics"`
		Live   bool          `json:"live"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Live {
		t.Error("live = false, want true")
	}
	if len(body.Topics) != 2 || body.Topics[0].Key != "donauinselfest" {
		t.Errorf("topics = %+v", body.Topics)
	}
}

func TestGetTopicsAtServesSnapshot(t *testing.T) {
	takenAt := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	snaps := fakeSnapshots{snap: snapshot.Snapshot{
		TakenAt:    takenAt,
		TopicCount: 1,
		Topics: []topics.Topic{
			{Key: "donauinselfest", DisplayName: "Donauinselfest", Score: 2.0, State: topics.StateShrinking},
		},
	}}
	router := newTestRouter(fakeReader{}, snaps, &fakeIngestor{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/topics?at=2026-08-30T15:00:00Z", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Topics  []topics.View `json:"topics"`
		TakenAt string        `json:"taken_at"`
		Live    bool          `json:"live"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Live {
		t.Error("live = true, want false for historical view")
	}
	if body.TakenAt != takenAt.Format(time.RFC3339) {
		t.Errorf("taken_at = %q", body.TakenAt)
	}
	if len(body.Topics) != 1 || body.Topics[0].State != topics.StateShrinking {
		t.Errorf("topics = %+v", body.Topics)
	}
}

func TestGetTopicsAtInvalidTimestamp(t *testing.T) {
	router := newTestRouter(fakeReader{}, fakeSnapshots{}, &fakeIngestor{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/topics?at=yesterday", nil))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGetTopicsAtNoSnapshot(t *testing.T) {
	router := newTestRouter(fakeReader{}, fakeSnapshots{atErr: snapshot.ErrNotFound}, &fakeIngestor{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/topics?at=2026-08-30T15:00:00Z", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListSnapshots(t *testing.T) {
	snaps := fakeSnapshots{metas: []snapshot.Meta{
		{TakenAt: time.Date(2026, 8, 30, 13, 0, 0, 0, time.UTC), TopicCount: 4},
		{TakenAt: time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC), TopicCount: 6},
	}}
	router := newTestRouter(fakeReader{}, snaps, &fakeIngestor{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/snapshots", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Snapshots []snapshot.Meta `json:"snapshots"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Snapshots) != 2 {
		t.Errorf("snapshots = %+v", body.Snapshots)
	}
}

func TestListSnapshotsEmptyIsArray(t *testing.T) {
	router := newTestRouter(fakeReader{}, fakeSnapshots{}, &fakeIngestor{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/snapshots", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"snapshots":[]`) {
		t.Errorf("body = %s, want empty array not null", w.Body.String())
	}
}

func TestIngestPostAccepted(t *testing.T) {
	ingestor := &fakeIngestor{}
	router := newTestRouter(fakeReader{}, fakeSnapshots{}, ingestor)

	body := `{"source_id":"mastodon","external_id":"42","text":"U2 steht wieder"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/posts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if len(ingestor.posts) != 1 || ingestor.posts[0].SourceID != "mastodon" {
		t.Errorf("ingested = %+v", ingestor.posts)
	}
}

func TestIngestPostMissingFields(t *testing.T) {
	router := newTestRouter(fakeReader{}, fakeSnapshots{}, &fakeIngestor{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/posts", strings.NewReader(`{"text":"no source"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestIngestPostPipelineError(t *testing.T) {
	router := newTestRouter(fakeReader{}, fakeSnapshots{}, &fakeIngestor{err: errors.New("pipeline is not running")})

	body := `{"source_id":"mastodon","text":"late post"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/posts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
