package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/JuliusGruber/ViennaTalksBout/internal/topics"
)

type fakeSource struct {
	set []topics.Topic
}

func (f fakeSource) Current() []topics.Topic { return f.set }

func TestCaptureWritesCurrentSet(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2026, 8, 30, 17, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO snapshots").
		WithArgs(at, 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sched := NewScheduler(store, fakeSource{set: sampleTopics()}, SchedulerConfig{}, nil, testLogger())
	if err := sched.Capture(context.Background(), at); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCaptureSurfacesWriteFailure(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2026, 8, 30, 17, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO snapshots").
		WillReturnError(errors.New("connection refused"))

	sched := NewScheduler(store, fakeSource{set: sampleTopics()}, SchedulerConfig{}, nil, testLogger())
	if err := sched.Capture(context.Background(), at); err == nil {
		t.Fatal("expected error from failed write")
	}
}

func TestSchedulerDefaults(t *testing.T) {
	store, _ := newMockStore(t)
	sched := NewScheduler(store, fakeSource{}, SchedulerConfig{}, nil, testLogger())

	if sched.cfg.Interval != DefaultInterval {
		t.Errorf("Interval = %v, want %v", sched.cfg.Interval, DefaultInterval)
	}
	if sched.cfg.Retention != DefaultRetention {
		t.Errorf("Retention = %v, want %v", sched.cfg.Retention, DefaultRetention)
	}
}
