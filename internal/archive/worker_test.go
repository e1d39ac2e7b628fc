package archive

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/voice-sentinel/internal/classify"
	"github.com/snarg/voice-sentinel/internal/database"
	"github.com/snarg/voice-sentinel/internal/sample"
	"github.com/snarg/voice-sentinel/internal/storage"
	"github.com/snarg/voice-sentinel/internal/workflow"
)

type fakeWriter struct {
	mu   sync.Mutex
	rows []*database.AnalysisRow
	err  error
}

func (f *fakeWriter) InsertAnalysis(ctx context.Context, row *database.AnalysisRow) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.rows = append(f.rows, row)
	return int64(len(f.rows)), nil
}

func newTestPool(workers, queueSize int) *WorkerPool {
	return NewWorkerPool(WorkerPoolOptions{
		Workers:   workers,
		QueueSize: queueSize,
		Log:       zerolog.Nop(),
	})
}

func testJob() Job {
	s := sample.New(sample.Params{
		Payload:         []byte("RIFFdata"),
		Kind:            sample.Uploaded,
		MIMEType:        "audio/wav",
		DisplayName:     "voice.wav",
		DurationSeconds: 4,
	})
	score := 0.13
	return Job{
		SessionID:  "session-1",
		Sample:     s,
		Verdict:    classify.Verdict{IsAuthentic: true, ConfidencePercent: 87, SampleRef: s.Ref(), Score: &score, Label: "Real Voice", Latency: 1500 * time.Millisecond},
		AnalyzedAt: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
	}
}

func TestNewWorkerPool(t *testing.T) {
	wp := newTestPool(4, 100)
	if cap(wp.jobs) != 100 {
		t.Errorf("queue capacity = %d, want 100", cap(wp.jobs))
	}
	if wp.opts.JobTimeout != 30*time.Second {
		t.Errorf("JobTimeout = %s, want 30s default", wp.opts.JobTimeout)
	}
}

func TestWorkerPool_EnqueueFull(t *testing.T) {
	wp := newTestPool(0, 2) // 0 workers = nobody draining

	wp.Enqueue(testJob())
	wp.Enqueue(testJob())

	if wp.Enqueue(testJob()) {
		t.Error("Enqueue should return false when queue is full")
	}
	if got := wp.Stats(); got.Pending != 2 || got.Dropped != 1 {
		t.Errorf("Stats = %+v, want 2 pending / 1 dropped", got)
	}
}

func TestWorkerPool_EnqueueAfterStop(t *testing.T) {
	wp := newTestPool(1, 10)
	wp.Start()
	wp.Stop()
	wp.Stop()

	if wp.Enqueue(testJob()) {
		t.Error("Enqueue should return false after Stop()")
	}
}

func TestWorkerPool_ProcessesJobs(t *testing.T) {
	store := storage.NewLocalStore(t.TempDir())
	db := &fakeWriter{}
	var mu sync.Mutex
	var events []map[string]any
	wp := NewWorkerPool(WorkerPoolOptions{
		Store:     store,
		DB:        db,
		Workers:   2,
		QueueSize: 10,
		PublishEvent: func(sessionID string, payload any) {
			mu.Lock()
			events = append(events, payload.(map[string]any))
			mu.Unlock()
		},
		Log: zerolog.Nop(),
	})
	wp.Start()

	job := testJob()
	if !wp.Enqueue(job) {
		t.Fatal("Enqueue returned false")
	}
	wp.Stop()

	if got := wp.Stats(); got.Completed != 1 || got.Failed != 0 {
		t.Fatalf("Stats = %+v, want 1 completed", got)
	}

	key := storage.Key(job.Sample)
	r, err := store.Open(context.Background(), key)
	if err != nil {
		t.Fatalf("archived sample not found: %v", err)
	}
	data, _ := io.ReadAll(r)
	r.Close()
	if string(data) != "RIFFdata" {
		t.Errorf("archived payload = %q", data)
	}

	if len(db.rows) != 1 {
		t.Fatalf("inserted %d rows, want 1", len(db.rows))
	}
	row := db.rows[0]
	if row.ArchiveKey != key || row.SessionID != "session-1" || row.ConfidencePercent != 87 || !row.IsAuthentic {
		t.Errorf("row = %+v", row)
	}
	if row.DurationSeconds == nil || *row.DurationSeconds != 4 {
		t.Errorf("DurationSeconds = %v, want 4", row.DurationSeconds)
	}
	if row.LatencyMS != 1500 {
		t.Errorf("LatencyMS = %d, want 1500", row.LatencyMS)
	}

	if len(events) != 1 || events[0]["archive_key"] != key || events[0]["analysis_id"] != int64(1) {
		t.Errorf("events = %v", events)
	}
}

func TestWorkerPool_FailureCounted(t *testing.T) {
	wp := NewWorkerPool(WorkerPoolOptions{
		DB:        &fakeWriter{err: errors.New("connection refused")},
		Workers:   1,
		QueueSize: 1,
		Log:       zerolog.Nop(),
	})
	wp.Start()
	wp.Enqueue(testJob())
	wp.Stop()

	if got := wp.Stats(); got.Failed != 1 || got.Completed != 0 {
		t.Errorf("Stats = %+v, want 1 failed", got)
	}
}

func TestObserverEnqueuesOnlySucceeded(t *testing.T) {
	wp := newTestPool(0, 10)
	observe := wp.Observer()
	job := testJob()

	observe(workflow.Transition{To: workflow.SampleReady, Sample: job.Sample})
	observe(workflow.Transition{To: workflow.Failed, Sample: job.Sample, Err: errors.New("x")})
	observe(workflow.Transition{To: workflow.Succeeded, Sample: job.Sample})
	observe(workflow.Transition{
		WorkflowID: "session-9",
		To:         workflow.Succeeded,
		SampleRef:  job.Sample.Ref(),
		Sample:     job.Sample,
		Verdict:    &job.Verdict,
	})

	if got := wp.Stats().Pending; got != 1 {
		t.Fatalf("Pending = %d, want 1", got)
	}
	queued := <-wp.jobs
	if queued.SessionID != "session-9" || queued.Sample != job.Sample {
		t.Errorf("queued job = %+v", queued)
	}
}
