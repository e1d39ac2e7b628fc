// Package archive persists successful analyses in the background: the
// analyzed payload goes to the sample store and the verdict to the history
// database.
package archive

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/voice-sentinel/internal/classify"
	"github.com/snarg/voice-sentinel/internal/database"
	"github.com/snarg/voice-sentinel/internal/metrics"
	"github.com/snarg/voice-sentinel/internal/sample"
	"github.com/snarg/voice-sentinel/internal/storage"
	"github.com/snarg/voice-sentinel/internal/workflow"
)

// Job is one successful analysis to persist.
type Job struct {
	SessionID  string
	Sample     *sample.AudioSample
	Verdict    classify.Verdict
	AnalyzedAt time.Time
}

// QueueStats reports the current state of the archive queue.
type QueueStats struct {
	Pending   int   `json:"pending"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// AnalysisWriter records analyses; *database.DB implements it.
type AnalysisWriter interface {
	InsertAnalysis(ctx context.Context, row *database.AnalysisRow) (int64, error)
}

// EventPublishFunc is a callback for publishing session events.
type EventPublishFunc func(sessionID string, payload any)

// WorkerPoolOptions configures the archive worker pool. Store and DB are each
// optional.
type WorkerPoolOptions struct {
	Store        storage.SampleStore
	DB           AnalysisWriter
	Workers      int
	QueueSize    int
	JobTimeout   time.Duration // default 30s
	PublishEvent EventPublishFunc
	Log          zerolog.Logger
}

// WorkerPool manages archive workers.
type WorkerPool struct {
	jobs   chan Job
	opts   WorkerPoolOptions
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewWorkerPool creates a new archive worker pool.
func NewWorkerPool(opts WorkerPoolOptions) *WorkerPool {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		jobs:   make(chan Job, opts.QueueSize),
		opts:   opts,
		log:    opts.Log.With().Str("component", "archive").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.opts.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	storeType := "none"
	if wp.opts.Store != nil {
		storeType = wp.opts.Store.Type()
	}
	wp.log.Info().
		Int("workers", wp.opts.Workers).
		Int("queue_size", wp.opts.QueueSize).
		Str("store", storeType).
		Bool("history", wp.opts.DB != nil).
		Msg("archive worker pool started")
}

// Stop signals workers to drain and waits for completion.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobs)
	wp.mu.Unlock()

	wp.wg.Wait()
	wp.cancel()
	wp.log.Info().
		Int64("completed", wp.completed.Load()).
		Int64("failed", wp.failed.Load()).
		Int64("dropped", wp.dropped.Load()).
		Msg("archive worker pool stopped")
}

// Enqueue adds a job to the archive queue. Returns false if the queue is full
// or the pool is stopped.
func (wp *WorkerPool) Enqueue(j Job) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}
	select {
	case wp.jobs <- j:
		return true
	default:
		wp.dropped.Add(1)
		metrics.ArchiveJobsTotal.WithLabelValues("dropped").Inc()
		return false
	}
}

// Stats returns current queue statistics.
func (wp *WorkerPool) Stats() QueueStats {
	return QueueStats{
		Pending:   len(wp.jobs),
		Completed: wp.completed.Load(),
		Failed:    wp.failed.Load(),
		Dropped:   wp.dropped.Load(),
	}
}

// Observer returns a workflow observer that enqueues every Succeeded
// transition.
func (wp *WorkerPool) Observer() workflow.Observer {
	return func(t workflow.Transition) {
		if t.To != workflow.Succeeded || t.Sample == nil || t.Verdict == nil {
			return
		}
		ok := wp.Enqueue(Job{
			SessionID:  t.WorkflowID,
			Sample:     t.Sample,
			Verdict:    *t.Verdict,
			AnalyzedAt: t.At,
		})
		if !ok {
			wp.log.Warn().Str("sample_ref", t.SampleRef.String()).Msg("archive queue full, analysis not persisted")
		}
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	log := wp.log.With().Int("worker", id).Logger()

	for job := range wp.jobs {
		if err := wp.processJob(log, job); err != nil {
			wp.failed.Add(1)
			metrics.ArchiveJobsTotal.WithLabelValues("failed").Inc()
			log.Warn().Err(err).
				Str("session_id", job.SessionID).
				Str("sample_ref", job.Sample.Ref().String()).
				Msg("archive failed")
		} else {
			wp.completed.Add(1)
			metrics.ArchiveJobsTotal.WithLabelValues("ok").Inc()
		}
	}
}

func (wp *WorkerPool) processJob(log zerolog.Logger, job Job) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(wp.ctx, wp.opts.JobTimeout)
	defer cancel()

	s := job.Sample

	// 1. Store the payload
	var key string
	if wp.opts.Store != nil {
		key = storage.Key(s)
		if err := wp.opts.Store.Save(ctx, key, s.Payload(), s.MIMEType()); err != nil {
			return fmt.Errorf("store %s: %w", key, err)
		}
	}

	// 2. Record the verdict
	var analysisID int64
	if wp.opts.DB != nil {
		var err error
		analysisID, err = wp.opts.DB.InsertAnalysis(ctx, AnalysisRow(job, key))
		if err != nil {
			return fmt.Errorf("db insert: %w", err)
		}
	}

	// 3. Publish event
	if wp.opts.PublishEvent != nil {
		payload := map[string]any{
			"sample_ref": s.Ref().String(),
		}
		if key != "" {
			payload["archive_key"] = key
		}
		if analysisID != 0 {
			payload["analysis_id"] = analysisID
		}
		wp.opts.PublishEvent(job.SessionID, payload)
	}

	log.Debug().
		Str("sample_ref", s.Ref().String()).
		Str("archive_key", key).
		Int64("analysis_id", analysisID).
		Dur("elapsed", time.Since(start)).
		Msg("analysis archived")
	return nil
}

// AnalysisRow builds the history row for a job archived under key.
func AnalysisRow(job Job, key string) *database.AnalysisRow {
	s := job.Sample
	row := &database.AnalysisRow{
		SampleRef:         s.Ref().String(),
		SessionID:         job.SessionID,
		SourceKind:        string(s.Kind()),
		DisplayName:       s.DisplayName(),
		MIMEType:          s.MIMEType(),
		SizeBytes:         s.SizeBytes(),
		IsAuthentic:       job.Verdict.IsAuthentic,
		ConfidencePercent: job.Verdict.ConfidencePercent,
		Score:             job.Verdict.Score,
		Label:             job.Verdict.Label,
		Provider:          job.Verdict.Provider,
		LatencyMS:         int(job.Verdict.Latency.Milliseconds()),
		ArchiveKey:        key,
		AnalyzedAt:        job.AnalyzedAt,
	}
	if d, ok := s.Duration(); ok {
		row.DurationSeconds = &d
	}
	if row.AnalyzedAt.IsZero() {
		row.AnalyzedAt = time.Now().UTC()
	}
	return row
}
