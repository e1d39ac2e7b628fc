// Package session binds one user's capture sources and workflow together and
// keeps the set of live sessions.
package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/voice-sentinel/internal/capture"
	"github.com/snarg/voice-sentinel/internal/metrics"
	"github.com/snarg/voice-sentinel/internal/sample"
	"github.com/snarg/voice-sentinel/internal/workflow"
)

// Session is one user's capture-to-result flow.
type Session struct {
	ID        string
	CreatedAt time.Time

	workflow   *workflow.Controller
	recorder   *capture.Recorder
	uploader   *capture.Uploader
	bus        *EventBus
	log        zerolog.Logger
	lastActive atomic.Int64
}

// Workflow returns the session's state machine.
func (s *Session) Workflow() *workflow.Controller { return s.workflow }

// Recorder returns the session's recorder.
func (s *Session) Recorder() *capture.Recorder { return s.recorder }

// Touch marks the session as used now.
func (s *Session) Touch() { s.lastActive.Store(time.Now().UnixNano()) }

// LastActive returns when the session was last used.
func (s *Session) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

// Upload validates a selected or dropped file and hands it to the workflow.
func (s *Session) Upload(in capture.FileInput) (*sample.AudioSample, error) {
	s.Touch()
	smp, err := s.uploader.SelectFile(in)
	if err != nil {
		s.captureFailed(err)
		return nil, err
	}
	if err := s.accept(smp); err != nil {
		return nil, err
	}
	return smp, nil
}

// StartRecording begins a live recording fed by mic.
func (s *Session) StartRecording(ctx context.Context, mic capture.Microphone) error {
	s.Touch()
	if err := s.recorder.StartWith(ctx, mic); err != nil {
		if errors.Is(err, capture.ErrRecorderClosed) {
			return workflow.ErrClosed
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		s.captureFailed(err)
		return err
	}
	s.bus.Publish(EventRecording, s.ID, RecordingPayload{
		State:      capture.Recording,
		Elapsed:    capture.FormatElapsed(0),
		MaxSeconds: s.recorder.Status().MaxSeconds,
	})
	return nil
}

// StopRecording ends the live recording and hands the sample to the workflow.
func (s *Session) StopRecording() (*sample.AudioSample, error) {
	s.Touch()
	smp, err := s.recorder.Stop()
	if errors.Is(err, capture.ErrNotRecording) {
		return nil, err
	}
	s.recordingStopped(smp, capture.StopManual, err)
	if err != nil {
		return nil, err
	}
	if err := s.accept(smp); err != nil {
		return nil, err
	}
	return smp, nil
}

// AbandonRecording drops any live recording without producing a sample.
func (s *Session) AbandonRecording() {
	if s.recorder.State() != capture.Recording {
		return
	}
	s.recorder.Abandon()
	s.recordingStopped(nil, capture.StopAbandoned, nil)
}

// onAutoStop handles stops the recorder makes on its own. Manual stops are
// handled by StopRecording.
func (s *Session) onAutoStop(smp *sample.AudioSample, reason capture.StopReason, err error) {
	if reason == capture.StopManual {
		return
	}
	s.recordingStopped(smp, reason, err)
	if err == nil {
		if aerr := s.accept(smp); aerr != nil {
			s.log.Warn().Err(aerr).Str("reason", string(reason)).Msg("recorded sample not accepted")
		}
	}
}

func (s *Session) recordingStopped(smp *sample.AudioSample, reason capture.StopReason, err error) {
	st := s.recorder.Status()
	p := RecordingPayload{
		State:      st.State,
		Reason:     reason,
		Elapsed:    st.Elapsed,
		MaxSeconds: st.MaxSeconds,
	}
	if smp != nil {
		md := smp.Metadata()
		p.Sample = &md
		if d, ok := smp.Duration(); ok {
			p.ElapsedSeconds = int(d)
			p.Elapsed = capture.FormatElapsed(int(d))
		}
	}
	if err != nil {
		p.Error = ErrorViewOf(err)
		s.countRejection(err)
	}
	s.bus.Publish(EventRecording, s.ID, p)
}

// accept offers a captured sample to the workflow. The recorder's copy is
// released once the workflow holds it.
func (s *Session) accept(smp *sample.AudioSample) error {
	if smp.Kind() == sample.Recorded {
		s.recorder.Take()
	}
	if err := s.workflow.Offer(smp); err != nil {
		s.bus.Publish(EventCaptureError, s.ID, ErrorPayload{Error: ErrorViewOf(err)})
		return err
	}
	metrics.SamplesCapturedTotal.WithLabelValues(string(smp.Kind())).Inc()
	return nil
}

func (s *Session) captureFailed(err error) {
	s.countRejection(err)
	s.bus.Publish(EventCaptureError, s.ID, ErrorPayload{Error: ErrorViewOf(err)})
}

func (s *Session) countRejection(err error) {
	var se *sample.Error
	if errors.As(err, &se) {
		metrics.SampleRejectionsTotal.WithLabelValues(string(se.Stage), string(se.Kind)).Inc()
	}
}

// observe publishes workflow transitions on the bus.
func (s *Session) observe(t workflow.Transition) {
	s.bus.Publish(EventTransition, s.ID, transitionPayload(t))
}

// Close abandons any recording and releases the workflow.
func (s *Session) Close() {
	s.recorder.Close()
	s.workflow.Close()
	s.bus.Publish(EventClosed, s.ID, struct{}{})
	s.log.Info().Msg("session closed")
}

// Snapshot is the session view returned by the API.
type Snapshot struct {
	ID         string                 `json:"id"`
	CreatedAt  time.Time              `json:"created_at"`
	LastActive time.Time              `json:"last_active"`
	Workflow   workflow.Snapshot      `json:"workflow"`
	Recorder   capture.RecorderStatus `json:"recorder"`
}

// Snapshot returns the current session view.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:         s.ID,
		CreatedAt:  s.CreatedAt,
		LastActive: s.LastActive(),
		Workflow:   s.workflow.Snapshot(),
		Recorder:   s.recorder.Status(),
	}
}
