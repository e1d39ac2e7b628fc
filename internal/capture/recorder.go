package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/voice-sentinel/internal/sample"
)

// Microphone opens an audio input stream. Open blocks while the user is asked
// for access; a denial must be reported as sample.ErrPermissionDenied.
type Microphone interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream yields raw audio chunks until closed. Chunks is closed by the stream
// when the input ends on its own. Close releases the device.
type Stream interface {
	Chunks() <-chan []byte
	MIMEType() string
	Close() error
}

// Ticker is the one-second elapsed-time source.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop() { r.t.Stop() }

// NewRealTicker wraps time.NewTicker.
func NewRealTicker(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }

// RecorderState is the recording state machine, independent of the workflow.
type RecorderState string

const (
	Idle      RecorderState = "idle"
	Recording RecorderState = "recording"
	Stopped   RecorderState = "stopped"
)

// StopReason says why a recording session ended.
type StopReason string

const (
	StopManual      StopReason = "manual"
	StopDurationCap StopReason = "duration_cap"
	StopSizeCap     StopReason = "size_cap"
	StopStreamEnded StopReason = "stream_ended"
	StopAbandoned   StopReason = "abandoned"
)

// StopFunc receives the outcome of a manual or automatic stop. Exactly one of
// s and err is non-nil. It is called without the recorder lock held.
type StopFunc func(s *sample.AudioSample, reason StopReason, err error)

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	Microphone Microphone
	Limits     sample.Limits
	NewTicker  func(time.Duration) Ticker // nil = NewRealTicker
	Now        func() time.Time           // nil = time.Now
	OnStop     StopFunc
	Log        zerolog.Logger
}

// Recorder is the live-recording variant of the capture source. At most one
// recording session is active at a time.
type Recorder struct {
	mic       Microphone
	limits    sample.Limits
	newTicker func(time.Duration) Ticker
	now       func() time.Time
	onStop    StopFunc
	log       zerolog.Logger

	mu       sync.Mutex
	state    RecorderState
	starting bool
	closed   bool
	// abandons counts Abandon calls; a Start whose Open outlives one is void.
	abandons   uint64
	cancelOpen context.CancelFunc
	session    *recordingSession
	last       *sample.AudioSample
}

// recordingSession exists only between Start and the end of the recording.
type recordingSession struct {
	startedAt time.Time
	elapsed   int
	chunks    [][]byte
	size      int64
	stream    Stream
	ticker    Ticker
	done      chan struct{}
	release   sync.Once
}

func (s *recordingSession) releaseResources() {
	s.release.Do(func() {
		s.ticker.Stop()
		s.stream.Close()
	})
}

// NewRecorder creates an idle recorder.
func NewRecorder(opts RecorderOptions) *Recorder {
	nt := opts.NewTicker
	if nt == nil {
		nt = NewRealTicker
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		mic:       opts.Microphone,
		limits:    opts.Limits,
		newTicker: nt,
		now:       now,
		onStop:    opts.OnStop,
		log:       opts.Log.With().Str("component", "recorder").Logger(),
		state:     Idle,
	}
}

// Start requests microphone access and begins a fresh recording session. Any
// previous stopped sample that was not taken is discarded. On denial the
// recorder stays idle and the error matches sample.ErrPermissionDenied; any
// other input failure matches sample.ErrUnavailable. Abandon while the
// permission request is pending cancels it and Start returns context.Canceled,
// or ErrRecorderClosed after Close.
func (r *Recorder) Start(ctx context.Context) error {
	return r.StartWith(ctx, r.mic)
}

// StartWith is Start with an input supplied per call, such as a client
// connection streaming audio.
func (r *Recorder) StartWith(ctx context.Context, mic Microphone) error {
	if mic == nil {
		return sample.CaptureError(sample.KindUnavailable, "no audio input available")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRecorderClosed
	}
	if r.state == Recording || r.starting {
		r.mu.Unlock()
		return sample.CaptureError(sample.KindAlreadyRecording, "a recording session is active")
	}
	openCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.starting = true
	r.cancelOpen = cancel
	r.last = nil
	gen := r.abandons
	r.mu.Unlock()

	stream, err := mic.Open(openCtx)

	r.mu.Lock()
	r.starting = false
	r.cancelOpen = nil
	if r.abandons != gen {
		r.state = Idle
		closed := r.closed
		r.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
		r.log.Info().Msg("recording abandoned before the microphone opened")
		if closed {
			return ErrRecorderClosed
		}
		return context.Canceled
	}
	if err != nil {
		r.state = Idle
		r.mu.Unlock()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, sample.ErrPermissionDenied) || errors.Is(err, sample.ErrUnavailable) {
			return err
		}
		return sample.CaptureError(sample.KindUnavailable, "open microphone: %v", err)
	}

	sess := &recordingSession{
		startedAt: r.now(),
		stream:    stream,
		ticker:    r.newTicker(time.Second),
		done:      make(chan struct{}),
	}
	r.session = sess
	r.state = Recording
	r.mu.Unlock()

	r.log.Info().Str("mime_type", stream.MIMEType()).Msg("recording started")
	go r.run(sess)
	return nil
}

func (r *Recorder) run(sess *recordingSession) {
	chunks := sess.stream.Chunks()
	for {
		select {
		case <-sess.done:
			return
		case chunk, ok := <-chunks:
			if !ok {
				r.stopAsync(sess, StopStreamEnded)
				return
			}
			if !r.appendChunk(sess, chunk) {
				r.stopAsync(sess, StopSizeCap)
				return
			}
		case <-sess.ticker.C():
			if r.tick(sess) {
				r.stopAsync(sess, StopDurationCap)
				return
			}
		}
	}
}

// appendChunk adds a chunk to the session. It returns false when the chunk
// would push the recording past the size ceiling; the chunk is dropped.
func (r *Recorder) appendChunk(sess *recordingSession, chunk []byte) bool {
	if len(chunk) == 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != sess {
		return true
	}
	if sess.size+int64(len(chunk)) > r.limits.MaxSizeBytes {
		return false
	}
	sess.chunks = append(sess.chunks, chunk)
	sess.size += int64(len(chunk))
	return true
}

// tick advances the elapsed counter and reports whether the duration cap is reached.
func (r *Recorder) tick(sess *recordingSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != sess {
		return false
	}
	sess.elapsed++
	return sess.elapsed >= r.limits.MaxDurationSeconds
}

func (r *Recorder) stopAsync(sess *recordingSession, reason StopReason) {
	s, ok, err := r.finish(sess, reason)
	if ok && r.onStop != nil {
		r.onStop(s, reason, err)
	}
}

// Stop ends the active recording, releases the microphone and returns the
// recorded sample. The OnStop callback also receives it.
func (r *Recorder) Stop() (*sample.AudioSample, error) {
	r.mu.Lock()
	sess := r.session
	r.mu.Unlock()
	if sess == nil {
		return nil, ErrNotRecording
	}
	s, ok, err := r.finish(sess, StopManual)
	if !ok {
		return nil, ErrNotRecording
	}
	if r.onStop != nil {
		r.onStop(s, StopManual, err)
	}
	return s, err
}

var (
	// ErrNotRecording is returned by Stop when no session is active.
	ErrNotRecording = errors.New("not recording")
	// ErrRecorderClosed is returned by Start after Close.
	ErrRecorderClosed = errors.New("recorder closed")
)

// Abandon ends any active recording without producing a sample, releasing the
// microphone, and cancels a pending permission request. It is safe to call at
// any time and more than once.
func (r *Recorder) Abandon() {
	r.mu.Lock()
	r.abandons++
	if r.cancelOpen != nil {
		r.cancelOpen()
	}
	sess := r.session
	r.mu.Unlock()
	if sess != nil {
		r.finish(sess, StopAbandoned)
	}
	r.mu.Lock()
	r.last = nil
	if r.state == Stopped {
		r.state = Idle
	}
	r.mu.Unlock()
}

// Close abandons any recording or pending start and refuses later starts.
func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.Abandon()
}

// finish terminates sess exactly once. ok is false if sess was already finished.
func (r *Recorder) finish(sess *recordingSession, reason StopReason) (s *sample.AudioSample, ok bool, err error) {
	r.mu.Lock()
	if r.session != sess {
		r.mu.Unlock()
		return nil, false, nil
	}
	r.session = nil
	close(sess.done)
	payload := bytes.Join(sess.chunks, nil)
	elapsed := sess.elapsed
	stoppedAt := r.now()
	if reason == StopAbandoned {
		r.state = Idle
	} else {
		r.state = Stopped
	}
	r.mu.Unlock()

	sess.releaseResources()

	log := r.log.With().
		Str("reason", string(reason)).
		Int("elapsed_seconds", elapsed).
		Int("bytes", len(payload)).
		Logger()

	if reason == StopAbandoned {
		log.Info().Msg("recording abandoned")
		return nil, true, nil
	}

	duration := float64(elapsed)
	if duration == 0 {
		duration = stoppedAt.Sub(sess.startedAt).Seconds()
	}
	mimeType := sess.stream.MIMEType()
	if mimeType == "" {
		mimeType = "audio/wav"
	}

	if err := r.limits.CheckSize(sample.StageCapture, int64(len(payload))); err != nil {
		log.Warn().Err(err).Msg("recording produced no usable audio")
		return nil, true, err
	}
	if err := sample.CheckFormat(sample.StageCapture, mimeType); err != nil {
		return nil, true, err
	}

	s = sample.New(sample.Params{
		Payload:         payload,
		Kind:            sample.Recorded,
		MIMEType:        mimeType,
		DisplayName:     RecordingName(sess.startedAt, mimeType),
		DurationSeconds: duration,
		CapturedAt:      stoppedAt,
	})

	r.mu.Lock()
	r.last = s
	r.mu.Unlock()

	log.Info().Str("sample_ref", s.Ref().String()).Msg("recording stopped")
	return s, true, nil
}

// Take returns the last stopped sample and forgets it.
func (r *Recorder) Take() *sample.AudioSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.last
	r.last = nil
	return s
}

// RecorderStatus is a snapshot of the recorder for display.
type RecorderStatus struct {
	State          RecorderState `json:"state"`
	ElapsedSeconds int           `json:"elapsed_seconds"`
	Elapsed        string        `json:"elapsed"`
	Bytes          int64         `json:"bytes"`
	MaxSeconds     int           `json:"max_seconds"`
}

// Status returns the current recorder state.
func (r *Recorder) Status() RecorderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RecorderStatus{State: r.state, MaxSeconds: r.limits.MaxDurationSeconds}
	if r.session != nil {
		st.ElapsedSeconds = r.session.elapsed
		st.Bytes = r.session.size
	}
	st.Elapsed = FormatElapsed(st.ElapsedSeconds)
	return st
}

// State returns the current recorder state.
func (r *Recorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Active reports whether a recording is live or waiting on a permission request.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == Recording || r.starting
}

// FormatElapsed renders seconds as mm:ss.
func FormatElapsed(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// RecordingName generates a display name such as recording-20260102-150405.wav.
func RecordingName(t time.Time, mimeType string) string {
	return "recording-" + t.Format("20060102-150405") + sample.ExtensionFor(mimeType)
}
