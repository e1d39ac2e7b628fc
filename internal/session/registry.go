package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/voice-sentinel/internal/capture"
	"github.com/snarg/voice-sentinel/internal/classify"
	"github.com/snarg/voice-sentinel/internal/sample"
	"github.com/snarg/voice-sentinel/internal/workflow"
)

// Options configures a Registry.
type Options struct {
	Classifier  classify.Classifier
	Limits      sample.Limits
	IdleTimeout time.Duration // 0 disables reaping
	Bus         *EventBus
	// Observers are attached to every session's workflow, after the bus
	// publisher.
	Observers []workflow.Observer
	NewTicker func(time.Duration) capture.Ticker // nil = capture.NewRealTicker
	Log       zerolog.Logger
}

// Registry holds the live sessions and reaps idle ones.
type Registry struct {
	opts Options
	bus  *EventBus
	log  zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	bus := opts.Bus
	if bus == nil {
		bus = NewEventBus(256)
	}
	return &Registry{
		opts:     opts,
		bus:      bus,
		log:      opts.Log.With().Str("component", "sessions").Logger(),
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
}

// Bus returns the event bus shared by all sessions.
func (r *Registry) Bus() *EventBus { return r.bus }

// Create opens a new session in AwaitingSample.
func (r *Registry) Create() *Session {
	id := uuid.NewString()
	log := r.log.With().Str("session_id", id).Logger()
	s := &Session{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		uploader:  capture.NewUploader(r.opts.Limits, log),
		bus:       r.bus,
		log:       log,
	}
	s.Touch()
	s.recorder = capture.NewRecorder(capture.RecorderOptions{
		Limits:    r.opts.Limits,
		NewTicker: r.opts.NewTicker,
		OnStop:    s.onAutoStop,
		Log:       log,
	})
	observers := append([]workflow.Observer{s.observe}, r.opts.Observers...)
	s.workflow = workflow.New(workflow.Options{
		ID:         id,
		Classifier: r.opts.Classifier,
		Limits:     r.opts.Limits,
		Observers:  observers,
		Log:        log,
	})

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	log.Info().Msg("session created")
	return s
}

// Get returns the session with id and marks it active.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		s.Touch()
	}
	return s, ok
}

// Delete closes and removes a session. It reports whether the session existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
	return ok
}

// List returns the live sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RecordingCount returns the number of sessions with a live recording.
func (r *Registry) RecordingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.recorder.State() == capture.Recording {
			n++
		}
	}
	return n
}

// SubscriberCount returns the number of event subscribers.
func (r *Registry) SubscriberCount() int { return r.bus.SubscriberCount() }

// Start launches the idle reaper.
func (r *Registry) Start() {
	if r.opts.IdleTimeout <= 0 {
		return
	}
	r.wg.Add(1)
	go r.reapLoop()
}

// Stop halts the reaper and closes every session.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()

	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

func (r *Registry) reapLoop() {
	defer r.wg.Done()
	interval := r.opts.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Reap(time.Now())
		case <-r.stop:
			return
		}
	}
}

// Reap closes sessions idle since before now minus the idle timeout. Sessions
// with a live recording or a pending permission request are kept. It returns the number closed.
func (r *Registry) Reap(now time.Time) int {
	cutoff := now.Add(-r.opts.IdleTimeout)
	var idle []*Session

	r.mu.Lock()
	for id, s := range r.sessions {
		if s.LastActive().Before(cutoff) && !s.recorder.Active() {
			idle = append(idle, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		s.Close()
	}
	if len(idle) > 0 {
		r.log.Info().Int("reaped", len(idle)).Msg("idle sessions closed")
	}
	return len(idle)
}
