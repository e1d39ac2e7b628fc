package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/voice-sentinel/internal/capture"
	"github.com/snarg/voice-sentinel/internal/sample"
	"github.com/snarg/voice-sentinel/internal/session"
	"github.com/snarg/voice-sentinel/internal/workflow"
)

// Client control messages on the record socket. Audio arrives as binary
// frames between start and stop.
const (
	msgStart  = "start"
	msgDeny   = "deny"
	msgStop   = "stop"
	msgCancel = "cancel"
)

// Server frames on the record socket.
const (
	frameRecording = "recording"
	frameTick      = "tick"
	frameStopped   = "stopped"
	frameError     = "error"
)

const defaultStreamMIME = "audio/webm"

var errSocketClosed = errors.New("record socket closed before recording started")

type controlMessage struct {
	Type     string `json:"type"`
	MIMEType string `json:"mime_type,omitempty"`
}

type recordFrame struct {
	Type   string                  `json:"type"`
	Status *capture.RecorderStatus `json:"status,omitempty"`
	Reason capture.StopReason      `json:"reason,omitempty"`
	Sample *sample.Metadata        `json:"sample,omitempty"`
	State  workflow.State          `json:"workflow_state,omitempty"`
	Error  *session.ErrorView      `json:"error,omitempty"`
}

// RecordHandler serves GET /sessions/{id}/record. The websocket is the
// session's microphone: the client grants access with a start message (or
// refuses with deny), streams binary chunks, and ends with stop.
type RecordHandler struct {
	sessions *session.Registry
	upgrader websocket.Upgrader
	tick     time.Duration
}

func NewRecordHandler(sessions *session.Registry, allowedOrigins []string) *RecordHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &RecordHandler{
		sessions: sessions,
		tick:     time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 4 << 10,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin]
			},
		},
	}
}

func (h *RecordHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessions := &SessionsHandler{sessions: h.sessions}
	s, ok := sessions.lookup(w, r)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the HTTP error
	}
	defer conn.Close()

	log := hlog.FromRequest(r).With().Str("session_id", s.ID).Logger()
	in := newSocketInput(conn, log)
	go in.readLoop()

	// Subscribe first so an immediate automatic stop is not missed.
	events, unsubscribe := h.sessions.Bus().Subscribe(session.Filter{
		SessionID: s.ID,
		Types:     []string{session.EventRecording},
	})
	defer unsubscribe()

	if err := s.StartRecording(r.Context(), in); err != nil {
		in.writeFrame(recordFrame{Type: frameError, Error: session.ErrorViewOf(err)})
		in.closeGracefully()
		return
	}
	st := s.Recorder().Status()
	in.writeFrame(recordFrame{Type: frameRecording, Status: &st})

	ticker := time.NewTicker(h.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st := s.Recorder().Status()
			if st.State == capture.Recording {
				in.writeFrame(recordFrame{Type: frameTick, Status: &st})
			}

		case <-in.stop:
			smp, err := s.StopRecording()
			if errors.Is(err, capture.ErrNotRecording) {
				continue // stopped on its own; the bus delivers the outcome
			}
			in.writeFrame(stoppedFrame(s, capture.StopManual, smp, err))
			in.closeGracefully()
			return

		case <-in.cancel:
			s.AbandonRecording()
			in.writeFrame(recordFrame{Type: frameStopped, Reason: capture.StopAbandoned, State: s.Workflow().State()})
			in.closeGracefully()
			return

		case e := <-events:
			var p session.RecordingPayload
			if err := json.Unmarshal(e.Data, &p); err != nil {
				continue
			}
			if p.State == capture.Recording || p.Reason == capture.StopManual {
				continue
			}
			f := recordFrame{Type: frameStopped, Reason: p.Reason, Sample: p.Sample, State: s.Workflow().State()}
			if p.Error != nil {
				f.Type = frameError
				f.Error = p.Error
			}
			in.writeFrame(f)
			in.closeGracefully()
			return

		case <-in.done:
			// The client went away; the closed stream ends the recording.
			log.Debug().Msg("record socket closed by client")
			return
		}
	}
}

func stoppedFrame(s *session.Session, reason capture.StopReason, smp *sample.AudioSample, err error) recordFrame {
	if err != nil {
		return recordFrame{Type: frameError, Reason: reason, Error: session.ErrorViewOf(err), State: s.Workflow().State()}
	}
	md := smp.Metadata()
	return recordFrame{Type: frameStopped, Reason: reason, Sample: &md, State: s.Workflow().State()}
}

// socketInput adapts a websocket to capture.Microphone and capture.Stream.
// Only readLoop reads from the connection; only the handler writes. Chunks
// are handed over unbuffered so a stop never overtakes earlier audio.
type socketInput struct {
	conn *websocket.Conn
	log  zerolog.Logger

	mimeType atomic.Value // string
	started  atomic.Bool

	chunks   chan []byte
	start    chan struct{}
	deny     chan struct{}
	stop     chan struct{}
	cancel   chan struct{}
	done     chan struct{}
	released chan struct{}

	releaseOnce sync.Once
}

func newSocketInput(conn *websocket.Conn, log zerolog.Logger) *socketInput {
	in := &socketInput{
		conn:     conn,
		log:      log,
		chunks:   make(chan []byte),
		start:    make(chan struct{}, 1),
		deny:     make(chan struct{}, 1),
		stop:     make(chan struct{}, 1),
		cancel:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		released: make(chan struct{}),
	}
	in.mimeType.Store(defaultStreamMIME)
	return in
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (in *socketInput) readLoop() {
	defer close(in.done)
	defer close(in.chunks)
	for {
		mt, data, err := in.conn.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			if !in.started.Load() {
				continue
			}
			select {
			case in.chunks <- data:
			case <-in.released:
			}
		case websocket.TextMessage:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				msg.Type = string(data)
			}
			switch msg.Type {
			case msgStart:
				if msg.MIMEType != "" {
					in.mimeType.Store(msg.MIMEType)
				}
				in.started.Store(true)
				notify(in.start)
			case msgDeny:
				notify(in.deny)
			case msgStop:
				in.drain()
				notify(in.stop)
			case msgCancel:
				notify(in.cancel)
			default:
				in.log.Debug().Str("message", msg.Type).Msg("unknown record control message")
			}
		}
	}
}

// drain returns once the recorder has consumed every chunk sent so far. The
// recorder ignores the empty marker, and the unbuffered channel means its
// receipt follows the handling of all earlier chunks.
func (in *socketInput) drain() {
	if !in.started.Load() {
		return
	}
	select {
	case in.chunks <- nil:
	case <-in.released:
	}
}

// Open waits for the client to grant or refuse microphone access.
func (in *socketInput) Open(ctx context.Context) (capture.Stream, error) {
	select {
	case <-in.start:
		return in, nil
	case <-in.deny:
		return nil, sample.CaptureError(sample.KindPermissionDenied, "microphone access was denied")
	case <-in.done:
		return nil, errSocketClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (in *socketInput) Chunks() <-chan []byte { return in.chunks }

func (in *socketInput) MIMEType() string { return in.mimeType.Load().(string) }

// Close releases the stream. The socket itself stays open for the final frame.
func (in *socketInput) Close() error {
	in.releaseOnce.Do(func() { close(in.released) })
	return nil
}

func (in *socketInput) writeFrame(f recordFrame) {
	in.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := in.conn.WriteJSON(f); err != nil {
		in.log.Debug().Err(err).Str("frame", f.Type).Msg("record frame write failed")
	}
}

func (in *socketInput) closeGracefully() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	in.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
