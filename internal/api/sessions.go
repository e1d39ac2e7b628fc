package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/voice-sentinel/internal/capture"
	"github.com/snarg/voice-sentinel/internal/sample"
	"github.com/snarg/voice-sentinel/internal/session"
	"github.com/snarg/voice-sentinel/internal/workflow"
)

// audioFields are the multipart fields an upload may use, in order of
// preference.
var audioFields = []string{"audio_file", "file"}

// multipartOverhead is allowed on top of the sample limit for form framing.
const multipartOverhead = 1 << 20

type SessionsHandler struct {
	sessions *session.Registry
	limits   sample.Limits
}

func NewSessionsHandler(sessions *session.Registry, limits sample.Limits) *SessionsHandler {
	return &SessionsHandler{sessions: sessions, limits: limits}
}

// Routes registers session routes on the given router.
func (h *SessionsHandler) Routes(r chi.Router) {
	r.Post("/sessions", h.Create)
	r.Get("/sessions", h.List)
	r.Get("/sessions/{id}", h.Get)
	r.Delete("/sessions/{id}", h.Delete)
	r.Post("/sessions/{id}/sample", h.UploadSample)
	r.Delete("/sessions/{id}/sample", h.DiscardSample)
	r.Post("/sessions/{id}/analyze", h.Analyze)
	r.Post("/sessions/{id}/retry", h.Retry)
	r.Post("/sessions/{id}/reset", h.Reset)
}

type createSessionResponse struct {
	ID    string         `json:"id"`
	State workflow.State `json:"state"`
}

// Create handles POST /sessions.
func (h *SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	s := h.sessions.Create()
	WriteJSON(w, http.StatusCreated, createSessionResponse{ID: s.ID, State: s.Workflow().State()})
}

// List handles GET /sessions.
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	list := h.sessions.List()
	out := make([]session.Snapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot())
	}
	WriteJSON(w, http.StatusOK, map[string]any{"sessions": out, "total": len(out)})
}

// Get handles GET /sessions/{id}.
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, s.Snapshot())
}

// Delete handles DELETE /sessions/{id}: leaving the workflow releases the
// sample, any in-flight request and any open recording.
func (h *SessionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !h.sessions.Delete(chi.URLParam(r, "id")) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrSessionNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UploadSample handles POST /sessions/{id}/sample.
func (h *SessionsHandler) UploadSample(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	in, cleanup, err := readAudioPart(w, r, h.limits, capture.EntryAPI)
	if err != nil {
		writeUploadError(w, err)
		return
	}
	defer cleanup()

	smp, err := s.Upload(in)
	if err != nil {
		hlog.FromRequest(r).Debug().Err(err).Str("session_id", s.ID).Msg("upload rejected")
		WriteDomainError(w, err)
		return
	}
	hlog.FromRequest(r).Info().
		Str("session_id", s.ID).
		Str("sample_ref", smp.Ref().String()).
		Int64("size", smp.SizeBytes()).
		Msg("sample uploaded")
	WriteJSON(w, http.StatusCreated, s.Snapshot())
}

// DiscardSample handles DELETE /sessions/{id}/sample.
func (h *SessionsHandler) DiscardSample(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, http.StatusOK, (*workflow.Controller).Discard)
}

// Analyze handles POST /sessions/{id}/analyze. With ?wait=true the response
// is delayed until the submission settles.
func (h *SessionsHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, (*workflow.Controller).Submit)
}

// Retry handles POST /sessions/{id}/retry.
func (h *SessionsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, (*workflow.Controller).Retry)
}

// Reset handles POST /sessions/{id}/reset ("analyze another").
func (h *SessionsHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, http.StatusOK, (*workflow.Controller).Reset)
}

func (h *SessionsHandler) submit(w http.ResponseWriter, r *http.Request, op func(*workflow.Controller) error) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := op(s.Workflow()); err != nil {
		WriteDomainError(w, err)
		return
	}
	if wait, _ := QueryBool(r, "wait"); wait {
		snap, err := s.Workflow().Await(r.Context())
		if err != nil {
			// Client went away; the submission keeps running.
			return
		}
		s.Touch()
		WriteJSON(w, http.StatusOK, session.Snapshot{
			ID:         s.ID,
			CreatedAt:  s.CreatedAt,
			LastActive: s.LastActive(),
			Workflow:   snap,
			Recorder:   s.Recorder().Status(),
		})
		return
	}
	WriteJSON(w, http.StatusAccepted, s.Snapshot())
}

func (h *SessionsHandler) act(w http.ResponseWriter, r *http.Request, status int, op func(*workflow.Controller) error) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := op(s.Workflow()); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, status, s.Snapshot())
}

func (h *SessionsHandler) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, ok := h.sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		WriteErrorWithCode(w, http.StatusNotFound, ErrSessionNotFound, "session not found")
	}
	return s, ok
}

var errMissingAudio = errors.New("missing audio file: expected multipart field audio_file or file")

// readAudioPart parses a multipart upload and returns its audio file as a
// capture input. The body is capped slightly above the sample limit so
// oversized uploads fail early.
func readAudioPart(w http.ResponseWriter, r *http.Request, limits sample.Limits, via capture.Entry) (capture.FileInput, func(), error) {
	r.Body = http.MaxBytesReader(w, r.Body, limits.MaxSizeBytes+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return capture.FileInput{}, nil, sample.CaptureError(sample.KindTooLarge,
				"request body exceeds %d bytes", mbe.Limit)
		}
		return capture.FileInput{}, nil, err
	}
	cleanup := func() { r.MultipartForm.RemoveAll() }

	for _, field := range audioFields {
		file, header, err := r.FormFile(field)
		if err != nil {
			continue
		}
		return capture.FileInput{
			Name:      header.Filename,
			MIMEType:  header.Header.Get("Content-Type"),
			SizeBytes: header.Size,
			Content:   file,
			Via:       via,
		}, func() { file.Close(); cleanup() }, nil
	}
	cleanup()
	return capture.FileInput{}, nil, errMissingAudio
}

func writeUploadError(w http.ResponseWriter, err error) {
	var se *sample.Error
	switch {
	case errors.As(err, &se):
		WriteDomainError(w, err)
	case errors.Is(err, errMissingAudio):
		WriteErrorWithCode(w, http.StatusBadRequest, ErrMissingAudio, err.Error())
	default:
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid multipart form: "+err.Error())
	}
}
