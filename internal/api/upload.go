package api

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/snarg/voice-sentinel/internal/capture"
	"github.com/snarg/voice-sentinel/internal/present"
	"github.com/snarg/voice-sentinel/internal/sample"
	"github.com/snarg/voice-sentinel/internal/session"
	"github.com/snarg/voice-sentinel/internal/workflow"
)

// UploadHandler serves the one-shot POST /upload-chunk endpoint: capture,
// validation, classification and presentation in a single request, each in a
// throwaway session.
type UploadHandler struct {
	sessions *session.Registry
	limits   sample.Limits
	log      zerolog.Logger
}

// NewUploadHandler creates a new upload handler.
func NewUploadHandler(sessions *session.Registry, limits sample.Limits, log zerolog.Logger) *UploadHandler {
	return &UploadHandler{
		sessions: sessions,
		limits:   limits,
		log:      log.With().Str("handler", "upload").Logger(),
	}
}

// UploadResult is the display model plus the classifier's raw fields.
type UploadResult struct {
	Display  present.DisplayModel `json:"display"`
	Score    *float64             `json:"score,omitempty"`
	Label    string               `json:"label,omitempty"`
	Filename string               `json:"filename"`
}

// Upload handles POST /upload-chunk.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	in, cleanup, err := readAudioPart(w, r, h.limits, capture.EntryPicker)
	if err != nil {
		writeUploadError(w, err)
		return
	}
	defer cleanup()

	s := h.sessions.Create()
	defer h.sessions.Delete(s.ID)

	smp, err := s.Upload(in)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	wf := s.Workflow()
	if err := wf.Submit(); err != nil {
		WriteDomainError(w, err)
		return
	}
	if _, err := wf.Await(r.Context()); err != nil {
		return // client went away; Delete cancels the request
	}

	if v, ok := wf.Verdict(); ok {
		h.log.Info().
			Str("sample_ref", smp.Ref().String()).
			Bool("is_authentic", v.IsAuthentic).
			Int("confidence", v.ConfidencePercent).
			Msg("one-shot analysis complete")
		WriteJSON(w, http.StatusOK, UploadResult{
			Display:  present.Present(v),
			Score:    v.Score,
			Label:    v.Label,
			Filename: smp.DisplayName(),
		})
		return
	}
	if ferr := wf.Failure(); ferr != nil {
		h.log.Warn().Err(ferr).Str("sample_ref", smp.Ref().String()).Msg("one-shot analysis failed")
		WriteDomainError(w, ferr)
		return
	}
	// Not settled: the workflow was closed underneath the request.
	WriteDomainError(w, workflow.ErrClosed)
}
