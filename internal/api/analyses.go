package api

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/hlog"
	"github.com/snarg/voice-sentinel/internal/database"
)

// AnalysisLister reads the verdict history; *database.DB implements it.
type AnalysisLister interface {
	ListAnalyses(ctx context.Context, filter database.AnalysisFilter) ([]database.AnalysisAPI, int, error)
}

type AnalysesHandler struct {
	db AnalysisLister
}

func NewAnalysesHandler(db AnalysisLister) *AnalysesHandler {
	return &AnalysesHandler{db: db}
}

type analysesResponse struct {
	Analyses []database.AnalysisAPI `json:"analyses"`
	Total    int                    `json:"total"`
	Limit    int                    `json:"limit"`
	Offset   int                    `json:"offset"`
}

// ListAnalyses handles GET /analyses with optional session_id, is_authentic,
// since, limit and offset filters.
func (h *AnalysesHandler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, "analysis history is not configured")
		return
	}
	p, err := ParsePagination(r)
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	filter := database.AnalysisFilter{Limit: p.Limit, Offset: p.Offset}
	if v, ok := QueryString(r, "session_id"); ok {
		filter.SessionID = v
	}
	if v, ok := QueryBool(r, "is_authentic"); ok {
		filter.IsAuthentic = &v
	}
	if v, ok := QueryTime(r, "since"); ok {
		filter.Since = &v
	}

	analyses, total, err := h.db.ListAnalyses(r.Context(), filter)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to list analyses")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to list analyses")
		return
	}
	WriteJSON(w, http.StatusOK, analysesResponse{
		Analyses: analyses,
		Total:    total,
		Limit:    p.Limit,
		Offset:   p.Offset,
	})
}
