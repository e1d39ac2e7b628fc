package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/snarg/voice-sentinel/internal/capture"
	"github.com/snarg/voice-sentinel/internal/classify"
	"github.com/snarg/voice-sentinel/internal/sample"
	"github.com/snarg/voice-sentinel/internal/session"
	"github.com/snarg/voice-sentinel/internal/workflow"
)

// Machine-readable error codes not produced by session.ErrorViewOf.
const (
	ErrBadRequest      = "bad_request"
	ErrInvalidBody     = "invalid_body"
	ErrNotFound        = "not_found"
	ErrUnavailable     = "unavailable"
	ErrInternal        = "internal"
	ErrUnauthorized    = "unauthorized"
	ErrMissingAudio    = "missing_audio"
	ErrSessionNotFound = "session_not_found"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the standard error response body.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// WriteErrorWithCode writes a JSON error response with a machine-readable code.
func WriteErrorWithCode(w http.ResponseWriter, status int, code, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// WriteErrorDetail writes a JSON error response with detail.
func WriteErrorDetail(w http.ResponseWriter, status int, msg, detail string) {
	WriteJSON(w, status, ErrorResponse{Error: msg, Detail: detail})
}

// WriteDomainError maps a capture, validation, classification or workflow
// error to its status code and writes it.
func WriteDomainError(w http.ResponseWriter, err error) {
	v := session.ErrorViewOf(err)
	WriteJSON(w, StatusOf(err), ErrorResponse{Error: v.Message, Code: v.Code, Detail: v.Detail})
}

// StatusOf returns the HTTP status for a domain error.
func StatusOf(err error) int {
	var se *sample.Error
	if errors.As(err, &se) {
		switch se.Kind {
		case sample.KindTooLarge:
			return http.StatusRequestEntityTooLarge
		case sample.KindInvalidFormat:
			return http.StatusUnsupportedMediaType
		case sample.KindPermissionDenied:
			return http.StatusForbidden
		case sample.KindAlreadyRecording:
			return http.StatusConflict
		case sample.KindUnavailable:
			return http.StatusServiceUnavailable
		}
		return http.StatusUnprocessableEntity
	}
	var ce *classify.Error
	if errors.As(err, &ce) {
		if ce.Kind == classify.KindTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, workflow.ErrAlreadyInProgress),
		errors.Is(err, workflow.ErrNoSample),
		errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, capture.ErrNotRecording):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrClosed):
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

// Pagination holds parsed pagination parameters.
type Pagination struct {
	Limit  int
	Offset int
}

// ParsePagination extracts limit and offset from query params with defaults.
// Returns an error if values are present but invalid.
func ParsePagination(r *http.Request) (Pagination, error) {
	p := Pagination{Limit: 50, Offset: 0}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("invalid limit %q: must be an integer", v)
		}
		if n < 1 {
			return p, fmt.Errorf("invalid limit %d: must be >= 1", n)
		}
		p.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("invalid offset %q: must be an integer", v)
		}
		if n < 0 {
			return p, fmt.Errorf("invalid offset %d: must be >= 0", n)
		}
		p.Offset = n
	}
	return p, nil
}

// QueryBool extracts a boolean query parameter.
func QueryBool(r *http.Request, name string) (bool, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// QueryString extracts a non-empty string query parameter.
func QueryString(r *http.Request, name string) (string, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", false
	}
	return v, true
}

// QueryTime extracts a time query parameter (RFC 3339).
func QueryTime(r *http.Request, name string) (time.Time, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
