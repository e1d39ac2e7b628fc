package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/snarg/voice-sentinel/internal/classify"
	"github.com/snarg/voice-sentinel/internal/config"
	"github.com/snarg/voice-sentinel/internal/sample"
	"github.com/snarg/voice-sentinel/internal/session"
	"github.com/stretchr/testify/require"
)

// classifierFunc adapts a function to classify.Classifier.
type classifierFunc func(ctx context.Context, s *sample.AudioSample) (*classify.Verdict, error)

func (f classifierFunc) Name() string { return "test" }

func (f classifierFunc) Classify(ctx context.Context, s *sample.AudioSample) (*classify.Verdict, error) {
	return f(ctx, s)
}

func authentic(confidence int) classifierFunc {
	return func(ctx context.Context, s *sample.AudioSample) (*classify.Verdict, error) {
		score := 0.1
		return &classify.Verdict{
			IsAuthentic:       true,
			ConfidencePercent: confidence,
			SampleRef:         s.Ref(),
			Score:             &score,
			Label:             "Real Voice",
		}, nil
	}
}

// gated blocks every request until release is closed.
func gated(release <-chan struct{}) classifierFunc {
	return func(ctx context.Context, s *sample.AudioSample) (*classify.Verdict, error) {
		select {
		case <-release:
			return authentic(80)(ctx, s)
		case <-ctx.Done():
			return nil, &classify.Error{Kind: classify.KindServiceUnavailable, Err: ctx.Err()}
		}
	}
}

type testEnv struct {
	server   *Server
	handler  http.Handler
	sessions *session.Registry
}

type envOption func(*config.Config, *ServerOptions)

func withAuth(token string) envOption {
	return func(c *config.Config, _ *ServerOptions) { c.AuthToken = token }
}

func withMaxBytes(n int64) envOption {
	return func(c *config.Config, _ *ServerOptions) { c.MaxSampleBytes = n }
}

func withAnalyses(l AnalysisLister) envOption {
	return func(_ *config.Config, o *ServerOptions) { o.Analyses = l }
}

func newTestEnv(t *testing.T, cls classify.Classifier, opts ...envOption) *testEnv {
	t.Helper()
	cfg := &config.Config{
		HTTPAddr:            ":0",
		MaxSampleBytes:      1 << 20,
		MaxRecordingSeconds: 60,
		ClassifierURL:       "http://classifier.test/predict",
	}
	so := ServerOptions{Config: cfg, Log: zerolog.Nop()}
	for _, o := range opts {
		o(cfg, &so)
	}
	reg := session.NewRegistry(session.Options{
		Classifier: cls,
		Limits:     cfg.Limits(),
		Log:        zerolog.Nop(),
	})
	t.Cleanup(reg.Stop)
	so.Sessions = reg
	so.Health = HealthOptions{ClassifierURL: cfg.ClassifierURL, Sessions: reg.SessionCount, Version: "test"}

	srv := NewServer(so)
	return &testEnv{server: srv, handler: srv.Handler(), sessions: reg}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	rec := e.do(t, "POST", "/api/v1/sessions", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp createSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func wavBytes(n int) []byte {
	return append([]byte("RIFF\x24\x00\x00\x00WAVEfmt "), make([]byte, n)...)
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func (e *testEnv) upload(t *testing.T, id string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, "audio_file", "voice.wav", data)
	return e.do(t, "POST", "/api/v1/sessions/"+id+"/sample", body, ct)
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) session.Snapshot {
	t.Helper()
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap), rec.Body.String())
	return snap
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}
