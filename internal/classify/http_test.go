package classify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/voice-sentinel/internal/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSample() *sample.AudioSample {
	return sample.New(sample.Params{
		Payload:     []byte("fake-audio-data"),
		Kind:        sample.Uploaded,
		MIMEType:    "audio/wav",
		DisplayName: "voice.wav",
	})
}

func newTestClient(url string, timeout time.Duration) *HTTPClient {
	return NewHTTPClient(HTTPClientOptions{URL: url, Timeout: timeout, Log: zerolog.Nop()})
}

func TestClassify_VerdictBody(t *testing.T) {
	var gotField, gotFilename, gotRef, gotCT string
	var gotData []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("audio_file")
		if err != nil {
			http.Error(w, `{"error": "No file part"}`, http.StatusBadRequest)
			return
		}
		defer file.Close()
		gotField = "audio_file"
		gotFilename = header.Filename
		gotCT = header.Header.Get("Content-Type")
		gotData, _ = io.ReadAll(file)
		gotRef = r.FormValue("sample_ref")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"is_authentic": true, "confidence_percent": 92}`))
	}))
	defer srv.Close()

	s := testSample()
	v, err := newTestClient(srv.URL, time.Second).Classify(context.Background(), s)
	require.NoError(t, err)

	assert.True(t, v.IsAuthentic)
	assert.Equal(t, 92, v.ConfidencePercent)
	assert.Equal(t, s.Ref(), v.SampleRef)
	assert.Equal(t, "audio_file", gotField)
	assert.Equal(t, "voice.wav", gotFilename)
	assert.Equal(t, "audio/wav", gotCT)
	assert.Equal(t, []byte("fake-audio-data"), gotData)
	assert.Equal(t, s.Ref().String(), gotRef)
}

func TestClassify_ScoreBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"score": 0.87, "label": "Fake VOICE", "filename": "voice.wav"}`))
	}))
	defer srv.Close()

	v, err := newTestClient(srv.URL, time.Second).Classify(context.Background(), testSample())
	require.NoError(t, err)
	assert.False(t, v.IsAuthentic)
	assert.Equal(t, 87, v.ConfidencePercent)
	assert.Equal(t, "Fake VOICE", v.Label)
	require.NotNil(t, v.Score)
	assert.InDelta(t, 0.87, *v.Score, 1e-9)
}

func TestClassify_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"server_error", http.StatusInternalServerError, `{"error": "model crashed"}`, ErrServiceUnavailable},
		{"rejected_file", http.StatusBadRequest, `{"error": "File type not allowed"}`, ErrServiceUnavailable},
		{"not_json", http.StatusOK, `<html>oops</html>`, ErrMalformedResponse},
		{"empty_object", http.StatusOK, `{}`, ErrMalformedResponse},
		{"confidence_out_of_range", http.StatusOK, `{"is_authentic": false, "confidence_percent": 140}`, ErrMalformedResponse},
		{"score_out_of_range", http.StatusOK, `{"score": 1.5}`, ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			v, err := newTestClient(srv.URL, time.Second).Classify(context.Background(), testSample())
			assert.Nil(t, v)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestClassify_ErrorDetailFromBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "No file part"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, time.Second).Classify(context.Background(), testSample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No file part")
	assert.Equal(t, KindServiceUnavailable, KindOf(err))
}

func TestClassify_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := newTestClient(srv.URL, 50*time.Millisecond).Classify(context.Background(), testSample())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClassify_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url, time.Second).Classify(context.Background(), testSample())
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestClassify_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := newTestClient(srv.URL, 5*time.Second).Classify(ctx, testSample())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVerdictFromScore(t *testing.T) {
	tests := []struct {
		score      float64
		authentic  bool
		confidence int
	}{
		{0.0, true, 100},
		{0.08, true, 92},
		{0.5, true, 50},
		{0.51, false, 51},
		{0.87, false, 87},
		{1.0, false, 100},
	}
	for _, tt := range tests {
		v, err := VerdictFromScore(tt.score, "")
		require.NoError(t, err)
		assert.Equal(t, tt.authentic, v.IsAuthentic, "score %v", tt.score)
		assert.Equal(t, tt.confidence, v.ConfidencePercent, "score %v", tt.score)
	}

	_, err := VerdictFromScore(-0.1, "")
	assert.Error(t, err)
}

func TestMessageByKind(t *testing.T) {
	assert.Contains(t, Message(KindTimeout), "too long")
	assert.Contains(t, Message(KindServiceUnavailable), "unavailable")
	assert.Equal(t, KindTimeout, KindOf(&Error{Kind: KindTimeout}))
}
