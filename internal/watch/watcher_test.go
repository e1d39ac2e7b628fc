package watch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/voice-sentinel/internal/classify"
	"github.com/snarg/voice-sentinel/internal/sample"
	"github.com/snarg/voice-sentinel/internal/session"
	"github.com/snarg/voice-sentinel/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClassifier struct{ authentic bool }

func (stubClassifier) Name() string { return "stub" }

func (c stubClassifier) Classify(ctx context.Context, s *sample.AudioSample) (*classify.Verdict, error) {
	return &classify.Verdict{IsAuthentic: c.authentic, ConfidencePercent: 91, SampleRef: s.Ref()}, nil
}

func newTestWatcher(t *testing.T, dir string, backfill bool) *Watcher {
	t.Helper()
	reg := session.NewRegistry(session.Options{
		Classifier: stubClassifier{authentic: false},
		Limits:     sample.DefaultLimits(),
		Log:        zerolog.Nop(),
	})
	t.Cleanup(reg.Stop)
	return New(Options{
		Dir:      dir,
		Registry: reg,
		Backfill: backfill,
		Debounce: 20 * time.Millisecond,
		Log:      zerolog.Nop(),
	})
}

func writeWAV(t *testing.T, path string) {
	t.Helper()
	data := append([]byte("RIFF\x24\x00\x00\x00WAVEfmt "), make([]byte, 64)...)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func readSidecar(t *testing.T, path string) Sidecar {
	t.Helper()
	data, err := os.ReadFile(path + SidecarSuffix)
	require.NoError(t, err)
	var s Sidecar
	require.NoError(t, json.Unmarshal(data, &s))
	return s
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s was not written", path)
}

func TestProcessFileWritesVerdict(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir, false)
	path := filepath.Join(dir, "call.wav")
	writeWAV(t, path)

	w.ProcessFile(context.Background(), path)

	s := readSidecar(t, path)
	assert.Equal(t, "call.wav", s.File)
	assert.Equal(t, workflow.Succeeded, s.State)
	require.NotNil(t, s.Result)
	assert.Equal(t, "AI-Generated Voice", s.Result.Display.Label)
	assert.Equal(t, 91, s.Result.Display.Confidence)
	assert.Nil(t, s.Error)
	assert.Equal(t, int64(1), w.Status().FilesProcessed)
}

func TestProcessFileRejectsNonAudio(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir, false)
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello, this is plain text"), 0o644))

	w.ProcessFile(context.Background(), path)

	s := readSidecar(t, path)
	require.NotNil(t, s.Error)
	assert.Equal(t, "invalid_format", s.Error.Code)
	assert.Nil(t, s.Result)
}

func TestProcessFileDeletesSession(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir, false)
	path := filepath.Join(dir, "call.wav")
	writeWAV(t, path)

	w.ProcessFile(context.Background(), path)
	assert.Equal(t, 0, w.opts.Registry.SessionCount())
}

func TestWatcherPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir, false)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	assert.Equal(t, "watching", w.Status().Status)

	path := filepath.Join(dir, "dropped.wav")
	writeWAV(t, path)

	waitForFile(t, path+SidecarSuffix)
	assert.Equal(t, workflow.Succeeded, readSidecar(t, path).State)
}

func TestStopDropsPendingFiles(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir, false)
	w.opts.Debounce = 200 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))

	path := filepath.Join(dir, "late.wav")
	writeWAV(t, path)
	w.scheduleProcess(path)
	w.Stop()

	w.scheduleProcess(path)
	w.debounceMu.Lock()
	assert.Empty(t, w.debounceTimers, "no timer is armed after Stop")
	w.debounceMu.Unlock()

	time.Sleep(2 * w.opts.Debounce)
	_, err := os.Stat(path + SidecarSuffix)
	assert.True(t, os.IsNotExist(err), "no analysis runs after Stop")
	assert.Zero(t, w.Status().FilesProcessed)
}

func TestBackfillSkipsAnalyzedFiles(t *testing.T) {
	dir := t.TempDir()
	done := filepath.Join(dir, "done.wav")
	writeWAV(t, done)
	require.NoError(t, os.WriteFile(done+SidecarSuffix, []byte(`{"file":"done.wav"}`), 0o644))
	pending := filepath.Join(dir, "pending.wav")
	writeWAV(t, pending)

	w := newTestWatcher(t, dir, true)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	waitForFile(t, pending+SidecarSuffix)
	assert.Equal(t, workflow.Succeeded, readSidecar(t, pending).State)
	assert.Empty(t, readSidecar(t, done).SessionID, "existing sidecar was rewritten")
}

func TestCandidate(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/in/call.wav", true},
		{"/in/call.mp3", true},
		{"/in/.hidden.wav", false},
		{"/in/call.wav" + SidecarSuffix, false},
		{"/in/call.wav.part", false},
		{"/in/call.wav.verdict.json.tmp", false},
	}
	for _, tt := range tests {
		if got := Candidate(tt.path); got != tt.want {
			t.Errorf("Candidate(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
