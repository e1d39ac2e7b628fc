// Package watch turns a directory into an analysis inbox: every audio file
// dropped into it goes through the upload path of a fresh session, is
// submitted for classification, and gets a JSON verdict written next to it.
package watch

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/snarg/voice-sentinel/internal/capture"
	"github.com/snarg/voice-sentinel/internal/session"
	"github.com/snarg/voice-sentinel/internal/workflow"
)

// SidecarSuffix is appended to an input file's name to form its result file.
const SidecarSuffix = ".verdict.json"

// Options configures a Watcher.
type Options struct {
	Dir      string
	Registry *session.Registry
	// Backfill analyzes files already present without a sidecar.
	Backfill       bool
	Debounce       time.Duration // default 500ms
	AnalyzeTimeout time.Duration // default 2m
	Log            zerolog.Logger
}

// Status is the watcher summary for the health endpoint.
type Status struct {
	Status         string `json:"status"`
	WatchDir       string `json:"watch_dir"`
	FilesProcessed int64  `json:"files_processed"`
	FilesSkipped   int64  `json:"files_skipped"`
}

// Sidecar is the JSON document written next to each analyzed file.
type Sidecar struct {
	File       string             `json:"file"`
	SessionID  string             `json:"session_id"`
	AnalyzedAt time.Time          `json:"analyzed_at"`
	State      workflow.State     `json:"state"`
	Result     *workflow.Result   `json:"result,omitempty"`
	Failure    *workflow.Failure  `json:"failure,omitempty"`
	Error      *session.ErrorView `json:"error,omitempty"`
}

// Watcher monitors a directory for new audio files.
type Watcher struct {
	opts Options
	log  zerolog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
	stopped        bool // set by Stop; no timer callback starts work after it

	filesProcessed atomic.Int64
	filesSkipped   atomic.Int64
	status         atomic.Value // string: "starting", "backfilling", "watching", "stopped"
}

// New creates a watcher; call Start to begin watching.
func New(opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.AnalyzeTimeout <= 0 {
		opts.AnalyzeTimeout = 2 * time.Minute
	}
	w := &Watcher{
		opts:           opts,
		log:            opts.Log.With().Str("component", "watcher").Logger(),
		debounceTimers: make(map[string]*time.Timer),
	}
	w.status.Store("starting")
	return w
}

// Start adds the directory tree to fsnotify and begins watching. Processing is
// cancelled when ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.opts.Dir, 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw

	dirCount := 0
	err = filepath.WalkDir(w.opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.log.Warn().Err(err).Str("path", path).Msg("error walking directory")
			return nil
		}
		if d.IsDir() {
			if addErr := fw.Add(path); addErr != nil {
				w.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
			} else {
				dirCount++
			}
		}
		return nil
	})
	if err != nil {
		fw.Close()
		return err
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.log.Info().
		Int("directories", dirCount).
		Str("watch_dir", w.opts.Dir).
		Msg("file watcher initialized")

	w.wg.Add(1)
	go w.watchLoop()

	if w.opts.Backfill {
		w.wg.Add(1)
		go w.backfill()
	} else {
		w.status.Store("watching")
	}
	return nil
}

// Stop closes the fsnotify watcher and cancels in-flight analyses.
func (w *Watcher) Stop() {
	w.status.Store("stopped")
	if w.cancel != nil {
		w.cancel()
	}
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.debounceMu.Lock()
	w.stopped = true
	for path, t := range w.debounceTimers {
		t.Stop()
		delete(w.debounceTimers, path)
	}
	w.debounceMu.Unlock()
	w.wg.Wait()
	w.log.Info().
		Int64("files_processed", w.filesProcessed.Load()).
		Int64("files_skipped", w.filesSkipped.Load()).
		Msg("file watcher stopped")
}

// Status returns the current watcher status.
func (w *Watcher) Status() Status {
	s, _ := w.status.Load().(string)
	return Status{
		Status:         s,
		WatchDir:       w.opts.Dir,
		FilesProcessed: w.filesProcessed.Load(),
		FilesSkipped:   w.filesSkipped.Load(),
	}
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := w.watcher.Add(event.Name); err != nil {
					w.log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
				} else {
					w.log.Debug().Str("path", event.Name).Msg("watching new directory")
				}
				continue
			}

			if !Candidate(event.Name) {
				continue
			}
			w.scheduleProcess(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleProcess waits for a quiet period on path so the file is fully
// written before it is read.
func (w *Watcher) scheduleProcess(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.stopped {
		return
	}
	if t, ok := w.debounceTimers[path]; ok {
		t.Reset(w.opts.Debounce)
		return
	}

	w.debounceTimers[path] = time.AfterFunc(w.opts.Debounce, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		if w.stopped {
			w.debounceMu.Unlock()
			return
		}
		w.wg.Add(1)
		w.debounceMu.Unlock()

		defer w.wg.Done()
		w.ProcessFile(w.ctx, path)
	})
}

// ProcessFile analyzes one file in a throwaway session and writes its sidecar.
// Files that cannot be read or whose analysis does not settle get no sidecar
// and are retried by the next backfill.
func (w *Watcher) ProcessFile(ctx context.Context, path string) {
	log := w.log.With().Str("path", path).Logger()

	out, err := Analyze(ctx, w.opts.Registry, path, capture.EntryWatch, w.opts.AnalyzeTimeout)
	if err != nil {
		log.Warn().Err(err).Str("session_id", out.SessionID).Msg("watched file skipped")
		w.filesSkipped.Add(1)
		return
	}
	out.File = filepath.Base(path)

	if err := writeSidecar(path, out); err != nil {
		log.Warn().Err(err).Msg("failed to write verdict file")
	}
	w.filesProcessed.Add(1)

	ev := log.Info().Str("session_id", out.SessionID)
	switch {
	case out.Result != nil:
		ev = ev.Str("label", out.Result.Display.Label).Int("confidence", out.Result.Display.Confidence)
	case out.Failure != nil:
		ev = ev.Str("failure", out.Failure.Kind)
	case out.Error != nil:
		ev = ev.Str("error", out.Error.Code)
	}
	ev.Msg("watched file analyzed")
}

// backfill analyzes files that were dropped while the watcher was down.
func (w *Watcher) backfill() {
	defer w.wg.Done()
	w.status.Store("backfilling")
	start := time.Now()

	var files []string
	_ = filepath.WalkDir(w.opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !Candidate(path) {
			return nil
		}
		if _, err := os.Stat(path + SidecarSuffix); err == nil {
			return nil
		}
		files = append(files, path)
		return nil
	})

	w.log.Info().Int("files", len(files)).Msg("backfill starting")
	for i, path := range files {
		if w.ctx.Err() != nil {
			w.log.Info().Int("processed", i).Msg("backfill interrupted by shutdown")
			return
		}
		w.ProcessFile(w.ctx, path)
	}

	w.status.Store("watching")
	w.log.Info().
		Int("processed", len(files)).
		Dur("elapsed", time.Since(start)).
		Msg("backfill complete")
}

// Candidate reports whether path looks like an input file: not hidden, not a
// partial download, not a sidecar.
func Candidate(path string) bool {
	name := filepath.Base(path)
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(name, "."):
		return false
	case strings.HasSuffix(lower, SidecarSuffix):
		return false
	case strings.HasSuffix(lower, ".tmp"), strings.HasSuffix(lower, ".part"):
		return false
	}
	return true
}

func writeSidecar(path string, s Sidecar) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + SidecarSuffix + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path+SidecarSuffix); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
