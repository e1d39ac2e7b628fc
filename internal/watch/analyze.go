package watch

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/snarg/voice-sentinel/internal/capture"
	"github.com/snarg/voice-sentinel/internal/classify"
	"github.com/snarg/voice-sentinel/internal/session"
)

// Error codes for outcomes that never reach the workflow.
const (
	CodeOpenFailed = "open_failed"
	CodeCancelled  = "cancelled"
)

// Analyze runs the file at path through a fresh session of reg and returns
// the record for it. The session is deleted before Analyze returns.
//
// Validation and classification outcomes are reported in the record with a
// nil error. The error is non-nil when the file could not be read, when the
// workflow did not settle within timeout, or when ctx ended; the record then
// carries the matching error view.
func Analyze(ctx context.Context, reg *session.Registry, path string, via capture.Entry, timeout time.Duration) (Sidecar, error) {
	sess := reg.Create()
	defer reg.Delete(sess.ID)

	rec := Sidecar{File: path, SessionID: sess.ID}

	f, info, err := openRegular(path)
	if err != nil {
		rec.Error = &session.ErrorView{Code: CodeOpenFailed, Message: err.Error()}
		rec.AnalyzedAt = time.Now().UTC()
		return rec, err
	}
	defer f.Close()

	_, err = sess.Upload(capture.FileInput{
		Name:      filepath.Base(path),
		MIMEType:  mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
		SizeBytes: info.Size(),
		Content:   f,
		Via:       via,
	})
	if err == nil {
		err = sess.Workflow().Submit()
	}
	if err != nil {
		rec.Error = session.ErrorViewOf(err)
		rec.AnalyzedAt = time.Now().UTC()
		return rec, nil
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	snap, err := sess.Workflow().Await(actx)
	cancel()
	rec.AnalyzedAt = time.Now().UTC()
	switch {
	case err == nil:
		rec.State = snap.State
		rec.Result = snap.Result
		rec.Failure = snap.Failure
		return rec, nil
	case ctx.Err() != nil:
		rec.Error = &session.ErrorView{Code: CodeCancelled, Message: "The analysis was cancelled."}
		return rec, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		terr := &classify.Error{Kind: classify.KindTimeout, Err: err}
		rec.Error = session.ErrorViewOf(terr)
		return rec, terr
	default:
		rec.Error = session.ErrorViewOf(err)
		return rec, err
	}
}

func openRegular(path string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, fmt.Errorf("%s is a directory", path)
	}
	return f, info, nil
}
