package session

import (
	"errors"

	"github.com/snarg/voice-sentinel/internal/capture"
	"github.com/snarg/voice-sentinel/internal/classify"
	"github.com/snarg/voice-sentinel/internal/sample"
	"github.com/snarg/voice-sentinel/internal/workflow"
)

// ErrorView is the client-facing description of an error.
type ErrorView struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// ErrorPayload is the data of capture_error events.
type ErrorPayload struct {
	Error *ErrorView `json:"error"`
}

// RecordingPayload is the data of recording events.
type RecordingPayload struct {
	State          capture.RecorderState `json:"state"`
	Reason         capture.StopReason    `json:"reason,omitempty"`
	ElapsedSeconds int                   `json:"elapsed_seconds"`
	Elapsed        string                `json:"elapsed"`
	MaxSeconds     int                   `json:"max_seconds"`
	Sample         *sample.Metadata      `json:"sample,omitempty"`
	Error          *ErrorView            `json:"error,omitempty"`
}

// TransitionPayload is the data of transition events.
type TransitionPayload struct {
	Seq       uint64            `json:"seq"`
	From      workflow.State    `json:"from"`
	To        workflow.State    `json:"to"`
	Cause     workflow.Cause    `json:"cause"`
	SampleRef string            `json:"sample_ref,omitempty"`
	Sample    *sample.Metadata  `json:"sample,omitempty"`
	Result    *workflow.Result  `json:"result,omitempty"`
	Failure   *workflow.Failure `json:"failure,omitempty"`
	Notice    string            `json:"notice,omitempty"`
}

func transitionPayload(t workflow.Transition) TransitionPayload {
	p := TransitionPayload{
		Seq:   t.Seq,
		From:  t.From,
		To:    t.To,
		Cause: t.Cause,
	}
	if t.SampleRef != (sample.Ref{}) {
		p.SampleRef = t.SampleRef.String()
	}
	if t.Sample != nil {
		md := t.Sample.Metadata()
		p.Sample = &md
	}
	if t.Verdict != nil {
		p.Result = workflow.ResultOf(*t.Verdict)
	}
	if t.Err != nil {
		p.Failure = workflow.FailureOf(t.Err)
	}
	p.Notice = notice(t)
	return p
}

// notice is the short confirmation shown for a transition.
func notice(t workflow.Transition) string {
	switch t.To {
	case workflow.SampleReady:
		if t.Sample != nil && t.Sample.Kind() == sample.Recorded {
			return "Recording saved"
		}
		return "File uploaded successfully"
	case workflow.Succeeded:
		return "Analysis complete"
	case workflow.Failed:
		return "Analysis failed"
	}
	return ""
}

// ErrorViewOf maps capture, validation, classification and workflow errors to
// a code and user-facing message.
func ErrorViewOf(err error) *ErrorView {
	var se *sample.Error
	if errors.As(err, &se) {
		return &ErrorView{Code: string(se.Kind), Message: sample.Message(se.Kind), Detail: se.Detail}
	}
	var ce *classify.Error
	if errors.As(err, &ce) {
		return &ErrorView{Code: string(ce.Kind), Message: classify.Message(ce.Kind), Detail: err.Error()}
	}
	switch {
	case errors.Is(err, workflow.ErrAlreadyInProgress):
		return &ErrorView{Code: "already_in_progress", Message: "An analysis is already in progress."}
	case errors.Is(err, workflow.ErrNoSample):
		return &ErrorView{Code: "no_sample", Message: "Please upload or record audio first."}
	case errors.Is(err, workflow.ErrInvalidTransition):
		return &ErrorView{Code: "invalid_transition", Message: "That action is not available right now."}
	case errors.Is(err, workflow.ErrClosed):
		return &ErrorView{Code: "session_closed", Message: "This session has ended."}
	case errors.Is(err, capture.ErrNotRecording):
		return &ErrorView{Code: "not_recording", Message: "No recording is in progress."}
	}
	return &ErrorView{Code: "internal", Message: "Something went wrong.", Detail: err.Error()}
}
