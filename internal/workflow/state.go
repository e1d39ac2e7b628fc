// Package workflow implements the capture-to-result state machine for one user
// session: a sample is captured, submitted for classification, and the verdict
// or failure is held until the user starts over.
package workflow

import (
	"errors"
	"time"

	"github.com/snarg/voice-sentinel/internal/classify"
	"github.com/snarg/voice-sentinel/internal/sample"
)

// State is the workflow stage exposed to the presentation layer.
type State string

const (
	AwaitingSample State = "awaiting_sample"
	SampleReady    State = "sample_ready"
	Submitting     State = "submitting"
	Succeeded      State = "succeeded"
	Failed         State = "failed"
)

// Settled reports whether s ends a submission.
func (s State) Settled() bool { return s == Succeeded || s == Failed }

var (
	ErrAlreadyInProgress = errors.New("classification already in progress")
	ErrNoSample          = errors.New("no sample to analyze")
	ErrInvalidTransition = errors.New("invalid workflow transition")
	ErrClosed            = errors.New("workflow closed")
)

// Cause names the event that fired a transition.
type Cause string

const (
	CauseCapture    Cause = "capture"
	CauseReplace    Cause = "replace"
	CauseDiscard    Cause = "discard"
	CauseSubmit     Cause = "submit"
	CauseRetry      Cause = "retry"
	CauseValidation Cause = "validation"
	CauseVerdict    Cause = "verdict"
	CauseFailure    Cause = "failure"
	CauseReset      Cause = "reset"
)

// Transition describes one state change. Sample and Verdict are set when the
// transition concerns them.
type Transition struct {
	Seq        uint64
	WorkflowID string
	From       State
	To         State
	Cause      Cause
	SampleRef  sample.Ref
	Err        error
	At         time.Time

	Sample  *sample.AudioSample
	Verdict *classify.Verdict
}

// Observer is notified of every transition, in order. Observers run while the
// controller is locked: they must not block and must not call back into the
// controller.
type Observer func(Transition)
