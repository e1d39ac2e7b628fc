package workflow

import (
	"errors"

	"github.com/snarg/voice-sentinel/internal/classify"
	"github.com/snarg/voice-sentinel/internal/present"
	"github.com/snarg/voice-sentinel/internal/sample"
)

// Snapshot is a point-in-time view of a workflow for rendering.
type Snapshot struct {
	WorkflowID string           `json:"workflow_id"`
	State      State            `json:"state"`
	Seq        uint64           `json:"seq"`
	Sample     *sample.Metadata `json:"sample,omitempty"`
	Result     *Result          `json:"result,omitempty"`
	Failure    *Failure         `json:"failure,omitempty"`
}

// Result is the rendered verdict of a successful submission.
type Result struct {
	SampleRef string               `json:"sample_ref"`
	Display   present.DisplayModel `json:"display"`
	Provider  string               `json:"provider,omitempty"`
	Score     *float64             `json:"score,omitempty"`
	LatencyMS int64                `json:"latency_ms"`
}

// Failure describes why the last submission failed.
type Failure struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Snapshot returns the current view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		WorkflowID: c.id,
		State:      c.state,
		Seq:        c.seq,
	}
	if c.sample != nil {
		md := c.sample.Metadata()
		snap.Sample = &md
	}
	if c.state == Succeeded && c.verdict != nil {
		snap.Result = ResultOf(*c.verdict)
	}
	if c.state == Failed && c.failure != nil {
		snap.Failure = FailureOf(c.failure)
	}
	return snap
}

// Verdict returns the verdict held in Succeeded.
func (c *Controller) Verdict() (classify.Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Succeeded || c.verdict == nil {
		return classify.Verdict{}, false
	}
	return *c.verdict, true
}

// Failure returns the error held in Failed.
func (c *Controller) Failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Failed {
		return nil
	}
	return c.failure
}

// ResultOf renders a verdict.
func ResultOf(v classify.Verdict) *Result {
	return &Result{
		SampleRef: v.SampleRef.String(),
		Display:   present.Present(v),
		Provider:  v.Provider,
		Score:     v.Score,
		LatencyMS: v.Latency.Milliseconds(),
	}
}

// FailureOf describes a submission or validation error for display.
func FailureOf(err error) *Failure {
	var se *sample.Error
	if errors.As(err, &se) {
		return &Failure{
			Kind:    string(se.Kind),
			Message: sample.Message(se.Kind),
			Detail:  se.Detail,
		}
	}
	kind := classify.KindOf(err)
	return &Failure{
		Kind:      string(kind),
		Message:   classify.Message(kind),
		Detail:    err.Error(),
		Retryable: true,
	}
}
