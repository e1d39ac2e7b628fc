package mqttclient

import (
	"time"

	"github.com/snarg/voice-sentinel/internal/sample"
	"github.com/snarg/voice-sentinel/internal/workflow"
)

// TransitionMessage is the payload published for each workflow transition.
type TransitionMessage struct {
	SessionID         string    `json:"session_id"`
	Seq               uint64    `json:"seq"`
	From              string    `json:"from"`
	To                string    `json:"to"`
	Cause             string    `json:"cause"`
	SampleRef         string    `json:"sample_ref,omitempty"`
	SourceKind        string    `json:"source_kind,omitempty"`
	IsAuthentic       *bool     `json:"is_authentic,omitempty"`
	ConfidencePercent *int      `json:"confidence_percent,omitempty"`
	ErrorKind         string    `json:"error_kind,omitempty"`
	At                time.Time `json:"at"`
}

// NewTransitionMessage builds the published payload for t.
func NewTransitionMessage(t workflow.Transition) TransitionMessage {
	m := TransitionMessage{
		SessionID: t.WorkflowID,
		Seq:       t.Seq,
		From:      string(t.From),
		To:        string(t.To),
		Cause:     string(t.Cause),
		At:        t.At,
	}
	if t.SampleRef != (sample.Ref{}) {
		m.SampleRef = t.SampleRef.String()
	}
	if t.Sample != nil {
		m.SourceKind = string(t.Sample.Kind())
	}
	if t.Verdict != nil {
		authentic := t.Verdict.IsAuthentic
		confidence := t.Verdict.ConfidencePercent
		m.IsAuthentic = &authentic
		m.ConfidencePercent = &confidence
	}
	if t.Err != nil {
		m.ErrorKind = workflow.FailureOf(t.Err).Kind
	}
	return m
}

// TransitionTopic is the topic suffix for a session's transitions.
func TransitionTopic(sessionID string) string {
	return "sessions/" + sessionID + "/transition"
}

// TransitionObserver returns a workflow observer that publishes every
// transition.
func (c *Client) TransitionObserver() workflow.Observer {
	return func(t workflow.Transition) {
		c.PublishJSON(TransitionTopic(t.WorkflowID), NewTransitionMessage(t))
	}
}
