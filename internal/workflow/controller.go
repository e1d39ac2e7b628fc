package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/voice-sentinel/internal/classify"
	"github.com/snarg/voice-sentinel/internal/metrics"
	"github.com/snarg/voice-sentinel/internal/sample"
)

// Options configures a Controller.
type Options struct {
	ID         string // default: random uuid
	Classifier classify.Classifier
	Limits     sample.Limits
	Observers  []Observer
	Log        zerolog.Logger
}

// submission is the single in-flight classification request.
type submission struct {
	id        uint64
	ref       sample.Ref
	cancel    context.CancelFunc
	startedAt time.Time
}

// Controller is the workflow state machine. All transitions are serialized;
// the classification call runs outside the lock and its completion is applied
// as a separate event.
type Controller struct {
	id         string
	classifier classify.Classifier
	log        zerolog.Logger
	baseCtx    context.Context
	cancelAll  context.CancelFunc
	wg         sync.WaitGroup

	mu          sync.Mutex
	state       State
	limits      sample.Limits
	sample      *sample.AudioSample
	verdict     *classify.Verdict
	failure     error
	inflight    *submission
	submissions uint64
	seq         uint64
	closed      bool
	changed     chan struct{}
	observers   []Observer
}

// New creates a controller in AwaitingSample.
func New(opts Options) *Controller {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		id:         id,
		classifier: opts.Classifier,
		log:        opts.Log.With().Str("component", "workflow").Str("workflow_id", id).Logger(),
		baseCtx:    ctx,
		cancelAll:  cancel,
		state:      AwaitingSample,
		limits:     opts.Limits,
		changed:    make(chan struct{}),
		observers:  append([]Observer(nil), opts.Observers...),
	}
}

// ID returns the workflow instance id.
func (c *Controller) ID() string { return c.id }

// Observe adds an observer for subsequent transitions.
func (c *Controller) Observe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// SetLimits changes the policy used by the submission-time re-check.
func (c *Controller) SetLimits(l sample.Limits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits = l
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Offer hands a captured sample to the workflow. The new sample replaces any
// held one. Offering while Submitting abandons the in-flight request; its
// verdict, if it still arrives, is discarded as stale.
func (c *Controller) Offer(s *sample.AudioSample) error {
	if s == nil {
		return ErrNoSample
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	switch c.state {
	case AwaitingSample:
		c.sample = s
		c.transition(SampleReady, CauseCapture, s.Ref(), nil, s, nil)
	case SampleReady:
		c.sample = s
		c.transition(SampleReady, CauseReplace, s.Ref(), nil, s, nil)
	case Submitting:
		c.abandonInflight()
		c.sample = s
		c.transition(SampleReady, CauseReplace, s.Ref(), nil, s, nil)
	default:
		return ErrInvalidTransition
	}
	return nil
}

// Discard drops the held sample before it is submitted.
func (c *Controller) Discard() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	switch c.state {
	case AwaitingSample:
		return nil
	case SampleReady:
		ref := c.sample.Ref()
		c.sample = nil
		c.transition(AwaitingSample, CauseDiscard, ref, nil, nil, nil)
		return nil
	default:
		return ErrInvalidTransition
	}
}

// Submit confirms analysis of the held sample.
func (c *Controller) Submit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	switch c.state {
	case Submitting:
		return ErrAlreadyInProgress
	case AwaitingSample:
		return ErrNoSample
	case SampleReady:
		return c.startSubmission(CauseSubmit)
	default:
		return ErrInvalidTransition
	}
}

// Retry re-submits the held sample after a failure with a fresh request.
func (c *Controller) Retry() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	switch c.state {
	case Failed:
		c.failure = nil
		return c.startSubmission(CauseRetry)
	case Submitting:
		return ErrAlreadyInProgress
	default:
		return ErrInvalidTransition
	}
}

// Reset ("analyze another") releases the sample and any verdict or failure.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	switch c.state {
	case AwaitingSample:
		return nil
	case Succeeded, Failed:
		ref := c.sample.Ref()
		c.sample = nil
		c.verdict = nil
		c.failure = nil
		c.transition(AwaitingSample, CauseReset, ref, nil, nil, nil)
		return nil
	default:
		return ErrInvalidTransition
	}
}

// Close cancels any in-flight request, releases the held sample and waits for
// the request goroutine to exit. Further calls fail with ErrClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.abandonInflight()
	c.sample = nil
	c.verdict = nil
	c.failure = nil
	c.mu.Unlock()

	c.cancelAll()
	c.wg.Wait()
	c.log.Debug().Msg("workflow closed")
}

// startSubmission re-validates the held sample and launches the request.
// Must be called with c.mu held.
func (c *Controller) startSubmission(cause Cause) error {
	s, err := sample.Validate(c.sample, c.limits)
	if err != nil {
		ref := c.sample.Ref()
		c.sample = nil
		c.log.Info().Err(err).Str("sample_ref", ref.String()).Msg("sample failed submission-time validation")
		c.transition(AwaitingSample, CauseValidation, ref, err, nil, nil)
		return err
	}

	c.submissions++
	ctx, cancel := context.WithCancel(c.baseCtx)
	sub := &submission{
		id:        c.submissions,
		ref:       s.Ref(),
		cancel:    cancel,
		startedAt: time.Now(),
	}
	c.inflight = sub
	c.transition(Submitting, cause, s.Ref(), nil, s, nil)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		v, err := c.classifier.Classify(ctx, s)
		c.complete(sub, v, err)
	}()
	return nil
}

// complete applies the outcome of sub. Outcomes for anything but the current
// submission are discarded. A current verdict naming another sample fails the
// submission as a malformed response.
func (c *Controller) complete(sub *submission, v *classify.Verdict, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(sub.startedAt)
	if c.inflight != sub {
		metrics.StaleVerdictsTotal.Inc()
		ev := c.log.Debug().
			Uint64("submission", sub.id).
			Str("submitted_ref", sub.ref.String()).
			Dur("elapsed", elapsed)
		if v != nil {
			ev = ev.Str("verdict_ref", v.SampleRef.String())
		}
		if err != nil {
			ev = ev.AnErr("outcome_err", err)
		}
		ev.Msg("discarding stale classification result")
		return
	}

	sub.cancel()
	c.inflight = nil

	if err == nil && (v == nil || v.SampleRef != sub.ref) {
		err = &classify.Error{
			Kind: classify.KindMalformedResponse,
			Err:  fmt.Errorf("verdict does not match submitted sample %s", sub.ref),
		}
	}

	if err != nil {
		kind := classify.KindOf(err)
		metrics.ClassificationsTotal.WithLabelValues(string(kind)).Inc()
		metrics.ClassificationDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
		c.failure = err
		c.log.Warn().Err(err).Str("sample_ref", sub.ref.String()).Str("kind", string(kind)).Msg("classification failed")
		c.transition(Failed, CauseFailure, sub.ref, err, c.sample, nil)
		return
	}

	metrics.ClassificationsTotal.WithLabelValues("ok").Inc()
	metrics.ClassificationDuration.WithLabelValues("ok").Observe(elapsed.Seconds())
	c.verdict = v
	c.log.Info().
		Str("sample_ref", sub.ref.String()).
		Bool("is_authentic", v.IsAuthentic).
		Int("confidence", v.ConfidencePercent).
		Dur("elapsed", elapsed).
		Msg("classification succeeded")
	c.transition(Succeeded, CauseVerdict, sub.ref, nil, c.sample, v)
}

// abandonInflight cancels the current request. Must be called with c.mu held.
func (c *Controller) abandonInflight() {
	if c.inflight == nil {
		return
	}
	c.inflight.cancel()
	c.log.Debug().Uint64("submission", c.inflight.id).Msg("in-flight classification abandoned")
	c.inflight = nil
}

// transition moves to state to and notifies observers. Must be called with c.mu held.
func (c *Controller) transition(to State, cause Cause, ref sample.Ref, err error, s *sample.AudioSample, v *classify.Verdict) {
	from := c.state
	c.state = to
	c.seq++

	close(c.changed)
	c.changed = make(chan struct{})

	metrics.WorkflowTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()

	t := Transition{
		Seq:        c.seq,
		WorkflowID: c.id,
		From:       from,
		To:         to,
		Cause:      cause,
		SampleRef:  ref,
		Err:        err,
		At:         time.Now().UTC(),
		Sample:     s,
		Verdict:    v,
	}
	c.log.Debug().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("cause", string(cause)).
		Msg("transition")
	for _, o := range c.observers {
		o(t)
	}
}

// Await blocks until the current submission settles and returns the snapshot.
// It returns immediately when nothing is being submitted.
func (c *Controller) Await(ctx context.Context) (Snapshot, error) {
	for {
		c.mu.Lock()
		st := c.state
		ch := c.changed
		c.mu.Unlock()

		if st != Submitting {
			return c.Snapshot(), nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return c.Snapshot(), ctx.Err()
		}
	}
}

