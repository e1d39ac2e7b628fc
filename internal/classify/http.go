package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/voice-sentinel/internal/sample"
)

// HTTPClient calls a voice classification service over HTTP. The request is a
// multipart/form-data POST with the audio in a single file field. The service
// may answer with a verdict body:
//
//	{"is_authentic": true, "confidence_percent": 92}
//
// or with a synthetic-voice probability body:
//
//	{"score": 0.08, "label": "Real Voice", "filename": "voice.wav"}
//
// where score > 0.5 means synthetic.
type HTTPClient struct {
	url       string
	fieldName string
	authToken string
	timeout   time.Duration
	client    *http.Client
	log       zerolog.Logger
}

// HTTPClientOptions configures an HTTPClient.
type HTTPClientOptions struct {
	URL       string
	FieldName string // default "audio_file"
	AuthToken string
	Timeout   time.Duration // default 30s
	Log       zerolog.Logger
}

// NewHTTPClient creates a classification client.
func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	if opts.FieldName == "" {
		opts.FieldName = "audio_file"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &HTTPClient{
		url:       opts.URL,
		fieldName: opts.FieldName,
		authToken: opts.AuthToken,
		timeout:   opts.Timeout,
		// The per-request deadline comes from the context so a timeout can be
		// told apart from other transport failures.
		client: &http.Client{},
		log:    opts.Log.With().Str("component", "classifier").Logger(),
	}
}

// Name returns the provider name.
func (c *HTTPClient) Name() string { return "http" }

// serviceResponse is the union of the accepted response bodies.
type serviceResponse struct {
	IsAuthentic       *bool    `json:"is_authentic"`
	ConfidencePercent *int     `json:"confidence_percent"`
	Score             *float64 `json:"score"`
	Label             string   `json:"label"`
	Filename          string   `json:"filename"`
	Error             string   `json:"error"`
}

// Classify sends s to the service. It resolves within the configured timeout
// or fails with ErrTimeout.
func (c *HTTPClient) Classify(ctx context.Context, s *sample.AudioSample) (*Verdict, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, c.fieldName, uploadName(s)))
	h.Set("Content-Type", s.MIMEType())
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(s.Payload()); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}
	w.WriteField("sample_ref", s.Ref().String())
	if d, ok := s.Duration(); ok {
		w.WriteField("duration_seconds", fmt.Sprintf("%.2f", d))
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, c.transportError(ctx, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		detail := string(body)
		var sr serviceResponse
		if json.Unmarshal(body, &sr) == nil && sr.Error != "" {
			detail = sr.Error
		}
		return nil, &Error{
			Kind: KindServiceUnavailable,
			Err:  fmt.Errorf("classifier API error (status %d): %s", resp.StatusCode, detail),
		}
	}

	var sr serviceResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, &Error{Kind: KindMalformedResponse, Err: fmt.Errorf("decode response: %w", err)}
	}

	v, err := sr.verdict()
	if err != nil {
		return nil, &Error{Kind: KindMalformedResponse, Err: err}
	}
	v.SampleRef = s.Ref()
	v.Provider = c.Name()
	v.Latency = time.Since(start)

	c.log.Debug().
		Str("sample_ref", s.Ref().String()).
		Bool("is_authentic", v.IsAuthentic).
		Int("confidence", v.ConfidencePercent).
		Dur("latency", v.Latency).
		Msg("classification complete")
	return v, nil
}

func (c *HTTPClient) transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: fmt.Errorf("no response within %s", c.timeout)}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return context.Canceled
	}
	return &Error{Kind: KindServiceUnavailable, Err: fmt.Errorf("classifier request: %w", err)}
}

func (sr serviceResponse) verdict() (*Verdict, error) {
	switch {
	case sr.IsAuthentic != nil && sr.ConfidencePercent != nil:
		if *sr.ConfidencePercent < 0 || *sr.ConfidencePercent > 100 {
			return nil, fmt.Errorf("confidence_percent %d out of range [0, 100]", *sr.ConfidencePercent)
		}
		return &Verdict{
			IsAuthentic:       *sr.IsAuthentic,
			ConfidencePercent: *sr.ConfidencePercent,
			Label:             sr.Label,
		}, nil
	case sr.Score != nil:
		return VerdictFromScore(*sr.Score, sr.Label)
	default:
		return nil, errors.New("response has neither a verdict nor a score")
	}
}

// VerdictFromScore converts a synthetic-voice probability into a verdict.
// Scores above 0.5 are synthetic; confidence is the probability of the chosen
// outcome as a whole percentage.
func VerdictFromScore(score float64, label string) (*Verdict, error) {
	if math.IsNaN(score) || score < 0 || score > 1 {
		return nil, fmt.Errorf("score %v out of range [0, 1]", score)
	}
	authentic := score <= 0.5
	p := score
	if authentic {
		p = 1 - score
	}
	return &Verdict{
		IsAuthentic:       authentic,
		ConfidencePercent: int(math.Round(p * 100)),
		Score:             &score,
		Label:             label,
	}, nil
}

func uploadName(s *sample.AudioSample) string {
	if s.DisplayName() != "" {
		return s.DisplayName()
	}
	return s.Ref().String() + s.Extension()
}
