// Package present maps classification verdicts to what the user sees.
package present

import "github.com/snarg/voice-sentinel/internal/classify"

// DisplayModel is the user-facing rendering of a verdict.
type DisplayModel struct {
	Label       string   `json:"label"`
	IsAuthentic bool     `json:"is_authentic"`
	Tone        string   `json:"tone"` // "success" or "danger"
	Confidence  int      `json:"confidence_percent"`
	ScoreBar    float64  `json:"score_bar"` // filled proportion of the bar, 0..1
	Summary     string   `json:"summary"`
	Meaning     string   `json:"meaning"`
	NextSteps   []string `json:"next_steps"`
}

const (
	LabelAuthentic = "Authentic Voice"
	LabelSynthetic = "AI-Generated Voice"
)

// Present renders v. Confidence values outside [0, 100] are clamped.
func Present(v classify.Verdict) DisplayModel {
	c := v.ConfidencePercent
	if c < 0 {
		c = 0
	}
	if c > 100 {
		c = 100
	}

	if v.IsAuthentic {
		return DisplayModel{
			Label:       LabelAuthentic,
			IsAuthentic: true,
			Tone:        "success",
			Confidence:  c,
			ScoreBar:    float64(c) / 100,
			Summary:     "Our system has detected natural voice patterns, breath variations, and phonetic markers consistent with human speech.",
			Meaning:     "Our analysis indicates this is likely a genuine human voice based on natural speech patterns, breathing rhythms, and vocal variations that are difficult for AI to replicate perfectly.",
			NextSteps: []string{
				"Even with a high confidence score for human voice, remain vigilant if the call seems suspicious.",
				"Verify the caller's identity through official channels if they request sensitive information.",
			},
		}
	}
	return DisplayModel{
		Label:       LabelSynthetic,
		IsAuthentic: false,
		Tone:        "danger",
		Confidence:  c,
		ScoreBar:    float64(c) / 100,
		Summary:     "Our system has detected unnatural intonation, uniform patterns, and audio artifacts typically found in AI-generated voice content.",
		Meaning:     "Our analysis indicates this is likely an AI-generated voice. We've detected patterns, uniformities, and subtle artifacts that are common in synthetic voice generation.",
		NextSteps: []string{
			"Be extremely cautious about any requests or information from this source.",
			"Do not share personal information, financial details, or access codes.",
			"Report the incident to relevant authorities or organizations.",
		},
	}
}
