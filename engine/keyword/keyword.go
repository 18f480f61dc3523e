// Package keyword is a small first-match engine used as a fallback when a
// richer engine is unavailable.
package keyword

import (
	"context"
	"strings"

	"github.com/dhcgn/mbox-mood/engine"
	"github.com/dhcgn/mbox-mood/model"
)

type rule struct {
	terms    []string
	analysis model.Analysis
}

var rules = []rule{
	{
		terms: []string{"urgent", "asap", "immediately", "deadline", "critical"},
		analysis: model.Analysis{
			Tone:        model.ToneUrgentTense,
			Confidence:  0.71,
			Explanation: "Keyword fallback detected urgency-oriented language.",
			Emotions:    []model.Emotion{{Name: "urgency", Intensity: 0.82}, {Name: "stress", Intensity: 0.62}},
		},
	},
	{
		terms: []string{"sorry", "apolog", "regret", "my fault"},
		analysis: model.Analysis{
			Tone:        model.ToneApologeticAnxious,
			Confidence:  0.69,
			Explanation: "Keyword fallback found apologetic wording.",
			Emotions:    []model.Emotion{{Name: "anxiety", Intensity: 0.63}, {Name: "remorse", Intensity: 0.7}},
		},
	},
	{
		terms: []string{"thanks", "appreciate", "great", "excited", "happy"},
		analysis: model.Analysis{
			Tone:        model.ToneWarmPositive,
			Confidence:  0.67,
			Explanation: "Keyword fallback found positive and appreciative phrasing.",
			Emotions:    []model.Emotion{{Name: "warmth", Intensity: 0.65}, {Name: "optimism", Intensity: 0.58}},
		},
	},
}

var neutral = model.Analysis{
	Tone:        model.ToneNeutralAutomated,
	Confidence:  0.58,
	Explanation: "Keyword fallback could not detect a strong emotional signal.",
	Emotions:    []model.Emotion{{Name: model.TagNeutral, Intensity: 0.38}},
}

type Analyzer struct {
	sensitivity float64
}

func New(opts engine.Options) (*Analyzer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Analyzer{sensitivity: opts.Sensitivity}, nil
}

func (a *Analyzer) Analyze(ctx context.Context, text string) (model.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return model.Analysis{}, err
	}

	normalized := strings.ToLower(text)
	for _, r := range rules {
		for _, term := range r.terms {
			if strings.Contains(normalized, term) {
				return engine.Finish(clone(r.analysis), a.sensitivity), nil
			}
		}
	}
	return engine.Finish(clone(neutral), a.sensitivity), nil
}

func clone(a model.Analysis) model.Analysis {
	a.Emotions = append([]model.Emotion(nil), a.Emotions...)
	return a
}
