// Package engine defines the analysis capability consumed by the annotator
// and the rules that turn emotion intensities into a mood score, a primary
// tag and an alert flag.
package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/dhcgn/mbox-mood/model"
)

// DefaultSensitivity is the alert sensitivity used when none is configured.
const DefaultSensitivity = 0.7

// Engine names accepted by the CLI.
const (
	NameLexicon = "lexicon"
	NameKeyword = "keyword"
	NameRemote  = "remote"
	NameGemini  = "gemini"
)

// Analyzer scores a cleaned text payload.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (model.Analysis, error)
}

// Func adapts a plain function to the Analyzer interface.
type Func func(ctx context.Context, text string) (model.Analysis, error)

func (f Func) Analyze(ctx context.Context, text string) (model.Analysis, error) {
	return f(ctx, text)
}

// Options are shared by all engines.
type Options struct {
	Sensitivity float64
}

// Validate checks the option ranges.
func (o Options) Validate() error {
	if o.Sensitivity < 0 || o.Sensitivity > 1 || math.IsNaN(o.Sensitivity) {
		return fmt.Errorf("sensitivity must be within [0, 1], got %v", o.Sensitivity)
	}
	return nil
}

// Summarize derives the mood score, the primary tag and the alert flag from
// a set of emotion intensities. Higher sensitivity lowers the alert
// thresholds; a sensitivity of zero never alerts.
func Summarize(emotions []model.Emotion, sensitivity float64) (score float64, tag string, alert bool) {
	intensity := make(map[string]float64, len(emotions))
	tag = model.TagNeutral
	top := 0.0
	for _, e := range emotions {
		v := Clamp01(e.Intensity)
		intensity[e.Name] += v
		if v > top {
			top = v
			tag = e.Name
		}
	}

	positive := intensity["warmth"] + 0.4*intensity["professionalism"]
	negative := intensity["concern"] + 0.8*intensity["anxiety"] + 0.9*intensity["stress"] + 0.6*intensity["urgency"]
	score = math.Round(clamp(positive-negative, -1, 1)*1000) / 1000

	if sensitivity <= 0 {
		return score, tag, false
	}
	threshold := 1 - Clamp01(sensitivity)
	alert = score <= -threshold ||
		intensity["stress"] >= threshold ||
		intensity["urgency"]+intensity["anxiety"] >= 2*threshold
	return score, tag, alert
}

// Finish fills the score, tag and alert fields of a from its emotions.
func Finish(a model.Analysis, sensitivity float64) model.Analysis {
	a.Score, a.TopEmotion, a.Alert = Summarize(a.Emotions, sensitivity)
	return a
}

// Clamp01 limits v to [0, 1].
func Clamp01(v float64) float64 {
	return clamp(v, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
