// Package rewrite softens a draft towards a target tone.
package rewrite

import (
	"regexp"
	"strings"

	"github.com/dhcgn/mbox-mood/model"
)

// ToneDetector reports the tone of a text without applying a sensitivity.
type ToneDetector interface {
	Tone(text string) model.Analysis
}

// Result mirrors the /rewrite response body.
type Result struct {
	Original  string `json:"original"`
	Rewritten string `json:"rewritten"`
	Strategy  string `json:"strategy"`
}

type replacement struct {
	re   *regexp.Regexp
	with string
}

var softeners = []replacement{
	{regexp.MustCompile(`(?i)\bASAP\b`), "as soon as possible"},
	{regexp.MustCompile(`(?i)\bmust\b`), "could"},
	{regexp.MustCompile(`(?i)\byou need to\b`), "could you"},
	{regexp.MustCompile(`(?i)\bwhy didn't you\b`), "could you help me understand why"},
	{regexp.MustCompile(`(?i)\bthis is unacceptable\b`), "this is concerning"},
	{regexp.MustCompile(`(?i)\bI need this now\b`), "I would appreciate a quick turnaround"},
}

var (
	greetingRe  = regexp.MustCompile(`(?i)^(hi|hello|hey)\b`)
	thanksRe    = regexp.MustCompile(`(?i)\bthanks\b|\bthank you\b`)
	firstPerson = regexp.MustCompile(`\bI\b`)
	innerBang   = regexp.MustCompile(`\b!\b`)
	bangs       = regexp.MustCompile(`\s*!+`)
	nowRe       = regexp.MustCompile(`(?i)\bnow\b`)
	sentenceRe  = regexp.MustCompile(`(^|[.!?]\s+)[a-z]`)
)

// Rewriter rewrites drafts. The zero value is not usable; use New.
type Rewriter struct {
	detector ToneDetector
}

func New(detector ToneDetector) *Rewriter {
	return &Rewriter{detector: detector}
}

// Rewrite adjusts text towards target. An empty target means
// calm_professional; targets without a dedicated strategy, known or not, get
// minimal edits.
func (r *Rewriter) Rewrite(text, target string) Result {
	if target == "" {
		target = model.ToneCalmProfessional
	}

	original := strings.TrimSpace(text)
	rewritten := original
	strategy := "Applied minimal edits to improve readability."

	switch target {
	case model.ToneCalmProfessional:
		rewritten = soften(original)
		strategy = "Softened directive language and reduced tension markers."
	case model.ToneWarmPositive:
		rewritten = addWarmth(soften(original))
		strategy = "Added positive framing and appreciation language."
	case model.ToneNeutralAutomated:
		rewritten = innerBang.ReplaceAllString(firstPerson.ReplaceAllString(original, "We"), ".")
		strategy = "Reduced personal emphasis for neutral transactional tone."
	}

	if target != model.ToneUrgentTense && r.detector.Tone(original).Tone == model.ToneUrgentTense {
		rewritten = nowRe.ReplaceAllString(bangs.ReplaceAllString(rewritten, "."), "soon")
	}

	return Result{
		Original:  original,
		Rewritten: capitalizeSentences(rewritten),
		Strategy:  strategy,
	}
}

func soften(text string) string {
	for _, s := range softeners {
		text = s.re.ReplaceAllString(text, s.with)
	}
	return text
}

func addWarmth(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return trimmed
	}
	if !greetingRe.MatchString(trimmed) {
		trimmed = "Hi,\n\n" + trimmed
	}
	if !thanksRe.MatchString(trimmed) {
		trimmed += "\n\nThanks for your help."
	}
	return trimmed
}

func capitalizeSentences(text string) string {
	return sentenceRe.ReplaceAllStringFunc(text, func(m string) string {
		return m[:len(m)-1] + strings.ToUpper(m[len(m)-1:])
	})
}
