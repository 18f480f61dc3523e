// Package lexicon is the default local tone engine. It scores weighted
// phrase lexicons per tone, discounts negated matches and mixes in
// punctuation signals.
package lexicon

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dhcgn/mbox-mood/engine"
	"github.com/dhcgn/mbox-mood/model"
)

var (
	negationWords = map[string]struct{}{
		"not": {}, "no": {}, "never": {}, "don't": {}, "doesn't": {}, "didn't": {},
		"won't": {}, "can't": {}, "cannot": {}, "isn't": {}, "aren't": {}, "wasn't": {},
		"weren't": {}, "hardly": {}, "barely": {}, "neither": {}, "nor": {},
	}

	whitespace = regexp.MustCompile(`\s+`)
	ellipsis   = regexp.MustCompile(`\.{2,}`)
)

// Analyzer implements engine.Analyzer on top of a Lexicon.
type Analyzer struct {
	lex         Lexicon
	sensitivity float64
}

// New returns an Analyzer. A nil lexicon selects Default().
func New(opts engine.Options, lex Lexicon) (*Analyzer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if lex == nil {
		lex = Default()
	}
	return &Analyzer{lex: lex, sensitivity: opts.Sensitivity}, nil
}

// Analyze never fails for a live context.
func (a *Analyzer) Analyze(ctx context.Context, text string) (model.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return model.Analysis{}, err
	}
	return engine.Finish(a.Tone(text), a.sensitivity), nil
}

type signals struct {
	exclamation float64
	caps        float64
	ellipsis    float64
}

type scored struct {
	tone  string
	value float64
}

// Tone classifies text without deriving the record fields. It backs both
// Analyze and the HTTP API.
func (a *Analyzer) Tone(raw string) model.Analysis {
	text := strings.TrimSpace(raw)
	if text == "" {
		return model.Analysis{
			Tone:        model.ToneNeutralAutomated,
			Confidence:  0.5,
			Explanation: "No meaningful text to analyze.",
		}
	}

	sig := punctuation(text)
	lower := strings.ToLower(text)
	length := utf8.RuneCountInString(text)

	urgent := scoreCategory(lower, a.lex[CategoryUrgent])
	apologetic := scoreCategory(lower, a.lex[CategoryApologetic])
	warm := scoreCategory(lower, a.lex[CategoryWarm])
	calm := scoreCategory(lower, a.lex[CategoryCalm])
	sad := scoreCategory(lower, a.lex[CategorySad])
	automated := scoreCategory(lower, a.lex[CategoryAutomated])

	longText := 0.0
	if length > 100 {
		longText = 0.4
	}

	card := []scored{
		{model.ToneUrgentTense, urgent*1.3 + sig.exclamation*1.5 + sig.caps*1.2},
		{model.ToneApologeticAnxious, apologetic*1.25 + sig.ellipsis*0.6},
		{model.ToneWarmPositive, warm*1.2 + sig.exclamation*0.3},
		{model.ToneCalmProfessional, calm + longText},
		{model.ToneSadConcerned, sad*1.2 + sig.ellipsis*0.4},
		{model.ToneNeutralAutomated, automated*1.4 + 0.5},
	}
	sort.SliceStable(card, func(i, j int) bool { return card[i].value > card[j].value })

	top, second := card[0], card[1]
	gap := top.value - second.value
	confidence := engine.Clamp01(0.48 + gap*0.1 + math.Min(0.2, top.value*0.04))

	professionalBonus := 0.0
	if length > 80 {
		professionalBonus = 0.15
	}

	candidates := []model.Emotion{
		{Name: "urgency", Intensity: engine.Clamp01(urgent*0.18 + sig.caps*0.15)},
		{Name: "warmth", Intensity: engine.Clamp01(warm * 0.16)},
		{Name: "anxiety", Intensity: engine.Clamp01(apologetic*0.18 + sig.ellipsis*0.1)},
		{Name: "concern", Intensity: engine.Clamp01(sad * 0.18)},
		{Name: "professionalism", Intensity: engine.Clamp01(calm*0.12 + professionalBonus)},
		{Name: "stress", Intensity: engine.Clamp01(sig.exclamation*0.3 + sig.caps*0.25)},
	}
	emotions := make([]model.Emotion, 0, len(candidates))
	for _, e := range candidates {
		if e.Intensity > 0.06 {
			emotions = append(emotions, e)
		}
	}

	return model.Analysis{
		Tone:        top.tone,
		Confidence:  confidence,
		Explanation: explain(top.tone, sig, apologetic, warm, sad, automated),
		Emotions:    emotions,
	}
}

func explain(tone string, sig signals, apologetic, warm, sad, automated float64) string {
	switch tone {
	case model.ToneUrgentTense:
		if sig.caps > 0.3 {
			return "Urgency language and emphasized capitalization detected."
		}
		return "Language suggests urgency and time pressure."
	case model.ToneApologeticAnxious:
		if apologetic > 2 {
			return "Multiple apology or anxiety markers found."
		}
		return "Wording contains apologetic or anxious phrasing."
	case model.ToneWarmPositive:
		if warm > 3 {
			return "Strong appreciation and positive sentiment throughout."
		}
		return "Text includes appreciation and positive intent."
	case model.ToneCalmProfessional:
		return "Wording is measured, structured, and task-oriented."
	case model.ToneSadConcerned:
		if sad > 2 {
			return "Multiple indicators of sadness, concern, or bad news."
		}
		return "Text contains concern or negative emotional framing."
	default:
		if automated > 2 {
			return "Automated/system-generated email patterns detected."
		}
		return "Low emotional signal; likely informational or transactional."
	}
}

func scoreCategory(lower string, entries []Entry) float64 {
	score := 0.0
	for _, e := range entries {
		if e.Term == "" {
			continue
		}
		from := 0
		for from <= len(lower) {
			rel := strings.Index(lower[from:], e.Term)
			if rel < 0 {
				break
			}
			idx := from + rel

			// short terms must stand alone so "now" does not hit "snowflake"
			if len(e.Term) <= 3 && !standalone(lower, idx, len(e.Term)) {
				from = idx + 1
				continue
			}

			if negated(lower, idx) {
				score -= 0.3 * e.Weight
			} else {
				score += e.Weight
			}
			from = idx + len(e.Term)
		}
	}
	return math.Max(0, score)
}

func standalone(text string, idx, n int) bool {
	if idx > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:idx])
		if isWord(r) {
			return false
		}
	}
	if idx+n < len(text) {
		r, _ := utf8.DecodeRuneInString(text[idx+n:])
		if isWord(r) {
			return false
		}
	}
	return true
}

func isWord(r rune) bool {
	return r == '_' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)))
}

// negated looks at the four words preceding idx.
func negated(lower string, idx int) bool {
	start := idx - 40
	if start < 0 {
		start = 0
	}
	for start > 0 && !utf8.RuneStart(lower[start]) {
		start++
	}
	words := whitespace.Split(lower[start:idx], -1)
	if len(words) > 4 {
		words = words[len(words)-4:]
	}
	for _, w := range words {
		if _, ok := negationWords[w]; ok {
			return true
		}
	}
	return false
}

func punctuation(text string) signals {
	length := float64(max(1, utf8.RuneCountInString(text)))
	exclamations := float64(strings.Count(text, "!"))
	ellipses := float64(len(ellipsis.FindAllStringIndex(text, -1)))

	words := 0
	allCaps := 0
	for _, word := range strings.Fields(text) {
		if utf8.RuneCountInString(word) <= 2 {
			continue
		}
		words++
		if word == strings.ToUpper(word) && strings.ContainsFunc(word, func(r rune) bool { return r >= 'A' && r <= 'Z' }) {
			allCaps++
		}
	}
	caps := 0.0
	if words > 0 {
		caps = float64(allCaps) / float64(words)
	}

	return signals{
		exclamation: math.Min(1, exclamations/(length/80)),
		caps:        math.Min(1, caps),
		ellipsis:    math.Min(1, ellipses/(length/150)),
	}
}
