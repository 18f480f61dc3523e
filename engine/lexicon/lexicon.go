package lexicon

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category names, one per tone.
const (
	CategoryUrgent     = "urgent"
	CategoryApologetic = "apologetic"
	CategoryWarm       = "warm"
	CategoryCalm       = "calm"
	CategorySad        = "sad"
	CategoryAutomated  = "automated"
)

// Entry is a lexicon term with its weight. Multi-word phrases usually carry
// a weight above 1.
type Entry struct {
	Term   string  `yaml:"term"`
	Weight float64 `yaml:"weight"`
}

// Lexicon maps a category to its terms.
type Lexicon map[string][]Entry

type file struct {
	Replace    bool               `yaml:"replace"`
	Categories map[string][]Entry `yaml:"categories"`
}

func terms(words ...any) []Entry {
	out := make([]Entry, 0, len(words))
	for _, w := range words {
		switch v := w.(type) {
		case string:
			out = append(out, Entry{Term: v, Weight: 1})
		case Entry:
			out = append(out, v)
		}
	}
	return out
}

func w(term string, weight float64) Entry {
	return Entry{Term: term, Weight: weight}
}

// Default returns a fresh copy of the built-in lexicon.
func Default() Lexicon {
	return Lexicon{
		CategoryUrgent: terms(
			"urgent", "asap", "immediately", "critical", "deadline",
			w("right away", 1.3), w("time sensitive", 1.4), w("high priority", 1.4),
			w("as soon as possible", 1.2), "escalat", "overdue", "behind schedule",
			w("need this today", 1.5), w("need this now", 1.5), w("end of day", 1.2),
			"rush", "expedite", "pressing", "emergency",
			w("don't delay", 1.3), w("can't wait", 1.3), w("running out of time", 1.4),
			w("drop everything", 1.5), w("top priority", 1.4), "eod", "cob",
		),
		CategoryApologetic: terms(
			"sorry", "apolog", "regret", "my fault", "my mistake",
			w("i take responsibility", 1.4), w("i should have", 1.2), "forgive",
			"pardon", w("please understand", 1.2), "oversight", "miscommunication",
			w("i was wrong", 1.4), w("i feel bad", 1.3), w("i didn't mean", 1.2),
			"worry", "worried", "anxious", "nervous", "hesitant",
			w("i hope this is okay", 1.3), w("i'm not sure if", 1.1),
			w("please don't be upset", 1.4), w("hope i haven't", 1.2),
		),
		CategoryWarm: terms(
			"thanks", "thank you", "appreciate", "grateful", "great job",
			w("well done", 1.3), "congrats", "congratulations", "fantastic",
			"wonderful", "amazing", "awesome", "excellent", "brilliant",
			"happy", "glad", "excited", "thrilled", "delighted",
			w("looking forward", 1.2), w("pleasure working", 1.3), w("great work", 1.3),
			"welcome", "cheers", "kind regards", "warmly", "best wishes",
			w("you're the best", 1.4), w("really helped", 1.2), w("means a lot", 1.3),
			"love it", "perfect", "superb", "kudos",
		),
		CategoryCalm: terms(
			"please", "review", "summary", "update", "attached",
			"as discussed", "per our conversation", "following up",
			"for your reference", "fyi", "please see", "kindly",
			"at your convenience", "when you get a chance",
			w("no rush", 1.3), w("not urgent", 1.3), w("no hurry", 1.3),
			w("take your time", 1.3), w("just a heads up", 1.2), "gentle reminder",
			"wanted to check", "circling back", "touching base",
			"let me know", "your thoughts", "feedback", "input",
			"agenda", "action items", "next steps", "moving forward",
			"aligned", "noted", "acknowledged", "confirmed",
			w("on track", 1.2), w("going smoothly", 1.3), w("going well", 1.2),
			w("all good", 1.2), "sounds good", "works for me",
		),
		CategorySad: terms(
			"unfortunate", "sadly", "sad", "concerned", "loss",
			"difficult", "afraid", "disappointed", "heartbroken",
			w("i'm sorry to hear", 1.4), w("bad news", 1.3), "devastating",
			"painful", "struggling", "tough time", "passed away",
			"condolences", "sympathy", "grief", "mourn",
			w("deeply sorry", 1.4), w("terrible news", 1.4), "suffer",
			"distress", "disheartened", "hopeless", "bleak",
			w("hard to accept", 1.2), "tragic", "misfortune",
		),
		CategoryAutomated: terms(
			w("do not reply", 1.5), w("noreply", 1.5), w("no-reply", 1.5),
			"notification", "automated", "generated", "receipt",
			"unsubscribe", "subscription", "your order", "your account",
			"has been processed", "has been shipped", "tracking number",
			"verify your", "confirm your", "one-time", "passcode",
			w("this is an automated", 1.5), "terms of service",
			"privacy policy", "click here", "view in browser",
			"powered by", "sent via", "manage preferences",
		),
	}
}

// Load reads a YAML lexicon file and merges it into the defaults, or
// replaces the listed categories entirely when the file sets replace: true.
//
//	replace: false
//	categories:
//	  urgent:
//	    - term: "drop dead date"
//	      weight: 1.5
func Load(path string) (Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lexicon: %w", err)
	}
	return Parse(data)
}

// Parse is Load for in-memory YAML.
func Parse(data []byte) (Lexicon, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse lexicon: %w", err)
	}

	lex := Default()
	for category, entries := range f.Categories {
		category = strings.ToLower(strings.TrimSpace(category))
		if _, ok := lex[category]; !ok {
			return nil, fmt.Errorf("unknown lexicon category %q", category)
		}

		normalized := make([]Entry, 0, len(entries))
		for _, e := range entries {
			term := strings.ToLower(strings.TrimSpace(e.Term))
			if term == "" {
				return nil, fmt.Errorf("lexicon category %q: empty term", category)
			}
			if e.Weight < 0 {
				return nil, fmt.Errorf("lexicon term %q: negative weight", term)
			}
			if e.Weight == 0 {
				e.Weight = 1
			}
			normalized = append(normalized, Entry{Term: term, Weight: e.Weight})
		}

		if f.Replace {
			lex[category] = normalized
		} else {
			lex[category] = append(lex[category], normalized...)
		}
	}
	return lex, nil
}
