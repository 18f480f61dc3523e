// Package filter selects which mailbox messages are annotated.
package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/dhcgn/mbox-mood/model"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
	IgnoreCase    bool
}

// Decision explains why a message was kept or dropped.
type Decision struct {
	Allowed bool
	Rule    string
}

type rule struct {
	name   string
	header bool
	re     *regexp.Regexp
}

// Filter holds compiled patterns. A nil *Filter allows everything.
type Filter struct {
	include []rule
	exclude []rule
}

// New compiles opts. Include and exclude patterns are mutually exclusive.
func New(opts Options) (*Filter, error) {
	f := &Filter{}
	groups := []struct {
		kind     string
		patterns []string
		into     *[]rule
	}{
		{"include-header", opts.IncludeHeader, &f.include},
		{"include-body", opts.IncludeBody, &f.include},
		{"exclude-header", opts.ExcludeHeader, &f.exclude},
		{"exclude-body", opts.ExcludeBody, &f.exclude},
	}
	for _, g := range groups {
		rules, err := compile(g.kind, g.patterns, opts.IgnoreCase)
		if err != nil {
			return nil, err
		}
		*g.into = append(*g.into, rules...)
	}

	if len(f.include) > 0 && len(f.exclude) > 0 {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}
	return f, nil
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f != nil && (len(f.include) > 0 || len(f.exclude) > 0)
}

// Check matches the message's raw header block and raw body.
func (f *Filter) Check(msg model.Message) Decision {
	if !f.Active() {
		return Decision{Allowed: true}
	}

	header, body := SplitRawMessage(msg.Raw)
	if len(f.include) > 0 {
		if name, ok := firstMatch(f.include, header, body); ok {
			return Decision{Allowed: true, Rule: name}
		}
		return Decision{Allowed: false, Rule: "no include pattern matched"}
	}
	if name, ok := firstMatch(f.exclude, header, body); ok {
		return Decision{Allowed: false, Rule: name}
	}
	return Decision{Allowed: true}
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compile(kind string, patterns []string, ignoreCase bool) ([]rule, error) {
	rules := make([]rule, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		expr := pattern
		if ignoreCase {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern %q: %w", kind, pattern, err)
		}
		rules = append(rules, rule{name: kind + ":" + pattern, header: strings.HasSuffix(kind, "header"), re: re})
	}
	return rules, nil
}

func firstMatch(rules []rule, header, body []byte) (string, bool) {
	for _, r := range rules {
		target := body
		if r.header {
			target = header
		}
		if r.re.Match(target) {
			return r.name, true
		}
	}
	return "", false
}
