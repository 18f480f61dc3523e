// Package clean turns raw RFC 5322 messages into the plain text that is
// handed to the analysis engines.
package clean

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
)

// DefaultMaxBytes matches the request body limit of the tone API.
const DefaultMaxBytes = 256 << 10

var (
	ErrEmptyMessage = errors.New("message is empty")

	attributionLine = regexp.MustCompile(`(?i)^on\s.+\swrote:$`)
	originalMarker  = regexp.MustCompile(`(?i)^-{2,}\s*original message\s*-{2,}$`)
)

// Cleaner extracts and normalizes the text payload of a message.
type Cleaner struct {
	MaxBytes int
	// KeepQuotes disables stripping of quoted replies and signatures.
	KeepQuotes bool
}

// New returns a Cleaner with default limits.
func New() *Cleaner {
	return &Cleaner{MaxBytes: DefaultMaxBytes}
}

// Clean returns the readable text of raw.
func (c *Cleaner) Clean(raw []byte) (string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", ErrEmptyMessage
	}

	body, err := extractBody(raw)
	if err != nil {
		return "", err
	}

	if !c.KeepQuotes {
		body = stripReplies(body)
	}
	body = collapseWhitespace(body)

	return truncate(body, c.MaxBytes), nil
}

func extractBody(raw []byte) (string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	var plain, htmlText string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			return "", fmt.Errorf("read part: %w", err)
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		contentType, _, _ := inline.ContentType()
		contentType = strings.ToLower(contentType)
		if contentType != "" && !strings.HasPrefix(contentType, "text/") {
			continue
		}

		data, err := io.ReadAll(part.Body)
		if err != nil {
			return "", fmt.Errorf("read part body: %w", err)
		}

		switch {
		case contentType == "text/html":
			if htmlText == "" {
				htmlText = HTMLToText(string(data))
			}
		case plain == "":
			plain = string(data)
		}
	}

	if strings.TrimSpace(plain) != "" {
		return plain, nil
	}
	return htmlText, nil
}

// HTMLToText drops markup, scripts and styles and keeps block boundaries
// as line breaks.
func HTMLToText(src string) string {
	var sb strings.Builder
	tokenizer := html.NewTokenizer(strings.NewReader(src))
	skip := 0

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return sb.String()
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" || tag == "head" {
				skip++
				continue
			}
			if isBlock(tag) {
				sb.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" || tag == "head" {
				if skip > 0 {
					skip--
				}
				continue
			}
			if isBlock(tag) {
				sb.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(tokenizer.Text())
			}
		}
	}
}

func isBlock(tag string) bool {
	switch tag {
	case "p", "br", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "blockquote", "table", "ul", "ol":
		return true
	}
	return false
}

func stripReplies(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if line == "-- " || trimmed == "--" || originalMarker.MatchString(trimmed) {
			break
		}
		if strings.HasPrefix(trimmed, ">") || attributionLine.MatchString(trimmed) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func collapseWhitespace(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		out = append(out, strings.Join(fields, " "))
	}
	return strings.Join(out, "\n")
}

func truncate(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
