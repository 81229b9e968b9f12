// Package generator turns a channel post into comment text using a prompt
// template and an OpenAI-compatible chat completions endpoint.
package generator

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	PlaceholderPost   = "{text_of_the_post}"
	PlaceholderTopics = "{topics}"

	// MaxPostRunes bounds the post text inserted into the prompt.
	MaxPostRunes  = 1000
	DefaultTopics = "general topics"
)

var ErrEmptyTemplate = errors.New("prompt template is empty")

// Template is a loaded prompt.
type Template struct {
	text string
}

// LoadTemplate reads the prompt file. A missing or empty file is an error;
// the engine must not start without a prompt.
func LoadTemplate(path string) (Template, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Template{}, errors.New("prompt template path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("read prompt template: %w", err)
	}
	return ParseTemplate(string(b))
}

func ParseTemplate(text string) (Template, error) {
	if strings.TrimSpace(text) == "" {
		return Template{}, ErrEmptyTemplate
	}
	return Template{text: text}, nil
}

// Render fills the placeholders. A template without the post placeholder
// gets the post text appended.
func (t Template) Render(postText string, topics []string) string {
	post := truncateRunes(postText, MaxPostRunes)
	out := t.text
	if strings.Contains(out, PlaceholderPost) {
		out = strings.ReplaceAll(out, PlaceholderPost, post)
	} else {
		out += "\n\nPost text: " + post
	}

	topicText := DefaultTopics
	if clean := nonEmpty(topics); len(clean) > 0 {
		topicText = strings.Join(clean, ", ")
	}
	return strings.ReplaceAll(out, PlaceholderTopics, topicText)
}

// Clean trims a model response and strips one pair of surrounding quotes.
func Clean(s string) string {
	s = strings.TrimSpace(s)
	for _, q := range []string{`"`, `'`, "«»", "“”"} {
		pre, suf := q, q
		if r := []rune(q); len(r) == 2 {
			pre, suf = string(r[0]), string(r[1])
		}
		if len(s) >= len(pre)+len(suf) && strings.HasPrefix(s, pre) && strings.HasSuffix(s, suf) {
			return strings.TrimSpace(s[len(pre) : len(s)-len(suf)])
		}
	}
	return s
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
