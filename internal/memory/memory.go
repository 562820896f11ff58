// Package memory extracts facts worth keeping from a finished exchange.
package memory

import (
	"context"
	"regexp"
	"strings"

	"github.com/Davincible/chat-gateway/internal/conversation"
)

// Categories of extracted memories.
const (
	CategoryFact       = "fact"
	CategoryIdentity   = "identity"
	CategoryPreference = "preference"
)

// Memory is one extracted fact.
type Memory struct {
	Text     string `json:"text"`
	Category string `json:"category"`
}

// Extractor finds memories in the latest exchange of a conversation.
type Extractor interface {
	Extract(ctx context.Context, history []conversation.Message, response string) ([]Memory, error)
}

type rule struct {
	re       *regexp.Regexp
	category string
	prefix   string
}

// PatternExtractor picks explicit statements out of the last user message.
type PatternExtractor struct {
	rules []rule
}

func NewPatternExtractor() *PatternExtractor {
	return &PatternExtractor{rules: []rule{
		{re: regexp.MustCompile(`(?i)\bremember(?:\s+that)?[:,]?\s+([^.!?\n]+)`), category: CategoryFact},
		{re: regexp.MustCompile(`(?i)\bmy name is\s+([^.!?,\n]+)`), category: CategoryIdentity, prefix: "User's name is "},
		{re: regexp.MustCompile(`(?i)\bi (?:prefer|like|love)\s+([^.!?\n]+)`), category: CategoryPreference, prefix: "User prefers "},
	}}
}

func (e *PatternExtractor) Extract(ctx context.Context, history []conversation.Message, _ string) ([]Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := lastUserText(history)
	if text == "" {
		return nil, nil
	}

	var (
		out  []Memory
		seen = make(map[string]bool)
	)
	for _, r := range e.rules {
		for _, m := range r.re.FindAllStringSubmatch(text, -1) {
			fact := strings.TrimSpace(m[1])
			if fact == "" {
				continue
			}
			fact = r.prefix + fact
			if seen[strings.ToLower(fact)] {
				continue
			}
			seen[strings.ToLower(fact)] = true
			out = append(out, Memory{Text: fact, Category: r.category})
		}
	}

	return out, nil
}

func lastUserText(history []conversation.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == conversation.RoleUser {
			return history[i].Content
		}
	}

	return ""
}
