// Package router classifies free-text requests into a chat turn or an
// autonomous multi-step task, plus a coarse task category. Classification
// is a pure function of the input text and the configured keyword lists,
// so results are reproducible for a fixed configuration.
package router

import (
	"errors"
	"regexp"
	"strings"
	"sync"

	"cofounder/internal/domain"
)

// ErrInvalidInput is returned for empty or whitespace-only input.
var ErrInvalidInput = errors.New("empty input")

// Mode of execution chosen for a request.
type Mode string

const (
	ModeChat       Mode = "chat"
	ModeAutonomous Mode = "autonomous"
)

// Decision is the classification result.
type Decision struct {
	Mode     Mode   `json:"mode"`
	Category string `json:"category"`
}

// Rules holds the configurable keyword lists. Structural predicates
// (comma count, connectives, numbered lists, length) are fixed; the
// keyword lists are data and can be swapped at runtime.
type Rules struct {
	AutonomousKeywords []string
	CategoryKeywords   map[string][]string
}

// Classifier routes requests. Safe for concurrent use; SetRules swaps the
// keyword configuration atomically between Classify calls.
type Classifier struct {
	mu    sync.RWMutex
	rules Rules
}

func New(rules Rules) *Classifier {
	return &Classifier{rules: normalizeRules(rules)}
}

func normalizeRules(r Rules) Rules {
	out := Rules{
		AutonomousKeywords: make([]string, 0, len(r.AutonomousKeywords)),
		CategoryKeywords:   make(map[string][]string, len(r.CategoryKeywords)),
	}
	for _, kw := range r.AutonomousKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			out.AutonomousKeywords = append(out.AutonomousKeywords, kw)
		}
	}
	for cat, kws := range r.CategoryKeywords {
		var clean []string
		for _, kw := range kws {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				clean = append(clean, kw)
			}
		}
		out.CategoryKeywords[cat] = clean
	}
	return out
}

// SetRules replaces the keyword configuration.
func (c *Classifier) SetRules(rules Rules) {
	c.mu.Lock()
	c.rules = normalizeRules(rules)
	c.mu.Unlock()
}

var numberedListRe = regexp.MustCompile(`\d\. `)

// Classify decides chat vs autonomous and picks a task category.
// Ambiguous text defaults to chat, the non-destructive path.
func (c *Classifier) Classify(text string) (Decision, error) {
	if strings.TrimSpace(text) == "" {
		return Decision{}, ErrInvalidInput
	}
	c.mu.RLock()
	rules := c.rules
	c.mu.RUnlock()

	lower := strings.ToLower(text)
	if isAutonomous(lower, rules.AutonomousKeywords) {
		return Decision{Mode: ModeAutonomous, Category: pickCategory(lower, rules.CategoryKeywords)}, nil
	}
	return Decision{Mode: ModeChat, Category: domain.CategoryChat}, nil
}

// isAutonomous applies the multi-step heuristics, in order:
// configured keyword phrase; enumerated multi-part request (>=2 commas and
// length >100); explicit sequencing connective; numbered list; raw length
// over 300 characters.
func isAutonomous(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	if strings.Count(lower, ",") >= 2 && len(lower) > 100 {
		return true
	}
	if strings.Contains(lower, " and then ") || strings.Contains(lower, " after that ") {
		return true
	}
	if numberedListRe.MatchString(lower) {
		return true
	}
	return len(lower) > 300
}

// pickCategory matches category keyword lists against the input. Research
// wins over the rest (the more specific intent), then code, business,
// content; unmatched autonomous objectives default to code.
func pickCategory(lower string, categoryKeywords map[string][]string) string {
	for _, cat := range []string{
		domain.CategoryResearch,
		domain.CategoryCode,
		domain.CategoryBusiness,
		domain.CategoryContent,
	} {
		for _, kw := range categoryKeywords[cat] {
			if strings.Contains(lower, kw) {
				return cat
			}
		}
	}
	return domain.CategoryCode
}
