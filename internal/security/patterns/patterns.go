// Package patterns holds the compiled secret-detection patterns applied to
// outbound text. Patterns are built once at startup; matching is a single
// regexp pass per pattern with no backtracking-prone constructs.
package patterns

import (
	"regexp"
)

// Severity of a detected secret.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// Pattern is one secret shape. Name is stable and ends up in audit events.
type Pattern struct {
	Name          string
	Severity      Severity
	Description   string
	regex         *regexp.Regexp
	validator     func(match string) bool
	knownExamples map[string]bool
}

// Match reports whether content contains this secret shape, skipping matches
// that fail the validator or are documented example values. When the regex
// carries a capture group, the group holds the secret and any surrounding
// delimiter characters are ignored.
func (p *Pattern) Match(content string) bool {
	for _, groups := range p.regex.FindAllStringSubmatch(content, -1) {
		m := groups[0]
		if len(groups) > 1 && groups[1] != "" {
			m = groups[1]
		}
		if p.validator != nil && !p.validator(m) {
			continue
		}
		if p.knownExamples[m] {
			continue
		}
		return true
	}
	return false
}

// PatternBuilder provides a fluent API for building patterns.
type PatternBuilder struct {
	pattern *Pattern
}

// NewPattern creates a new pattern builder.
func NewPattern(name string) *PatternBuilder {
	return &PatternBuilder{
		pattern: &Pattern{
			Name:          name,
			Severity:      SeverityHigh,
			knownExamples: make(map[string]bool),
		},
	}
}

// WithRegex sets the regex pattern.
func (b *PatternBuilder) WithRegex(pattern string) *PatternBuilder {
	b.pattern.regex = regexp.MustCompile(pattern)
	return b
}

// WithSeverity sets the pattern severity.
func (b *PatternBuilder) WithSeverity(severity Severity) *PatternBuilder {
	b.pattern.Severity = severity
	return b
}

// WithDescription sets the pattern description.
func (b *PatternBuilder) WithDescription(description string) *PatternBuilder {
	b.pattern.Description = description
	return b
}

// WithValidator sets a custom validator function.
func (b *PatternBuilder) WithValidator(validator func(string) bool) *PatternBuilder {
	b.pattern.validator = validator
	return b
}

// WithKnownExamples sets documented example values (like AWS example keys)
// that must not trigger a block.
func (b *PatternBuilder) WithKnownExamples(examples ...string) *PatternBuilder {
	for _, ex := range examples {
		b.pattern.knownExamples[ex] = true
	}
	return b
}

// Build creates the Pattern.
func (b *PatternBuilder) Build() *Pattern {
	if b.pattern.regex == nil {
		panic("patterns: pattern built without a regex: " + b.pattern.Name)
	}
	return b.pattern
}

// Core returns the full set of secret patterns checked on outbound text.
func Core() []*Pattern {
	out := make([]*Pattern, 0, 16)
	out = append(out, TokenPatterns()...)
	out = append(out, KeyPatterns()...)
	return out
}
