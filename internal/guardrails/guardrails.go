// Package guardrails validates model output before it is reported to the client.
package guardrails

import (
	"context"
	"fmt"
	"regexp"
)

// Verdict is the outcome of validating one piece of output.
type Verdict struct {
	Passed     bool
	Violations []string
}

// Validator checks finished assistant output.
type Validator interface {
	ValidateOutput(ctx context.Context, content string) (Verdict, error)
}

// Noop passes everything.
type Noop struct{}

func (Noop) ValidateOutput(context.Context, string) (Verdict, error) {
	return Verdict{Passed: true}, nil
}

// PatternValidator fails output matching any of its blocked patterns. Each
// matching pattern is reported once as a violation.
type PatternValidator struct {
	patterns []*regexp.Regexp
}

// NewPatternValidator compiles the blocked patterns. Patterns are matched case
// insensitively.
func NewPatternValidator(patterns []string) (*PatternValidator, error) {
	v := &PatternValidator{}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile blocked pattern %q: %w", p, err)
		}
		v.patterns = append(v.patterns, re)
	}

	return v, nil
}

func (v *PatternValidator) ValidateOutput(ctx context.Context, content string) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	verdict := Verdict{Passed: true}
	for _, re := range v.patterns {
		if re.MatchString(content) {
			verdict.Passed = false
			verdict.Violations = append(verdict.Violations, "blocked_pattern: "+re.String()[len("(?i)"):])
		}
	}

	return verdict, nil
}
