// Package redact decides whether a command is too sensitive to be stored.
package redact

import (
	"regexp"

	"github.com/cockroachdb/errors"
)

// ErrPattern is returned when a configured redaction pattern does not compile.
var ErrPattern = errors.New("invalid redaction pattern")

// DefaultPatterns are matched case-insensitively anywhere in a command.
var DefaultPatterns = []string{"password", "token", "secret", "api_key", "apikey"}

// Redactor matches commands against a fixed set of case-insensitive patterns.
type Redactor struct {
	patterns []*regexp.Regexp
	enabled  bool
}

// New compiles every pattern. A single bad pattern fails the whole set so
// that a typo in the config never silently weakens redaction.
func New(patterns []string, enabled bool) (*Redactor, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "invalid redaction pattern %q", p), ErrPattern)
		}
		compiled = append(compiled, re)
	}
	return &Redactor{patterns: compiled, enabled: enabled}, nil
}

// Default returns a redactor with DefaultPatterns enabled.
func Default() *Redactor {
	r, err := New(DefaultPatterns, true)
	if err != nil {
		panic(err)
	}
	return r
}

// ShouldRedact reports whether command matches any pattern. Always false when
// redaction is disabled.
func (r *Redactor) ShouldRedact(command string) bool {
	if r == nil || !r.enabled {
		return false
	}
	for _, re := range r.patterns {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

func (r *Redactor) Enabled() bool { return r != nil && r.enabled }

func (r *Redactor) PatternCount() int {
	if r == nil {
		return 0
	}
	return len(r.patterns)
}
