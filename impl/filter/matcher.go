package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// TagMatcher matches tag names against either a comma-separated list of
// wildcard patterns or a single regular expression, selected by the regex
// mode flag.
type TagMatcher struct {
	globs []string
	expr  *regexp.Regexp
}

// NewTagMatcher compiles the passed pattern spec. An empty spec yields a
// matcher that matches nothing.
func NewTagMatcher(spec string, useRegex bool) (*TagMatcher, error) {
	m := &TagMatcher{}
	if spec == "" {
		return m, nil
	}
	if useRegex {
		expr, err := regexp.Compile(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid regular expression %q: %w", spec, err)
		}
		m.expr = expr
		return m, nil
	}
	for _, glob := range strings.Split(spec, ",") {
		if glob = strings.TrimSpace(glob); glob != "" {
			if !doublestar.ValidatePattern(glob) {
				return nil, fmt.Errorf("invalid wildcard pattern %q", glob)
			}
			m.globs = append(m.globs, glob)
		}
	}
	return m, nil
}

// Empty reports whether the matcher was built from an empty spec.
func (m *TagMatcher) Empty() bool {
	return m.expr == nil && len(m.globs) == 0
}

// Match reports whether the tag matches any pattern.
func (m *TagMatcher) Match(tag string) bool {
	if m.expr != nil {
		return m.expr.MatchString(tag)
	}
	for _, glob := range m.globs {
		if matched, _ := doublestar.Match(glob, tag); matched {
			return true
		}
	}
	return false
}
