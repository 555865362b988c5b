// Package exclude matches archive paths against dockerignore-style patterns.
//
// A pattern without a slash matches a base name at any depth, so "secret.txt"
// excludes both "secret.txt" and "a/b/secret.txt". A leading "!" re-includes
// paths excluded by an earlier pattern. Patterns that match a directory also
// exclude everything under it.
package exclude

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/moby/patternmatcher"
)

// ErrPattern is returned for a pattern that cannot be compiled.
var ErrPattern = errors.New("exclude: invalid pattern")

// Rules is an ordered list of exclusion patterns. The zero value matches nothing.
type Rules struct {
	patterns []string
	matcher  *patternmatcher.PatternMatcher
}

// Add appends pattern to the rule list. Empty patterns are ignored.
func (r *Rules) Add(pattern string) error {
	p := normalize(pattern)
	if p == "" || p == "!" {
		return nil
	}
	if _, err := path.Match(strings.TrimPrefix(p, "!"), ""); err != nil {
		return fmt.Errorf("%w %q: %w", ErrPattern, pattern, err)
	}
	next := append(append([]string(nil), r.patterns...), p)
	m, err := patternmatcher.New(toNative(next))
	if err != nil {
		return fmt.Errorf("%w %q: %w", ErrPattern, pattern, err)
	}
	r.patterns = next
	r.matcher = m
	return nil
}

// Len returns the number of patterns.
func (r *Rules) Len() int {
	if r == nil {
		return 0
	}
	return len(r.patterns)
}

// Patterns returns a copy of the normalized patterns.
func (r *Rules) Patterns() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.patterns...)
}

// Excluded reports whether name, a slash-separated archive path, is
// excluded. A trailing slash on name is ignored.
func (r *Rules) Excluded(name string) bool {
	if r == nil || r.matcher == nil {
		return false
	}
	name = strings.TrimPrefix(path.Clean("/"+strings.TrimSuffix(name, "/")), "/")
	if name == "" {
		return false
	}
	ok, err := r.matcher.MatchesOrParentMatches(filepath.FromSlash(name))
	if err != nil {
		return false
	}
	return ok
}

// normalize rewrites bare names so they match at any depth and strips
// leading "./" and "/" anchors.
func normalize(pattern string) string {
	pattern = strings.TrimSpace(pattern)
	neg := strings.HasPrefix(pattern, "!")
	if neg {
		pattern = strings.TrimSpace(pattern[1:])
	}
	pattern = strings.TrimPrefix(pattern, "./")
	pattern = strings.TrimSuffix(pattern, "/")
	if !strings.Contains(pattern, "/") && pattern != "" && pattern != "**" {
		pattern = "**/" + pattern
	} else {
		pattern = strings.TrimPrefix(pattern, "/")
	}
	if neg {
		return "!" + pattern
	}
	return pattern
}

func toNative(patterns []string) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = filepath.FromSlash(p)
	}
	return out
}
