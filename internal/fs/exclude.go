package fs

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"

	"ferry/internal/ferry"
)

// excludePattern is a parsed exclude pattern with its matching strategy.
type excludePattern struct {
	pattern   string
	matchPath bool // true = match against relative path; false = match against basename only
}

// ExcludeMatcher checks transfer-relative paths against a set of glob patterns.
// Patterns without '/' match against the entry's basename only.
// Patterns with '/' match against the full relative path from the source root.
type ExcludeMatcher struct {
	patterns []excludePattern
}

var _ ferry.Matcher = (*ExcludeMatcher)(nil)

// NewExcludeMatcher creates an ExcludeMatcher from raw pattern strings.
// Blank lines and lines starting with '#' are skipped.
func NewExcludeMatcher(rawPatterns []string) *ExcludeMatcher {
	var patterns []excludePattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		patterns = append(patterns, excludePattern{
			pattern:   strings.Trim(raw, "/"),
			matchPath: strings.Contains(strings.Trim(raw, "/"), "/"),
		})
	}
	return &ExcludeMatcher{patterns: patterns}
}

// Len returns the number of active patterns.
func (m *ExcludeMatcher) Len() int {
	return len(m.patterns)
}

// Match reports whether the given relative path should be skipped.
// relativePath is slash-separated for both local and remote sources.
func (m *ExcludeMatcher) Match(relativePath string) bool {
	if len(m.patterns) == 0 || relativePath == "" {
		return false
	}

	basename := path.Base(relativePath)

	for _, p := range m.patterns {
		var matched bool
		var err error
		if p.matchPath {
			matched, err = path.Match(p.pattern, relativePath)
		} else {
			matched, err = path.Match(p.pattern, basename)
		}
		if err != nil {
			// Bad pattern: skip rather than abort the transfer.
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// ParseExcludeFile reads an exclude file and returns the raw pattern strings.
// Returns nil and no error if the file does not exist.
func ParseExcludeFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening exclude file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading exclude file: %w", err)
	}
	return patterns, nil
}
