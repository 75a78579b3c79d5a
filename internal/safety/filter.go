// Package safety guards what remediation and operator requests may touch:
// subject filtering, confirmation tokens for destructive manual triggers, and
// an audit trail of tool invocations.
package safety

import "path/filepath"

// Filter matches names against allowlist and denylist glob patterns in
// filepath.Match syntax. An empty filter allows everything; the denylist
// always wins; a non-empty allowlist must also match.
type Filter struct {
	allowlist []string
	denylist  []string
}

// NewFilter returns a Filter. Either list may be nil.
func NewFilter(allowlist, denylist []string) *Filter {
	return &Filter{allowlist: allowlist, denylist: denylist}
}

// IsAllowed reports whether name passes the filter.
func (f *Filter) IsAllowed(name string) bool {
	if f == nil {
		return true
	}
	for _, pattern := range f.denylist {
		if matchGlob(pattern, name) {
			return false
		}
	}
	if len(f.allowlist) == 0 {
		return true
	}
	for _, pattern := range f.allowlist {
		if matchGlob(pattern, name) {
			return true
		}
	}
	return false
}

// matchGlob treats malformed patterns as non-matching.
func matchGlob(pattern, name string) bool {
	matched, err := filepath.Match(pattern, name)
	return err == nil && matched
}
