// Package ignore parses .codebaseindexignore files and decides which
// repository paths are excluded from indexing. Pattern semantics follow
// gitignore: `#` comments, `!` negation, `/` anchoring, `**` globs, and
// last-match-wins ordering.
package ignore

import (
	"path"
	"strings"
)

// pattern is a single compiled ignore rule.
type pattern struct {
	segments []string
	negate   bool
	dirOnly  bool
	anchored bool
}

// Matcher holds the compiled rules of one ignore file. The zero value
// matches nothing.
type Matcher struct {
	patterns []pattern
}

// Parse compiles ignore file content into a Matcher. Malformed lines are
// skipped rather than failing the whole file.
func Parse(content string) *Matcher {
	m := &Matcher{}
	for _, line := range strings.Split(content, "\n") {
		if p, ok := parseLine(line); ok {
			m.patterns = append(m.patterns, p)
		}
	}
	return m
}

// parseLine compiles one line of an ignore file. Returns false for blank
// lines and comments.
func parseLine(line string) (pattern, bool) {
	line = strings.TrimRight(strings.TrimSuffix(line, "\r"), " \t")
	if line == "" || strings.HasPrefix(line, "#") {
		return pattern{}, false
	}

	var p pattern
	if strings.HasPrefix(line, "!") {
		p.negate = true
		line = line[1:]
	}
	// \# and \! escape the comment and negation markers.
	if strings.HasPrefix(line, `\#`) || strings.HasPrefix(line, `\!`) {
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		p.dirOnly = true
		line = strings.TrimRight(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		p.anchored = true
		line = strings.TrimLeft(line, "/")
	}
	if line == "" {
		return pattern{}, false
	}
	// A separator anywhere but the end anchors the pattern to the root.
	if strings.Contains(line, "/") {
		p.anchored = true
	}
	p.segments = strings.Split(line, "/")
	return p, true
}

// Matches reports whether the file at path (slash-separated, relative to
// the repository root) is excluded. The last matching rule decides, so a
// negation can re-include a path excluded by an earlier rule.
func (m *Matcher) Matches(p string) bool {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	ignored := false
	for _, pat := range m.patterns {
		if pat.matches(segs) {
			ignored = !pat.negate
		}
	}
	return ignored
}

// matches reports whether the pattern applies to the file with the given
// path segments, either by matching the file itself or one of its parent
// directories.
func (p pattern) matches(segs []string) bool {
	if !p.anchored {
		// A pattern without a separator matches a name at any depth.
		name := p.segments[0]
		for i, seg := range segs {
			if !matchSegment(name, seg) {
				continue
			}
			if i < len(segs)-1 {
				return true // matched a parent directory
			}
			return !p.dirOnly
		}
		return false
	}
	// Anchored patterns match from the root. Matching a proper prefix of
	// the path means the pattern names a parent directory.
	for k := 1; k <= len(segs); k++ {
		if !matchSegments(p.segments, segs[:k]) {
			continue
		}
		if k < len(segs) {
			return true
		}
		return !p.dirOnly
	}
	return false
}

// matchSegments matches pattern segments against path segments, where a
// "**" segment spans zero or more directories. A trailing "**" requires at
// least one segment, matching everything inside a directory but not the
// directory itself.
func matchSegments(pat, segs []string) bool {
	if len(pat) == 0 {
		return len(segs) == 0
	}
	if pat[0] == "**" {
		if len(pat) == 1 {
			return len(segs) >= 1
		}
		for i := 0; i <= len(segs); i++ {
			if matchSegments(pat[1:], segs[i:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	if !matchSegment(pat[0], segs[0]) {
		return false
	}
	return matchSegments(pat[1:], segs[1:])
}

// matchSegment matches a single pattern segment (no slashes) against one
// path segment. "*" and "?" never cross a separator because matching is
// per segment.
func matchSegment(pat, seg string) bool {
	if pat == "**" {
		return true
	}
	ok, err := path.Match(pat, seg)
	return err == nil && ok
}
