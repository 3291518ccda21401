// Package ignore compiles an optional exclusion file for the source-copy
// stage. Without one, the copy stage copies everything.
//
// Syntax, one pattern per line:
//
//	# comment
//	*.pyc          matched against the slash-separated path relative to the source root
//	**/__pycache__ `**` spans directories; a leading `**/` also matches at the root
//	build/         trailing slash: directories only
//	!keep.pyc      re-include; the last matching pattern wins
//
// A file inside an excluded directory cannot be re-included because the
// directory is never walked.
package ignore

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

type rule struct {
	source  string
	globs   []glob.Glob
	negate  bool
	dirOnly bool
}

func (r rule) matches(rel string, isDir bool) bool {
	if r.dirOnly && !isDir {
		return false
	}
	for _, g := range r.globs {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// Matcher decides whether a relative path is excluded. The zero value and a
// nil *Matcher exclude nothing.
type Matcher struct {
	rules []rule
}

// Load compiles the ignore file at path. An empty path yields a matcher that
// excludes nothing; a configured but missing file is an error.
func Load(path string) (*Matcher, error) {
	if path == "" {
		return &Matcher{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	m, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse compiles ignore patterns from r.
func Parse(r io.Reader) (*Matcher, error) {
	m := &Matcher{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ru, err := compile(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		m.rules = append(m.rules, ru)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func compile(line string) (rule, error) {
	ru := rule{source: line}
	pattern := line
	if strings.HasPrefix(pattern, "!") {
		ru.negate = true
		pattern = strings.TrimSpace(pattern[1:])
	}
	if strings.HasSuffix(pattern, "/") {
		ru.dirOnly = true
		pattern = strings.TrimRight(pattern, "/")
	}
	pattern = strings.TrimPrefix(path.Clean("/"+pattern), "/")
	if pattern == "" {
		return rule{}, fmt.Errorf("empty pattern %q", line)
	}

	alternatives := []string{pattern}
	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		alternatives = append(alternatives, rest)
	}
	for _, alt := range alternatives {
		g, err := glob.Compile(alt, '/')
		if err != nil {
			return rule{}, fmt.Errorf("compiling %q: %w", line, err)
		}
		ru.globs = append(ru.globs, g)
	}
	return ru, nil
}

// Excluded reports whether rel (relative to the source root, OS or slash
// separated) is excluded.
func (m *Matcher) Excluded(rel string, isDir bool) bool {
	if m == nil || len(m.rules) == 0 {
		return false
	}
	rel = path.Clean(filepath.ToSlash(rel))
	excluded := false
	for _, ru := range m.rules {
		if ru.matches(rel, isDir) {
			excluded = !ru.negate
		}
	}
	return excluded
}

// Len is the number of compiled patterns.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rules)
}
