// Package filter decides, for a relative path, whether it
// participates in synchronization, combining gitignore-style
// exclusion patterns, glob inclusion patterns, and regex patterns.
package filter

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/syncmesh/engine/relpath"
)

// regexMetaChars are the characters whose presence in a pattern marks
// it as a regular expression rather than a glob.
const regexMetaChars = `^$[](){}+|\`

// DefaultExclusions is the built-in preset excluding common VCS,
// build-output, IDE, OS, and temporary-file patterns.
var DefaultExclusions = []string{
	".git/",
	".hg/",
	".svn/",
	"node_modules/",
	"dist/",
	"build/",
	"target/",
	"bin/",
	"obj/",
	"__pycache__/",
	"*.py[cod]",
	".venv/",
	"venv/",
	".vscode",
	".idea",
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	"*.tmp",
	"*.temp",
	"*.swp",
	"*.log",
	"~$*",
}

// Filter decides per relative path whether it participates in sync.
type Filter struct {
	includes *includeMatcher
	excludes *matcher
}

// New compiles a Filter from exclusion and (optional) inclusion
// pattern lists. A nil/empty includes list means "everything is
// included unless excluded".
func New(excludes, includes []string) *Filter {
	return &Filter{
		includes: newIncludeMatcher(includes),
		excludes: newMatcher(excludes),
	}
}

// NewDefault returns a Filter using DefaultExclusions plus any extra
// exclusion patterns supplied (e.g. a run-scoped exclude_patterns
// option).
func NewDefault(extraExcludes ...string) *Filter {
	excludes := make([]string, 0, len(DefaultExclusions)+len(extraExcludes))
	excludes = append(excludes, DefaultExclusions...)
	excludes = append(excludes, extraExcludes...)
	return New(excludes, nil)
}

// ShouldSync reports whether path participates in sync: if any
// inclusion pattern is configured, path must match at least one; it
// is then dropped if it matches any exclusion pattern.
func (f *Filter) ShouldSync(path relpath.Path) bool {
	p := string(path)
	if f.includes.hasPatterns() && !f.includes.matches(p) {
		return false
	}
	if f.excludes.matches(p) {
		return false
	}
	return true
}

// matcher holds the compiled form of one pattern list: plain
// (gitignore-style) patterns compiled together, and regex-detected
// patterns compiled individually with the standard library's
// non-backtracking RE2 engine.
type matcher struct {
	plain   *gitignore.GitIgnore
	regexes []*regexp.Regexp
	any     bool
}

func newMatcher(patterns []string) *matcher {
	m := &matcher{}
	var plainLines []string
	for _, pat := range patterns {
		if pat == "" {
			continue
		}
		m.any = true
		if strings.ContainsAny(pat, regexMetaChars) {
			re, err := compileNonBacktracking(pat)
			if err != nil {
				slog.Warn("filter: invalid regex pattern, downgrading to wildcard", "pattern", pat, "error", err)
				plainLines = append(plainLines, toWildcard(pat))
				continue
			}
			m.regexes = append(m.regexes, re)
			continue
		}
		plainLines = append(plainLines, normalizeLeadingStar(pat))
	}
	if len(plainLines) > 0 {
		m.plain = gitignore.CompileIgnoreLines(plainLines...)
	}
	return m
}

func (m *matcher) hasPatterns() bool {
	return m != nil && m.any
}

func (m *matcher) matches(path string) bool {
	if m == nil {
		return false
	}
	if m.plain != nil && m.plain.MatchesPath(path) {
		return true
	}
	for _, re := range m.regexes {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// includeMatcher matches an allow-list of patterns against a
// non-rooted path using doublestar's "**"/"?"/"*" glob semantics,
// since an include list (unlike an exclude list) has no natural
// gitignore analogue: it names what to keep, not what to skip.
type includeMatcher struct {
	patterns []string
	any      bool
}

func newIncludeMatcher(patterns []string) *includeMatcher {
	m := &includeMatcher{}
	for _, pat := range patterns {
		if pat == "" {
			continue
		}
		m.any = true
		m.patterns = append(m.patterns, normalizeLeadingStar(pat))
	}
	return m
}

func (m *includeMatcher) hasPatterns() bool {
	return m != nil && m.any
}

func (m *includeMatcher) matches(path string) bool {
	if m == nil {
		return false
	}
	for _, pat := range m.patterns {
		if ok, err := doublestar.Match(pat, path); err == nil && ok {
			return true
		}
	}
	return false
}

// compileNonBacktracking compiles pat as a full-path-anchored regular
// expression using Go's standard regexp package. Go's regexp engine
// is RE2-based and therefore guaranteed linear-time / non-backtracking
// by construction; no third-party "safe regex" engine is needed.
func compileNonBacktracking(pat string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + pat + ")$")
}

// toWildcard strips regex metacharacters from a pattern that failed
// to compile so it can still be matched as a literal/glob fallback.
func toWildcard(pat string) string {
	var b strings.Builder
	for _, r := range pat {
		if strings.ContainsRune(regexMetaChars, r) {
			continue
		}
		b.WriteRune(r)
	}
	if b.Len() == 0 {
		return "*"
	}
	return b.String()
}

// normalizeLeadingStar implicitly prefixes a leading "*" (not already
// following "**/") with "**/" so it matches at any depth.
func normalizeLeadingStar(pat string) string {
	if strings.HasPrefix(pat, "**/") {
		return pat
	}
	if strings.HasPrefix(pat, "*") && !strings.HasPrefix(pat, "**") {
		return "**/" + pat
	}
	return pat
}
