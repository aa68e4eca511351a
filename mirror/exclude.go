package mirror

import (
	"bufio"
	"os"
	"path"
	"strings"
)

// IgnoreFileName is the per-tree pattern file read by LoadExclusion.
const IgnoreFileName = ".mirrorignore"

// Exclusion decides which paths planning and maintenance must skip entirely.
// Rules come from configuration (path prefixes and fragments) and from glob
// patterns in an ignore file.
type Exclusion struct {
	prefixes  []string
	fragments []string
	patterns  []ignorePattern
}

type ignorePattern struct {
	pattern string
	dirOnly bool // trailing / in source line
}

// NewExclusion builds an exclusion from configured rules. A rule starting
// with "/" excludes that rooted path and everything under it; any other rule
// excludes paths containing it as a substring (e.g. "to delete"). Rules and
// paths are compared in NFC so either spelling of an accented name matches.
func NewExclusion(rules []string) *Exclusion {
	ex := &Exclusion{}
	for _, r := range rules {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if strings.HasPrefix(r, "/") {
			ex.prefixes = append(ex.prefixes, foldName(CleanRel(r)))
		} else {
			ex.fragments = append(ex.fragments, foldName(r))
		}
	}
	return ex
}

// LoadExclusion builds an exclusion from rules plus the patterns in the ignore
// file at ignorePath. A missing or unreadable file adds no patterns.
func LoadExclusion(rules []string, ignorePath string) *Exclusion {
	ex := NewExclusion(rules)
	if ignorePath == "" {
		return ex
	}

	f, err := os.Open(ignorePath)
	if err != nil {
		return ex
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ex.AddPattern(line)
	}
	sub("exclude").Debug("ignore file loaded", "path", ignorePath, "patterns", len(ex.patterns))
	return ex
}

// AddPattern adds a glob matched against each path component. A trailing
// slash restricts the pattern to directories.
func (ex *Exclusion) AddPattern(line string) {
	line = foldName(line)
	p := ignorePattern{pattern: line}
	if strings.HasSuffix(line, "/") {
		p.pattern = strings.TrimSuffix(line, "/")
		p.dirOnly = true
	}
	ex.patterns = append(ex.patterns, p)
}

// IsExcluded reports whether the rooted relative path rel is excluded.
// isDir tells whether rel itself is a directory; its ancestors always are.
func (ex *Exclusion) IsExcluded(rel string, isDir bool) bool {
	if ex == nil {
		return false
	}
	rel = foldName(CleanRel(rel))

	for _, p := range ex.prefixes {
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	for _, f := range ex.fragments {
		if strings.Contains(rel, f) {
			return true
		}
	}
	if len(ex.patterns) == 0 {
		return false
	}

	parts := strings.Split(strings.TrimPrefix(rel, "/"), "/")
	for i, part := range parts {
		partIsDir := isDir || i < len(parts)-1
		for _, p := range ex.patterns {
			if p.dirOnly && !partIsDir {
				continue
			}
			if matched, _ := path.Match(p.pattern, part); matched {
				return true
			}
		}
	}
	return false
}

// isPartial reports whether name is an in-progress download or copy.
func isPartial(name string) bool {
	return strings.HasSuffix(name, ".part") || strings.Contains(name, tmpSuffix)
}
