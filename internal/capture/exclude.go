package capture

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"edittrail/internal/workspace"
)

// Excluder matches paths that must never be captured.
type Excluder struct {
	absolute []glob.Glob
	relative []glob.Glob
}

// NewExcluder compiles the exclude patterns. A single * does not cross
// directory separators; ** does. Patterns starting with / match the absolute
// path, all others match the path relative to the workspace root. A leading
// **/ also matches at the root itself.
func NewExcluder(patterns []string) (*Excluder, error) {
	ex := &Excluder{}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern '%s': %w", p, err)
		}
		if strings.HasPrefix(p, "/") || filepath.IsAbs(p) {
			ex.absolute = append(ex.absolute, g)
			continue
		}
		ex.relative = append(ex.relative, g)
		if rest, ok := strings.CutPrefix(p, "**/"); ok && rest != "" {
			g, err := glob.Compile(rest, '/')
			if err != nil {
				return nil, fmt.Errorf("invalid exclude pattern '%s': %w", p, err)
			}
			ex.relative = append(ex.relative, g)
		}
	}
	return ex, nil
}

// Excluded reports whether abs, a file governed by the workspace at root, is
// inside a metadata directory or matches any pattern. Relative patterns match
// the root-relative path or the base name, so directories above root never
// exclude anything.
func (ex *Excluder) Excluded(root, abs string) bool {
	full := filepath.ToSlash(abs)
	for _, seg := range strings.Split(full, "/") {
		if seg == workspace.MetaDirName {
			return true
		}
	}
	if ex == nil {
		return false
	}

	for _, g := range ex.absolute {
		if g.Match(full) {
			return true
		}
	}

	rel := full
	if root != "" {
		rel = workspace.New(root).Rel(abs)
	}
	base := path.Base(full)
	for _, g := range ex.relative {
		if g.Match(rel) || g.Match(base) {
			return true
		}
	}
	return false
}
