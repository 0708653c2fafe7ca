// Package workspace locates the shared edittrail metadata directory.
//
// A workspace root is any directory containing a ".edittrail" directory. The
// resolver walks upward from a starting directory and the nearest match wins,
// so nested workspaces shadow their parents. When no ancestor qualifies the
// starting directory becomes a new root.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Layout of the metadata directory.
const (
	MetaDirName      = ".edittrail"
	EvidenceDirName  = "evidence"
	SnapshotsDirName = "snapshots"
	LogFileName      = "activity.jsonl"
	IndexFileName    = "index.json"
)

const dirPerm os.FileMode = 0755

// ErrNoStart is returned when Resolve is called without a starting directory
// and the process working directory cannot be determined.
var ErrNoStart = errors.New("workspace: no starting directory")

// Workspace is a resolved workspace root.
type Workspace struct {
	// Root is the absolute directory that holds the metadata directory.
	Root string

	// Created reports whether this resolution materialized a new root.
	Created bool

	realRoot string
}

// Resolver finds the workspace governing a directory.
type Resolver interface {
	Resolve(start string) (*Workspace, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(start string) (*Workspace, error)

// Resolve calls f(start).
func (f ResolverFunc) Resolve(start string) (*Workspace, error) {
	return f(start)
}

// DefaultResolver resolves against the local filesystem.
var DefaultResolver Resolver = ResolverFunc(Resolve)

// Resolve returns the nearest ancestor of start (inclusive) that contains the
// metadata directory. On a miss, start itself is made a workspace root.
func Resolve(start string) (*Workspace, error) {
	if start == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoStart, err)
		}
		start = wd
	}

	abs, err := filepath.Abs(start)
	if err != nil {
		return nil, fmt.Errorf("resolve start directory: %w", err)
	}

	if root, ok := Find(abs); ok {
		ws := New(root)
		if err := ws.ensureLayout(); err != nil {
			return nil, err
		}
		return ws, nil
	}

	ws := New(abs)
	ws.Created = true
	if err := ws.ensureLayout(); err != nil {
		return nil, err
	}
	return ws, nil
}

// Find walks upward from dir and returns the first directory holding a
// metadata directory. It never creates anything.
func Find(dir string) (string, bool) {
	dir = filepath.Clean(dir)
	for {
		info, err := os.Stat(filepath.Join(dir, MetaDirName))
		if err == nil && info.IsDir() {
			return dir, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// New returns a Workspace rooted at root without touching the filesystem.
func New(root string) *Workspace {
	root = filepath.Clean(root)
	real, err := filepath.EvalSymlinks(root)
	if err != nil {
		real = root
	}
	return &Workspace{Root: root, realRoot: real}
}

// ensureLayout creates the metadata directory and its subdirectories.
func (w *Workspace) ensureLayout() error {
	for _, dir := range []string{w.EvidenceDir(), w.SnapshotsDir()} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// MetaDir returns the metadata directory.
func (w *Workspace) MetaDir() string {
	return filepath.Join(w.Root, MetaDirName)
}

// EvidenceDir returns the directory holding the activity log.
func (w *Workspace) EvidenceDir() string {
	return filepath.Join(w.MetaDir(), EvidenceDirName)
}

// SnapshotsDir returns the directory holding blobs and the path index.
func (w *Workspace) SnapshotsDir() string {
	return filepath.Join(w.MetaDir(), SnapshotsDirName)
}

// LogPath returns the activity log file.
func (w *Workspace) LogPath() string {
	return filepath.Join(w.EvidenceDir(), LogFileName)
}

// IndexPath returns the path index file.
func (w *Workspace) IndexPath() string {
	return filepath.Join(w.SnapshotsDir(), IndexFileName)
}

// Rel returns abs relative to the workspace root with forward slashes.
// Paths outside the root are returned absolute, slash-normalized.
func (w *Workspace) Rel(abs string) string {
	abs = filepath.Clean(abs)

	if rel, ok := relWithin(w.Root, abs); ok {
		return rel
	}

	// The root or the file may be reached through a symlink (e.g. /tmp on
	// macOS); compare resolved forms before giving up.
	real := abs
	if r, err := filepath.EvalSymlinks(abs); err == nil {
		real = r
	} else if r, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		real = filepath.Join(r, filepath.Base(abs))
	}
	if rel, ok := relWithin(w.realRoot, real); ok {
		return rel
	}

	return NormalizePath(abs)
}

// Contains reports whether abs lies inside the metadata directory.
func (w *Workspace) Contains(abs string) bool {
	_, ok := relWithin(w.MetaDir(), filepath.Clean(abs))
	return ok
}

func relWithin(root, abs string) (string, bool) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return NormalizePath(rel), true
}

// NormalizePath converts separators to forward slashes and cleans the result.
// It is applied to every index key before lookup.
func NormalizePath(p string) string {
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean(p)
}
