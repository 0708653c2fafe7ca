// Package pathindex maintains the per-path digest history of a workspace.
//
// The index is a single JSON document mapping workspace-relative paths to the
// insertion-ordered list of digests captured at that path:
//
//	{"src/a.go": ["<sha256>", "<sha256>"]}
//
// Writers serialize through an advisory lock on a sibling lock file and
// publish each new version with a temp-file rename, so readers always see a
// complete document and concurrent writers never lose each other's updates.
package pathindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"edittrail/internal/security"
	"edittrail/internal/workspace"
)

// LockSuffix is appended to the index path to form its lock file.
const LockSuffix = ".lock"

// Errors
var (
	ErrEmptyPath = errors.New("pathindex: empty path")
	ErrCorrupt   = errors.New("pathindex: index file is not valid")
)

// Index maps workspace-relative paths to their digest history.
type Index interface {
	// Record appends digest to the history of path unless it is already the
	// most recent entry. Empty digests are ignored.
	Record(ctx context.Context, path, digest string) error

	// History returns the digests recorded for path, oldest first.
	History(path string) ([]string, error)

	// Snapshot returns a copy of the whole index.
	Snapshot() (map[string][]string, error)
}

// appendDigest applies the adjacent-dedupe rule. It reports whether hist
// changed.
func appendDigest(hist []string, digest string) ([]string, bool) {
	if digest == "" {
		return hist, false
	}
	if n := len(hist); n > 0 && hist[n-1] == digest {
		return hist, false
	}
	return append(hist, digest), true
}

// Decode parses an index document. Legacy entries holding a single digest
// string are normalized to one-element lists; null entries become empty.
func Decode(data []byte) (map[string][]string, error) {
	entries := make(map[string][]string)
	if len(bytes.TrimSpace(data)) == 0 {
		return entries, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	for path, value := range raw {
		key := workspace.NormalizePath(path)
		hist, err := decodeEntry(value)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %q: %v", ErrCorrupt, path, err)
		}
		for _, d := range hist {
			entries[key], _ = appendDigest(entries[key], d)
		}
		if _, ok := entries[key]; !ok {
			entries[key] = []string{}
		}
	}
	return entries, nil
}

func decodeEntry(value json.RawMessage) ([]string, error) {
	trimmed := bytes.TrimSpace(value)
	switch {
	case bytes.Equal(trimmed, []byte("null")):
		return nil, nil
	case len(trimmed) > 0 && trimmed[0] == '"':
		var single string
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, err
		}
		if single == "" {
			return nil, nil
		}
		return []string{single}, nil
	default:
		var list []string
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
}

// Replay appends digest to the history of path in entries using the same
// adjacent-dedupe rule as Record. It is used to recreate an index from an
// ordered journal of captures.
func Replay(entries map[string][]string, path, digest string) {
	key := workspace.NormalizePath(path)
	if key == "" {
		return
	}
	if hist, changed := appendDigest(entries[key], digest); changed {
		entries[key] = hist
	}
}

// Encode renders the index document.
func Encode(entries map[string][]string) ([]byte, error) {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode index: %w", err)
	}
	return append(data, '\n'), nil
}

// RebuildFunc recreates index entries when the index file is corrupt.
type RebuildFunc func() (map[string][]string, error)

// FileIndex is the on-disk Index.
type FileIndex struct {
	path     string
	lockPath string
	logger   *slog.Logger
	now      func() time.Time
	rebuild  RebuildFunc
}

// Option configures a FileIndex.
type Option func(*FileIndex)

// WithLogger sets the logger used for recovered conditions.
func WithLogger(l *slog.Logger) Option {
	return func(x *FileIndex) {
		x.logger = l
	}
}

// WithRebuild sets the source used to recover a corrupt index. Without one a
// corrupt index is replaced by an empty one.
func WithRebuild(fn RebuildFunc) Option {
	return func(x *FileIndex) {
		x.rebuild = fn
	}
}

// NewFileIndex returns an index persisted at path.
func NewFileIndex(path string, opts ...Option) *FileIndex {
	x := &FileIndex{
		path:     path,
		lockPath: path + LockSuffix,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Path returns the index file location.
func (x *FileIndex) Path() string {
	return x.path
}

// Record implements Index. The lock is held only for the read-modify-write
// and acquisition gives up when ctx is done.
func (x *FileIndex) Record(ctx context.Context, path, digest string) error {
	key := workspace.NormalizePath(path)
	if key == "" {
		return ErrEmptyPath
	}
	if digest == "" {
		return nil
	}

	lock, err := security.AcquireLock(ctx, x.lockPath)
	if err != nil {
		return fmt.Errorf("record %s: %w", key, err)
	}
	defer lock.Release()

	entries, err := x.loadForUpdate()
	if err != nil {
		return fmt.Errorf("record %s: %w", key, err)
	}

	hist, changed := appendDigest(entries[key], digest)
	if !changed {
		return nil
	}
	entries[key] = hist

	data, err := Encode(entries)
	if err != nil {
		return err
	}
	if err := security.WriteFileAtomic(x.path, data, security.PermDataFile); err != nil {
		return fmt.Errorf("record %s: write index: %w", key, err)
	}
	return nil
}

// loadForUpdate reads the index under the writer lock. A corrupt document is
// moved aside and replaced by the rebuilt index, or an empty one, so capture
// can continue.
func (x *FileIndex) loadForUpdate() (map[string][]string, error) {
	data, err := os.ReadFile(x.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string][]string), nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}

	entries, err := Decode(data)
	if err == nil {
		return entries, nil
	}

	aside := x.path + ".corrupt-" + strconv.FormatInt(x.now().UnixMilli(), 10)
	if werr := security.WriteFileAtomic(aside, data, security.PermDataFile); werr != nil {
		return nil, fmt.Errorf("preserve corrupt index: %w", werr)
	}

	if x.rebuild != nil {
		rebuilt, rerr := x.rebuild()
		if rerr == nil {
			x.logger.Warn("path index was corrupt; rebuilt from activity log",
				"index", x.path,
				"preserved_as", aside,
				"paths", len(rebuilt),
				"error", err,
			)
			if rebuilt == nil {
				rebuilt = make(map[string][]string)
			}
			return rebuilt, nil
		}
		x.logger.Error("rebuild path index", "index", x.path, "error", rerr)
	}

	x.logger.Warn("path index was corrupt; starting a fresh index",
		"index", x.path,
		"preserved_as", aside,
		"error", err,
	)
	return make(map[string][]string), nil
}

// load reads a consistent snapshot without taking the lock.
func (x *FileIndex) load() (map[string][]string, error) {
	data, err := os.ReadFile(x.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string][]string), nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}
	return Decode(data)
}

// History implements Index.
func (x *FileIndex) History(path string) ([]string, error) {
	entries, err := x.load()
	if err != nil {
		return nil, err
	}
	return append([]string(nil), entries[workspace.NormalizePath(path)]...), nil
}

// Snapshot implements Index.
func (x *FileIndex) Snapshot() (map[string][]string, error) {
	return x.load()
}

// Paths returns the indexed paths in lexical order.
func Paths(entries map[string][]string) []string {
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// MemIndex is an in-memory Index with the same semantics as FileIndex.
type MemIndex struct {
	mu      sync.Mutex
	entries map[string][]string
}

// NewMemIndex returns an empty in-memory index.
func NewMemIndex() *MemIndex {
	return &MemIndex{entries: make(map[string][]string)}
}

// Record implements Index.
func (m *MemIndex) Record(ctx context.Context, path, digest string) error {
	key := workspace.NormalizePath(path)
	if key == "" {
		return ErrEmptyPath
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key], _ = appendDigest(m.entries[key], digest)
	if m.entries[key] == nil {
		delete(m.entries, key)
	}
	return nil
}

// History implements Index.
func (m *MemIndex) History(path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.entries[workspace.NormalizePath(path)]...), nil
}

// Snapshot implements Index.
func (m *MemIndex) Snapshot() (map[string][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]string, len(m.entries))
	for k, v := range m.entries {
		out[k] = append([]string(nil), v...)
	}
	return out, nil
}
