// Package blob implements the content-addressed snapshot store.
//
// Blobs are keyed by the lowercase hex SHA-256 of the uncompressed bytes and
// stored gzip-compressed as "<digest>.gz". A digest is written at most once;
// storing the same bytes again is a no-op.
package blob

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"edittrail/internal/security"
)

// Suffix is appended to the digest to form a blob file name.
const Suffix = ".gz"

// DigestLen is the length of a hex-encoded SHA-256 digest.
const DigestLen = sha256.Size * 2

// Errors
var (
	ErrNotFound      = errors.New("blob: not found")
	ErrInvalidDigest = errors.New("blob: invalid digest")
	ErrCorrupt       = errors.New("blob: content does not match digest")
)

// Store is a content-addressed blob repository.
type Store interface {
	// Put stores data under its digest and returns the digest. The digest is
	// returned even when persisting fails.
	Put(ctx context.Context, data []byte) (string, error)

	// Has reports whether a blob exists for digest.
	Has(digest string) bool

	// Get returns the uncompressed bytes for digest.
	Get(digest string) ([]byte, error)

	// List returns all stored digests in lexical order.
	List() ([]string, error)
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidDigest reports whether s looks like a digest produced by Digest.
func ValidDigest(s string) bool {
	return security.ValidateHexString(s, DigestLen) == nil
}

// FileStore keeps blobs as individual files in a directory.
type FileStore struct {
	dir   string
	level int

	writes atomic.Uint64
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithCompressionLevel sets the gzip level used for new blobs.
func WithCompressionLevel(level int) Option {
	return func(s *FileStore) {
		s.level = level
	}
}

// NewFileStore returns a store rooted at dir. The directory is created lazily.
func NewFileStore(dir string, opts ...Option) *FileStore {
	s := &FileStore{
		dir:   dir,
		level: gzip.DefaultCompression,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the blob directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the file a digest is stored in.
func (s *FileStore) Path(digest string) string {
	return filepath.Join(s.dir, digest+Suffix)
}

// Writes returns the number of blobs this store instance physically created.
func (s *FileStore) Writes() uint64 {
	return s.writes.Load()
}

// Put implements Store.
func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	digest := Digest(data)

	path := s.Path(digest)
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}

	if err := ctx.Err(); err != nil {
		return digest, fmt.Errorf("store blob %s: %w", digest, err)
	}

	w, err := security.NewAtomicFileWriter(path, security.PermDataFile)
	if err != nil {
		return digest, fmt.Errorf("store blob %s: %w", digest, err)
	}

	zw, err := gzip.NewWriterLevel(w, s.level)
	if err != nil {
		w.Abort()
		return digest, fmt.Errorf("compress blob %s: %w", digest, err)
	}
	if _, err := zw.Write(data); err != nil {
		w.Abort()
		return digest, fmt.Errorf("compress blob %s: %w", digest, err)
	}
	if err := zw.Close(); err != nil {
		w.Abort()
		return digest, fmt.Errorf("compress blob %s: %w", digest, err)
	}

	created, err := w.CommitNew()
	if err != nil {
		return digest, fmt.Errorf("store blob %s: %w", digest, err)
	}
	if created {
		s.writes.Add(1)
	}
	return digest, nil
}

// Has implements Store.
func (s *FileStore) Has(digest string) bool {
	if !ValidDigest(digest) {
		return false
	}
	_, err := os.Stat(s.Path(digest))
	return err == nil
}

// Get implements Store. The decompressed content is re-hashed and rejected
// with ErrCorrupt if it does not match digest.
func (s *FileStore) Get(digest string) ([]byte, error) {
	if !ValidDigest(digest) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDigest, digest)
	}

	f, err := os.Open(s.Path(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	defer f.Close()

	data, err := decompress(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, digest, err)
	}
	if Digest(data) != digest {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, digest)
	}
	return data, nil
}

// List implements Store.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list blobs: %w", err)
	}

	var digests []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, ok := strings.CutSuffix(e.Name(), Suffix)
		if !ok || !ValidDigest(name) {
			continue
		}
		digests = append(digests, name)
	}
	sort.Strings(digests)
	return digests, nil
}

func decompress(r io.Reader) ([]byte, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// MemStore is an in-memory Store. It keeps compressed bytes so that the
// compression path is exercised the same way as FileStore.
type MemStore struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	writes int
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string][]byte)}
}

// Writes returns the number of physical writes performed.
func (m *MemStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Put implements Store.
func (m *MemStore) Put(ctx context.Context, data []byte) (string, error) {
	digest := Digest(data)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.blobs[digest]; ok {
		return digest, nil
	}
	if err := ctx.Err(); err != nil {
		return digest, fmt.Errorf("store blob %s: %w", digest, err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return digest, fmt.Errorf("compress blob %s: %w", digest, err)
	}
	if err := zw.Close(); err != nil {
		return digest, fmt.Errorf("compress blob %s: %w", digest, err)
	}

	m.blobs[digest] = buf.Bytes()
	m.writes++
	return digest, nil
}

// Has implements Store.
func (m *MemStore) Has(digest string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[digest]
	return ok
}

// Get implements Store.
func (m *MemStore) Get(digest string) ([]byte, error) {
	m.mu.RLock()
	compressed, ok := m.blobs[digest]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	return decompress(bytes.NewReader(compressed))
}

// List implements Store.
func (m *MemStore) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	digests := make([]string, 0, len(m.blobs))
	for d := range m.blobs {
		digests = append(digests, d)
	}
	sort.Strings(digests)
	return digests, nil
}
