package security

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// File permission constants
const (
	// PermDataFile is the permission for shared workspace data files.
	PermDataFile os.FileMode = 0644

	// PermDataDir is the permission for shared workspace directories.
	PermDataDir os.FileMode = 0755

	// PermLogFile is the permission for operator log files.
	PermLogFile os.FileMode = 0640
)

// File operation errors
var (
	ErrAtomicWriteFailed = errors.New("security: atomic write failed")
	ErrTempFileFailed    = errors.New("security: temporary file creation failed")
	ErrFileTooLarge      = errors.New("security: file exceeds maximum size")
	ErrLockTimeout       = errors.New("security: timed out waiting for file lock")
)

// lockPollInterval is how often a contended lock is retried.
const lockPollInterval = 5 * time.Millisecond

// AtomicFileWriter writes to a temporary file in the target directory and
// renames it over the destination on Commit.
type AtomicFileWriter struct {
	path     string
	tempFile *os.File
	tempPath string
}

// NewAtomicFileWriter creates a writer for an atomic replace of path.
func NewAtomicFileWriter(path string, perm os.FileMode) (*AtomicFileWriter, error) {
	cleanPath, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cleanPath), PermDataDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	// Same directory so the rename never crosses filesystems.
	tempPath := cleanPath + ".tmp." + randomSuffix()
	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTempFileFailed, err)
	}

	return &AtomicFileWriter{
		path:     cleanPath,
		tempFile: tempFile,
		tempPath: tempPath,
	}, nil
}

// Write writes data to the temporary file.
func (w *AtomicFileWriter) Write(p []byte) (n int, err error) {
	return w.tempFile.Write(p)
}

// TempPath returns the path of the temporary file.
func (w *AtomicFileWriter) TempPath() string {
	return w.tempPath
}

// Close syncs and closes the temporary file without publishing it.
func (w *AtomicFileWriter) Close() error {
	if err := w.tempFile.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("sync: %w", err)
	}
	if err := w.tempFile.Close(); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

// Commit atomically moves the temporary file to the final path.
func (w *AtomicFileWriter) Commit() error {
	if err := w.Close(); err != nil {
		return err
	}

	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}

	return nil
}

// CommitNew publishes the temporary file only if the destination does not
// exist yet. It reports whether this call created the destination.
func (w *AtomicFileWriter) CommitNew() (bool, error) {
	if err := w.Close(); err != nil {
		return false, err
	}
	defer os.Remove(w.tempPath)

	// link(2) fails with EEXIST instead of replacing, which makes the
	// publish step create-once across processes.
	if err := os.Link(w.tempPath, w.path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		// Filesystems without hard links fall back to a rename guarded by
		// an existence check. Identical content makes the race benign.
		if _, statErr := os.Stat(w.path); statErr == nil {
			return false, nil
		}
		if err := os.Rename(w.tempPath, w.path); err != nil {
			return false, fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
		}
	}
	return true, nil
}

// Abort cancels the write and removes the temporary file.
func (w *AtomicFileWriter) Abort() {
	w.tempFile.Close()
	os.Remove(w.tempPath)
}

// randomSuffix generates a random suffix for temporary files.
func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// WriteFileAtomic writes data to path via temp file and rename.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	writer, err := NewAtomicFileWriter(path, perm)
	if err != nil {
		return err
	}

	if _, err := writer.Write(data); err != nil {
		writer.Abort()
		return err
	}

	return writer.Commit()
}

// readChunk is how much ReadFileLimited reads between context checks.
const readChunk = 1 << 20

// ReadFileLimited reads a file, refusing files larger than maxSize bytes.
// A maxSize of zero disables the check. The read stops when ctx is done.
func ReadFileLimited(ctx context.Context, path string, maxSize int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, info.Size(), maxSize)
	}

	var r io.Reader = f
	if maxSize > 0 {
		// The file may grow while it is read.
		r = io.LimitReader(f, maxSize+1)
	}

	data := make([]byte, 0, info.Size())
	buf := make([]byte, readChunk)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(buf)
		data = append(data, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: grew past limit %d", ErrFileTooLarge, maxSize)
	}
	return data, nil
}

// FileLock is an advisory, cross-process exclusive lock held on a lock file.
type FileLock struct {
	file *os.File
}

// AcquireLock opens (creating if needed) the lock file at path and takes an
// exclusive advisory lock on it, polling until ctx is done.
func AcquireLock(ctx context.Context, path string) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), PermDataDir); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, PermDataFile)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	for {
		ok, err := tryLockFile(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if ok {
			return &FileLock{file: f}, nil
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, path, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

// Release drops the lock and closes the lock file.
func (l *FileLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlockFile(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
