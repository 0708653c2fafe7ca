package logging

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"edittrail/internal/security"
)

// rotateLockWait bounds how long a process waits for another one to finish
// rotating the shared log.
const rotateLockWait = 200 * time.Millisecond

// FileRotator appends to a log file shared by many short-lived hook
// processes. Rotation is size based and serialized across processes by a
// lock file, so only one process renames a full log and the others reopen
// the fresh one.
type FileRotator struct {
	config *Config
	mu     sync.Mutex
	file   *os.File
}

// NewFileRotator opens the log file, creating its directory.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	r := &FileRotator{config: cfg}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	file, err := os.OpenFile(r.config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, security.PermLogFile)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	r.file = file
	return nil
}

func (r *FileRotator) maxBytes() int64 {
	return r.config.MaxSize * 1024 * 1024
}

// Write implements io.Writer. The size is taken from the file itself since
// other processes append to it too.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil && r.stale() {
		r.file.Close()
		r.file = nil
	}
	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}

	if limit := r.maxBytes(); limit > 0 {
		if info, err := r.file.Stat(); err == nil && info.Size()+int64(len(p)) > limit {
			if err := r.rotate(); err != nil {
				return 0, fmt.Errorf("rotate log: %w", err)
			}
		}
	}

	return r.file.Write(p)
}

// stale reports whether another process rotated the log away from r.file.
func (r *FileRotator) stale() bool {
	held, err := r.file.Stat()
	if err != nil {
		return true
	}
	current, err := os.Stat(r.config.FilePath)
	if err != nil {
		return true
	}
	return !os.SameFile(held, current)
}

// rotate moves a full log aside and reopens a fresh one. A process that
// loses the race for the lock, or finds the log already rotated, just
// reopens.
func (r *FileRotator) rotate() error {
	ctx, cancel := context.WithTimeout(context.Background(), rotateLockWait)
	defer cancel()

	lock, err := security.AcquireLock(ctx, r.config.FilePath+".lock")
	if err != nil {
		// Keep writing to the current file; the holder is rotating it.
		return nil
	}
	defer lock.Release()

	// Rotate only if nobody did while we waited for the lock.
	mine := !r.stale()
	r.file.Close()
	r.file = nil

	if mine {
		rotated := r.backupName(time.Now())
		if err := os.Rename(r.config.FilePath, rotated); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("rename log file: %w", err)
		}
		// Inline: the process may exit right after this write.
		if r.config.Compress {
			compress(rotated)
		}
		r.prune()
	}

	return r.open()
}

// backupName is <name>-<time>-<pid><ext>. The pid keeps names unique when
// processes rotate in the same second and the timestamp sorts lexically.
func (r *FileRotator) backupName(now time.Time) string {
	name, ext := r.nameParts()
	return filepath.Join(filepath.Dir(r.config.FilePath),
		fmt.Sprintf("%s-%s-%d%s", name, now.Format("20060102-150405"), os.Getpid(), ext))
}

func (r *FileRotator) nameParts() (string, string) {
	base := filepath.Base(r.config.FilePath)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext), ext
}

// compress replaces path with a gzip copy. On failure the plain file stays.
func compress(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_EXCL|os.O_WRONLY, security.PermLogFile)
	if err != nil {
		return
	}
	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)

	_, err = io.Copy(gz, in)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// backups returns rotated logs, oldest first.
func (r *FileRotator) backups() []string {
	dir := filepath.Dir(r.config.FilePath)
	name, ext := r.nameParts()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, name+"-") {
			continue
		}
		if strings.HasSuffix(n, ext) || strings.HasSuffix(n, ext+".gz") {
			out = append(out, filepath.Join(dir, n))
		}
	}
	sort.Strings(out)
	return out
}

// prune applies MaxBackups and MaxAge. Called with the rotation lock held.
func (r *FileRotator) prune() {
	files := r.backups()

	if n := r.config.MaxBackups; n > 0 && len(files) > n {
		for _, f := range files[:len(files)-n] {
			os.Remove(f)
		}
		files = files[len(files)-n:]
	}

	if r.config.MaxAge > 0 {
		cutoff := time.Now().AddDate(0, 0, -r.config.MaxAge)
		for _, f := range files {
			if info, err := os.Stat(f); err == nil && info.ModTime().Before(cutoff) {
				os.Remove(f)
			}
		}
	}
}

// Close closes the underlying file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Sync flushes the file to disk.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}
