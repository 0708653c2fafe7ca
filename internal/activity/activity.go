// Package activity implements the append-only activity log.
//
// The log is a UTF-8 file of newline-delimited JSON records, one per capture.
// Records are appended with a single write on an O_APPEND descriptor so that
// concurrent appenders never interleave partial records, and the file is
// never rewritten in place. Readers scan from the start; append order is the
// canonical history.
package activity

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"edittrail/internal/security"
)

// TimeFormat is the layout of the t and persisted_at fields: UTC with
// millisecond precision.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// MaxAtomicRecord is the largest record size relied on to be written
// atomically by O_APPEND alone. Larger records also take the log lock.
const MaxAtomicRecord = 4096

// Kind is the type of a captured event.
type Kind string

// KindSave covers both partial edits and full overwrites.
const KindSave Kind = "save"

// Errors
var (
	ErrShortWrite = errors.New("activity: short write")
	ErrMalformed  = errors.New("activity: malformed record")
)

// Event is one immutable activity record.
type Event struct {
	Time         string `json:"t"`
	Kind         Kind   `json:"kind"`
	Path         string `json:"path"`
	SHA256       string `json:"sha256"`
	BurstID      string `json:"burst_id"`
	LinesAdded   int    `json:"linesAdded"`
	LinesRemoved int    `json:"linesRemoved"`
	PersistedAt  string `json:"persisted_at"`
	Source       string `json:"source"`
}

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a record timestamp. RFC 3339 variants written by peer
// integrations are accepted.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Marshal renders ev as a single newline-terminated line.
func Marshal(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return append(data, '\n'), nil
}

// Log is an append-only event journal.
type Log interface {
	// Append adds ev to the end of the log.
	Append(ctx context.Context, ev Event) error

	// Events returns all well-formed records in append order.
	Events() ([]Event, error)
}

// FileLog is the on-disk Log.
type FileLog struct {
	path string
	now  func() time.Time
}

// NewFileLog returns a log persisted at path.
func NewFileLog(path string) *FileLog {
	return &FileLog{path: path, now: time.Now}
}

// Path returns the log file location.
func (l *FileLog) Path() string {
	return l.path
}

// Append implements Log. PersistedAt is stamped when empty.
func (l *FileLog) Append(ctx context.Context, ev Event) error {
	if ev.PersistedAt == "" {
		ev.PersistedAt = FormatTime(l.now())
	}
	line, err := Marshal(ev)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if len(line) > MaxAtomicRecord {
		lock, err := security.AcquireLock(ctx, l.path+".lock")
		if err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		defer lock.Release()
	}

	if err := os.MkdirAll(filepath.Dir(l.path), security.PermDataDir); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, security.PermDataFile)
	if err != nil {
		return fmt.Errorf("open activity log: %w", err)
	}
	defer f.Close()

	// One write call per record.
	n, err := f.Write(line)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if n != len(line) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, len(line))
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync activity log: %w", err)
	}
	return nil
}

// Events implements Log. Malformed lines are skipped.
func (l *FileLog) Events() ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open activity log: %w", err)
	}
	defer f.Close()

	var events []Event
	_, err = Scan(f, func(_ int, ev Event, _ []byte) error {
		events = append(events, ev)
		return nil
	})
	return events, err
}

// LineError describes a record that could not be decoded.
type LineError struct {
	Line int
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e LineError) Unwrap() error {
	return e.Err
}

// Scan reads records from r in order, calling fn for each well-formed one
// with its 1-based line number and raw bytes. Blank lines are ignored.
// Malformed lines, including a trailing line without a newline, are returned
// as LineErrors and never stop the scan. An error from fn stops the scan.
func Scan(r io.Reader, fn func(line int, ev Event, raw []byte) error) ([]LineError, error) {
	br := bufio.NewReader(r)
	var bad []LineError

	for lineNo := 1; ; lineNo++ {
		raw, err := br.ReadBytes('\n')
		if len(raw) > 0 {
			complete := raw[len(raw)-1] == '\n'
			body := bytes.TrimSpace(raw)
			switch {
			case len(body) == 0:
			case !complete:
				bad = append(bad, LineError{Line: lineNo, Err: fmt.Errorf("%w: truncated record", ErrMalformed)})
			default:
				var ev Event
				if uerr := json.Unmarshal(body, &ev); uerr != nil {
					bad = append(bad, LineError{Line: lineNo, Err: fmt.Errorf("%w: %v", ErrMalformed, uerr)})
				} else if ferr := fn(lineNo, ev, body); ferr != nil {
					return bad, ferr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return bad, nil
			}
			return bad, fmt.Errorf("read activity log: %w", err)
		}
	}
}

// MemLog is an in-memory Log.
type MemLog struct {
	mu     sync.Mutex
	events []Event
	now    func() time.Time
}

// NewMemLog returns an empty in-memory log.
func NewMemLog() *MemLog {
	return &MemLog{now: time.Now}
}

// Append implements Log.
func (m *MemLog) Append(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.PersistedAt == "" {
		ev.PersistedAt = FormatTime(m.now())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events implements Log.
func (m *MemLog) Events() ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...), nil
}
