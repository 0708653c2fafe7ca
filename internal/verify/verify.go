// Package verify checks a workspace's evidence for consistency.
//
// Every record in the activity log that carries a digest must have a blob
// and must appear in its path's index history. Blobs and index entries that
// no record refers to are orphans left by interrupted captures; they are
// reported but do not make a workspace invalid.
package verify

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"edittrail/internal/activity"
	"edittrail/internal/blob"
	"edittrail/internal/pathindex"
	"edittrail/internal/workspace"
)

// Severity classifies a finding.
type Severity string

const (
	// SeverityViolation breaks a store invariant.
	SeverityViolation Severity = "violation"
	// SeverityInfo is tolerated.
	SeverityInfo Severity = "info"
)

// Code identifies the kind of finding.
type Code string

const (
	CodeMalformedLine Code = "malformed_line"
	CodeMissingBlob   Code = "missing_blob"
	CodeNotIndexed    Code = "not_indexed"
	CodeCorruptBlob   Code = "corrupt_blob"
	CodeCorruptIndex  Code = "corrupt_index"
	CodeOrphanBlob    Code = "orphan_blob"
	CodeOrphanIndex   Code = "orphan_index"
)

var severities = map[Code]Severity{
	CodeMalformedLine: SeverityViolation,
	CodeMissingBlob:   SeverityViolation,
	CodeNotIndexed:    SeverityViolation,
	CodeCorruptBlob:   SeverityViolation,
	CodeCorruptIndex:  SeverityViolation,
	CodeOrphanBlob:    SeverityInfo,
	CodeOrphanIndex:   SeverityInfo,
}

// Finding is one problem found during a check.
type Finding struct {
	Code     Code     `json:"code"`
	Severity Severity `json:"severity"`
	Line     int      `json:"line,omitempty"`
	Path     string   `json:"path,omitempty"`
	Digest   string   `json:"digest,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// Report is the result of checking a workspace.
type Report struct {
	Root      string        `json:"root"`
	CheckedAt time.Time     `json:"checked_at"`
	Duration  time.Duration `json:"duration_ns"`

	Records  int `json:"records"`
	Degraded int `json:"degraded"`
	Blobs    int `json:"blobs"`
	Paths    int `json:"paths"`

	Findings []Finding `json:"findings,omitempty"`
	Valid    bool      `json:"valid"`
}

// Violations returns the findings that break an invariant.
func (r *Report) Violations() []Finding {
	return r.filter(SeverityViolation)
}

// Orphans returns the tolerated findings.
func (r *Report) Orphans() []Finding {
	return r.filter(SeverityInfo)
}

// Count returns the number of findings with code c.
func (r *Report) Count(c Code) int {
	n := 0
	for _, f := range r.Findings {
		if f.Code == c {
			n++
		}
	}
	return n
}

func (r *Report) filter(s Severity) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == s {
			out = append(out, f)
		}
	}
	return out
}

func (r *Report) add(f Finding) {
	f.Severity = severities[f.Code]
	r.Findings = append(r.Findings, f)
}

// Options control a check.
type Options struct {
	// SkipIntegrity skips decompressing and re-hashing every blob.
	SkipIntegrity bool
}

// Check verifies the workspace's log, index and blob store against each
// other. An error is returned only when a store cannot be read at all.
func Check(ws *workspace.Workspace, opts Options) (*Report, error) {
	start := time.Now()
	report := &Report{
		Root:      ws.Root,
		CheckedAt: start.UTC(),
	}

	store := blob.NewFileStore(ws.SnapshotsDir())
	index := pathindex.NewFileIndex(ws.IndexPath())

	digests, err := store.List()
	if err != nil {
		return nil, err
	}
	report.Blobs = len(digests)

	entries, err := index.Snapshot()
	if err != nil {
		if !errors.Is(err, pathindex.ErrCorrupt) {
			return nil, err
		}
		report.add(Finding{Code: CodeCorruptIndex, Message: err.Error()})
		entries = map[string][]string{}
	}
	report.Paths = len(entries)

	indexed := make(map[string]map[string]bool, len(entries))
	for p, hist := range entries {
		set := make(map[string]bool, len(hist))
		for _, d := range hist {
			set[d] = true
		}
		indexed[p] = set
	}

	// path -> digest pairs referenced by the log
	logged := make(map[string]map[string]bool)
	referenced := make(map[string]bool)

	if err := scanLog(ws.LogPath(), func(line int, ev activity.Event) {
		report.Records++
		if ev.SHA256 == "" {
			report.Degraded++
			return
		}
		referenced[ev.SHA256] = true
		if logged[ev.Path] == nil {
			logged[ev.Path] = make(map[string]bool)
		}
		logged[ev.Path][ev.SHA256] = true

		if !store.Has(ev.SHA256) {
			report.add(Finding{Code: CodeMissingBlob, Line: line, Path: ev.Path, Digest: ev.SHA256})
		}
		if !indexed[ev.Path][ev.SHA256] {
			report.add(Finding{Code: CodeNotIndexed, Line: line, Path: ev.Path, Digest: ev.SHA256})
		}
	}, report); err != nil {
		return nil, err
	}

	for _, p := range pathindex.Paths(entries) {
		for _, d := range entries[p] {
			if !logged[p][d] {
				report.add(Finding{Code: CodeOrphanIndex, Path: p, Digest: d})
			}
		}
	}

	for _, d := range digests {
		if !opts.SkipIntegrity {
			if _, err := store.Get(d); err != nil {
				if !errors.Is(err, blob.ErrCorrupt) {
					return nil, err
				}
				report.add(Finding{Code: CodeCorruptBlob, Digest: d, Message: err.Error()})
				continue
			}
		}
		if !referenced[d] {
			report.add(Finding{Code: CodeOrphanBlob, Digest: d})
		}
	}

	sort.SliceStable(report.Findings, func(i, j int) bool {
		return report.Findings[i].Severity == SeverityViolation && report.Findings[j].Severity != SeverityViolation
	})
	report.Valid = len(report.Violations()) == 0
	report.Duration = time.Since(start)
	return report, nil
}

// scanLog walks the activity log, reporting lines that fail to decode or do
// not match the record schema. A missing log is empty.
func scanLog(path string, fn func(line int, ev activity.Event), report *Report) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open activity log: %w", err)
	}
	defer f.Close()

	bad, err := activity.Scan(f, func(line int, ev activity.Event, raw []byte) error {
		if verr := activity.Validate(raw); verr != nil {
			report.add(Finding{Code: CodeMalformedLine, Line: line, Message: verr.Error()})
			return nil
		}
		fn(line, ev)
		return nil
	})
	for _, le := range bad {
		report.add(Finding{Code: CodeMalformedLine, Line: le.Line, Message: le.Err.Error()})
	}
	return err
}
