// Package internal provides integration tests for the edittrail capture
// pipeline.
//
// These tests drive complete captures through the real stores:
// 1. Resolve a workspace from the agent's working directory
// 2. Snapshot, index and log each edit
// 3. Check the resulting workspace for consistency
package internal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"edittrail/internal/activity"
	"edittrail/internal/blob"
	"edittrail/internal/capture"
	"edittrail/internal/pathindex"
	"edittrail/internal/verify"
	"edittrail/internal/workspace"
)

// =============================================================================
// INTEGRATION: Concurrent hook invocations
// =============================================================================

// TestConcurrentCapturesStayConsistent runs many captures at once, each with
// its own orchestrator and stores as separate hook processes would have.
func TestConcurrentCapturesStayConsistent(t *testing.T) {
	root := t.TempDir()
	const writers = 8
	const rounds = 5

	for i := 0; i < writers; i++ {
		path := filepath.Join(root, fmt.Sprintf("f%d.txt", i))
		if err := os.WriteFile(path, []byte(fmt.Sprintf("file %d\n", i)), 0644); err != nil {
			t.Fatal(err)
		}
	}
	shared := filepath.Join(root, "shared.txt")
	if err := os.WriteFile(shared, []byte("same bytes\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers*rounds*2)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orch := capture.New()
			for r := 0; r < rounds; r++ {
				for _, file := range []string{filepath.Join(root, fmt.Sprintf("f%d.txt", i)), shared} {
					res := orch.Capture(context.Background(), capture.EditTrigger{
						Envelope:  capture.Envelope{SessionID: fmt.Sprintf("s%d", i), Cwd: root, FilePath: file},
						NewString: "x\n",
					})
					if !res.Captured() {
						errs <- fmt.Errorf("writer %d: not captured: %s", i, res.Reason)
					} else if err := res.Err(); err != nil {
						errs <- fmt.Errorf("writer %d: %w", i, err)
					}
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	ws := workspace.New(root)
	events, err := activity.NewFileLog(ws.LogPath()).Events()
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if want := writers * rounds * 2; len(events) != want {
		t.Errorf("expected %d records, got %d", want, len(events))
	}

	// The shared file was identical every time: one blob, one history entry.
	digests, err := blob.NewFileStore(ws.SnapshotsDir()).List()
	if err != nil {
		t.Fatal(err)
	}
	if len(digests) != writers+1 {
		t.Errorf("expected %d blobs, got %d", writers+1, len(digests))
	}
	hist, err := pathindex.NewFileIndex(ws.IndexPath()).History("shared.txt")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0] != blob.Digest([]byte("same bytes\n")) {
		t.Errorf("unexpected shared history %v", hist)
	}

	report, err := verify.Check(ws, verify.Options{})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.Valid {
		t.Errorf("workspace inconsistent: %s %+v", report.Summary(), report.Violations())
	}
}

// =============================================================================
// INTEGRATION: Nested workspaces
// =============================================================================

// TestNestedWorkspaceCapture checks that an edit is recorded in the nearest
// enclosing workspace only.
func TestNestedWorkspaceCapture(t *testing.T) {
	outer := t.TempDir()
	inner := filepath.Join(outer, "sub")
	for _, dir := range []string{filepath.Join(outer, workspace.MetaDirName), filepath.Join(inner, workspace.MetaDirName)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	file := filepath.Join(inner, "pkg", "a.go")
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(file, []byte("package a\n"), 0644); err != nil {
		t.Fatal(err)
	}

	res := capture.New().Capture(context.Background(), capture.WriteTrigger{
		Envelope: capture.Envelope{SessionID: "s", Cwd: filepath.Join(inner, "pkg"), FilePath: file},
	})
	if !res.Captured() {
		t.Fatalf("not captured: %s %v", res.Reason, res.Err())
	}
	if res.Event.Path != "pkg/a.go" {
		t.Errorf("expected path relative to inner root, got %s", res.Event.Path)
	}

	if events, _ := activity.NewFileLog(workspace.New(outer).LogPath()).Events(); len(events) != 0 {
		t.Errorf("outer workspace should be untouched, has %d records", len(events))
	}
	if events, _ := activity.NewFileLog(workspace.New(inner).LogPath()).Events(); len(events) != 1 {
		t.Errorf("inner workspace should have 1 record, has %d", len(events))
	}
}

// =============================================================================
// INTEGRATION: Index recovery
// =============================================================================

// TestCorruptIndexRecoveryStaysConsistent checks that history recorded before
// the index was damaged survives the next capture.
func TestCorruptIndexRecoveryStaysConsistent(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a.txt")
	b := filepath.Join(root, "b.txt")
	for _, f := range []string{a, b} {
		if err := os.WriteFile(f, []byte(filepath.Base(f)+"\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	orch := capture.New()
	if res := orch.Capture(context.Background(), capture.WriteTrigger{Envelope: capture.Envelope{Cwd: root, FilePath: a}}); !res.Captured() {
		t.Fatalf("capture a.txt: %s %v", res.Reason, res.Err())
	}

	ws := workspace.New(root)
	if err := os.WriteFile(ws.IndexPath(), []byte("{broken"), 0644); err != nil {
		t.Fatal(err)
	}

	if res := orch.Capture(context.Background(), capture.WriteTrigger{Envelope: capture.Envelope{Cwd: root, FilePath: b}}); !res.Captured() {
		t.Fatalf("capture b.txt: %s %v", res.Reason, res.Err())
	}

	report, err := verify.Check(ws, verify.Options{})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.Valid {
		t.Errorf("workspace inconsistent after recovery: %s %+v", report.Summary(), report.Violations())
	}
	if hist, _ := pathindex.NewFileIndex(ws.IndexPath()).History("a.txt"); len(hist) != 1 {
		t.Errorf("a.txt history lost: %v", hist)
	}
}
