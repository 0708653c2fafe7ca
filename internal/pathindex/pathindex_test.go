package pathindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edittrail/internal/security"
)

func digestN(n int) string {
	return fmt.Sprintf("%064x", n)
}

func newTestIndex(t *testing.T) (*FileIndex, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshots", "index.json")
	return NewFileIndex(path), path
}

func TestRecord_HistoryIsOrdered(t *testing.T) {
	x, _ := newTestIndex(t)
	ctx := context.Background()

	for _, d := range []string{digestN(1), digestN(2), digestN(3)} {
		require.NoError(t, x.Record(ctx, "src/a.go", d))
	}

	hist, err := x.History("src/a.go")
	require.NoError(t, err)
	assert.Equal(t, []string{digestN(1), digestN(2), digestN(3)}, hist)
}

func TestRecord_AdjacentDuplicateSkipped(t *testing.T) {
	x, path := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Record(ctx, "src/a.go", digestN(1)))
	before, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, x.Record(ctx, "src/a.go", digestN(1)))
	after, err := os.Stat(path)
	require.NoError(t, err)

	hist, err := x.History("src/a.go")
	require.NoError(t, err)
	assert.Equal(t, []string{digestN(1)}, hist)
	assert.Equal(t, before.ModTime(), after.ModTime(), "unchanged index must not be rewritten")
}

func TestRecord_NonAdjacentRepeatAppended(t *testing.T) {
	x, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Record(ctx, "a.txt", digestN(1)))
	require.NoError(t, x.Record(ctx, "a.txt", digestN(2)))
	require.NoError(t, x.Record(ctx, "a.txt", digestN(1)))

	hist, err := x.History("a.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{digestN(1), digestN(2), digestN(1)}, hist)
}

func TestRecord_EmptyDigestIgnored(t *testing.T) {
	x, path := newTestIndex(t)

	require.NoError(t, x.Record(context.Background(), "a.txt", ""))
	assert.NoFileExists(t, path)
}

func TestRecord_EmptyPath(t *testing.T) {
	x, _ := newTestIndex(t)
	assert.ErrorIs(t, x.Record(context.Background(), "", digestN(1)), ErrEmptyPath)
}

func TestRecord_NormalizesPathBeforeLookup(t *testing.T) {
	x, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Record(ctx, `src\a.go`, digestN(1)))
	require.NoError(t, x.Record(ctx, "./src//a.go", digestN(1)))
	require.NoError(t, x.Record(ctx, "src/a.go", digestN(2)))

	snap, err := x.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"src/a.go": {digestN(1), digestN(2)}}, snap)
}

func TestRecord_LegacySingleValueNormalized(t *testing.T) {
	x, path := newTestIndex(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	legacy := fmt.Sprintf(`{"old.go": %q, "other.go": [%q]}`, digestN(1), digestN(7))
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0644))

	require.NoError(t, x.Record(context.Background(), "old.go", digestN(2)))

	snap, err := x.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{digestN(1), digestN(2)}, snap["old.go"])
	assert.Equal(t, []string{digestN(7)}, snap["other.go"])

	// Persisted form is now an array.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"old.go": [`)
}

func TestRecord_EmptyFileTreatedAsEmptyIndex(t *testing.T) {
	x, path := newTestIndex(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, nil, 0644))

	require.NoError(t, x.Record(context.Background(), "a.txt", digestN(1)))

	hist, err := x.History("a.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{digestN(1)}, hist)
}

func TestRecord_CorruptIndexPreservedAndReplaced(t *testing.T) {
	x, path := newTestIndex(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(`{"a.txt": [`), 0644))

	_, err := x.Snapshot()
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, x.Record(context.Background(), "b.txt", digestN(3)))

	snap, err := x.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"b.txt": {digestN(3)}}, snap)

	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	preserved, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, `{"a.txt": [`, string(preserved))
}

func TestRecord_CorruptIndexRebuilt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots", "index.json")
	calls := 0
	x := NewFileIndex(path, WithRebuild(func() (map[string][]string, error) {
		calls++
		entries := make(map[string][]string)
		Replay(entries, "a.txt", digestN(1))
		Replay(entries, "a.txt", digestN(1))
		Replay(entries, "a.txt", digestN(2))
		return entries, nil
	}))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0644))

	require.NoError(t, x.Record(context.Background(), "b.txt", digestN(3)))
	assert.Equal(t, 1, calls)

	snap, err := x.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"a.txt": {digestN(1), digestN(2)},
		"b.txt": {digestN(3)},
	}, snap)

	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	// A healthy index is never rebuilt.
	require.NoError(t, x.Record(context.Background(), "b.txt", digestN(4)))
	assert.Equal(t, 1, calls)
}

func TestRecord_RebuildFailureFallsBackToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	x := NewFileIndex(path, WithRebuild(func() (map[string][]string, error) {
		return nil, os.ErrPermission
	}))
	require.NoError(t, os.WriteFile(path, []byte(`[1, 2`), 0644))

	require.NoError(t, x.Record(context.Background(), "b.txt", digestN(3)))

	snap, err := x.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"b.txt": {digestN(3)}}, snap)
}

func TestReplay(t *testing.T) {
	entries := make(map[string][]string)
	Replay(entries, "./src//a.go", digestN(1))
	Replay(entries, "src/a.go", digestN(2))
	Replay(entries, "src/a.go", digestN(1))
	Replay(entries, "src/a.go", "")
	Replay(entries, "", digestN(5))

	assert.Equal(t, map[string][]string{
		"src/a.go": {digestN(1), digestN(2), digestN(1)},
	}, entries)
}

func TestRecord_ConcurrentWritersNoLostUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	const writers = 12
	const perWriter = 5

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			// Separate instances share nothing in memory, like separate processes.
			x := NewFileIndex(path)
			for i := 0; i < perWriter; i++ {
				d := digestN(w*100 + i)
				assert.NoError(t, x.Record(context.Background(), fmt.Sprintf("w%d.txt", w), d))
				assert.NoError(t, x.Record(context.Background(), "shared.txt", d))
			}
		}(w)
	}
	wg.Wait()

	snap, err := NewFileIndex(path).Snapshot()
	require.NoError(t, err)

	for w := 0; w < writers; w++ {
		hist := snap[fmt.Sprintf("w%d.txt", w)]
		require.Len(t, hist, perWriter)
		for i := 0; i < perWriter; i++ {
			assert.Equal(t, digestN(w*100+i), hist[i])
		}
	}
	assert.Len(t, snap["shared.txt"], writers*perWriter)

	leftovers, _ := filepath.Glob(path + ".tmp.*")
	assert.Empty(t, leftovers)
}

func TestRecord_LockTimeoutBounded(t *testing.T) {
	x, path := newTestIndex(t)

	held, err := security.AcquireLock(context.Background(), path+LockSuffix)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	err = x.Record(ctx, "a.txt", digestN(1))
	assert.ErrorIs(t, err, security.ErrLockTimeout)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    map[string][]string
		wantErr bool
	}{
		{"empty", "", map[string][]string{}, false},
		{"whitespace", "  \n", map[string][]string{}, false},
		{"object", `{"a": ["x", "y"]}`, map[string][]string{"a": {"x", "y"}}, false},
		{"legacy string", `{"a": "x"}`, map[string][]string{"a": {"x"}}, false},
		{"null entry", `{"a": null}`, map[string][]string{"a": {}}, false},
		{"adjacent dupes collapsed", `{"a": ["x", "x", "y"]}`, map[string][]string{"a": {"x", "y"}}, false},
		{"not an object", `["a"]`, nil, true},
		{"bad entry", `{"a": 3}`, nil, true},
		{"truncated", `{"a": [`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrCorrupt)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeIsValidJSONObject(t *testing.T) {
	data, err := Encode(map[string][]string{"b": {"2"}, "a": {"1"}})
	require.NoError(t, err)
	s := string(data)
	assert.True(t, strings.HasSuffix(s, "\n"))
	assert.Less(t, strings.Index(s, `"a"`), strings.Index(s, `"b"`), "keys are sorted")

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"a": {"1"}, "b": {"2"}}, back)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, Paths(map[string][]string{"c": nil, "a": nil, "b": nil}))
}

func TestMemIndex(t *testing.T) {
	m := NewMemIndex()
	ctx := context.Background()

	require.NoError(t, m.Record(ctx, "src/a.go", digestN(1)))
	require.NoError(t, m.Record(ctx, "src/a.go", digestN(1)))
	require.NoError(t, m.Record(ctx, "src/a.go", digestN(2)))
	require.NoError(t, m.Record(ctx, "src/b.go", ""))

	hist, err := m.History("src/a.go")
	require.NoError(t, err)
	assert.Equal(t, []string{digestN(1), digestN(2)}, hist)

	snap, err := m.Snapshot()
	require.NoError(t, err)
	assert.NotContains(t, snap, "src/b.go")

	assert.ErrorIs(t, m.Record(ctx, "", digestN(1)), ErrEmptyPath)
}
