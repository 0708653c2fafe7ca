// Package watcher monitors directories and turns settled file changes into
// capture triggers.
//
// It is the integration used for editors that have no hook of their own: a
// file is captured as a full overwrite once it has stopped changing for the
// debounce interval.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"edittrail/internal/capture"
	"edittrail/internal/workspace"
)

// DefaultSource tags records produced by the watcher.
const DefaultSource = "edittrail-watch"

// Event is a file that has settled after a change.
type Event struct {
	Path      string
	Root      string
	Timestamp time.Time
}

// Capturer runs a capture for a trigger.
type Capturer interface {
	Capture(ctx context.Context, t capture.Trigger) capture.Result
}

// Options configure a Watcher.
type Options struct {
	Paths     []string
	Debounce  time.Duration
	Recursive bool
	Source    string
	Exclude   *capture.Excluder
	Logger    *slog.Logger
}

// tracked is a pending file change.
type tracked struct {
	root    string
	lastMod time.Time
}

// Watcher monitors directories for changes.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	opts      Options
	session   string
	roots     []string

	// Debounce and Exclude may change while running.
	optsMu sync.RWMutex

	// path -> pending change
	state   map[string]tracked
	stateMu sync.RWMutex

	events chan Event
	errors chan error

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new watcher. Nothing is watched until Start.
func New(opts Options) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.Source == "" {
		opts.Source = DefaultSource
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		opts:      opts,
		session:   uuid.NewString(),
		state:     make(map[string]tracked),
		events:    make(chan Event, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

// Session returns the burst id shared by every capture of this watcher.
func (w *Watcher) Session() string {
	return w.session
}

// Events returns the channel of settled files.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start begins watching all configured paths. Existing files are not
// captured until they change.
func (w *Watcher) Start() error {
	for _, path := range w.opts.Paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return err
		}

		info, err := os.Stat(absPath)
		if err != nil {
			return err
		}

		root := absPath
		if !info.IsDir() {
			root = filepath.Dir(absPath)
		}
		w.roots = append(w.roots, root)

		if info.IsDir() && w.opts.Recursive {
			if err := w.addTree(absPath); err != nil {
				return err
			}
			continue
		}
		if err := w.fsWatcher.Add(root); err != nil {
			return err
		}
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()

	return nil
}

// addTree watches dir and every subdirectory that is not excluded.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.skip(path) {
			return filepath.SkipDir
		}
		return w.fsWatcher.Add(path)
	})
}

func (w *Watcher) skip(path string) bool {
	if filepath.Base(path) == workspace.MetaDirName {
		return true
	}
	_, ex := w.settings()
	return ex.Excluded(w.rootOf(path), path)
}

func (w *Watcher) settings() (time.Duration, *capture.Excluder) {
	w.optsMu.RLock()
	defer w.optsMu.RUnlock()
	return w.opts.Debounce, w.opts.Exclude
}

// Reconfigure replaces the debounce interval and exclude patterns of a
// running watcher. A non-positive debounce keeps the current one. Already
// watched directories stay watched.
func (w *Watcher) Reconfigure(debounce time.Duration, exclude *capture.Excluder) {
	w.optsMu.Lock()
	defer w.optsMu.Unlock()
	if debounce > 0 {
		w.opts.Debounce = debounce
	}
	w.opts.Exclude = exclude
}

// Stop gracefully shuts down the watcher.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		close(w.events)
		close(w.errors)
		err = w.fsWatcher.Close()
	})
	return err
}

// rootOf returns the watched root containing path.
func (w *Watcher) rootOf(path string) string {
	best := ""
	for _, r := range w.roots {
		rel, err := filepath.Rel(r, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if len(r) > len(best) {
			best = r
		}
	}
	if best == "" {
		return filepath.Dir(path)
	}
	return best
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if w.skip(event.Name) {
				continue
			}

			info, err := os.Stat(event.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				if w.opts.Recursive && event.Op&fsnotify.Create != 0 {
					if err := w.addTree(event.Name); err != nil {
						w.sendErr(err)
					}
				}
				continue
			}

			w.stateMu.Lock()
			w.state[event.Name] = tracked{root: w.rootOf(event.Name), lastMod: time.Now()}
			w.stateMu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.sendErr(err)
		}
	}
}

func (w *Watcher) sendErr(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	debounce, _ := w.settings()
	tick := debounce / 2
	if tick > 250*time.Millisecond {
		tick = 250 * time.Millisecond
	}
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.checkStableFiles(now)
		}
	}
}

// checkStableFiles emits files that haven't changed for the debounce
// interval.
func (w *Watcher) checkStableFiles(now time.Time) {
	debounce, _ := w.settings()
	threshold := now.Add(-debounce)

	w.stateMu.Lock()
	defer w.stateMu.Unlock()

	for path, t := range w.state {
		if !t.lastMod.Before(threshold) {
			continue
		}
		select {
		case w.events <- Event{Path: path, Root: t.root, Timestamp: now}:
			// Not emitted again until the next modification.
			delete(w.state, path)
		default:
			// Event channel full, try again later
		}
	}
}

// Trigger builds the capture trigger for ev.
func (w *Watcher) Trigger(ev Event) capture.WriteTrigger {
	return capture.WriteTrigger{
		Envelope: capture.Envelope{
			SessionID: w.session,
			Cwd:       ev.Root,
			FilePath:  ev.Path,
			Source:    w.opts.Source,
		},
	}
}

// Run starts the watcher and captures every settled file with c until ctx
// is done.
func (w *Watcher) Run(ctx context.Context, c Capturer) error {
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.events:
			res := c.Capture(ctx, w.Trigger(ev))
			w.opts.Logger.Debug("watch capture",
				"path", ev.Path,
				"captured", res.Captured(),
				"reason", res.Reason,
			)
		case err := <-w.errors:
			w.opts.Logger.Warn("watch error", "error", err)
		}
	}
}

// WatchedPaths returns the list of paths being watched.
func (w *Watcher) WatchedPaths() []string {
	return w.opts.Paths
}

// TrackedFiles returns the current number of pending files.
func (w *Watcher) TrackedFiles() int {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return len(w.state)
}
