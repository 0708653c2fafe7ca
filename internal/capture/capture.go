// Package capture turns editing triggers into evidence.
//
// A capture stores the file's current content in the blob store, appends its
// digest to the path index and appends one record to the activity log, in
// that order. Each step is best-effort: failures are reported in the Result
// and logged, never returned, and never stop the later steps.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"edittrail/internal/activity"
	"edittrail/internal/security"
	"edittrail/internal/workspace"
)

// Defaults
const (
	DefaultSource      = "edittrail-hook"
	DefaultTimeout     = 2 * time.Second
	DefaultStepTimeout = 500 * time.Millisecond
	DefaultMaxFileSize = 50 * 1024 * 1024
)

// State is the orchestrator lifecycle.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateCapturing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateCapturing:
		return "capturing"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Step names a unit of work inside Capturing.
type Step string

const (
	StepResolve Step = "resolve"
	StepRead    Step = "read"
	StepBlob    Step = "blob"
	StepIndex   Step = "index"
	StepLog     Step = "log"
)

// Early exit reasons.
const (
	ReasonIgnored   = "ignored tool"
	ReasonNoPath    = "no file path"
	ReasonBadPath   = "invalid file path"
	ReasonExcluded  = "excluded path"
	ReasonMissing   = "file does not exist"
	ReasonDirectory = "target is a directory"
	ReasonNoStore   = "workspace unavailable"
	ReasonDisabled  = "capture disabled"
	ReasonBadInput  = "invalid hook input"
)

// StepResult is the outcome of one step.
type StepResult struct {
	Step     Step
	Err      error
	Duration time.Duration
	Skipped  bool
}

// Result describes what a capture did. It is informational only.
type Result struct {
	State  State
	Reason string
	Event  *activity.Event
	Steps  []StepResult
}

// Captured reports whether a record reached the activity log.
func (r Result) Captured() bool {
	s, ok := r.Step(StepLog)
	return ok && !s.Skipped && s.Err == nil
}

// Step returns the result of the named step.
func (r Result) Step(name Step) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Step == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// Err joins the step errors.
func (r Result) Err() error {
	var errs []error
	for _, s := range r.Steps {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Step, s.Err))
		}
	}
	return errors.Join(errs...)
}

// Options tune a capture.
type Options struct {
	// Source tags records whose trigger has no source of its own.
	Source string

	// MaxFileSize bounds how much is read and stored. Zero disables the limit.
	MaxFileSize int64

	// Timeout bounds a whole capture.
	Timeout time.Duration

	// StepTimeout bounds each storage step within the overall budget.
	StepTimeout time.Duration

	// Exclude lists paths that are never captured.
	Exclude *Excluder
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Source:      DefaultSource,
		MaxFileSize: DefaultMaxFileSize,
		Timeout:     DefaultTimeout,
		StepTimeout: DefaultStepTimeout,
	}
}

// Orchestrator runs captures.
type Orchestrator struct {
	resolver workspace.Resolver
	repos    RepositoryFactory
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	opts     Options
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithResolver sets the workspace resolver.
func WithResolver(r workspace.Resolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithRepositories sets the store factory.
func WithRepositories(f RepositoryFactory) Option {
	return func(o *Orchestrator) { o.repos = f }
}

// WithLogger sets the diagnostic side channel.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets the time source for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator sets the burst id source used when a trigger has no
// session id.
func WithIDGenerator(f func() string) Option {
	return func(o *Orchestrator) { o.newID = f }
}

// WithOptions replaces the capture options.
func WithOptions(opts Options) Option {
	return func(o *Orchestrator) { o.opts = opts }
}

// New returns an orchestrator backed by the local filesystem unless
// overridden.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		resolver: workspace.DefaultResolver,
		repos:    FileRepositories{},
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
		newID:    uuid.NewString,
		opts:     DefaultOptions(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.opts.Source == "" {
		o.opts.Source = DefaultSource
	}
	return o
}

// Capture records t. It never fails; the Result says what happened.
func (o *Orchestrator) Capture(ctx context.Context, t Trigger) (res Result) {
	res.State = StateIdle
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("capture panicked", "panic", r)
			res.State = StateDone
		}
	}()

	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	res.State = StateValidating
	abs, reason := o.validate(t)
	if reason != "" {
		res.State = StateDone
		res.Reason = reason
		o.logger.Debug("capture skipped", "reason", reason)
		return res
	}

	res.State = StateCapturing
	o.capture(ctx, t, abs, &res)
	res.State = StateDone
	return res
}

// validate returns the absolute target path, or the reason to stop.
func (o *Orchestrator) validate(t Trigger) (string, string) {
	if t == nil {
		return "", ReasonIgnored
	}
	if ig, ok := t.(IgnoredTrigger); ok {
		o.logger.Debug("ignoring tool", "tool", ig.Tool)
		return "", ReasonIgnored
	}

	env := t.Meta()
	if env.FilePath == "" {
		return "", ReasonNoPath
	}

	abs, err := security.ResolvePath(env.Cwd, env.FilePath)
	if err != nil {
		o.logger.Warn("rejecting file path", "path", env.FilePath, "error", err)
		return "", ReasonBadPath
	}

	if o.opts.Exclude.Excluded(governingRoot(env.Cwd, abs), abs) {
		return "", ReasonExcluded
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", ReasonMissing
	}
	if info.IsDir() {
		return "", ReasonDirectory
	}
	return abs, ""
}

// governingRoot returns the workspace root Resolve would pick for a capture
// started in cwd, without creating anything.
func governingRoot(cwd, abs string) string {
	start := cwd
	if start == "" {
		start = filepath.Dir(abs)
	}
	start, err := filepath.Abs(start)
	if err != nil {
		return ""
	}
	if root, ok := workspace.Find(start); ok {
		return root
	}
	return start
}

func (o *Orchestrator) capture(ctx context.Context, t Trigger, abs string, res *Result) {
	env := t.Meta()
	start := env.Cwd
	if start == "" {
		start = filepath.Dir(abs)
	}

	var ws *workspace.Workspace
	var repos Repositories
	res.Steps = append(res.Steps, o.run(StepResolve, func() error {
		var err error
		ws, err = o.resolver.Resolve(start)
		if err != nil {
			return err
		}
		repos, err = o.repos.Open(ws)
		return err
	}))
	if ws == nil || repos.Log == nil {
		// Nowhere to write.
		res.Reason = ReasonNoStore
		o.report(res, env, abs)
		return
	}

	rel := ws.Rel(abs)

	var content []byte
	readable := false
	// The read is bounded by the overall budget, not the step timeout.
	res.Steps = append(res.Steps, o.run(StepRead, func() error {
		var err error
		content, err = security.ReadFileLimited(ctx, abs, o.opts.MaxFileSize)
		readable = err == nil
		return err
	}))

	text := string(content)
	if wt, ok := t.(WriteTrigger); ok && !readable {
		text = wt.Content
	}
	added, removed := lineDelta(t, text)

	digest := ""
	if readable && repos.Blobs != nil {
		res.Steps = append(res.Steps, o.runCtx(ctx, StepBlob, func(ctx context.Context) error {
			d, err := repos.Blobs.Put(ctx, content)
			if err != nil {
				// A logged digest always has a blob.
				return err
			}
			digest = d
			return nil
		}))
	} else {
		res.Steps = append(res.Steps, StepResult{Step: StepBlob, Skipped: true})
	}

	if digest != "" && repos.Index != nil {
		res.Steps = append(res.Steps, o.runCtx(ctx, StepIndex, func(ctx context.Context) error {
			return repos.Index.Record(ctx, rel, digest)
		}))
	} else {
		res.Steps = append(res.Steps, StepResult{Step: StepIndex, Skipped: true})
	}

	source := env.Source
	if source == "" {
		source = o.opts.Source
	}
	burst := env.SessionID
	if burst == "" {
		burst = o.newID()
	}

	ev := activity.Event{
		Time:         activity.FormatTime(o.now()),
		Kind:         activity.KindSave,
		Path:         rel,
		SHA256:       digest,
		BurstID:      burst,
		LinesAdded:   added,
		LinesRemoved: removed,
		Source:       source,
	}
	res.Event = &ev

	res.Steps = append(res.Steps, o.runCtx(ctx, StepLog, func(ctx context.Context) error {
		return repos.Log.Append(ctx, ev)
	}))

	o.report(res, env, rel)
}

// run executes one step and recovers from panics inside it.
func (o *Orchestrator) run(step Step, fn func() error) (sr StepResult) {
	start := time.Now()
	sr.Step = step
	defer func() {
		if r := recover(); r != nil {
			sr.Err = fmt.Errorf("panic: %v", r)
		}
		sr.Duration = time.Since(start)
	}()
	sr.Err = fn()
	return sr
}

// runCtx is run with a per-step deadline inside the overall budget.
func (o *Orchestrator) runCtx(ctx context.Context, step Step, fn func(context.Context) error) StepResult {
	return o.run(step, func() error {
		if o.opts.StepTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.opts.StepTimeout)
			defer cancel()
		}
		return fn(ctx)
	})
}

func (o *Orchestrator) report(res *Result, env Envelope, path string) {
	for _, s := range res.Steps {
		if s.Err != nil {
			o.logger.Warn("capture step failed",
				"step", string(s.Step),
				"path", path,
				"session", env.SessionID,
				"duration", s.Duration,
				"error", s.Err,
			)
		}
	}
	if res.Captured() {
		o.logger.Debug("captured",
			"path", path,
			"sha256", res.Event.SHA256,
			"lines_added", res.Event.LinesAdded,
			"lines_removed", res.Event.LinesRemoved,
		)
	}
}
