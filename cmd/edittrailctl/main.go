// edittrailctl inspects and maintains edittrail workspaces.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"syscall"

	"edittrail/internal/activity"
	"edittrail/internal/blob"
	"edittrail/internal/capture"
	"edittrail/internal/config"
	"edittrail/internal/logging"
	"edittrail/internal/pathindex"
	"edittrail/internal/verify"
	"edittrail/internal/watcher"
	"edittrail/internal/workspace"
)

// manualSource tags records created with the capture command.
const manualSource = "edittrailctl"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type cli struct {
	configPath string
	dir        string
	stdout     io.Writer
	stderr     io.Writer
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("edittrailctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	c := &cli{stdout: stdout, stderr: stderr}
	fs.StringVar(&c.configPath, "config", "", "path to config file")
	fs.StringVar(&c.dir, "C", "", "start workspace lookup in this directory")
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if fs.NArg() < 1 {
		usage(stderr)
		return 1
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	var err error
	switch cmd {
	case "status":
		err = c.cmdStatus()
	case "history":
		if len(rest) < 1 {
			fmt.Fprintln(stderr, "Usage: edittrailctl history <path>")
			return 1
		}
		err = c.cmdHistory(rest[0])
	case "log":
		err = c.cmdLog(rest)
	case "cat":
		if len(rest) < 1 {
			fmt.Fprintln(stderr, "Usage: edittrailctl cat <digest>")
			return 1
		}
		err = c.cmdCat(rest[0])
	case "verify":
		return c.cmdVerify(rest)
	case "watch":
		err = c.cmdWatch(rest)
	case "capture":
		if len(rest) < 1 {
			fmt.Fprintln(stderr, "Usage: edittrailctl capture <file>")
			return 1
		}
		err = c.cmdCapture(rest[0])
	case "config":
		err = c.cmdConfig(rest)
	case "help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		usage(stderr)
		return 1
	}

	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `edittrailctl - inspect edittrail workspaces

Usage: edittrailctl [options] <command> [args]

Commands:
  status            Show workspace root and store statistics
  history <path>    Print the snapshot history of a file
  log [-n N]        Print the most recent activity records
  cat <digest>      Write a snapshot's content to stdout
  verify [-json]    Check log, index and snapshots for consistency
  watch [paths...]  Capture files as they change until interrupted
  capture <file>    Record the current content of a file
  config [-init]    Print the effective config, or create a default file
  help              Show this help message

Options:
  -config <path>    Path to config file
  -C <dir>          Start workspace lookup in this directory`)
}

func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (c *cli) startDir() (string, error) {
	if c.dir != "" {
		return filepath.Abs(c.dir)
	}
	return os.Getwd()
}

// findWorkspace locates an existing workspace without creating one.
func (c *cli) findWorkspace() (*workspace.Workspace, error) {
	start, err := c.startDir()
	if err != nil {
		return nil, err
	}
	root, ok := workspace.Find(start)
	if !ok {
		return nil, fmt.Errorf("no %s directory found from %s", workspace.MetaDirName, start)
	}
	return workspace.New(root), nil
}

func (c *cli) cmdStatus() error {
	ws, err := c.findWorkspace()
	if err != nil {
		return err
	}

	events, err := activity.NewFileLog(ws.LogPath()).Events()
	if err != nil {
		return err
	}
	digests, err := blob.NewFileStore(ws.SnapshotsDir()).List()
	if err != nil {
		return err
	}
	entries, err := pathindex.NewFileIndex(ws.IndexPath()).Snapshot()
	if err != nil {
		return err
	}

	fmt.Fprintln(c.stdout, "=== edittrail Status ===")
	fmt.Fprintf(c.stdout, "Workspace:   %s\n", ws.Root)
	fmt.Fprintf(c.stdout, "Records:     %d", len(events))
	if info, err := os.Stat(ws.LogPath()); err == nil {
		fmt.Fprintf(c.stdout, " (%s)", formatBytes(info.Size()))
	}
	fmt.Fprintln(c.stdout)
	fmt.Fprintf(c.stdout, "Snapshots:   %d (%s)\n", len(digests), formatBytes(dirSize(ws.SnapshotsDir(), blob.Suffix)))
	fmt.Fprintf(c.stdout, "Paths:       %d\n", len(entries))
	if n := len(events); n > 0 {
		fmt.Fprintf(c.stdout, "Last record: %s %s\n", events[n-1].Time, events[n-1].Path)
	}
	return nil
}

func (c *cli) cmdHistory(target string) error {
	ws, err := c.findWorkspace()
	if err != nil {
		return err
	}

	rel := target
	if !filepath.IsAbs(target) {
		start, err := c.startDir()
		if err != nil {
			return err
		}
		rel = filepath.Join(start, target)
	}
	rel = ws.Rel(rel)

	hist, err := pathindex.NewFileIndex(ws.IndexPath()).History(rel)
	if err != nil {
		return err
	}
	if len(hist) == 0 {
		return fmt.Errorf("no history for %s", rel)
	}

	store := blob.NewFileStore(ws.SnapshotsDir())
	fmt.Fprintf(c.stdout, "%s (%d versions)\n", rel, len(hist))
	for i, d := range hist {
		mark := ""
		if !store.Has(d) {
			mark = "  (missing snapshot)"
		}
		fmt.Fprintf(c.stdout, "  %3d  %s%s\n", i+1, d, mark)
	}
	return nil
}

func (c *cli) cmdLog(args []string) error {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	n := fs.Int("n", 20, "number of records to show (0 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ws, err := c.findWorkspace()
	if err != nil {
		return err
	}
	events, err := activity.NewFileLog(ws.LogPath()).Events()
	if err != nil {
		return err
	}
	if *n > 0 && len(events) > *n {
		events = events[len(events)-*n:]
	}

	for _, ev := range events {
		digest := "-"
		if len(ev.SHA256) >= 12 {
			digest = ev.SHA256[:12]
		}
		fmt.Fprintf(c.stdout, "%s  %-14s %s  +%d -%d  %s  [%s]\n",
			ev.Time, ev.Source, digest, ev.LinesAdded, ev.LinesRemoved, ev.Path, ev.BurstID)
	}
	return nil
}

func (c *cli) cmdCat(ref string) error {
	ws, err := c.findWorkspace()
	if err != nil {
		return err
	}
	store := blob.NewFileStore(ws.SnapshotsDir())

	digest, err := resolveDigest(store, ref)
	if err != nil {
		return err
	}
	data, err := store.Get(digest)
	if err != nil {
		return err
	}
	_, err = c.stdout.Write(data)
	return err
}

// resolveDigest expands an unambiguous digest prefix of at least 6
// characters.
func resolveDigest(store blob.Store, ref string) (string, error) {
	ref = strings.ToLower(ref)
	if blob.ValidDigest(ref) {
		return ref, nil
	}
	if len(ref) < 6 {
		return "", fmt.Errorf("digest prefix %q is too short", ref)
	}

	digests, err := store.List()
	if err != nil {
		return "", err
	}
	var match string
	for _, d := range digests {
		if strings.HasPrefix(d, ref) {
			if match != "" {
				return "", fmt.Errorf("digest prefix %q is ambiguous", ref)
			}
			match = d
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", blob.ErrNotFound, ref)
	}
	return match, nil
}

// cmdVerify exits 2 when the workspace has invariant violations.
func (c *cli) cmdVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	asJSON := fs.Bool("json", false, "print the report as JSON")
	verbose := fs.Bool("v", false, "list every orphan and full digests")
	skip := fs.Bool("skip-integrity", false, "do not re-hash snapshots")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ws, err := c.findWorkspace()
	if err != nil {
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return 1
	}

	report, err := verify.Check(ws, verify.Options{SkipIntegrity: *skip})
	if err != nil {
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return 1
	}

	format := verify.FormatText
	if *asJSON {
		format = verify.FormatJSON
	}
	if err := verify.NewReportGenerator(format).WithVerbose(*verbose).Generate(report, c.stdout); err != nil {
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return 1
	}
	if !report.Valid {
		return 2
	}
	return 0
}

func (c *cli) newLogger(cfg *config.Config, component string) *logging.Logger {
	lcfg, err := logging.FromSettings(cfg.Logging, component)
	if err != nil {
		fmt.Fprintf(c.stderr, "Warning: %v\n", err)
		return logging.Discard()
	}
	logger, err := logging.New(lcfg)
	if err != nil {
		fmt.Fprintf(c.stderr, "Warning: %v\n", err)
		return logging.Discard()
	}
	return logger
}

func (c *cli) cmdWatch(paths []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return c.watch(ctx, paths)
}

// watch captures settled files until ctx is done. Edits to the config file
// take effect without a restart.
func (c *cli) watch(ctx context.Context, paths []string) error {
	loader := config.NewLoader(c.configPath)
	defer loader.Close()
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := c.newLogger(cfg, "watch")
	defer logger.Close()

	if len(paths) == 0 {
		paths = cfg.Watch.Paths
	}
	if len(paths) == 0 {
		start, err := c.startDir()
		if err != nil {
			return err
		}
		paths = []string{start}
	}

	w, err := watcher.New(watcher.Options{
		Paths:     paths,
		Debounce:  cfg.Watch.Debounce(),
		Recursive: cfg.Watch.Recursive,
		Source:    cfg.Watch.Source,
		Logger:    logger.Logger,
	})
	if err != nil {
		return err
	}
	capturer := &reloadingCapturer{}
	if err := applyWatchConfig(w, capturer, cfg, logger.Logger); err != nil {
		return err
	}

	loader.OnChange(func(next *config.Config) {
		if err := applyWatchConfig(w, capturer, next, logger.Logger); err != nil {
			logger.Warn("config reload rejected", "error", err)
			return
		}
		logger.Info("config reloaded", "path", loader.Path())
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config hot reload unavailable", "path", loader.Path(), "error", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-loader.Errors():
				logger.Warn("config reload failed", "error", err)
			}
		}
	}()

	fmt.Fprintf(c.stdout, "Watching %s (session %s). Press Ctrl+C to stop.\n", strings.Join(paths, ", "), w.Session())
	logger.Info("watch started", "paths", paths, "session", w.Session())
	if err := w.Run(ctx, capturer); err != nil {
		return err
	}
	logger.Info("watch stopped")
	return nil
}

// reloadingCapturer captures with the most recently configured orchestrator.
type reloadingCapturer struct {
	current atomic.Pointer[capture.Orchestrator]
}

func (r *reloadingCapturer) Capture(ctx context.Context, t capture.Trigger) capture.Result {
	return r.current.Load().Capture(ctx, t)
}

// applyWatchConfig pushes the capture and watch settings of cfg into a
// running watch. Nothing changes when cfg cannot be applied.
func applyWatchConfig(w *watcher.Watcher, r *reloadingCapturer, cfg *config.Config, logger *slog.Logger) error {
	opts, err := capture.FromSettings(cfg.Capture, logger)
	if err != nil {
		return err
	}
	ex, err := capture.NewExcluder(cfg.Capture.ExcludePatterns)
	if err != nil {
		return err
	}
	r.current.Store(capture.New(opts...))
	w.Reconfigure(cfg.Watch.Debounce(), ex)
	return nil
}

func (c *cli) cmdConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	initFile := fs.Bool("init", false, "write a default config file if none exists")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := c.configPath
	if path == "" {
		path = config.ConfigPath()
	}

	if *initFile {
		ext := strings.TrimPrefix(filepath.Ext(path), ".")
		if !slices.Contains(config.SupportedConfigFormats(), ext) {
			return fmt.Errorf("unsupported config format %q (use %s)", ext, strings.Join(config.SupportedConfigFormats(), ", "))
		}
		_, created, err := config.LoadOrCreate(path)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(c.stdout, "Created %s\n", path)
		} else {
			fmt.Fprintf(c.stdout, "Config already exists at %s\n", path)
		}
		return nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, w := range config.Check(cfg).Warnings() {
		fmt.Fprintf(c.stderr, "Warning: %s\n", w.Error())
	}
	fmt.Fprintf(c.stdout, "# %s\n", path)
	fmt.Fprint(c.stdout, cfg.String())
	return nil
}

func (c *cli) cmdCapture(target string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	logger := c.newLogger(cfg, "ctl")
	defer logger.Close()

	start, err := c.startDir()
	if err != nil {
		return err
	}
	opts, err := capture.FromSettings(cfg.Capture, logger.Logger)
	if err != nil {
		return err
	}

	res := capture.New(opts...).Capture(context.Background(), capture.WriteTrigger{
		Envelope: capture.Envelope{Cwd: start, FilePath: target, Source: manualSource},
	})
	if res.Reason != "" {
		return fmt.Errorf("not captured: %s", res.Reason)
	}
	if !res.Captured() {
		if err := res.Err(); err != nil {
			return fmt.Errorf("not captured: %w", err)
		}
		return fmt.Errorf("not captured")
	}

	ev := res.Event
	fmt.Fprintf(c.stdout, "%s %s +%d\n", ev.Path, ev.SHA256, ev.LinesAdded)
	if err := res.Err(); err != nil {
		fmt.Fprintf(c.stderr, "Warning: %v\n", err)
	}
	return nil
}

// dirSize sums the sizes of files in dir with the given suffix.
func dirSize(dir, suffix string) int64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
		}
	}
	return total
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
