// edittrail-hook records a file edit made by a coding agent.
//
// It is installed as a post-tool-use hook: the agent writes the tool call as
// JSON on stdin after each Write, Edit or MultiEdit. The hook snapshots the
// file into the nearest workspace and appends an activity record.
//
// The hook always exits 0 and never writes to stdout, so it can never
// disturb the agent that invoked it. Diagnostics go to the configured log.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"edittrail/internal/capture"
	"edittrail/internal/config"
	"edittrail/internal/logging"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	runHook(context.Background(), os.Stdin, *configPath)
	os.Exit(0)
}

// runHook performs one capture and reports what happened. It never panics.
func runHook(ctx context.Context, stdin io.Reader, configPath string) (res capture.Result) {
	cfg, cfgErr := config.Load(configPath)
	if cfgErr != nil {
		cfg = fallbackConfig()
	}

	logger := hookLogger(cfg.Logging)
	defer logger.Close()
	if cfgErr != nil {
		logger.Warn("config unusable, using defaults", "error", cfgErr)
	}

	crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  logging.CrashDir(cfg.Logging),
		Version:   version,
		Component: "hook",
		Logger:    logger.Logger,
	})

	crash.Recover(func() {
		res = captureInput(ctx, stdin, cfg, logger, crash)
	})
	return res
}

func captureInput(ctx context.Context, stdin io.Reader, cfg *config.Config, logger *logging.Logger, crash *logging.CrashHandler) capture.Result {
	if cfg.Capture.Disabled {
		logger.Debug("capture disabled")
		return capture.Result{State: capture.StateDone, Reason: capture.ReasonDisabled}
	}

	data, err := readInput(stdin, cfg.Capture.MaxInputBytes)
	if err != nil {
		logger.Warn("read hook input", "error", err)
		return capture.Result{State: capture.StateDone, Reason: capture.ReasonBadInput}
	}

	trig, err := capture.ParseHookInput(data, cfg.Capture.Source)
	if err != nil {
		logger.Warn("parse hook input", "error", err, "bytes", len(data))
		return capture.Result{State: capture.StateDone, Reason: capture.ReasonBadInput}
	}

	meta := trig.Meta()
	crash.SetBurstID(meta.SessionID)
	log := logger.WithBurst(meta.SessionID)

	opts, err := capture.FromSettings(cfg.Capture, log.Logger)
	if err != nil {
		// Config validation normally catches bad patterns first.
		log.Warn("capture settings", "error", err)
		opts = nil
	}
	res := capture.New(append(opts, capture.WithLogger(log.Logger))...).Capture(ctx, trig)

	if res.Captured() {
		log.Info("captured",
			"path", res.Event.Path,
			"sha256", res.Event.SHA256,
			"lines_added", res.Event.LinesAdded,
			"lines_removed", res.Event.LinesRemoved,
		)
	}
	return res
}

// fallbackConfig is used when the config file is unreadable or invalid.
// Environment overrides are kept only if they validate on their own.
func fallbackConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	if cfg.Validate() != nil {
		return config.DefaultConfig()
	}
	return cfg
}

// readInput reads all of r, failing when it holds more than max bytes.
func readInput(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("hook input exceeds %d bytes", max)
	}
	return data, nil
}

// hookLogger builds the side channel. Stdout belongs to the agent, so it is
// never used.
func hookLogger(lc config.LoggingConfig) *logging.Logger {
	if lc.Output == "stdout" {
		lc.Output = "stderr"
	}
	lcfg, err := logging.FromSettings(lc, "hook")
	if err != nil {
		return logging.Discard()
	}
	logger, err := logging.New(lcfg)
	if err != nil {
		return logging.Discard()
	}
	return logger
}
