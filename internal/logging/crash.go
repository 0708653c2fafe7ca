package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// CrashReport represents information about a crash.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version,omitempty"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Component    string         `json:"component,omitempty"`
	BurstID      string         `json:"burst_id,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandler turns panics into crash reports so a process can keep its
// exit contract.
type CrashHandler struct {
	mu        sync.Mutex
	crashDir  string
	version   string
	component string
	burstID   string
	logger    *slog.Logger
	onCrash   func(CrashReport)
}

// CrashHandlerConfig configures the crash handler.
type CrashHandlerConfig struct {
	// CrashDir is the directory to write crash dumps. Empty disables dumps.
	CrashDir string

	// Version is the application version.
	Version string

	// Component is the component name.
	Component string

	// Logger receives a summary of every crash.
	Logger *slog.Logger

	// OnCrash is called after a crash is recorded.
	OnCrash func(CrashReport)
}

// NewCrashHandler creates a new CrashHandler.
func NewCrashHandler(cfg *CrashHandlerConfig) *CrashHandler {
	if cfg == nil {
		cfg = &CrashHandlerConfig{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CrashHandler{
		crashDir:  cfg.CrashDir,
		version:   cfg.Version,
		component: cfg.Component,
		logger:    logger,
		onCrash:   cfg.OnCrash,
	}
}

// SetBurstID records the burst in progress for later reports.
func (h *CrashHandler) SetBurstID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.burstID = id
}

// Recover runs fn and converts a panic into a crash report. It reports
// whether fn panicked.
func (h *CrashHandler) Recover(fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			h.HandlePanic(r, nil)
		}
	}()
	fn()
	return false
}

// HandlePanic processes a panic and creates a crash report.
func (h *CrashHandler) HandlePanic(panicValue any, contextInfo map[string]any) CrashReport {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprintf("%v", panicValue),
		StackTrace:   string(debug.Stack()),
		Component:    h.component,
		BurstID:      h.burstID,
		Context:      contextInfo,
	}

	path, err := h.writeCrashDump(report)
	h.logger.Error("panic recovered",
		"panic", report.PanicValue,
		"crash_dump", path,
		"dump_error", err,
	)

	if h.onCrash != nil {
		h.onCrash(report)
	}
	return report
}

func (h *CrashHandler) writeCrashDump(report CrashReport) (string, error) {
	if h.crashDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(h.crashDir, 0750); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}

	filename := fmt.Sprintf("crash-%s-%s-%d.json",
		report.Component,
		report.Timestamp.Format("20060102-150405"),
		os.Getpid())
	path := filepath.Join(h.crashDir, filename)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// GetCrashReports reads every crash report in the crash directory.
func (h *CrashHandler) GetCrashReports() ([]CrashReport, error) {
	matches, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	var reports []CrashReport
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		var r CrashReport
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}
