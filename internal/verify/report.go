package verify

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// ReportFormat specifies the output format for reports.
type ReportFormat string

const (
	FormatJSON ReportFormat = "json"
	FormatText ReportFormat = "text"
)

// ReportGenerator renders a Report.
type ReportGenerator struct {
	format  ReportFormat
	verbose bool
}

// NewReportGenerator creates a new report generator.
func NewReportGenerator(format ReportFormat) *ReportGenerator {
	return &ReportGenerator{format: format}
}

// WithVerbose lists orphans individually and prints full digests.
func (g *ReportGenerator) WithVerbose(verbose bool) *ReportGenerator {
	g.verbose = verbose
	return g
}

// Generate produces a report in the configured format.
func (g *ReportGenerator) Generate(report *Report, w io.Writer) error {
	switch g.format {
	case FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	case FormatText, "":
		return g.generateText(report, w)
	default:
		return fmt.Errorf("unknown format: %s", g.format)
	}
}

func (g *ReportGenerator) generateText(report *Report, w io.Writer) error {
	fmt.Fprintf(w, "Workspace:  %s\n", report.Root)
	fmt.Fprintf(w, "Result:     %s\n", g.resultString(report.Valid))
	fmt.Fprintf(w, "Duration:   %v\n", report.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Records:    %d (%d without snapshot)\n", report.Records, report.Degraded)
	fmt.Fprintf(w, "Blobs:      %d\n", report.Blobs)
	fmt.Fprintf(w, "Paths:      %d\n", report.Paths)

	violations := report.Violations()
	if len(violations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "--- Violations ---")
		for _, f := range violations {
			fmt.Fprintf(w, "  [!!] %s\n", g.describe(f))
		}
	}

	orphans := report.Orphans()
	if len(orphans) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "--- Orphans (%d, tolerated) ---\n", len(orphans))
		if g.verbose {
			for _, f := range orphans {
				fmt.Fprintf(w, "  [--] %s\n", g.describe(f))
			}
		} else {
			fmt.Fprintf(w, "  %d orphan blobs, %d orphan index entries\n",
				report.Count(CodeOrphanBlob), report.Count(CodeOrphanIndex))
		}
	}
	return nil
}

func (g *ReportGenerator) describe(f Finding) string {
	var parts []string
	parts = append(parts, string(f.Code))
	if f.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", f.Line))
	}
	if f.Path != "" {
		parts = append(parts, f.Path)
	}
	if f.Digest != "" {
		parts = append(parts, g.truncateHash(f.Digest))
	}
	s := strings.Join(parts, " ")
	if f.Message != "" {
		s += ": " + f.Message
	}
	return s
}

func (g *ReportGenerator) resultString(valid bool) string {
	if valid {
		return "VALID"
	}
	return "INVALID"
}

func (g *ReportGenerator) truncateHash(hash string) string {
	if len(hash) <= 16 || g.verbose {
		return hash
	}
	return hash[:8] + "..." + hash[len(hash)-8:]
}

// Summary generates a one-line summary of the report.
func (report *Report) Summary() string {
	var sb strings.Builder

	if report.Valid {
		sb.WriteString("[VALID]")
	} else {
		sb.WriteString("[INVALID]")
	}
	sb.WriteString(fmt.Sprintf(" %d records, %d blobs, %d paths", report.Records, report.Blobs, report.Paths))

	if v := len(report.Violations()); v > 0 {
		sb.WriteString(fmt.Sprintf(", %d violations", v))
	}
	if o := len(report.Orphans()); o > 0 {
		sb.WriteString(fmt.Sprintf(", %d orphans", o))
	}
	return sb.String()
}
