package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/ppiankov/pepref/internal/model"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func okMark() string   { return green("✓") }
func failMark() string { return red("✗") }
func skipMark() string { return yellow("○") }

func banner(w io.Writer, title string) {
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(w, "  %s\n", bold(title))
	fmt.Fprintf(w, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(w, "\n")
}

// printOutcome writes one progress line for a run
func printOutcome(w io.Writer, o *model.RunOutcome) {
	switch o.Status {
	case model.RunSuccess:
		mode := ""
		if o.DryRun {
			mode = " (dry run)"
		}
		fmt.Fprintf(w, "%s %s: grade %s, version %d, %d references%s\n",
			okMark(), o.PeptideID, o.Grade, o.Version, o.Counts.Referenced, mode)
	case model.RunSkipped:
		fmt.Fprintf(w, "%s %s: skipped (%s)\n", skipMark(), o.PeptideID, o.Reason)
	default:
		fmt.Fprintf(w, "%s %s: %s failed: %s\n", failMark(), o.PeptideID, o.Stage, o.Reason)
	}
	if verbose {
		for _, wn := range o.Warnings {
			fmt.Fprintf(w, "    %s %s\n", yellow("!"), wn)
		}
		for _, is := range o.Issues {
			fmt.Fprintf(w, "    - [%s] %s\n", is.Kind, is.Detail)
		}
	}
}

func printBatchSummary(w io.Writer, r *model.BatchReport) {
	banner(w, "Batch Complete")
	fmt.Fprintf(w, "  Total:      %d peptides\n", r.Total)
	fmt.Fprintf(w, "  Selected:   %d\n", r.Selected)
	fmt.Fprintf(w, "  Succeeded:  %d\n", r.Succeeded)
	fmt.Fprintf(w, "  Failed:     %d\n", r.Failed)
	fmt.Fprintf(w, "  Skipped:    %d\n", r.Skipped)
	if len(r.Filtered) > 0 {
		fmt.Fprintf(w, "  Filtered:   %s\n", strings.Join(r.Filtered, ", "))
	}
	if r.Usage.PromptTokens+r.Usage.CompletionTokens > 0 {
		fmt.Fprintf(w, "  Tokens:     %d prompt / %d completion (~$%.4f)\n",
			r.Usage.PromptTokens, r.Usage.CompletionTokens, r.Usage.CostUSD)
	}
	if r.Aborted {
		fmt.Fprintf(w, "  %s\n", yellow("Stopped early"))
	}
	fmt.Fprintf(w, "\n")
}

// writeJSON writes v to path with indentation
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
