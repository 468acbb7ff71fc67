package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ppiankov/pepref/internal/pipeline"
)

var (
	dryRun         bool
	skipCompliance bool
	force          bool
	outJSON        string
	mockLLM        bool
)

// processCmd represents the process command
var processCmd = &cobra.Command{
	Use:   "process <id> <name> [aliases...]",
	Short: "Build and publish the reference page for one peptide",
	Long: `Process runs the full pipeline for one peptide:
- Retrieve literature (PubMed) and trial-registry (ClinicalTrials.gov) records
- Deduplicate, classify and rank the evidence
- Grade the evidence deterministically
- Synthesize a citation-bound page with the configured language model
- Check the page against the compliance policy
- Publish the page and its document atomically

Example:
  pepref process bpc-157 BPC-157 "Body Protection Compound" PL-14736
  pepref process bpc-157 BPC-157 --dry-run --mock-llm
  pepref process bpc-157 BPC-157 --force --json outcome.json`,
	Args: cobra.MinimumNArgs(2),
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and render in memory without durable writes")
	processCmd.Flags().BoolVar(&skipCompliance, "skip-compliance", false, "skip the secondary language-model review (deterministic checks still run)")
	processCmd.Flags().BoolVar(&force, "force", false, "reprocess a peptide that already has a published version")
	processCmd.Flags().StringVar(&outJSON, "json", "", "write the run outcome as JSON to this path")
	processCmd.Flags().BoolVar(&mockLLM, "mock-llm", false, "use the offline mock language model")
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{mockLLM: mockLLM, pipeline: true})
	if err != nil {
		return err
	}
	defer a.Close()

	req := pipeline.Request{
		ID:             args[0],
		Name:           args[1],
		Aliases:        args[2:],
		Force:          force,
		DryRun:         dryRun,
		SkipCompliance: skipCompliance,
	}
	if verbose {
		fmt.Fprintf(os.Stderr, "Processing: %s (%s)\n", req.Name, req.ID)
		fmt.Fprintf(os.Stderr, "LLM: %s/%s\n", cfg.LLM.Provider, cfg.LLM.Model)
		fmt.Fprintf(os.Stderr, "Store: %s, objects: %s\n\n", cfg.Store.Driver, cfg.Objects.Driver)
	}

	out, runErr := a.pipeline.Process(ctx, req)
	printOutcome(os.Stderr, out)

	if outJSON != "" {
		if err := writeJSON(outJSON, out); err != nil {
			return err
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "%s Wrote JSON: %s\n", okMark(), outJSON)
		}
	}
	return runErr
}
