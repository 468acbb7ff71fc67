package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ppiankov/pepref/internal/worker"
)

var (
	reportPath       string
	allPriorities    bool
	includeCompleted bool
	batchDelay       time.Duration
	concurrency      int
	stopOnFailure    bool
)

// batchCmd represents the batch command
var batchCmd = &cobra.Command{
	Use:   "batch <listfile>",
	Short: "Process a YAML or JSON list of peptides",
	Long: `Batch processes a peptide list in input order:
- Read {id, name, aliases, priority} entries from a YAML or JSON file
- Process priority 1 only unless --all-priorities is given
- Skip already-published peptides unless --include-completed is given
- Wait between peptides to respect provider rate limits
- Continue past per-peptide failures and write a JSON summary

Example:
  pepref batch peptides.yaml
  pepref batch peptides.yaml --report batch-report.json --all-priorities
  pepref batch peptides.json --concurrency 2 --delay 5s`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().StringVar(&reportPath, "report", "", "write the batch report as JSON to this path")
	batchCmd.Flags().BoolVar(&allPriorities, "all-priorities", false, "process every priority, not only the default")
	batchCmd.Flags().BoolVar(&includeCompleted, "include-completed", false, "reprocess already-published peptides")
	batchCmd.Flags().DurationVar(&batchDelay, "delay", 0, "delay between peptides (default from batch.delay)")
	batchCmd.Flags().IntVar(&concurrency, "concurrency", 0, "peptides processed at once (default from batch.concurrency)")
	batchCmd.Flags().BoolVar(&stopOnFailure, "stop-on-failure", false, "stop at the first failed peptide")
	batchCmd.Flags().BoolVar(&mockLLM, "mock-llm", false, "use the offline mock language model")
}

func runBatch(cmd *cobra.Command, args []string) error {
	file := args[0]
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The list is validated before anything external is touched
	entries, err := worker.LoadList(file)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("delay") {
		cfg.Batch.Delay = batchDelay
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.Batch.Concurrency = concurrency
	}
	if cmd.Flags().Changed("stop-on-failure") {
		cfg.Batch.StopOnFailure = stopOnFailure
	}

	a, err := newApp(ctx, cfg, appOptions{mockLLM: mockLLM, pipeline: true})
	if err != nil {
		return err
	}
	defer a.Close()

	opts := worker.OptionsFromConfig(cfg.Batch)
	opts.AllPriorities = allPriorities
	opts.IncludeCompleted = includeCompleted

	banner(os.Stderr, "pepref Batch Processing")
	fmt.Fprintf(os.Stderr, "  Input file:   %s\n", file)
	fmt.Fprintf(os.Stderr, "  Entries:      %d\n", len(entries))
	fmt.Fprintf(os.Stderr, "  Workers:      %d\n", max(opts.Concurrency, 1))
	fmt.Fprintf(os.Stderr, "  Delay:        %v\n", opts.Delay)
	fmt.Fprintf(os.Stderr, "  LLM:          %s/%s\n\n", cfg.LLM.Provider, cfg.LLM.Model)

	report := worker.NewBatch(a.pipeline, opts, a.logger).Run(ctx, file, entries)
	for _, o := range report.Outcomes {
		printOutcome(os.Stderr, o)
	}
	printBatchSummary(os.Stderr, report)

	if reportPath != "" {
		if err := writeJSON(reportPath, report); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s Wrote report: %s\n", okMark(), reportPath)
	}

	if report.Failed > 0 {
		return fmt.Errorf("%d of %d peptides failed", report.Failed, report.Selected)
	}
	if report.Aborted {
		return fmt.Errorf("batch stopped before completion")
	}
	return nil
}
