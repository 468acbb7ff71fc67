package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/pepref/internal/model"
)

// Processor runs one peptide end to end. Force reprocesses a peptide that
// already has a published version.
type Processor interface {
	ProcessEntry(ctx context.Context, entry model.BatchEntry, force bool) *model.RunOutcome
}

// BatchOptions controls selection and pacing
type BatchOptions struct {
	Priority         int  // Priority processed when AllPriorities is false
	AllPriorities    bool // Ignore the priority filter
	IncludeCompleted bool // Reprocess already-published peptides
	Delay            time.Duration
	Concurrency      int
	StopOnFailure    bool
}

// OptionsFromConfig seeds options from the batch configuration
func OptionsFromConfig(cfg model.BatchConfig) BatchOptions {
	return BatchOptions{
		Priority:      cfg.DefaultPriority,
		Delay:         cfg.Delay,
		Concurrency:   cfg.Concurrency,
		StopOnFailure: cfg.StopOnFailure,
	}
}

// Batch processes a peptide list in input order
type Batch struct {
	proc   Processor
	opts   BatchOptions
	logger *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewBatch creates a batch runner
func NewBatch(proc Processor, opts BatchOptions, logger *slog.Logger) *Batch {
	if opts.Priority < 1 {
		opts.Priority = 1
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batch{
		proc:   proc,
		opts:   opts,
		logger: logger,
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// Select applies the priority filter and returns the selected entries
// plus the ids that were filtered out
func (b *Batch) Select(entries []model.BatchEntry) (selected []model.BatchEntry, filtered []string) {
	for _, e := range entries {
		if !b.opts.AllPriorities && e.Priority != b.opts.Priority {
			filtered = append(filtered, e.ID)
			continue
		}
		selected = append(selected, e)
	}
	return selected, filtered
}

// Run processes entries and returns the report. Cancelling ctx stops the
// batch between peptides; a peptide already in flight runs to completion
// or rolls back.
func (b *Batch) Run(ctx context.Context, source string, entries []model.BatchEntry) *model.BatchReport {
	report := &model.BatchReport{
		BatchID:   uuid.NewString(),
		Source:    source,
		Total:     len(entries),
		StartedAt: b.now().UTC(),
	}
	selected, filtered := b.Select(entries)
	report.Selected = len(selected)
	report.Filtered = filtered

	b.logger.Info("batch started",
		"batch_id", report.BatchID,
		"total", report.Total,
		"selected", report.Selected,
		"concurrency", b.opts.Concurrency)

	if b.opts.Concurrency > 1 {
		report.Outcomes, report.Aborted = b.runPool(ctx, selected)
	} else {
		report.Outcomes, report.Aborted = b.runSequential(ctx, selected)
	}

	report.Tally()
	report.FinishedAt = b.now().UTC()
	b.logger.Info("batch finished",
		"batch_id", report.BatchID,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"aborted", report.Aborted)
	return report
}

func (b *Batch) runSequential(ctx context.Context, entries []model.BatchEntry) ([]*model.RunOutcome, bool) {
	outcomes := make([]*model.RunOutcome, 0, len(entries))
	pace := false

	for _, entry := range entries {
		if pace && b.opts.Delay > 0 {
			if err := b.sleep(ctx, b.opts.Delay); err != nil {
				return outcomes, true
			}
		}
		if ctx.Err() != nil {
			return outcomes, true
		}

		outcome := b.proc.ProcessEntry(ctx, entry, b.opts.IncludeCompleted)
		outcomes = append(outcomes, outcome)
		b.logOutcome(outcome)

		// Skipped peptides made no provider calls, so they do not need pacing
		pace = outcome.Status != model.RunSkipped
		if outcome.Status == model.RunFailed && b.opts.StopOnFailure {
			return outcomes, true
		}
	}
	return outcomes, false
}

type entryJob struct {
	index int
	entry model.BatchEntry
	force bool
	proc  Processor
	stop  *atomic.Bool
	halt  bool
}

type entryResult struct {
	index   int
	outcome *model.RunOutcome
}

func (r *entryResult) GetError() error {
	if r.outcome == nil || r.outcome.Status != model.RunFailed {
		return nil
	}
	return fmt.Errorf("%s: %s", r.outcome.Stage, r.outcome.Reason)
}

func (j *entryJob) Execute(ctx context.Context) Result {
	outcome := j.proc.ProcessEntry(ctx, j.entry, j.force)
	if outcome.Status == model.RunFailed && j.halt {
		j.stop.Store(true)
	}
	return &entryResult{index: j.index, outcome: outcome}
}

func (b *Batch) runPool(ctx context.Context, entries []model.BatchEntry) ([]*model.RunOutcome, bool) {
	pool := NewPool(ctx, b.opts.Concurrency)
	pool.Start()

	var stop atomic.Bool
	aborted := false
	for i, entry := range entries {
		if i > 0 && b.opts.Delay > 0 {
			if err := b.sleep(ctx, b.opts.Delay); err != nil {
				aborted = true
				break
			}
		}
		if stop.Load() || ctx.Err() != nil {
			aborted = true
			break
		}
		job := &entryJob{
			index: i,
			entry: entry,
			force: b.opts.IncludeCompleted,
			proc:  b.proc,
			stop:  &stop,
			halt:  b.opts.StopOnFailure,
		}
		if !pool.Submit(job) {
			aborted = true
			break
		}
	}

	results := pool.Wait()
	collected := make([]*entryResult, 0, len(results))
	for _, r := range results {
		collected = append(collected, r.(*entryResult))
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].index < collected[j].index })

	outcomes := make([]*model.RunOutcome, 0, len(collected))
	for _, r := range collected {
		b.logOutcome(r.outcome)
		outcomes = append(outcomes, r.outcome)
	}
	return outcomes, aborted || stop.Load()
}

func (b *Batch) logOutcome(o *model.RunOutcome) {
	attrs := []any{"peptide", o.PeptideID, "status", o.Status}
	if o.Status == model.RunFailed {
		attrs = append(attrs, "stage", o.Stage, "reason", o.Reason)
		b.logger.Warn("peptide failed", attrs...)
		return
	}
	if o.Grade != "" {
		attrs = append(attrs, "grade", o.Grade, "version", o.Version)
	}
	b.logger.Info("peptide processed", attrs...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// LoadList reads a batch list from a YAML or JSON file. The file is either
// a top-level list or a mapping with a "peptides" list. Every entry is
// validated; any problem fails the whole list.
func LoadList(path string) ([]model.BatchEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read batch list: %v", model.ErrConfig, err)
	}
	return ParseList(raw, strings.EqualFold(filepath.Ext(path), ".json"))
}

// ParseList decodes and validates a batch list
func ParseList(raw []byte, isJSON bool) ([]model.BatchEntry, error) {
	var doc interface{}
	if isJSON {
		err := json.Unmarshal(raw, &doc)
		if err != nil {
			return nil, fmt.Errorf("%w: parse batch list: %v", model.ErrConfig, err)
		}
	} else if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse batch list: %v", model.ErrConfig, err)
	}

	if m, ok := doc.(map[string]interface{}); ok {
		doc = m["peptides"]
	}
	items, ok := doc.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: batch list must be a list of peptides", model.ErrConfig)
	}

	entries := make([]model.BatchEntry, 0, len(items))
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		fields, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: batch entry %d is not a mapping", model.ErrConfig, i+1)
		}
		entry, err := entryFromMap(fields)
		if err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i+1, err)
		}
		if err := entry.Validate(); err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i+1, err)
		}
		if seen[entry.ID] {
			return nil, fmt.Errorf("%w: duplicate peptide id %q", model.ErrConfig, entry.ID)
		}
		seen[entry.ID] = true
		entries = append(entries, entry)
	}
	return entries, nil
}

func entryFromMap(fields map[string]interface{}) (model.BatchEntry, error) {
	entry := model.BatchEntry{
		ID:       strings.TrimSpace(cast.ToString(fields["id"])),
		Name:     strings.TrimSpace(cast.ToString(fields["name"])),
		Priority: 1,
	}
	if v, ok := fields["priority"]; ok && v != nil {
		p, err := cast.ToIntE(v)
		if err != nil {
			return entry, fmt.Errorf("%w: priority %v is not an integer", model.ErrConfig, v)
		}
		entry.Priority = p
	}
	switch aliases := fields["aliases"].(type) {
	case nil:
	case string:
		for _, a := range strings.Split(aliases, ",") {
			if a = strings.TrimSpace(a); a != "" {
				entry.Aliases = append(entry.Aliases, a)
			}
		}
	case []interface{}:
		for _, a := range aliases {
			if s := strings.TrimSpace(cast.ToString(a)); s != "" {
				entry.Aliases = append(entry.Aliases, s)
			}
		}
	default:
		return entry, fmt.Errorf("%w: aliases must be a list or comma-separated string", model.ErrConfig)
	}
	return entry, nil
}
