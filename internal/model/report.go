package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Stage names a pipeline stage
type Stage string

const (
	StageConfig     Stage = "config"
	StageRetrieve   Stage = "retrieve"
	StageNormalize  Stage = "normalize"
	StageGrade      Stage = "grade"
	StageSynthesize Stage = "synthesize"
	StageCompliance Stage = "compliance"
	StagePublish    Stage = "publish"
)

// RunStatus is the terminal state of one peptide run
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

// StageTiming records how long a stage took
type StageTiming struct {
	Stage    Stage         `json:"stage"`
	Duration time.Duration `json:"duration_ns"`
	OK       bool          `json:"ok"`
}

// RunCounts summarizes the evidence flowing through a run
type RunCounts struct {
	Retrieved   int              `json:"retrieved"`
	Discarded   int              `json:"discarded"`
	Kept        int              `json:"kept"`
	Skipped     int              `json:"skipped"`
	Referenced  int              `json:"referenced"`
	Sections    int              `json:"sections"`
	CacheHits   int              `json:"cache_hits"`
	CacheMisses int              `json:"cache_misses"`
	ByCategory  map[Category]int `json:"by_category,omitempty"`
}

// RunOutcome is the structured report of one peptide run
type RunOutcome struct {
	RunID       string        `json:"run_id"`
	PeptideID   string        `json:"peptide_id"`
	Name        string        `json:"name"`
	Status      RunStatus     `json:"status"`
	Stage       Stage         `json:"stage,omitempty"` // Failing stage, if any
	Reason      string        `json:"reason,omitempty"`
	DryRun      bool          `json:"dry_run"`
	Grade       string        `json:"grade,omitempty"`
	Version     int           `json:"version,omitempty"`
	DocumentKey string        `json:"document_key,omitempty"`
	Counts      RunCounts     `json:"counts"`
	Timings     []StageTiming `json:"timings"`
	Usage       Usage         `json:"usage"`
	Warnings    []string      `json:"warnings,omitempty"`
	Issues      []Issue       `json:"issues,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// OK reports whether the run did not fail
func (o *RunOutcome) OK() bool {
	return o.Status != RunFailed
}

// BatchEntry is one line of a batch list
type BatchEntry struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Aliases  []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Priority int      `json:"priority" yaml:"priority"`
}

var peptideIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// ValidatePeptideID checks that id is safe to use in storage keys
func ValidatePeptideID(id string) error {
	if !peptideIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid peptide id %q (lowercase letters, digits, '.', '_', '-')", ErrConfig, id)
	}
	return nil
}

// Validate checks one batch entry
func (e BatchEntry) Validate() error {
	if err := ValidatePeptideID(e.ID); err != nil {
		return err
	}
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: peptide %q has no name", ErrConfig, e.ID)
	}
	if e.Priority < 1 {
		return fmt.Errorf("%w: peptide %q has priority %d (must be >= 1)", ErrConfig, e.ID, e.Priority)
	}
	return nil
}

// BatchReport is the machine-readable summary of a batch run
type BatchReport struct {
	BatchID    string        `json:"batch_id"`
	Source     string        `json:"source"`
	Total      int           `json:"total"`    // Entries in the list
	Selected   int           `json:"selected"` // Entries after filters
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Filtered   []string      `json:"filtered,omitempty"` // IDs excluded by priority/completion filters
	Aborted    bool          `json:"aborted"`            // Stopped early by cancellation or stop-on-failure
	Usage      Usage         `json:"usage"`
	Outcomes   []*RunOutcome `json:"outcomes"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Tally recomputes the success/failure counters from Outcomes
func (r *BatchReport) Tally() {
	r.Succeeded, r.Failed, r.Skipped = 0, 0, 0
	r.Usage = Usage{}
	for _, o := range r.Outcomes {
		switch o.Status {
		case RunSuccess:
			r.Succeeded++
		case RunFailed:
			r.Failed++
		case RunSkipped:
			r.Skipped++
		}
		r.Usage.Add(o.Usage)
	}
}
