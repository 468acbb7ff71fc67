package model

import (
	"fmt"
	"time"
)

// GradeLevel is the coarse evidence-quality label
type GradeLevel int

const (
	GradeVeryLow GradeLevel = iota
	GradeLow
	GradeModerate
	GradeHigh
)

func (g GradeLevel) String() string {
	switch g {
	case GradeLow:
		return "low"
	case GradeModerate:
		return "moderate"
	case GradeHigh:
		return "high"
	default:
		return "very-low"
	}
}

// ParseGradeLevel converts a label back to a level
func ParseGradeLevel(s string) (GradeLevel, error) {
	switch s {
	case "very-low":
		return GradeVeryLow, nil
	case "low":
		return GradeLow, nil
	case "moderate":
		return GradeModerate, nil
	case "high":
		return GradeHigh, nil
	}
	return GradeVeryLow, fmt.Errorf("unknown grade level %q", s)
}

// MarshalText renders the level as its label
func (g GradeLevel) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText parses a label
func (g *GradeLevel) UnmarshalText(b []byte) error {
	lvl, err := ParseGradeLevel(string(b))
	if err != nil {
		return err
	}
	*g = lvl
	return nil
}

// RuleCode names a grading rule. The set is fixed.
type RuleCode string

const (
	RuleNoHumanEvidence        RuleCode = "no-human-evidence"
	RuleHumanEvidenceLimited   RuleCode = "human-evidence-limited"
	RuleControlledTrialMinimum RuleCode = "controlled-trial-threshold"
	RuleReplicatedTrials       RuleCode = "replicated-controlled-trials"
	RuleCapConflictingOutcomes RuleCode = "capped-conflicting-outcomes"
	RuleCapMissingSampleSizes  RuleCode = "capped-missing-sample-sizes"
)

// Rationale explains which rule produced a grade
type Rationale struct {
	Rule        RuleCode               `json:"rule"`
	Caps        []RuleCode             `json:"caps,omitempty"`
	Description string                 `json:"description"`
	Data        map[string]interface{} `json:"data,omitempty"` // Transparent inputs behind the decision
}

// EvidenceGrade is the deterministic quality grade for a collection
type EvidenceGrade struct {
	Level     GradeLevel `json:"level"`
	Rationale Rationale  `json:"rationale"`
}

// Section is one titled unit of a page body
type Section struct {
	Order        int    `json:"order"` // 1-based, contiguous
	Title        string `json:"title"`
	Body         string `json:"body"` // Markdown with [cite:<ID>] markers
	PlainSummary string `json:"plain_summary,omitempty"`
}

// PageCounts holds computed counts over the referenced evidence
type PageCounts struct {
	Total        int                `json:"total"`
	ByCategory   map[Category]int   `json:"by_category"`
	ByProvenance map[Provenance]int `json:"by_provenance"`
	HumanTrials  int                `json:"human_trials"`
}

// Usage records language-model consumption for observability
type Usage struct {
	Provider         string  `json:"provider,omitempty"`
	Model            string  `json:"model,omitempty"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Add accumulates another usage record
func (u *Usage) Add(o Usage) {
	if u.Provider == "" {
		u.Provider = o.Provider
	}
	if u.Model == "" {
		u.Model = o.Model
	}
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.CostUSD += o.CostUSD
}

// PageRecord is the structured synthesized output for one peptide version
type PageRecord struct {
	PeptideID   string         `json:"peptide_id"`
	Name        string         `json:"name"`
	Aliases     []string       `json:"aliases,omitempty"`
	Title       string         `json:"title"`
	Summary     string         `json:"summary"`
	Grade       EvidenceGrade  `json:"grade"`
	Sections    []Section      `json:"sections"`
	References  []EvidenceItem `json:"references"`
	Counts      PageCounts     `json:"counts"`
	Version     int            `json:"version"`
	Notes       []string       `json:"notes,omitempty"`
	GeneratedAt time.Time      `json:"generated_at"`
	Usage       Usage          `json:"usage"`
}

// ReferenceIDs returns the citation ids of the referenced evidence in order
func (p *PageRecord) ReferenceIDs() []string {
	ids := make([]string, 0, len(p.References))
	for _, r := range p.References {
		ids = append(ids, r.ID())
	}
	return ids
}

// ComputeCounts recomputes Counts from References
func (p *PageRecord) ComputeCounts() {
	c := PageCounts{
		ByCategory:   make(map[Category]int),
		ByProvenance: make(map[Provenance]int),
	}
	for _, r := range p.References {
		c.Total++
		c.ByCategory[r.Category]++
		c.ByProvenance[r.Provenance]++
		if r.Category == CategoryControlledHumanTrial {
			c.HumanTrials++
		}
	}
	p.Counts = c
}

// IssueKind classifies a compliance finding
type IssueKind string

const (
	IssueForbiddenPhrase IssueKind = "forbidden-phrase"
	IssueCitationMissing IssueKind = "citation-not-found"
	IssueReview          IssueKind = "review"
	IssueCorrection      IssueKind = "correction-rejected"
)

// Issue is one itemized compliance finding
type Issue struct {
	Kind     IssueKind `json:"kind"`
	Blocking bool      `json:"blocking"`
	Section  string    `json:"section,omitempty"`
	Detail   string    `json:"detail"`
}

// ComplianceVerdict is the gate result produced before publish. It is never
// persisted on its own.
type ComplianceVerdict struct {
	Pass          bool     `json:"pass"`
	Issues        []Issue  `json:"issues,omitempty"`
	CorrectedBody string   `json:"corrected_body,omitempty"`
	Corrected     bool     `json:"corrected"` // An accepted correction was applied
	Passes        []string `json:"passes"`    // Names of the passes that ran
	Usage         Usage    `json:"usage"`
}

// Blockers returns the blocking issues
func (v *ComplianceVerdict) Blockers() []Issue {
	var out []Issue
	for _, is := range v.Issues {
		if is.Blocking {
			out = append(out, is)
		}
	}
	return out
}
