// Package grade computes the deterministic evidence-quality grade.
package grade

import (
	"fmt"
	"sort"

	"github.com/ppiankov/pepref/internal/model"
)

// Thresholds are the numeric inputs of the grading rules
type Thresholds struct {
	MinTrialSample      int // Per-trial sample size for replication
	MinCombinedSample   int // Combined controlled-trial sample size for moderate
	MinReplicatedTrials int // Qualifying agreeing trials for high
}

// DefaultThresholds returns the standard rule constants
func DefaultThresholds() Thresholds {
	return Thresholds{MinTrialSample: 50, MinCombinedSample: 50, MinReplicatedTrials: 2}
}

// ThresholdsFromConfig reads thresholds, keeping defaults for unset values
func ThresholdsFromConfig(cfg model.GradingConfig) Thresholds {
	t := DefaultThresholds()
	if cfg.MinTrialSample > 0 {
		t.MinTrialSample = cfg.MinTrialSample
	}
	if cfg.MinCombinedSample > 0 {
		t.MinCombinedSample = cfg.MinCombinedSample
	}
	if cfg.MinReplicatedTrials > 0 {
		t.MinReplicatedTrials = cfg.MinReplicatedTrials
	}
	return t
}

// Grader applies the grading rules
type Grader struct {
	t Thresholds
}

// New creates a grader
func New(t Thresholds) *Grader {
	return &Grader{t: t}
}

// Grade is a pure function of the collection. The same collection always
// yields the same grade, and adding a controlled trial that meets the
// per-trial sample threshold with an agreeing outcome never lowers it.
func (g *Grader) Grade(coll *model.EvidenceCollection) model.EvidenceGrade {
	in := g.inputs(coll)

	level, rule := model.GradeVeryLow, model.RuleNoHumanEvidence
	switch {
	case in.qualifying >= g.t.MinReplicatedTrials:
		level, rule = model.GradeHigh, model.RuleReplicatedTrials
	case in.trials >= 1 && in.combinedSample >= g.t.MinCombinedSample:
		level, rule = model.GradeModerate, model.RuleControlledTrialMinimum
	case in.human > 0:
		level, rule = model.GradeLow, model.RuleHumanEvidenceLimited
	}

	// Agreement is enforced by the conflict cap so the rationale names it
	final := level
	var caps []model.RuleCode
	if len(in.trialDirections) > 1 && level > model.GradeModerate {
		caps = append(caps, model.RuleCapConflictingOutcomes)
		final = minLevel(final, model.GradeModerate)
	}
	if in.total > 0 && in.missingSample*2 > in.total && level > model.GradeLow {
		caps = append(caps, model.RuleCapMissingSampleSizes)
		final = minLevel(final, model.GradeLow)
	}

	return model.EvidenceGrade{
		Level: final,
		Rationale: model.Rationale{
			Rule:        rule,
			Caps:        caps,
			Description: describe(final, rule, caps, in),
			Data:        in.data(level),
		},
	}
}

type inputs struct {
	total           int
	human           int
	trials          int
	combinedSample  int
	qualifying      int
	missingSample   int
	trialDirections map[model.Outcome]int
}

func (g *Grader) inputs(coll *model.EvidenceCollection) inputs {
	in := inputs{trialDirections: make(map[model.Outcome]int)}
	for _, it := range coll.Items {
		in.total++
		if !it.HasSampleSize() {
			in.missingSample++
		}
		if it.Category.IsHuman() {
			in.human++
		}
		if it.Category != model.CategoryControlledHumanTrial {
			continue
		}
		in.trials++
		in.combinedSample += it.SampleSize
		if it.Outcome.Known() {
			in.trialDirections[it.Outcome]++
		}
		if it.SampleSize >= g.t.MinTrialSample && it.Outcome.Known() {
			in.qualifying++
		}
	}
	return in
}

func (in inputs) data(base model.GradeLevel) map[string]interface{} {
	return map[string]interface{}{
		"items":                 in.total,
		"human_items":           in.human,
		"controlled_trials":     in.trials,
		"combined_trial_sample": in.combinedSample,
		"qualifying_trials":     in.qualifying,
		"missing_sample_sizes":  in.missingSample,
		"trial_outcomes":        directions(in.trialDirections),
		"base_level":            base.String(),
		"formula":               "min(base_rule, caps); caps: conflicting trial outcomes <= moderate, missing samples > 50% <= low",
	}
}

func directions(m map[model.Outcome]int) []string {
	out := make([]string, 0, len(m))
	for o := range m {
		out = append(out, string(o))
	}
	sort.Strings(out)
	return out
}

func describe(level model.GradeLevel, rule model.RuleCode, caps []model.RuleCode, in inputs) string {
	var s string
	switch rule {
	case model.RuleReplicatedTrials:
		s = fmt.Sprintf("%d controlled human trials with adequate samples and known outcomes", in.qualifying)
	case model.RuleControlledTrialMinimum:
		s = fmt.Sprintf("%d controlled human trial(s) with a combined sample of %d", in.trials, in.combinedSample)
	case model.RuleHumanEvidenceLimited:
		s = fmt.Sprintf("%d human stud(ies) without an adequately sized controlled trial", in.human)
	default:
		s = "No human evidence was found"
	}
	for _, c := range caps {
		switch c {
		case model.RuleCapConflictingOutcomes:
			s += "; capped because controlled trials report conflicting outcomes"
		case model.RuleCapMissingSampleSizes:
			s += fmt.Sprintf("; capped because %d of %d items do not report a sample size", in.missingSample, in.total)
		}
	}
	return fmt.Sprintf("%s (%s)", s, level)
}

func minLevel(a, b model.GradeLevel) model.GradeLevel {
	if a < b {
		return a
	}
	return b
}
