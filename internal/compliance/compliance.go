package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ppiankov/pepref/internal/llm"
	"github.com/ppiankov/pepref/internal/model"
	"github.com/ppiankov/pepref/internal/synth"
)

// ErrBlocked is returned when a verdict fails
var ErrBlocked = errors.New("compliance blocked")

// Pass names recorded on the verdict
const (
	PassForbidden = "forbidden-phrases"
	PassCitations = "citations"
	PassReview    = "review"
)

// Validator gates a Page Record before publish
type Validator struct {
	patterns    []*regexp.Regexp
	reviewer    llm.Provider
	review      bool
	reviewModel string
	pricing     map[string]model.Price
	logger      *slog.Logger
}

// Options control a single validation
type Options struct {
	// SkipReview disables the secondary language-model pass
	SkipReview bool
}

// New compiles the forbidden-phrase list. reviewer may be nil, which
// disables the review pass.
func New(cfg model.ComplianceConfig, reviewer llm.Provider, reviewModel string, pricing map[string]model.Price, logger *slog.Logger) (*Validator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	phrases := cfg.ForbiddenPhrases
	if len(phrases) == 0 {
		phrases = model.DefaultForbiddenPhrases()
	}
	patterns := make([]*regexp.Regexp, 0, len(phrases))
	for _, p := range phrases {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("%w: forbidden phrase %q: %v", model.ErrConfig, p, err)
		}
		patterns = append(patterns, re)
	}
	return &Validator{
		patterns:    patterns,
		reviewer:    reviewer,
		review:      cfg.Review,
		reviewModel: reviewModel,
		pricing:     pricing,
		logger:      logger,
	}, nil
}

// Validate runs the enabled passes. A failing verdict is returned together
// with an error wrapping ErrBlocked. An accepted correction is swapped into
// page's section bodies; nothing else on page changes.
func (v *Validator) Validate(ctx context.Context, page *model.PageRecord, opts Options) (*model.ComplianceVerdict, error) {
	verdict := &model.ComplianceVerdict{}

	verdict.Issues = append(verdict.Issues, v.scanForbidden(page.Summary, page.Sections)...)
	verdict.Passes = append(verdict.Passes, PassForbidden)

	verdict.Issues = append(verdict.Issues, checkCitations(page.ReferenceIDs(), page.Sections)...)
	verdict.Passes = append(verdict.Passes, PassCitations)

	if v.review && !opts.SkipReview {
		if v.reviewer == nil {
			v.logger.Warn("compliance review enabled but no review provider configured", "peptide", page.PeptideID)
		} else {
			if err := v.runReview(ctx, page, verdict); err != nil {
				return verdict, err
			}
			verdict.Passes = append(verdict.Passes, PassReview)
		}
	}

	verdict.Pass = len(verdict.Blockers()) == 0
	if !verdict.Pass {
		return verdict, fmt.Errorf("%w: %s", ErrBlocked, summarize(verdict.Blockers()))
	}
	return verdict, nil
}

// Check runs only the deterministic passes
func (v *Validator) Check(page *model.PageRecord) []model.Issue {
	issues := v.scanForbidden(page.Summary, page.Sections)
	return append(issues, checkCitations(page.ReferenceIDs(), page.Sections)...)
}

func (v *Validator) scanForbidden(summary string, sections []model.Section) []model.Issue {
	var issues []model.Issue
	scan := func(where, text string) {
		for _, re := range v.patterns {
			for _, hit := range re.FindAllString(text, -1) {
				issues = append(issues, model.Issue{
					Kind:     model.IssueForbiddenPhrase,
					Blocking: true,
					Section:  where,
					Detail:   fmt.Sprintf("forbidden phrase %q (pattern %s)", hit, re.String()),
				})
			}
		}
	}
	scan("summary", summary)
	for _, s := range sections {
		scan(s.Title, s.Title+"\n"+s.Body+"\n"+s.PlainSummary)
	}
	return issues
}

// checkCitations requires every referenced id to appear as a marker in the
// body and every marker to name a referenced id.
func checkCitations(refs []string, sections []model.Section) []model.Issue {
	body := synth.JoinSections(sections)

	var issues []model.Issue
	known := make(map[string]bool, len(refs))
	for _, id := range refs {
		known[id] = true
		if !strings.Contains(body, synth.CitationMarker(id)) {
			issues = append(issues, model.Issue{
				Kind:     model.IssueCitationMissing,
				Blocking: true,
				Detail:   "citation not found: " + id,
			})
		}
	}
	for _, s := range sections {
		for _, id := range synth.CitedIDs(s.Body) {
			if !known[id] {
				issues = append(issues, model.Issue{
					Kind:     model.IssueCitationMissing,
					Blocking: true,
					Section:  s.Title,
					Detail:   "cited identifier is not a page reference: " + id,
				})
			}
		}
	}
	return issues
}

func summarize(issues []model.Issue) string {
	parts := make([]string, 0, len(issues))
	for _, is := range issues {
		if is.Section != "" {
			parts = append(parts, fmt.Sprintf("%s [%s]", is.Detail, is.Section))
		} else {
			parts = append(parts, is.Detail)
		}
	}
	return strings.Join(parts, "; ")
}
