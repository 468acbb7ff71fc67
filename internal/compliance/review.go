package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ppiankov/pepref/internal/llm"
	"github.com/ppiankov/pepref/internal/model"
	"github.com/ppiankov/pepref/internal/synth"
)

const reviewPolicy = `You review educational reference pages about research peptides for compliance.

Flag any of: advice to the reader, dosing or administration instructions, sourcing or vendor language,
claims without a [cite:<ID>] marker, human and animal findings presented as one.

Reply with JSON only:
{"pass": true|false, "issues": [{"section": "...", "detail": "...", "blocking": true|false}], "corrected_body": "..."}

corrected_body is optional. If present it must be the full Markdown body with the same "## " section
headings in the same order, and must keep every [cite:<ID>] marker.`

type reviewReply struct {
	Pass   bool `json:"pass"`
	Issues []struct {
		Section  string `json:"section"`
		Detail   string `json:"detail"`
		Blocking bool   `json:"blocking"`
	} `json:"issues"`
	CorrectedBody string `json:"corrected_body"`
}

func buildReviewPrompt(page *model.PageRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Peptide: %s\n", page.Name)
	fmt.Fprintf(&b, "Referenced identifiers: %s\n\n", strings.Join(page.ReferenceIDs(), ", "))
	b.WriteString("BODY\n\n")
	b.WriteString(synth.JoinSections(page.Sections))
	return b.String()
}

// runReview calls the review provider and folds its answer into verdict
func (v *Validator) runReview(ctx context.Context, page *model.PageRecord, verdict *model.ComplianceVerdict) error {
	req := llm.CompletionRequest{
		Operation: "review",
		System:    reviewPolicy,
		Prompt:    buildReviewPrompt(page),
		Model:     v.reviewModel,
		JSON:      true,
	}
	resp, err := v.reviewer.Complete(ctx, req)
	if err != nil {
		return fmt.Errorf("compliance review call: %w", err)
	}
	verdict.Usage.Add(llm.UsageFor(v.reviewer.Name(), req, resp, v.pricing))

	var reply reviewReply
	if err := json.Unmarshal([]byte(trimFence(resp.Text)), &reply); err != nil {
		verdict.Issues = append(verdict.Issues, model.Issue{
			Kind:     model.IssueReview,
			Blocking: true,
			Detail:   fmt.Sprintf("review reply is not valid JSON: %v", err),
		})
		return nil
	}

	start := len(verdict.Issues)
	for _, is := range reply.Issues {
		verdict.Issues = append(verdict.Issues, model.Issue{
			Kind:     model.IssueReview,
			Blocking: is.Blocking,
			Section:  is.Section,
			Detail:   is.Detail,
		})
	}
	if !reply.Pass && !hasBlocking(verdict.Issues[start:]) {
		verdict.Issues = append(verdict.Issues, model.Issue{
			Kind:     model.IssueReview,
			Blocking: true,
			Detail:   "review failed without itemized blockers",
		})
	}

	if strings.TrimSpace(reply.CorrectedBody) == "" {
		return nil
	}

	corrected, reason := v.acceptCorrection(page, reply.CorrectedBody)
	if corrected == nil {
		verdict.Issues = append(verdict.Issues, model.Issue{
			Kind:   model.IssueCorrection,
			Detail: reason,
		})
		return nil
	}

	for i := range page.Sections {
		page.Sections[i].Body = corrected[i].Body
	}

	// The deterministic passes are re-run on the corrected page and replace
	// the findings on the original body. Review findings are resolved.
	resolved := v.Check(page)
	for _, is := range verdict.Issues[start:] {
		is.Blocking = false
		resolved = append(resolved, is)
	}
	verdict.Issues = resolved
	verdict.CorrectedBody = synth.JoinSections(page.Sections)
	verdict.Corrected = true
	v.logger.Info("compliance correction applied", "peptide", page.PeptideID)
	return nil
}

// acceptCorrection returns the corrected sections when they keep titles and
// order and pass the deterministic checks, or a rejection reason.
func (v *Validator) acceptCorrection(page *model.PageRecord, body string) ([]model.Section, string) {
	sections, err := synth.SplitSections(body)
	if err != nil {
		return nil, fmt.Sprintf("correction rejected: %v", err)
	}
	if len(sections) != len(page.Sections) {
		return nil, fmt.Sprintf("correction rejected: %d sections, page has %d", len(sections), len(page.Sections))
	}
	for i := range sections {
		if sections[i].Title != page.Sections[i].Title {
			return nil, fmt.Sprintf("correction rejected: section %d retitled %q", i+1, sections[i].Title)
		}
		sections[i].PlainSummary = page.Sections[i].PlainSummary
	}

	issues := v.scanForbidden(page.Summary, sections)
	issues = append(issues, checkCitations(page.ReferenceIDs(), sections)...)
	if len(issues) > 0 {
		return nil, "correction rejected: " + summarize(issues)
	}
	return sections, ""
}

func hasBlocking(issues []model.Issue) bool {
	for _, is := range issues {
		if is.Blocking {
			return true
		}
	}
	return false
}

func trimFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// OfflineReview is a review responder that approves without changes. It
// backs the mock provider for local runs.
func OfflineReview(req llm.CompletionRequest) (string, error) {
	return `{"pass": true, "issues": []}`, nil
}
