package compliance

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ppiankov/pepref/internal/llm"
	"github.com/ppiankov/pepref/internal/model"
)

func testPage() *model.PageRecord {
	return &model.PageRecord{
		PeptideID: "bpc-157",
		Name:      "BPC-157",
		Summary:   "Overview of published research.",
		Sections: []model.Section{
			{Order: 1, Title: "Human evidence", Body: "One controlled trial reported faster healing [cite:pmid:111]."},
			{Order: 2, Title: "Animal evidence", Body: "Rodent studies reported tendon repair [cite:pmid:222]."},
		},
		References: []model.EvidenceItem{
			{Provenance: model.ProvenanceLiterature, SourceID: "pmid:111"},
			{Provenance: model.ProvenanceLiterature, SourceID: "pmid:222"},
		},
	}
}

func newValidator(t *testing.T, review bool, reviewer llm.Provider) *Validator {
	t.Helper()
	v, err := New(model.ComplianceConfig{Review: review}, reviewer, "", nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestValidate_CleanPagePasses(t *testing.T) {
	v := newValidator(t, false, nil)

	verdict, err := v.Validate(context.Background(), testPage(), Options{})
	if err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
	if !verdict.Pass || len(verdict.Issues) != 0 {
		t.Errorf("expected clean verdict, got %+v", verdict)
	}
	if len(verdict.Passes) != 2 {
		t.Errorf("expected 2 passes, got %v", verdict.Passes)
	}
}

func TestValidate_ForbiddenPhrases(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"prescriptive", "You should take it with food [cite:pmid:111]."},
		{"dose", "The recommended dose was unclear [cite:pmid:111]."},
		{"amount", "Participants received 250 mcg per day [cite:pmid:111]."},
		{"buy", "Where to buy is listed below [cite:pmid:111]."},
		{"vendor", "Several vendors sell it [cite:pmid:111]."},
		{"discount", "Use discount code PEP10 [cite:pmid:111]."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := testPage()
			page.Sections[0].Body = tt.text

			verdict, err := newValidator(t, false, nil).Validate(context.Background(), page, Options{})
			if !errors.Is(err, ErrBlocked) {
				t.Fatalf("expected ErrBlocked, got %v", err)
			}
			if verdict.Pass {
				t.Error("expected failing verdict")
			}
			if verdict.Issues[0].Kind != model.IssueForbiddenPhrase || verdict.Issues[0].Section != "Human evidence" {
				t.Errorf("unexpected issue: %+v", verdict.Issues[0])
			}
		})
	}
}

func TestValidate_OrdinaryWordsPass(t *testing.T) {
	page := testPage()
	page.Sections[0].Body = "In order to measure healing, the trial used ultrasound [cite:pmid:111]. The dose-response curve was flat."

	if _, err := newValidator(t, false, nil).Validate(context.Background(), page, Options{}); err != nil {
		t.Errorf("expected ordinary wording to pass, got %v", err)
	}
}

func TestValidate_MissingCitationBlocks(t *testing.T) {
	page := testPage()
	page.Sections[1].Body = "Rodent studies reported tendon repair."

	verdict, err := newValidator(t, false, nil).Validate(context.Background(), page, Options{})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
	if !strings.Contains(err.Error(), "citation not found: pmid:222") {
		t.Errorf("expected citation not found message, got %v", err)
	}
	if len(verdict.Issues) != 1 || verdict.Issues[0].Kind != model.IssueCitationMissing {
		t.Errorf("unexpected issues: %+v", verdict.Issues)
	}
}

func TestValidate_UnreferencedMarkerBlocks(t *testing.T) {
	page := testPage()
	page.Sections[1].Body += " Also [cite:pmid:999]."

	_, err := newValidator(t, false, nil).Validate(context.Background(), page, Options{})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
}

func TestValidate_ReviewSkipped(t *testing.T) {
	mock := llm.NewMockProvider()
	v := newValidator(t, true, mock)

	verdict, err := v.Validate(context.Background(), testPage(), Options{SkipReview: true})
	if err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
	if len(mock.Calls()) != 0 {
		t.Errorf("expected no review call, got %d", len(mock.Calls()))
	}
	for _, p := range verdict.Passes {
		if p == PassReview {
			t.Error("expected review pass to be absent")
		}
	}
}

func TestValidate_ReviewBlocks(t *testing.T) {
	mock := llm.NewMockProvider().Enqueue(`{"pass": false, "issues": [{"section": "Human evidence", "detail": "overstates effect", "blocking": true}]}`)

	verdict, err := newValidator(t, true, mock).Validate(context.Background(), testPage(), Options{})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
	if verdict.Issues[0].Kind != model.IssueReview || !verdict.Issues[0].Blocking {
		t.Errorf("unexpected issue: %+v", verdict.Issues[0])
	}
	if verdict.Usage.Provider != "mock" {
		t.Errorf("expected review usage recorded, got %+v", verdict.Usage)
	}
}

func TestValidate_ReviewFailWithoutItems(t *testing.T) {
	mock := llm.NewMockProvider().Enqueue("```json\n{\"pass\": false}\n```")

	_, err := newValidator(t, true, mock).Validate(context.Background(), testPage(), Options{})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
}

func TestValidate_ReviewUnreadableReply(t *testing.T) {
	mock := llm.NewMockProvider().Enqueue("looks fine to me")

	verdict, err := newValidator(t, true, mock).Validate(context.Background(), testPage(), Options{})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
	if verdict.Issues[0].Kind != model.IssueReview {
		t.Errorf("unexpected issue: %+v", verdict.Issues[0])
	}
}

func TestValidate_CorrectionAccepted(t *testing.T) {
	corrected := "## Human evidence\n\nOne small controlled trial reported faster healing [cite:pmid:111].\n\n## Animal evidence\n\nRodent studies reported tendon repair [cite:pmid:222].\n"
	mock := llm.NewMockProvider().Enqueue(
		`{"pass": false, "issues": [{"section": "Human evidence", "detail": "qualify trial size", "blocking": true}], "corrected_body": ` + quote(corrected) + `}`)

	page := testPage()
	verdict, err := newValidator(t, true, mock).Validate(context.Background(), page, Options{})
	if err != nil {
		t.Fatalf("expected accepted correction to pass, got %v", err)
	}
	if !verdict.Corrected {
		t.Error("expected Corrected")
	}
	if !strings.Contains(page.Sections[0].Body, "small controlled trial") {
		t.Errorf("expected corrected body swapped in, got %q", page.Sections[0].Body)
	}
	if page.Sections[0].Title != "Human evidence" || len(page.Sections) != 2 {
		t.Errorf("expected structure unchanged, got %+v", page.Sections)
	}
}

func TestValidate_CorrectionClearsDeterministicFindings(t *testing.T) {
	corrected := "## Human evidence\n\nOne trial [cite:pmid:111].\n\n## Animal evidence\n\nRodent studies reported tendon repair [cite:pmid:222].\n"
	mock := llm.NewMockProvider().Enqueue(`{"pass": false, "issues": [{"section": "Human evidence", "detail": "advice to the reader", "blocking": true}], "corrected_body": ` + quote(corrected) + `}`)
	page := testPage()
	page.Sections[0].Body = "You should take it [cite:pmid:111]."

	verdict, err := newValidator(t, true, mock).Validate(context.Background(), page, Options{})
	if err != nil {
		t.Fatalf("expected corrected page to pass, got %v", err)
	}
	if !verdict.Pass || !verdict.Corrected {
		t.Errorf("expected passing corrected verdict, got %+v", verdict)
	}
	if page.Sections[0].Body != "One trial [cite:pmid:111]." {
		t.Errorf("expected corrected body, got %q", page.Sections[0].Body)
	}
	for _, is := range verdict.Issues {
		if is.Kind == model.IssueForbiddenPhrase {
			t.Errorf("expected original forbidden-phrase finding to be replaced, got %+v", is)
		}
		if is.Blocking {
			t.Errorf("expected no blocking issues, got %+v", is)
		}
	}
}

func TestValidate_CorrectionRejected(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"retitled", "## Human data\n\nText [cite:pmid:111].\n\n## Animal evidence\n\nText [cite:pmid:222].\n"},
		{"dropped section", "## Human evidence\n\nText [cite:pmid:111] [cite:pmid:222].\n"},
		{"drops citation", "## Human evidence\n\nText [cite:pmid:111].\n\n## Animal evidence\n\nText.\n"},
		{"adds forbidden", "## Human evidence\n\nYou should take it [cite:pmid:111].\n\n## Animal evidence\n\nText [cite:pmid:222].\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := llm.NewMockProvider().Enqueue(`{"pass": true, "issues": [], "corrected_body": ` + quote(tt.body) + `}`)
			page := testPage()
			original := page.Sections[0].Body

			verdict, err := newValidator(t, true, mock).Validate(context.Background(), page, Options{})
			if err != nil {
				t.Fatalf("expected original page to stand, got %v", err)
			}
			if verdict.Corrected {
				t.Error("expected correction to be rejected")
			}
			if page.Sections[0].Body != original {
				t.Errorf("expected original body kept, got %q", page.Sections[0].Body)
			}
			last := verdict.Issues[len(verdict.Issues)-1]
			if last.Kind != model.IssueCorrection || last.Blocking {
				t.Errorf("expected non-blocking correction issue, got %+v", last)
			}
		})
	}
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New(model.ComplianceConfig{ForbiddenPhrases: []string{"(unclosed"}}, nil, "", nil, nil)
	if !errors.Is(err, model.ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}
