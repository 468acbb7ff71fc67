package synth

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/ppiankov/pepref/internal/llm"
	"github.com/ppiankov/pepref/internal/model"
)

func testCollection() *model.EvidenceCollection {
	return &model.EvidenceCollection{
		PeptideID: "bpc-157",
		Name:      "BPC-157",
		Aliases:   []string{"Body Protection Compound 157"},
		Items: []model.EvidenceItem{
			{Provenance: model.ProvenanceLiterature, SourceID: "pmid:111", Title: "A randomized trial", Category: model.CategoryControlledHumanTrial, SampleSize: 80, Outcome: model.OutcomeBenefit},
			{Provenance: model.ProvenanceLiterature, SourceID: "pmid:222", Title: "Healing in rats", Category: model.CategoryAnimalModel},
			{Provenance: model.ProvenanceTrialRegistry, SourceID: "nct:NCT01234567", Title: "Registered study", Category: model.CategoryControlledHumanTrial},
		},
	}
}

func testReply() *Reply {
	return &Reply{
		Record: Record{
			Title:   "BPC-157",
			Summary: "Overview.",
			Sections: []RecordSection{
				{Title: "Human evidence", PlainSummary: "One trial."},
				{Title: "Animal evidence"},
			},
			Citations: []string{"pmid:111", "pmid:222"},
			Notes:     []string{"Limited data."},
		},
		Sections: []model.Section{
			{Order: 1, Title: "Human evidence", Body: "One trial reported benefit [cite:pmid:111].", PlainSummary: "One trial."},
			{Order: 2, Title: "Animal evidence", Body: "Rats healed faster [cite:pmid:222].\n\nMore detail."},
		},
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	want := testReply()
	text, err := FormatReply(want)
	if err != nil {
		t.Fatalf("FormatReply: %v", err)
	}

	got, err := ParseReply(text)
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	if !reflect.DeepEqual(got.Record, want.Record) {
		t.Errorf("record mismatch:\nexpected %+v\ngot      %+v", want.Record, got.Record)
	}
	if !reflect.DeepEqual(got.Sections, want.Sections) {
		t.Errorf("sections mismatch:\nexpected %+v\ngot      %+v", want.Sections, got.Sections)
	}

	again, _ := FormatReply(got)
	if again != text {
		t.Errorf("expected stable formatting on second round")
	}
}

func TestParseReply_Violations(t *testing.T) {
	good, _ := FormatReply(testReply())
	head, body, _ := splitOnSeparator(good)

	tests := []struct {
		name string
		text string
		want string
	}{
		{"no separator", head + "\n" + body, "missing"},
		{"not json", "title: x\n" + Separator + "\n" + body, "not JSON"},
		{"missing field", `{"title":"x","sections":[{"title":"Human evidence"}],"citations":[]}` + "\n" + Separator + "\n## Human evidence\n\nText.", "record shape"},
		{"bad citation id", `{"title":"x","summary":"s","sections":[{"title":"A"}],"citations":["doi:10.1/x"]}` + "\n" + Separator + "\n## A\n\nText.", "record shape"},
		{"empty body", head + "\n" + Separator + "\n  \n", "empty page body"},
		{"heading mismatch", head + "\n" + Separator + "\n" + strings.Replace(body, "## Animal evidence", "## Animal studies", 1), "does not match"},
		{"section count", head + "\n" + Separator + "\n## Human evidence\n\nOnly one.", "sections"},
		{"preamble", head + "\n" + Separator + "\nIntro text\n" + body, "before the first"},
		{"empty section", head + "\n" + Separator + "\n## Human evidence\n\n## Animal evidence\n\nText.", "empty body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseReply(tt.text)
			if !errors.Is(err, ErrContract) {
				t.Fatalf("expected ErrContract, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestParseReply_StripsFence(t *testing.T) {
	good, _ := FormatReply(testReply())
	head, body, _ := splitOnSeparator(good)
	fenced := "```json\n" + head + "\n```\n" + Separator + "\n" + body

	if _, err := ParseReply(fenced); err != nil {
		t.Errorf("expected fenced record to parse, got %v", err)
	}
}

func TestCitedIDs(t *testing.T) {
	got := CitedIDs("a [cite:pmid:1] b [cite:nct:NCT00000001] c [cite:pmid:1] [cite: bad]")
	want := []string{"pmid:1", "nct:NCT00000001"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestAssemble_UnknownCitation(t *testing.T) {
	reply := testReply()
	reply.Sections[1].Body += " See also [cite:pmid:999]."

	_, err := Assemble(testCollection(), model.EvidenceGrade{}, reply)
	if !errors.Is(err, ErrContract) {
		t.Fatalf("expected ErrContract, got %v", err)
	}
	if !strings.Contains(err.Error(), "pmid:999") {
		t.Errorf("expected error to name the identifier, got %v", err)
	}
}

func TestAssemble_ReferencesAndCounts(t *testing.T) {
	reply := testReply()
	reply.Record.Citations = []string{"pmid:222"}

	page, err := Assemble(testCollection(), model.EvidenceGrade{Level: model.GradeModerate}, reply)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	ids := page.ReferenceIDs()
	if !reflect.DeepEqual(ids, []string{"pmid:222", "pmid:111"}) {
		t.Errorf("expected record citations then body citations, got %v", ids)
	}
	if page.Counts.Total != 2 || page.Counts.HumanTrials != 1 {
		t.Errorf("unexpected counts: %+v", page.Counts)
	}
	if page.Notes[len(page.Notes)-1] != Disclaimer {
		t.Errorf("expected disclaimer as last note, got %v", page.Notes)
	}
}

func TestBuildPrompt_SendsEveryItem(t *testing.T) {
	coll := testCollection()
	prompt := BuildPrompt(coll, model.EvidenceGrade{Level: model.GradeModerate, Rationale: model.Rationale{Rule: model.RuleControlledTrialMinimum}})

	for _, id := range coll.IDs() {
		if !strings.Contains(prompt, "["+id+"]") {
			t.Errorf("expected prompt to list %s", id)
		}
	}
	if !strings.Contains(prompt, "By design: controlled-human-trial 2, observational-human 0, animal-model 1, in-vitro 0, unknown 0\n") {
		t.Errorf("expected per-design counts in rank order, got:\n%s", prompt)
	}
	humanAt := strings.Index(prompt, "### Human studies")
	animalAt := strings.Index(prompt, "### Animal")
	if humanAt < 0 || animalAt < humanAt {
		t.Fatalf("expected separate human and animal blocks")
	}
	if strings.Index(prompt, "pmid:222") < animalAt {
		t.Errorf("expected animal item under the animal block")
	}
}

func TestSynthesize_WithOfflineDraft(t *testing.T) {
	mock := llm.NewMockProvider().Handle("synthesize", OfflineDraft)
	s := New(mock, model.LLMConfig{Model: "mock-1"}, nil, nil)

	page, err := s.Synthesize(context.Background(), testCollection(), model.EvidenceGrade{Level: model.GradeModerate})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(page.References) != 3 {
		t.Errorf("expected all 3 items referenced, got %d", len(page.References))
	}
	body := JoinSections(page.Sections)
	for _, id := range page.ReferenceIDs() {
		if !strings.Contains(body, CitationMarker(id)) {
			t.Errorf("expected body to cite %s", id)
		}
	}
	if page.Usage.Provider != "mock" || page.Usage.PromptTokens == 0 {
		t.Errorf("expected usage to be recorded, got %+v", page.Usage)
	}
	if page.GeneratedAt.IsZero() {
		t.Error("expected GeneratedAt to be set")
	}
}

func TestSynthesize_ContractViolationIsNotRetried(t *testing.T) {
	mock := llm.NewMockProvider().Enqueue("no separator here")
	s := New(mock, model.LLMConfig{}, nil, nil)

	_, err := s.Synthesize(context.Background(), testCollection(), model.EvidenceGrade{})
	if !errors.Is(err, ErrContract) {
		t.Fatalf("expected ErrContract, got %v", err)
	}
	if len(mock.Calls()) != 1 {
		t.Errorf("expected exactly one call, got %d", len(mock.Calls()))
	}
}

func TestSynthesize_NoProvider(t *testing.T) {
	s := New(nil, model.LLMConfig{}, nil, nil)
	_, err := s.Synthesize(context.Background(), testCollection(), model.EvidenceGrade{})
	if !errors.Is(err, model.ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}
