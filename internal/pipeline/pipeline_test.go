package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/pepref/internal/compliance"
	"github.com/ppiankov/pepref/internal/llm"
	"github.com/ppiankov/pepref/internal/model"
	"github.com/ppiankov/pepref/internal/objectstore"
	"github.com/ppiankov/pepref/internal/sources"
	"github.com/ppiankov/pepref/internal/store"
	"github.com/ppiankov/pepref/internal/synth"
	"github.com/ppiankov/pepref/internal/worker"
)

// fakeRetriever returns a fixed item set per peptide id
type fakeRetriever struct {
	items map[string][]model.EvidenceItem
	calls int
}

func (f *fakeRetriever) Retrieve(ctx context.Context, q sources.Query) *model.EvidenceCollection {
	f.calls++
	return &model.EvidenceCollection{
		PeptideID: q.PeptideID,
		Name:      q.Name,
		Aliases:   q.Aliases,
		Items:     append([]model.EvidenceItem(nil), f.items[q.PeptideID]...),
		Meta: model.RetrievalMeta{
			Fetched:     map[model.Provenance]int{model.ProvenanceLiterature: len(f.items[q.PeptideID])},
			CacheHits:   3,
			CacheMisses: 1,
		},
	}
}

func lit(id, title string, cat model.Category, n int, o model.Outcome) model.EvidenceItem {
	return model.EvidenceItem{
		Provenance: model.ProvenanceLiterature,
		SourceID:   id,
		Title:      title,
		Year:       2020,
		Category:   cat,
		SampleSize: n,
		Outcome:    o,
	}
}

func moderateEvidence() []model.EvidenceItem {
	return []model.EvidenceItem{
		lit("pmid:1", "Randomized trial of tendon healing", model.CategoryControlledHumanTrial, 80, model.OutcomeBenefit),
		lit("pmid:2", "Gastric lesion model in rats", model.CategoryAnimalModel, 0, model.OutcomeBenefit),
	}
}

type harness struct {
	pipeline  *Pipeline
	retriever *fakeRetriever
	store     *store.Memory
	objects   *objectstore.Memory
	mock      *llm.MockProvider
}

func newHarness(t *testing.T, mutate func(cfg *model.Config)) *harness {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.Compliance.Review = false
	cfg.Pipeline.StageTimeout = 10 * time.Second
	cfg.Render.Format = "html"
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{
		retriever: &fakeRetriever{items: map[string][]model.EvidenceItem{"bpc-157": moderateEvidence()}},
		store:     store.NewMemory(),
		objects:   objectstore.NewMemory(),
		mock:      llm.NewMockProvider(),
	}
	h.mock.Handle("synthesize", synth.OfflineDraft)
	h.mock.Handle("review", compliance.OfflineReview)

	p, err := New(cfg, Deps{
		Retriever: h.retriever,
		Store:     h.store,
		Objects:   h.objects,
		Synthesis: h.mock,
		Review:    h.mock,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.pipeline = p
	return h
}

func bpc() Request {
	return Request{ID: "bpc-157", Name: "BPC-157", Aliases: []string{"Body Protection Compound"}}
}

func TestProcess_PublishesFirstVersion(t *testing.T) {
	h := newHarness(t, nil)

	out, err := h.pipeline.Process(context.Background(), bpc())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if out.Status != model.RunSuccess {
		t.Fatalf("expected success, got %s (%s)", out.Status, out.Reason)
	}
	if out.Grade != "moderate" {
		t.Errorf("expected grade moderate, got %s", out.Grade)
	}
	if out.Version != 1 {
		t.Errorf("expected version 1, got %d", out.Version)
	}
	if out.DocumentKey != "peptides/bpc-157/v1.html" {
		t.Errorf("unexpected document key %q", out.DocumentKey)
	}
	if out.Counts.Kept != 2 || out.Counts.Referenced != 2 || out.Counts.Sections != 4 {
		t.Errorf("unexpected counts %+v", out.Counts)
	}
	if out.Usage.PromptTokens == 0 {
		t.Error("expected synthesis usage to be recorded")
	}
	if out.Counts.CacheHits != 3 || out.Counts.CacheMisses != 1 {
		t.Errorf("expected cache counts 3/1, got %d/%d", out.Counts.CacheHits, out.Counts.CacheMisses)
	}

	want := []model.Stage{model.StageRetrieve, model.StageNormalize, model.StageGrade, model.StageSynthesize, model.StageCompliance, model.StagePublish}
	if len(out.Timings) != len(want) {
		t.Fatalf("expected %d timings, got %d", len(want), len(out.Timings))
	}
	for i, st := range want {
		if out.Timings[i].Stage != st || !out.Timings[i].OK {
			t.Errorf("timing %d: expected ok %s, got %+v", i, st, out.Timings[i])
		}
	}

	pub, err := h.store.Published(context.Background(), "bpc-157")
	if err != nil {
		t.Fatalf("Published: %v", err)
	}
	if pub.Peptide.Version != 1 || len(pub.Sections) != 4 || len(pub.Evidence) != 2 {
		t.Errorf("unexpected published state: version=%d sections=%d evidence=%d",
			pub.Peptide.Version, len(pub.Sections), len(pub.Evidence))
	}
	if ok, _ := h.objects.Exists(context.Background(), out.DocumentKey); !ok {
		t.Error("expected document to be uploaded")
	}
}

func TestProcess_SkipsPublishedUnlessForced(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.pipeline.Process(ctx, bpc()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	out, err := h.pipeline.Process(ctx, bpc())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if out.Status != model.RunSkipped {
		t.Errorf("expected skipped, got %s", out.Status)
	}
	if h.retriever.calls != 1 {
		t.Errorf("expected no retrieval for a skipped run, got %d calls", h.retriever.calls)
	}

	req := bpc()
	req.Force = true
	out, err = h.pipeline.Process(ctx, req)
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if out.Version != 2 {
		t.Errorf("expected version 2, got %d", out.Version)
	}
}

func TestProcess_DryRunWritesNothing(t *testing.T) {
	h := newHarness(t, nil)
	req := bpc()
	req.DryRun = true

	out, err := h.pipeline.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !out.DryRun || out.Version != 1 {
		t.Errorf("expected dry run at version 1, got dry=%v version=%d", out.DryRun, out.Version)
	}
	if ok, _ := h.store.IsPublished(context.Background(), "bpc-157"); ok {
		t.Error("dry run must not publish")
	}
	if len(h.objects.Keys()) != 0 {
		t.Errorf("dry run must not upload, got %v", h.objects.Keys())
	}
}

func TestProcess_ZeroEvidenceFails(t *testing.T) {
	h := newHarness(t, nil)

	out, err := h.pipeline.Process(context.Background(), Request{ID: "unknown-1", Name: "Unknown-1"})
	if !errors.Is(err, ErrInsufficientEvidence) {
		t.Fatalf("expected ErrInsufficientEvidence, got %v", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != model.StageRetrieve {
		t.Errorf("expected retrieve stage error, got %v", err)
	}
	if out.Status != model.RunFailed || out.Reason != "insufficient evidence" {
		t.Errorf("unexpected outcome %s / %q", out.Status, out.Reason)
	}
	if out.Grade != "very-low" {
		t.Errorf("expected grade very-low, got %s", out.Grade)
	}
	if len(h.mock.Calls()) != 0 {
		t.Error("expected no synthesis call")
	}
}

func TestProcess_ZeroEvidenceMinimalPage(t *testing.T) {
	h := newHarness(t, func(cfg *model.Config) { cfg.Pipeline.AllowMinimalPage = true })

	out, err := h.pipeline.Process(context.Background(), Request{ID: "unknown-1", Name: "Unknown-1"})
	if err != nil {
		t.Fatalf("expected minimal page, got %v", err)
	}
	if out.Grade != "very-low" || out.Version != 1 {
		t.Errorf("unexpected outcome grade=%s version=%d", out.Grade, out.Version)
	}
	pub, err := h.store.Published(context.Background(), "unknown-1")
	if err != nil {
		t.Fatalf("Published: %v", err)
	}
	if len(pub.Sections) != 1 || pub.Sections[0].Title != "Evidence status" {
		t.Errorf("unexpected minimal sections %+v", pub.Sections)
	}
	if len(h.mock.Calls()) != 0 {
		t.Error("minimal page must not call the language model")
	}
}

func TestProcess_MissingCitationBlocksPublish(t *testing.T) {
	h := newHarness(t, nil)
	reply, err := synth.FormatReply(&synth.Reply{
		Record: synth.Record{
			Title:     "BPC-157",
			Summary:   "Overview of BPC-157 research.",
			Sections:  []synth.RecordSection{{Title: "Overview"}},
			Citations: []string{"pmid:1", "pmid:2"},
		},
		Sections: []model.Section{{Order: 1, Title: "Overview", Body: "One trial reported faster healing [cite:pmid:1]."}},
	})
	if err != nil {
		t.Fatalf("FormatReply: %v", err)
	}
	h.mock.Handle("synthesize", func(req llm.CompletionRequest) (string, error) { return reply, nil })

	out, err := h.pipeline.Process(context.Background(), bpc())
	if !errors.Is(err, compliance.ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
	if out.Stage != model.StageCompliance {
		t.Errorf("expected compliance stage, got %s", out.Stage)
	}
	if !strings.Contains(out.Reason, "citation not found: pmid:2") {
		t.Errorf("expected citation not found reason, got %q", out.Reason)
	}
	if ok, _ := h.store.IsPublished(context.Background(), "bpc-157"); ok {
		t.Error("blocked page must not be published")
	}
}

func TestProcess_ContractViolationNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.mock.Handle("synthesize", func(req llm.CompletionRequest) (string, error) { return "not a reply", nil })

	out, err := h.pipeline.Process(context.Background(), bpc())
	if !errors.Is(err, synth.ErrContract) {
		t.Fatalf("expected ErrContract, got %v", err)
	}
	if out.Stage != model.StageSynthesize {
		t.Errorf("expected synthesize stage, got %s", out.Stage)
	}
	if n := len(h.mock.Calls()); n != 1 {
		t.Errorf("expected exactly one synthesis call, got %d", n)
	}
}

func TestProcess_ReviewPass(t *testing.T) {
	h := newHarness(t, func(cfg *model.Config) { cfg.Compliance.Review = true })

	out, err := h.pipeline.Process(context.Background(), bpc())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	var ops []string
	for _, c := range h.mock.Calls() {
		ops = append(ops, c.Operation)
	}
	if strings.Join(ops, ",") != "synthesize,review" {
		t.Errorf("expected synthesize then review, got %v", ops)
	}
	if out.Status != model.RunSuccess {
		t.Errorf("expected success, got %s", out.Status)
	}
}

func TestProcess_SkipCompliance(t *testing.T) {
	h := newHarness(t, func(cfg *model.Config) { cfg.Compliance.Review = true })
	req := bpc()
	req.SkipCompliance = true

	if _, err := h.pipeline.Process(context.Background(), req); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	for _, c := range h.mock.Calls() {
		if c.Operation == "review" {
			t.Error("review must be skipped")
		}
	}
}

func TestProcess_InvalidRequest(t *testing.T) {
	h := newHarness(t, nil)

	out, err := h.pipeline.Process(context.Background(), Request{ID: "Not Valid", Name: "x"})
	if !errors.Is(err, model.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	if out.Stage != model.StageConfig {
		t.Errorf("expected config stage, got %s", out.Stage)
	}
	if h.retriever.calls != 0 {
		t.Error("expected no retrieval")
	}
}

func TestReady(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.pipeline.Ready(context.Background()); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}

	h.mock.Down = true
	err := h.pipeline.Ready(context.Background())
	if !errors.Is(err, ErrNotReady) || !strings.Contains(err.Error(), "mock") {
		t.Errorf("expected ErrNotReady naming the provider, got %v", err)
	}
}

func TestReady_ChecksReviewProvider(t *testing.T) {
	cfg := model.DefaultConfig()
	review := llm.NewMockProvider()
	review.Down = true

	p, err := New(cfg, Deps{
		Retriever: &fakeRetriever{},
		Store:     store.NewMemory(),
		Objects:   objectstore.NewMemory(),
		Synthesis: llm.NewMockProvider(),
		Review:    review,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Ready(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected review provider to be checked, got %v", err)
	}

	cfg.Compliance.Review = false
	p, err = New(cfg, Deps{
		Retriever: &fakeRetriever{},
		Store:     store.NewMemory(),
		Objects:   objectstore.NewMemory(),
		Synthesis: llm.NewMockProvider(),
		Review:    review,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Ready(context.Background()); err != nil {
		t.Errorf("expected disabled review to be ignored, got %v", err)
	}
}

func TestNew_RequiresStores(t *testing.T) {
	if _, err := New(model.DefaultConfig(), Deps{}); !errors.Is(err, model.ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}

func TestBatch_WithPipeline(t *testing.T) {
	h := newHarness(t, nil)
	b := worker.NewBatch(h.pipeline, worker.BatchOptions{Priority: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	report := b.Run(context.Background(), "test", []model.BatchEntry{
		{ID: "bpc-157", Name: "BPC-157", Priority: 1},
		{ID: "unknown-1", Name: "Unknown-1", Priority: 1},
		{ID: "tb-500", Name: "TB-500", Priority: 2},
	})

	if report.Selected != 2 || report.Succeeded != 1 || report.Failed != 1 {
		t.Errorf("unexpected report: selected=%d succeeded=%d failed=%d", report.Selected, report.Succeeded, report.Failed)
	}
	if len(report.Filtered) != 1 || report.Filtered[0] != "tb-500" {
		t.Errorf("expected tb-500 filtered, got %v", report.Filtered)
	}
	if report.Outcomes[1].Reason != "insufficient evidence" {
		t.Errorf("unexpected reason %q", report.Outcomes[1].Reason)
	}
}
