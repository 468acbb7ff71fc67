package synth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ppiankov/pepref/internal/llm"
	"github.com/ppiankov/pepref/internal/model"
)

// Disclaimer is always attached to a page's notes
const Disclaimer = "Educational summary of published research. Not medical advice; not a recommendation to use any compound."

// Synthesizer turns a graded collection into a Page Record
type Synthesizer struct {
	provider    llm.Provider
	modelName   string
	maxTokens   int
	temperature float32
	pricing     map[string]model.Price
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a synthesizer. provider may be nil; Synthesize then fails with ErrConfig.
func New(provider llm.Provider, cfg model.LLMConfig, pricing map[string]model.Price, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		provider:    provider,
		modelName:   cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		pricing:     pricing,
		logger:      logger,
		now:         time.Now,
	}
}

// Synthesize calls the provider once and validates the reply. Contract
// violations wrap ErrContract and are not retried.
func (s *Synthesizer) Synthesize(ctx context.Context, coll *model.EvidenceCollection, grade model.EvidenceGrade) (*model.PageRecord, error) {
	if s.provider == nil {
		return nil, fmt.Errorf("%w: no synthesis provider configured", model.ErrConfig)
	}

	req := llm.CompletionRequest{
		Operation:   "synthesize",
		System:      SystemPolicy,
		Prompt:      BuildPrompt(coll, grade),
		Model:       s.modelName,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	}
	if s.logger.Enabled(ctx, slog.LevelDebug) {
		s.logger.Debug("synthesis request",
			"peptide", coll.PeptideID,
			"items", len(coll.Items),
			"prompt_tokens_est", llm.CountTokens(s.modelName, req.System+req.Prompt))
	}

	resp, err := s.provider.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("synthesis call: %w", err)
	}
	usage := llm.UsageFor(s.provider.Name(), req, resp, s.pricing)

	reply, err := ParseReply(resp.Text)
	if err != nil {
		return nil, err
	}

	page, err := Assemble(coll, grade, reply)
	if err != nil {
		return nil, err
	}
	page.Usage = usage
	page.GeneratedAt = s.now().UTC()

	s.logger.Info("synthesis complete",
		"peptide", coll.PeptideID,
		"sections", len(page.Sections),
		"references", len(page.References),
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens,
		"cost_usd", usage.CostUSD)
	return page, nil
}

// Assemble builds a Page Record from a parsed reply. References are the
// record's citations in order, followed by any body-only citations. Every
// reference must resolve in coll.
func Assemble(coll *model.EvidenceCollection, grade model.EvidenceGrade, reply *Reply) (*model.PageRecord, error) {
	ids := make([]string, 0, len(reply.Record.Citations))
	seen := make(map[string]bool)
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, id := range reply.Record.Citations {
		add(id)
	}
	for _, sec := range reply.Sections {
		for _, id := range CitedIDs(sec.Body) {
			add(id)
		}
	}

	refs := make([]model.EvidenceItem, 0, len(ids))
	for _, id := range ids {
		item, ok := coll.Lookup(id)
		if !ok {
			return nil, fmt.Errorf("%w: citation to unknown identifier %q", ErrContract, id)
		}
		refs = append(refs, item)
	}

	notes := append([]string(nil), reply.Record.Notes...)
	notes = append(notes, Disclaimer)

	page := &model.PageRecord{
		PeptideID:  coll.PeptideID,
		Name:       coll.Name,
		Aliases:    coll.Aliases,
		Title:      reply.Record.Title,
		Summary:    reply.Record.Summary,
		Grade:      grade,
		Sections:   reply.Sections,
		References: refs,
		Notes:      notes,
	}
	page.ComputeCounts()
	return page, nil
}

// MinimalPage is published for a peptide with no usable evidence when
// pipeline.allow_minimal_page is set.
func MinimalPage(coll *model.EvidenceCollection, grade model.EvidenceGrade, now time.Time) *model.PageRecord {
	page := &model.PageRecord{
		PeptideID: coll.PeptideID,
		Name:      coll.Name,
		Aliases:   coll.Aliases,
		Title:     coll.Name,
		Summary:   "No published human, animal or laboratory studies were found for this compound.",
		Grade:     grade,
		Sections: []model.Section{{
			Order: 1,
			Title: "Evidence status",
			Body: "A search of the biomedical literature and the clinical trial registry returned no usable records for " +
				coll.Name + ". The absence of indexed studies means nothing is established about its effects or safety.",
		}},
		References:  []model.EvidenceItem{},
		Notes:       []string{Disclaimer},
		GeneratedAt: now.UTC(),
	}
	page.ComputeCounts()
	return page
}
