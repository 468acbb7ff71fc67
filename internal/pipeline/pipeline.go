package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/pepref/internal/cache"
	"github.com/ppiankov/pepref/internal/compliance"
	"github.com/ppiankov/pepref/internal/grade"
	"github.com/ppiankov/pepref/internal/llm"
	"github.com/ppiankov/pepref/internal/model"
	"github.com/ppiankov/pepref/internal/normalize"
	"github.com/ppiankov/pepref/internal/objectstore"
	"github.com/ppiankov/pepref/internal/publish"
	"github.com/ppiankov/pepref/internal/render"
	"github.com/ppiankov/pepref/internal/sources"
	"github.com/ppiankov/pepref/internal/store"
	"github.com/ppiankov/pepref/internal/synth"
	"github.com/ppiankov/pepref/internal/worker"
)

// ErrInsufficientEvidence is returned when no usable records remain
var ErrInsufficientEvidence = errors.New("insufficient evidence")

// ErrNotReady is returned by Ready when a language-model provider does not answer
var ErrNotReady = errors.New("pipeline not ready")

// readyTimeout bounds each provider availability check
const readyTimeout = 10 * time.Second

// Retriever assembles the raw evidence collection for a query
type Retriever interface {
	Retrieve(ctx context.Context, q sources.Query) *model.EvidenceCollection
}

// Deps are the external collaborators of a pipeline. Nil Retriever and
// Renderer are built from configuration.
type Deps struct {
	Retriever Retriever
	Store     store.Store
	Objects   objectstore.Store
	Renderer  *render.Renderer
	Synthesis llm.Provider
	Review    llm.Provider
	Cache     cache.Cache
	Limiter   *worker.Limiter
	Logger    *slog.Logger
}

// Pipeline orchestrates one peptide run
type Pipeline struct {
	retriever  Retriever
	normalizer *normalize.Normalizer
	grader     *grade.Grader
	synth      *synth.Synthesizer
	validator  *compliance.Validator
	publisher  *publish.Publisher
	store      store.Store
	providers  []llm.Provider
	config     model.PipelineConfig
	logger     *slog.Logger

	now      func() time.Time
	newRunID func() string
}

// Request is one single-peptide run
type Request struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Aliases        []string `json:"aliases,omitempty"`
	Force          bool     `json:"force"`
	DryRun         bool     `json:"dry_run"`
	SkipCompliance bool     `json:"skip_compliance"`
}

// New creates a pipeline with the given configuration
func New(cfg *model.Config, deps Deps) (*Pipeline, error) {
	if deps.Store == nil || deps.Objects == nil {
		return nil, fmt.Errorf("%w: pipeline needs a store and an object store", model.ErrConfig)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retriever := deps.Retriever
	if retriever == nil {
		retriever = sources.NewRetriever(cfg, deps.Cache, deps.Limiter, logger)
	}
	renderer := deps.Renderer
	if renderer == nil {
		renderer = render.New(cfg.Render)
	}

	validator, err := compliance.New(cfg.Compliance, deps.Review, cfg.Review.Model, cfg.Pricing, logger)
	if err != nil {
		return nil, err
	}

	var providers []llm.Provider
	if deps.Synthesis != nil {
		providers = append(providers, deps.Synthesis)
	}
	if cfg.Compliance.Review && deps.Review != nil && deps.Review != deps.Synthesis {
		providers = append(providers, deps.Review)
	}

	return &Pipeline{
		retriever:  retriever,
		normalizer: normalize.FromConfig(cfg.Normalize),
		grader:     grade.New(grade.ThresholdsFromConfig(cfg.Grading)),
		synth:      synth.New(deps.Synthesis, cfg.LLM, cfg.Pricing, logger),
		validator:  validator,
		publisher:  publish.New(deps.Store, deps.Objects, renderer, logger),
		store:      deps.Store,
		providers:  providers,
		config:     cfg.Pipeline,
		logger:     logger,
		now:        time.Now,
		newRunID:   uuid.NewString,
	}, nil
}

// Ready checks that every language-model provider the pipeline calls
// answers. Each check is bounded by readyTimeout.
func (p *Pipeline) Ready(ctx context.Context) error {
	if len(p.providers) == 0 {
		return fmt.Errorf("%w: no synthesis provider", ErrNotReady)
	}
	var down []string
	for _, pr := range p.providers {
		checkCtx, cancel := context.WithTimeout(ctx, readyTimeout)
		ok := pr.IsAvailable(checkCtx)
		cancel()
		if !ok {
			down = append(down, pr.Name())
		}
	}
	if len(down) > 0 {
		p.logger.Warn("llm provider unavailable", "providers", down)
		return fmt.Errorf("%w: unavailable: %s", ErrNotReady, strings.Join(down, ", "))
	}
	return nil
}

// ProcessEntry runs one batch entry. It satisfies worker.Processor.
func (p *Pipeline) ProcessEntry(ctx context.Context, entry model.BatchEntry, force bool) *model.RunOutcome {
	out, _ := p.Process(ctx, Request{ID: entry.ID, Name: entry.Name, Aliases: entry.Aliases, Force: force})
	return out
}

// Process runs stages in order and reports the outcome. The outcome is
// always non-nil; the error is the *StageError of a failed run.
func (p *Pipeline) Process(ctx context.Context, req Request) (*model.RunOutcome, error) {
	out := &model.RunOutcome{
		RunID:     p.newRunID(),
		PeptideID: req.ID,
		Name:      req.Name,
		DryRun:    req.DryRun,
		StartedAt: p.now().UTC(),
	}
	logger := p.logger.With("run_id", out.RunID, "peptide", req.ID)

	err := p.run(ctx, req, out, logger)
	out.FinishedAt = p.now().UTC()

	var se *StageError
	switch {
	case err == nil && out.Status == "":
		out.Status = model.RunSuccess
		logger.Info("run finished", "grade", out.Grade, "version", out.Version, "dry_run", out.DryRun)
	case err == nil:
		logger.Info("run skipped", "reason", out.Reason)
	case errors.As(err, &se):
		out.Status = model.RunFailed
		out.Stage = se.Stage
		out.Reason = se.Reason
		logger.Warn("run failed", "stage", se.Stage, "reason", se.Reason, "error", se.Err)
	default:
		out.Status = model.RunFailed
		out.Reason = err.Error()
		logger.Warn("run failed", "error", err)
	}
	return out, err
}

func (p *Pipeline) run(ctx context.Context, req Request, out *model.RunOutcome, logger *slog.Logger) error {
	// 1. Validate the request before any external call
	if err := model.ValidatePeptideID(req.ID); err != nil {
		return stageErr(model.StageConfig, err)
	}
	if strings.TrimSpace(req.Name) == "" {
		return stageErr(model.StageConfig, fmt.Errorf("%w: peptide %q has no name", model.ErrConfig, req.ID))
	}

	if !req.Force {
		published, err := p.store.IsPublished(ctx, req.ID)
		if err != nil {
			return stageErr(model.StagePublish, fmt.Errorf("check published: %w", err))
		}
		if published {
			out.Status = model.RunSkipped
			out.Reason = "already published"
			return nil
		}
	}

	// 2. Retrieve from every enabled provider
	var coll *model.EvidenceCollection
	p.timed(ctx, out, model.StageRetrieve, func(ctx context.Context) error {
		coll = p.retriever.Retrieve(ctx, sources.Query{PeptideID: req.ID, Name: req.Name, Aliases: req.Aliases})
		return nil
	})
	out.Counts.Retrieved = len(coll.Items)
	out.Counts.CacheHits = coll.Meta.CacheHits
	out.Counts.CacheMisses = coll.Meta.CacheMisses
	for _, n := range coll.Meta.Skipped {
		out.Counts.Skipped += n
	}
	out.Warnings = append(out.Warnings, coll.Meta.Warnings...)
	if err := ctx.Err(); err != nil {
		return stageErr(model.StageRetrieve, err)
	}

	// 3. Merge, dedup and rank
	p.timed(ctx, out, model.StageNormalize, func(ctx context.Context) error {
		coll = p.normalizer.Normalize(coll)
		return nil
	})
	out.Counts.Kept = len(coll.Items)
	out.Counts.Discarded = coll.Meta.Discarded
	out.Counts.ByCategory = coll.CountByCategory()

	// 4. Grade
	var g model.EvidenceGrade
	p.timed(ctx, out, model.StageGrade, func(ctx context.Context) error {
		g = p.grader.Grade(coll)
		return nil
	})
	out.Grade = g.Level.String()
	logger.Info("evidence graded", "kept", out.Counts.Kept, "grade", out.Grade, "rule", g.Rationale.Rule)

	// 5. Synthesize, or fall back to a minimal page for an empty collection
	var page *model.PageRecord
	minimal := false
	if len(coll.Items) == 0 {
		if !p.config.AllowMinimalPage {
			return stageErr(model.StageRetrieve, ErrInsufficientEvidence)
		}
		minimal = true
		page = synth.MinimalPage(coll, g, p.now())
		out.Warnings = append(out.Warnings, "no usable evidence; publishing minimal page")
	} else {
		err := p.timed(ctx, out, model.StageSynthesize, func(ctx context.Context) error {
			var err error
			page, err = p.synth.Synthesize(ctx, coll, g)
			return err
		})
		if err != nil {
			return stageErr(model.StageSynthesize, err)
		}
		out.Usage.Add(page.Usage)
	}
	out.Counts.Referenced = len(page.References)
	out.Counts.Sections = len(page.Sections)

	// 6. Compliance gate
	var verdict *model.ComplianceVerdict
	err := p.timed(ctx, out, model.StageCompliance, func(ctx context.Context) error {
		var err error
		verdict, err = p.validator.Validate(ctx, page, compliance.Options{SkipReview: req.SkipCompliance || minimal})
		return err
	})
	if verdict != nil {
		out.Issues = verdict.Issues
		out.Usage.Add(verdict.Usage)
	}
	if err != nil {
		return stageErr(model.StageCompliance, err)
	}

	// 7. Publish atomically
	var res *publish.Result
	err = p.timed(ctx, out, model.StagePublish, func(ctx context.Context) error {
		var err error
		res, err = p.publisher.Publish(ctx, publish.Request{Page: page, RunID: out.RunID, DryRun: req.DryRun})
		return err
	})
	if err != nil {
		return stageErr(model.StagePublish, err)
	}
	out.Version = res.Version
	out.DocumentKey = res.DocumentKey
	return nil
}

// timed runs one stage under the stage timeout and records its duration
func (p *Pipeline) timed(ctx context.Context, out *model.RunOutcome, stage model.Stage, fn func(ctx context.Context) error) error {
	if p.config.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.StageTimeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	out.Timings = append(out.Timings, model.StageTiming{Stage: stage, Duration: time.Since(start), OK: err == nil})
	return err
}
