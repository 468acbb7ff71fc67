package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ppiankov/pepref/internal/cache"
	"github.com/ppiankov/pepref/internal/compliance"
	"github.com/ppiankov/pepref/internal/llm"
	"github.com/ppiankov/pepref/internal/logging"
	"github.com/ppiankov/pepref/internal/model"
	"github.com/ppiankov/pepref/internal/objectstore"
	"github.com/ppiankov/pepref/internal/pipeline"
	"github.com/ppiankov/pepref/internal/retry"
	"github.com/ppiankov/pepref/internal/server"
	"github.com/ppiankov/pepref/internal/store"
	"github.com/ppiankov/pepref/internal/synth"
)

// app holds the components built for one command
type app struct {
	cfg      *model.Config
	logger   *slog.Logger
	store    store.Store
	pipeline *pipeline.Pipeline
	closers  []io.Closer
}

type appOptions struct {
	mockLLM  bool // Replace both language-model providers with the offline mock
	pipeline bool // Build the full pipeline; false opens only the store
}

func newApp(ctx context.Context, cfg *model.Config, opts appOptions) (a *app, err error) {
	if opts.mockLLM {
		cfg.LLM = model.LLMConfig{Provider: "mock", Model: "mock-1"}
		cfg.Review = model.LLMConfig{Provider: "mock", Model: "mock-1"}
	}

	logger, logCloser, err := logging.New(cfg.Log, verbose, os.Stderr)
	if err != nil {
		return nil, err
	}
	a = &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if opts.pipeline {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	a.store, err = openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, a.store)

	if !opts.pipeline {
		return a, nil
	}

	objects, err := objectstore.Open(cfg.Objects)
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}

	policy := retry.FromConfig(cfg.Retry)
	synthesis, err := newProvider(cfg.LLM, cfg.HTTP, policy, logger)
	if err != nil {
		return nil, fmt.Errorf("synthesis provider: %w", err)
	}
	var review llm.Provider
	if cfg.Compliance.Review && cfg.Review.Enabled() {
		if review, err = newProvider(cfg.Review, cfg.HTTP, policy, logger); err != nil {
			return nil, fmt.Errorf("review provider: %w", err)
		}
	}

	a.pipeline, err = pipeline.New(cfg, pipeline.Deps{
		Store:     a.store,
		Objects:   objects,
		Synthesis: synthesis,
		Review:    review,
		Cache:     cache.New(cfg.Cache),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close releases the store and flushes the log file
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: close: %v\n", err)
		}
	}
}

func openStore(ctx context.Context, cfg *model.Config) (store.Store, error) {
	if cfg.Store.Driver == "http" {
		return server.NewWriteClient(cfg.Store, cfg.HTTP, retry.FromConfig(cfg.Retry))
	}
	return store.Open(ctx, cfg.Store)
}

// newProvider builds a retried provider. The mock answers offline.
func newProvider(cfg model.LLMConfig, httpCfg model.HTTPConfig, policy retry.Policy, logger *slog.Logger) (llm.Provider, error) {
	p, err := llm.NewProvider(llm.ConfigFromModel(cfg, httpCfg))
	if err != nil {
		return nil, err
	}
	if mock, ok := p.(*llm.MockProvider); ok {
		mock.Handle("synthesize", synth.OfflineDraft)
		mock.Handle("review", compliance.OfflineReview)
		return mock, nil
	}
	return llm.WithRetry(p, policy, logger), nil
}
