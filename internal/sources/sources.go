// Package sources retrieves evidence from the literature index and the
// trial registry. Each provider has exactly one mapping function keyed by
// its model.Provenance value.
package sources

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ppiankov/pepref/internal/cache"
	"github.com/ppiankov/pepref/internal/model"
	"github.com/ppiankov/pepref/internal/retry"
	"github.com/ppiankov/pepref/internal/util"
	"github.com/ppiankov/pepref/internal/worker"
)

// maxResponseBytes caps a single provider response
const maxResponseBytes = 32 << 20

// Query identifies the peptide being searched
type Query struct {
	PeptideID string
	Name      string
	Aliases   []string
}

// Terms returns the canonical name followed by distinct aliases
func (q Query) Terms() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range append([]string{q.Name}, q.Aliases...) {
		t = strings.TrimSpace(t)
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		out = append(out, t)
	}
	return out
}

// Result is what one provider returned for a query
type Result struct {
	Provenance model.Provenance
	Query      string
	Items      []model.EvidenceItem
	Skipped    int
	Outcome    retry.Outcome
	Warnings   []string
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf("%s: ", r.Provenance)+fmt.Sprintf(format, args...))
}

// getter performs rate-limited, cached, retried GET requests for one provider
type getter struct {
	name      string
	client    *http.Client
	limiter   *worker.Limiter
	cache     cache.Cache
	cacheTTL  time.Duration
	policy    retry.Policy
	userAgent string
	logger    *slog.Logger
}

// get fetches rawURL and returns the body. Secrets in the query string are
// excluded from the cache key and from logs.
func (g *getter) get(ctx context.Context, rawURL, accept string) ([]byte, error) {
	key := cache.Key(g.name, redactURL(rawURL))
	if body, ok := g.cache.Get(key); ok {
		g.logger.Debug("cache hit", "provider", g.name, "url", redactURL(rawURL))
		return body, nil
	}

	var body []byte
	attempts, err := g.policy.Do(ctx, func(ctx context.Context) error {
		if err := g.limiter.Wait(ctx, g.name); err != nil {
			return retry.Permanent(fmt.Errorf("rate limit wait: %w", err))
		}
		b, err := g.once(ctx, rawURL, accept)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		g.logger.Warn("provider request failed",
			"provider", g.name,
			"url", redactURL(rawURL),
			"attempts", attempts,
			"error", err)
		return nil, err
	}

	if err := g.cache.Set(key, body, g.cacheTTL); err != nil {
		g.logger.Debug("cache write failed", "provider", g.name, "error", err)
	}
	return body, nil
}

// through returns a copy of g reading and writing c
func (g *getter) through(c cache.Cache) *getter {
	cp := *g
	cp.cache = c
	return &cp
}

func (g *getter) once(ctx context.Context, rawURL, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("Accept", accept)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &retry.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(snippet)}
	}
	return body, nil
}

func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if q.Has("api_key") {
		q.Del("api_key")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Retriever queries every enabled provider in a fixed order
type Retriever struct {
	cache      cache.Cache
	literature *PubMed
	registry   *Registry
	logger     *slog.Logger
	now        func() time.Time
}

// NewRetriever wires both provider clients from configuration. The
// limiter and cache are shared so a batch keeps one budget per provider.
func NewRetriever(cfg *model.Config, store cache.Cache, limiter *worker.Limiter, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = cache.Nop{}
	}
	if limiter == nil {
		limiter = worker.NewLimiter(0, 1)
	}
	policy := retry.FromConfig(cfg.Retry)
	client := util.NewHTTPClient(cfg.HTTP, 0)

	r := &Retriever{cache: store, logger: logger, now: time.Now}
	if cfg.Sources.Literature.Enabled {
		limiter.SetRate(pubmedName, cfg.Sources.Literature.EffectiveRPS(), 1)
		r.literature = NewPubMed(cfg.Sources.Literature, &getter{
			name:      pubmedName,
			client:    client,
			limiter:   limiter,
			cache:     store,
			cacheTTL:  cfg.Cache.DiskTTL,
			policy:    policy,
			userAgent: cfg.HTTP.UserAgent,
			logger:    logger,
		})
	}
	if cfg.Sources.Registry.Enabled {
		limiter.SetRate(registryName, cfg.Sources.Registry.RequestsPerSecond, 1)
		r.registry = NewRegistry(cfg.Sources.Registry, &getter{
			name:      registryName,
			client:    client,
			limiter:   limiter,
			cache:     store,
			cacheTTL:  cfg.Cache.DiskTTL,
			policy:    policy,
			userAgent: cfg.HTTP.UserAgent,
			logger:    logger,
		})
	}
	return r
}

// Providers lists the enabled providers in query order
func (r *Retriever) Providers() []model.Provenance {
	var out []model.Provenance
	if r.literature != nil {
		out = append(out, model.ProvenanceLiterature)
	}
	if r.registry != nil {
		out = append(out, model.ProvenanceTrialRegistry)
	}
	return out
}

func (r *Retriever) fetch(ctx context.Context, p model.Provenance, q Query, c cache.Cache) *Result {
	switch p {
	case model.ProvenanceLiterature:
		return r.literature.through(c).Search(ctx, q)
	case model.ProvenanceTrialRegistry:
		return r.registry.through(c).Search(ctx, q)
	}
	panic(fmt.Sprintf("unknown provenance %q", p))
}

// Retrieve runs every provider and assembles the raw collection. Provider
// failures become warnings; Retrieve itself never fails.
func (r *Retriever) Retrieve(ctx context.Context, q Query) *model.EvidenceCollection {
	coll := &model.EvidenceCollection{
		PeptideID: q.PeptideID,
		Name:      q.Name,
		Aliases:   q.Aliases,
		Meta: model.RetrievalMeta{
			Fetched:   make(map[model.Provenance]int),
			Skipped:   make(map[model.Provenance]int),
			Queries:   make(map[model.Provenance]string),
			Retrieved: r.now().UTC(),
		},
	}

	// Counted per call so concurrent runs report their own cache use
	counted := cache.NewCounting(r.cache)
	for _, p := range r.Providers() {
		start := time.Now()
		res := r.fetch(ctx, p, q, counted)

		coll.Items = append(coll.Items, res.Items...)
		coll.Meta.Fetched[p] = len(res.Items)
		if res.Skipped > 0 {
			coll.Meta.Skipped[p] = res.Skipped
		}
		coll.Meta.Queries[p] = res.Query
		for _, w := range res.Warnings {
			coll.Meta.Warn(w)
		}
		if res.Outcome != retry.Success {
			coll.Meta.Partial = true
		}
		r.logger.Info("provider searched",
			"provider", p,
			"peptide", q.PeptideID,
			"items", len(res.Items),
			"skipped", res.Skipped,
			"outcome", res.Outcome.String(),
			"duration", time.Since(start))
	}
	hits, misses := counted.Stats()
	coll.Meta.CacheHits, coll.Meta.CacheMisses = int(hits), int(misses)
	return coll
}
