package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ppiankov/pepref/internal/model"
	"github.com/ppiankov/pepref/internal/retry"
	"github.com/ppiankov/pepref/internal/store"
	"github.com/ppiankov/pepref/internal/util"
)

// WriteClient is a store.Store backed by a remote write surface. Every call
// is retried under the policy; the surface is idempotent.
type WriteClient struct {
	base   string
	secret string
	client *http.Client
	policy retry.Policy
}

var _ store.Store = (*WriteClient)(nil)

// NewWriteClient creates a client for cfg.WriteURL
func NewWriteClient(cfg model.StoreConfig, httpCfg model.HTTPConfig, policy retry.Policy) (*WriteClient, error) {
	if cfg.WriteURL == "" || cfg.WriteSecret == "" {
		return nil, fmt.Errorf("%w: store.write_url and store.write_secret are required", model.ErrConfig)
	}
	u, err := url.Parse(cfg.WriteURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid store.write_url %q", model.ErrConfig, cfg.WriteURL)
	}
	return &WriteClient{
		base:   strings.TrimSuffix(cfg.WriteURL, "/") + "/internal/v1",
		secret: cfg.WriteSecret,
		client: util.NewHTTPClient(httpCfg, 0),
		policy: policy,
	}, nil
}

func (w *WriteClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	_, err := w.policy.Do(ctx, func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, w.base+path, body)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set(SecretHeader, w.secret)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return retry.Permanent(store.ErrNotFound)
		}
		if resp.StatusCode >= 300 {
			return &retry.StatusError{Code: resp.StatusCode, Body: errorMessage(resp.Body)}
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

func errorMessage(r io.Reader) string {
	var body struct {
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(raw))
}

func peptidePath(id string) string {
	return "/peptides/" + url.PathEscape(id)
}

func (w *WriteClient) Migrate(ctx context.Context) error {
	return w.do(ctx, http.MethodPost, "/migrate", nil, nil)
}

func (w *WriteClient) Snapshot(ctx context.Context, id string) (*store.Snapshot, error) {
	var snap store.Snapshot
	if err := w.do(ctx, http.MethodGet, peptidePath(id), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (w *WriteClient) Published(ctx context.Context, id string) (*store.Published, error) {
	var pub store.Published
	if err := w.do(ctx, http.MethodGet, peptidePath(id)+"/published", nil, &pub); err != nil {
		return nil, err
	}
	return &pub, nil
}

func (w *WriteClient) IsPublished(ctx context.Context, id string) (bool, error) {
	_, err := w.Published(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (w *WriteClient) UpsertPeptide(ctx context.Context, p store.Peptide) error {
	return w.do(ctx, http.MethodPut, peptidePath(p.ID), p, nil)
}

func (w *WriteClient) ReplaceEvidence(ctx context.Context, id string, items []model.EvidenceItem) error {
	return w.do(ctx, http.MethodPut, peptidePath(id)+"/evidence", evidenceBody{Items: items}, nil)
}

func (w *WriteClient) ReplaceSections(ctx context.Context, id string, version int, sections []model.Section) error {
	return w.do(ctx, http.MethodPut, peptidePath(id)+"/sections", sectionsBody{Version: version, Sections: sections}, nil)
}

func (w *WriteClient) AppendAudit(ctx context.Context, e store.AuditEntry) error {
	return w.do(ctx, http.MethodPost, "/audit", e, nil)
}

func (w *WriteClient) DeletePeptide(ctx context.Context, id string) error {
	return w.do(ctx, http.MethodDelete, peptidePath(id), nil, nil)
}

func (w *WriteClient) AuditLog(ctx context.Context, id string) ([]store.AuditEntry, error) {
	var entries []store.AuditEntry
	if err := w.do(ctx, http.MethodGet, peptidePath(id)+"/audit", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Close is a no-op
func (w *WriteClient) Close() error { return nil }
