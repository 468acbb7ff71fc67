// Package publish commits a Page Record to the relational store and the
// object store as one unit. Every write registers a compensating action; on
// any failure the actions unwind in reverse and the prior published version
// is left exactly as it was.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/pepref/internal/model"
	"github.com/ppiankov/pepref/internal/objectstore"
	"github.com/ppiankov/pepref/internal/render"
	"github.com/ppiankov/pepref/internal/store"
	"github.com/ppiankov/pepref/internal/synth"
)

var (
	// ErrRolledBack wraps a publish failure whose writes were fully compensated
	ErrRolledBack = errors.New("publish rolled back")

	// ErrRollbackIncomplete wraps a publish failure where a compensation also failed
	ErrRollbackIncomplete = errors.New("publish rollback incomplete")

	// ErrInvalidPage is returned before any write when the page breaks an invariant
	ErrInvalidPage = errors.New("invalid page")
)

// Steps in write order
const (
	StepSnapshot = "snapshot"
	StepPeptide  = "upsert-peptide"
	StepEvidence = "replace-evidence"
	StepSections = "replace-sections"
	StepRender   = "render"
	StepUpload   = "upload"
	StepAudit    = "audit"
)

const rollbackTimeout = 30 * time.Second

// Error reports a failed publish and the outcome of its rollback
type Error struct {
	Step     string
	Err      error
	Rollback error // nil when every compensation succeeded
}

func (e *Error) Error() string {
	if e.Rollback != nil {
		return fmt.Sprintf("publish %s failed: %v; rollback incomplete: %v", e.Step, e.Err, e.Rollback)
	}
	return fmt.Sprintf("publish %s failed (rolled back): %v", e.Step, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Rollback != nil {
		return []error{ErrRollbackIncomplete, e.Err, e.Rollback}
	}
	return []error{ErrRolledBack, e.Err}
}

// Request is one publish
type Request struct {
	Page   *model.PageRecord
	RunID  string
	DryRun bool
}

// Result describes a completed publish
type Result struct {
	Version      int
	PriorVersion int
	DocumentKey  string
	Document     *render.Document
	DryRun       bool
}

// Publisher writes pages
type Publisher struct {
	store    store.Store
	objects  objectstore.Store
	renderer *render.Renderer
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// New creates a publisher
func New(st store.Store, objects objectstore.Store, renderer *render.Renderer, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		store:    st,
		objects:  objects,
		renderer: renderer,
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// Publish runs the ordered writes for one new version of req.Page. The page's
// Version field is set on success and on dry runs.
func (p *Publisher) Publish(ctx context.Context, req Request) (*Result, error) {
	page := req.Page
	if err := ValidatePage(page); err != nil {
		return nil, err
	}
	id := page.PeptideID

	snap, err := p.store.Snapshot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", StepSnapshot, err)
	}
	version := snap.Version() + 1
	key := objectstore.DocumentKey(id, version, p.renderer.Ext())
	page.Version = version

	if req.DryRun {
		doc, err := p.renderer.Render(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("publish %s (dry run): %w", StepRender, err)
		}
		p.logger.Info("dry run publish", "peptide", id, "version", version, "document_bytes", len(doc.Data))
		return &Result{Version: version, PriorVersion: snap.Version(), DocumentKey: key, Document: doc, DryRun: true}, nil
	}

	undo := &undoStack{}
	fail := func(step string, cause error) error {
		return p.rollback(ctx, undo, req, version, step, cause)
	}

	// Compensations are registered before each write: a write that reports
	// failure may still have been applied, and every compensation is idempotent.
	undo.push(StepPeptide, func(ctx context.Context) error {
		if snap.Exists() {
			return p.store.UpsertPeptide(ctx, *snap.Peptide)
		}
		return p.store.DeletePeptide(ctx, id)
	})
	row := store.PeptideFromPage(page, version, key, p.now())
	if err := p.store.UpsertPeptide(ctx, row); err != nil {
		return nil, fail(StepPeptide, err)
	}

	undo.push(StepEvidence, func(ctx context.Context) error {
		return p.store.ReplaceEvidence(ctx, id, snap.Evidence)
	})
	if err := p.store.ReplaceEvidence(ctx, id, page.References); err != nil {
		return nil, fail(StepEvidence, err)
	}

	undo.push(StepSections, func(ctx context.Context) error {
		return p.store.ReplaceSections(ctx, id, snap.Version(), snap.Sections)
	})
	if err := p.store.ReplaceSections(ctx, id, version, page.Sections); err != nil {
		return nil, fail(StepSections, err)
	}

	doc, err := p.renderer.Render(ctx, page)
	if err != nil {
		return nil, fail(StepRender, err)
	}

	undo.push(StepUpload, func(ctx context.Context) error {
		return p.objects.Delete(ctx, key)
	})
	if err := p.objects.Put(ctx, key, doc.Data, doc.ContentType); err != nil {
		return nil, fail(StepUpload, err)
	}

	entry := store.AuditEntry{
		ID:          p.newID(),
		PeptideID:   id,
		Version:     version,
		Action:      store.AuditPublish,
		RunID:       req.RunID,
		DocumentKey: key,
		Detail:      fmt.Sprintf("grade=%s references=%d sections=%d", page.Grade.Level, len(page.References), len(page.Sections)),
		CreatedAt:   p.now().UTC(),
	}
	if err := p.store.AppendAudit(ctx, entry); err != nil {
		return nil, fail(StepAudit, err)
	}

	p.logger.Info("published", "peptide", id, "version", version, "document", key)
	return &Result{Version: version, PriorVersion: snap.Version(), DocumentKey: key, Document: doc}, nil
}

// rollback unwinds on a context detached from the caller's cancellation
func (p *Publisher) rollback(ctx context.Context, undo *undoStack, req Request, version int, step string, cause error) error {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	n := undo.len()
	rbErr := undo.unwind(rbCtx)
	if rbErr != nil {
		p.logger.Error("publish rollback incomplete", "peptide", req.Page.PeptideID, "step", step, "error", cause, "rollback_error", rbErr)
	} else {
		p.logger.Warn("publish rolled back", "peptide", req.Page.PeptideID, "step", step, "error", cause, "compensations", n)
	}

	// Best effort; the audit log may be the failing component
	_ = p.store.AppendAudit(rbCtx, store.AuditEntry{
		ID:        p.newID(),
		PeptideID: req.Page.PeptideID,
		Version:   version,
		Action:    store.AuditRollback,
		RunID:     req.RunID,
		Detail:    fmt.Sprintf("%s: %v", step, cause),
		CreatedAt: p.now().UTC(),
	})

	return &Error{Step: step, Err: cause, Rollback: rbErr}
}

// ValidatePage checks the invariants a page must hold before any write:
// a valid id, contiguous section order, titled non-empty sections, and every
// reference cited in the body.
func ValidatePage(page *model.PageRecord) error {
	if page == nil {
		return fmt.Errorf("%w: nil page", ErrInvalidPage)
	}
	if err := model.ValidatePeptideID(page.PeptideID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPage, err)
	}
	if len(page.Sections) == 0 {
		return fmt.Errorf("%w: no sections", ErrInvalidPage)
	}
	for i, s := range page.Sections {
		if s.Order != i+1 {
			return fmt.Errorf("%w: section %q has order %d, expected %d", ErrInvalidPage, s.Title, s.Order, i+1)
		}
		if strings.TrimSpace(s.Title) == "" || strings.TrimSpace(s.Body) == "" {
			return fmt.Errorf("%w: section %d is empty", ErrInvalidPage, i+1)
		}
	}
	body := synth.JoinSections(page.Sections)
	for _, id := range page.ReferenceIDs() {
		if !strings.Contains(body, synth.CitationMarker(id)) {
			return fmt.Errorf("%w: citation not found: %s", ErrInvalidPage, id)
		}
	}
	return nil
}
