// Package store persists published peptide pages: one current-version
// peptide row, its evidence rows, its section rows and an append-only
// audit log.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ppiankov/pepref/internal/model"
)

// ErrNotFound is returned when a peptide has no published row
var ErrNotFound = errors.New("peptide not found")

// Store is the relational side of a published artifact. Every write is
// idempotent: replaying it with the same input leaves the same state.
type Store interface {
	// Migrate applies the schema
	Migrate(ctx context.Context) error

	// Snapshot returns the current rows for id. A peptide with no row yields
	// a snapshot with a nil Peptide.
	Snapshot(ctx context.Context, id string) (*Snapshot, error)

	// Published returns the peptide row and the section rows of the same
	// version, or ErrNotFound
	Published(ctx context.Context, id string) (*Published, error)

	// IsPublished reports whether a peptide row exists
	IsPublished(ctx context.Context, id string) (bool, error)

	UpsertPeptide(ctx context.Context, p Peptide) error
	ReplaceEvidence(ctx context.Context, id string, items []model.EvidenceItem) error
	ReplaceSections(ctx context.Context, id string, version int, sections []model.Section) error
	AppendAudit(ctx context.Context, e AuditEntry) error

	// DeletePeptide removes the peptide row with its evidence and sections.
	// The audit log is kept.
	DeletePeptide(ctx context.Context, id string) error

	// AuditLog lists audit entries for id, oldest first
	AuditLog(ctx context.Context, id string) ([]AuditEntry, error)

	Close() error
}

// Peptide is the current-version row
type Peptide struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Aliases     []string            `json:"aliases,omitempty"`
	Title       string              `json:"title"`
	Summary     string              `json:"summary"`
	Grade       model.EvidenceGrade `json:"grade"`
	Counts      model.PageCounts    `json:"counts"`
	Notes       []string            `json:"notes,omitempty"`
	Version     int                 `json:"version"`
	DocumentKey string              `json:"document_key,omitempty"`
	GeneratedAt time.Time           `json:"generated_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// PeptideFromPage builds the row for page at version
func PeptideFromPage(page *model.PageRecord, version int, documentKey string, now time.Time) Peptide {
	return Peptide{
		ID:          page.PeptideID,
		Name:        page.Name,
		Aliases:     page.Aliases,
		Title:       page.Title,
		Summary:     page.Summary,
		Grade:       page.Grade,
		Counts:      page.Counts,
		Notes:       page.Notes,
		Version:     version,
		DocumentKey: documentKey,
		GeneratedAt: page.GeneratedAt.UTC(),
		UpdatedAt:   now.UTC(),
	}
}

// Snapshot is the pre-run state used for compensation
type Snapshot struct {
	PeptideID string               `json:"peptide_id"`
	Peptide   *Peptide             `json:"peptide,omitempty"`
	Evidence  []model.EvidenceItem `json:"evidence"`
	Sections  []model.Section      `json:"sections"`
}

// Exists reports whether a prior version was published
func (s *Snapshot) Exists() bool {
	return s != nil && s.Peptide != nil
}

// Version returns the prior version, or 0
func (s *Snapshot) Version() int {
	if !s.Exists() {
		return 0
	}
	return s.Peptide.Version
}

// Published is a version-consistent read of one peptide
type Published struct {
	Peptide  Peptide              `json:"peptide"`
	Evidence []model.EvidenceItem `json:"evidence"`
	Sections []model.Section      `json:"sections"`
}

// Audit actions
const (
	AuditPublish  = "publish"
	AuditRollback = "rollback"
)

// AuditEntry is one append-only audit record. ID makes appends idempotent.
type AuditEntry struct {
	ID          string    `json:"id"`
	PeptideID   string    `json:"peptide_id"`
	Version     int       `json:"version"`
	Action      string    `json:"action"`
	RunID       string    `json:"run_id,omitempty"`
	DocumentKey string    `json:"document_key,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Open selects a store by driver name
func Open(ctx context.Context, cfg model.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg.DSN)
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", model.ErrConfig, cfg.Driver)
	}
}

// rowFields is the JSON-encoded part of a peptide row shared by the SQL stores
type rowFields struct {
	aliases, grade, counts, notes string
}

func encodeRow(p Peptide) (rowFields, error) {
	var f rowFields
	var err error
	if f.aliases, err = jsonText(nonNil(p.Aliases)); err != nil {
		return f, err
	}
	if f.grade, err = jsonText(p.Grade); err != nil {
		return f, err
	}
	if f.counts, err = jsonText(p.Counts); err != nil {
		return f, err
	}
	if f.notes, err = jsonText(nonNil(p.Notes)); err != nil {
		return f, err
	}
	return f, nil
}

func decodeRow(p *Peptide, f rowFields) error {
	if err := json.Unmarshal([]byte(f.aliases), &p.Aliases); err != nil {
		return fmt.Errorf("decode aliases: %w", err)
	}
	if err := json.Unmarshal([]byte(f.grade), &p.Grade); err != nil {
		return fmt.Errorf("decode grade: %w", err)
	}
	if err := json.Unmarshal([]byte(f.counts), &p.Counts); err != nil {
		return fmt.Errorf("decode counts: %w", err)
	}
	if err := json.Unmarshal([]byte(f.notes), &p.Notes); err != nil {
		return fmt.Errorf("decode notes: %w", err)
	}
	if len(p.Aliases) == 0 {
		p.Aliases = nil
	}
	if len(p.Notes) == 0 {
		p.Notes = nil
	}
	return nil
}

func jsonText(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
