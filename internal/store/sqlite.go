package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ppiankov/pepref/internal/model"
)

//go:embed schema.sql
var sqliteSchema string

// SQLite is a single-file store for local runs
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens the database at path and applies the schema
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = ".pepref/pepref.db"
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema
func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLite) Snapshot(ctx context.Context, id string) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	snap := &Snapshot{PeptideID: id}
	p, err := sqliteGetPeptide(ctx, tx, id)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		snap.Peptide = p
		if snap.Sections, err = sqliteSections(ctx, tx, id, p.Version); err != nil {
			return nil, err
		}
	}
	if snap.Evidence, err = sqliteEvidence(ctx, tx, id); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *SQLite) Published(ctx context.Context, id string) (*Published, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := sqliteGetPeptide(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	out := &Published{Peptide: *p}
	if out.Sections, err = sqliteSections(ctx, tx, id, p.Version); err != nil {
		return nil, err
	}
	if out.Evidence, err = sqliteEvidence(ctx, tx, id); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLite) IsPublished(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM peptides WHERE id = ?", id).Scan(&n); err != nil {
		return false, fmt.Errorf("check peptide: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) UpsertPeptide(ctx context.Context, p Peptide) error {
	f, err := encodeRow(p)
	if err != nil {
		return fmt.Errorf("encode peptide %s: %w", p.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO peptides (id, name, aliases, title, summary, grade_level, grade, counts, notes, version, document_key, generated_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  name = excluded.name,
  aliases = excluded.aliases,
  title = excluded.title,
  summary = excluded.summary,
  grade_level = excluded.grade_level,
  grade = excluded.grade,
  counts = excluded.counts,
  notes = excluded.notes,
  version = excluded.version,
  document_key = excluded.document_key,
  generated_at = excluded.generated_at,
  updated_at = excluded.updated_at`,
		p.ID, p.Name, f.aliases, p.Title, p.Summary, p.Grade.Level.String(), f.grade, f.counts, f.notes,
		p.Version, p.DocumentKey, p.GeneratedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert peptide %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLite) ReplaceEvidence(ctx context.Context, id string, items []model.EvidenceItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx replace evidence: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM evidence_items WHERE peptide_id = ?", id); err != nil {
		return fmt.Errorf("delete evidence %s: %w", id, err)
	}
	for i, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("encode evidence %s: %w", it.Key(), err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO evidence_items (peptide_id, position, provenance, source_id, category, data) VALUES (?, ?, ?, ?, ?, ?)",
			id, i, string(it.Provenance), it.SourceID, string(it.Category), string(data))
		if err != nil {
			return fmt.Errorf("insert evidence %s: %w", it.Key(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit evidence tx: %w", err)
	}
	return nil
}

func (s *SQLite) ReplaceSections(ctx context.Context, id string, version int, sections []model.Section) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx replace sections: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sections WHERE peptide_id = ?", id); err != nil {
		return fmt.Errorf("delete sections %s: %w", id, err)
	}
	for _, sec := range sections {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO sections (peptide_id, version, position, title, body, plain_summary) VALUES (?, ?, ?, ?, ?, ?)",
			id, version, sec.Order, sec.Title, sec.Body, sec.PlainSummary)
		if err != nil {
			return fmt.Errorf("insert section %d: %w", sec.Order, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sections tx: %w", err)
	}
	return nil
}

func (s *SQLite) AppendAudit(ctx context.Context, e AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit_log (id, peptide_id, version, action, run_id, document_key, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`,
		e.ID, e.PeptideID, e.Version, e.Action, e.RunID, e.DocumentKey, e.Detail, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append audit %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLite) DeletePeptide(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		"DELETE FROM sections WHERE peptide_id = ?",
		"DELETE FROM evidence_items WHERE peptide_id = ?",
		"DELETE FROM peptides WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete peptide %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

func (s *SQLite) AuditLog(ctx context.Context, id string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, peptide_id, version, action, run_id, document_key, detail, created_at
FROM audit_log WHERE peptide_id = ? ORDER BY created_at ASC, rowid ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.PeptideID, &e.Version, &e.Action, &e.RunID, &e.DocumentKey, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func sqliteGetPeptide(ctx context.Context, q sqlQuerier, id string) (*Peptide, error) {
	var p Peptide
	var f rowFields
	var level string
	err := q.QueryRowContext(ctx, `
SELECT id, name, aliases, title, summary, grade_level, grade, counts, notes, version, document_key, generated_at, updated_at
FROM peptides WHERE id = ?`, id).Scan(
		&p.ID, &p.Name, &f.aliases, &p.Title, &p.Summary, &level, &f.grade, &f.counts, &f.notes,
		&p.Version, &p.DocumentKey, &p.GeneratedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get peptide %s: %w", id, err)
	}
	if err := decodeRow(&p, f); err != nil {
		return nil, fmt.Errorf("peptide %s: %w", id, err)
	}
	return &p, nil
}

func sqliteSections(ctx context.Context, q sqlQuerier, id string, version int) ([]model.Section, error) {
	rows, err := q.QueryContext(ctx, `
SELECT position, title, body, plain_summary FROM sections
WHERE peptide_id = ? AND version = ? ORDER BY position ASC`, id, version)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	var out []model.Section
	for rows.Next() {
		var s model.Section
		if err := rows.Scan(&s.Order, &s.Title, &s.Body, &s.PlainSummary); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func sqliteEvidence(ctx context.Context, q sqlQuerier, id string) ([]model.EvidenceItem, error) {
	rows, err := q.QueryContext(ctx, "SELECT data FROM evidence_items WHERE peptide_id = ? ORDER BY position ASC", id)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()

	var out []model.EvidenceItem
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		var it model.EvidenceItem
		if err := json.Unmarshal([]byte(data), &it); err != nil {
			return nil, fmt.Errorf("decode evidence: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
