package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ppiankov/pepref/internal/model"
)

//go:embed schema_postgres.sql
var postgresSchema string

// Postgres is the production store
type Postgres struct {
	Pool *pgxpool.Pool
}

// NewPostgres connects to dsn
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{Pool: pool}, nil
}

func (s *Postgres) Close() error {
	if s != nil && s.Pool != nil {
		s.Pool.Close()
	}
	return nil
}

// Migrate applies the embedded schema
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Postgres) readTx(ctx context.Context) (pgx.Tx, error) {
	return s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
}

func (s *Postgres) Snapshot(ctx context.Context, id string) (*Snapshot, error) {
	tx, err := s.readTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	snap := &Snapshot{PeptideID: id}
	p, err := pgGetPeptide(ctx, tx, id)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		snap.Peptide = p
		if snap.Sections, err = pgSections(ctx, tx, id, p.Version); err != nil {
			return nil, err
		}
	}
	if snap.Evidence, err = pgEvidence(ctx, tx, id); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Postgres) Published(ctx context.Context, id string) (*Published, error) {
	tx, err := s.readTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := pgGetPeptide(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	out := &Published{Peptide: *p}
	if out.Sections, err = pgSections(ctx, tx, id, p.Version); err != nil {
		return nil, err
	}
	if out.Evidence, err = pgEvidence(ctx, tx, id); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Postgres) IsPublished(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := s.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM peptides WHERE id=$1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check peptide: %w", err)
	}
	return exists, nil
}

func (s *Postgres) UpsertPeptide(ctx context.Context, p Peptide) error {
	f, err := encodeRow(p)
	if err != nil {
		return fmt.Errorf("encode peptide %s: %w", p.ID, err)
	}
	_, err = s.Pool.Exec(ctx, `
INSERT INTO peptides (id, name, aliases, title, summary, grade_level, grade, counts, notes, version, document_key, generated_at, updated_at)
VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb, $10, $11, $12, $13)
ON CONFLICT (id)
DO UPDATE SET
  name = EXCLUDED.name,
  aliases = EXCLUDED.aliases,
  title = EXCLUDED.title,
  summary = EXCLUDED.summary,
  grade_level = EXCLUDED.grade_level,
  grade = EXCLUDED.grade,
  counts = EXCLUDED.counts,
  notes = EXCLUDED.notes,
  version = EXCLUDED.version,
  document_key = EXCLUDED.document_key,
  generated_at = EXCLUDED.generated_at,
  updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, f.aliases, p.Title, p.Summary, p.Grade.Level.String(), f.grade, f.counts, f.notes,
		p.Version, p.DocumentKey, p.GeneratedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert peptide %s: %w", p.ID, err)
	}
	return nil
}

func (s *Postgres) ReplaceEvidence(ctx context.Context, id string, items []model.EvidenceItem) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx replace evidence: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM evidence_items WHERE peptide_id=$1`, id); err != nil {
		return fmt.Errorf("delete evidence %s: %w", id, err)
	}
	if len(items) > 0 {
		rows := make([][]interface{}, 0, len(items))
		for i, it := range items {
			data, err := json.Marshal(it)
			if err != nil {
				return fmt.Errorf("encode evidence %s: %w", it.Key(), err)
			}
			rows = append(rows, []interface{}{id, i, string(it.Provenance), it.SourceID, string(it.Category), string(data)})
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"evidence_items"},
			[]string{"peptide_id", "position", "provenance", "source_id", "category", "data"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("copy evidence %s: %w", id, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit evidence tx: %w", err)
	}
	return nil
}

func (s *Postgres) ReplaceSections(ctx context.Context, id string, version int, sections []model.Section) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx replace sections: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM sections WHERE peptide_id=$1`, id); err != nil {
		return fmt.Errorf("delete sections %s: %w", id, err)
	}
	batch := &pgx.Batch{}
	for _, sec := range sections {
		batch.Queue(`
INSERT INTO sections (peptide_id, version, position, title, body, plain_summary)
VALUES ($1, $2, $3, $4, $5, $6)`, id, version, sec.Order, sec.Title, sec.Body, sec.PlainSummary)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert sections %s: %w", id, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit sections tx: %w", err)
	}
	return nil
}

func (s *Postgres) AppendAudit(ctx context.Context, e AuditEntry) error {
	_, err := s.Pool.Exec(ctx, `
INSERT INTO audit_log (id, peptide_id, version, action, run_id, document_key, detail, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`,
		e.ID, e.PeptideID, e.Version, e.Action, e.RunID, e.DocumentKey, e.Detail, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append audit %s: %w", e.ID, err)
	}
	return nil
}

func (s *Postgres) DeletePeptide(ctx context.Context, id string) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx delete: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, q := range []string{
		`DELETE FROM sections WHERE peptide_id=$1`,
		`DELETE FROM evidence_items WHERE peptide_id=$1`,
		`DELETE FROM peptides WHERE id=$1`,
	} {
		if _, err := tx.Exec(ctx, q, id); err != nil {
			return fmt.Errorf("delete peptide %s: %w", id, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

func (s *Postgres) AuditLog(ctx context.Context, id string) ([]AuditEntry, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT id, peptide_id, version, action, run_id, document_key, detail, created_at
FROM audit_log WHERE peptide_id=$1 ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0, 8)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.PeptideID, &e.Version, &e.Action, &e.RunID, &e.DocumentKey, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return out, nil
}

func pgGetPeptide(ctx context.Context, tx pgx.Tx, id string) (*Peptide, error) {
	var p Peptide
	var f rowFields
	var level string
	err := tx.QueryRow(ctx, `
SELECT id, name, aliases::text, title, summary, grade_level, grade::text, counts::text, notes::text,
       version, document_key, generated_at, updated_at
FROM peptides WHERE id=$1`, id).Scan(
		&p.ID, &p.Name, &f.aliases, &p.Title, &p.Summary, &level, &f.grade, &f.counts, &f.notes,
		&p.Version, &p.DocumentKey, &p.GeneratedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
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

func pgSections(ctx context.Context, tx pgx.Tx, id string, version int) ([]model.Section, error) {
	rows, err := tx.Query(ctx, `
SELECT position, title, body, plain_summary FROM sections
WHERE peptide_id=$1 AND version=$2 ORDER BY position ASC`, id, version)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}
	return out, nil
}

func pgEvidence(ctx context.Context, tx pgx.Tx, id string) ([]model.EvidenceItem, error) {
	rows, err := tx.Query(ctx, `SELECT data::text FROM evidence_items WHERE peptide_id=$1 ORDER BY position ASC`, id)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence: %w", err)
	}
	return out, nil
}
