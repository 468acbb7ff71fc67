package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ppiankov/pepref/internal/model"
)

// Memory is an in-process store for tests and dry runs
type Memory struct {
	mu       sync.RWMutex
	peptides map[string]Peptide
	evidence map[string][]model.EvidenceItem
	sections map[string]memSections
	audit    []AuditEntry
	auditIDs map[string]bool
}

type memSections struct {
	version int
	rows    []model.Section
}

// NewMemory creates an empty memory store
func NewMemory() *Memory {
	return &Memory{
		peptides: make(map[string]Peptide),
		evidence: make(map[string][]model.EvidenceItem),
		sections: make(map[string]memSections),
		auditIDs: make(map[string]bool),
	}
}

// Migrate is a no-op
func (m *Memory) Migrate(ctx context.Context) error { return nil }

// Close is a no-op
func (m *Memory) Close() error { return nil }

func (m *Memory) Snapshot(ctx context.Context, id string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &Snapshot{PeptideID: id}
	if p, ok := m.peptides[id]; ok {
		cp := copyPeptide(p)
		snap.Peptide = &cp
		if s, ok := m.sections[id]; ok && s.version == p.Version {
			snap.Sections = copySections(s.rows)
		}
	}
	snap.Evidence = copyItems(m.evidence[id])
	return snap, nil
}

func (m *Memory) Published(ctx context.Context, id string) (*Published, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.peptides[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := &Published{Peptide: copyPeptide(p), Evidence: copyItems(m.evidence[id])}
	if s, ok := m.sections[id]; ok && s.version == p.Version {
		out.Sections = copySections(s.rows)
	}
	return out, nil
}

func (m *Memory) IsPublished(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.peptides[id]
	return ok, nil
}

func (m *Memory) UpsertPeptide(ctx context.Context, p Peptide) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peptides[p.ID] = copyPeptide(p)
	return nil
}

func (m *Memory) ReplaceEvidence(ctx context.Context, id string, items []model.EvidenceItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(items) == 0 {
		delete(m.evidence, id)
		return nil
	}
	m.evidence[id] = copyItems(items)
	return nil
}

func (m *Memory) ReplaceSections(ctx context.Context, id string, version int, sections []model.Section) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(sections) == 0 {
		delete(m.sections, id)
		return nil
	}
	rows := copySections(sections)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Order < rows[j].Order })
	m.sections[id] = memSections{version: version, rows: rows}
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.auditIDs[e.ID] {
		return nil
	}
	m.auditIDs[e.ID] = true
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) DeletePeptide(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peptides, id)
	delete(m.evidence, id)
	delete(m.sections, id)
	return nil
}

func (m *Memory) AuditLog(ctx context.Context, id string) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AuditEntry
	for _, e := range m.audit {
		if e.PeptideID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func copyPeptide(p Peptide) Peptide {
	p.Aliases = append([]string(nil), p.Aliases...)
	p.Notes = append([]string(nil), p.Notes...)
	p.Grade.Rationale.Caps = append([]model.RuleCode(nil), p.Grade.Rationale.Caps...)
	if p.Counts.ByCategory != nil {
		bc := make(map[model.Category]int, len(p.Counts.ByCategory))
		for k, v := range p.Counts.ByCategory {
			bc[k] = v
		}
		p.Counts.ByCategory = bc
	}
	if p.Counts.ByProvenance != nil {
		bp := make(map[model.Provenance]int, len(p.Counts.ByProvenance))
		for k, v := range p.Counts.ByProvenance {
			bp[k] = v
		}
		p.Counts.ByProvenance = bp
	}
	return p
}

func copyItems(items []model.EvidenceItem) []model.EvidenceItem {
	if len(items) == 0 {
		return nil
	}
	out := make([]model.EvidenceItem, len(items))
	for i, it := range items {
		it.Authors = append([]string(nil), it.Authors...)
		out[i] = it
	}
	return out
}

func copySections(s []model.Section) []model.Section {
	if len(s) == 0 {
		return nil
	}
	return append([]model.Section(nil), s...)
}
