package model

import (
	"maps"
	"slices"
	"strings"
	"time"
	"unicode"
)

// Provenance is the closed set of evidence providers. It is the
// discriminator for every per-provider mapping function.
type Provenance string

const (
	ProvenanceLiterature    Provenance = "literature"
	ProvenanceTrialRegistry Provenance = "trial-registry"
)

// Valid reports whether p is one of the known provenance values
func (p Provenance) Valid() bool {
	return p == ProvenanceLiterature || p == ProvenanceTrialRegistry
}

// Category classifies the study design behind an evidence item
type Category string

const (
	CategoryControlledHumanTrial Category = "controlled-human-trial"
	CategoryObservationalHuman   Category = "observational-human"
	CategoryAnimalModel          Category = "animal-model"
	CategoryInVitro              Category = "in-vitro"
	CategoryUnknown              Category = "unknown"
)

// Rank orders categories by evidential weight. Lower is stronger.
func (c Category) Rank() int {
	switch c {
	case CategoryControlledHumanTrial:
		return 0
	case CategoryObservationalHuman:
		return 1
	case CategoryAnimalModel:
		return 2
	case CategoryInVitro:
		return 3
	default:
		return 4
	}
}

// IsHuman reports whether the category describes human subjects
func (c Category) IsHuman() bool {
	return c == CategoryControlledHumanTrial || c == CategoryObservationalHuman
}

// Categories lists every category in rank order
func Categories() []Category {
	return []Category{
		CategoryControlledHumanTrial,
		CategoryObservationalHuman,
		CategoryAnimalModel,
		CategoryInVitro,
		CategoryUnknown,
	}
}

// Outcome is the coarse direction of a study's reported result
type Outcome string

const (
	OutcomeBenefit  Outcome = "benefit"
	OutcomeNoEffect Outcome = "no-effect"
	OutcomeHarm     Outcome = "harm"
	OutcomeUnknown  Outcome = "unknown"
)

// Known reports whether the outcome direction was determined
func (o Outcome) Known() bool {
	return o == OutcomeBenefit || o == OutcomeNoEffect || o == OutcomeHarm
}

// EvidenceItem is one retrieved literature or trial-registry record.
// Items are treated as immutable once built; identity is (Provenance, SourceID).
type EvidenceItem struct {
	Provenance Provenance `json:"provenance" yaml:"provenance"`
	SourceID   string     `json:"source_id" yaml:"source_id"` // Provider-qualified, e.g. "pmid:12345"
	Title      string     `json:"title" yaml:"title"`
	Abstract   string     `json:"abstract,omitempty" yaml:"abstract,omitempty"`
	Year       int        `json:"year,omitempty" yaml:"year,omitempty"`
	Authors    []string   `json:"authors,omitempty" yaml:"authors,omitempty"`
	Venue      string     `json:"venue,omitempty" yaml:"venue,omitempty"`   // Journal or registry name
	Status     string     `json:"status,omitempty" yaml:"status,omitempty"` // Registry overall status
	Phase      string     `json:"phase,omitempty" yaml:"phase,omitempty"`
	URL        string     `json:"url,omitempty" yaml:"url,omitempty"`
	Category   Category   `json:"category" yaml:"category"`
	SampleSize int        `json:"sample_size,omitempty" yaml:"sample_size,omitempty"` // 0 means unknown
	Outcome    Outcome    `json:"outcome" yaml:"outcome"`
	HasResults bool       `json:"has_results,omitempty" yaml:"has_results,omitempty"`
}

// ID returns the citation identifier used in page bodies
func (e EvidenceItem) ID() string {
	return e.SourceID
}

// Key returns the identity key (provenance + source id)
func (e EvidenceItem) Key() string {
	return string(e.Provenance) + "|" + e.SourceID
}

// FirstAuthorToken returns the lowercased surname token of the first author,
// or "" if no author is known.
func (e EvidenceItem) FirstAuthorToken() string {
	if len(e.Authors) == 0 {
		return ""
	}
	fields := strings.FieldsFunc(e.Authors[0], func(r rune) bool {
		return !unicode.IsLetter(r) && r != '-' && r != '\''
	})
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

// HasSampleSize reports whether a sample size is known
func (e EvidenceItem) HasSampleSize() bool {
	return e.SampleSize > 0
}

// RetrievalMeta records how a collection was assembled
type RetrievalMeta struct {
	Fetched     map[Provenance]int    `json:"fetched"`           // Items returned per provider
	Skipped     map[Provenance]int    `json:"skipped,omitempty"` // Records dropped on parse/shape errors
	Discarded   int                   `json:"discarded"`         // Duplicates removed by the normalizer
	Partial     bool                  `json:"partial"`           // At least one provider returned a partial set
	CacheHits   int                   `json:"cache_hits"`
	CacheMisses int                   `json:"cache_misses"`
	Warnings    []string              `json:"warnings,omitempty"`
	Queries     map[Provenance]string `json:"queries,omitempty"`
	Retrieved   time.Time             `json:"retrieved_at"`
}

// Clone returns a copy that shares no maps or slices with m
func (m RetrievalMeta) Clone() RetrievalMeta {
	m.Fetched = maps.Clone(m.Fetched)
	m.Skipped = maps.Clone(m.Skipped)
	m.Queries = maps.Clone(m.Queries)
	m.Warnings = slices.Clone(m.Warnings)
	return m
}

// Warn appends a soft-failure note
func (m *RetrievalMeta) Warn(note string) {
	m.Warnings = append(m.Warnings, note)
}

// EvidenceCollection is the working set of one peptide run
type EvidenceCollection struct {
	PeptideID string         `json:"peptide_id"`
	Name      string         `json:"name"`
	Aliases   []string       `json:"aliases,omitempty"`
	Items     []EvidenceItem `json:"items"`
	Meta      RetrievalMeta  `json:"meta"`
}

// Lookup returns the item with the given citation id
func (c *EvidenceCollection) Lookup(id string) (EvidenceItem, bool) {
	for _, it := range c.Items {
		if it.ID() == id {
			return it, true
		}
	}
	return EvidenceItem{}, false
}

// IDs returns the citation identifiers of all items in order
func (c *EvidenceCollection) IDs() []string {
	ids := make([]string, 0, len(c.Items))
	for _, it := range c.Items {
		ids = append(ids, it.ID())
	}
	return ids
}

// CountByCategory tallies items per category
func (c *EvidenceCollection) CountByCategory() map[Category]int {
	counts := make(map[Category]int)
	for _, it := range c.Items {
		counts[it.Category]++
	}
	return counts
}
