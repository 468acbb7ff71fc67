// Package normalize merges provider results into one ranked, deduplicated
// evidence set.
package normalize

import (
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"

	"github.com/ppiankov/pepref/internal/model"
	"github.com/ppiankov/pepref/internal/sources"
)

// DefaultTitleSimilarity is the ratio above which two titles are duplicates
const DefaultTitleSimilarity = 0.9

// Normalizer dedups and ranks a collection
type Normalizer struct {
	threshold float64
}

// New creates a normalizer with the given title similarity threshold
func New(threshold float64) *Normalizer {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultTitleSimilarity
	}
	return &Normalizer{threshold: threshold}
}

// FromConfig creates a normalizer from configuration
func FromConfig(cfg model.NormalizeConfig) *Normalizer {
	return New(cfg.TitleSimilarity)
}

// Normalize returns a new collection with duplicates removed, unknown
// categories re-inferred and items ranked. The input is not modified.
// Applying Normalize to its own output returns an equal collection.
func (n *Normalizer) Normalize(in *model.EvidenceCollection) *model.EvidenceCollection {
	out := &model.EvidenceCollection{
		PeptideID: in.PeptideID,
		Name:      in.Name,
		Aliases:   append([]string(nil), in.Aliases...),
		Meta:      in.Meta.Clone(),
	}

	kept := make([]model.EvidenceItem, 0, len(in.Items))
	keys := make(map[string]bool, len(in.Items))
	var titles []string
	discarded := 0

	for _, item := range in.Items {
		if item.Category == "" || item.Category == model.CategoryUnknown {
			item.Category = sources.InferCategory(item.Title + " " + item.Abstract)
		}
		if item.Outcome == "" {
			item.Outcome = model.OutcomeUnknown
		}

		title := NormalizeTitle(item.Title)
		if n.isDuplicate(item, title, kept, keys, titles) {
			discarded++
			continue
		}
		kept = append(kept, item)
		keys[item.Key()] = true
		titles = append(titles, title)
	}

	Rank(kept)
	out.Items = kept
	out.Meta.Discarded += discarded
	return out
}

func (n *Normalizer) isDuplicate(item model.EvidenceItem, title string, kept []model.EvidenceItem, keys map[string]bool, titles []string) bool {
	if keys[item.Key()] {
		return true
	}
	author := item.FirstAuthorToken()
	for i, k := range kept {
		if TitleSimilarity(title, titles[i]) > n.threshold {
			return true
		}
		if item.Year > 0 && author != "" && k.Year == item.Year && k.FirstAuthorToken() == author {
			return true
		}
	}
	return false
}

// Rank sorts items by category strength, then larger sample size. Ties
// keep their input order.
func Rank(items []model.EvidenceItem) {
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := items[i].Category.Rank(), items[j].Category.Rank()
		if ri != rj {
			return ri < rj
		}
		return items[i].SampleSize > items[j].SampleSize
	})
}

// NormalizeTitle lowercases, drops punctuation and collapses whitespace
func NormalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	space := false
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// TitleSimilarity is the normalized Levenshtein ratio of two normalized
// titles: 1 for identical, 0 for entirely different. Two empty titles
// are not considered similar.
func TitleSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
