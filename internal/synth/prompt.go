package synth

import (
	"fmt"
	"strings"

	"github.com/ppiankov/pepref/internal/model"
)

// maxAbstractChars bounds each abstract in the prompt. Every item is still sent.
const maxAbstractChars = 1500

// SystemPolicy is the fixed instruction sent with every synthesis request
const SystemPolicy = `You write educational reference pages about research peptides.

Rules:
1. Educational tone only. Describe what studies report; never advise the reader.
2. Every factual claim cites a listed evidence identifier as [cite:<ID>], for example [cite:pmid:12345].
3. Cite only identifiers from the EVIDENCE list. Never invent identifiers or URLs.
4. No dosage, dosing schedule, administration route advice, sourcing, vendor or price language.
5. Keep human evidence and animal or laboratory evidence in separate sections and say which is which.
6. State the evidence grade and its limits plainly.

Reply format (exactly):
- A JSON object with fields: title, summary, sections (array of {title, plain_summary}), citations (array of cited identifiers), notes (array of strings).
- Then a line containing only ` + Separator + `
- Then the Markdown body: one "## <title>" heading per section, in the same order as the JSON sections array.`

// BuildPrompt renders the user prompt for one collection
func BuildPrompt(coll *model.EvidenceCollection, grade model.EvidenceGrade) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Peptide: %s\n", coll.Name)
	fmt.Fprintf(&b, "Peptide ID: %s\n", coll.PeptideID)
	if len(coll.Aliases) > 0 {
		fmt.Fprintf(&b, "Also known as: %s\n", strings.Join(coll.Aliases, ", "))
	}
	fmt.Fprintf(&b, "Evidence grade: %s (%s)\n", grade.Level, grade.Rationale.Rule)
	if len(grade.Rationale.Caps) > 0 {
		caps := make([]string, 0, len(grade.Rationale.Caps))
		for _, c := range grade.Rationale.Caps {
			caps = append(caps, string(c))
		}
		fmt.Fprintf(&b, "Grade caps applied: %s\n", strings.Join(caps, ", "))
	}
	fmt.Fprintf(&b, "Grade rationale: %s\n\n", grade.Rationale.Description)

	human, other := splitHuman(coll.Items)

	fmt.Fprintf(&b, "EVIDENCE (%d items)\n", len(coll.Items))
	counts := coll.CountByCategory()
	byDesign := make([]string, 0, len(model.Categories()))
	for _, c := range model.Categories() {
		byDesign = append(byDesign, fmt.Sprintf("%s %d", c, counts[c]))
	}
	fmt.Fprintf(&b, "By design: %s\n\n", strings.Join(byDesign, ", "))
	b.WriteString("### Human studies\n")
	writeItems(&b, human)
	b.WriteString("\n### Animal, laboratory and unclassified studies\n")
	writeItems(&b, other)

	return b.String()
}

func splitHuman(items []model.EvidenceItem) (human, other []model.EvidenceItem) {
	for _, it := range items {
		if it.Category.IsHuman() {
			human = append(human, it)
		} else {
			other = append(other, it)
		}
	}
	return human, other
}

func writeItems(b *strings.Builder, items []model.EvidenceItem) {
	if len(items) == 0 {
		b.WriteString("(none)\n")
		return
	}
	for _, it := range items {
		fmt.Fprintf(b, "- [%s] (%s", it.ID(), it.Category)
		if it.Year > 0 {
			fmt.Fprintf(b, ", %d", it.Year)
		}
		if it.HasSampleSize() {
			fmt.Fprintf(b, ", n=%d", it.SampleSize)
		}
		if it.Outcome.Known() {
			fmt.Fprintf(b, ", %s", it.Outcome)
		}
		if it.Phase != "" {
			fmt.Fprintf(b, ", %s", it.Phase)
		}
		fmt.Fprintf(b, ") %s\n", it.Title)
		if abs := truncate(it.Abstract, maxAbstractChars); abs != "" {
			fmt.Fprintf(b, "  Abstract: %s\n", abs)
		}
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	if i := strings.LastIndexByte(cut, ' '); i > n/2 {
		cut = cut[:i]
	}
	return cut + "..."
}
