package synth

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ppiankov/pepref/internal/llm"
	"github.com/ppiankov/pepref/internal/model"
)

var (
	promptItemLine = regexp.MustCompile(`^- \[([^\]]+)\] \(([a-z-]+)[^)]*\) (.*)$`)
	promptName     = regexp.MustCompile(`(?m)^Peptide: (.+)$`)
	promptGrade    = regexp.MustCompile(`(?m)^Evidence grade: ([a-z-]+)`)
)

// OfflineDraft answers a synthesis prompt without a language model. It lists
// every evidence item from the prompt under human and non-human sections. It
// backs the mock provider for dry runs and local testing.
func OfflineDraft(req llm.CompletionRequest) (string, error) {
	name := firstMatch(promptName, req.Prompt)
	if name == "" {
		return "", fmt.Errorf("offline draft: prompt has no peptide name")
	}
	grade := firstMatch(promptGrade, req.Prompt)

	var human, other []string
	var ids []string
	for _, line := range strings.Split(req.Prompt, "\n") {
		m := promptItemLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id, category, title := m[1], model.Category(m[2]), strings.TrimSpace(m[3])
		entry := fmt.Sprintf("- %s %s", title, CitationMarker(id))
		if category.IsHuman() {
			human = append(human, entry)
		} else {
			other = append(other, entry)
		}
		ids = append(ids, id)
	}

	sections := []model.Section{
		{Title: "Overview", Body: fmt.Sprintf("This page collects %d indexed records that mention %s. The overall evidence grade is %s.", len(ids), name, grade)},
		{Title: "Human evidence", Body: listOrNone(human, "No human studies were identified.")},
		{Title: "Animal and laboratory evidence", Body: listOrNone(other, "No animal or laboratory studies were identified.")},
		{Title: "Limitations", Body: "This overview was assembled automatically from study metadata. Findings are reported as published and were not independently assessed."},
	}
	for i := range sections {
		sections[i].Order = i + 1
	}

	rec := Record{
		Title:     name,
		Summary:   fmt.Sprintf("Research overview of %s based on %d indexed records.", name, len(ids)),
		Citations: ids,
	}
	if rec.Citations == nil {
		rec.Citations = []string{}
	}
	for _, s := range sections {
		rec.Sections = append(rec.Sections, RecordSection{Title: s.Title})
	}

	return FormatReply(&Reply{Record: rec, Sections: sections})
}

func listOrNone(lines []string, none string) string {
	if len(lines) == 0 {
		return none
	}
	return strings.Join(lines, "\n")
}

func firstMatch(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}
