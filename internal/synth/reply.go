package synth

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"github.com/ppiankov/pepref/internal/model"
)

// Separator is the line between the structured record and the page body
const Separator = "===PAGE-BODY==="

// ErrContract marks a reply that breaks the record/body contract
var ErrContract = errors.New("synthesis contract violation")

//go:embed schema.json
var recordSchemaJSON []byte

var recordSchema = mustCompileSchema(recordSchemaJSON)

func mustCompileSchema(b []byte) *jsonschema.Schema {
	schema, err := jsonschema.NewCompiler().Compile(b)
	if err != nil {
		panic(fmt.Sprintf("synth: invalid record schema: %v", err))
	}
	return schema
}

// Record is the structured header of a synthesis reply
type Record struct {
	Title     string          `json:"title"`
	Summary   string          `json:"summary"`
	Sections  []RecordSection `json:"sections"`
	Citations []string        `json:"citations"`
	Notes     []string        `json:"notes,omitempty"`
}

// RecordSection names one body section
type RecordSection struct {
	Title        string `json:"title"`
	PlainSummary string `json:"plain_summary,omitempty"`
}

// Reply is a parsed synthesis reply
type Reply struct {
	Record   Record
	Sections []model.Section
}

var citeMarker = regexp.MustCompile(`\[cite:([^\]\s]+)\]`)

// CitationMarker formats an inline citation
func CitationMarker(id string) string {
	return "[cite:" + id + "]"
}

// CitedIDs returns the distinct identifiers cited in text, in order of first appearance
func CitedIDs(text string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, m := range citeMarker.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			ids = append(ids, m[1])
		}
	}
	return ids
}

// ParseReply splits a reply on the separator, validates the record against
// the embedded schema and splits the body into sections on "## " headings.
// Every failure wraps ErrContract.
func ParseReply(text string) (*Reply, error) {
	head, body, ok := splitOnSeparator(text)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s separator", ErrContract, Separator)
	}

	raw := stripFence(head)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty structured record", ErrContract)
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: record is not JSON: %v", ErrContract, err)
	}
	if result := recordSchema.Validate(doc); !result.IsValid() {
		return nil, fmt.Errorf("%w: record shape: %s", ErrContract, schemaErrors(result.Errors))
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("%w: record decode: %v", ErrContract, err)
	}

	sections, err := splitSections(body)
	if err != nil {
		return nil, err
	}
	if len(sections) != len(rec.Sections) {
		return nil, fmt.Errorf("%w: record lists %d sections, body has %d", ErrContract, len(rec.Sections), len(sections))
	}
	for i := range sections {
		if sections[i].Title != strings.TrimSpace(rec.Sections[i].Title) {
			return nil, fmt.Errorf("%w: section %d heading %q does not match record title %q",
				ErrContract, i+1, sections[i].Title, rec.Sections[i].Title)
		}
		sections[i].PlainSummary = rec.Sections[i].PlainSummary
	}

	return &Reply{Record: rec, Sections: sections}, nil
}

// FormatReply renders a record and its sections in the reply format.
// ParseReply(FormatReply(r)) yields an equivalent reply.
func FormatReply(r *Reply) (string, error) {
	head, err := json.MarshalIndent(r.Record, "", "  ")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.Write(head)
	b.WriteString("\n")
	b.WriteString(Separator)
	b.WriteString("\n")
	b.WriteString(JoinSections(r.Sections))
	return b.String(), nil
}

// JoinSections renders sections as a Markdown body
func JoinSections(sections []model.Section) string {
	var b strings.Builder
	for i, s := range sections {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## ")
		b.WriteString(s.Title)
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(s.Body))
		b.WriteString("\n")
	}
	return b.String()
}

// SplitSections parses a Markdown body into ordered sections
func SplitSections(body string) ([]model.Section, error) {
	return splitSections(body)
}

func splitSections(body string) ([]model.Section, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: empty page body", ErrContract)
	}

	var sections []model.Section
	var current *model.Section
	var buf []string

	flush := func() error {
		if current == nil {
			return nil
		}
		current.Body = strings.TrimSpace(strings.Join(buf, "\n"))
		if current.Body == "" {
			return fmt.Errorf("%w: section %q has an empty body", ErrContract, current.Title)
		}
		sections = append(sections, *current)
		return nil
	}

	for _, line := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n") {
		if strings.HasPrefix(line, "## ") {
			if err := flush(); err != nil {
				return nil, err
			}
			current = &model.Section{Order: len(sections) + 1, Title: strings.TrimSpace(line[3:])}
			buf = buf[:0]
			continue
		}
		if current == nil {
			if strings.TrimSpace(line) != "" {
				return nil, fmt.Errorf("%w: body text before the first section heading", ErrContract)
			}
			continue
		}
		buf = append(buf, line)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("%w: body has no sections", ErrContract)
	}
	return sections, nil
}

func splitOnSeparator(text string) (head, body string, ok bool) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == Separator {
			return strings.Join(lines[:i], "\n"), strings.Join(lines[i+1:], "\n"), true
		}
	}
	return "", "", false
}

// stripFence removes a ```json fence some models wrap the record in
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func schemaErrors(errs map[string]*jsonschema.EvaluationError) string {
	if len(errs) == 0 {
		return "invalid"
	}
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, errs[k].Message))
	}
	return strings.Join(parts, "; ")
}
