// Package render turns a Page Record into a printable document
package render

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/ppiankov/pepref/internal/model"
)

// Document is a rendered page
type Document struct {
	Data        []byte
	ContentType string
	Ext         string
}

// PDFPrinter converts an HTML page to PDF
type PDFPrinter interface {
	PrintPDF(ctx context.Context, html []byte) ([]byte, error)
}

// Renderer renders pages in the configured format
type Renderer struct {
	format  string
	timeout time.Duration
	printer PDFPrinter
	md      goldmark.Markdown
}

// New creates a renderer. PDF output uses headless Chrome unless
// WithPrinter replaces it.
func New(cfg model.RenderConfig) *Renderer {
	format := cfg.Format
	if format == "" {
		format = "html"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Renderer{
		format:  format,
		timeout: timeout,
		printer: &ChromePrinter{},
		md:      goldmark.New(goldmark.WithExtensions(extension.Table, extension.Strikethrough)),
	}
}

// WithPrinter replaces the PDF printer
func (r *Renderer) WithPrinter(p PDFPrinter) *Renderer {
	r.printer = p
	return r
}

// Ext returns the document extension for the configured format
func (r *Renderer) Ext() string {
	if r.format == "pdf" {
		return "pdf"
	}
	return "html"
}

// Render produces the document for page
func (r *Renderer) Render(ctx context.Context, page *model.PageRecord) (*Document, error) {
	html, err := r.HTML(page)
	if err != nil {
		return nil, err
	}
	if r.format != "pdf" {
		return &Document{Data: html, ContentType: "text/html; charset=utf-8", Ext: "html"}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	pdf, err := r.printer.PrintPDF(ctx, html)
	if err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}
	return &Document{Data: pdf, ContentType: "application/pdf", Ext: "pdf"}, nil
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: Georgia, serif; max-width: 46rem; margin: 2rem auto; line-height: 1.5; color: #222; }
.grade { border: 1px solid #ccc; padding: .5rem 1rem; background: #f7f7f7; }
.notes { font-size: .9rem; color: #555; }
sup.cite a { text-decoration: none; }
ol.references li { margin-bottom: .4rem; }
</style>
</head>
<body>
<article>
<h1>{{.Title}}</h1>
{{if .Aliases}}<p class="aliases">Also known as: {{.Aliases}}</p>{{end}}
<p class="summary">{{.Summary}}</p>
<div class="grade"><strong>Evidence grade: {{.Grade}}</strong><br>{{.Rationale}}</div>
<div class="body">{{.Body}}</div>
<h2>References</h2>
<ol class="references">
{{range .References}}<li id="{{.Anchor}}">{{.Text}}{{if .URL}} <a href="{{.URL}}">{{.ID}}</a>{{else}} {{.ID}}{{end}}</li>
{{end}}</ol>
<div class="notes">{{range .Notes}}<p>{{.}}</p>{{end}}</div>
<p class="notes">Version {{.Version}}, generated {{.Generated}}</p>
</article>
</body>
</html>
`))

type pageView struct {
	Title      string
	Aliases    string
	Summary    string
	Grade      string
	Rationale  string
	Body       template.HTML
	References []refView
	Notes      []string
	Version    int
	Generated  string
}

type refView struct {
	ID     string
	Anchor string
	Text   string
	URL    string
}

// HTML renders page as a standalone HTML document with citation markers
// replaced by numbered links into the reference list.
func (r *Renderer) HTML(page *model.PageRecord) ([]byte, error) {
	var md strings.Builder
	for _, s := range page.Sections {
		fmt.Fprintf(&md, "## %s\n\n%s\n\n", s.Title, strings.TrimSpace(s.Body))
		if s.PlainSummary != "" {
			fmt.Fprintf(&md, "*In short:* %s\n\n", s.PlainSummary)
		}
	}

	var body bytes.Buffer
	if err := r.md.Convert([]byte(md.String()), &body); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}

	numbers := make(map[string]int, len(page.References))
	refs := make([]refView, 0, len(page.References))
	for i, it := range page.References {
		numbers[it.ID()] = i + 1
		refs = append(refs, refView{
			ID:     it.ID(),
			Anchor: anchorFor(i + 1),
			Text:   referenceText(it),
			URL:    it.URL,
		})
	}

	linked, err := linkCitations(body.String(), numbers)
	if err != nil {
		return nil, err
	}

	view := pageView{
		Title:      page.Title,
		Aliases:    strings.Join(page.Aliases, ", "),
		Summary:    page.Summary,
		Grade:      page.Grade.Level.String(),
		Rationale:  page.Grade.Rationale.Description,
		Body:       template.HTML(linked),
		References: refs,
		Notes:      page.Notes,
		Version:    page.Version,
		Generated:  page.GeneratedAt.UTC().Format(time.RFC3339),
	}

	var out bytes.Buffer
	if err := pageTemplate.Execute(&out, view); err != nil {
		return nil, fmt.Errorf("render page: %w", err)
	}
	return out.Bytes(), nil
}

var citeMarker = regexp.MustCompile(`\[cite:([^\]\s]+)\]`)

// linkCitations rewrites [cite:ID] markers in text-bearing elements
func linkCitations(fragment string, numbers map[string]int) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<div id=\"root\">" + fragment + "</div>"))
	if err != nil {
		return "", fmt.Errorf("parse rendered body: %w", err)
	}

	// Outer matches are rewritten first; their detached descendants are no-ops
	doc.Find("#root p, #root li, #root td").Each(func(_ int, sel *goquery.Selection) {
		html, err := sel.Html()
		if err != nil || !strings.Contains(html, "[cite:") {
			return
		}
		sel.SetHtml(citeMarker.ReplaceAllStringFunc(html, func(m string) string {
			id := citeMarker.FindStringSubmatch(m)[1]
			n, ok := numbers[id]
			if !ok {
				return m
			}
			return fmt.Sprintf(`<sup class="cite"><a href="#%s" title="%s">[%d]</a></sup>`, anchorFor(n), template.HTMLEscapeString(id), n)
		}))
	})

	return doc.Find("#root").Html()
}

func anchorFor(n int) string {
	return "ref-" + strconv.Itoa(n)
}

func referenceText(it model.EvidenceItem) string {
	var parts []string
	if len(it.Authors) > 0 {
		a := it.Authors[0]
		if len(it.Authors) > 1 {
			a += " et al"
		}
		parts = append(parts, a)
	}
	parts = append(parts, it.Title)
	if it.Venue != "" {
		parts = append(parts, it.Venue)
	}
	if it.Year > 0 {
		parts = append(parts, strconv.Itoa(it.Year))
	}
	text := strings.Join(parts, ". ")
	if it.Category != "" {
		text += " (" + string(it.Category) + ")"
	}
	return text
}
