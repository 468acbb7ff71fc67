package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/ppiankov/pepref/internal/cache"
	"github.com/ppiankov/pepref/internal/model"
	"github.com/ppiankov/pepref/internal/retry"
)

const pubmedName = "pubmed"

// PubMed searches the NCBI E-utilities literature index
type PubMed struct {
	cfg  model.LiteratureConfig
	http *getter
}

// NewPubMed creates a literature client
func NewPubMed(cfg model.LiteratureConfig, g *getter) *PubMed {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 40
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	return &PubMed{cfg: cfg, http: g}
}

func (p *PubMed) through(c cache.Cache) *PubMed {
	cp := *p
	cp.http = p.http.through(c)
	return &cp
}

// BuildPubMedTerm builds the disjunctive title/abstract query
func BuildPubMedTerm(terms []string) string {
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, "")
		parts = append(parts, fmt.Sprintf(`"%s"[tiab]`, t))
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// Search runs esearch for ids then efetch for records in batches. A failed
// batch keeps the records already fetched.
func (p *PubMed) Search(ctx context.Context, q Query) *Result {
	res := &Result{Provenance: model.ProvenanceLiterature, Query: BuildPubMedTerm(q.Terms())}

	ids, err := p.searchIDs(ctx, res.Query)
	if err != nil {
		res.Outcome = retry.Failure
		res.warn("search failed: %v", err)
		return res
	}
	if len(ids) == 0 {
		res.Outcome = retry.Success
		return res
	}

	var lastErr error
	for start := 0; start < len(ids); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		items, skipped, err := p.fetchBatch(ctx, ids[start:end])
		res.Items = append(res.Items, items...)
		res.Skipped += skipped
		if err != nil {
			lastErr = err
			res.warn("fetch of %d records failed: %v", end-start, err)
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				break
			}
		}
	}
	if res.Skipped > 0 {
		res.warn("skipped %d malformed records", res.Skipped)
	}
	res.Outcome = retry.Classify(len(res.Items), lastErr)
	return res
}

type esearchResponse struct {
	Result struct {
		Count  string   `json:"count"`
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
	Error string `json:"error,omitempty"`
}

func (p *PubMed) searchIDs(ctx context.Context, term string) ([]string, error) {
	v := p.baseParams()
	v.Set("term", term)
	v.Set("retmode", "json")
	v.Set("retmax", strconv.Itoa(p.cfg.MaxResults))
	v.Set("sort", "relevance")

	body, err := p.http.get(ctx, p.endpoint("esearch.fcgi", v), "application/json")
	if err != nil {
		return nil, err
	}

	var resp esearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode esearch: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("esearch: %s", resp.Error)
	}

	ids := make([]string, 0, len(resp.Result.IDList))
	for _, id := range resp.Result.IDList {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) > p.cfg.MaxResults {
		ids = ids[:p.cfg.MaxResults]
	}
	return ids, nil
}

func (p *PubMed) fetchBatch(ctx context.Context, ids []string) ([]model.EvidenceItem, int, error) {
	v := p.baseParams()
	v.Set("id", strings.Join(ids, ","))
	v.Set("retmode", "xml")
	v.Set("rettype", "abstract")

	body, err := p.http.get(ctx, p.endpoint("efetch.fcgi", v), "application/xml")
	if err != nil {
		return nil, 0, err
	}
	return parseArticleSet(body)
}

func (p *PubMed) baseParams() url.Values {
	v := url.Values{}
	v.Set("db", "pubmed")
	if p.cfg.Tool != "" {
		v.Set("tool", p.cfg.Tool)
	}
	if p.cfg.Email != "" {
		v.Set("email", p.cfg.Email)
	}
	if p.cfg.APIKey != "" {
		v.Set("api_key", p.cfg.APIKey)
	}
	return v
}

func (p *PubMed) endpoint(path string, v url.Values) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + "/" + path + "?" + v.Encode()
}

// pubmedArticle mirrors the subset of the efetch XML that is mapped
type pubmedArticle struct {
	PMID    string `xml:"MedlineCitation>PMID"`
	Article struct {
		Title   innerText `xml:"ArticleTitle"`
		Journal struct {
			Title   string `xml:"Title"`
			PubDate struct {
				Year        string `xml:"Year"`
				MedlineDate string `xml:"MedlineDate"`
			} `xml:"JournalIssue>PubDate"`
		} `xml:"Journal"`
		Abstract []abstractText `xml:"Abstract>AbstractText"`
		Authors  []struct {
			LastName       string `xml:"LastName"`
			ForeName       string `xml:"ForeName"`
			Initials       string `xml:"Initials"`
			CollectiveName string `xml:"CollectiveName"`
		} `xml:"AuthorList>Author"`
		PublicationTypes []string `xml:"PublicationTypeList>PublicationType"`
	} `xml:"MedlineCitation>Article"`
	Mesh []string `xml:"MedlineCitation>MeshHeadingList>MeshHeading>DescriptorName"`
}

type innerText struct {
	Inner string `xml:",innerxml"`
}

type abstractText struct {
	Label    string `xml:"Label,attr"`
	Category string `xml:"NlmCategory,attr"`
	Inner    string `xml:",innerxml"`
}

// parseArticleSet streams PubmedArticle elements so one malformed record
// does not discard the batch
func parseArticleSet(body []byte) ([]model.EvidenceItem, int, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false

	var items []model.EvidenceItem
	skipped := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return items, skipped, nil
		}
		if err != nil {
			return items, skipped, fmt.Errorf("decode efetch: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "PubmedArticle" {
			continue
		}

		var raw pubmedArticle
		if err := dec.DecodeElement(&raw, &start); err != nil {
			skipped++
			continue
		}
		item, err := mapPubMedArticle(raw)
		if err != nil {
			skipped++
			continue
		}
		items = append(items, item)
	}
}

var errShape = errors.New("record shape")

// mapPubMedArticle converts one efetch record to an evidence item
func mapPubMedArticle(a pubmedArticle) (model.EvidenceItem, error) {
	pmid := strings.TrimSpace(a.PMID)
	title := StripMarkup(a.Article.Title.Inner)
	if pmid == "" || title == "" {
		return model.EvidenceItem{}, fmt.Errorf("%w: pubmed record missing pmid or title", errShape)
	}

	var abstract, conclusion []string
	for _, part := range a.Article.Abstract {
		text := StripMarkup(part.Inner)
		if text == "" {
			continue
		}
		abstract = append(abstract, text)
		label := strings.ToUpper(part.Label + " " + part.Category)
		if strings.Contains(label, "CONCLUSION") {
			conclusion = append(conclusion, text)
		}
	}
	abstractText := strings.Join(abstract, " ")
	conclusionText := strings.Join(conclusion, " ")
	if conclusionText == "" {
		conclusionText = lastSentences(abstractText, 2)
	}

	item := model.EvidenceItem{
		Provenance: model.ProvenanceLiterature,
		SourceID:   "pmid:" + pmid,
		Title:      title,
		Abstract:   abstractText,
		Year:       parseYear(a.Article.Journal.PubDate.Year, a.Article.Journal.PubDate.MedlineDate),
		Venue:      strings.TrimSpace(a.Article.Journal.Title),
		URL:        "https://pubmed.ncbi.nlm.nih.gov/" + pmid + "/",
		SampleSize: ParseSampleSize(abstractText),
		Outcome:    InferOutcome(conclusionText),
	}
	for _, au := range a.Article.Authors {
		switch {
		case au.LastName != "":
			name := au.LastName
			if au.Initials != "" {
				name += " " + au.Initials
			} else if au.ForeName != "" {
				name += " " + au.ForeName
			}
			item.Authors = append(item.Authors, name)
		case au.CollectiveName != "":
			item.Authors = append(item.Authors, au.CollectiveName)
		}
	}

	if cat, ok := categoryFromPublicationTypes(a.Article.PublicationTypes); ok {
		item.Category = cat
	} else if cat, ok := categoryFromMesh(a.Mesh); ok {
		item.Category = cat
	} else {
		item.Category = InferCategory(title + " " + abstractText)
	}
	return item, nil
}

func parseYear(year, medlineDate string) int {
	for _, s := range []string{year, medlineDate} {
		s = strings.TrimSpace(s)
		if len(s) < 4 {
			continue
		}
		if y, err := strconv.Atoi(s[:4]); err == nil && y > 1800 {
			return y
		}
	}
	return 0
}
