package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ppiankov/pepref/internal/cache"
	"github.com/ppiankov/pepref/internal/model"
	"github.com/ppiankov/pepref/internal/retry"
)

const registryName = "registry"

// Registry searches the ClinicalTrials.gov v2 API
type Registry struct {
	cfg  model.RegistryConfig
	http *getter
}

// NewRegistry creates a registry client
func NewRegistry(cfg model.RegistryConfig, g *getter) *Registry {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 25
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	return &Registry{cfg: cfg, http: g}
}

func (r *Registry) through(c cache.Cache) *Registry {
	cp := *r
	cp.http = r.http.through(c)
	return &cp
}

// BuildRegistryTerm builds the disjunctive query.term expression
func BuildRegistryTerm(terms []string) string {
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		parts = append(parts, `"`+strings.ReplaceAll(t, `"`, "")+`"`)
	}
	return strings.Join(parts, " OR ")
}

type studiesResponse struct {
	Studies       []json.RawMessage `json:"studies"`
	NextPageToken string            `json:"nextPageToken"`
}

// Search pages through matching studies up to the configured page limit
func (r *Registry) Search(ctx context.Context, q Query) *Result {
	res := &Result{Provenance: model.ProvenanceTrialRegistry, Query: BuildRegistryTerm(q.Terms())}

	token := ""
	var lastErr error
	for page := 0; page < r.cfg.MaxPages; page++ {
		resp, err := r.page(ctx, res.Query, token)
		if err != nil {
			lastErr = err
			res.warn("page %d failed: %v", page+1, err)
			break
		}
		for _, raw := range resp.Studies {
			var s registryStudy
			if err := json.Unmarshal(raw, &s); err != nil {
				res.Skipped++
				continue
			}
			item, err := mapRegistryStudy(s)
			if err != nil {
				res.Skipped++
				continue
			}
			res.Items = append(res.Items, item)
		}
		if resp.NextPageToken == "" {
			break
		}
		token = resp.NextPageToken
	}
	if res.Skipped > 0 {
		res.warn("skipped %d malformed studies", res.Skipped)
	}
	res.Outcome = retry.Classify(len(res.Items), lastErr)
	return res
}

func (r *Registry) page(ctx context.Context, term, token string) (*studiesResponse, error) {
	v := url.Values{}
	v.Set("query.term", term)
	v.Set("pageSize", strconv.Itoa(r.cfg.PageSize))
	v.Set("format", "json")
	if token != "" {
		v.Set("pageToken", token)
	}
	endpoint := strings.TrimRight(r.cfg.BaseURL, "/") + "/studies?" + v.Encode()

	body, err := r.http.get(ctx, endpoint, "application/json")
	if err != nil {
		return nil, err
	}
	var resp studiesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode studies: %w", err)
	}
	return &resp, nil
}

// registryStudy mirrors the subset of a v2 study record that is mapped
type registryStudy struct {
	ProtocolSection struct {
		Identification struct {
			NCTID         string `json:"nctId"`
			BriefTitle    string `json:"briefTitle"`
			OfficialTitle string `json:"officialTitle"`
		} `json:"identificationModule"`
		Status struct {
			OverallStatus string `json:"overallStatus"`
			StartDate     struct {
				Date string `json:"date"`
			} `json:"startDateStruct"`
		} `json:"statusModule"`
		Description struct {
			BriefSummary string `json:"briefSummary"`
		} `json:"descriptionModule"`
		Design struct {
			StudyType  string   `json:"studyType"`
			Phases     []string `json:"phases"`
			DesignInfo struct {
				Allocation string `json:"allocation"`
			} `json:"designInfo"`
			Enrollment struct {
				Count int    `json:"count"`
				Type  string `json:"type"`
			} `json:"enrollmentInfo"`
		} `json:"designModule"`
		Sponsor struct {
			Lead struct {
				Name string `json:"name"`
			} `json:"leadSponsor"`
		} `json:"sponsorCollaboratorsModule"`
	} `json:"protocolSection"`
	HasResults bool `json:"hasResults"`
}

// mapRegistryStudy converts one registry study to an evidence item
func mapRegistryStudy(s registryStudy) (model.EvidenceItem, error) {
	ps := s.ProtocolSection
	nct := strings.TrimSpace(ps.Identification.NCTID)
	title := strings.TrimSpace(ps.Identification.BriefTitle)
	if title == "" {
		title = strings.TrimSpace(ps.Identification.OfficialTitle)
	}
	if nct == "" || title == "" {
		return model.EvidenceItem{}, fmt.Errorf("%w: registry study missing nctId or title", errShape)
	}

	item := model.EvidenceItem{
		Provenance: model.ProvenanceTrialRegistry,
		SourceID:   "nct:" + nct,
		Title:      title,
		Abstract:   collapseSpace(ps.Description.BriefSummary),
		Year:       parseYear(ps.Status.StartDate.Date, ""),
		Venue:      "ClinicalTrials.gov",
		Status:     ps.Status.OverallStatus,
		Phase:      strings.Join(ps.Design.Phases, "/"),
		URL:        "https://clinicaltrials.gov/study/" + nct,
		SampleSize: ps.Design.Enrollment.Count,
		Outcome:    model.OutcomeUnknown,
		HasResults: s.HasResults,
	}
	if item.SampleSize < 0 {
		item.SampleSize = 0
	}

	interventional := strings.EqualFold(ps.Design.StudyType, "INTERVENTIONAL")
	randomized := strings.EqualFold(ps.Design.DesignInfo.Allocation, "RANDOMIZED")
	switch {
	case interventional && randomized:
		item.Category = model.CategoryControlledHumanTrial
	case interventional, strings.EqualFold(ps.Design.StudyType, "OBSERVATIONAL"):
		item.Category = model.CategoryObservationalHuman
	default:
		item.Category = model.CategoryUnknown
	}
	return item, nil
}
