package sources

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/pepref/internal/cache"
	"github.com/ppiankov/pepref/internal/model"
	"github.com/ppiankov/pepref/internal/retry"
	"github.com/ppiankov/pepref/internal/worker"
)

const efetchBatchOne = `<?xml version="1.0" ?>
<!DOCTYPE PubmedArticleSet PUBLIC "-//NLM//DTD PubMedArticle, 1st January 2024//EN" "https://dtd.nlm.nih.gov/ncbi/pubmed/out/pubmed_240101.dtd">
<PubmedArticleSet>
  <PubmedArticle>
    <MedlineCitation Status="MEDLINE" Owner="NLM">
      <PMID Version="1">111</PMID>
      <Article PubModel="Print">
        <Journal>
          <Title>Journal of Peptide Research</Title>
          <JournalIssue><PubDate><Year>2021</Year></PubDate></JournalIssue>
        </Journal>
        <ArticleTitle>A randomized trial of <i>BPC-157</i> in tendon injury</ArticleTitle>
        <Abstract>
          <AbstractText Label="METHODS" NlmCategory="METHODS">We enrolled 120 participants (n = 120).</AbstractText>
          <AbstractText Label="CONCLUSIONS" NlmCategory="CONCLUSIONS">Treatment significantly improved healing time.</AbstractText>
        </Abstract>
        <AuthorList>
          <Author><LastName>Sikiric</LastName><ForeName>Predrag</ForeName><Initials>P</Initials></Author>
          <Author><LastName>Seiwerth</LastName><Initials>S</Initials></Author>
        </AuthorList>
        <PublicationTypeList>
          <PublicationType UI="D016449">Randomized Controlled Trial</PublicationType>
        </PublicationTypeList>
      </Article>
    </MedlineCitation>
  </PubmedArticle>
  <PubmedArticle>
    <MedlineCitation>
      <PMID Version="1">222</PMID>
      <Article>
        <Journal><Title>Regulatory Peptides</Title><JournalIssue><PubDate><MedlineDate>2018 Dec-2019 Jan</MedlineDate></PubDate></JournalIssue></Journal>
        <ArticleTitle>Gastric protection in rats</ArticleTitle>
        <Abstract><AbstractText>Rats received the peptide. Lesions were reduced.</AbstractText></Abstract>
      </Article>
      <MeshHeadingList>
        <MeshHeading><DescriptorName UI="D000818">Animals</DescriptorName></MeshHeading>
      </MeshHeadingList>
    </MedlineCitation>
  </PubmedArticle>
</PubmedArticleSet>`

const efetchBatchTwo = `<PubmedArticleSet>
  <PubmedArticle>
    <MedlineCitation>
      <PMID>333</PMID>
      <Article><ArticleTitle></ArticleTitle></Article>
    </MedlineCitation>
  </PubmedArticle>
</PubmedArticleSet>`

const studiesPageOne = `{
  "studies": [
    {
      "protocolSection": {
        "identificationModule": {"nctId": "NCT00000001", "briefTitle": "BPC-157 for Knee Pain"},
        "statusModule": {"overallStatus": "COMPLETED", "startDateStruct": {"date": "2020-03"}},
        "descriptionModule": {"briefSummary": "A  randomized,\n placebo-controlled study."},
        "designModule": {
          "studyType": "INTERVENTIONAL",
          "phases": ["PHASE2"],
          "designInfo": {"allocation": "RANDOMIZED"},
          "enrollmentInfo": {"count": 64, "type": "ACTUAL"}
        }
      },
      "hasResults": true
    },
    {"protocolSection": {"identificationModule": {"briefTitle": "No id"}}}
  ],
  "nextPageToken": "tok2"
}`

const studiesPageTwo = `{
  "studies": [
    {
      "protocolSection": {
        "identificationModule": {"nctId": "NCT00000002", "briefTitle": "BPC-157 Registry"},
        "statusModule": {"overallStatus": "RECRUITING"},
        "designModule": {"studyType": "OBSERVATIONAL", "enrollmentInfo": {"count": 300}}
      }
    }
  ]
}`

type fakeProviders struct {
	server        *httptest.Server
	esearchCalls  atomic.Int32
	efetchCalls   atomic.Int32
	studiesCalls  atomic.Int32
	failEfetchTwo bool
	failAll       bool
	lastTerm      atomic.Value
}

func newFakeProviders(t *testing.T) *fakeProviders {
	t.Helper()
	f := &fakeProviders{}
	mux := http.NewServeMux()
	mux.HandleFunc("/eutils/esearch.fcgi", func(w http.ResponseWriter, r *http.Request) {
		f.esearchCalls.Add(1)
		f.lastTerm.Store(r.URL.Query().Get("term"))
		if f.failAll {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"esearchresult":{"count":"3","idlist":["111","222","333"]}}`)
	})
	mux.HandleFunc("/eutils/efetch.fcgi", func(w http.ResponseWriter, r *http.Request) {
		f.efetchCalls.Add(1)
		ids := r.URL.Query().Get("id")
		switch ids {
		case "111,222":
			fmt.Fprint(w, efetchBatchOne)
		case "333":
			if f.failEfetchTwo {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			fmt.Fprint(w, efetchBatchTwo)
		default:
			http.Error(w, "unexpected ids "+ids, http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/api/v2/studies", func(w http.ResponseWriter, r *http.Request) {
		f.studiesCalls.Add(1)
		if r.URL.Query().Get("pageToken") == "tok2" {
			fmt.Fprint(w, studiesPageTwo)
			return
		}
		fmt.Fprint(w, studiesPageOne)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func testConfig(baseURL string) *model.Config {
	cfg := model.DefaultConfig()
	cfg.Sources.Literature.BaseURL = baseURL + "/eutils"
	cfg.Sources.Literature.BatchSize = 2
	cfg.Sources.Literature.RequestsPerSecond = 0
	cfg.Sources.Literature.APIKey = "secret-key"
	cfg.Sources.Literature.KeyedRPS = 0
	cfg.Sources.Registry.BaseURL = baseURL + "/api/v2"
	cfg.Sources.Registry.RequestsPerSecond = 0
	cfg.Retry = model.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	return cfg
}

func newTestRetriever(cfg *model.Config, c cache.Cache) *Retriever {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRetriever(cfg, c, worker.NewLimiter(0, 1), logger)
}

func TestRetrieve_BothProviders(t *testing.T) {
	f := newFakeProviders(t)
	r := newTestRetriever(testConfig(f.server.URL), cache.Nop{})

	coll := r.Retrieve(context.Background(), Query{PeptideID: "bpc-157", Name: "BPC-157", Aliases: []string{"PL 14736", "bpc-157"}})

	if got := f.lastTerm.Load(); got != `("BPC-157"[tiab] OR "PL 14736"[tiab])` {
		t.Errorf("unexpected esearch term %v", got)
	}
	if coll.Meta.Fetched[model.ProvenanceLiterature] != 2 {
		t.Errorf("expected 2 literature items, got %d", coll.Meta.Fetched[model.ProvenanceLiterature])
	}
	if coll.Meta.Skipped[model.ProvenanceLiterature] != 1 {
		t.Errorf("expected 1 skipped literature record, got %d", coll.Meta.Skipped[model.ProvenanceLiterature])
	}
	if coll.Meta.Fetched[model.ProvenanceTrialRegistry] != 2 {
		t.Errorf("expected 2 registry items, got %d", coll.Meta.Fetched[model.ProvenanceTrialRegistry])
	}
	if coll.Meta.Skipped[model.ProvenanceTrialRegistry] != 1 {
		t.Errorf("expected 1 skipped study, got %d", coll.Meta.Skipped[model.ProvenanceTrialRegistry])
	}
	if coll.Meta.Partial {
		t.Errorf("expected complete retrieval")
	}
	if len(coll.Items) != 4 {
		t.Fatalf("expected 4 items, got %d", len(coll.Items))
	}

	rct, ok := coll.Lookup("pmid:111")
	if !ok {
		t.Fatal("expected pmid:111")
	}
	if rct.Title != "A randomized trial of BPC-157 in tendon injury" {
		t.Errorf("expected markup stripped from title, got %q", rct.Title)
	}
	if rct.Category != model.CategoryControlledHumanTrial {
		t.Errorf("expected controlled-human-trial, got %s", rct.Category)
	}
	if rct.SampleSize != 120 || rct.Outcome != model.OutcomeBenefit || rct.Year != 2021 {
		t.Errorf("unexpected mapping: n=%d outcome=%s year=%d", rct.SampleSize, rct.Outcome, rct.Year)
	}
	if rct.FirstAuthorToken() != "sikiric" {
		t.Errorf("expected first author sikiric, got %q", rct.FirstAuthorToken())
	}

	animal, _ := coll.Lookup("pmid:222")
	if animal.Category != model.CategoryAnimalModel || animal.Year != 2018 {
		t.Errorf("expected animal-model from 2018, got %s/%d", animal.Category, animal.Year)
	}

	trial, _ := coll.Lookup("nct:NCT00000001")
	if trial.Category != model.CategoryControlledHumanTrial || trial.SampleSize != 64 || !trial.HasResults || trial.Phase != "PHASE2" {
		t.Errorf("unexpected registry mapping: %+v", trial)
	}
	if trial.Abstract != "A randomized, placebo-controlled study." {
		t.Errorf("expected collapsed summary, got %q", trial.Abstract)
	}
	obs, _ := coll.Lookup("nct:NCT00000002")
	if obs.Category != model.CategoryObservationalHuman || obs.Status != "RECRUITING" {
		t.Errorf("unexpected observational mapping: %+v", obs)
	}
	if f.studiesCalls.Load() != 2 {
		t.Errorf("expected 2 registry pages, got %d", f.studiesCalls.Load())
	}
}

func TestRetrieve_PartialLiterature(t *testing.T) {
	f := newFakeProviders(t)
	f.failEfetchTwo = true
	cfg := testConfig(f.server.URL)
	cfg.Sources.Registry.Enabled = false
	r := newTestRetriever(cfg, cache.Nop{})

	coll := r.Retrieve(context.Background(), Query{PeptideID: "bpc-157", Name: "BPC-157"})

	if !coll.Meta.Partial {
		t.Errorf("expected partial flag")
	}
	if len(coll.Items) != 2 {
		t.Errorf("expected the first batch to survive, got %d items", len(coll.Items))
	}
	if len(coll.Meta.Warnings) == 0 || !strings.Contains(coll.Meta.Warnings[0], "literature") {
		t.Errorf("expected a literature warning, got %v", coll.Meta.Warnings)
	}
	// 1 good batch + 2 attempts on the failing batch
	if f.efetchCalls.Load() != 3 {
		t.Errorf("expected 3 efetch calls, got %d", f.efetchCalls.Load())
	}
}

func TestRetrieve_ExhaustedProviderNeverFails(t *testing.T) {
	f := newFakeProviders(t)
	f.failAll = true
	cfg := testConfig(f.server.URL)
	cfg.Sources.Registry.Enabled = false
	r := newTestRetriever(cfg, cache.Nop{})

	coll := r.Retrieve(context.Background(), Query{PeptideID: "x", Name: "X"})

	if len(coll.Items) != 0 || !coll.Meta.Partial {
		t.Errorf("expected empty partial collection, got %d items partial=%v", len(coll.Items), coll.Meta.Partial)
	}
	if f.esearchCalls.Load() != 2 {
		t.Errorf("expected retry up to max attempts (2), got %d", f.esearchCalls.Load())
	}
}

func TestRetrieve_UsesCache(t *testing.T) {
	f := newFakeProviders(t)
	c := cache.NewMemoryCache(time.Minute, time.Minute)
	r := newTestRetriever(testConfig(f.server.URL), c)
	q := Query{PeptideID: "bpc-157", Name: "BPC-157"}

	cold := r.Retrieve(context.Background(), q)
	first := f.esearchCalls.Load() + f.efetchCalls.Load() + f.studiesCalls.Load()
	coll := r.Retrieve(context.Background(), q)
	second := f.esearchCalls.Load() + f.efetchCalls.Load() + f.studiesCalls.Load()

	if first != second {
		t.Errorf("expected cached second run, calls went %d -> %d", first, second)
	}
	if cold.Meta.CacheHits != 0 || int32(cold.Meta.CacheMisses) != first {
		t.Errorf("expected 0 hits and %d misses on the cold run, got %d/%d", first, cold.Meta.CacheHits, cold.Meta.CacheMisses)
	}
	if int32(coll.Meta.CacheHits) != first || coll.Meta.CacheMisses != 0 {
		t.Errorf("expected %d hits and 0 misses on the warm run, got %d/%d", first, coll.Meta.CacheHits, coll.Meta.CacheMisses)
	}
	if len(coll.Items) != 4 {
		t.Errorf("expected cached items, got %d", len(coll.Items))
	}
}

func TestRedactURL(t *testing.T) {
	got := redactURL("https://x.test/esearch.fcgi?db=pubmed&api_key=secret")
	if strings.Contains(got, "secret") {
		t.Errorf("expected api key removed, got %s", got)
	}
}

func TestSearch_OutcomeSuccessWhenNoIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"esearchresult":{"count":"0","idlist":[]}}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	r := newTestRetriever(cfg, cache.Nop{})
	res := r.literature.Search(context.Background(), Query{Name: "Unknownide"})
	if res.Outcome != retry.Success || len(res.Items) != 0 {
		t.Errorf("expected empty success, got %v with %d items", res.Outcome, len(res.Items))
	}
}
