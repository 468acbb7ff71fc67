package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/pepref/internal/model"
)

type fakeProcessor struct {
	mu        sync.Mutex
	calls     []string
	forced    []bool
	failIDs   map[string]bool
	published map[string]bool
	onCall    func(id string)
}

func (f *fakeProcessor) ProcessEntry(ctx context.Context, e model.BatchEntry, force bool) *model.RunOutcome {
	f.mu.Lock()
	f.calls = append(f.calls, e.ID)
	f.forced = append(f.forced, force)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(e.ID)
	}

	out := &model.RunOutcome{PeptideID: e.ID, Name: e.Name, Status: model.RunSuccess, Grade: "low", Version: 1}
	switch {
	case f.published[e.ID] && !force:
		out.Status = model.RunSkipped
		out.Reason = "already published"
	case f.failIDs[e.ID]:
		out.Status = model.RunFailed
		out.Stage = model.StageSynthesize
		out.Reason = "contract violation"
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func entries(ids ...string) []model.BatchEntry {
	var out []model.BatchEntry
	for _, id := range ids {
		out = append(out, model.BatchEntry{ID: id, Name: id, Priority: 1})
	}
	return out
}

func TestBatch_PriorityFilter(t *testing.T) {
	list := []model.BatchEntry{
		{ID: "a", Name: "A", Priority: 1},
		{ID: "b", Name: "B", Priority: 2},
		{ID: "c", Name: "C", Priority: 1},
	}
	proc := &fakeProcessor{}
	report := NewBatch(proc, BatchOptions{}, quietLogger()).Run(context.Background(), "list.yaml", list)

	if report.Selected != 2 || len(report.Filtered) != 1 || report.Filtered[0] != "b" {
		t.Errorf("expected a,c selected and b filtered, got selected=%d filtered=%v", report.Selected, report.Filtered)
	}
	if len(proc.calls) != 2 || proc.calls[0] != "a" || proc.calls[1] != "c" {
		t.Errorf("expected input order [a c], got %v", proc.calls)
	}

	proc = &fakeProcessor{}
	report = NewBatch(proc, BatchOptions{AllPriorities: true}, quietLogger()).Run(context.Background(), "", list)
	if report.Selected != 3 {
		t.Errorf("expected all 3 entries with --all-priorities, got %d", report.Selected)
	}
}

func TestBatch_ContinuesPastFailures(t *testing.T) {
	proc := &fakeProcessor{failIDs: map[string]bool{"b": true}}
	report := NewBatch(proc, BatchOptions{}, quietLogger()).Run(context.Background(), "", entries("a", "b", "c"))

	if report.Succeeded != 2 || report.Failed != 1 {
		t.Errorf("expected 2 succeeded and 1 failed, got %d/%d", report.Succeeded, report.Failed)
	}
	if report.Aborted {
		t.Errorf("expected batch not to abort")
	}
	if report.Outcomes[1].Stage != model.StageSynthesize {
		t.Errorf("expected failing stage recorded, got %q", report.Outcomes[1].Stage)
	}
}

func TestBatch_StopOnFailure(t *testing.T) {
	proc := &fakeProcessor{failIDs: map[string]bool{"a": true}}
	report := NewBatch(proc, BatchOptions{StopOnFailure: true}, quietLogger()).Run(context.Background(), "", entries("a", "b"))

	if !report.Aborted || len(report.Outcomes) != 1 {
		t.Errorf("expected abort after first failure, got aborted=%v outcomes=%d", report.Aborted, len(report.Outcomes))
	}
}

func TestBatch_CompletedSkippedUnlessIncluded(t *testing.T) {
	published := map[string]bool{"a": true}

	proc := &fakeProcessor{published: published}
	report := NewBatch(proc, BatchOptions{}, quietLogger()).Run(context.Background(), "", entries("a", "b"))
	if report.Skipped != 1 || report.Succeeded != 1 {
		t.Errorf("expected 1 skipped and 1 succeeded, got %d/%d", report.Skipped, report.Succeeded)
	}

	proc = &fakeProcessor{published: published}
	report = NewBatch(proc, BatchOptions{IncludeCompleted: true}, quietLogger()).Run(context.Background(), "", entries("a", "b"))
	if report.Succeeded != 2 {
		t.Errorf("expected both reprocessed with include-completed, got %d", report.Succeeded)
	}
	for i, f := range proc.forced {
		if !f {
			t.Errorf("expected call %d to be forced", i)
		}
	}
}

func TestBatch_DelayBetweenPeptides(t *testing.T) {
	proc := &fakeProcessor{published: map[string]bool{"b": true}}
	b := NewBatch(proc, BatchOptions{Delay: time.Second}, quietLogger())
	var waits []time.Duration
	b.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	b.Run(context.Background(), "", entries("a", "b", "c"))

	// a -> b paces, b was skipped so b -> c does not
	if len(waits) != 1 || waits[0] != time.Second {
		t.Errorf("expected one 1s wait, got %v", waits)
	}
}

func TestBatch_CancelStopsBetweenPeptides(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	proc := &fakeProcessor{onCall: func(id string) {
		if id == "a" {
			cancel()
		}
	}}
	report := NewBatch(proc, BatchOptions{}, quietLogger()).Run(ctx, "", entries("a", "b", "c"))

	if !report.Aborted {
		t.Errorf("expected aborted batch")
	}
	if len(proc.calls) != 1 || report.Succeeded != 1 {
		t.Errorf("expected only the in-flight peptide to finish, got calls=%v", proc.calls)
	}
}

func TestBatch_ConcurrentKeepsInputOrder(t *testing.T) {
	proc := &fakeProcessor{}
	report := NewBatch(proc, BatchOptions{Concurrency: 3}, quietLogger()).Run(context.Background(), "", entries("a", "b", "c", "d", "e"))

	if len(report.Outcomes) != 5 {
		t.Fatalf("expected 5 outcomes, got %d", len(report.Outcomes))
	}
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		if report.Outcomes[i].PeptideID != id {
			t.Errorf("outcome %d: expected %s, got %s", i, id, report.Outcomes[i].PeptideID)
		}
	}
}

func TestParseList_YAML(t *testing.T) {
	raw := []byte(`
peptides:
  - id: bpc-157
    name: BPC-157
    aliases: [PL 14736, "Body Protection Compound 157"]
    priority: "1"
  - id: tb-500
    name: Thymosin beta-4
    aliases: TB4, TB-500
    priority: 2
  - id: ghk-cu
    name: GHK-Cu
`)
	list, err := ParseList(raw, false)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(list))
	}
	if list[0].Priority != 1 || len(list[0].Aliases) != 2 {
		t.Errorf("unexpected first entry: %+v", list[0])
	}
	if list[1].Priority != 2 || len(list[1].Aliases) != 2 || list[1].Aliases[1] != "TB-500" {
		t.Errorf("unexpected second entry: %+v", list[1])
	}
	if list[2].Priority != 1 {
		t.Errorf("expected default priority 1, got %d", list[2].Priority)
	}
}

func TestParseList_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.json")
	if err := os.WriteFile(path, []byte(`[{"id":"bpc-157","name":"BPC-157","priority":1}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	list, err := LoadList(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(list) != 1 || list[0].Name != "BPC-157" {
		t.Errorf("unexpected list: %+v", list)
	}
}

func TestParseList_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not a list", `id: x`},
		{"missing name", `[{id: a}]`},
		{"bad id", `[{id: "A B", name: x}]`},
		{"duplicate", `[{id: a, name: x}, {id: a, name: y}]`},
		{"bad priority", `[{id: a, name: x, priority: high}]`},
		{"zero priority", `[{id: a, name: x, priority: 0}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseList([]byte(tt.raw), false)
			if !errors.Is(err, model.ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestLoadList_MissingFile(t *testing.T) {
	if _, err := LoadList(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, model.ErrConfig) {
		t.Errorf("expected ErrConfig for missing file, got %v", err)
	}
}
