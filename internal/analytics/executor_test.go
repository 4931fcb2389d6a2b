package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStore struct {
	mu         sync.Mutex
	watermark  float64
	watermarkE error
	reports    map[string]fakeReport
	runs       atomic.Int32
	delay      time.Duration
}

type fakeReport struct {
	columns []string
	rows    [][]any
	err     error
}

func (f *fakeStore) CurrentWatermark(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watermark, f.watermarkE
}

func (f *fakeStore) RunReport(ctx context.Context, query string) ([]string, [][]any, error) {
	f.runs.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	r, ok := f.reports[query]
	if !ok {
		return nil, nil, errors.New("relation does not exist")
	}
	return r.columns, r.rows, r.err
}

func (f *fakeStore) setWatermark(w float64) {
	f.mu.Lock()
	f.watermark = w
	f.mu.Unlock()
}

func TestCacheStaleness(t *testing.T) {
	c := NewCache()
	if c.IsStale(0) {
		t.Error("fresh cache at watermark 0 must not be stale for 0")
	}

	for _, pair := range [][2]float64{{1, 2}, {0, 0.5}, {1700000000, 1700000001}} {
		w1, w2 := pair[0], pair[1]
		c.Update(Results{}, w1)
		if !c.IsStale(w2) {
			t.Errorf("updated at %v, expected stale for %v", w1, w2)
		}
		c.Update(Results{}, w2)
		if c.IsStale(w2) {
			t.Errorf("updated at %v, expected fresh for %v", w2, w2)
		}
		if c.IsStale(w1) {
			t.Errorf("older watermark %v must not be stale", w1)
		}
	}
}

func TestExecuteIsolatesFailingReport(t *testing.T) {
	store := &fakeStore{
		watermark: 10,
		reports: map[string]fakeReport{
			"SELECT a": {columns: []string{"n"}, rows: [][]any{{int64(1)}}},
			"SELECT b": {err: errors.New("division by zero")},
		},
	}
	group := &Group{Name: "test", Reports: []Report{{"a", "SELECT a"}, {"b", "SELECT b"}}}
	cache := NewCache()
	exec := NewExecutor(store, time.Second)

	got, err := exec.Execute(context.Background(), group, cache)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got["a"].IsErr() || !reflect.DeepEqual(got["a"].Rows(), []Row{{"n": int64(1)}}) {
		t.Errorf("report a: unexpected %+v", got["a"])
	}
	if !got["b"].IsErr() || got["b"].Error() != "division by zero" {
		t.Errorf("report b: expected captured error, got %+v", got["b"])
	}
	if store.runs.Load() != 2 {
		t.Fatalf("expected 2 report runs, got %d", store.runs.Load())
	}

	again, err := exec.Execute(context.Background(), group, cache)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.runs.Load() != 2 {
		t.Errorf("cache hit must not rerun reports, runs=%d", store.runs.Load())
	}
	if !reflect.DeepEqual(again, got) {
		t.Errorf("cached mapping differs: %+v vs %+v", again, got)
	}
	if !again["b"].IsErr() {
		t.Error("cached error result must be served as is")
	}
}

func TestExecuteRecomputesOnNewWatermark(t *testing.T) {
	store := &fakeStore{
		watermark: 1,
		reports:   map[string]fakeReport{"SELECT a": {columns: []string{"n"}, rows: [][]any{{int64(1)}}}},
	}
	group := &Group{Name: "test", Reports: []Report{{"a", "SELECT a"}}}
	cache := NewCache()
	exec := NewExecutor(store, 0)

	exec.Execute(context.Background(), group, cache)
	store.setWatermark(2)
	exec.Execute(context.Background(), group, cache)

	if store.runs.Load() != 2 {
		t.Errorf("expected recompute after watermark moved, runs=%d", store.runs.Load())
	}
	if cache.LastUpdated() != 2 {
		t.Errorf("expected cache watermark 2, got %v", cache.LastUpdated())
	}
}

func TestExecuteEmptyDatasetFirstCall(t *testing.T) {
	store := &fakeStore{watermark: 0}
	group := &Group{Name: "test", Reports: []Report{{"a", "SELECT a"}}}
	exec := NewExecutor(store, 0)

	got, err := exec.Execute(context.Background(), group, NewCache())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 || store.runs.Load() != 0 {
		t.Errorf("expected empty cached mapping without queries, got %v (runs=%d)", got, store.runs.Load())
	}
}

func TestExecuteWatermarkFailure(t *testing.T) {
	wantErr := errors.New("connection refused")
	store := &fakeStore{watermarkE: wantErr}
	group := &Group{Name: "test", Reports: []Report{{"a", "SELECT a"}}}
	cache := NewCache()

	_, err := NewExecutor(store, 0).Execute(context.Background(), group, cache)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected watermark error, got %v", err)
	}
	if store.runs.Load() != 0 || cache.LastUpdated() != 0 {
		t.Error("no report may run and the cache must stay untouched")
	}
}

func TestExecuteMonthlyRevenueScenario(t *testing.T) {
	revenue := RevenueGroup()
	reports := make(map[string]fakeReport, len(revenue.Reports))
	for _, r := range revenue.Reports {
		reports[r.SQL] = fakeReport{columns: []string{"x"}}
	}
	reports[revenue.Reports[0].SQL] = fakeReport{
		columns: []string{"month", "total_revenue"},
		rows:    [][]any{{"2024-01", int64(1000)}, {"2024-02", int64(1500)}},
	}
	store := &fakeStore{watermark: 5, reports: reports}

	got, err := NewExecutor(store, 0).Execute(context.Background(), revenue, NewCache())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []Row{
		{"month": "2024-01", "total_revenue": int64(1000)},
		{"month": "2024-02", "total_revenue": int64(1500)},
	}
	if !reflect.DeepEqual(got["monthly_revenue"].Rows(), want) {
		t.Errorf("monthly_revenue: got %v, want %v", got["monthly_revenue"].Rows(), want)
	}
	if len(got) != len(revenue.Reports) {
		t.Errorf("expected %d reports, got %d", len(revenue.Reports), len(got))
	}
	for name, res := range got {
		if res.IsErr() {
			t.Errorf("report %s unexpectedly failed: %s", name, res.Error())
		}
	}
}

func TestExecuteSerializesConcurrentRecompute(t *testing.T) {
	store := &fakeStore{
		watermark: 3,
		delay:     20 * time.Millisecond,
		reports:   map[string]fakeReport{"SELECT a": {columns: []string{"n"}, rows: [][]any{{int64(1)}}}},
	}
	group := &Group{Name: "test", Reports: []Report{{"a", "SELECT a"}}}
	cache := NewCache()
	exec := NewExecutor(store, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := exec.Execute(context.Background(), group, cache); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if store.runs.Load() != 1 {
		t.Errorf("expected a single recompute, got %d", store.runs.Load())
	}
}

func TestReportResultJSON(t *testing.T) {
	res := Results{
		"ok":    Ok([]Row{{"month": "2024-01"}}),
		"empty": Ok(nil),
		"bad":   Err("syntax error"),
	}

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded["empty"].([]any); !ok {
		t.Errorf("empty result must encode as an array, got %T", decoded["empty"])
	}
	bad, ok := decoded["bad"].(map[string]any)
	if !ok || bad["error"] != "syntax error" {
		t.Errorf("error result must encode as {error: msg}, got %v", decoded["bad"])
	}

	var back Results
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if !back["bad"].IsErr() || back["ok"].IsErr() {
		t.Errorf("unexpected decode %+v", back)
	}
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	want := []string{"cancellations", "geo", "lead_time", "others", "revenue"}
	if !reflect.DeepEqual(r.Names(), want) {
		t.Errorf("got %v, want %v", r.Names(), want)
	}

	_, c1, ok := r.Lookup("revenue")
	_, c2, _ := r.Lookup("geo")
	if !ok || c1 == c2 {
		t.Error("each group must own its own cache")
	}

	if _, _, ok := r.Lookup("nope"); ok {
		t.Error("unknown group must not resolve")
	}

	dup := &Group{Name: "x", Reports: []Report{{"a", "1"}, {"a", "2"}}}
	if _, err := NewRegistry(dup); err == nil {
		t.Error("expected duplicate report error")
	}
}
