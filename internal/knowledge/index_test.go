package knowledge

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/hotelrag/backend/internal/storage/models"
)

type memStore struct {
	mu        sync.Mutex
	exists    bool
	loaded    bool
	entries   []Entry
	inserts   int
	creates   int
	loads     int
	countErr  error
	searchErr error

	hasDelay     time.Duration
	loadFailures int
	// failInsertAt makes the n-th Insert call (1-based) fail once.
	failInsertAt int
}

func (m *memStore) HasCollection(ctx context.Context) (bool, error) {
	m.mu.Lock()
	exists, delay := m.exists, m.hasDelay
	m.mu.Unlock()
	time.Sleep(delay)
	return exists, nil
}

func (m *memStore) CreateCollection(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exists {
		return errors.New("collection already exists")
	}
	m.exists = true
	m.creates++
	return nil
}

func (m *memStore) LoadCollection(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadFailures > 0 {
		m.loadFailures--
		return errors.New("index build timed out")
	}
	m.loaded = true
	return nil
}

func (m *memStore) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries)), m.countErr
}

func (m *memStore) Insert(ctx context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	if m.inserts == m.failInsertAt {
		return errors.New("insert rejected")
	}
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *memStore) Search(ctx context.Context, embedding []float32, topK int) ([]Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	hits := make([]Hit, 0, topK)
	for i := 0; i < len(m.entries) && i < topK; i++ {
		hits = append(hits, Hit{Passage: m.entries[i].Passage, Score: float32(i)})
	}
	return hits, nil
}

type fakeEmbedder struct {
	mu     sync.Mutex
	single int
	batch  int
	// failBatch makes the n-th batch call (1-based) fail once.
	failBatch int
}

func (f *fakeEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.single++
	f.mu.Unlock()
	return []float32{float32(len(text))}, nil
}

func (f *fakeEmbedder) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batch++
	fail := f.batch == f.failBatch
	f.mu.Unlock()
	if fail {
		return nil, errors.New("embedding backend timeout")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

type fakeGenerator struct {
	gotPassages    []string
	gotInstruction string
}

func (f *fakeGenerator) GenerateGrounded(ctx context.Context, query, instruction string, passages []string) (string, error) {
	f.gotPassages = passages
	f.gotInstruction = instruction
	return "  August 2017 had the highest revenue.\n", nil
}

func passages(n int) []models.Passage {
	out := make([]models.Passage, n)
	for i := range out {
		out[i] = models.Passage{Section: "Revenue", Index: i + 1, Text: fmt.Sprintf("%d. fact", i+1)}
	}
	return out
}

func TestEnsureCollectionIdempotent(t *testing.T) {
	store := &memStore{}
	ix := NewIndex(store, &fakeEmbedder{}, &fakeGenerator{}, 10)

	for i := 0; i < 3; i++ {
		if err := ix.EnsureCollection(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if store.creates != 1 || store.loads != 1 {
		t.Errorf("expected one create and one load, got %d / %d", store.creates, store.loads)
	}
}

func TestEnsureCollectionConcurrentFirstCalls(t *testing.T) {
	store := &memStore{hasDelay: 20 * time.Millisecond}
	ix := NewIndex(store, &fakeEmbedder{}, &fakeGenerator{}, 10)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- ix.EnsureCollection(context.Background()) }()
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if store.creates != 1 {
		t.Errorf("expected one create, got %d", store.creates)
	}
}

func TestEnsureCollectionCreatedElsewhere(t *testing.T) {
	// a second index on the same store models another process
	store := &memStore{}
	first := NewIndex(store, &fakeEmbedder{}, &fakeGenerator{}, 10)
	second := NewIndex(store, &fakeEmbedder{}, &fakeGenerator{}, 10)
	store.hasDelay = 20 * time.Millisecond

	errs := make(chan error, 2)
	go func() { errs <- first.EnsureCollection(context.Background()) }()
	go func() { errs <- second.EnsureCollection(context.Background()) }()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Errorf("an existing collection must count as created, got %v", err)
		}
	}
}

func TestEnsureCollectionRetriesLoadAfterFailure(t *testing.T) {
	store := &memStore{loadFailures: 1}
	ix := NewIndex(store, &fakeEmbedder{}, &fakeGenerator{}, 10)

	if err := ix.EnsureCollection(context.Background()); !errors.Is(err, ErrIndexUnavailable) {
		t.Fatalf("expected ErrIndexUnavailable, got %v", err)
	}
	if !store.exists || store.loaded {
		t.Fatalf("expected a created but unloaded collection")
	}

	if err := ix.EnsureCollection(context.Background()); err != nil {
		t.Fatalf("second call must finish the collection: %v", err)
	}
	if !store.loaded || store.creates != 1 || store.loads != 2 {
		t.Errorf("unexpected state loaded=%v creates=%d loads=%d", store.loaded, store.creates, store.loads)
	}
}

func TestEnsurePopulatedIsIdempotent(t *testing.T) {
	store := &memStore{exists: true}
	embedder := &fakeEmbedder{}
	ix := NewIndex(store, embedder, &fakeGenerator{}, 4)

	n, err := ix.EnsurePopulated(context.Background(), passages(10))
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 || store.inserts != 3 {
		t.Fatalf("expected 10 passages in 3 batches, got %d in %d", n, store.inserts)
	}

	n, err = ix.EnsurePopulated(context.Background(), passages(12))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || store.inserts != 3 || embedder.batch != 3 {
		t.Errorf("second call must not embed or insert: n=%d inserts=%d batches=%d", n, store.inserts, embedder.batch)
	}
	if len(store.entries) != 10 {
		t.Errorf("expected 10 entries, got %d", len(store.entries))
	}
}

func TestEnsurePopulatedConcurrentFirstCalls(t *testing.T) {
	store := &memStore{exists: true}
	ix := NewIndex(store, &fakeEmbedder{}, &fakeGenerator{}, 100)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ix.EnsurePopulated(context.Background(), passages(7)); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(store.entries) != 7 {
		t.Errorf("expected a single population of 7 entries, got %d", len(store.entries))
	}
}

func TestEnsurePopulatedStoreFailure(t *testing.T) {
	store := &memStore{countErr: errors.New("connection refused")}
	ix := NewIndex(store, &fakeEmbedder{}, &fakeGenerator{}, 10)

	if _, err := ix.EnsurePopulated(context.Background(), passages(1)); !errors.Is(err, ErrIndexUnavailable) {
		t.Fatalf("expected ErrIndexUnavailable, got %v", err)
	}
}

func TestEnsurePopulatedEmbeddingFailureInsertsNothing(t *testing.T) {
	store := &memStore{exists: true}
	embedder := &fakeEmbedder{failBatch: 2}
	ix := NewIndex(store, embedder, &fakeGenerator{}, 10)

	n, err := ix.EnsurePopulated(context.Background(), passages(25))
	if !errors.Is(err, ErrIndexUnavailable) {
		t.Fatalf("expected ErrIndexUnavailable, got %v", err)
	}
	if n != 0 || len(store.entries) != 0 {
		t.Fatalf("nothing may be stored before every passage is embedded: n=%d stored=%d", n, len(store.entries))
	}

	n, err = ix.EnsurePopulated(context.Background(), passages(25))
	if err != nil {
		t.Fatal(err)
	}
	if n != 25 || len(store.entries) != 25 {
		t.Errorf("retry must store every passage: n=%d stored=%d", n, len(store.entries))
	}
}

func TestEnsurePopulatedResumesInterruptedInsert(t *testing.T) {
	store := &memStore{exists: true, failInsertAt: 2}
	embedder := &fakeEmbedder{}
	ix := NewIndex(store, embedder, &fakeGenerator{}, 10)

	n, err := ix.EnsurePopulated(context.Background(), passages(25))
	if !errors.Is(err, ErrIndexUnavailable) {
		t.Fatalf("expected ErrIndexUnavailable, got %v", err)
	}
	if n != 10 || len(store.entries) != 10 {
		t.Fatalf("expected the first batch stored, got n=%d stored=%d", n, len(store.entries))
	}

	n, err = ix.EnsurePopulated(context.Background(), passages(25))
	if err != nil {
		t.Fatal(err)
	}
	if n != 15 || len(store.entries) != 25 {
		t.Errorf("resume must store the remaining passages: n=%d stored=%d", n, len(store.entries))
	}
	if embedder.batch != 3 {
		t.Errorf("resume must not embed again, got %d batch calls", embedder.batch)
	}

	seen := map[string]bool{}
	for _, e := range store.entries {
		if seen[e.ID] {
			t.Errorf("duplicate entry %s", e.ID)
		}
		seen[e.ID] = true
	}

	if n, err := ix.EnsurePopulated(context.Background(), passages(25)); err != nil || n != 0 {
		t.Errorf("complete collection must be left alone: n=%d err=%v", n, err)
	}
}

func TestRetrieveAndGenerate(t *testing.T) {
	store := &memStore{exists: true}
	gen := &fakeGenerator{}
	ix := NewIndex(store, &fakeEmbedder{}, gen, 10)
	if _, err := ix.EnsurePopulated(context.Background(), passages(6)); err != nil {
		t.Fatal(err)
	}

	answer, err := ix.RetrieveAndGenerate(context.Background(), "Which month earned most?", 4, "Answer in a paragraph.")
	if err != nil {
		t.Fatal(err)
	}

	if answer.Text != "August 2017 had the highest revenue." {
		t.Errorf("answer must be trimmed, got %q", answer.Text)
	}
	if len(answer.Passages) != 4 || len(gen.gotPassages) != 4 {
		t.Errorf("expected 4 passages, got %d / %d", len(answer.Passages), len(gen.gotPassages))
	}
	if gen.gotInstruction != "Answer in a paragraph." {
		t.Errorf("instruction not forwarded: %q", gen.gotInstruction)
	}
}

func TestRetrieveAndGenerateSearchFailure(t *testing.T) {
	store := &memStore{exists: true, searchErr: errors.New("collection not loaded")}
	ix := NewIndex(store, &fakeEmbedder{}, &fakeGenerator{}, 10)

	if _, err := ix.RetrieveAndGenerate(context.Background(), "q", 4, "i"); !errors.Is(err, ErrIndexUnavailable) {
		t.Fatalf("expected ErrIndexUnavailable, got %v", err)
	}
}

func TestEntryIDStable(t *testing.T) {
	a := EntryID(models.Passage{Section: "Revenue", Index: 1, Text: "1. x"})
	b := EntryID(models.Passage{Section: "Revenue", Index: 1, Text: "1. changed"})
	c := EntryID(models.Passage{Section: "Geography", Index: 1})
	if a != b || a == c || len(a) != 32 {
		t.Errorf("unexpected ids %q %q %q", a, b, c)
	}
}

type mapCache struct {
	data    map[string][]float32
	readErr error
}

func (m *mapCache) GetEmbedding(ctx context.Context, key string) ([]float32, bool, error) {
	if m.readErr != nil {
		return nil, false, m.readErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) SetEmbedding(ctx context.Context, key string, embedding []float32, ttl time.Duration) error {
	m.data[key] = embedding
	return nil
}

func TestCachedEmbedder(t *testing.T) {
	next := &fakeEmbedder{}
	cache := &mapCache{data: map[string][]float32{}}
	e := NewCachedEmbedder(next, cache, "nomic-embed-text", time.Hour)

	first, err := e.GenerateEmbedding(context.Background(), "revenue")
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.GenerateEmbedding(context.Background(), "revenue")
	if err != nil {
		t.Fatal(err)
	}
	if next.single != 1 || !reflect.DeepEqual(first, second) {
		t.Errorf("expected one backend call, got %d", next.single)
	}

	cache.readErr = errors.New("redis down")
	if _, err := e.GenerateEmbedding(context.Background(), "revenue"); err != nil {
		t.Fatalf("cache failure must degrade, got %v", err)
	}
	if next.single != 2 {
		t.Errorf("expected fallthrough to backend, got %d calls", next.single)
	}
}
