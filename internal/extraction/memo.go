package extraction

import (
	"context"
	"sync"

	"github.com/hotelrag/backend/internal/storage/models"
)

// Memo keeps the result of the last successful extraction so repeated
// questions do not re-read the documents. Failures are not remembered.
type Memo struct {
	extractor *Extractor
	docs      []Document

	mu       sync.Mutex
	passages []models.Passage
	loaded   bool
}

func NewMemo(extractor *Extractor, docs []Document) *Memo {
	return &Memo{extractor: extractor, docs: docs}
}

func (m *Memo) Passages(ctx context.Context) ([]models.Passage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return m.passages, nil
	}

	passages, err := m.extractor.Extract(ctx, m.docs)
	if err != nil {
		return nil, err
	}
	m.passages = passages
	m.loaded = true
	return passages, nil
}

// Reset forgets the cached passages; the next call re-reads the documents.
func (m *Memo) Reset() {
	m.mu.Lock()
	m.passages = nil
	m.loaded = false
	m.mu.Unlock()
}

func (m *Memo) Documents() []Document {
	return m.docs
}
