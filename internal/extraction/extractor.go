// Package extraction turns the answer documents into numbered passages for
// the knowledge index.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/hotelrag/backend/internal/storage/models"
	"github.com/hotelrag/backend/pkg/logger"
)

var ErrExtraction = errors.New("document extraction failed")

// Document is one named section of the knowledge base and its source file.
type Document struct {
	Section string
	Path    string
}

// PageReader returns the text of each page of a file, in page order.
type PageReader func(path string) ([]string, error)

type Extractor struct {
	readers map[string]PageReader
}

func NewExtractor() *Extractor {
	return &Extractor{
		readers: map[string]PageReader{
			".pdf":  readPDFPages,
			".html": readHTMLPages,
			".htm":  readHTMLPages,
			".txt":  readTextPages,
			".md":   readTextPages,
		},
	}
}

// Register adds or replaces the reader for a file extension (with dot).
func (e *Extractor) Register(ext string, reader PageReader) {
	e.readers[strings.ToLower(ext)] = reader
}

// Extract reads every document in order and returns the answer lines of
// each, numbered from 1 within its section. Any unreadable document fails
// the whole extraction.
func (e *Extractor) Extract(ctx context.Context, docs []Document) ([]models.Passage, error) {
	passages := make([]models.Passage, 0)

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		reader, ok := e.readers[strings.ToLower(filepath.Ext(doc.Path))]
		if !ok {
			return nil, fmt.Errorf("%w: section %q: unsupported file type %q", ErrExtraction, doc.Section, filepath.Ext(doc.Path))
		}

		pages, err := reader(doc.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: section %q (%s): %w", ErrExtraction, doc.Section, doc.Path, err)
		}

		answers := AnswerLines(joinPages(pages))
		for i, text := range answers {
			passages = append(passages, models.Passage{
				Section: doc.Section,
				Index:   i + 1,
				Text:    text,
			})
		}

		logger.Debug("Document extracted",
			zap.String("section", doc.Section),
			zap.Int("pages", len(pages)),
			zap.Int("passages", len(answers)),
		)
	}

	logger.Info("Knowledge documents extracted",
		zap.Int("documents", len(docs)),
		zap.Int("passages", len(passages)),
	)

	return passages, nil
}

func joinPages(pages []string) string {
	nonEmpty := make([]string, 0, len(pages))
	for _, p := range pages {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n")
}

// AnswerLines splits text into trimmed non-empty lines and keeps those that
// look like list items: a digit somewhere in the first three characters.
func AnswerLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if hasLeadingDigit(line) {
			out = append(out, line)
		}
	}
	return out
}

func hasLeadingDigit(line string) bool {
	n := 0
	for _, r := range line {
		if n == 3 {
			break
		}
		if unicode.IsDigit(r) {
			return true
		}
		n++
	}
	return false
}
