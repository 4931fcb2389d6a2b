package extraction

import (
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const htmlBlockSelector = "h1, h2, h3, h4, h5, h6, p, li, tr, pre, dt, dd"

// readHTMLPages returns the document as a single page with one line per
// block element. Documents without block markup fall back to the body text.
func readHTMLPages(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return nil, err
	}

	doc.Find("script, style, noscript").Remove()

	var lines []string
	doc.Find(htmlBlockSelector).Each(func(_ int, s *goquery.Selection) {
		// nested blocks are emitted by their innermost element
		if s.Find(htmlBlockSelector).Length() > 0 {
			return
		}
		if text := strings.Join(strings.Fields(s.Text()), " "); text != "" {
			lines = append(lines, text)
		}
	})

	if len(lines) == 0 {
		return []string{doc.Find("body").Text()}, nil
	}
	return []string{strings.Join(lines, "\n")}, nil
}

func readTextPages(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []string{string(data)}, nil
}
