package content

import (
	"bytes"
	"fmt"
	"net/url"

	"github.com/go-shiori/go-readability"

	"github.com/jobagent/leadpipe/internal/pipeline"
)

// minStructuralChars is the threshold below which the structural pass is
// assumed to have missed the real content and readability is tried instead.
const minStructuralChars = 200

// CareersAdapter prepares careers and company pages for the extraction
// model.
type CareersAdapter struct{}

// NewCareersAdapter returns the adapter for careers_page sources.
func NewCareersAdapter() *CareersAdapter {
	return &CareersAdapter{}
}

// ExtractContent builds a ContentBlock from raw page bytes. The company
// hint comes from the source metadata key "company" when present.
func (a *CareersAdapter) ExtractContent(snapshot pipeline.Snapshot, raw []byte, sourceMetadata map[string]string) (pipeline.ContentBlock, error) {
	mainText, err := ExtractMainContent(raw)
	if err != nil {
		return pipeline.ContentBlock{}, fmt.Errorf("extract main content: %w", err)
	}
	if len(mainText) < minStructuralChars {
		if salvaged := readabilityText(snapshot.CanonicalURL, raw); len(salvaged) > len(mainText) {
			mainText = salvaged
		}
	}

	meta, links, err := ExtractMeta(raw)
	if err != nil {
		return pipeline.ContentBlock{}, fmt.Errorf("extract meta: %w", err)
	}

	return pipeline.ContentBlock{
		MainText:    mainText,
		Meta:        meta,
		KeyLinks:    links,
		CompanyHint: sourceMetadata["company"],
	}, nil
}

// readabilityText runs the readability extractor over pages whose structure
// defeats the tag walk. Returns "" when readability cannot do better.
func readabilityText(pageURL string, raw []byte) string {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	parser := readability.NewParser()
	article, err := parser.Parse(bytes.NewReader(raw), parsed)
	if err != nil {
		return ""
	}
	return truncate(CleanText(article.TextContent))
}
