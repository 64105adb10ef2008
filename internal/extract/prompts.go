package extract

import (
	"fmt"

	"github.com/jobagent/leadpipe/internal/llm"
	"github.com/jobagent/leadpipe/internal/pipeline"
)

const systemPromptTemplate = `You are an expert at extracting structured company information from web pages.
Given the text content of a company's web page, extract a CompanyProfile as JSON.

Rules:
- Every claim you make must be grounded with an evidence snippet from the page text.
- Each signal must include an evidence snippet with the exact quoted text and where it appears.
- Tags should cover: domain/market (e.g., "ai-safety", "enterprise-saas") and tech themes (e.g., "llm", "python", "kubernetes").
- Provide 5-15 tags, 3-5 signals.
- Set confidence between 0.0 and 1.0 based on how much you could extract.
- List anything you couldn't determine in the unknowns field.
- Return ONLY valid JSON matching the schema below. No markdown, no explanation.

JSON Schema:
%s
`

// profileSchema is the contract shown to the model. It must stay in step
// with pipeline.CompanyProfile and its Validate method.
const profileSchema = `{
  "type": "object",
  "properties": {
    "company_id": {"type": "string"},
    "name": {"type": "string"},
    "domain": {"type": "string", "description": "Bare domain, e.g. acme.com"},
    "website": {"type": "string", "description": "Canonical page URL"},
    "summary": {"type": "string", "description": "1-3 sentences on what the company does"},
    "tags": {"type": "array", "items": {"type": "string"}},
    "signals": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string", "description": "e.g. active_hiring, ai_focus, growth_stage"},
          "value": {"type": "string", "description": "e.g. high, true, Series B"},
          "evidence": {
            "type": "object",
            "properties": {
              "text": {"type": "string", "description": "Exact quoted page text"},
              "context": {"type": "string", "description": "Where on the page it appears"}
            },
            "required": ["text"]
          }
        },
        "required": ["name", "value", "evidence"]
      }
    },
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "unknowns": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["company_id", "name", "domain", "website", "summary"]
}`

const userPromptTemplate = `Extract a CompanyProfile from this page.

Company hint: %s
Page URL: %s
Page title: %s
Meta description: %s

--- PAGE CONTENT ---
%s
`

// buildMessages renders the deterministic prompt pair for one content block.
func buildMessages(block pipeline.ContentBlock, pageURL string) []llm.Message {
	hint := block.CompanyHint
	if hint == "" {
		hint = "unknown"
	}
	title := block.Meta["title"]
	if title == "" {
		title = "unknown"
	}
	description := block.Meta["description"]
	if description == "" {
		description = "none"
	}

	return []llm.Message{
		{Role: "system", Content: fmt.Sprintf(systemPromptTemplate, profileSchema)},
		{Role: "user", Content: fmt.Sprintf(userPromptTemplate, hint, pageURL, title, description, block.MainText)},
	}
}
