// Package content turns raw snapshot bytes into model-ready text blocks.
// Extraction is structural: boilerplate tags are stripped, the main region
// is preferred, and whitespace is collapsed deterministically so repeated
// fetches of the same page produce the same text.
package content

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// maxContentChars caps the main text handed to the model. Roughly 8K chars
// is about 2K tokens.
const maxContentChars = 8000

// truncationMarker is appended whenever main text is cut at maxContentChars.
const truncationMarker = "\n\n[TRUNCATED]"

// maxKeyLinks caps how many navigation links are surfaced per page.
const maxKeyLinks = 20

// stripSelector matches the tags removed before main text extraction.
const stripSelector = "script,style,nav,footer,header,noscript,svg,iframe"

var (
	spaceRuns   = regexp.MustCompile(`[ \t]+`)
	newlineRuns = regexp.MustCompile(`\n{3,}`)

	keyLinkWords = []string{"career", "job", "about", "team"}
)

// CleanText removes null bytes, collapses runs of spaces and tabs to a
// single space, reduces three or more consecutive newlines to two, and
// trims the result.
func CleanText(text string) string {
	text = strings.ReplaceAll(text, "\x00", "")
	text = spaceRuns.ReplaceAllString(text, " ")
	text = newlineRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// ExtractMainContent returns the readable text of an HTML document. It
// strips boilerplate tags, prefers <main> over <article> over <body>, walks
// the remaining text nodes, and truncates the cleaned result at
// maxContentChars with a marker.
func ExtractMainContent(raw []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find(stripSelector).Remove()

	region := doc.Find("main").First()
	if region.Length() == 0 {
		region = doc.Find("article").First()
	}
	if region.Length() == 0 {
		region = doc.Find("body").First()
	}
	if region.Length() == 0 {
		region = doc.Selection
	}

	text := CleanText(selectionText(region))
	return truncate(text), nil
}

// ExtractMeta returns the page title, meta description, og:* properties,
// and key links whose href or anchor text mentions careers, jobs, about, or
// team pages. It parses the document unstripped so links in nav and footer
// regions still count.
func ExtractMeta(raw []byte) (map[string]string, []string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}

	meta := make(map[string]string)
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		meta["title"] = title
	}
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok && desc != "" {
		meta["description"] = desc
	}
	doc.Find(`meta[property^="og:"]`).Each(func(_ int, s *goquery.Selection) {
		prop, _ := s.Attr("property")
		val, _ := s.Attr("content")
		if prop != "" && val != "" {
			meta[prop] = val
		}
	})

	return meta, keyLinks(doc), nil
}

func keyLinks(doc *goquery.Document) []string {
	var links []string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		hrefLower := strings.ToLower(href)
		textLower := strings.ToLower(s.Text())
		for _, word := range keyLinkWords {
			if strings.Contains(hrefLower, word) || strings.Contains(textLower, word) {
				links = append(links, href)
				break
			}
		}
		return len(links) < maxKeyLinks
	})
	return links
}

// selectionText trims every text node under the selection, drops the empty
// ones, and joins the rest with newlines.
func selectionText(sel *goquery.Selection) string {
	var parts []string
	for _, node := range sel.Nodes {
		collectText(node, &parts)
	}
	return strings.Join(parts, "\n")
}

func collectText(n *html.Node, parts *[]string) {
	if n.Type == html.TextNode {
		if t := strings.TrimSpace(n.Data); t != "" {
			*parts = append(*parts, t)
		}
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, parts)
	}
}

// truncate cuts text at maxContentChars, backing up to a rune boundary
// before appending the marker.
func truncate(text string) string {
	if len(text) <= maxContentChars {
		return text
	}
	cut := maxContentChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + truncationMarker
}
