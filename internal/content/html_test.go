package content_test

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobagent/leadpipe/internal/content"
)

func TestCleanText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"RemovesNullBytes", "acme\x00 robotics", "acme robotics"},
		{"CollapsesSpacesAndTabs", "we  build \t robots", "we build robots"},
		{"ReducesNewlineRuns", "line one\n\n\n\n\nline two", "line one\n\nline two"},
		{"KeepsDoubleNewlines", "para one\n\npara two", "para one\n\npara two"},
		{"TrimsEnds", "  \n hello \n ", "hello"},
		{"Empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, content.CleanText(tc.in))
		})
	}
}

func TestExtractMainContentPrefersMainRegion(t *testing.T) {
	t.Parallel()

	page := `<html><body>
		<nav><a href="/">Home</a></nav>
		<main><h1>Acme Robotics</h1><p>We build warehouse robots.</p></main>
		<footer>Copyright Acme</footer>
	</body></html>`

	text, err := content.ExtractMainContent([]byte(page))
	require.NoError(t, err)
	assert.Equal(t, "Acme Robotics\nWe build warehouse robots.", text)
}

func TestExtractMainContentFallsBackToArticle(t *testing.T) {
	t.Parallel()

	page := `<html><body>
		<div>sidebar noise</div>
		<article><p>Join our robotics team.</p></article>
	</body></html>`

	text, err := content.ExtractMainContent([]byte(page))
	require.NoError(t, err)
	assert.Equal(t, "Join our robotics team.", text)
}

func TestExtractMainContentFallsBackToBody(t *testing.T) {
	t.Parallel()

	page := `<html><body><p>Plain body text.</p><p>Second paragraph.</p></body></html>`

	text, err := content.ExtractMainContent([]byte(page))
	require.NoError(t, err)
	assert.Equal(t, "Plain body text.\nSecond paragraph.", text)
}

func TestExtractMainContentStripsBoilerplate(t *testing.T) {
	t.Parallel()

	page := `<html><body>
		<script>window.dataLayer = [];</script>
		<style>.hero { color: red; }</style>
		<noscript>enable javascript</noscript>
		<svg><title>logo</title></svg>
		<iframe src="https://maps.example.com"></iframe>
		<main><p>Visible content.</p></main>
	</body></html>`

	text, err := content.ExtractMainContent([]byte(page))
	require.NoError(t, err)
	assert.Equal(t, "Visible content.", text)
	assert.NotContains(t, text, "dataLayer")
	assert.NotContains(t, text, "enable javascript")
}

func TestExtractMainContentTruncatesLongPages(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("lorem ipsum dolor sit amet ", 400)
	page := "<html><body><main><p>" + body + "</p></main></body></html>"

	text, err := content.ExtractMainContent([]byte(page))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(text, "[TRUNCATED]"), "expected truncation marker, got tail %q", text[len(text)-20:])
	assert.Len(t, text, 8000+len("\n\n[TRUNCATED]"))
}

func TestExtractMainContentTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("a", 7999) + "é" + strings.Repeat("b", 50)
	page := "<html><body><main><p>" + body + "</p></main></body></html>"

	text, err := content.ExtractMainContent([]byte(page))
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(text), "truncation split a rune")
	assert.True(t, strings.HasSuffix(text, "[TRUNCATED]"))
}

func TestExtractMainContentEmptyDocument(t *testing.T) {
	t.Parallel()

	text, err := content.ExtractMainContent(nil)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestExtractMetaTitleDescriptionOpenGraph(t *testing.T) {
	t.Parallel()

	page := `<html><head>
		<title> Acme Robotics | Careers </title>
		<meta name="description" content="Robots for warehouses.">
		<meta property="og:title" content="Acme Robotics">
		<meta property="og:type" content="website">
		<meta property="og:image" content="">
	</head><body></body></html>`

	meta, links, err := content.ExtractMeta([]byte(page))
	require.NoError(t, err)
	assert.Equal(t, "Acme Robotics | Careers", meta["title"])
	assert.Equal(t, "Robots for warehouses.", meta["description"])
	assert.Equal(t, "Acme Robotics", meta["og:title"])
	assert.Equal(t, "website", meta["og:type"])
	assert.NotContains(t, meta, "og:image")
	assert.Empty(t, links)
}

func TestExtractMetaKeyLinks(t *testing.T) {
	t.Parallel()

	page := `<html><body>
		<a href="/careers">Open roles</a>
		<a href="/pricing">Pricing</a>
		<a href="/people">Meet the team</a>
		<a href="https://boards.example.com/acme/jobs">Jobs</a>
		<a href="/company">About us</a>
	</body></html>`

	_, links, err := content.ExtractMeta([]byte(page))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/careers",
		"/people",
		"https://boards.example.com/acme/jobs",
		"/company",
	}, links)
}

func TestExtractMetaKeyLinksCapped(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&b, `<a href="/careers/%d">Role %d</a>`, i, i)
	}
	b.WriteString("</body></html>")

	_, links, err := content.ExtractMeta([]byte(b.String()))
	require.NoError(t, err)
	require.Len(t, links, 20)
	assert.Equal(t, "/careers/0", links[0])
	assert.Equal(t, "/careers/19", links[19])
}
