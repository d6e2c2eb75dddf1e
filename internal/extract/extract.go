// Package extract turns fetched HTML into the plain text that gets indexed.
package extract

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"

	"github.com/his0si/retriever-project-lite/internal/markdown"
)

// MinContentLength is the shortest text, in characters, worth indexing.
const MinContentLength = 50

// boilerplate lists elements removed before the content region is chosen.
const boilerplate = "script, style, nav, footer, header, noscript, iframe, svg"

// contentRegions are tried in order; the first match is the page's content.
var contentRegions = []string{
	"main",
	"article",
	`div[role="main"]`,
	".content",
	"#content",
}

// Document is the text content of one page.
type Document struct {
	Title string
	Text  string
}

// Sufficient reports whether the text is long enough to index.
func (d Document) Sufficient() bool {
	return utf8.RuneCountInString(strings.TrimSpace(d.Text)) >= MinContentLength
}

// ExtractionError reports HTML that could not be turned into text.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract text: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Extractor converts HTML to normalized text. It is safe for concurrent use.
type Extractor struct {
	conv *converter.Converter
	flat *markdown.Flattener
}

// New creates an Extractor.
func New() *Extractor {
	conv := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
	return &Extractor{conv: conv, flat: markdown.NewFlattener()}
}

// Extract strips boilerplate, picks the main content region and returns its
// text, one trimmed line per block. Pages without text yield an empty Document.
func (e *Extractor) Extract(html string) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Document{}, &ExtractionError{Err: fmt.Errorf("parse html: %w", err)}
	}

	title := strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")

	doc.Find(boilerplate).Remove()
	region, err := goquery.OuterHtml(contentRegion(doc))
	if err != nil {
		return Document{}, &ExtractionError{Err: fmt.Errorf("render region: %w", err)}
	}

	md, err := e.conv.ConvertString(region)
	if err != nil {
		return Document{}, &ExtractionError{Err: fmt.Errorf("convert to markdown: %w", err)}
	}

	flat, err := e.flat.Flatten([]byte(md))
	if err != nil {
		return Document{}, &ExtractionError{Err: err}
	}

	if title == "" {
		title = flat.Title
	}
	return Document{Title: title, Text: flat.Text()}, nil
}

func contentRegion(doc *goquery.Document) *goquery.Selection {
	for _, sel := range contentRegions {
		if found := doc.Find(sel).First(); found.Length() > 0 {
			return found
		}
	}
	if body := doc.Find("body").First(); body.Length() > 0 {
		return body
	}
	return doc.Selection
}
