// Package markdown flattens Markdown into plain text lines for indexing.
package markdown

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
	"go.abhg.dev/goldmark/toc"
)

// Document is flattened Markdown.
type Document struct {
	Title string   // first heading, empty when the document has none
	Lines []string // one trimmed, non-empty line per block line
}

// Text joins the lines with newlines.
func (d Document) Text() string {
	return strings.Join(d.Lines, "\n")
}

// Flattener turns Markdown into plain text, one line per block.
type Flattener struct {
	md goldmark.Markdown
}

// NewFlattener creates a flattener that understands GitHub Flavored Markdown tables.
func NewFlattener() *Flattener {
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
	)
	return &Flattener{md: md}
}

// Flatten parses source and returns its title and text lines.
// Images and raw HTML are dropped; link text is kept.
func (f *Flattener) Flatten(source []byte) (Document, error) {
	doc := f.md.Parser().Parse(text.NewReader(source))

	tree, err := toc.Inspect(doc, source, toc.MinDepth(1), toc.MaxDepth(6), toc.Compact(true))
	if err != nil {
		return Document{}, fmt.Errorf("inspect headings: %w", err)
	}

	var lines []string
	emit := func(s string) {
		for _, line := range strings.Split(s, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
	}

	err = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading, *ast.Paragraph, *ast.TextBlock:
			emit(inlineText(node, source))
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			emit(blockLines(node, source))
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil
		case *east.TableHeader, *east.TableRow:
			emit(tableRow(node, source))
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return Document{}, fmt.Errorf("walk document: %w", err)
	}

	return Document{Title: firstTitle(tree.Items), Lines: lines}, nil
}

func firstTitle(items toc.Items) string {
	for len(items) > 0 {
		item := items[0]
		if title := strings.TrimSpace(string(item.Title)); title != "" {
			return title
		}
		items = item.Items
	}
	return ""
}

// inlineText renders the inline children of n as plain text.
func inlineText(n ast.Node, source []byte) string {
	var b strings.Builder
	writeInline(&b, n, source)
	return b.String()
}

func writeInline(b *strings.Builder, n ast.Node, source []byte) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch node := c.(type) {
		case *ast.Text:
			b.Write(unescape(node.Segment.Value(source)))
			switch {
			case node.HardLineBreak():
				b.WriteByte('\n')
			case node.SoftLineBreak():
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(node.Value)
		case *ast.AutoLink:
			b.Write(node.Label(source))
		case *ast.Image, *ast.RawHTML:
		default:
			writeInline(b, c, source)
		}
	}
}

func blockLines(n ast.Node, source []byte) string {
	var b strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(source))
	}
	return b.String()
}

func tableRow(n ast.Node, source []byte) string {
	var cells []string
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if cell := strings.TrimSpace(inlineText(c, source)); cell != "" {
			cells = append(cells, cell)
		}
	}
	return strings.Join(cells, " | ")
}

func unescape(b []byte) []byte {
	b = util.UnescapePunctuations(b)
	b = util.ResolveNumericReferences(b)
	return util.ResolveEntityNames(b)
}
