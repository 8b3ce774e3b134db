package indexer

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var htmlTag = regexp.MustCompile(`<[^>]*>`)

// Extractor turns note content into the plain text sent to the embedder.
type Extractor struct {
	md goldmark.Markdown
}

// NewExtractor creates an Extractor that understands GFM tables and
// strikethrough.
func NewExtractor() *Extractor {
	return &Extractor{
		md: goldmark.New(
			goldmark.WithExtensions(extension.Table, extension.Strikethrough),
		),
	}
}

// Extract returns the note title and its plain-text body. The title is the
// first level-1 heading, else the first level-2 heading, else the note name.
func (e *Extractor) Extract(name, content string) (title, body string) {
	src := []byte(content)
	doc := e.md.Parser().Parse(text.NewReader(src))

	title = findTitle(doc, src)
	if title == "" {
		title = titleFromName(name)
	}
	return title, collectText(doc, src)
}

// Text joins the title and body into one embedding input.
func (e *Extractor) Text(name, content string) string {
	title, body := e.Extract(name, content)
	if body == "" || body == title {
		return title
	}
	if strings.HasPrefix(body, title+"\n") {
		return body
	}
	return title + "\n\n" + body
}

func findTitle(doc ast.Node, src []byte) string {
	var h1, h2 string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		switch {
		case heading.Level == 1 && h1 == "":
			h1 = inlineText(heading, src)
			return ast.WalkStop, nil
		case heading.Level == 2 && h2 == "":
			h2 = inlineText(heading, src)
		}
		return ast.WalkSkipChildren, nil
	})
	if h1 != "" {
		return h1
	}
	return h2
}

// titleFromName strips a trailing extension and capitalizes each word.
func titleFromName(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	words := strings.FieldsFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || r == '-' || r == '_'
	})
	for i, word := range words {
		runes := []rune(word)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}

// inlineText concatenates the text below n.
func inlineText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := node.(type) {
		case *ast.Text:
			b.Write(v.Segment.Value(src))
			if v.SoftLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(v.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// collectText flattens the document into paragraphs separated by newlines.
func collectText(doc ast.Node, src []byte) string {
	var b strings.Builder
	newline := func() {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch v := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(v.Segment.Value(src))
				if v.HardLineBreak() {
					b.WriteByte('\n')
				} else if v.SoftLineBreak() {
					b.WriteByte(' ')
				}
			}
		case *ast.String:
			if entering {
				b.Write(v.Value)
			}
		case *ast.CodeBlock, *ast.FencedCodeBlock, *ast.HTMLBlock:
			if entering {
				newline()
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					line := lines.At(i)
					b.WriteString(htmlTag.ReplaceAllString(string(line.Value(src)), ""))
				}
				newline()
			}
			return ast.WalkSkipChildren, nil
		case *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *extast.TableCell:
			if entering && n.PreviousSibling() != nil {
				b.WriteString(" | ")
			}
		case *extast.TableRow, *extast.TableHeader, *ast.Paragraph, *ast.Heading, *ast.ListItem, *ast.Blockquote:
			newline()
		}
		return ast.WalkContinue, nil
	})

	lines := strings.Split(b.String(), "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
