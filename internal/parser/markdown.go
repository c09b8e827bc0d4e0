package parser

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New()

// ExtractTitle returns the text of the first level-1 heading in body, or
// the empty string when the body has none.
func ExtractTitle(body []byte) string {
	doc := md.Parser().Parse(text.NewReader(body))

	var title string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok && h.Level == 1 {
			title = strings.TrimSpace(string(nodeText(h, body)))
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return title
}

// CountH1 returns the number of level-1 headings in body. More than one
// usually means the memory mixes concepts.
func CountH1(body []byte) int {
	doc := md.Parser().Parse(text.NewReader(body))

	count := 0
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok && h.Level == 1 {
			count++
		}
		return ast.WalkContinue, nil
	})
	return count
}

// nodeText collects the literal text under a node.
func nodeText(n ast.Node, src []byte) []byte {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(src))
		case *ast.String:
			buf.Write(t.Value)
		default:
			buf.Write(nodeText(c, src))
		}
	}
	return buf.Bytes()
}
