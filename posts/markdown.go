package posts

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// FromMarkdown converts markdown source into a post: the rendered plain text
// plus a link facet for every inline link and autolink. Offsets index into
// the UTF-8 bytes of the rendered text, so they stay correct for text
// containing multi-byte characters.
func FromMarkdown(source string) (*Post, error) {
	src := []byte(source)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	var facets []Facet
	var linkStarts []int

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				buf.Write(node.Segment.Value(src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					buf.WriteByte('\n')
				}
			}
		case *ast.Link:
			if entering {
				linkStarts = append(linkStarts, buf.Len())
			} else {
				start := linkStarts[len(linkStarts)-1]
				linkStarts = linkStarts[:len(linkStarts)-1]
				facets = append(facets, Facet{
					Index:    ByteSlice{ByteStart: start, ByteEnd: buf.Len()},
					Features: []Feature{{Type: featureLink, URI: string(node.Destination)}},
				})
			}
		case *ast.AutoLink:
			if entering {
				label := node.Label(src)
				start := buf.Len()
				buf.Write(label)
				facets = append(facets, Facet{
					Index:    ByteSlice{ByteStart: start, ByteEnd: buf.Len()},
					Features: []Feature{{Type: featureLink, URI: string(node.URL(src))}},
				})
				return ast.WalkSkipChildren, nil
			}
		case *ast.Paragraph:
			if !entering && node.NextSibling() != nil {
				buf.WriteString("\n\n")
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse markdown: %w", err)
	}

	return &Post{Text: buf.String(), Facets: facets}, nil
}
