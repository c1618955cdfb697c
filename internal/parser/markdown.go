package parser

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"study-rag/internal/models"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// parseMarkdown strips markup and keeps the readable text. Block ends
// become newlines, table cells are tab separated.
func parseMarkdown(data []byte) ([]models.Page, error) {
	doc := markdown.Parser().Parse(text.NewReader(data))

	var sb strings.Builder
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			switch n.(type) {
			case *extast.TableCell:
				sb.WriteString("\t")
			case *extast.TableRow, *extast.TableHeader:
				sb.WriteString("\n")
			default:
				if n.Type() == ast.TypeBlock && n.Kind() != ast.KindDocument {
					sb.WriteString("\n")
				}
			}
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Text:
			sb.Write(node.Segment.Value(data))
			if node.SoftLineBreak() || node.HardLineBreak() {
				sb.WriteString("\n")
			}
		case *ast.String:
			sb.Write(node.Value)
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				sb.Write(seg.Value(data))
			}
			return ast.WalkSkipChildren, nil
		case *ast.AutoLink:
			sb.Write(node.URL(data))
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}
	return []models.Page{{Number: models.NoPageNumber, Text: sb.String()}}, nil
}
