// Package render converts assistant markdown into readable plain
// terminal text.
package render

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New()

// Plain renders markdown as plain text: headings become plain lines,
// emphasis markers are dropped, code fences are indented, links keep
// their destination in parentheses.
func Plain(input string) string {
	source := []byte(input)
	doc := md.Parser().Parse(text.NewReader(source))

	var sb strings.Builder
	for child := doc.FirstChild(); child != nil; child = child.NextSibling() {
		renderBlock(&sb, source, child, "")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderBlock(sb *strings.Builder, source []byte, n ast.Node, indent string) {
	switch node := n.(type) {
	case *ast.Heading:
		title := inlineText(source, node)
		sb.WriteString(indent)
		sb.WriteString(title)
		sb.WriteString("\n")
		if node.Level <= 2 {
			sb.WriteString(indent)
			sb.WriteString(strings.Repeat("=", len(title)))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")

	case *ast.Paragraph, *ast.TextBlock:
		for _, line := range strings.Split(inlineText(source, n), "\n") {
			sb.WriteString(indent)
			sb.WriteString(line)
			sb.WriteString("\n")
		}
		if _, ok := n.(*ast.Paragraph); ok && n.Parent().Kind() == ast.KindDocument {
			sb.WriteString("\n")
		}

	case *ast.FencedCodeBlock:
		writeCodeLines(sb, source, node.Lines(), indent)
		sb.WriteString("\n")

	case *ast.CodeBlock:
		writeCodeLines(sb, source, node.Lines(), indent)
		sb.WriteString("\n")

	case *ast.List:
		marker := 0
		for item := node.FirstChild(); item != nil; item = item.NextSibling() {
			marker++
			prefix := "- "
			if node.IsOrdered() {
				prefix = fmt.Sprintf("%d. ", node.Start+marker-1)
			}
			sb.WriteString(indent)
			sb.WriteString(prefix)

			// The item's first block goes on the marker line, the
			// rest nest under it.
			first := true
			childIndent := indent + strings.Repeat(" ", len(prefix))
			for block := item.FirstChild(); block != nil; block = block.NextSibling() {
				if first {
					var inner strings.Builder
					renderBlock(&inner, source, block, "")
					sb.WriteString(strings.TrimRight(strings.ReplaceAll(inner.String(), "\n", "\n"+childIndent), " \n"))
					sb.WriteString("\n")
					first = false
					continue
				}
				renderBlock(sb, source, block, childIndent)
			}
		}
		if n.Parent().Kind() == ast.KindDocument {
			sb.WriteString("\n")
		}

	case *ast.Blockquote:
		var inner strings.Builder
		for block := node.FirstChild(); block != nil; block = block.NextSibling() {
			renderBlock(&inner, source, block, "")
		}
		for _, line := range strings.Split(strings.TrimRight(inner.String(), "\n"), "\n") {
			sb.WriteString(indent)
			sb.WriteString("> ")
			sb.WriteString(line)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")

	case *ast.ThematicBreak:
		sb.WriteString(indent)
		sb.WriteString("----\n\n")

	case *ast.HTMLBlock:
		// Raw HTML is noise on a terminal.

	default:
		for child := n.FirstChild(); child != nil; child = child.NextSibling() {
			renderBlock(sb, source, child, indent)
		}
	}
}

func writeCodeLines(sb *strings.Builder, source []byte, lines *text.Segments, indent string) {
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.WriteString(indent)
		sb.WriteString("    ")
		sb.WriteString(strings.TrimRight(string(seg.Value(source)), "\n"))
		sb.WriteString("\n")
	}
}

// inlineText flattens a block's inline children to text, dropping
// emphasis markers and keeping link destinations.
func inlineText(source []byte, n ast.Node) string {
	var sb strings.Builder
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		writeInline(&sb, source, child)
	}
	return strings.TrimSpace(sb.String())
}

func writeInline(sb *strings.Builder, source []byte, n ast.Node) {
	switch node := n.(type) {
	case *ast.Text:
		sb.Write(node.Segment.Value(source))
		if node.SoftLineBreak() || node.HardLineBreak() {
			sb.WriteString("\n")
		}

	case *ast.CodeSpan:
		for child := node.FirstChild(); child != nil; child = child.NextSibling() {
			writeInline(sb, source, child)
		}

	case *ast.Link:
		text := collectInline(source, node)
		sb.WriteString(text)
		if dest := string(node.Destination); dest != "" && dest != text {
			fmt.Fprintf(sb, " (%s)", dest)
		}

	case *ast.AutoLink:
		sb.Write(node.URL(source))

	case *ast.Image:
		sb.WriteString(collectInline(source, node))

	case *ast.RawHTML:
		// dropped

	default:
		for child := n.FirstChild(); child != nil; child = child.NextSibling() {
			writeInline(sb, source, child)
		}
	}
}

func collectInline(source []byte, n ast.Node) string {
	var sb strings.Builder
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		writeInline(&sb, source, child)
	}
	return sb.String()
}
