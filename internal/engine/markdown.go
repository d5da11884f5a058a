package engine

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// HTMLToMarkdown distills rendered HTML into markdown. It keeps the
// document structure a reader cares about (headings, paragraphs, lists,
// links, images, code) and drops scripts, styles, and layout noise.
func HTMLToMarkdown(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, iframe").Remove()

	var b strings.Builder
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	renderChildren(&b, body)
	return collapseBlankLines(b.String()), nil
}

func renderChildren(b *strings.Builder, sel *goquery.Selection) {
	sel.Children().Each(func(_ int, node *goquery.Selection) {
		renderNode(b, node)
	})
}

func renderNode(b *strings.Builder, node *goquery.Selection) {
	switch goquery.NodeName(node) {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		level := int(goquery.NodeName(node)[1] - '0')
		writeBlock(b, strings.Repeat("#", level)+" "+inlineText(node))
	case "p":
		if text := inlineText(node); text != "" {
			writeBlock(b, text)
		}
	case "ul":
		node.ChildrenFiltered("li").Each(func(_ int, li *goquery.Selection) {
			b.WriteString("- " + inlineText(li) + "\n")
		})
		b.WriteString("\n")
	case "ol":
		node.ChildrenFiltered("li").Each(func(i int, li *goquery.Selection) {
			fmt.Fprintf(b, "%d. %s\n", i+1, inlineText(li))
		})
		b.WriteString("\n")
	case "pre":
		writeBlock(b, "```\n"+strings.TrimRight(node.Text(), "\n")+"\n```")
	case "blockquote":
		if text := inlineText(node); text != "" {
			writeBlock(b, "> "+text)
		}
	case "img":
		if src, ok := node.Attr("src"); ok {
			alt, _ := node.Attr("alt")
			writeBlock(b, fmt.Sprintf("![%s](%s)", alt, src))
		}
	case "table":
		renderTable(b, node)
	default:
		// Containers recurse; anything else contributes its inline text.
		if node.Children().Length() > 0 {
			renderChildren(b, node)
		} else if text := inlineText(node); text != "" {
			writeBlock(b, text)
		}
	}
}

func renderTable(b *strings.Builder, table *goquery.Selection) {
	rows := table.Find("tr")
	rows.Each(func(i int, row *goquery.Selection) {
		var cells []string
		row.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			cells = append(cells, inlineText(cell))
		})
		if len(cells) == 0 {
			return
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		if i == 0 {
			b.WriteString("|" + strings.Repeat(" --- |", len(cells)) + "\n")
		}
	})
	b.WriteString("\n")
}

// inlineText flattens a node to text, rewriting anchors as markdown links.
func inlineText(sel *goquery.Selection) string {
	clone := sel.Clone()
	clone.Find("a").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		text := strings.TrimSpace(a.Text())
		if ok && text != "" && !strings.HasPrefix(href, "#") {
			a.ReplaceWithHtml(fmt.Sprintf("[%s](%s)", text, href))
		}
	})
	clone.Find("strong, b").Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			s.ReplaceWithHtml("**" + text + "**")
		}
	})
	clone.Find("em, i").Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			s.ReplaceWithHtml("*" + text + "*")
		}
	})
	clone.Find("code").Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			s.ReplaceWithHtml("`" + text + "`")
		}
	})
	return strings.Join(strings.Fields(clone.Text()), " ")
}

func writeBlock(b *strings.Builder, text string) {
	b.WriteString(text)
	b.WriteString("\n\n")
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if trimmed == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, trimmed)
	}
	return strings.TrimSpace(strings.Join(out, "\n")) + "\n"
}
