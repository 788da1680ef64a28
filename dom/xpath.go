package dom

import (
	"fmt"

	"golang.org/x/net/html"
)

// xpathOf returns the positional XPath of n, indexing a step only when the
// parent has more than one child element with the same tag.
func xpathOf(n *html.Node) string {
	switch n.Type {
	case html.DocumentNode:
		return ""
	case html.TextNode:
		return parentPath(n) + "/text()"
	case html.CommentNode:
		return parentPath(n) + "/comment()"
	case html.ElementNode:
	default:
		return parentPath(n)
	}

	name := n.Data
	if n.Parent == nil {
		return "/" + name
	}
	idx, total := 0, 0
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == name {
			total++
			if c == n {
				idx = total
			}
		}
	}
	if total > 1 {
		return fmt.Sprintf("%s/%s[%d]", parentPath(n), name, idx)
	}
	return parentPath(n) + "/" + name
}

func parentPath(n *html.Node) string {
	if n.Parent == nil {
		return ""
	}
	return xpathOf(n.Parent)
}

func nodeType(n *html.Node) int {
	switch n.Type {
	case html.ElementNode:
		return 1
	case html.TextNode:
		return 3
	case html.CommentNode:
		return 8
	}
	return 0
}
