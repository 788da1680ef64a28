package dom

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

// Selector is a compiled subset of CSS:
//
//	tag                    "div"
//	.class, .a.b           ".flat-list.buttons"
//	#id                    "#read-the-room-button"
//	[attr], [attr=val]     "[data-post-id]", "a[rel=nofollow]"
//	compounds of the above "div.thing[data-post-id]"
//	descendant combinator  ".thing .flat-list.buttons"
type Selector struct {
	src   string
	parts []compound
}

type compound struct {
	tag     string
	id      string
	classes []string
	attrs   []attrMatch
}

type attrMatch struct {
	key    string
	val    string
	hasVal bool
}

// Compile parses sel.
func Compile(sel string) (Selector, error) {
	fields := strings.Fields(sel)
	if len(fields) == 0 {
		return Selector{}, fmt.Errorf("dom: empty selector")
	}
	s := Selector{src: sel}
	for _, f := range fields {
		c, err := parseCompound(f)
		if err != nil {
			return Selector{}, fmt.Errorf("dom: selector %q: %w", sel, err)
		}
		s.parts = append(s.parts, c)
	}
	return s, nil
}

// MustCompile is Compile for package-level constants.
func MustCompile(sel string) Selector {
	s, err := Compile(sel)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Selector) String() string { return s.src }

func parseCompound(f string) (compound, error) {
	var c compound
	i := 0
	for i < len(f) && !strings.ContainsRune(".#[", rune(f[i])) {
		i++
	}
	c.tag = strings.ToLower(f[:i])
	for _, r := range c.tag {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '*') {
			return c, fmt.Errorf("unsupported %q in tag", r)
		}
	}
	if c.tag == "*" {
		c.tag = ""
	}

	for i < len(f) {
		switch f[i] {
		case '.', '#':
			j := i + 1
			for j < len(f) && !strings.ContainsRune(".#[", rune(f[j])) {
				j++
			}
			name := f[i+1 : j]
			if name == "" {
				return c, fmt.Errorf("empty name after %q", f[i])
			}
			if f[i] == '.' {
				c.classes = append(c.classes, name)
			} else {
				c.id = name
			}
			i = j
		case '[':
			end := strings.IndexByte(f[i:], ']')
			if end < 0 {
				return c, fmt.Errorf("unterminated attribute")
			}
			body := f[i+1 : i+end]
			var a attrMatch
			if eq := strings.IndexByte(body, '='); eq >= 0 {
				a.key = body[:eq]
				a.val = strings.Trim(body[eq+1:], `"'`)
				a.hasVal = true
			} else {
				a.key = body
			}
			if a.key == "" {
				return c, fmt.Errorf("empty attribute name")
			}
			c.attrs = append(c.attrs, a)
			i += end + 1
		default:
			return c, fmt.Errorf("unexpected %q", f[i])
		}
	}
	return c, nil
}

func (c compound) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if c.tag != "" && n.Data != c.tag {
		return false
	}
	if c.id != "" && getAttr(n, "id") != c.id {
		return false
	}
	if len(c.classes) > 0 {
		have := strings.Fields(getAttr(n, "class"))
		for _, want := range c.classes {
			if !slices.Contains(have, want) {
				return false
			}
		}
	}
	for _, a := range c.attrs {
		v, ok := lookupAttr(n, a.key)
		if !ok || (a.hasVal && v != a.val) {
			return false
		}
	}
	return true
}

// Match reports whether n matches the full selector: the last compound
// matches n and the earlier ones match ancestors in order.
func (s Selector) Match(n *html.Node) bool {
	last := len(s.parts) - 1
	if !s.parts[last].matches(n) {
		return false
	}
	i := last - 1
	for p := n.Parent; p != nil && i >= 0; p = p.Parent {
		if s.parts[i].matches(p) {
			i--
		}
	}
	return i < 0
}

// QueryAll returns descendants of root (root excluded) matching s, in
// document order.
func (s Selector) QueryAll(root *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if s.Match(c) {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(root)
	return out
}

// Closest returns n or its nearest ancestor matching s.
func (s Selector) Closest(n *html.Node) *html.Node {
	for p := n; p != nil; p = p.Parent {
		if s.Match(p) {
			return p
		}
	}
	return nil
}

func getAttr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
