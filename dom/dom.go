// Package dom is the page surface readtheroom reads and writes: a document
// that can be queried, edited and observed for structural changes.
//
// Two implementations exist. HTMLDocument (this package) is an in-memory
// tree over golang.org/x/net/html used by tests and the offline demo.
// domwatch.Page drives a live browser tab through go-rod. Code above this
// package (identity, injector) sees only the interfaces.
package dom

import (
	"context"
	"iter"
	"slices"
	"strings"

	"github.com/hazyhaar/readtheroom/domwatch/mutation"
)

// Element is one element node. Reads and writes may cross a process
// boundary (CDP), so everything except Tag returns an error.
type Element interface {
	// Tag is the lower-case tag name.
	Tag() string
	Attr(name string) (string, bool, error)
	SetAttr(name, value string) error
	Text() (string, error)
	// SetText replaces all children with a single text node.
	SetText(text string) error

	// Closest returns the element itself or its nearest ancestor matching
	// selector.
	Closest(selector string) (Element, bool, error)
	// QueryAll returns matching descendants in document order.
	QueryAll(selector string) ([]Element, error)
	// Append creates an element from n as the last child and returns it.
	Append(n Node) (Element, error)

	// Expando reads a per-node value that is not part of the markup and
	// lives exactly as long as the node object does.
	Expando(key string) (string, bool, error)
	SetExpando(key, value string) error

	// OnClick registers fn for clicks on this element or its descendants.
	OnClick(fn func()) error
	// Connected reports whether the element is still in the document.
	Connected() (bool, error)
}

// Document is a page.
type Document interface {
	URL() string
	Body() (Element, error)
	QueryAll(selector string) ([]Element, error)
	ByID(id string) (Element, bool, error)
	Observer
}

// Observer yields batches of mutations. Each call to Observe starts a new
// subscription whose first batch is a synthetic doc_reset, so a consumer
// always begins with a full scan. The sequence ends when ctx is cancelled
// or the consumer stops ranging.
type Observer interface {
	Observe(ctx context.Context) iter.Seq[mutation.Batch]
}

// Batcher is implemented by documents that can report a group of edits as
// one batch. Edits made inside fn reach observers together once fn returns.
type Batcher interface {
	Batch(fn func())
}

// Node describes an element to create.
type Node struct {
	Tag     string
	ID      string
	Classes []string
	Attrs   map[string]string
	Text    string
}

// sortedAttrs returns the attributes of n in a stable order, id and class
// first.
func (n Node) sortedAttrs() [][2]string {
	var out [][2]string
	if n.ID != "" {
		out = append(out, [2]string{"id", n.ID})
	}
	if len(n.Classes) > 0 {
		out = append(out, [2]string{"class", strings.Join(n.Classes, " ")})
	}
	keys := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		if k == "id" || k == "class" {
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		out = append(out, [2]string{k, n.Attrs[k]})
	}
	return out
}

// HasClass reports whether el carries class c.
func HasClass(el Element, c string) (bool, error) {
	v, ok, err := el.Attr("class")
	if err != nil || !ok {
		return false, err
	}
	return slices.Contains(strings.Fields(v), c), nil
}

// SetClass adds or removes class c on el.
func SetClass(el Element, c string, on bool) error {
	v, _, err := el.Attr("class")
	if err != nil {
		return err
	}
	fields := strings.Fields(v)
	has := slices.Contains(fields, c)
	switch {
	case on && !has:
		fields = append(fields, c)
	case !on && has:
		fields = slices.DeleteFunc(fields, func(s string) bool { return s == c })
	default:
		return nil
	}
	return el.SetAttr("class", strings.Join(fields, " "))
}
