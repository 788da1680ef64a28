// Package mutation defines the structured DOM change notifications that
// flow from a page (live browser tab or in-memory document) to the
// injector. Any consumer imports this package to receive observations.
package mutation

// Op is the type of DOM mutation observed.
type Op string

const (
	OpInsert   Op = "insert"    // child node inserted (includes serialised subtree HTML)
	OpRemove   Op = "remove"    // child node removed
	OpText     Op = "text"      // character data modified
	OpAttr     Op = "attr"      // attribute set
	OpAttrDel  Op = "attr_del"  // attribute removed
	OpDocReset Op = "doc_reset" // entire DOM replaced (navigation)
)

// Record is a single DOM mutation.
type Record struct {
	Op       Op     `json:"op"`
	XPath    string `json:"xpath"`
	NodeType int    `json:"node_type,omitempty"` // 1=element, 3=text, 8=comment
	Tag      string `json:"tag,omitempty"`
	Name     string `json:"name,omitempty"`      // attribute name for attr/attr_del
	Value    string `json:"value,omitempty"`     // new value
	OldValue string `json:"old_value,omitempty"` // previous value
	HTML     string `json:"html,omitempty"`      // serialised subtree for insert
}

// Batch is the atomic unit emitted by an observer. One batch = all
// mutations collected during a single debounce window (live tab) or a
// single synchronous edit (in-memory document).
type Batch struct {
	ID        string   `json:"id"` // UUIDv7
	PageURL   string   `json:"page_url"`
	PageID    string   `json:"page_id"`
	Seq       uint64   `json:"seq"` // monotonically increasing per page (gap detection)
	Records   []Record `json:"records"`
	Timestamp int64    `json:"timestamp"` // epoch milliseconds at flush
}

// Structural reports whether the batch changed the element tree: an
// insert, a removal or a full reset. Attribute and text churn, including
// the controls the injector itself writes, is not structural.
func (b Batch) Structural() bool {
	for _, r := range b.Records {
		if r.Op == OpInsert || r.Op == OpRemove || r.Op == OpDocReset {
			return true
		}
	}
	return false
}

// Count returns the number of records per op.
func (b Batch) Count() map[Op]int {
	out := make(map[Op]int, 4)
	for _, r := range b.Records {
		out[r.Op]++
	}
	return out
}
