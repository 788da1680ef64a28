package identity

import (
	"regexp"
	"testing"

	"github.com/hazyhaar/readtheroom/dom"
)

const page = `<html><body>
<div class="thing" data-post-id="t3_stable"><div class="entry"><ul class="flat-list buttons"></ul></div></div>
<div class="thing"><ul class="flat-list buttons"></ul></div>
<div class="thing"><ul class="flat-list buttons"></ul></div>
<div class="thing" data-post-id=""><ul class="flat-list buttons"></ul></div>
</body></html>`

var pseudoRe = regexp.MustCompile(`^temp-[0-9a-z]{9}$`)

func lists(t *testing.T) []dom.Element {
	t.Helper()
	d, err := dom.ParseHTML("https://old.reddit.com/", page)
	if err != nil {
		t.Fatal(err)
	}
	els, err := d.QueryAll(".flat-list.buttons")
	if err != nil {
		t.Fatal(err)
	}
	return els
}

func TestResolve_StableFromAncestor(t *testing.T) {
	got := New().Resolve(lists(t)[0])
	if got.ID != "t3_stable" || !got.Stable {
		t.Fatalf("got %+v", got)
	}
}

func TestResolve_PseudoIsStablePerNode(t *testing.T) {
	r := New()
	els := lists(t)

	first := r.Resolve(els[1])
	if first.Stable || !pseudoRe.MatchString(first.ID) || !IsPseudo(first.ID) {
		t.Fatalf("pseudo id: %+v", first)
	}
	for range 5 {
		if again := r.Resolve(els[1]); again.ID != first.ID {
			t.Fatalf("same node resolved to %q then %q", first.ID, again.ID)
		}
	}
	// A second resolver sees the id cached on the node.
	if other := New().Resolve(els[1]); other.ID != first.ID {
		t.Fatalf("cache is per resolver, want per node: %q vs %q", first.ID, other.ID)
	}
}

func TestResolve_DistinctNodesDistinctIDs(t *testing.T) {
	r := New()
	els := lists(t)
	a, b := r.Resolve(els[1]), r.Resolve(els[2])
	if a.ID == b.ID {
		t.Fatalf("two nodes share pseudo id %q", a.ID)
	}
}

func TestResolve_EmptyStableAttrFallsBack(t *testing.T) {
	got := New().Resolve(lists(t)[3])
	if got.Stable || !IsPseudo(got.ID) {
		t.Fatalf("empty data-post-id must degrade: %+v", got)
	}
}

func TestResolve_Options(t *testing.T) {
	r := New(WithAttr("data-fullname"), WithGenerator(func() string { return "fixed0000" }))
	got := r.Resolve(lists(t)[0])
	if got.ID != "temp-fixed0000" {
		t.Fatalf("got %+v", got)
	}
}
