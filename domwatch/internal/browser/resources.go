package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// blocker is the set of resource types a tab refuses to load, keyed by
// lower-cased DevTools type name.
type blocker map[string]bool

var resourceAliases = map[string]proto.NetworkResourceType{
	"images":      proto.NetworkResourceTypeImage,
	"fonts":       proto.NetworkResourceTypeFont,
	"media":       proto.NetworkResourceTypeMedia,
	"stylesheets": proto.NetworkResourceTypeStylesheet,
}

func newBlocker(names []string) blocker {
	b := make(blocker, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if t, ok := resourceAliases[n]; ok {
			n = strings.ToLower(string(t))
		}
		b[n] = true
	}
	return b
}

func (b blocker) blocks(t proto.NetworkResourceType) bool {
	return b[strings.ToLower(string(t))]
}

// install hijacks page requests. Reddit listings are mostly thumbnails;
// blocking images keeps a long-lived tab light.
func (b blocker) install(page *rod.Page) {
	if len(b) == 0 {
		return
	}
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if b.blocks(h.Request.Type()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
}
