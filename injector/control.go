package injector

import (
	"github.com/hazyhaar/readtheroom/dom"
	"github.com/hazyhaar/readtheroom/syncclient"
)

const (
	flaggedClass  = "rtr-flagged"
	unsyncedClass = "rtr-unsynced"
	unsyncedTitle = "Not saved: the flag store rejected the last change"
)

// buttonControl renders a post's flag onto its injected button.
type buttonControl struct {
	el     dom.Element
	postID string
	cfg    *Config
}

func (b *buttonControl) Render(st syncclient.ControlState) error {
	label := b.cfg.AddLabel
	if st.Flagged {
		label = b.cfg.AddedLabel
	}
	if err := b.el.SetText(label); err != nil {
		return err
	}
	if err := dom.SetClass(b.el, flaggedClass, st.Flagged); err != nil {
		return err
	}
	if err := dom.SetClass(b.el, unsyncedClass, st.Unsynced); err != nil {
		return err
	}
	title := ""
	if st.Unsynced {
		title = unsyncedTitle
	}
	return b.el.SetAttr("title", title)
}
