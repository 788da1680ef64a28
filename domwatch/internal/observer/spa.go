package observer

import (
	"github.com/hazyhaar/readtheroom/domwatch/mutation"
)

// handleNavigate processes an in-page navigation signalled by the script.
// Reddit swaps the listing without a full load, so the consumer rescans
// as if the document had been replaced.
func (o *Observer) handleNavigate(newURL string) {
	o.logger.Info("observer: in-page navigation", "url", newURL)
	o.debouncer.flush()
	if o.cfg.Navigate != nil {
		o.cfg.Navigate(newURL)
	}
	o.cfg.Emit([]mutation.Record{{Op: mutation.OpDocReset}})
}

// handleDocReset processes a full document load. The script re-installs
// itself on the new document and reports the reset; pending records
// describe nodes that no longer exist and are flushed ahead of it.
func (o *Observer) handleDocReset() {
	o.logger.Info("observer: document replaced (doc_reset)")
	o.debouncer.flush()
	if o.cfg.Reset != nil {
		o.cfg.Reset()
	}
	o.cfg.Emit([]mutation.Record{{Op: mutation.OpDocReset}})
}
