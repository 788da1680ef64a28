package observer

import (
	"time"

	"github.com/hazyhaar/readtheroom/domwatch/mutation"
)

type debounceConfig struct {
	Window    time.Duration // default 250ms
	MaxBuffer int           // default 1000
}

// debouncer buffers records until the page has been quiet for Window or
// MaxBuffer records are pending. Only the observer loop touches it.
type debouncer struct {
	window time.Duration
	max    int
	buf    []mutation.Record
	timer  *time.Timer
	emit   func([]mutation.Record)
}

func newDebouncer(cfg debounceConfig, emit func([]mutation.Record)) *debouncer {
	d := &debouncer{window: cfg.Window, max: cfg.MaxBuffer, emit: emit}
	if d.window <= 0 {
		d.window = 250 * time.Millisecond
	}
	if d.max <= 0 {
		d.max = 1000
	}
	return d
}

func (d *debouncer) add(rec mutation.Record) {
	d.buf = append(d.buf, rec)
	if len(d.buf) >= d.max {
		d.flush()
		return
	}
	if d.timer == nil {
		d.timer = time.NewTimer(d.window)
	} else {
		d.timer.Reset(d.window)
	}
}

// timerC is nil while nothing is pending, so a select on it blocks.
func (d *debouncer) timerC() <-chan time.Time {
	if d.timer == nil {
		return nil
	}
	return d.timer.C
}

// flush hands the buffer to emit; the debouncer never touches it again.
func (d *debouncer) flush() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if len(d.buf) == 0 {
		return
	}
	out := compress(d.buf)
	d.buf = nil
	d.emit(out)
}

// compress folds runs of attr records on the same (xpath, name) and runs of
// text records on the same xpath into their last record, keeping the first
// record's OldValue. Other ops pass through.
func compress(recs []mutation.Record) []mutation.Record {
	if len(recs) <= 1 {
		return recs
	}
	out := make([]mutation.Record, 0, len(recs))
	for _, r := range recs {
		if n := len(out); n > 0 && sameTarget(out[n-1], r) {
			r.OldValue = out[n-1].OldValue
			out[n-1] = r
			continue
		}
		out = append(out, r)
	}
	return out
}

func sameTarget(a, b mutation.Record) bool {
	if a.Op != b.Op || a.XPath != b.XPath {
		return false
	}
	switch a.Op {
	case mutation.OpAttr:
		return a.Name == b.Name
	case mutation.OpText:
		return true
	}
	return false
}
