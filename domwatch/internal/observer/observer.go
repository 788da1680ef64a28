// Package observer bridges an in-page MutationObserver to Go. The script
// in observer.js posts mutation records and click handle chains through
// two CDP bindings; records are debounced and compressed before they are
// handed to Emit.
package observer

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/readtheroom/domwatch/mutation"
)

//go:embed observer.js
var observerJS string

const (
	// MutationsBinding receives JSON arrays of mutation records.
	MutationsBinding = "__rtr_mutations"
	// ClickBinding receives JSON arrays of click handles, innermost first.
	ClickBinding = "__rtr_click"
	// HandleAttr carries the click handle of an element.
	HandleAttr = "data-rtr-handle"

	opNavigate mutation.Op = "__navigate"
)

// Config for creating an Observer.
type Config struct {
	Page           *rod.Page
	DebounceWindow time.Duration
	DebounceMax    int

	// Emit receives every flushed group of records. It is called from the
	// observer loop only.
	Emit func([]mutation.Record)
	// Navigate is called with the new URL on in-page navigation, before the
	// matching doc_reset is emitted.
	Navigate func(url string)
	// Reset is called when a new document has loaded, before the matching
	// doc_reset is emitted.
	Reset func()
	// Click receives the handle chain of a click on an element carrying
	// HandleAttr. It runs on its own goroutine.
	Click func(handles []string)

	Logger *slog.Logger
}

// Observer watches one page.
type Observer struct {
	cfg       Config
	logger    *slog.Logger
	rawCh     chan mutation.Record
	debouncer *debouncer

	cancel       context.CancelFunc
	removeScript func() error
	done         chan struct{}
}

// New creates an Observer. Nothing runs until Start.
func New(cfg Config) *Observer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Emit == nil {
		cfg.Emit = func([]mutation.Record) {}
	}
	o := &Observer{
		cfg:    cfg,
		logger: cfg.Logger,
		rawCh:  make(chan mutation.Record, 4096),
		done:   make(chan struct{}),
	}
	o.debouncer = newDebouncer(debounceConfig{
		Window:    cfg.DebounceWindow,
		MaxBuffer: cfg.DebounceMax,
	}, cfg.Emit)
	return o
}

// Start registers the bindings, installs the script on the current
// document and on every future one, then runs the loop until ctx is done
// or Stop is called.
func (o *Observer) Start(ctx context.Context) error {
	page := o.cfg.Page
	for _, name := range []string{MutationsBinding, ClickBinding} {
		if err := (proto.RuntimeAddBinding{Name: name}).Call(page); err != nil {
			return fmt.Errorf("observer: add binding %s: %w", name, err)
		}
	}

	ctx, o.cancel = context.WithCancel(ctx)
	wait := page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		o.onBinding(ctx, e)
	})
	go wait()

	remove, err := page.EvalOnNewDocument("(" + observerJS + ")(true)")
	if err != nil {
		o.cancel()
		return fmt.Errorf("observer: install on new document: %w", err)
	}
	o.removeScript = remove

	if _, err := page.Eval(observerJS, false); err != nil {
		o.cancel()
		return fmt.Errorf("observer: inject: %w", err)
	}

	go o.loop(ctx)
	o.logger.Debug("observer: started")
	return nil
}

// Stop ends the loop. Pending records are flushed first.
func (o *Observer) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
	if o.removeScript != nil {
		if err := o.removeScript(); err != nil {
			o.logger.Debug("observer: remove script", "error", err)
		}
	}
}

func (o *Observer) onBinding(ctx context.Context, e *proto.RuntimeBindingCalled) {
	switch e.Name {
	case ClickBinding:
		var handles []string
		if err := json.Unmarshal([]byte(e.Payload), &handles); err != nil {
			o.logger.Warn("observer: parse click payload", "error", err)
			return
		}
		if o.cfg.Click != nil && len(handles) > 0 {
			go o.cfg.Click(handles)
		}

	case MutationsBinding:
		recs, err := mutation.DecodeRecords(e.Payload)
		if err != nil {
			o.logger.Warn("observer: parse mutation payload", "error", err)
			return
		}
		for _, r := range recs {
			select {
			case o.rawCh <- r:
			case <-ctx.Done():
				return
			}
		}
	}
}

// loop owns the debouncer.
func (o *Observer) loop(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case <-ctx.Done():
			o.debouncer.flush()
			return

		case rec := <-o.rawCh:
			switch rec.Op {
			case opNavigate:
				o.handleNavigate(rec.Value)
			case mutation.OpDocReset:
				o.handleDocReset()
			default:
				o.debouncer.add(rec)
			}

		case <-o.debouncer.timerC():
			o.debouncer.flush()
		}
	}
}
