// Package domwatch hosts live browser pages for the injector. It drives
// Chrome through go-rod, opens one stealth tab per configured page and
// exposes each as a dom.Document whose mutations come from an in-page
// MutationObserver.
//
// domwatch observes and edits; it does not interpret. Deciding what to
// inject is the injector's job.
package domwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hazyhaar/readtheroom/connectivity"
	"github.com/hazyhaar/readtheroom/domwatch/internal/browser"
)

// ErrNotStarted is returned when a page is requested before Start.
var ErrNotStarted = errors.New("domwatch: watcher not started")

// PageFunc is called once per opened page, on its own goroutine, with the
// watcher's context. It typically runs an injector until ctx ends.
type PageFunc func(ctx context.Context, p *Page)

// Watcher owns the browser and its pages.
type Watcher struct {
	cfg    Config
	mgr    *browser.Manager
	onPage PageFunc
	logger *slog.Logger

	mu    sync.Mutex
	ctx   context.Context
	pages map[string]*Page
}

// New creates a Watcher from configuration. onPage may be nil.
func New(cfg Config, logger *slog.Logger, onPage PageFunc) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.ApplyDefaults()

	mgr := browser.NewManager(browser.Config{
		RemoteURL: cfg.Browser.Remote,
		Mode:      browser.ParseMode(cfg.Browser.Stealth),
		Display:   cfg.Browser.XvfbDisplay,
		Block:     cfg.Browser.ResourceBlocking,
		Logger:    logger,
	})

	return &Watcher{
		cfg:    cfg,
		mgr:    mgr,
		onPage: onPage,
		logger: logger,
		pages:  make(map[string]*Page),
	}
}

// Start launches the browser and opens every configured page. A page
// that fails to open is logged and skipped.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.cfg.Validate(); err != nil {
		return err
	}
	if _, err := w.mgr.Start(ctx); err != nil {
		return fmt.Errorf("domwatch: start browser: %w", err)
	}
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	for _, pc := range w.cfg.Pages {
		if _, err := w.ObservePage(ctx, pc); err != nil {
			w.logger.Error("domwatch: failed to observe page", "url", pc.URL, "error", err)
		}
	}
	return nil
}

// ObservePage opens pc in a new tab and hands it to the PageFunc. An id
// that is already open returns the existing page.
func (w *Watcher) ObservePage(ctx context.Context, pc PageConfig) (*Page, error) {
	if err := pc.Validate(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ctx == nil {
		return nil, ErrNotStarted
	}
	if p, ok := w.pages[pc.ID]; ok {
		return p, nil
	}

	tab, err := w.mgr.Open(ctx, pc.URL, pc.ID)
	if err != nil {
		return nil, fmt.Errorf("domwatch: open tab: %w", err)
	}

	p := newPage(w.ctx, tab, w.cfg.Debounce, w.logger)
	if err := p.start(w.ctx); err != nil {
		tab.Close()
		return nil, fmt.Errorf("domwatch: start observer: %w", err)
	}
	w.pages[pc.ID] = p

	if w.onPage != nil {
		go w.onPage(w.ctx, p)
	}

	w.logger.Info("domwatch: observing page", "url", pc.URL, "id", pc.ID)
	return p, nil
}

// Pages returns the open pages ordered by id.
func (w *Watcher) Pages() []*Page {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Page, 0, len(w.pages))
	for _, p := range w.pages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Stop closes every page and the browser.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, p := range w.pages {
		if err := p.Close(); err != nil {
			w.logger.Warn("domwatch: close page", "id", id, "error", err)
		}
		w.logger.Info("domwatch: stopped page", "id", id)
	}
	w.pages = make(map[string]*Page)
	w.ctx = nil

	w.mgr.Close()
}

// RegisterConnectivity registers domwatch services in the router.
// Services: domwatch_observe, domwatch_pages.
func (w *Watcher) RegisterConnectivity(router *connectivity.Router) {
	router.RegisterLocal("domwatch_observe", w.handleObserve)
	router.RegisterLocal("domwatch_pages", w.handlePages)
}

// handleObserve opens a page at runtime. The page lives on the watcher's
// context, not the request's.
// Payload: {"page_id": "...", "url": "..."}
func (w *Watcher) handleObserve(ctx context.Context, payload []byte) ([]byte, error) {
	var pc PageConfig
	if err := json.Unmarshal(payload, &pc); err != nil {
		return nil, fmt.Errorf("domwatch_observe: unmarshal: %w", err)
	}
	if _, err := w.ObservePage(ctx, pc); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"status": "observing", "page_id": pc.ID})
}

type pageInfo struct {
	ID          string `json:"page_id"`
	URL         string `json:"url"`
	Subscribers int    `json:"subscribers"`
}

func (w *Watcher) handlePages(ctx context.Context, _ []byte) ([]byte, error) {
	pages := w.Pages()
	out := make([]pageInfo, len(pages))
	for i, p := range pages {
		out[i] = pageInfo{ID: p.id, URL: p.URL(), Subscribers: p.feed.Subscribers()}
	}
	return json.Marshal(out)
}
