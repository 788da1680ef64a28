package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/stealth"
)

// NavigateTimeout bounds the first navigation of a tab.
const NavigateTimeout = 30 * time.Second

// Tab is one stealth page with resource blocking applied.
type Tab struct {
	Page   *rod.Page
	URL    string
	PageID string
}

// Open creates a tab on the started browser and navigates it to pageURL.
// A load that never settles is only logged: Reddit keeps long-poll
// requests open.
func (m *Manager) Open(ctx context.Context, pageURL, pageID string) (*Tab, error) {
	b := m.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: open %s: not started", pageID)
	}
	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: open %s: %w", pageID, err)
	}
	m.block.install(page)

	nav, cancel := context.WithTimeout(ctx, NavigateTimeout)
	defer cancel()
	if err := page.Context(nav).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(nav).WaitLoad(); err != nil {
		m.cfg.Logger.Warn("browser: page load did not settle", "page_id", pageID, "url", pageURL, "error", err)
	}
	return &Tab{Page: page, URL: pageURL, PageID: pageID}, nil
}

func (t *Tab) Close() error {
	if t.Page == nil {
		return nil
	}
	return t.Page.Close()
}
