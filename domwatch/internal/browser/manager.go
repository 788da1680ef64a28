// Package browser owns the Chrome process behind live pages: a local
// launch or a remote DevTools endpoint, an Xvfb display when running
// headful, and stealth tabs.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Mode selects how a local Chrome runs.
type Mode string

const (
	ModeHeadless Mode = "headless"
	ModeHeadful  Mode = "headful" // on an Xvfb display
)

// ParseMode falls back to headless for anything it does not know.
func ParseMode(s string) Mode {
	if Mode(s) == ModeHeadful {
		return ModeHeadful
	}
	return ModeHeadless
}

var ErrClosed = errors.New("browser: manager closed")

type Config struct {
	// RemoteURL is the DevTools websocket of an already running Chrome.
	// Mode and Display are ignored when it is set.
	RemoteURL string
	Mode      Mode
	Display   string // default ":99"
	// Block lists resource classes tabs never load: images, fonts, media,
	// stylesheets, or any DevTools resource type name.
	Block  []string
	Logger *slog.Logger
}

type Manager struct {
	cfg   Config
	block blocker

	mu      sync.Mutex
	browser *rod.Browser
	// teardown runs last-in first-out on Close or a failed Start.
	teardown []func() error
	closed   bool
}

func NewManager(cfg Config) *Manager {
	if cfg.Mode == "" {
		cfg.Mode = ModeHeadless
	}
	if cfg.Display == "" {
		cfg.Display = ":99"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{cfg: cfg, block: newBlocker(cfg.Block)}
}

// Start launches or connects to Chrome. It is idempotent while the browser
// is up.
func (m *Manager) Start(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.browser != nil {
		return m.browser, nil
	}

	u, err := m.controlURL(ctx)
	if err != nil {
		m.unwindLocked()
		return nil, err
	}
	b := rod.New().Context(ctx).ControlURL(u)
	if err := b.Connect(); err != nil {
		m.unwindLocked()
		return nil, fmt.Errorf("browser: connect %s: %w", u, err)
	}
	// Drop the start context so later calls are not cancelled with it.
	m.browser = b.Context(context.Background())
	m.push(m.browser.Close)
	return m.browser, nil
}

// Browser is nil before Start and after Close.
func (m *Manager) Browser() *rod.Browser {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.unwindLocked()
}

func (m *Manager) controlURL(ctx context.Context) (string, error) {
	if m.cfg.RemoteURL != "" {
		m.cfg.Logger.Info("browser: using remote chrome", "url", m.cfg.RemoteURL)
		return m.cfg.RemoteURL, nil
	}

	l := launcher.New().Context(ctx).
		Set("disable-blink-features", "AutomationControlled").
		Headless(m.cfg.Mode == ModeHeadless)
	if m.cfg.Mode == ModeHeadful {
		stop, err := startDisplay(ctx, m.cfg.Display, m.cfg.Logger)
		if err != nil {
			return "", err
		}
		m.push(stop)
		l = l.Env("DISPLAY=" + m.cfg.Display)
	}

	u, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("browser: launch: %w", err)
	}
	m.push(func() error { l.Cleanup(); return nil })
	m.cfg.Logger.Info("browser: chrome launched", "mode", m.cfg.Mode, "url", u)
	return u, nil
}

func (m *Manager) push(fn func() error) { m.teardown = append(m.teardown, fn) }

func (m *Manager) unwindLocked() error {
	var errs []error
	for _, fn := range slices.Backward(m.teardown) {
		errs = append(errs, fn())
	}
	m.teardown = nil
	m.browser = nil
	return errors.Join(errs...)
}
