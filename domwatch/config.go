package domwatch

import (
	"fmt"
	"net/url"
	"time"

	"github.com/hazyhaar/readtheroom/horosafe"
)

// Config is the live-browser configuration.
type Config struct {
	Browser  BrowserConfig  `yaml:"browser"`
	Pages    []PageConfig   `yaml:"pages"`
	Debounce DebounceConfig `yaml:"debounce"`
}

// BrowserConfig controls the Chrome lifecycle.
type BrowserConfig struct {
	Remote           string   `yaml:"remote"`
	ResourceBlocking []string `yaml:"resource_blocking"`
	Stealth          string   `yaml:"stealth"` // headless | headful
	XvfbDisplay      string   `yaml:"xvfb_display"`
}

// PageConfig is one tab to open and instrument.
type PageConfig struct {
	ID  string `yaml:"id" json:"page_id"`
	URL string `yaml:"url" json:"url"`
}

// DebounceConfig controls mutation batching.
type DebounceConfig struct {
	Window    time.Duration `yaml:"window"`
	MaxBuffer int           `yaml:"max_buffer"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Debounce.Window <= 0 {
		c.Debounce.Window = 250 * time.Millisecond
	}
	if c.Debounce.MaxBuffer <= 0 {
		c.Debounce.MaxBuffer = 1000
	}
	for i := range c.Pages {
		if c.Pages[i].ID == "" {
			c.Pages[i].ID = fmt.Sprintf("page-%d", i+1)
		}
	}
}

// Validate checks page ids and URLs.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Pages))
	for _, p := range c.Pages {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.ID] {
			return fmt.Errorf("domwatch: duplicate page id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// Validate checks a single page entry.
func (p PageConfig) Validate() error {
	if err := horosafe.ValidateIdentifier(p.ID); err != nil {
		return fmt.Errorf("domwatch: page id: %w", err)
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return fmt.Errorf("domwatch: page %s: %w", p.ID, err)
	}
	if err := horosafe.ValidateScheme(u); err != nil {
		return fmt.Errorf("domwatch: page %s: %w", p.ID, err)
	}
	return nil
}
