package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Store.Driver != DriverSQLite || cfg.Store.Path == "" {
		t.Fatalf("store: %+v", cfg.Store)
	}
	if cfg.Store.PollInterval != 200*time.Millisecond {
		t.Fatalf("poll: %v", cfg.Store.PollInterval)
	}
	if cfg.Routes.Path != cfg.Audit.Path {
		t.Fatalf("routes should share the audit db: %q vs %q", cfg.Routes.Path, cfg.Audit.Path)
	}
	if cfg.Watch.Debounce.Window != 250*time.Millisecond {
		t.Fatalf("domwatch defaults not applied: %+v", cfg.Watch.Debounce)
	}
	if len(cfg.Watch.Pages) != 0 {
		t.Fatal("no pages by default")
	}
}

const sample = `
store:
  driver: redis
  redis:
    addr: localhost:6379
    prefix: "rtr:"
browser:
  stealth: headful
  resource_blocking: [images, fonts]
pages:
  - id: golang
    url: https://old.reddit.com/r/golang/
  - url: https://old.reddit.com/r/rust/
injector:
  post_selector: ".flat-list.buttons"
panel:
  listen: ":9000"
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Driver != DriverRedis || cfg.Store.Redis.Prefix != "rtr:" {
		t.Fatalf("store: %+v", cfg.Store)
	}
	if cfg.Watch.Browser.Stealth != "headful" || len(cfg.Watch.Browser.ResourceBlocking) != 2 {
		t.Fatalf("browser: %+v", cfg.Watch.Browser)
	}
	if len(cfg.Watch.Pages) != 2 || cfg.Watch.Pages[0].ID != "golang" || cfg.Watch.Pages[1].ID != "page-2" {
		t.Fatalf("pages: %+v", cfg.Watch.Pages)
	}
	if cfg.Panel.Listen != ":9000" {
		t.Fatalf("panel: %+v", cfg.Panel)
	}
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]string{
		"unknown driver":  "store: {driver: etcd}",
		"redis no addr":   "store: {driver: redis}",
		"bad page scheme": "pages: [{id: x, url: 'ftp://old.reddit.com/'}]",
		"not yaml":        "store: [",
	}
	for name, src := range cases {
		if _, err := Parse([]byte(src)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readtheroom.yaml")
	if err := os.WriteFile(path, []byte("store: {driver: memory}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Fatalf("driver: %s", cfg.Store.Driver)
	}

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config: read") {
		t.Fatalf("missing file: %v", err)
	}
}
