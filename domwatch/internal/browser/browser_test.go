package browser

import (
	"context"
	"errors"
	"testing"

	"github.com/go-rod/rod/lib/proto"
)

func TestBlocker(t *testing.T) {
	b := newBlocker([]string{"images", " Fonts ", "XHR"})
	cases := map[proto.NetworkResourceType]bool{
		proto.NetworkResourceTypeImage:      true,
		proto.NetworkResourceTypeFont:       true,
		proto.NetworkResourceTypeXHR:        true,
		proto.NetworkResourceTypeStylesheet: false,
		proto.NetworkResourceTypeDocument:   false,
	}
	for typ, want := range cases {
		if got := b.blocks(typ); got != want {
			t.Errorf("blocks(%s) = %v, want %v", typ, got, want)
		}
	}
	if len(newBlocker(nil)) != 0 {
		t.Error("empty config must block nothing")
	}
}

func TestParseMode(t *testing.T) {
	if ParseMode("headful") != ModeHeadful {
		t.Error("headful")
	}
	for _, s := range []string{"", "headless", "bogus"} {
		if ParseMode(s) != ModeHeadless {
			t.Errorf("ParseMode(%q) should fall back to headless", s)
		}
	}
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(Config{})
	if m.cfg.Mode != ModeHeadless || m.cfg.Display != ":99" || m.cfg.Logger == nil {
		t.Fatalf("defaults not applied: %+v", m.cfg)
	}
	if m.Browser() != nil {
		t.Fatal("no browser before Start")
	}
}

func TestOpen_RequiresStart(t *testing.T) {
	m := NewManager(Config{})
	if _, err := m.Open(context.Background(), "https://old.reddit.com/", "p1"); err == nil {
		t.Fatal("expected error without a browser")
	}
}

func TestStart_AfterClose(t *testing.T) {
	m := NewManager(Config{})
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after Close = %v, want ErrClosed", err)
	}
}

func TestUnwind_LastInFirstOut(t *testing.T) {
	m := NewManager(Config{})
	var order []int
	m.push(func() error { order = append(order, 1); return nil })
	m.push(func() error { order = append(order, 2); return errors.New("boom") })
	err := m.Close()
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("teardown order %v", order)
	}
	if err == nil || err.Error() != "boom" {
		t.Fatalf("Close error = %v", err)
	}
}

func TestStartDisplay_RejectsBadName(t *testing.T) {
	if _, err := startDisplay(context.Background(), "99", nil); err == nil {
		t.Fatal("display without colon accepted")
	}
}
