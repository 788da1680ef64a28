package panel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/readtheroom/auditlog"
	"github.com/hazyhaar/readtheroom/connectivity"
	"github.com/hazyhaar/readtheroom/dbopen"
	"github.com/hazyhaar/readtheroom/flagstore"
	"github.com/hazyhaar/readtheroom/moderation"
	"github.com/hazyhaar/readtheroom/syncclient"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPanel(t *testing.T, store *flagstore.Memory) *Controller {
	t.Helper()
	client := syncclient.New("panel", store, nil, syncclient.WithLogger(quietLogger()))
	c := New(client, WithLogger(quietLogger()))
	if err := c.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := client.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Shutdown)
	return c
}

func TestOpenClose(t *testing.T) {
	c := newPanel(t, flagstore.NewMemory(nil))
	if c.State() != StateClosed {
		t.Fatalf("initial state %s", c.State())
	}
	if !c.Open() || c.Open() {
		t.Fatal("Open must transition once")
	}
	if c.State() != StateOpen {
		t.Fatal("not open")
	}
	if !c.Close() || c.Close() {
		t.Fatal("Close must transition once")
	}
}

func TestHandleOpenRequest_ThroughBus(t *testing.T) {
	c := newPanel(t, flagstore.NewMemory(nil))
	bus := connectivity.New(connectivity.WithLogger(quietLogger()))
	bus.RegisterLocal(moderation.ServiceOpenPanel, c.HandleOpenRequest)

	for range 2 {
		if err := bus.Send(context.Background(), moderation.ServiceOpenPanel, moderation.NewOpenPanel()); err != nil {
			t.Fatal(err)
		}
	}
	if c.State() != StateOpen {
		t.Fatal("panel not opened")
	}
	if _, err := c.HandleOpenRequest(context.Background(), []byte(`{"type":"CLOSE"}`)); err == nil {
		t.Fatal("foreign message accepted")
	}
}

func TestOverview_Groups(t *testing.T) {
	c := newPanel(t, flagstore.NewMemory(moderation.FlaggedPosts{"a": true, "b": false, "c": true}))
	ov := c.Overview()
	if !slices.Equal(ov.Flagged, []string{"a", "c"}) || !slices.Equal(ov.Archive, []string{"b"}) {
		t.Fatalf("overview %+v", ov)
	}
	if ov.Queue == nil || len(ov.Queue) != 0 {
		t.Fatalf("queue %v", ov.Queue)
	}
}

func TestOverview_SeesTabToggle(t *testing.T) {
	store := flagstore.NewMemory(nil)
	c := newPanel(t, store)
	tab := syncclient.New("tab:front", store, nil, syncclient.WithLogger(quietLogger()))
	if _, err := tab.Toggle(context.Background(), "abc"); err != nil {
		t.Fatal(err)
	}
	if ov := c.Overview(); !slices.Equal(ov.Flagged, []string{"abc"}) {
		t.Fatalf("panel did not see tab toggle: %+v", ov)
	}
}

func TestToggle_RejectsBadID(t *testing.T) {
	c := newPanel(t, flagstore.NewMemory(nil))
	for _, id := range []string{"", strings.Repeat("x", maxPostIDLen+1)} {
		if _, err := c.Toggle(context.Background(), id); !errors.Is(err, ErrBadPostID) {
			t.Fatalf("id of length %d: err = %v", len(id), err)
		}
	}
}

func TestToggle_OpaquePostID(t *testing.T) {
	ctx := context.Background()
	store := flagstore.NewMemory(nil)
	c := newPanel(t, store)
	tab := syncclient.New("tab:front", store, nil, syncclient.WithLogger(quietLogger()))
	if _, err := tab.Toggle(ctx, "post:42"); err != nil {
		t.Fatal(err)
	}
	if ov := c.Overview(); !slices.Equal(ov.Flagged, []string{"post:42"}) {
		t.Fatalf("panel did not see tab flag: %+v", ov)
	}

	flagged, err := c.Toggle(ctx, "post:42")
	if err != nil || flagged {
		t.Fatalf("unflag from panel: %v, %v", flagged, err)
	}

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, body := do(t, http.MethodPost, srv.URL+"/api/posts/post%3A42/toggle")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle: %d %s", resp.StatusCode, body)
	}
	var tr toggleResponse
	json.Unmarshal(body, &tr)
	if tr.PostID != "post:42" || !tr.Flagged {
		t.Fatalf("toggle: %s", body)
	}
	fp, _ := store.Get(ctx)
	if len(fp) != 1 || !fp["post:42"] {
		t.Fatalf("store: %v", fp)
	}
}

func do(t *testing.T, method, url string) (*http.Response, []byte) {
	t.Helper()
	req, _ := http.NewRequest(method, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestHTTP_API(t *testing.T) {
	store := flagstore.NewMemory(nil)
	c := newPanel(t, store)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz")
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz: %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("shield stack not applied")
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/api/posts/abc/toggle")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle: %d %s", resp.StatusCode, body)
	}
	var tr toggleResponse
	json.Unmarshal(body, &tr)
	if tr.PostID != "abc" || !tr.Flagged {
		t.Fatalf("toggle: %+v", tr)
	}

	_, body = do(t, http.MethodGet, srv.URL+"/api/panel")
	var ov Overview
	json.Unmarshal(body, &ov)
	if !slices.Equal(ov.Flagged, []string{"abc"}) {
		t.Fatalf("overview: %s", body)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/posts/"+strings.Repeat("x", maxPostIDLen+1)+"/toggle")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized id: %d", resp.StatusCode)
	}

	_, body = do(t, http.MethodPost, srv.URL+"/api/panel/open")
	json.Unmarshal(body, &ov)
	if ov.State != StateOpen {
		t.Fatalf("open: %s", body)
	}
	_, body = do(t, http.MethodPost, srv.URL+"/api/panel/close")
	json.Unmarshal(body, &ov)
	if ov.State != StateClosed {
		t.Fatalf("close: %s", body)
	}
}

func TestHTTP_ToggleFailure(t *testing.T) {
	store := flagstore.NewMemory(nil)
	c := newPanel(t, store)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	store.FailWith(errors.New("quota exceeded"))
	resp, body := do(t, http.MethodPost, srv.URL+"/api/posts/abc/toggle")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var tr toggleResponse
	json.Unmarshal(body, &tr)
	if !tr.Unsynced || tr.Error == "" {
		t.Fatalf("failure not surfaced: %s", body)
	}
	// abc was never stored, so only the failed-write set knows about it.
	if ov := c.Overview(); !slices.Equal(ov.Unsynced, []string{"abc"}) {
		t.Fatalf("overview unsynced: %+v", ov)
	}
}

func TestHTTP_PanelViews(t *testing.T) {
	store := flagstore.NewMemory(moderation.FlaggedPosts{
		"abc":                          true,
		"old":                          false,
		"<img src=x onerror=alert(1)>": true,
	})
	c := newPanel(t, store)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, body := do(t, http.MethodGet, srv.URL+"/panel")
	page := string(body)
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("content type %q", resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(page, "<h2>Flagged</h2>") || !strings.Contains(page, ">abc</li>") {
		t.Fatalf("page:\n%s", page)
	}
	if strings.Contains(page, "<img") {
		t.Fatalf("markup from a post id reached the page:\n%s", page)
	}

	_, body = do(t, http.MethodGet, srv.URL+"/panel.md")
	md := string(body)
	if !strings.Contains(md, "## Flagged") || !strings.Contains(md, "abc") || !strings.Contains(md, "## Archive") {
		t.Fatalf("markdown:\n%s", md)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	return ev
}

func TestStream(t *testing.T) {
	store := flagstore.NewMemory(moderation.FlaggedPosts{"old": true})
	c := newPanel(t, store)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/panel/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ev := readEvent(t, conn)
	if ev.Type != EventOverview || ev.Overview == nil || !slices.Equal(ev.Overview.Flagged, []string{"old"}) {
		t.Fatalf("first frame %+v", ev)
	}

	deadline := time.Now().Add(3 * time.Second)
	for c.hub.size() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	tab := syncclient.New("tab:front", store, nil, syncclient.WithLogger(quietLogger()))
	tab.LoadAll(context.Background())
	if _, err := tab.Toggle(context.Background(), "old"); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"flagged":false`) {
		t.Fatalf("unflag frame lost its value: %s", raw)
	}
	ev = Event{}
	json.Unmarshal(raw, &ev)
	if ev.Type != EventFlag || ev.PostID != "old" || ev.Flagged == nil || *ev.Flagged {
		t.Fatalf("flag frame %s", raw)
	}

	c.Open()
	ev = readEvent(t, conn)
	if ev.Type != EventState || ev.State != StateOpen {
		t.Fatalf("state frame %+v", ev)
	}
}

func TestMCPTools(t *testing.T) {
	c := newPanel(t, flagstore.NewMemory(nil))
	impl := &mcp.Implementation{Name: "panel-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)
	c.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()
	session, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer session.Close()

	call := func(name string, args any) string {
		t.Helper()
		res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
		if err != nil {
			t.Fatalf("CallTool(%s): %v", name, err)
		}
		if err := res.GetError(); err != nil {
			t.Fatalf("CallTool(%s) tool error: %v", name, err)
		}
		return res.Content[0].(*mcp.TextContent).Text
	}

	var tr toggleResponse
	json.Unmarshal([]byte(call("readtheroom_toggle", map[string]any{"postId": "abc"})), &tr)
	if !tr.Flagged {
		t.Fatalf("toggle: %+v", tr)
	}

	var ov Overview
	json.Unmarshal([]byte(call("readtheroom_list_flagged", map[string]any{})), &ov)
	if !slices.Equal(ov.Flagged, []string{"abc"}) {
		t.Fatalf("list: %+v", ov)
	}

	json.Unmarshal([]byte(call("readtheroom_open_panel", map[string]any{})), &ov)
	if ov.State != StateOpen || c.State() != StateOpen {
		t.Fatalf("open: %+v", ov)
	}
}

func TestHTTP_History(t *testing.T) {
	audit, err := auditlog.New(dbopen.OpenMemory(t), auditlog.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	bus := connectivity.New(connectivity.WithLogger(quietLogger()))
	bus.RegisterLocal(moderation.ServiceLogModeration, audit.Handle)

	client := syncclient.New("panel", flagstore.NewMemory(nil), bus, syncclient.WithLogger(quietLogger()))
	c := New(client, WithLogger(quietLogger()), WithHistory(audit))
	t.Cleanup(c.Shutdown)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	for range 2 {
		if resp, body := do(t, http.MethodPost, srv.URL+"/api/posts/abc/toggle"); resp.StatusCode != http.StatusOK {
			t.Fatalf("toggle: %d %s", resp.StatusCode, body)
		}
	}

	_, body := do(t, http.MethodGet, srv.URL+"/api/posts/abc/history")
	var entries []auditlog.Entry
	json.Unmarshal(body, &entries)
	if len(entries) != 2 || entries[0].Action != moderation.ActionFlagged || entries[1].Action != moderation.ActionUnflagged {
		t.Fatalf("post history: %s", body)
	}
	if entries[0].Context != "panel" {
		t.Fatalf("context not recorded: %+v", entries[0])
	}

	_, body = do(t, http.MethodGet, srv.URL+"/api/history?limit=1")
	entries = nil
	json.Unmarshal(body, &entries)
	if len(entries) != 1 || entries[0].Action != moderation.ActionUnflagged {
		t.Fatalf("recent: %s", body)
	}

	if resp, _ := do(t, http.MethodGet, srv.URL+"/api/history?limit=x"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/api/posts/"+strings.Repeat("x", maxPostIDLen+1)+"/history"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized id: %d", resp.StatusCode)
	}
	_, body = do(t, http.MethodGet, srv.URL+"/api/posts/never/history")
	if strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("unknown post: %s", body)
	}
}

func TestHistory_NotConfigured(t *testing.T) {
	c := newPanel(t, flagstore.NewMemory(nil))
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	if resp, _ := do(t, http.MethodGet, srv.URL+"/api/history"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if _, err := c.PostHistory(context.Background(), "abc"); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("err = %v", err)
	}
}
