package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/readtheroom/dbopen"
	"github.com/hazyhaar/readtheroom/moderation"

	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return db
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSend_Local(t *testing.T) {
	r := New(WithLogger(quiet()))
	var got moderation.ModerationEvent
	r.RegisterLocal(moderation.ServiceLogModeration, func(ctx context.Context, payload []byte) ([]byte, error) {
		ev, err := moderation.DecodeLogModeration(payload)
		got = ev
		return nil, err
	})

	msg := moderation.NewLogModeration(moderation.ModerationEvent{PostID: "t3_a", Action: moderation.ActionFlagged})
	if err := r.Send(context.Background(), moderation.ServiceLogModeration, msg); err != nil {
		t.Fatal(err)
	}
	if got.PostID != "t3_a" || got.Action != moderation.ActionFlagged {
		t.Fatalf("handler saw %+v", got)
	}
}

func TestCall_ServiceNotFound(t *testing.T) {
	r := New(WithLogger(quiet()))
	_, err := r.Call(context.Background(), "nope", nil)
	var nf *ErrServiceNotFound
	if !errors.As(err, &nf) || nf.Service != "nope" {
		t.Fatalf("got %v, want ErrServiceNotFound", err)
	}
}

func TestReload_Noop(t *testing.T) {
	db := setupTestDB(t)
	r := New(WithLogger(quiet()))
	var calls atomic.Int32
	r.RegisterLocal("svc", func(context.Context, []byte) ([]byte, error) {
		calls.Add(1)
		return nil, nil
	})
	if err := SetRoute(db, "svc", "noop", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Call(context.Background(), "svc", []byte("{}")); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 {
		t.Fatal("noop route reached the local handler")
	}
}

// fakeFactory counts builds and closes.
type fakeFactory struct {
	built  atomic.Int32
	closed atomic.Int32
}

func (f *fakeFactory) factory() TransportFactory {
	return func(endpoint string, _ json.RawMessage) (Handler, func(), error) {
		f.built.Add(1)
		h := func(context.Context, []byte) ([]byte, error) {
			return []byte("remote:" + endpoint), nil
		}
		return h, func() { f.closed.Add(1) }, nil
	}
}

func TestReload_RemoteOverridesLocal(t *testing.T) {
	db := setupTestDB(t)
	ff := &fakeFactory{}
	r := New(WithLogger(quiet()))
	r.RegisterTransport("http", ff.factory())
	r.RegisterLocal("svc", func(context.Context, []byte) ([]byte, error) {
		return []byte("local"), nil
	})
	ctx := context.Background()

	resp, _ := r.Call(ctx, "svc", nil)
	if string(resp) != "local" {
		t.Fatalf("before route: %q", resp)
	}

	SetRoute(db, "svc", "http", "https://collector.example/a", "")
	if err := r.Reload(ctx, db); err != nil {
		t.Fatal(err)
	}
	resp, _ = r.Call(ctx, "svc", nil)
	if string(resp) != "remote:https://collector.example/a" {
		t.Fatalf("after route: %q", resp)
	}

	// Unchanged route keeps its handler.
	r.Reload(ctx, db)
	if ff.built.Load() != 1 || ff.closed.Load() != 0 {
		t.Fatalf("built=%d closed=%d", ff.built.Load(), ff.closed.Load())
	}

	// Changed endpoint rebuilds and closes the old one.
	SetRoute(db, "svc", "http", "https://collector.example/b", "")
	r.Reload(ctx, db)
	if ff.built.Load() != 2 || ff.closed.Load() != 1 {
		t.Fatalf("built=%d closed=%d", ff.built.Load(), ff.closed.Load())
	}

	// Removed route falls back to local.
	db.Exec(`DELETE FROM routes WHERE service_name = 'svc'`)
	r.Reload(ctx, db)
	if ff.closed.Load() != 2 {
		t.Fatalf("closed=%d after removal", ff.closed.Load())
	}
	resp, _ = r.Call(ctx, "svc", nil)
	if string(resp) != "local" {
		t.Fatalf("after removal: %q", resp)
	}
}

func TestReload_MissingFactorySkipsRoute(t *testing.T) {
	db := setupTestDB(t)
	r := New(WithLogger(quiet()))
	r.RegisterLocal("svc", func(context.Context, []byte) ([]byte, error) {
		return []byte("local"), nil
	})
	SetRoute(db, "svc", "http", "https://collector.example", "")
	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	resp, err := r.Call(context.Background(), "svc", nil)
	if err != nil || string(resp) != "local" {
		t.Fatalf("got %q, %v", resp, err)
	}
}

func TestHTTPFactory(t *testing.T) {
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		b, _ := io.ReadAll(req.Body)
		body.Store(string(b))
		if req.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	h, closeFn, err := HTTPFactory(AllowPrivateEndpoints())(srv.URL, json.RawMessage(`{"timeout_ms":2000}`))
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()

	resp, err := h(context.Background(), []byte(`{"action":"logModeration"}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != `{"ok":true}` {
		t.Fatalf("resp = %q", resp)
	}
	if body.Load() != `{"action":"logModeration"}` {
		t.Fatalf("server saw %v", body.Load())
	}
}

func TestHTTPFactory_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h, _, err := HTTPFactory(AllowPrivateEndpoints())(srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h(context.Background(), []byte("{}")); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestHTTPFactory_RejectsLoopbackByDefault(t *testing.T) {
	if _, _, err := HTTPFactory()("http://127.0.0.1:9/collect", nil); err == nil {
		t.Fatal("loopback endpoint accepted")
	}
}

func TestChainOrderAndRecovery(t *testing.T) {
	var order []string
	mark := func(name string) HandlerMiddleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, p []byte) ([]byte, error) {
				order = append(order, name)
				return next(ctx, p)
			}
		}
	}
	h := Chain(mark("a"), mark("b"), Recovery(quiet()))(func(context.Context, []byte) ([]byte, error) {
		panic("boom")
	})
	_, err := h(context.Background(), nil)
	var p *ErrPanic
	if !errors.As(err, &p) || p.Value != "boom" {
		t.Fatalf("got %v, want ErrPanic", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order = %v", order)
	}
}

func TestTimeout(t *testing.T) {
	h := Standard(quiet(), "slow", 20*time.Millisecond)(func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if _, err := h(context.Background(), nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v", err)
	}
}

func TestWatch_ReloadsOnExternalWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.db")
	watched, err := dbopen.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer watched.Close()
	watched.SetMaxOpenConns(1)
	if err := Init(watched); err != nil {
		t.Fatal(err)
	}
	writer, err := dbopen.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer writer.Close()

	r := New(WithLogger(quiet()))
	var calls atomic.Int32
	r.RegisterLocal("svc", func(context.Context, []byte) ([]byte, error) {
		calls.Add(1)
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Watch(ctx, watched, 10*time.Millisecond)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	if err := SetRoute(writer, "svc", "noop", "", ""); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		calls.Store(0)
		r.Call(context.Background(), "svc", nil)
		if calls.Load() == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("route change never picked up")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
