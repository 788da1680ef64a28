// Command readtheroom is the moderation daemon. It opens the configured
// Reddit pages in a browser, injects an "Add to Room" control next to
// every post, keeps the flag state in sync across tabs and serves the
// moderator panel.
//
// Usage:
//
//	readtheroom -config readtheroom.yaml
//	readtheroom -config readtheroom.yaml -mcp   # also serve panel tools on stdio
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/readtheroom/auditlog"
	"github.com/hazyhaar/readtheroom/config"
	"github.com/hazyhaar/readtheroom/connectivity"
	"github.com/hazyhaar/readtheroom/dbopen"
	"github.com/hazyhaar/readtheroom/domwatch"
	"github.com/hazyhaar/readtheroom/flagstore"
	"github.com/hazyhaar/readtheroom/identity"
	"github.com/hazyhaar/readtheroom/injector"
	"github.com/hazyhaar/readtheroom/moderation"
	"github.com/hazyhaar/readtheroom/panel"
	"github.com/hazyhaar/readtheroom/syncclient"
)

const busTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to readtheroom.yaml (defaults apply when empty)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	mcpStdio := flag.Bool("mcp", false, "serve the panel MCP tools on stdin/stdout")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			logger.Error("readtheroom: config", "error", err)
			os.Exit(1)
		}
	}

	if err := run(ctx, logger, cfg, *mcpStdio); err != nil {
		logger.Error("readtheroom: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, mcpStdio bool) error {
	stores, err := newStoreFactory(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	auditDB, err := dbopen.Open(cfg.Audit.Path, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open audit db: %w", err)
	}
	defer auditDB.Close()
	audit, err := auditlog.New(auditDB, auditlog.WithLogger(logger))
	if err != nil {
		return err
	}

	routesDB := auditDB
	if cfg.Routes.Path != cfg.Audit.Path {
		if routesDB, err = dbopen.Open(cfg.Routes.Path, dbopen.WithMkdirAll()); err != nil {
			return fmt.Errorf("open routes db: %w", err)
		}
		defer routesDB.Close()
	}
	if err := connectivity.Init(routesDB); err != nil {
		return err
	}

	bus := connectivity.New(connectivity.WithLogger(logger))
	defer bus.Close()
	bus.RegisterTransport("http", connectivity.HTTPFactory())

	// Panel context.
	panelStore, err := stores.New("panel")
	if err != nil {
		return err
	}
	panelClient := syncclient.New("panel", panelStore, bus, syncclient.WithLogger(logger))
	ctrl := panel.New(panelClient, panel.WithLogger(logger), panel.WithHistory(audit))
	defer ctrl.Shutdown()

	bus.RegisterLocal(moderation.ServiceLogModeration,
		connectivity.Standard(logger, moderation.ServiceLogModeration, busTimeout)(audit.Handle))
	bus.RegisterLocal(moderation.ServiceReadTheRoom,
		connectivity.Standard(logger, moderation.ServiceReadTheRoom, busTimeout)(audit.HandleReadTheRoom))
	bus.RegisterLocal(moderation.ServiceOpenPanel,
		connectivity.Standard(logger, moderation.ServiceOpenPanel, busTimeout)(ctrl.HandleOpenRequest))

	if err := ctrl.Load(ctx); err != nil {
		logger.Warn("readtheroom: initial panel load failed", "error", err)
	}
	if err := panelClient.Run(ctx); err != nil {
		return fmt.Errorf("panel subscribe: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		bus.Watch(gctx, routesDB, cfg.Routes.Interval)
		return nil
	})

	srv := &http.Server{
		Addr:              cfg.Panel.Listen,
		Handler:           ctrl.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	g.Go(func() error {
		logger.Info("readtheroom: panel listening", "addr", cfg.Panel.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("panel server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if mcpStdio {
		srvMCP := mcp.NewServer(&mcp.Implementation{Name: "readtheroom", Version: "0.1.0"}, nil)
		ctrl.RegisterMCP(srvMCP)
		g.Go(func() error {
			if err := srvMCP.Run(gctx, &mcp.StdioTransport{}); err != nil && gctx.Err() == nil {
				return fmt.Errorf("mcp stdio: %w", err)
			}
			return nil
		})
	}

	if len(cfg.Watch.Pages) > 0 {
		w := domwatch.New(cfg.Watch, logger, func(ctx context.Context, p *domwatch.Page) {
			runPage(ctx, p, stores, bus, cfg.Injector, logger)
		})
		w.RegisterConnectivity(bus)
		if err := w.Start(gctx); err != nil {
			logger.Error("readtheroom: browser unavailable, panel only", "error", err)
		} else {
			defer w.Stop()
		}
	} else {
		logger.Info("readtheroom: no pages configured, panel only")
	}

	return g.Wait()
}

// runPage wires one tab: its own store handle, sync client and injector.
func runPage(ctx context.Context, p *domwatch.Page, stores *storeFactory, bus *connectivity.Router, icfg injector.Config, logger *slog.Logger) {
	log := logger.With("page", p.ID())
	store, err := stores.New(p.ID())
	if err != nil {
		log.Error("readtheroom: open store for page", "error", err)
		return
	}
	client := syncclient.New(p.ID(), store, bus, syncclient.WithLogger(logger))
	if err := client.Run(ctx); err != nil {
		log.Error("readtheroom: subscribe", "error", err)
		return
	}
	inj := injector.New(p, client, bus, icfg,
		injector.WithLogger(logger),
		injector.WithResolver(identity.New(identity.WithAttr(icfg.StableIDAttr), identity.WithLogger(logger))),
	)
	if err := inj.Run(ctx); err != nil {
		log.Error("readtheroom: injector stopped", "error", err)
	}
}

// storeFactory hands every execution context its own Store value over
// the configured backend.
type storeFactory struct {
	cfg    config.StoreConfig
	logger *slog.Logger

	mu     sync.Mutex
	dbs    []*sql.DB
	redis  *redis.Client
	memory *flagstore.Memory
}

func newStoreFactory(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*storeFactory, error) {
	f := &storeFactory{cfg: cfg, logger: logger}
	switch cfg.Driver {
	case config.DriverRedis:
		c, err := flagstore.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		f.redis = c
	case config.DriverMemory:
		f.memory = flagstore.NewMemory(nil)
	}
	return f, nil
}

// New returns the store for the context called name.
func (f *storeFactory) New(name string) (flagstore.Store, error) {
	log := f.logger.With("context", name)
	switch f.cfg.Driver {
	case config.DriverRedis:
		return flagstore.NewRedis(f.redis,
			flagstore.WithRedisPrefix(f.cfg.Redis.Prefix),
			flagstore.WithRedisLogger(log)), nil
	case config.DriverMemory:
		return f.memory, nil
	default:
		s, db, err := flagstore.OpenSQLite(f.cfg.Path,
			flagstore.WithLogger(log),
			flagstore.WithPollInterval(f.cfg.PollInterval))
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.dbs = append(f.dbs, db)
		f.mu.Unlock()
		return s, nil
	}
}

func (f *storeFactory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, db := range f.dbs {
		db.Close()
	}
	if f.redis != nil {
		f.redis.Close()
	}
	if f.memory != nil {
		f.memory.Close()
	}
}
