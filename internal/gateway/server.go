// Package gateway assembles the runtime and serves the HTTP surface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linggen/linggen-agent/internal/bus"
	"github.com/linggen/linggen-agent/internal/config"
	"github.com/linggen/linggen-agent/internal/httpapi"
	"github.com/linggen/linggen-agent/internal/manager"
	"github.com/linggen/linggen-agent/internal/router"
	"github.com/linggen/linggen-agent/internal/skills"
	"github.com/linggen/linggen-agent/internal/store"
	"github.com/linggen/linggen-agent/internal/tools"
	"github.com/linggen/linggen-agent/internal/tracing"
)

// ErrBind marks a port bind failure (exit code 2).
var ErrBind = errors.New("port bind failed")

// Server is the assembled runtime.
type Server struct {
	cfg *config.Config
	mgr *manager.Manager

	httpServer *http.Server
	shutdownFn func(context.Context) error
	fileStore  *store.FileStore
}

// Options tweak assembly.
type Options struct {
	// Dev disables the embedded static-asset handler (ling --web --dev).
	Dev bool
	// SkillsDir overrides the default skill directory.
	SkillsDir string
}

// New assembles every component from config.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	creds, err := config.LoadCredentials()
	if err != nil {
		return nil, err
	}
	specs, err := config.LoadAgentSpecs(cfg.Snapshot().Agents)
	if err != nil {
		return nil, err
	}

	loader := skills.NewLoader()
	skillsDir := opts.SkillsDir
	if skillsDir == "" {
		skillsDir = "skills"
	}
	if err := loader.LoadDir(skillsDir); err != nil {
		slog.Warn("gateway: skill load failed", "dir", skillsDir, "error", err)
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, loader, cfg.Snapshot().Search.BraveAPIKey); err != nil {
		return nil, err
	}

	regPath, err := store.DefaultProjectRegistryPath()
	if err != nil {
		return nil, err
	}
	projects, err := store.OpenProjectRegistry(regPath)
	if err != nil {
		return nil, err
	}

	// Listing index lives next to the global registry; it is derived state and
	// the runtime degrades to directory scans without it.
	var index *store.Index
	if idx, err := store.OpenIndex(filepath.Join(filepath.Dir(regPath), "index.db")); err == nil {
		index = idx
	} else {
		slog.Warn("gateway: sqlite index unavailable, falling back to directory scans", "error", err)
	}
	fileStore := store.NewFileStore(index)

	rt := router.New(cfg, creds)
	eventBus := bus.New(0, 0)
	mgr := manager.New(cfg, specs, registry, rt, fileStore, eventBus, loader)

	if err := config.WatchAgentSpecs(ctx, cfg.Snapshot().Agents, mgr.ReloadSpecs); err != nil {
		slog.Warn("gateway: agent spec watcher unavailable", "error", err)
	}

	shutdownTracing, err := tracing.Setup(ctx, cfg.Snapshot().Tracing)
	if err != nil {
		return nil, err
	}

	api := httpapi.New(mgr, cfg, projects)
	mux := http.NewServeMux()
	api.Register(mux)
	if !opts.Dev {
		mux.Handle("/", http.NotFoundHandler()) // static-asset embed point
	}

	addr := fmt.Sprintf(":%d", cfg.Snapshot().Server.Port)
	return &Server{
		cfg: cfg,
		mgr: mgr,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownFn: shutdownTracing,
		fileStore:  fileStore,
	}, nil
}

// Manager exposes the manager (TUI attachment point).
func (s *Server) Manager() *manager.Manager { return s.mgr }

// Run serves until ctx is cancelled, then drains runs and shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}
	slog.Info("server listening", "addr", s.httpServer.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.mgr.Shutdown(drainCtx)
		if err := s.httpServer.Shutdown(drainCtx); err != nil {
			slog.Warn("gateway: http shutdown", "error", err)
		}
		if err := s.shutdownFn(drainCtx); err != nil {
			slog.Warn("gateway: tracing shutdown", "error", err)
		}
		return s.fileStore.Close()
	})
	return g.Wait()
}
