package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/itstheanurag/playground/internal/api"
	config "github.com/itstheanurag/playground/internal/config"
	"github.com/itstheanurag/playground/internal/executor"
	"github.com/itstheanurag/playground/internal/janitor"
	"github.com/itstheanurag/playground/internal/limiter"
	"github.com/itstheanurag/playground/internal/sandbox"
	"github.com/itstheanurag/playground/internal/templates"
	"github.com/itstheanurag/playground/internal/toolchain"
	"github.com/itstheanurag/playground/internal/workspace"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

type Server struct {
	conf        *config.Config
	logger      *zerolog.Logger
	httpServer  *http.Server
	registry    *toolchain.Registry
	workspaces  *workspace.Manager
	sandbox     sandbox.Sandbox
	executor    *executor.Executor
	catalog     *templates.Catalog
	rateLimiter *limiter.RateLimiter
	janitor     *janitor.Janitor
	cancelFunc  context.CancelFunc
}

// Option overrides a component, mainly for tests.
type Option func(*options)

type options struct {
	clock limiter.Clock
}

func WithClock(c limiter.Clock) Option {
	return func(o *options) { o.clock = c }
}

func New(
	conf *config.Config,
	logger *zerolog.Logger,
	opts ...Option,
) (*Server, error) {
	o := options{clock: limiter.RealClock()}
	for _, opt := range opts {
		opt(&o)
	}

	fs := afero.NewOsFs()

	registry, err := toolchain.FromConfig(conf.Toolchain)
	if err != nil {
		return nil, fmt.Errorf("failed to configure toolchain: %w", err)
	}

	var sb sandbox.Sandbox
	switch conf.Sandbox.Backend {
	case "docker":
		// The binary lives in the image, so it is not resolved on the host.
		sb, err = sandbox.NewDockerSandbox(sandbox.DockerOptions{
			Image:    conf.Sandbox.Image,
			MemoryMB: conf.Sandbox.MemoryMB,
			Network:  conf.Sandbox.Network,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create sandbox: %w", err)
		}
	default:
		path, err := registry.Resolve()
		if err != nil {
			return nil, err
		}
		logger.Info().Str("binary", path).Msg("toolchain resolved")
		sb = sandbox.NewProcessSandbox(logger)
	}

	ws := workspace.NewManager(fs, workspace.Options{
		Root:           conf.Workspace.Root,
		Manifest:       conf.Workspace.Manifest,
		SourceDir:      conf.Workspace.SourceDir,
		BuildDir:       conf.Workspace.BuildDir,
		MaxFiles:       conf.Workspace.MaxFiles,
		MaxBytes:       conf.Workspace.MaxBytes,
		ManifestFormat: conf.Toolchain.ManifestFormat,
	}, logger)
	if err := fs.MkdirAll(ws.Root(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create session root: %w", err)
	}

	exec := executor.NewExecutor(registry, ws, sb, executor.Options{
		MaxOutputBytes: conf.Toolchain.MaxOutputBytes,
	}, logger)

	catalog, err := templates.NewCatalog(fs, conf.Templates.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	rl := limiter.NewRateLimiter(limiter.NewMemoryStore(), o.clock, limiter.Options{
		Window:     conf.Limiter.Window,
		Max:        conf.Limiter.Max,
		GlobalRPS:  conf.Limiter.GlobalRPS,
		TrustProxy: conf.Server.TrustProxy,
	}, logger)

	jan := janitor.New(fs, janitor.Options{
		Root:      ws.Root(),
		Interval:  conf.Janitor.Interval,
		Retention: conf.Janitor.Retention,
	}, logger)

	handler := api.NewHandler(exec, catalog, conf.Server.MaxBodyBytes, logger)

	mux := http.NewServeMux()

	// health check
	mux.HandleFunc("GET /health", handler.Health)

	// Prometheus metrics endpoint
	mux.Handle("GET /metrics", promhttp.Handler())

	// toolchain endpoints with rate limiting
	mux.HandleFunc("POST /build", rl.Middleware(handler.Build))
	mux.HandleFunc("POST /test", rl.Middleware(handler.Test))
	mux.HandleFunc("POST /templates", rl.Middleware(handler.CreateTemplate))

	mux.HandleFunc("GET /templates", handler.ListTemplates)
	mux.HandleFunc("GET /templates/{name}", handler.GetTemplate)

	httpServer := &http.Server{
		Addr:         ":" + conf.Server.Port,
		Handler:      cors(conf.Server.CORSOrigin, logRequests(logger, mux)),
		ReadTimeout:  time.Duration(conf.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(conf.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(conf.Server.IdleTimeout) * time.Second,
	}

	s := &Server{
		conf:        conf,
		logger:      logger,
		httpServer:  httpServer,
		registry:    registry,
		workspaces:  ws,
		sandbox:     sb,
		executor:    exec,
		catalog:     catalog,
		rateLimiter: rl,
		janitor:     jan,
	}

	return s, nil
}

// Handler exposes the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Janitor() *janitor.Janitor {
	return s.janitor
}

func (s *Server) Start() error {
	s.logger.Info().
		Str("port", s.conf.Server.Port).
		Str("session_root", s.workspaces.Root()).
		Str("sandbox", s.conf.Sandbox.Backend).
		Msg("starting HTTP server")

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel

	// Make sure the toolchain image is present before accepting requests
	if err := s.sandbox.Prepare(ctx); err != nil {
		return fmt.Errorf("failed to prepare sandbox: %w", err)
	}

	s.rateLimiter.StartCleanup(ctx, s.conf.Limiter.Window)
	go s.janitor.Start(ctx)
	go func() {
		if err := s.catalog.Watch(ctx); err != nil {
			s.logger.Error().Err(err).Msg("template watcher stopped")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	if s.cancelFunc != nil {
		s.cancelFunc()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
