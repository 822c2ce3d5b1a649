// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/starford/nextserve/internal/customroute"
	"github.com/starford/nextserve/internal/dispatch"
	"github.com/starford/nextserve/internal/ensure"
	"github.com/starford/nextserve/internal/fsindex"
	"github.com/starford/nextserve/internal/imageopt"
	"github.com/starford/nextserve/internal/mcpserver"
	"github.com/starford/nextserve/internal/mwrunner"
	"github.com/starford/nextserve/internal/resolve"
	"github.com/starford/nextserve/internal/sse"
)

var errConfigRequired = errors.New("config is required")

const (
	shutdownTimeout = 10 * time.Second
	eventWindow     = 100 * time.Millisecond
	compileBackoff  = 500 * time.Millisecond
)

// components is everything built from the config, shared by the HTTP server
// and the MCP server.
type components struct {
	index   *fsindex.Index
	ensurer *ensure.Ensurer
	routes  *customroute.Set
	engine  *resolve.Engine
	images  *imageopt.Handler
	server  *dispatch.Server
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

func build(cfg *Config, logger *slog.Logger) (*components, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	c := &components{}
	proj := &cfg.Project

	var ensureFn fsindex.EnsureFunc
	if cfg.App.Dev && cfg.Render.Endpoint != "" {
		c.ensurer = ensure.New(ensure.NewHTTPCompiler(cfg.Render.Endpoint, cfg.Render.Timeout), ensure.Options{
			MaxConcurrency: cfg.Experimental.StaticGenerationMaxConcurrency,
			Retries:        cfg.Experimental.StaticGenerationRetryCount,
			Backoff:        compileBackoff,
			Logger:         logger,
		})
		ensureFn = c.ensurer.Ensure
	}

	idx, err := fsindex.New(fsindex.Options{
		Dir:            proj.Dir,
		DistDir:        proj.DistDir,
		BasePath:       proj.BasePath,
		Dev:            cfg.App.Dev,
		MinimalMode:    cfg.App.MinimalMode,
		I18n:           cfg.I18n,
		PageExtensions: proj.PageExtensions,
		CacheBytes:     proj.CacheBytes,
		Ensure:         ensureFn,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init filesystem index: %w", err)
	}
	c.index = idx

	if c.routes, err = compileRoutes(cfg); err != nil {
		return nil, err
	}

	engineOpts := resolve.Options{
		BasePath:                  proj.BasePath,
		TrailingSlash:             proj.TrailingSlash,
		UseFileSystemPublicRoutes: proj.UseFileSystemPublicRoutes,
		MinimalMode:               cfg.App.MinimalMode,
		I18n:                      cfg.I18n,
		Routes:                    c.routes,
		Index:                     idx,
		BodyLimit:                 proj.BodyLimit,
		Logger:                    logger,
	}
	if cfg.Middleware.Enabled() {
		matchers, err := mwrunner.CompileMatchers(cfg.Middleware.Matchers, proj.BasePath, cfg.I18n)
		if err != nil {
			return nil, fmt.Errorf("compile middleware matchers: %w", err)
		}
		engineOpts.Middleware = mwrunner.NewHTTPRunner(cfg.Middleware.Endpoint, cfg.Middleware.Timeout, logger)
		engineOpts.Matchers = matchers
	}
	c.engine = resolve.New(engineOpts)

	store, err := newImageStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	imgCfg := cfg.Images
	imgCfg.BasePath = proj.BasePath

	serverOpts := dispatch.Options{
		Engine:        c.engine,
		Pages:         idx,
		Dev:           cfg.App.Dev,
		BasePath:      proj.BasePath,
		TrailingSlash: proj.TrailingSlash,
		I18n:          cfg.I18n,
		GenerateETags: proj.GenerateETags,
		ProxyTimeout:  cfg.Proxy.Timeout,
		BodyLimit:     proj.BodyLimit,
		Logger:        logger,
	}
	if cfg.Render.Endpoint != "" {
		loader, err := dispatch.NewUpstreamLoader(cfg.Render.Endpoint, cfg.Render.Timeout, logger)
		if err != nil {
			return nil, fmt.Errorf("init render loader: %w", err)
		}
		serverOpts.Loader = loader
	}

	// The image handler fetches relative sources through the server, and
	// the server hands nextImage outputs to the image handler.
	var srv *dispatch.Server
	images := imageopt.NewHandler(imgCfg, store,
		imageopt.WithDev(cfg.App.Dev),
		imageopt.WithLogger(logger),
		imageopt.WithInternalFetcher(fetcherFunc(func(ctx context.Context, req *http.Request, href string) (*imageopt.FetchResult, error) {
			return srv.FetchImage(ctx, req, href)
		})),
	)
	serverOpts.Images = images
	if srv, err = dispatch.New(serverOpts); err != nil {
		return nil, fmt.Errorf("init server: %w", err)
	}
	c.images = images
	c.server = srv
	return c, nil
}

type fetcherFunc func(ctx context.Context, req *http.Request, href string) (*imageopt.FetchResult, error)

func (f fetcherFunc) FetchImage(ctx context.Context, req *http.Request, href string) (*imageopt.FetchResult, error) {
	return f(ctx, req, href)
}

// compileRoutes prepares the declared routes and appends the build-emitted
// manifest, which is already prefixed.
func compileRoutes(cfg *Config) (*customroute.Set, error) {
	m := cfg.Routes.Manifest.Prepare(customroute.PrepareOptions{
		BasePath:      cfg.Project.BasePath,
		TrailingSlash: cfg.Project.TrailingSlash,
		I18n:          cfg.I18n,
	})
	if cfg.Routes.ManifestFile != "" {
		path := cfg.Routes.ManifestFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.Project.DistPath(), path)
		}
		built, err := customroute.LoadManifest(path)
		if err != nil {
			return nil, err
		}
		m.Merge(built)
	}
	set, err := customroute.Compile(m, cfg.Project.BasePath, cfg.Project.CaseSensitiveRoutes)
	if err != nil {
		return nil, fmt.Errorf("compile custom routes: %w", err)
	}
	return set, nil
}

func newImageStore(cfg *Config, logger *slog.Logger) (imageopt.Store, error) {
	ttl := cfg.Images.MinimumCacheTTL
	if cfg.Images.Cache.Backend == imageopt.BackendS3 {
		store, err := imageopt.NewS3Store(cfg.Images.Cache.S3, ttl, logger)
		if err != nil {
			return nil, fmt.Errorf("init image cache: %w", err)
		}
		return store, nil
	}
	store, err := imageopt.NewDiskStore(filepath.Join(cfg.Project.DistPath(), "cache", "images"), ttl, logger)
	if err != nil {
		return nil, fmt.Errorf("init image cache: %w", err)
	}
	return store, nil
}

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	// Initialize structured JSON logger.
	logger := app.logger
	if logger == nil {
		logger = newLogger(os.Stdout, cfg.App.LogLevel)
		slog.SetDefault(logger)
	}

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("project_dir", cfg.Project.Dir),
		slog.String("dist_dir", cfg.Project.DistPath()),
		slog.Bool("dev", cfg.App.Dev),
		slog.String("image_cache", cfg.Images.Cache.Backend),
		slog.String("log_level", cfg.App.LogLevel.String()))

	c, err := build(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("Routes indexed",
		slog.String("build_id", c.index.BuildID()),
		slog.Int("pages", len(c.index.Routes())),
		slog.Int("custom_routes", len(c.routes.All())))

	routeCount := func() int { return len(c.index.Routes()) }

	var broker *sse.Broker
	ro := dispatch.RouterOptions{Compress: cfg.App.Compress, RouteCount: routeCount}
	if cfg.App.Dev {
		broker = sse.NewBroker(eventWindow, routeCount)
		ro.Events = broker
	}
	handler := dispatch.NewRouter(c.server, ro)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	// Register before serving so a signal never hits the default handler.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	// Cancelled on shutdown so the watcher returns too.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(ctx)

	// Watch the project in dev and push route changes to the event stream.
	if cfg.App.Dev {
		g.Go(func() error {
			err := c.index.Watch(gCtx, func(kind, path string) {
				if c.ensurer != nil && kind != fsindex.ChangeAdded {
					c.ensurer.Forget(path)
				}
				broker.PublishRouteEvent(kind, path)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("File watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")
		cancel()

		if broker != nil {
			broker.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		c.images.Wait()

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the route inspection tools over stdio. Logs go to stderr
// since stdout carries the protocol.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger := app.logger
	if logger == nil {
		logger = newLogger(os.Stderr, cfg.App.LogLevel)
		slog.SetDefault(logger)
	}

	c, err := build(cfg, logger)
	if err != nil {
		return err
	}

	srv := mcpserver.New(mcpserver.Deps{
		Engine: c.engine,
		Index:  c.index,
		Routes: c.routes,
		Images: cfg.Images,
		Dev:    cfg.App.Dev,
	}, app.version)

	logger.Info("MCP server starting on stdio",
		slog.String("build_id", c.index.BuildID()),
		slog.String("version", app.version))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ServeStdio() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}
