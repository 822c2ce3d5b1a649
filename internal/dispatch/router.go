package dispatch

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"

	"github.com/starford/nextserve/internal/fsindex"
	"github.com/starford/nextserve/internal/i18n"
)

// RouterOptions configure the outer chi router.
type RouterOptions struct {
	// Events, if non-nil, is mounted at GET /_next/events in dev.
	Events   http.Handler
	Compress bool
	// RouteCount reports the number of indexed routes for /health/ready.
	RouteCount func() int
}

// NewRouter mounts health checks, the dev event stream and the locale
// redirect in front of s.
func NewRouter(s *Server, ro RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{Status: "ok"}
		if ro.RouteCount != nil {
			resp.Routes = ro.RouteCount()
		}
		writeJSON(w, http.StatusOK, resp)
	})
	if s.opts.Dev && ro.Events != nil {
		r.Get("/_next/events", ro.Events.ServeHTTP)
	}

	var h http.Handler = s
	if s.opts.I18n.DetectionEnabled() {
		h = LocaleRedirect(s.opts.I18n, s.opts.BasePath, s.opts.TrailingSlash, s.logger)(h)
	}
	if ro.Compress {
		h = gzhttp.GzipHandler(h)
	}
	r.Handle("/*", h)
	return r
}

// LocaleRedirect sends root requests to the preferred locale with a 307.
func LocaleRedirect(cfg *i18n.Config, basePath string, trailingSlash bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			p := r.URL.Path
			if basePath != "" {
				if !fsindex.HasPathPrefix(p, basePath) {
					next.ServeHTTP(w, r)
					return
				}
				p = strings.TrimPrefix(p, basePath)
			}
			dest := cfg.Redirect(r, i18n.RedirectInput{
				Pathname:      p,
				BasePath:      basePath,
				TrailingSlash: trailingSlash,
				RawQuery:      r.URL.RawQuery,
			})
			if dest == "" {
				next.ServeHTTP(w, r)
				return
			}
			logger.Debug("dispatch: locale redirect", slog.String("location", dest))
			w.Header().Set("Location", dest)
			w.WriteHeader(http.StatusTemporaryRedirect)
		})
	}
}
