// Package dispatch turns routing decisions into responses: redirects,
// middleware bodies, proxied requests, static files, rendered pages and
// error pages.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/starford/nextserve/internal/apperr"
	"github.com/starford/nextserve/internal/fsindex"
	"github.com/starford/nextserve/internal/i18n"
	"github.com/starford/nextserve/internal/resolve"
)

// MaxAttempts caps resolution passes per request.
const MaxAttempts = 6

// ErrTooManyAttempts is returned when every attempt asked for a retry.
var ErrTooManyAttempts = errors.New("dispatch: attempted to handle request too many times")

// Resolver is the routing engine.
type Resolver interface {
	Resolve(ctx context.Context, in resolve.Input) (*resolve.Decision, error)
	HasMiddleware() bool
}

// Pages reports which routes have a page, used to detect public files
// shadowing pages in development.
type Pages interface {
	HasPage(route string) bool
}

// Options configure a Server.
type Options struct {
	Engine Resolver
	Pages  Pages
	// Images serves nextImage outputs.
	Images http.Handler
	// Loader renders pages and error pages. Without it only static files
	// are served and error pages are plain text.
	Loader ModuleLoader

	Dev           bool
	BasePath      string
	TrailingSlash bool
	I18n          *i18n.Config
	GenerateETags bool
	ProxyTimeout  time.Duration
	BodyLimit     int64
	Logger        *slog.Logger
}

// Server is the top-level request handler.
type Server struct {
	opts   Options
	logger *slog.Logger
}

// New validates opts and returns a Server.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("dispatch: engine is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = resolve.DefaultBodyLimit
	}
	return &Server{opts: opts, logger: opts.Logger}, nil
}

// request is the per-request state shared by all attempts.
type request struct {
	body    *resolve.Body
	invoked map[string]struct{}
	// applied holds the header keys copied from the previous decision.
	applied []string
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tw := track(w)
	st := &request{
		body:    resolve.NewBody(r.Body, s.opts.BodyLimit),
		invoked: map[string]struct{}{},
	}
	if err := s.handle(tw, r, st); err != nil {
		s.fail(tw, r, err)
	}
}

func (s *Server) handle(w *trackedWriter, r *http.Request, st *request) error {
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		d, err := s.opts.Engine.Resolve(r.Context(), resolve.Input{
			Req:            r,
			IsUpgrade:      isUpgrade(r),
			InvokedOutputs: st.invoked,
			Body:           st.body,
		})
		if err != nil {
			return err
		}
		retry, err := s.serve(w, r, d, st)
		if err != nil || !retry {
			return err
		}
		s.logger.Debug("dispatch: retrying resolution",
			slog.String("path", r.URL.Path), slog.Int("attempt", attempt+1))
	}
	return ErrTooManyAttempts
}

// serve writes the response for d. retry asks for another resolution pass
// with the invoked set updated.
func (s *Server) serve(w *trackedWriter, r *http.Request, d *resolve.Decision, st *request) (bool, error) {
	if r.Context().Err() != nil {
		return false, nil
	}
	h := w.Header()
	for _, k := range st.applied {
		h.Del(k)
	}
	st.applied = st.applied[:0]
	for k, vs := range d.ResHeaders {
		for _, v := range vs {
			h.Add(k, v)
		}
		st.applied = append(st.applied, k)
	}

	switch {
	case d.IsRedirect():
		s.redirect(w, d)
		return false, nil
	case d.Finished && d.HasBody:
		status := d.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write(d.Body)
		return false, nil
	case d.Finished && d.IsExternal():
		s.proxy(w, r, d, st.body)
		return false, nil
	case d.MatchedOutput != nil:
		return s.serveOutput(w, r, d, st)
	case d.Finished:
		// aborted or otherwise already answered
		if d.StatusCode != 0 {
			w.WriteHeader(d.StatusCode)
		}
		return false, nil
	}
	return false, s.notFound(w, r, d)
}

func (s *Server) redirect(w *trackedWriter, d *resolve.Decision) {
	dest := d.ResHeaders.Get("Location")
	if dest == "" && d.URL != nil {
		dest = d.URL.String()
	}
	w.Header().Set("Location", dest)
	if d.StatusCode == http.StatusPermanentRedirect {
		w.Header().Set("Refresh", "0;url="+dest)
	}
	w.WriteHeader(d.StatusCode)
	_, _ = w.Write([]byte(dest))
}

func (s *Server) serveOutput(w *trackedWriter, r *http.Request, d *resolve.Decision, st *request) (bool, error) {
	out := d.MatchedOutput
	switch {
	case out.Kind == fsindex.KindNextImage:
		if s.opts.Images == nil {
			return false, s.notFound(w, r, d)
		}
		s.opts.Images.ServeHTTP(w, r)
		return false, nil

	case out.Kind.IsStatic():
		if s.opts.Dev && out.Kind == fsindex.KindPublicFolder && s.opts.Pages != nil {
			if route := s.routeOf(d); s.opts.Pages.HasPage(route) {
				return false, s.renderError(w, r, d, http.StatusInternalServerError,
					fmt.Errorf("dispatch: a conflicting public file and page file was found for path %s", route))
			}
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			return false, s.renderError(w, r, d, http.StatusMethodNotAllowed, nil)
		}
		if err := s.sendStatic(w, r, out); err != nil {
			var se *apperr.StaticSendError
			if !errors.As(err, &se) {
				return false, err
			}
			status := se.Status
			if !staticErrorStatuses[status] {
				status = http.StatusBadRequest
			}
			s.logger.Debug("dispatch: static send failed",
				slog.String("path", out.ItemPath), slog.Int("status", se.Status))
			return false, s.renderError(w, r, d, status, err)
		}
		return false, nil
	}

	// pages, app routes and dev virtual items render through the loader
	res, err := s.render(w, r, d, st, out.ItemPath, 0, nil)
	if err != nil {
		return false, err
	}
	if res.Retry {
		st.invoked[out.ItemPath] = struct{}{}
		return true, nil
	}
	return false, nil
}

// routeOf is the decision path stripped of base path and locale.
func (s *Server) routeOf(d *resolve.Decision) string {
	p := d.URL.Path
	if bp := s.opts.BasePath; bp != "" && fsindex.HasPathPrefix(p, bp) {
		p = strings.TrimPrefix(p, bp)
		if p == "" {
			p = "/"
		}
	}
	if s.opts.I18n.Enabled() {
		p = i18n.NormalizeLocalePath(p, s.opts.I18n.Locales).Pathname
	}
	return p
}

func (s *Server) render(w *trackedWriter, r *http.Request, d *resolve.Decision, st *request, page string, status int, cause error) (Result, error) {
	if s.opts.Loader == nil {
		return Result{}, fmt.Errorf("dispatch: no render worker configured for %s", page)
	}
	mod, err := s.opts.Loader.Load(r.Context(), page)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: load %s: %w", page, err)
	}

	rr := r.Clone(r.Context())
	if d != nil {
		if d.RequestHeader != nil {
			rr.Header = d.RequestHeader.Clone()
		}
		if d.URL != nil {
			u := *d.URL
			rr.URL = &u
		}
	}
	if st != nil && r.ContentLength != 0 {
		rr.Body = io.NopCloser(st.body.Reader())
	}

	rc := RenderContext{
		Page:   page,
		Query:  rr.URL.Query(),
		Status: status,
		Dev:    s.opts.Dev,
		Err:    cause,
	}
	if d != nil {
		rc.Params = d.Params
		rc.Locale = d.Locale()
		rc.IsDataReq = d.Meta != nil && d.Meta.IsDataReq
		if d.MatchedOutput != nil {
			rc.Kind = d.MatchedOutput.Kind
		}
	}
	if status != 0 {
		rc.Query.Set("__nextInvokeStatus", strconv.Itoa(status))
	}

	res, err := mod.Handle(r.Context(), w, rr, rc)
	if errors.Is(err, apperr.ErrNoFallback) {
		return Result{Retry: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: render %s: %w", page, err)
	}
	if res.Retry && w.started() {
		return Result{}, fmt.Errorf("dispatch: %s asked for a retry after writing", page)
	}
	return res, nil
}

func (s *Server) notFound(w *trackedWriter, r *http.Request, d *resolve.Decision) error {
	w.Header().Set("Cache-Control", cacheNotFound)
	if s.opts.Dev && r.URL.Path == "/favicon.ico" {
		w.WriteHeader(http.StatusNotFound)
		return nil
	}
	if s.opts.Engine.HasMiddleware() && isDataRequest(r, d) {
		w.Header().Set(HeaderMatchedPath, d.URL.Path)
		writeJSON(w, http.StatusOK, struct{}{})
		return nil
	}
	return s.renderError(w, r, d, http.StatusNotFound, nil)
}

func isDataRequest(r *http.Request, d *resolve.Decision) bool {
	return r.Header.Get("X-Nextjs-Data") != "" || (d != nil && d.Meta != nil && d.Meta.IsDataReq)
}

func isUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") != "" &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
