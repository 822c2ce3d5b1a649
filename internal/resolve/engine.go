// Package resolve decides how a request is served: it walks the ordered
// routing stages (headers, redirects, middleware, rewrites and filesystem
// checks) and returns a Decision for the dispatcher.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/starford/nextserve/internal/apperr"
	"github.com/starford/nextserve/internal/customroute"
	"github.com/starford/nextserve/internal/fsindex"
	"github.com/starford/nextserve/internal/i18n"
	"github.com/starford/nextserve/internal/mwrunner"
	"github.com/starford/nextserve/internal/pathmatch"
)

// ErrIterationLimit is returned when a request applies more routes than
// the engine has compiled, which only a bug can cause.
var ErrIterationLimit = errors.New("resolve: iteration limit exceeded")

// Index is the filesystem view the engine consults.
type Index interface {
	GetItem(ctx context.Context, itemPath string) *fsindex.Output
	DynamicRoutes() []fsindex.DynamicRoute
	BuildID() string
}

// Options configure an Engine.
type Options struct {
	BasePath                  string
	TrailingSlash             bool
	UseFileSystemPublicRoutes bool
	MinimalMode               bool
	I18n                      *i18n.Config

	Routes *customroute.Set
	Index  Index

	// Middleware is nil when the project has none.
	Middleware mwrunner.Runner
	Matchers   *mwrunner.Matchers

	BodyLimit int64
	Logger    *slog.Logger
}

// Stage names, in pipeline order.
const (
	StageNextData        = "middleware_next_data"
	StageHeaders         = "headers"
	StageRedirects       = "redirects"
	StageMiddleware      = "middleware"
	StageBeforeFiles     = "before_files"
	StageBeforeFilesEnd  = "before_files_end"
	StageCheckFS         = "check_fs"
	StageAfterFiles      = "after_files"
	StageAfterFilesCheck = "after_files_check"
	StageFallback        = "fallback"
)

// Stage is one step of the pipeline. Pseudo stages have no routes.
type Stage struct {
	Name   string
	Routes []*customroute.Route
}

// Engine resolves requests. It is safe for concurrent use.
type Engine struct {
	opts     Options
	stages   []Stage
	maxSteps int
	logger   *slog.Logger
}

// Input is one resolution request.
type Input struct {
	Req       *http.Request
	IsUpgrade bool
	// InvokedOutputs holds the outputs already tried for this request. It
	// is owned by the caller and never shared across requests.
	InvokedOutputs map[string]struct{}
	// Body replays the request body; nil wraps Req.Body.
	Body *Body
}

// New returns an Engine for opts.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Routes == nil {
		opts.Routes = &customroute.Set{}
	}
	routes := opts.Routes
	if opts.MinimalMode {
		routes = &customroute.Set{}
	}
	stages := []Stage{
		{Name: StageNextData},
		{Name: StageHeaders, Routes: routes.Headers},
		{Name: StageRedirects, Routes: routes.Redirects},
		{Name: StageMiddleware},
		{Name: StageBeforeFiles, Routes: routes.BeforeFiles},
		{Name: StageBeforeFilesEnd},
		{Name: StageCheckFS},
		{Name: StageAfterFiles, Routes: routes.AfterFiles},
		{Name: StageAfterFilesCheck},
		{Name: StageFallback, Routes: routes.Fallback},
	}
	steps := 0
	for _, s := range stages {
		steps += len(s.Routes) + 1
	}
	return &Engine{opts: opts, stages: stages, maxSteps: steps, logger: opts.Logger}
}

// Stages returns the pipeline in order.
func (e *Engine) Stages() []Stage { return e.stages }

// HasMiddleware reports whether middleware is configured.
func (e *Engine) HasMiddleware() bool { return e.opts.Middleware != nil }

// run is the mutable state of one resolution.
type run struct {
	e   *Engine
	ctx context.Context
	in  Input

	pathname      string
	query         url.Values
	resHeaders    http.Header
	reqHeader     http.Header
	headerChanged bool
	didRewrite    bool
	meta          *Meta
}

// Resolve walks the stage list for in.Req. A nil error with an unfinished
// decision means nothing matched and the caller renders a 404.
func (e *Engine) Resolve(ctx context.Context, in Input) (*Decision, error) {
	req := in.Req
	raw := req.RequestURI
	if raw == "" || raw[0] != '/' {
		raw = req.URL.RequestURI()
	}

	meta := &Meta{InitURL: initURL(req, raw), InitQuery: req.URL.Query(), Body: in.Body}
	if meta.Body == nil {
		meta.Body = NewBody(req.Body, e.opts.BodyLimit)
	}

	if hasRepeatedSlashes(raw) {
		u, err := url.Parse(NormalizeRepeatedSlashes(raw))
		if err != nil {
			u = &url.URL{Path: "/"}
		}
		return &Decision{
			URL:           u,
			ResHeaders:    http.Header{},
			RequestHeader: req.Header.Clone(),
			Finished:      true,
			StatusCode:    http.StatusPermanentRedirect,
			Meta:          meta,
		}, nil
	}

	r := &run{
		e:          e,
		ctx:        ctx,
		in:         in,
		pathname:   req.URL.EscapedPath(),
		query:      req.URL.Query(),
		resHeaders: http.Header{},
		reqHeader:  req.Header.Clone(),
		meta:       meta,
	}
	if r.pathname == "" {
		r.pathname = "/"
	}
	r.applyLocale()

	steps := 0
	for _, st := range e.stages {
		if err := ctx.Err(); err != nil {
			return r.decision(true), nil
		}
		var (
			d   *Decision
			err error
		)
		switch st.Name {
		case StageNextData:
			r.normalizeDataRequest()
		case StageMiddleware:
			if !e.opts.MinimalMode {
				d, err = r.invokeMiddleware()
			}
		case StageBeforeFilesEnd:
		case StageCheckFS:
			d = r.checkFS()
		case StageAfterFilesCheck:
			d, err = r.checkTrue()
		default:
			for _, route := range st.Routes {
				if steps++; steps > e.maxSteps {
					return nil, ErrIterationLimit
				}
				if d, err = r.applyRoute(route); d != nil || err != nil {
					break
				}
			}
		}
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
	}
	return r.decision(false), nil
}

func initURL(req *http.Request, raw string) string {
	scheme := "http"
	if proto := req.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.SplitN(proto, ",", 2)[0]))
	} else if req.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + req.Host + raw
}

func (r *run) decision(finished bool) *Decision {
	u := pathURL(r.pathname)
	u.RawQuery = r.query.Encode()
	return &Decision{
		URL:           u,
		ResHeaders:    r.resHeaders,
		RequestHeader: r.reqHeader,
		Finished:      finished,
		DidRewrite:    r.didRewrite,
		Meta:          r.meta,
	}
}

// pathURL builds a URL from an escaped path.
func pathURL(escaped string) *url.URL {
	u := &url.URL{Path: escaped}
	if p, err := url.PathUnescape(escaped); err == nil && p != escaped {
		u.Path = p
		u.RawPath = escaped
	}
	return u
}

func (r *run) matched(out *fsindex.Output, params pathmatch.Params) *Decision {
	if out.Locale != "" {
		r.query.Set(QueryLocale, out.Locale)
	}
	d := r.decision(true)
	d.MatchedOutput = out
	d.Params = params
	return d
}

// matchRequest is the request has/missing conditions see: the original
// one until middleware overrides its headers.
func (r *run) matchRequest() *http.Request {
	if !r.headerChanged {
		return r.in.Req
	}
	mr := new(http.Request)
	*mr = *r.in.Req
	mr.Header = r.reqHeader
	return mr
}

func (r *run) invoked(key string) bool {
	if r.in.InvokedOutputs == nil {
		return false
	}
	_, ok := r.in.InvokedOutputs[key]
	return ok
}

func (r *run) stripBasePath(p string) (string, bool) {
	bp := r.e.opts.BasePath
	if bp == "" {
		return p, true
	}
	if !fsindex.HasPathPrefix(p, bp) {
		return p, false
	}
	p = strings.TrimPrefix(p, bp)
	if p == "" {
		p = "/"
	}
	return p, true
}

// applyLocale records locale info and makes the default locale explicit
// in the path so that locale-prefixed routes match.
func (r *run) applyLocale() {
	cfg := r.e.opts.I18n
	if !cfg.Enabled() {
		return
	}
	stripped, hadBase := r.stripBasePath(r.pathname)
	lr := i18n.NormalizeLocalePath(stripped, cfg.Locales)
	domain := i18n.DetectDomainLocale(cfg.Domains, i18n.Hostname(r.in.Req), "")
	defaultLocale := cfg.DefaultLocale
	if domain != nil && domain.DefaultLocale != "" {
		defaultLocale = domain.DefaultLocale
	}
	r.meta.DetectedLocale = lr.DetectedLocale
	r.meta.DefaultLocale = defaultLocale
	r.meta.DomainLocale = domain

	r.query.Set(QueryDefaultLocale, defaultLocale)
	locale := lr.DetectedLocale
	if locale == "" {
		locale = defaultLocale
	}
	r.query.Set(QueryLocale, locale)

	if lr.DetectedLocale != "" || strings.HasPrefix(lr.Pathname, "/_next/") {
		return
	}
	p := "/" + defaultLocale
	if lr.Pathname != "/" {
		p += lr.Pathname
	} else if strings.HasSuffix(r.pathname, "/") && r.e.opts.TrailingSlash && r.pathname != "/" {
		p += "/"
	}
	if hadBase {
		p = r.e.opts.BasePath + p
	}
	r.pathname = p
}

// relocalize updates the locale query after the path changed.
func (r *run) relocalize(p string) {
	cfg := r.e.opts.I18n
	if !cfg.Enabled() {
		return
	}
	stripped, _ := r.stripBasePath(p)
	if lr := i18n.NormalizeLocalePath(stripped, cfg.Locales); lr.DetectedLocale != "" {
		r.query.Set(QueryLocale, lr.DetectedLocale)
	}
}

// localeAPI reports whether the client addressed an API route behind a
// locale prefix. Those never resolve.
func (r *run) localeAPI() bool {
	cfg := r.e.opts.I18n
	if !cfg.Enabled() || r.meta.DetectedLocale == "" {
		return false
	}
	stripped, _ := r.stripBasePath(r.pathname)
	lr := i18n.NormalizeLocalePath(stripped, cfg.Locales)
	return fsindex.HasPathPrefix(lr.Pathname, "/api")
}

// normalizeDataRequest maps /_next/data/<buildId>/<page>.json to the page
// path when middleware needs to see it.
func (r *run) normalizeDataRequest() {
	e := r.e
	if e.opts.Middleware == nil || e.opts.MinimalMode {
		return
	}
	stripped, ok := r.stripBasePath(r.pathname)
	if !ok {
		return
	}
	page, ok := fsindex.DataPagePath(stripped, e.opts.Index.BuildID())
	if !ok {
		return
	}
	if cfg := e.opts.I18n; cfg.Enabled() {
		lr := i18n.NormalizeLocalePath(page, cfg.Locales)
		if lr.DetectedLocale != "" {
			r.query.Set(QueryLocale, lr.DetectedLocale)
		} else {
			if page == "/" {
				page = "/" + r.meta.DefaultLocale
			} else {
				page = "/" + r.meta.DefaultLocale + page
			}
		}
	}
	if bp := e.opts.BasePath; bp != "" {
		page = bp + page
	}
	r.pathname = page
	r.query.Set(QueryDataReq, "1")
	r.reqHeader.Set("X-Nextjs-Data", "1")
	r.meta.IsDataReq = true
}

// applyRoute applies one custom route. Header rules never finish a
// request; redirects always do; rewrites finish when external or when
// their filesystem check matches.
func (r *run) applyRoute(route *customroute.Route) (*Decision, error) {
	params, ok := route.Match(r.pathname)
	if !ok {
		return nil, nil
	}
	if len(route.Has) > 0 || len(route.Missing) > 0 {
		hp, ok := customroute.MatchHas(r.matchRequest(), r.query, route.Has, route.Missing)
		if !ok {
			return nil, nil
		}
		for k, v := range hp {
			params[k] = v
		}
	}

	switch route.Kind {
	case customroute.KindHeader:
		customroute.CompileHeaders(route.Headers, params, r.resHeaders)
		return nil, nil
	case customroute.KindRedirect:
		return r.redirect(route, params), nil
	}

	d, err := r.rewrite(route, params)
	if d != nil || err != nil {
		return d, err
	}
	if route.Check {
		return r.checkTrue()
	}
	return nil, nil
}

func (r *run) redirect(route *customroute.Route, params pathmatch.Params) *Decision {
	dest, err := customroute.PrepareDestination(route.Destination, params, r.query, false)
	if err != nil {
		r.e.logger.Warn("resolve: invalid redirect destination",
			slog.String("source", route.Source),
			slog.String("error", err.Error()))
		d := r.decision(true)
		d.URL = &url.URL{Path: NormalizeRepeatedSlashes(pathmatch.Fill(route.Destination, params))}
		d.StatusCode = http.StatusPermanentRedirect
		return d
	}
	q := dest.Query()
	customroute.StripInternalQuery(q)
	dest.RawQuery = q.Encode()

	status := route.StatusCode
	if dest.Scheme == "" && dest.Host != "" {
		// Protocol-relative targets are kept on this origin.
		dest = &url.URL{Path: "//" + dest.Host + dest.Path, RawQuery: dest.RawQuery, Fragment: dest.Fragment}
		status = http.StatusPermanentRedirect
	}
	dest.Path = NormalizeRepeatedSlashes(dest.Path)
	dest.RawPath = ""

	d := r.decision(true)
	d.URL = dest
	d.StatusCode = status
	return d
}

func (r *run) rewrite(route *customroute.Route, params pathmatch.Params) (*Decision, error) {
	if route.IsInterception() {
		if tree := r.reqHeader.Get(HeaderRouterStateTree); tree != "" {
			for k, v := range SelectedParams(tree) {
				if _, ok := params[k]; !ok {
					params[k] = v
				}
			}
		}
	}
	dest, err := customroute.PrepareDestination(route.Destination, params, r.query, true)
	if err != nil {
		return nil, fmt.Errorf("resolve: rewrite %q: %w", route.Source, err)
	}
	if dest.Scheme != "" {
		d := r.decision(true)
		d.URL = dest
		d.DidRewrite = true
		return d, nil
	}
	r.didRewrite = true
	r.pathname = dest.EscapedPath()
	r.query = dest.Query()
	r.relocalize(r.pathname)
	return nil, nil
}

// honors reports whether a filesystem match may be served as-is: page and
// app files only when filesystem routing is enabled or a rewrite led here.
func (r *run) honors(out *fsindex.Output) bool {
	return r.e.opts.UseFileSystemPublicRoutes || r.didRewrite || !out.Kind.IsDynamic()
}

func (r *run) checkFS() *Decision {
	if r.localeAPI() || r.invoked(r.pathname) {
		return nil
	}
	out := r.e.opts.Index.GetItem(r.ctx, r.pathname)
	if out == nil || r.invoked(out.ItemPath) || !r.honors(out) {
		return nil
	}
	return r.matched(out, nil)
}

// checkTrue re-checks the filesystem and then the dynamic routes against
// the current path.
func (r *run) checkTrue() (*Decision, error) {
	if r.localeAPI() {
		return nil, nil
	}
	idx := r.e.opts.Index
	if !r.invoked(r.pathname) {
		if out := idx.GetItem(r.ctx, r.pathname); out != nil && !r.invoked(out.ItemPath) && r.honors(out) {
			return r.matched(out, nil), nil
		}
	}

	cur, ok := r.stripBasePath(r.pathname)
	if !ok {
		return nil, nil
	}
	isData := strings.HasPrefix(cur, "/_next/data")
	if isData {
		if page, ok := fsindex.DataPagePath(cur, idx.BuildID()); ok {
			cur = page
		}
	}
	if cfg := r.e.opts.I18n; cfg.Enabled() {
		cur = i18n.NormalizeLocalePath(cur, cfg.Locales).Pathname
	}

	for _, route := range idx.DynamicRoutes() {
		if r.invoked(route.Page) {
			continue
		}
		params, ok := route.Match(cur)
		if !ok {
			continue
		}
		out := idx.GetItem(r.ctx, r.e.opts.BasePath+route.Page)
		if out != nil && out.Kind == fsindex.KindAppFile && r.meta.DetectedLocale != "" {
			continue
		}
		if out != nil && isData {
			r.query.Set(QueryDataReq, "1")
			r.meta.IsDataReq = true
		}
		if !r.e.opts.UseFileSystemPublicRoutes && !r.didRewrite {
			continue
		}
		if out == nil {
			return nil, nil
		}
		decoded, err := decodeParams(params)
		if err != nil {
			return nil, err
		}
		return r.matched(out, decoded), nil
	}
	return nil, nil
}

func decodeParams(params pathmatch.Params) (pathmatch.Params, error) {
	out := make(pathmatch.Params, len(params))
	for k, v := range params {
		d, err := url.PathUnescape(v)
		if err != nil {
			return nil, &apperr.DecodeError{Err: err}
		}
		out[k] = d
	}
	return out, nil
}
