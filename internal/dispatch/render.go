package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/starford/nextserve/internal/apperr"
	"github.com/starford/nextserve/internal/fsindex"
	"github.com/starford/nextserve/internal/mwrunner"
	"github.com/starford/nextserve/internal/pathmatch"
)

// Render protocol headers.
const (
	HeaderInvokePath   = "x-invoke-path"
	HeaderInvokeStatus = "x-invoke-status"
	HeaderInvokeOutput = "x-invoke-output"
	HeaderInvokeQuery  = "x-invoke-query"
	HeaderNoFallback   = "x-nextjs-no-fallback"
	HeaderMatchedPath  = "x-nextjs-matched-path"
)

// RenderContext is what a route module needs to render one request.
type RenderContext struct {
	// Page is the route being rendered, e.g. /blog/[slug] or /404.
	Page   string
	Kind   fsindex.Kind
	Params pathmatch.Params
	Query  url.Values
	Locale string
	// Status is the status an error page renders with; zero otherwise.
	Status    int
	IsDataReq bool
	Dev       bool
	// Err is the failure an error page is rendered for.
	Err error
}

// Result reports how a module handled a request. Retry means the module
// has no fallback for the path and resolution should try the next
// candidate; nothing has been written in that case.
type Result struct {
	Retry bool
}

// RouteModule renders requests for one route.
type RouteModule interface {
	Handle(ctx context.Context, w http.ResponseWriter, r *http.Request, rc RenderContext) (Result, error)
}

// ModuleLoader resolves a page to its module. It returns an error wrapping
// apperr.ErrNotFound for unknown pages.
type ModuleLoader interface {
	Load(ctx context.Context, page string) (RouteModule, error)
}

// RouteModuleFunc adapts a function to RouteModule.
type RouteModuleFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request, rc RenderContext) (Result, error)

func (f RouteModuleFunc) Handle(ctx context.Context, w http.ResponseWriter, r *http.Request, rc RenderContext) (Result, error) {
	return f(ctx, w, r, rc)
}

// ModuleMap is an in-process ModuleLoader keyed by page.
type ModuleMap map[string]RouteModule

func (m ModuleMap) Load(_ context.Context, page string) (RouteModule, error) {
	mod, ok := m[page]
	if !ok {
		return nil, fmt.Errorf("dispatch: module %s: %w", page, apperr.ErrNotFound)
	}
	return mod, nil
}

// UpstreamLoader renders every page by forwarding to an HTTP render server.
type UpstreamLoader struct {
	endpoint *url.URL
	client   *http.Client
	logger   *slog.Logger
}

// NewUpstreamLoader forwards renders to endpoint. timeout bounds each
// render; zero means no limit.
func NewUpstreamLoader(endpoint string, timeout time.Duration, logger *slog.Logger) (*UpstreamLoader, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("dispatch: invalid render endpoint %q", endpoint)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UpstreamLoader{
		endpoint: u,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}, nil
}

func (l *UpstreamLoader) Load(_ context.Context, page string) (RouteModule, error) {
	return RouteModuleFunc(func(ctx context.Context, w http.ResponseWriter, r *http.Request, rc RenderContext) (Result, error) {
		return l.forward(ctx, w, r, page, rc)
	}), nil
}

func (l *UpstreamLoader) forward(ctx context.Context, w http.ResponseWriter, r *http.Request, page string, rc RenderContext) (Result, error) {
	target := *l.endpoint
	target.Path = strings.TrimSuffix(target.Path, "/") + r.URL.Path
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery

	var body io.Reader
	if r.ContentLength != 0 {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: build render request: %w", err)
	}
	for k, vs := range r.Header {
		if strings.EqualFold(k, "Host") || mwrunner.IsHopByHop(k) {
			continue
		}
		req.Header[k] = append([]string(nil), vs...)
	}
	req.Host = r.Host
	req.ContentLength = r.ContentLength

	query, err := json.Marshal(rc.Query)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: encode render query: %w", err)
	}
	req.Header.Set(HeaderInvokePath, r.URL.EscapedPath())
	req.Header.Set(HeaderInvokeOutput, page)
	req.Header.Set(HeaderInvokeQuery, url.QueryEscape(string(query)))
	if rc.Status != 0 {
		req.Header.Set(HeaderInvokeStatus, strconv.Itoa(rc.Status))
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: render %s: %w", page, err)
	}
	defer resp.Body.Close()

	if resp.Header.Get(HeaderNoFallback) == "1" {
		l.logger.Debug("dispatch: render has no fallback", slog.String("page", page))
		return Result{Retry: true}, nil
	}
	for k, vs := range resp.Header {
		if mwrunner.IsHopByHop(k) {
			continue
		}
		w.Header()[k] = append([]string(nil), vs...)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Warn("dispatch: render stream interrupted", slog.String("page", page), slog.String("error", err.Error()))
	}
	return Result{}, nil
}
