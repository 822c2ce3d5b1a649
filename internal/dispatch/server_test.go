package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/starford/nextserve/internal/apperr"
	"github.com/starford/nextserve/internal/fsindex"
	"github.com/starford/nextserve/internal/resolve"
	"github.com/starford/nextserve/internal/testutil"
)

// newServer builds a Server over a real index and engine.
func newServer(t *testing.T, build testutil.BuildOutput, files map[string]string, mutate func(*Options)) *Server {
	t.Helper()
	dir := testutil.TestBuild(t, build, files)
	idx, err := fsindex.New(fsindex.Options{Dir: dir, Logger: testutil.Logger()})
	if err != nil {
		t.Fatalf("fsindex.New: %v", err)
	}
	engine := resolve.New(resolve.Options{
		UseFileSystemPublicRoutes: true,
		Index:                     idx,
		Logger:                    testutil.Logger(),
	})
	opts := Options{Engine: engine, Pages: idx, Logger: testutil.Logger()}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// fakeResolver answers every attempt with fn.
type fakeResolver struct {
	fn         func(in resolve.Input) (*resolve.Decision, error)
	middleware bool
	calls      int
}

func (f *fakeResolver) Resolve(_ context.Context, in resolve.Input) (*resolve.Decision, error) {
	f.calls++
	return f.fn(in)
}

func (f *fakeResolver) HasMiddleware() bool { return f.middleware }

func newFakeServer(t *testing.T, f *fakeResolver, mutate func(*Options)) *Server {
	t.Helper()
	opts := Options{Engine: f, Logger: testutil.Logger()}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

type loaderFunc func(ctx context.Context, page string) (RouteModule, error)

func (f loaderFunc) Load(ctx context.Context, page string) (RouteModule, error) { return f(ctx, page) }

func text(body string) RouteModule {
	return RouteModuleFunc(func(_ context.Context, w http.ResponseWriter, _ *http.Request, rc RenderContext) (Result, error) {
		status := rc.Status
		if status == 0 {
			status = http.StatusOK
		}
		writeText(w, status, body)
		return Result{}, nil
	})
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

var publicFiles = map[string]string{"public/hello.txt": "hello world"}

func TestServe_PublicFile(t *testing.T) {
	s := newServer(t, testutil.BuildOutput{BuildID: "b1"}, publicFiles, nil)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/hello.txt", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "hello world" {
		t.Errorf("body = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != cacheDefault {
		t.Errorf("cache-control = %q, want %q", got, cacheDefault)
	}
	if rec.Header().Get("ETag") != "" {
		t.Error("etag set while etags are disabled")
	}
}

func TestServe_NextStaticImmutable(t *testing.T) {
	s := newServer(t, testutil.BuildOutput{
		BuildID: "b1",
		Static:  map[string]string{"chunks/main.js": "console.log(1)"},
	}, nil, nil)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/_next/static/chunks/main.js", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != cacheImmutable {
		t.Errorf("cache-control = %q, want %q", got, cacheImmutable)
	}
}

func TestStaticCacheControl(t *testing.T) {
	cases := []struct {
		kind fsindex.Kind
		dev  bool
		want string
	}{
		{fsindex.KindNextStaticFolder, false, cacheImmutable},
		{fsindex.KindNextStaticFolder, true, cacheNoStore},
		{fsindex.KindPublicFolder, false, cacheDefault},
		{fsindex.KindLegacyStaticFolder, true, cacheDefault},
	}
	for _, c := range cases {
		if got := staticCacheControl(c.kind, c.dev); got != c.want {
			t.Errorf("staticCacheControl(%s, %v) = %q, want %q", c.kind, c.dev, got, c.want)
		}
	}
}

func TestServe_StaticMethodNotAllowed(t *testing.T) {
	s := newServer(t, testutil.BuildOutput{BuildID: "b1"}, publicFiles, nil)
	rec := serve(s, httptest.NewRequest(http.MethodPost, "/hello.txt", strings.NewReader("x")))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != "GET, HEAD" {
		t.Errorf("allow = %q", got)
	}
	if got := rec.Body.String(); got != builtinPages[http.StatusMethodNotAllowed] {
		t.Errorf("body = %q", got)
	}
}

func TestServe_StaticRangeNotSatisfiable(t *testing.T) {
	s := newServer(t, testutil.BuildOutput{BuildID: "b1"}, publicFiles, nil)
	r := httptest.NewRequest(http.MethodGet, "/hello.txt", nil)
	r.Header.Set("Range", "bytes=500-")
	rec := serve(s, r)
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rec.Code)
	}
}

func TestServe_StaticPartialRange(t *testing.T) {
	s := newServer(t, testutil.BuildOutput{BuildID: "b1"}, publicFiles, nil)
	r := httptest.NewRequest(http.MethodGet, "/hello.txt", nil)
	r.Header.Set("Range", "bytes=0-4")
	rec := serve(s, r)
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Body.String(); got != "hello" {
		t.Errorf("body = %q, want hello", got)
	}
}

func TestServe_StaticETagAndPreconditions(t *testing.T) {
	s := newServer(t, testutil.BuildOutput{BuildID: "b1"}, publicFiles, func(o *Options) {
		o.GenerateETags = true
	})
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/hello.txt", nil))
	etag := rec.Header().Get("ETag")
	if !strings.HasPrefix(etag, `W/"b-`) {
		t.Fatalf("etag = %q, want weak etag with hex size", etag)
	}

	r := httptest.NewRequest(http.MethodGet, "/hello.txt", nil)
	r.Header.Set("If-None-Match", etag)
	if rec := serve(s, r); rec.Code != http.StatusNotModified {
		t.Errorf("if-none-match status = %d, want 304", rec.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/hello.txt", nil)
	r.Header.Set("If-Match", `"other"`)
	if rec := serve(s, r); rec.Code != http.StatusPreconditionFailed {
		t.Errorf("if-match status = %d, want 412", rec.Code)
	}
}

func TestServe_NotFoundBuiltin(t *testing.T) {
	s := newServer(t, testutil.BuildOutput{BuildID: "b1"}, nil, nil)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != cacheNotFound {
		t.Errorf("cache-control = %q", got)
	}
	if got := rec.Body.String(); got != builtinPages[http.StatusNotFound] {
		t.Errorf("body = %q", got)
	}
}

func TestServe_NotFoundPageFromLoader(t *testing.T) {
	var status int
	s := newServer(t, testutil.BuildOutput{BuildID: "b1"}, nil, func(o *Options) {
		o.Loader = ModuleMap{
			"/404": RouteModuleFunc(func(_ context.Context, w http.ResponseWriter, _ *http.Request, rc RenderContext) (Result, error) {
				status = rc.Status
				writeText(w, rc.Status, "custom not found")
				return Result{}, nil
			}),
		}
	})
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if rec.Code != http.StatusNotFound || rec.Body.String() != "custom not found" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if status != http.StatusNotFound {
		t.Errorf("render status = %d, want 404", status)
	}
}

func TestServe_DevFavicon(t *testing.T) {
	f := &fakeResolver{fn: func(in resolve.Input) (*resolve.Decision, error) {
		return &resolve.Decision{URL: in.Req.URL}, nil
	}}
	s := newFakeServer(t, f, func(o *Options) { o.Dev = true })
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/favicon.ico", nil))
	if rec.Code != http.StatusNotFound || rec.Body.Len() != 0 {
		t.Fatalf("got %d %q, want empty 404", rec.Code, rec.Body.String())
	}
}

func TestServe_PageRender(t *testing.T) {
	var got RenderContext
	s := newServer(t, testutil.BuildOutput{BuildID: "b1", Pages: []string{"/blog/[slug]"}}, nil, func(o *Options) {
		o.Loader = ModuleMap{
			"/blog/[slug]": RouteModuleFunc(func(_ context.Context, w http.ResponseWriter, _ *http.Request, rc RenderContext) (Result, error) {
				got = rc
				writeText(w, http.StatusOK, "post")
				return Result{}, nil
			}),
		}
	})
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/blog/hello", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "post" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if got.Page != "/blog/[slug]" || got.Kind != fsindex.KindPageFile {
		t.Errorf("render context = %+v", got)
	}
	if got.Params["slug"] != "hello" {
		t.Errorf("params = %v, want slug=hello", got.Params)
	}
}

func TestServe_RetryFallsThroughToNextRoute(t *testing.T) {
	var tried []string
	s := newServer(t, testutil.BuildOutput{BuildID: "b1", Pages: []string{"/blog/[slug]", "/[...all]"}}, nil, func(o *Options) {
		o.Loader = ModuleMap{
			"/blog/[slug]": RouteModuleFunc(func(context.Context, http.ResponseWriter, *http.Request, RenderContext) (Result, error) {
				tried = append(tried, "/blog/[slug]")
				return Result{Retry: true}, nil
			}),
			"/[...all]": RouteModuleFunc(func(_ context.Context, w http.ResponseWriter, _ *http.Request, _ RenderContext) (Result, error) {
				tried = append(tried, "/[...all]")
				writeText(w, http.StatusOK, "catch-all")
				return Result{}, nil
			}),
		}
	})
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/blog/hello", nil))
	if rec.Body.String() != "catch-all" {
		t.Fatalf("body = %q, want catch-all", rec.Body.String())
	}
	if strings.Join(tried, ",") != "/blog/[slug],/[...all]" {
		t.Errorf("tried = %v", tried)
	}
}

func TestServe_NoFallbackErrorIsRetry(t *testing.T) {
	s := newServer(t, testutil.BuildOutput{BuildID: "b1", Pages: []string{"/blog/[slug]", "/[...all]"}}, nil, func(o *Options) {
		o.Loader = ModuleMap{
			"/blog/[slug]": RouteModuleFunc(func(context.Context, http.ResponseWriter, *http.Request, RenderContext) (Result, error) {
				return Result{}, apperr.ErrNoFallback
			}),
			"/[...all]": text("catch-all"),
		}
	})
	if rec := serve(s, httptest.NewRequest(http.MethodGet, "/blog/hello", nil)); rec.Body.String() != "catch-all" {
		t.Fatalf("body = %q, want catch-all", rec.Body.String())
	}
}

func TestServe_RetryDoesNotRepeatHeaders(t *testing.T) {
	f := &fakeResolver{fn: func(in resolve.Input) (*resolve.Decision, error) {
		page := "/a"
		if _, ok := in.InvokedOutputs["/a"]; ok {
			page = "/b"
		}
		return &resolve.Decision{
			URL:           in.Req.URL,
			Finished:      true,
			ResHeaders:    http.Header{"X-Custom": {"v"}, "Set-Cookie": {"s=1"}},
			MatchedOutput: &fsindex.Output{Kind: fsindex.KindPageFile, ItemPath: page},
		}, nil
	}}
	s := newFakeServer(t, f, func(o *Options) {
		o.Loader = ModuleMap{
			"/a": RouteModuleFunc(func(context.Context, http.ResponseWriter, *http.Request, RenderContext) (Result, error) {
				return Result{Retry: true}, nil
			}),
			"/b": text("b"),
		}
	})
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Body.String() != "b" || f.calls != 2 {
		t.Fatalf("body = %q, calls = %d, want b after 2 resolutions", rec.Body.String(), f.calls)
	}
	if got := rec.Header().Values("X-Custom"); len(got) != 1 {
		t.Errorf("X-Custom = %q, want one value", got)
	}
	if got := rec.Header().Values("Set-Cookie"); len(got) != 1 {
		t.Errorf("Set-Cookie = %q, want one value", got)
	}
}

func TestServe_AttemptCap(t *testing.T) {
	f := &fakeResolver{fn: func(in resolve.Input) (*resolve.Decision, error) {
		return &resolve.Decision{
			URL:           in.Req.URL,
			Finished:      true,
			MatchedOutput: &fsindex.Output{Kind: fsindex.KindPageFile, ItemPath: "/loop"},
		}, nil
	}}
	s := newFakeServer(t, f, func(o *Options) {
		o.Loader = ModuleMap{
			"/loop": RouteModuleFunc(func(context.Context, http.ResponseWriter, *http.Request, RenderContext) (Result, error) {
				return Result{Retry: true}, nil
			}),
		}
	})
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/loop", nil))
	if f.calls != MaxAttempts {
		t.Errorf("resolve calls = %d, want %d", f.calls, MaxAttempts)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestServe_Redirect(t *testing.T) {
	f := &fakeResolver{fn: func(_ resolve.Input) (*resolve.Decision, error) {
		return &resolve.Decision{
			URL:        mustURL(t, "/new?x=1"),
			ResHeaders: http.Header{"Location": {"/new?x=1"}},
			Finished:   true,
			StatusCode: http.StatusPermanentRedirect,
		}, nil
	}}
	rec := serve(newFakeServer(t, f, nil), httptest.NewRequest(http.MethodGet, "/old", nil))
	if rec.Code != http.StatusPermanentRedirect {
		t.Fatalf("status = %d, want 308", rec.Code)
	}
	if got := rec.Header().Get("Refresh"); got != "0;url=/new?x=1" {
		t.Errorf("refresh = %q", got)
	}
	if got := rec.Body.String(); got != "/new?x=1" {
		t.Errorf("body = %q", got)
	}
}

func TestServe_TemporaryRedirectHasNoRefresh(t *testing.T) {
	f := &fakeResolver{fn: func(_ resolve.Input) (*resolve.Decision, error) {
		return &resolve.Decision{URL: mustURL(t, "/tmp"), Finished: true, StatusCode: http.StatusTemporaryRedirect}, nil
	}}
	rec := serve(newFakeServer(t, f, nil), httptest.NewRequest(http.MethodGet, "/old", nil))
	if got := rec.Header().Get("Location"); got != "/tmp" {
		t.Errorf("location = %q, want /tmp", got)
	}
	if rec.Header().Get("Refresh") != "" {
		t.Error("refresh set on a 307")
	}
}

func TestServe_MiddlewareBody(t *testing.T) {
	f := &fakeResolver{fn: func(_ resolve.Input) (*resolve.Decision, error) {
		return &resolve.Decision{
			ResHeaders: http.Header{"X-Blocked": {"1"}},
			Finished:   true,
			HasBody:    true,
			StatusCode: http.StatusForbidden,
			Body:       []byte("blocked"),
		}, nil
	}}
	rec := serve(newFakeServer(t, f, nil), httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusForbidden || rec.Body.String() != "blocked" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Blocked") != "1" {
		t.Error("middleware response header dropped")
	}
}

func TestServe_DataRequest404WithMiddleware(t *testing.T) {
	f := &fakeResolver{
		middleware: true,
		fn: func(in resolve.Input) (*resolve.Decision, error) {
			return &resolve.Decision{URL: in.Req.URL}, nil
		},
	}
	r := httptest.NewRequest(http.MethodGet, "/_next/data/b1/missing.json", nil)
	r.Header.Set("X-Nextjs-Data", "1")
	rec := serve(newFakeServer(t, f, nil), r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "{}" {
		t.Errorf("body = %q, want {}", got)
	}
	if got := rec.Header().Get(HeaderMatchedPath); got != "/_next/data/b1/missing.json" {
		t.Errorf("matched path = %q", got)
	}
}

func TestServe_DevPublicPageConflict(t *testing.T) {
	dir := testutil.TestProject(t, map[string]string{"public/about": "file"})
	f := &fakeResolver{fn: func(_ resolve.Input) (*resolve.Decision, error) {
		return &resolve.Decision{
			URL:           mustURL(t, "/about"),
			Finished:      true,
			MatchedOutput: &fsindex.Output{Kind: fsindex.KindPublicFolder, ItemPath: "/about", FSPath: dir + "/public/about"},
		}, nil
	}}
	s := newFakeServer(t, f, func(o *Options) {
		o.Dev = true
		o.Pages = pageSet{"/about": true}
	})
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/about", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

type pageSet map[string]bool

func (p pageSet) HasPage(route string) bool { return p[route] }

func TestServe_DecodeErrorIs400(t *testing.T) {
	f := &fakeResolver{fn: func(_ resolve.Input) (*resolve.Decision, error) {
		return nil, &apperr.DecodeError{Err: errors.New("bad escape")}
	}}
	rec := serve(newFakeServer(t, f, nil), httptest.NewRequest(http.MethodGet, "/%zz", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestServe_FailSafe(t *testing.T) {
	f := &fakeResolver{fn: func(_ resolve.Input) (*resolve.Decision, error) {
		return nil, errors.New("boom")
	}}
	s := newFakeServer(t, f, func(o *Options) {
		o.Loader = loaderFunc(func(context.Context, string) (RouteModule, error) {
			return nil, errors.New("worker down")
		})
	})
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError || rec.Body.String() != failSafeBody {
		t.Fatalf("got %d %q, want fail-safe body", rec.Code, rec.Body.String())
	}
}

func TestServe_ErrorPageFallsBackToGenericErrorPage(t *testing.T) {
	f := &fakeResolver{fn: func(_ resolve.Input) (*resolve.Decision, error) {
		return nil, errors.New("boom")
	}}
	s := newFakeServer(t, f, func(o *Options) {
		o.Loader = ModuleMap{"/_error": text("generic error")}
	})
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError || rec.Body.String() != "generic error" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestServe_ReplaysBodyToRender(t *testing.T) {
	f := &fakeResolver{fn: func(in resolve.Input) (*resolve.Decision, error) {
		if _, err := in.Body.Buffered(); err != nil {
			return nil, err
		}
		return &resolve.Decision{
			URL:           in.Req.URL,
			Finished:      true,
			MatchedOutput: &fsindex.Output{Kind: fsindex.KindAppFile, ItemPath: "/api/echo"},
		}, nil
	}}
	s := newFakeServer(t, f, func(o *Options) {
		o.Loader = ModuleMap{
			"/api/echo": RouteModuleFunc(func(_ context.Context, w http.ResponseWriter, r *http.Request, _ RenderContext) (Result, error) {
				data, err := io.ReadAll(r.Body)
				if err != nil {
					return Result{}, err
				}
				writeText(w, http.StatusOK, string(data))
				return Result{}, nil
			}),
		}
	})
	rec := serve(s, httptest.NewRequest(http.MethodPost, "/api/echo", strings.NewReader("payload")))
	if got := rec.Body.String(); got != "payload" {
		t.Fatalf("body = %q, want payload", got)
	}
}

func TestFetchImage(t *testing.T) {
	s := newServer(t, testutil.BuildOutput{BuildID: "b1"}, map[string]string{"public/img/a.png": "png-bytes"}, nil)
	orig := httptest.NewRequest(http.MethodGet, "/_next/image?url=/img/a.png&w=64&q=75", nil)
	orig.Header.Set("If-None-Match", `"x"`)

	res, err := s.FetchImage(context.Background(), orig, "/img/a.png")
	if err != nil {
		t.Fatalf("FetchImage: %v", err)
	}
	if res.StatusCode != http.StatusOK || string(res.Body) != "png-bytes" {
		t.Fatalf("got %d %q", res.StatusCode, res.Body)
	}

	res, err = s.FetchImage(context.Background(), orig, "/img/missing.png")
	if err != nil {
		t.Fatalf("FetchImage: %v", err)
	}
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", res.StatusCode)
	}
}
