package imageopt

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/starford/nextserve/internal/testutil"
)

type upstreamServer struct {
	*httptest.Server
	hits atomic.Int32
}

func startUpstream(t *testing.T, handler http.HandlerFunc) *upstreamServer {
	t.Helper()
	u := &upstreamServer{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

func serveBytes(contentType string, body []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "public, max-age=300")
		_, _ = w.Write(body)
	}
}

func newTestHandler(t *testing.T, mutate func(*Config), opts ...HandlerOption) (*Handler, *DiskStore) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RemotePatterns = []RemotePattern{{Hostname: "127.0.0.1"}}
	if mutate != nil {
		mutate(&cfg)
	}
	store, _ := newDiskStore(t)
	opts = append([]HandlerOption{WithLogger(testutil.Logger())}, opts...)
	h := NewHandler(cfg, store, opts...)
	t.Cleanup(h.Wait)
	return h, store
}

func imageURL(src string, w, q int) string {
	return "/_next/image?" + url.Values{"url": {src}, "w": {strconv.Itoa(w)}, "q": {strconv.Itoa(q)}}.Encode()
}

func get(h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		r.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestHandler_MissThenHit(t *testing.T) {
	up := startUpstream(t, serveBytes("image/png", pngBytes(t, 100, 100)))
	h, _ := newTestHandler(t, nil)
	target := imageURL(up.URL+"/a.png", 640, 75)

	first := get(h, target)
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", first.Code, first.Body.String())
	}
	if got := first.Header().Get("X-Nextjs-Cache"); got != CacheMiss {
		t.Errorf("X-Nextjs-Cache = %q, want MISS", got)
	}
	if got := first.Header().Get("Content-Type"); got != MimePNG {
		t.Errorf("Content-Type = %q", got)
	}
	if got := first.Header().Get("Cache-Control"); got != "public, max-age=300, must-revalidate" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := first.Header().Get("Vary"); got != "Accept" {
		t.Errorf("Vary = %q", got)
	}
	if got := first.Header().Get("Content-Disposition"); got != `attachment; filename=a.png` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if got := first.Header().Get("Content-Security-Policy"); got == "" {
		t.Error("Content-Security-Policy missing")
	}

	second := get(h, target)
	if got := second.Header().Get("X-Nextjs-Cache"); got != CacheHit {
		t.Errorf("second X-Nextjs-Cache = %q, want HIT", got)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Error("cached body differs")
	}
	if n := up.hits.Load(); n != 1 {
		t.Errorf("upstream hits = %d, want 1", n)
	}
}

func TestHandler_NotModified(t *testing.T) {
	up := startUpstream(t, serveBytes("image/png", pngBytes(t, 10, 10)))
	h, _ := newTestHandler(t, nil)
	target := imageURL(up.URL+"/a.png", 640, 75)

	etag := get(h, target).Header().Get("ETag")
	if etag == "" {
		t.Fatal("ETag missing")
	}
	w := get(h, target, "If-None-Match", etag)
	if w.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Error("304 carried a body")
	}
}

func TestHandler_InvalidParams(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	w := get(h, "/_next/image?url=/a.png&w=641&q=75")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Body.String(); got != `"w" parameter (width) of 641 is not allowed` {
		t.Fatalf("body = %q", got)
	}
}

func TestHandler_UpstreamFailure(t *testing.T) {
	up := startUpstream(t, func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	h, _ := newTestHandler(t, nil)
	w := get(h, imageURL(up.URL+"/missing.png", 640, 75))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if !strings.Contains(w.Body.String(), "upstream response is invalid") {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestHandler_UpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	up := startUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	h, _ := newTestHandler(t, func(c *Config) { c.UpstreamTimeout = 50 * time.Millisecond })
	w := get(h, imageURL(up.URL+"/slow.png", 640, 75))
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}
}

func TestHandler_AnimatedPassthrough(t *testing.T) {
	src := gifBytes(t, 3)
	up := startUpstream(t, serveBytes("image/gif", src))
	h, _ := newTestHandler(t, nil)
	w := get(h, imageURL(up.URL+"/anim.gif", 16, 75))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), src) {
		t.Fatal("animated gif was re-encoded")
	}
	if got := w.Header().Get("Content-Type"); got != MimeGIF {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestHandler_SVGPolicy(t *testing.T) {
	svg := []byte(`<svg xmlns="http://www.w3.org/2000/svg"/>`)
	up := startUpstream(t, serveBytes("image/svg+xml", svg))

	h, _ := newTestHandler(t, nil)
	if w := get(h, imageURL(up.URL+"/a.svg", 640, 75)); w.Code != http.StatusBadRequest {
		t.Fatalf("svg status = %d, want 400", w.Code)
	}

	h, _ = newTestHandler(t, func(c *Config) { c.DangerouslyAllowSVG = true })
	w := get(h, imageURL(up.URL+"/a.svg", 640, 75))
	if w.Code != http.StatusOK || !bytes.Equal(w.Body.Bytes(), svg) {
		t.Fatalf("allowed svg: status %d body %q", w.Code, w.Body.String())
	}
}

func TestHandler_NotAnImage(t *testing.T) {
	up := startUpstream(t, serveBytes("text/html", []byte("<html></html>")))
	h, _ := newTestHandler(t, nil)
	w := get(h, imageURL(up.URL+"/page", 640, 75))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandler_NegotiatesWebP(t *testing.T) {
	up := startUpstream(t, serveBytes("image/png", pngBytes(t, 100, 100)))
	h, _ := newTestHandler(t, func(c *Config) { c.Formats = []string{MimeWEBP} })
	w := get(h, imageURL(up.URL+"/a.png", 64, 75), "Accept", "image/webp")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != MimeWEBP {
		t.Fatalf("Content-Type = %q, want %q", got, MimeWEBP)
	}
	if got := DetectContentType(w.Body.Bytes()); got != MimeWEBP {
		t.Errorf("body type = %q, want %q", got, MimeWEBP)
	}
}

type failingTransformer struct{}

func (failingTransformer) Optimize(context.Context, TransformRequest) ([]byte, error) {
	return nil, ErrUnsupportedFormat
}

func TestHandler_TransformFallbackKeepsSource(t *testing.T) {
	src := pngBytes(t, 100, 100)
	up := startUpstream(t, serveBytes("image/png", src))
	h, _ := newTestHandler(t, nil, WithTransformer(failingTransformer{}))
	w := get(h, imageURL(up.URL+"/a.png", 640, 75))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), src) {
		t.Error("fallback did not serve the source bytes")
	}
	if got := w.Header().Get("Cache-Control"); got != "public, max-age=60, must-revalidate" {
		t.Errorf("Cache-Control = %q, want minimum ttl", got)
	}
}

func TestHandler_InternalFetch(t *testing.T) {
	src := pngBytes(t, 50, 50)
	fetcher := InternalFetcherFunc(func(ctx context.Context, r *http.Request, href string) (*FetchResult, error) {
		if href != "/_next/static/media/a.png" {
			return &FetchResult{StatusCode: http.StatusNotFound, Header: http.Header{}}, nil
		}
		return &FetchResult{StatusCode: http.StatusOK, Header: http.Header{"Content-Type": {"image/png"}}, Body: src}, nil
	})
	h, _ := newTestHandler(t, nil, WithInternalFetcher(fetcher))

	w := get(h, imageURL("/_next/static/media/a.png", 32, 75))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Cache-Control"); got != staticCacheControl {
		t.Errorf("Cache-Control = %q", got)
	}
	if width, _, _ := imageSize(w.Body.Bytes()); width != 32 {
		t.Errorf("width = %d, want 32", width)
	}

	missing := get(h, imageURL("/nope.png", 32, 75))
	if missing.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", missing.Code)
	}
	if !strings.Contains(missing.Body.String(), "internal response is invalid") {
		t.Errorf("body = %q", missing.Body.String())
	}
}

func TestHandler_DevBlurPlaceholder(t *testing.T) {
	fetcher := InternalFetcherFunc(func(ctx context.Context, r *http.Request, href string) (*FetchResult, error) {
		return &FetchResult{StatusCode: http.StatusOK, Header: http.Header{}, Body: pngBytes(t, 64, 32)}, nil
	})
	h, _ := newTestHandler(t, nil, WithDev(true), WithInternalFetcher(fetcher))
	w := get(h, BlurPlaceholderURL("", "/a.png"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != MimeSVG {
		t.Fatalf("Content-Type = %q, want svg", got)
	}
	if !strings.Contains(w.Body.String(), "viewBox='0 0 320 160'") {
		t.Errorf("blur svg = %q", w.Body.String())
	}
	if got := w.Header().Get("Cache-Control"); got != "public, max-age=0, must-revalidate" {
		t.Errorf("dev Cache-Control = %q", got)
	}
}

func TestHandler_StaleServedThenRevalidated(t *testing.T) {
	up := startUpstream(t, serveBytes("image/png", pngBytes(t, 20, 20)))
	h, store := newTestHandler(t, nil)
	target := imageURL(up.URL+"/a.png", 640, 75)

	store.ttl.now = func() time.Time { return time.Now().Add(-time.Hour) }
	get(h, target)
	store.ttl.now = time.Now

	w := get(h, target)
	if got := w.Header().Get("X-Nextjs-Cache"); got != CacheStale {
		t.Fatalf("X-Nextjs-Cache = %q, want STALE", got)
	}
	h.Wait()
	if n := up.hits.Load(); n != 2 {
		t.Fatalf("upstream hits = %d, want 2", n)
	}
	if got := get(h, target).Header().Get("X-Nextjs-Cache"); got != CacheHit {
		t.Fatalf("after revalidation X-Nextjs-Cache = %q, want HIT", got)
	}
}
