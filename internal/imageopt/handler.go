package imageopt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/starford/nextserve/internal/apperr"
	"github.com/starford/nextserve/internal/checksum"
)

// Cache states reported in X-Nextjs-Cache.
const (
	CacheHit   = "HIT"
	CacheStale = "STALE"
	CacheMiss  = "MISS"
)

const staticCacheControl = "public, max-age=315360000, immutable"

// Handler serves /_next/image.
type Handler struct {
	cfg         Config
	dev         bool
	store       Store
	transformer Transformer
	internal    InternalFetcher
	client      *http.Client
	logger      *slog.Logger

	group  singleflight.Group
	warned sync.Map
	bg     sync.WaitGroup
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithDev enables dev behavior: the blur size is allowed, responses are
// not cached by clients and blur requests are answered with an SVG.
func WithDev(dev bool) HandlerOption {
	return func(h *Handler) { h.dev = dev }
}

func WithTransformer(t Transformer) HandlerOption {
	return func(h *Handler) { h.transformer = t }
}

func WithInternalFetcher(f InternalFetcher) HandlerOption {
	return func(h *Handler) { h.internal = f }
}

func WithHTTPClient(c *http.Client) HandlerOption {
	return func(h *Handler) { h.client = c }
}

func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// NewHandler builds a Handler over store.
func NewHandler(cfg Config, store Store, opts ...HandlerOption) *Handler {
	h := &Handler{
		cfg:         cfg,
		store:       store,
		transformer: DrawTransformer{MaxInputPixels: cfg.MaxInputPixels},
		client:      &http.Client{},
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Wait blocks until background revalidations finish.
func (h *Handler) Wait() { h.bg.Wait() }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, msg := ValidateParams(r, r.URL.Query(), h.cfg, h.dev)
	if msg != "" {
		writeText(w, http.StatusBadRequest, msg)
		return
	}

	entry, state, err := h.lookup(r, p, CacheKey(p))
	if err != nil {
		var (
			ie *apperr.ImageError
			ue *apperr.UpstreamError
		)
		switch {
		case errors.As(err, &ie):
			writeText(w, ie.Status, ie.Message)
		case errors.As(err, &ue):
			writeText(w, ue.Status, ue.Message)
		default:
			h.logger.Error("imageopt: optimize failed", slog.String("href", p.Href), slog.String("error", err.Error()))
			writeText(w, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}
	h.send(w, r, p, entry, state)
}

// lookup returns the entry to serve for key, regenerating it on a miss and
// in the background when stale.
func (h *Handler) lookup(r *http.Request, p *Params, key string) (*Entry, string, error) {
	ctx := context.WithoutCancel(r.Context())
	cached := h.store.Get(ctx, key)
	if cached != nil && !cached.IsStale {
		return cached, CacheHit, nil
	}
	if cached != nil {
		req := r.Clone(ctx)
		h.bg.Add(1)
		go func() {
			defer h.bg.Done()
			if _, err := h.regenerate(ctx, req, p, key, cached); err != nil {
				h.logger.Warn("imageopt: background revalidate failed",
					slog.String("href", p.Href), slog.String("error", err.Error()))
			}
		}()
		return cached, CacheStale, nil
	}
	entry, err := h.regenerate(ctx, r, p, key, nil)
	if err != nil {
		return nil, "", err
	}
	return entry, CacheMiss, nil
}

// regenerate collapses concurrent regenerations of one key.
func (h *Handler) regenerate(ctx context.Context, r *http.Request, p *Params, key string, prev *Entry) (*Entry, error) {
	v, err, _ := h.group.Do(key, func() (any, error) {
		var (
			up  *upstream
			err error
		)
		if p.IsAbsolute {
			up, err = h.fetchExternal(ctx, p.Href)
		} else {
			up, err = h.fetchInternal(ctx, r, p.Href)
		}
		if err != nil {
			return nil, err
		}
		res, err := h.optimize(ctx, up, p, prev)
		if err != nil {
			return nil, err
		}
		h.store.Set(ctx, key, res.value, res.maxAge)
		return &Entry{Value: res.value, CurRevalidate: res.maxAge}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

type optimized struct {
	value  Value
	maxAge int
}

func (h *Handler) optimize(ctx context.Context, up *upstream, p *Params, prev *Entry) (*optimized, error) {
	minTTL := h.cfg.MinimumCacheTTL
	maxAge := max(minTTL, maxAgeOf(up.cacheControl))
	passthrough := func(ct string, age int) *optimized {
		return &optimized{
			value:  Value{Buffer: up.buffer, ETag: up.etag, Extension: ExtensionOf(ct), UpstreamETag: up.etag},
			maxAge: age,
		}
	}

	upstreamType := DetectContentType(up.buffer)
	if upstreamType == "" {
		upstreamType = strings.ToLower(strings.TrimSpace(up.contentType))
	}
	if upstreamType != "" {
		if strings.HasPrefix(upstreamType, "image/svg") && !h.cfg.DangerouslyAllowSVG {
			h.logger.Error("imageopt: svg source rejected, dangerously_allow_svg is disabled",
				slog.String("href", p.Href), slog.String("type", upstreamType))
			return nil, &apperr.ImageError{Status: http.StatusBadRequest, Message: `"url" parameter is valid but image type is not allowed`}
		}
		if animatableTypes[upstreamType] && IsAnimated(up.buffer) {
			h.warnOnce(p.Href, "imageopt: animated image will not be optimized")
			return passthrough(upstreamType, maxAge), nil
		}
		if bypassTypes[upstreamType] {
			return passthrough(upstreamType, maxAge), nil
		}
		if !strings.HasPrefix(upstreamType, "image/") || strings.Contains(upstreamType, ",") {
			h.logger.Error("imageopt: source is not a valid image",
				slog.String("href", p.Href), slog.String("type", upstreamType))
			return nil, &apperr.ImageError{Status: http.StatusBadRequest, Message: "The requested resource isn't a valid image."}
		}
	}

	contentType := MimeJPEG
	switch {
	case p.MimeType != "":
		contentType = p.MimeType
	case strings.HasPrefix(upstreamType, "image/") && ExtensionOf(upstreamType) != "" &&
		upstreamType != MimeWEBP && upstreamType != MimeAVIF:
		contentType = upstreamType
	}

	if prev != nil && prev.Value.UpstreamETag == up.etag {
		return &optimized{value: prev.Value, maxAge: minTTL}, nil
	}

	tctx, cancel := context.WithTimeout(ctx, h.cfg.transformTimeout())
	defer cancel()
	buf, err := h.transformer.Optimize(tctx, TransformRequest{
		Buffer:      up.buffer,
		ContentType: contentType,
		Width:       p.Width,
		Quality:     p.Quality,
	})
	if err != nil {
		if upstreamType != "" {
			h.logger.Debug("imageopt: transform failed, serving source",
				slog.String("href", p.Href), slog.String("error", err.Error()))
			return passthrough(upstreamType, minTTL), nil
		}
		return nil, &apperr.ImageError{Status: http.StatusBadRequest, Message: "Unable to optimize image and unable to fallback to upstream image"}
	}

	if h.dev && isBlurRequest(p) {
		if w, ht, err := imageSize(buf); err == nil {
			buf = blurSVG(w, ht, contentType, buf)
			contentType = MimeSVG
		}
	}
	return &optimized{
		value: Value{
			Buffer:       buf,
			ETag:         checksum.ETag(buf),
			Extension:    ExtensionOf(contentType),
			UpstreamETag: up.etag,
		},
		maxAge: max(maxAge, minTTL),
	}, nil
}

func (h *Handler) warnOnce(href, msg string) {
	if _, loaded := h.warned.LoadOrStore(msg+"\x00"+href, struct{}{}); loaded {
		return
	}
	h.logger.Warn(msg, slog.String("href", href))
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request, p *Params, e *Entry, state string) {
	hd := w.Header()
	hd.Set("Vary", "Accept")
	switch {
	case p.IsStatic:
		hd.Set("Cache-Control", staticCacheControl)
	case h.dev:
		hd.Set("Cache-Control", "public, max-age=0, must-revalidate")
	default:
		hd.Set("Cache-Control", fmt.Sprintf("public, max-age=%d, must-revalidate", e.CurRevalidate))
	}

	if e.Value.ETag != "" {
		etag := `"` + e.Value.ETag + `"`
		hd.Set("ETag", etag)
		if etagMatch(r.Header.Get("If-None-Match"), etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	contentType := ContentTypeOf(e.Value.Extension)
	if contentType != "" {
		hd.Set("Content-Type", contentType)
	}
	disposition := mime.FormatMediaType(h.cfg.ContentDispositionType, map[string]string{
		"filename": fileName(p.Href, contentType),
	})
	if disposition != "" {
		hd.Set("Content-Disposition", disposition)
	}
	if h.cfg.ContentSecurityPolicy != "" {
		hd.Set("Content-Security-Policy", h.cfg.ContentSecurityPolicy)
	}
	hd.Set("X-Nextjs-Cache", state)
	hd.Set("Content-Length", strconv.Itoa(len(e.Value.Buffer)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(e.Value.Buffer)
}

// fileName is the download name for href with the extension of
// contentType.
func fileName(href, contentType string) string {
	href, _, _ = strings.Cut(href, "?")
	last := href[strings.LastIndexByte(href, '/')+1:]
	if contentType == "" || last == "" {
		return "image.bin"
	}
	base, _, _ := strings.Cut(last, ".")
	return base + "." + ExtensionOf(contentType)
}

func etagMatch(header, etag string) bool {
	if header == "" {
		return false
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		c := strings.TrimSpace(candidate)
		if c == "*" || strings.TrimPrefix(c, "W/") == want {
			return true
		}
	}
	return false
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}
