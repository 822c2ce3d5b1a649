package imageopt

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/starford/nextserve/internal/apperr"
	"github.com/starford/nextserve/internal/checksum"
)

// FetchResult is a buffered upstream response.
type FetchResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// InternalFetcher serves a relative image URL through the server's own
// routing pipeline.
type InternalFetcher interface {
	FetchImage(ctx context.Context, req *http.Request, href string) (*FetchResult, error)
}

// InternalFetcherFunc adapts a function to InternalFetcher.
type InternalFetcherFunc func(ctx context.Context, req *http.Request, href string) (*FetchResult, error)

func (f InternalFetcherFunc) FetchImage(ctx context.Context, req *http.Request, href string) (*FetchResult, error) {
	return f(ctx, req, href)
}

// upstream is the source image before optimization.
type upstream struct {
	buffer       []byte
	contentType  string
	cacheControl string
	etag         string
}

func newUpstream(h http.Header, body []byte) *upstream {
	return &upstream{
		buffer:       body,
		contentType:  h.Get("Content-Type"),
		cacheControl: h.Get("Cache-Control"),
		etag:         extractETag(h.Get("ETag"), body),
	}
}

// extractETag keeps the upstream ETag file-name safe, hashing the body
// when the upstream sent none.
func extractETag(etag string, body []byte) string {
	if etag != "" {
		return base64.RawURLEncoding.EncodeToString([]byte(etag))
	}
	return checksum.ETag(body)
}

func (h *Handler) fetchExternal(ctx context.Context, href string) (*upstream, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.upstreamTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return nil, fmt.Errorf("imageopt: build upstream request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, h.upstreamFailure(href, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.logger.Error("imageopt: upstream image response failed",
			slog.String("href", href), slog.Int("status", resp.StatusCode))
		return nil, &apperr.UpstreamError{
			Status:  http.StatusBadGateway,
			Message: `"url" parameter is valid but upstream response is invalid`,
		}
	}
	limit := h.cfg.maxResponseBody()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, h.upstreamFailure(href, err)
	}
	if int64(len(body)) > limit {
		h.logger.Error("imageopt: upstream image response too large",
			slog.String("href", href), slog.Int64("limit", limit))
		return nil, &apperr.UpstreamError{
			Status:  http.StatusBadGateway,
			Message: `"url" parameter is valid but upstream response is invalid`,
		}
	}
	return newUpstream(resp.Header, body), nil
}

func (h *Handler) upstreamFailure(href string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		h.logger.Error("imageopt: upstream image response timed out", slog.String("href", href))
		return &apperr.UpstreamError{
			Status:  http.StatusGatewayTimeout,
			Message: `"url" parameter is valid but upstream response timed out`,
			Err:     err,
		}
	}
	return &apperr.UpstreamError{
		Status:  http.StatusBadGateway,
		Message: `"url" parameter is valid but upstream response is invalid`,
		Err:     err,
	}
}

func (h *Handler) fetchInternal(ctx context.Context, r *http.Request, href string) (*upstream, error) {
	if h.internal == nil {
		return nil, fmt.Errorf("imageopt: no internal fetcher for %s", href)
	}
	res, err := h.internal.FetchImage(ctx, r, href)
	if err != nil {
		return nil, fmt.Errorf("imageopt: internal fetch %s: %w", href, err)
	}
	if res.StatusCode >= 400 {
		return nil, &apperr.ImageError{
			Status:  res.StatusCode,
			Message: `"url" parameter is valid but internal response is invalid`,
		}
	}
	return newUpstream(res.Header, res.Body), nil
}

// maxAgeOf reads s-maxage, then max-age, from a Cache-Control header.
func maxAgeOf(cacheControl string) int {
	directives := map[string]string{}
	for _, part := range strings.Split(cacheControl, ",") {
		k, v, _ := strings.Cut(strings.TrimSpace(part), "=")
		directives[strings.ToLower(k)] = strings.Trim(v, `"`)
	}
	for _, k := range []string{"s-maxage", "max-age"} {
		if v, ok := directives[k]; ok {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n
			}
		}
	}
	return 0
}
