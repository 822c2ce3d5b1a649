// Package mwrunner runs user middleware for a request. Middleware itself
// executes outside this process; the engine only interprets its response.
package mwrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Response headers of the middleware protocol.
const (
	HeaderNext          = "x-middleware-next"
	HeaderRewrite       = "x-middleware-rewrite"
	HeaderRefresh       = "x-middleware-refresh"
	HeaderOverride      = "x-middleware-override-headers"
	HeaderRequestPrefix = "x-middleware-request-"
	HeaderSetCookie     = "x-middleware-set-cookie"
	HeaderInvoke        = "x-middleware-invoke"
)

// DefaultTimeout bounds one middleware invocation.
const DefaultTimeout = 30 * time.Second

const defaultMaxBody = 32 << 20

// Response is what middleware answered.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Runner executes middleware for req. body is the buffered request body.
// Implementations return ctx.Err() when the request is cancelled.
type Runner interface {
	Run(ctx context.Context, req *http.Request, body []byte) (*Response, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req *http.Request, body []byte) (*Response, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, req *http.Request, body []byte) (*Response, error) {
	return f(ctx, req, body)
}

// HTTPRunner forwards the request to a middleware server and returns its
// answer verbatim.
type HTTPRunner struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
	maxBody  int64
}

// NewHTTPRunner returns a runner for the server at endpoint.
func NewHTTPRunner(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRunner{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		// Redirects are middleware results, never followed.
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger,
		maxBody: defaultMaxBody,
	}
}

// Run implements Runner.
func (h *HTTPRunner) Run(ctx context.Context, req *http.Request, body []byte) (*Response, error) {
	out, err := http.NewRequestWithContext(ctx, req.Method, h.endpoint+req.URL.RequestURI(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mwrunner: build request: %w", err)
	}
	copyHeaders(out.Header, req.Header)
	out.Host = req.Host
	out.Header.Set(HeaderInvoke, "1")
	out.Header.Set("Accept-Encoding", "identity")

	start := time.Now()
	resp, err := h.client.Do(out)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("mwrunner: invoke: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody))
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("mwrunner: read response: %w", err)
	}
	h.logger.Debug("mwrunner: invoked",
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("took", time.Since(start)))

	header := resp.Header.Clone()
	header.Del("Content-Length")
	return &Response{StatusCode: resp.StatusCode, Header: header, Body: data}, nil
}

// IsAbort reports whether err means the client went away.
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || IsHopByHop(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// IsHopByHop reports whether name is a hop-by-hop header.
func IsHopByHop(name string) bool {
	return hopByHop[strings.ToLower(name)]
}
