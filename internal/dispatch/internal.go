package dispatch

import (
	"context"
	"fmt"
	"net/http"

	"github.com/starford/nextserve/internal/imageopt"
)

var _ imageopt.InternalFetcher = (*Server)(nil)

// FetchImage serves the relative href through the routing pipeline and
// buffers the response. Headers of the original image request are kept so
// middleware and locale handling see the same client.
func (s *Server) FetchImage(ctx context.Context, req *http.Request, href string) (*imageopt.FetchResult, error) {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return nil, fmt.Errorf("dispatch: internal image request %s: %w", href, err)
	}
	if req != nil {
		r.Header = req.Header.Clone()
		r.Host = req.Host
		r.RemoteAddr = req.RemoteAddr
	}
	r.Header.Del("If-None-Match")
	r.Header.Del("If-Modified-Since")
	r.Header.Del("Range")
	r.RequestURI = href

	bw := newBufferWriter()
	s.ServeHTTP(bw, r)
	status := bw.status
	if status == 0 {
		status = http.StatusOK
	}
	return &imageopt.FetchResult{StatusCode: status, Header: bw.header, Body: bw.body}, nil
}
