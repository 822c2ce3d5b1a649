package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/starford/nextserve/internal/resolve"
)

// proxy forwards the request to the external URL a rewrite produced,
// replaying the body middleware may have buffered.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, d *resolve.Decision, body *resolve.Body) {
	ctx := r.Context()
	if s.opts.ProxyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ProxyTimeout)
		defer cancel()
	}

	in := r.Clone(ctx)
	if d.RequestHeader != nil {
		in.Header = d.RequestHeader.Clone()
	}
	if r.ContentLength != 0 && body != nil {
		in.Body = io.NopCloser(body.Reader())
	}
	target := *d.URL

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			u := target
			pr.Out.URL = &u
			pr.Out.Host = ""
			pr.SetXForwarded()
		},
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, err error) {
			status := http.StatusBadGateway
			var ne net.Error
			if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
				status = http.StatusGatewayTimeout
			}
			s.logger.Error("dispatch: proxy failed",
				slog.String("target", redactURL(&target)),
				slog.Int("status", status),
				slog.String("error", err.Error()))
			rw.WriteHeader(status)
		},
		ErrorLog: slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	rp.ServeHTTP(w, in)
}

func redactURL(u *url.URL) string {
	c := *u
	c.User = nil
	c.RawQuery = ""
	return c.String()
}
