package resolve

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/starford/nextserve/internal/mwrunner"
)

// Headers never copied from a middleware response onto the routed request
// or the final response.
var skipMiddlewareHeaders = map[string]bool{
	"content-length":                true,
	"content-encoding":              true,
	"date":                          true,
	"x-middleware-rewrite":          true,
	"x-middleware-redirect":         true,
	"x-middleware-refresh":          true,
	"x-middleware-next":             true,
	"x-middleware-override-headers": true,
	"x-middleware-invoke":           true,
}

// invokeMiddleware runs middleware for the current request when a matcher
// applies. A nil decision means routing continues.
func (r *run) invokeMiddleware() (*Decision, error) {
	e := r.e
	if e.opts.Middleware == nil || r.in.IsUpgrade {
		return nil, nil
	}
	if !e.opts.Matchers.Match(r.matchRequest(), r.query, r.pathname) {
		return nil, nil
	}

	body, err := r.meta.Body.Buffered()
	if err != nil {
		return nil, fmt.Errorf("resolve: buffer body: %w", err)
	}
	if r.meta.Body.Truncated() {
		e.logger.Warn("resolve: request body exceeds middleware limit, truncated",
			slog.String("path", r.pathname))
	}

	mreq := r.in.Req.Clone(r.ctx)
	mreq.Header = r.reqHeader.Clone()
	r.meta.MiddlewareInvoked = true

	resp, err := e.opts.Middleware.Run(r.ctx, mreq, body)
	if err != nil {
		if mwrunner.IsAbort(err) {
			e.logger.Debug("resolve: client aborted during middleware", slog.String("path", r.pathname))
			return r.decision(true), nil
		}
		return nil, fmt.Errorf("resolve: middleware: %w", err)
	}

	mh := resp.Header.Clone()
	if mh == nil {
		mh = http.Header{}
	}
	if override := mh.Get(mwrunner.HeaderOverride); override != "" {
		r.applyOverrides(override, mh)
	}

	refresh := mh.Get(mwrunner.HeaderRewrite) == "" &&
		mh.Get(mwrunner.HeaderNext) == "" &&
		mh.Get("Location") == ""

	for key, vals := range mh {
		lower := strings.ToLower(key)
		if skipMiddlewareHeaders[lower] || mwrunner.IsHopByHop(lower) ||
			strings.HasPrefix(lower, mwrunner.HeaderRequestPrefix) {
			continue
		}
		if lower == "content-type" && !refresh {
			continue
		}
		if lower == mwrunner.HeaderSetCookie {
			r.reqHeader[key] = append([]string(nil), vals...)
			continue
		}
		if lower == "location" {
			continue
		}
		r.resHeaders[key] = append([]string(nil), vals...)
		r.reqHeader[key] = append([]string(nil), vals...)
	}

	if rw := mh.Get(mwrunner.HeaderRewrite); rw != "" {
		dest := relativeURL(rw, r.meta.InitURL)
		r.resHeaders.Set(mwrunner.HeaderRewrite, dest)
		u, err := url.Parse(dest)
		if err != nil {
			return nil, fmt.Errorf("resolve: middleware rewrite %q: %w", dest, err)
		}
		if u.Scheme != "" {
			d := r.decision(true)
			d.URL = u
			return d, nil
		}
		next := u.Query()
		for key, vals := range r.query {
			if strings.HasPrefix(key, "_next") || strings.HasPrefix(key, "__next") {
				next[key] = vals
			}
		}
		r.pathname = u.EscapedPath()
		r.query = next
		r.didRewrite = true
		r.relocalize(r.pathname)
		e.logger.Debug("resolve: middleware rewrite", slog.String("to", dest))
	}

	if loc := mh.Get("Location"); loc != "" {
		rel := relativeURL(loc, r.meta.InitURL)
		r.resHeaders.Set("Location", rel)
		u, err := url.Parse(rel)
		if err != nil {
			u = &url.URL{Path: NormalizeRepeatedSlashes(rel)}
		}
		d := r.decision(true)
		d.URL = u
		d.StatusCode = resp.StatusCode
		return d, nil
	}

	if refresh {
		r.resHeaders.Set(mwrunner.HeaderRefresh, "1")
		d := r.decision(true)
		d.StatusCode = resp.StatusCode
		d.Body = resp.Body
		d.HasBody = true
		return d, nil
	}
	return nil, nil
}

// applyOverrides replaces the request headers with the set middleware
// listed in x-middleware-override-headers.
func (r *run) applyOverrides(list string, mh http.Header) {
	keep := map[string]bool{}
	for _, k := range strings.Split(list, ",") {
		if k = strings.TrimSpace(strings.ToLower(k)); k != "" {
			keep[k] = true
		}
	}
	for key := range r.reqHeader {
		if !keep[strings.ToLower(key)] {
			delete(r.reqHeader, key)
		}
	}
	for key := range keep {
		valueKey := mwrunner.HeaderRequestPrefix + key
		vals := mh.Values(valueKey)
		if len(vals) == 0 {
			r.reqHeader.Del(key)
			continue
		}
		r.reqHeader[http.CanonicalHeaderKey(key)] = append([]string(nil), vals...)
		mh.Del(valueKey)
	}
	mh.Del(mwrunner.HeaderOverride)
	r.headerChanged = true
}
