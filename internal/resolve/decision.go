package resolve

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/starford/nextserve/internal/fsindex"
	"github.com/starford/nextserve/internal/i18n"
	"github.com/starford/nextserve/internal/pathmatch"
)

// Internal query keys carried between the engine and the dispatcher.
const (
	QueryLocale        = "__nextLocale"
	QueryDefaultLocale = "__nextDefaultLocale"
	QueryDataReq       = "__nextDataReq"
)

// Meta is the per-request context recorded before routing starts.
type Meta struct {
	InitURL   string
	InitQuery url.Values
	Body      *Body

	// DetectedLocale is the locale the client put in the path, if any.
	DetectedLocale string
	DefaultLocale  string
	DomainLocale   *i18n.Domain

	IsDataReq         bool
	MiddlewareInvoked bool
}

// Decision is the outcome of resolving one request.
type Decision struct {
	// URL is the routed URL. An absolute URL means the request is proxied.
	URL        *url.URL
	ResHeaders http.Header
	// RequestHeader is the request header set after middleware overrides.
	RequestHeader http.Header

	MatchedOutput *fsindex.Output
	// Params are the decoded dynamic route params of MatchedOutput.
	Params pathmatch.Params

	Finished   bool
	StatusCode int
	// Body is the middleware response body when HasBody is set.
	Body    []byte
	HasBody bool

	DidRewrite bool
	Meta       *Meta
}

// IsExternal reports whether the decision routes to another origin.
func (d *Decision) IsExternal() bool {
	return d.URL != nil && d.URL.Scheme != "" && d.URL.Host != ""
}

// IsRedirect reports whether the decision is a finished redirect.
func (d *Decision) IsRedirect() bool {
	return d.Finished && d.StatusCode >= 300 && d.StatusCode < 400
}

// Locale returns the locale the request resolved to.
func (d *Decision) Locale() string {
	if d.URL == nil {
		return ""
	}
	return d.URL.Query().Get(QueryLocale)
}

// NormalizeRepeatedSlashes turns backslashes into slashes and collapses
// runs of slashes in the path part of raw. The query is kept verbatim.
func NormalizeRepeatedSlashes(raw string) string {
	pathPart, rest := raw, ""
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		pathPart, rest = raw[:i], raw[i:]
	}
	pathPart = strings.ReplaceAll(pathPart, `\`, "/")
	var b strings.Builder
	b.Grow(len(pathPart))
	for i := 0; i < len(pathPart); i++ {
		if pathPart[i] == '/' && i > 0 && pathPart[i-1] == '/' {
			continue
		}
		b.WriteByte(pathPart[i])
	}
	return b.String() + rest
}

func hasRepeatedSlashes(raw string) bool {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	return strings.Contains(raw, "//") || strings.Contains(raw, `\`)
}

// relativeURL returns target relative to base when both share an origin,
// otherwise target unchanged.
func relativeURL(target, base string) string {
	b, err := url.Parse(base)
	if err != nil {
		return target
	}
	t, err := b.Parse(target)
	if err != nil {
		return target
	}
	if t.Scheme == b.Scheme && strings.EqualFold(t.Host, b.Host) {
		rel := &url.URL{Path: t.Path, RawPath: t.RawPath, RawQuery: t.RawQuery, Fragment: t.Fragment}
		if rel.Path == "" {
			rel.Path = "/"
		}
		return rel.String()
	}
	return t.String()
}
