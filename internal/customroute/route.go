// Package customroute compiles declared redirects, rewrites and header
// rules into matchable routes.
package customroute

import (
	"fmt"
	"net/http"

	"github.com/starford/nextserve/internal/pathmatch"
)

// Kind is the category of a declared route.
type Kind string

const (
	KindHeader   Kind = "header"
	KindRedirect Kind = "redirect"
	KindRewrite  Kind = "rewrite"
)

// Condition is a has/missing requirement on the request.
type Condition struct {
	Type  string `yaml:"type" json:"type"`
	Key   string `yaml:"key,omitempty" json:"key,omitempty"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
}

// Header is a response header template.
type Header struct {
	Key   string `yaml:"key" json:"key"`
	Value string `yaml:"value" json:"value"`
}

// Decl is a route as declared in configuration or the routes manifest.
type Decl struct {
	Source      string      `yaml:"source" json:"source"`
	Destination string      `yaml:"destination,omitempty" json:"destination,omitempty"`
	Headers     []Header    `yaml:"headers,omitempty" json:"headers,omitempty"`
	Has         []Condition `yaml:"has,omitempty" json:"has,omitempty"`
	Missing     []Condition `yaml:"missing,omitempty" json:"missing,omitempty"`
	Permanent   *bool       `yaml:"permanent,omitempty" json:"permanent,omitempty"`
	StatusCode  int         `yaml:"status_code,omitempty" json:"statusCode,omitempty"`
	BasePath    *bool       `yaml:"base_path,omitempty" json:"basePath,omitempty"`
	Locale      *bool       `yaml:"locale,omitempty" json:"locale,omitempty"`
	Internal    bool        `yaml:"internal,omitempty" json:"internal,omitempty"`
}

// Route is a compiled Decl.
type Route struct {
	Decl
	Kind  Kind   `json:"kind"`
	Regex string `json:"regex"`
	// Check makes the engine re-check the filesystem and dynamic routes
	// after this rewrite applies.
	Check bool `json:"check,omitempty"`

	matcher *pathmatch.Matcher
}

// Match matches pathname against the compiled source.
func (r *Route) Match(pathname string) (pathmatch.Params, bool) {
	return r.matcher.Match(pathname)
}

// IsRedirect reports whether r issues a redirect.
func (r *Route) IsRedirect() bool { return r.Kind == KindRedirect }

var allowedRedirectStatus = map[int]bool{
	http.StatusMovedPermanently:  true,
	http.StatusFound:             true,
	http.StatusSeeOther:          true,
	http.StatusTemporaryRedirect: true,
	http.StatusPermanentRedirect: true,
}

// RedirectStatus resolves the status code of a redirect declaration.
func RedirectStatus(d Decl) (int, error) {
	if d.StatusCode != 0 {
		if !allowedRedirectStatus[d.StatusCode] {
			return 0, fmt.Errorf("customroute: invalid redirect status %d for %q", d.StatusCode, d.Source)
		}
		return d.StatusCode, nil
	}
	if d.Permanent != nil && *d.Permanent {
		return http.StatusPermanentRedirect, nil
	}
	return http.StatusTemporaryRedirect, nil
}

// RestrictedPaths returns the prefixes non-internal redirects and rewrites
// may never match.
func RestrictedPaths(basePath string) []string {
	return []string{basePath + "/_next"}
}

// Build compiles decl. Non-internal routes accept an optional trailing
// slash; non-internal redirects and rewrites never match reserved /_next
// paths. Header rules apply everywhere.
func Build(kind Kind, decl Decl, basePath string, caseSensitive bool) (*Route, error) {
	if decl.Source == "" || decl.Source[0] != '/' {
		return nil, fmt.Errorf("customroute: source %q must start with /", decl.Source)
	}
	if kind != KindHeader && decl.Destination == "" {
		return nil, fmt.Errorf("customroute: %s %q has no destination", kind, decl.Source)
	}

	opts := pathmatch.Options{
		Sensitive:     caseSensitive,
		RemoveUnnamed: true,
	}
	if !decl.Internal {
		opts.OptionalTrailingSlash = true
		if kind != KindHeader {
			opts.Exclude = RestrictedPaths(basePath)
		}
	}

	m, err := pathmatch.Compile(decl.Source, opts)
	if err != nil {
		return nil, fmt.Errorf("customroute: %s %q: %w", kind, decl.Source, err)
	}

	r := &Route{Decl: decl, Kind: kind, matcher: m, Regex: m.String()}
	if r.IsRedirect() {
		status, err := RedirectStatus(decl)
		if err != nil {
			return nil, err
		}
		r.StatusCode = status
		r.Permanent = nil
	}
	return r, nil
}

