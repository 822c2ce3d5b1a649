package mwrunner

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/starford/nextserve/internal/customroute"
	"github.com/starford/nextserve/internal/i18n"
	"github.com/starford/nextserve/internal/pathmatch"
)

// MatcherDecl restricts the paths middleware runs for.
type MatcherDecl struct {
	Source  string                  `yaml:"source" json:"source"`
	Has     []customroute.Condition `yaml:"has,omitempty" json:"has,omitempty"`
	Missing []customroute.Condition `yaml:"missing,omitempty" json:"missing,omitempty"`
	// Locale set to false matches Source without a locale prefix.
	Locale *bool `yaml:"locale,omitempty" json:"locale,omitempty"`
}

// Matcher is a compiled MatcherDecl.
type Matcher struct {
	Decl MatcherDecl
	m    *pathmatch.Matcher
}

// Regex returns the compiled expression.
func (m *Matcher) Regex() string {
	if m.m == nil {
		return ".*"
	}
	return m.m.String()
}

// Matchers decides whether middleware runs for a request.
type Matchers struct {
	list []*Matcher
}

// CompileMatchers compiles decls. Sources match with an optional
// /_next/data/<buildId> prefix and .json suffix and, when i18n is
// configured, behind a locale segment. No decls means middleware runs for
// every path.
func CompileMatchers(decls []MatcherDecl, basePath string, cfg *i18n.Config) (*Matchers, error) {
	if len(decls) == 0 {
		return &Matchers{list: []*Matcher{{}}}, nil
	}
	out := &Matchers{}
	for _, d := range decls {
		if d.Source == "" || d.Source[0] != '/' {
			return nil, fmt.Errorf("mwrunner: matcher %q must start with /", d.Source)
		}
		prefix := regexp2.Escape(basePath) + `(?:/_next/data/[^/]+)?`
		if cfg.Enabled() && (d.Locale == nil || *d.Locale) {
			locales := make([]string, len(cfg.Locales))
			for i, l := range cfg.Locales {
				locales[i] = regexp2.Escape(l)
			}
			prefix += `/(?:` + strings.Join(locales, "|") + `)`
		}
		source := d.Source
		suffix := `(?:\.json)?`
		if source == "/" {
			suffix = `(?:/?index|/?index\.json)?`
			if cfg.Enabled() && (d.Locale == nil || *d.Locale) {
				source = ""
				suffix = `(?:\.json|/?index|/?index\.json)?`
			}
		}
		m, err := pathmatch.Compile(source, pathmatch.Options{
			Sensitive:             true,
			OptionalTrailingSlash: true,
			PrefixExpr:            prefix,
			SuffixExpr:            suffix,
		})
		if err != nil {
			return nil, fmt.Errorf("mwrunner: matcher %q: %w", d.Source, err)
		}
		out.list = append(out.list, &Matcher{Decl: d, m: m})
	}
	return out, nil
}

// List returns the compiled matchers.
func (ms *Matchers) List() []*Matcher { return ms.list }

// Match reports whether middleware should run for pathname.
func (ms *Matchers) Match(r *http.Request, query url.Values, pathname string) bool {
	if ms == nil {
		return false
	}
	for _, m := range ms.list {
		if m.m == nil {
			return true
		}
		if _, ok := m.m.Match(pathname); !ok {
			continue
		}
		if len(m.Decl.Has) > 0 || len(m.Decl.Missing) > 0 {
			if _, ok := customroute.MatchHas(r, query, m.Decl.Has, m.Decl.Missing); !ok {
				continue
			}
		}
		return true
	}
	return false
}
