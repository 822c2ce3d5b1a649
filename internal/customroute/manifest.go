package customroute

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dlclark/regexp2"
	"gopkg.in/yaml.v3"

	"github.com/starford/nextserve/internal/i18n"
)

// Rewrites groups rewrites by the pipeline phase they run in.
type Rewrites struct {
	BeforeFiles []Decl `yaml:"before_files" json:"beforeFiles"`
	AfterFiles  []Decl `yaml:"after_files" json:"afterFiles"`
	Fallback    []Decl `yaml:"fallback" json:"fallback"`
}

type rewritesAlias Rewrites

// UnmarshalYAML accepts either the phased mapping or a plain list, which
// is treated as afterFiles.
func (r *Rewrites) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var list []Decl
		if err := node.Decode(&list); err != nil {
			return err
		}
		*r = Rewrites{AfterFiles: list}
		return nil
	}
	var a rewritesAlias
	if err := node.Decode(&a); err != nil {
		return err
	}
	*r = Rewrites(a)
	return nil
}

// UnmarshalJSON is the JSON counterpart of UnmarshalYAML.
func (r *Rewrites) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var list []Decl
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*r = Rewrites{AfterFiles: list}
		return nil
	}
	var a rewritesAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = Rewrites(a)
	return nil
}

// Manifest is the full set of declared routes.
type Manifest struct {
	Headers   []Decl   `yaml:"headers" json:"headers"`
	Redirects []Decl   `yaml:"redirects" json:"redirects"`
	Rewrites  Rewrites `yaml:"rewrites" json:"rewrites"`
}

// LoadManifest reads a build-emitted routes-manifest.json. Its routes are
// already prefixed and are compiled without Prepare. A missing file yields
// an empty manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("customroute: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("customroute: decode manifest %s: %w", path, err)
	}
	return &m, nil
}

// Merge appends other's routes after m's.
func (m *Manifest) Merge(other *Manifest) {
	if other == nil {
		return
	}
	m.Headers = append(m.Headers, other.Headers...)
	m.Redirects = append(m.Redirects, other.Redirects...)
	m.Rewrites.BeforeFiles = append(m.Rewrites.BeforeFiles, other.Rewrites.BeforeFiles...)
	m.Rewrites.AfterFiles = append(m.Rewrites.AfterFiles, other.Rewrites.AfterFiles...)
	m.Rewrites.Fallback = append(m.Rewrites.Fallback, other.Rewrites.Fallback...)
}

// PrepareOptions carries the project settings applied to declared routes.
type PrepareOptions struct {
	BasePath      string
	TrailingSlash bool
	I18n          *i18n.Config
}

// Prepare applies base path and locale prefixes to every declared route.
func (m *Manifest) Prepare(opts PrepareOptions) *Manifest {
	return &Manifest{
		Headers:   prepareRoutes(m.Headers, KindHeader, opts),
		Redirects: prepareRoutes(m.Redirects, KindRedirect, opts),
		Rewrites: Rewrites{
			BeforeFiles: prepareRoutes(m.Rewrites.BeforeFiles, KindRewrite, opts),
			AfterFiles:  prepareRoutes(m.Rewrites.AfterFiles, KindRewrite, opts),
			Fallback:    prepareRoutes(m.Rewrites.Fallback, KindRewrite, opts),
		},
	}
}

type localeBase struct {
	locale string
	base   string
}

func prepareRoutes(decls []Decl, kind Kind, opts PrepareOptions) []Decl {
	var defaults []localeBase
	if opts.I18n.Enabled() && kind == KindRedirect {
		for _, d := range opts.I18n.Domains {
			scheme := "https"
			if d.HTTP {
				scheme = "http"
			}
			defaults = append(defaults, localeBase{locale: d.DefaultLocale, base: scheme + "://" + d.Domain})
		}
		defaults = append(defaults, localeBase{locale: opts.I18n.DefaultLocale})
	}

	out := make([]Decl, 0, len(decls))
	for _, d := range decls {
		srcBase := ""
		if opts.BasePath != "" && (d.BasePath == nil || *d.BasePath) {
			srcBase = opts.BasePath
		}
		external := d.Destination != "" && !strings.HasPrefix(d.Destination, "/")
		destBase := ""
		if srcBase != "" && !external {
			destBase = srcBase
		}

		if opts.I18n.Enabled() && (d.Locale == nil || *d.Locale) {
			source := d.Source
			if source == "/" && !opts.TrailingSlash {
				source = ""
			}
			if !external {
				for _, lb := range defaults {
					extra := d
					if d.Destination != "" {
						extra.Destination = lb.base + destBase + d.Destination
					}
					extra.Source = srcBase + "/" + lb.locale + source
					out = append(out, extra)
				}
			}
			alts := make([]string, len(opts.I18n.Locales))
			for i, l := range opts.I18n.Locales {
				alts[i] = regexp2.Escape(l)
			}
			d.Source = "/:" + internalLocaleKey + "(" + strings.Join(alts, "|") + ")" + source
			if strings.HasPrefix(d.Destination, "/") {
				dest := d.Destination
				if dest == "/" && !opts.TrailingSlash {
					dest = ""
				}
				d.Destination = "/:" + internalLocaleKey + dest
			}
		}

		if d.Source == "/" && srcBase != "" {
			d.Source = srcBase
		} else {
			d.Source = srcBase + d.Source
		}
		if d.Destination != "" {
			if d.Destination == "/" && destBase != "" {
				d.Destination = destBase
			} else {
				d.Destination = destBase + d.Destination
			}
		}
		out = append(out, d)
	}
	return out
}

// Set holds the compiled routes of every pipeline phase.
type Set struct {
	Headers     []*Route
	Redirects   []*Route
	BeforeFiles []*Route
	AfterFiles  []*Route
	Fallback    []*Route
}

// Compile builds every declaration in m. afterFiles and fallback rewrites
// are compiled with Check set.
func Compile(m *Manifest, basePath string, caseSensitive bool) (*Set, error) {
	build := func(kind Kind, decls []Decl, check bool) ([]*Route, error) {
		routes := make([]*Route, 0, len(decls))
		for _, d := range decls {
			r, err := Build(kind, d, basePath, caseSensitive)
			if err != nil {
				return nil, err
			}
			r.Check = check
			routes = append(routes, r)
		}
		return routes, nil
	}

	var (
		s   Set
		err error
	)
	if s.Headers, err = build(KindHeader, m.Headers, false); err != nil {
		return nil, err
	}
	if s.Redirects, err = build(KindRedirect, m.Redirects, false); err != nil {
		return nil, err
	}
	if s.BeforeFiles, err = build(KindRewrite, m.Rewrites.BeforeFiles, false); err != nil {
		return nil, err
	}
	if s.AfterFiles, err = build(KindRewrite, m.Rewrites.AfterFiles, true); err != nil {
		return nil, err
	}
	if s.Fallback, err = build(KindRewrite, m.Rewrites.Fallback, true); err != nil {
		return nil, err
	}
	return &s, nil
}

// All returns every compiled route in pipeline order.
func (s *Set) All() []*Route {
	var out []*Route
	for _, group := range [][]*Route{s.Headers, s.Redirects, s.BeforeFiles, s.AfterFiles, s.Fallback} {
		out = append(out, group...)
	}
	return out
}
