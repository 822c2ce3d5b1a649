package fsindex

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/starford/nextserve/internal/i18n"
	"github.com/starford/nextserve/internal/storage"
)

// Options configure an Index.
type Options struct {
	// Dir is the project directory; DistDir the build output, relative to
	// Dir unless absolute.
	Dir     string
	DistDir string

	BasePath       string
	Dev            bool
	MinimalMode    bool
	I18n           *i18n.Config
	PageExtensions []string

	// CacheBytes is the lookup cache budget. Ignored in dev.
	CacheBytes int
	// Ensure compiles page and app routes on demand in dev.
	Ensure EnsureFunc
	Logger *slog.Logger
}

// Index answers GetItem lookups from an immutable snapshot that is swapped
// wholesale on Reload.
type Index struct {
	opts   Options
	roots  *roots
	logger *slog.Logger
	cache  *itemCache

	mu   sync.Mutex // serializes writers of snap
	snap atomic.Pointer[snapshot]
}

// New scans the project and returns a ready Index.
func New(opts Options) (*Index, error) {
	if opts.DistDir == "" {
		opts.DistDir = ".next"
	}
	if len(opts.PageExtensions) == 0 {
		opts.PageExtensions = []string{"tsx", "ts", "jsx", "js"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r, err := newRoots(opts.Dir, opts.DistDir)
	if err != nil {
		return nil, err
	}
	x := &Index{opts: opts, roots: r, logger: opts.Logger}
	if !opts.Dev {
		x.cache = newItemCache(opts.CacheBytes)
	}
	if err := x.Reload(); err != nil {
		return nil, err
	}
	return x, nil
}

// Reload rescans the project and atomically replaces the snapshot. Dev
// virtual items survive a reload. The lookup cache is purged.
func (x *Index) Reload() error {
	next, err := x.scan()
	if err != nil {
		return err
	}
	x.mu.Lock()
	if prev := x.snap.Load(); prev != nil {
		next.devVirtual = prev.devVirtual
	}
	x.snap.Store(next)
	x.mu.Unlock()
	x.Clear()
	return nil
}

// SetVirtualItems replaces the dev virtual item set.
func (x *Index) SetVirtualItems(paths []string) {
	items := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		items[p] = struct{}{}
	}
	x.mu.Lock()
	cp := *x.snap.Load()
	cp.devVirtual = items
	x.snap.Store(&cp)
	x.mu.Unlock()
	x.Clear()
}

// Clear purges the lookup cache.
func (x *Index) Clear() {
	if x.cache != nil {
		x.cache.purge()
	}
}

// CacheStats returns the number of cached lookups and their byte weight.
func (x *Index) CacheStats() (entries, bytes int) {
	if x.cache == nil {
		return 0, 0
	}
	return x.cache.stats()
}

// BuildID returns the build id of the loaded output.
func (x *Index) BuildID() string { return x.snap.Load().buildID }

// DynamicRoutes returns the dynamic routes in match order. The slice is
// shared and must not be modified.
func (x *Index) DynamicRoutes() []DynamicRoute { return x.snap.Load().dynamic }

// HasPage reports whether route is a known page or app route.
func (x *Index) HasPage(route string) bool {
	s := x.snap.Load()
	_, page := s.pages[route]
	_, app := s.app[route]
	return page || app
}

// Routes returns all page and app routes, sorted.
func (x *Index) Routes() []string {
	s := x.snap.Load()
	out := make([]string, 0, len(s.pages)+len(s.app))
	for p := range s.pages {
		out = append(out, p)
	}
	for a := range s.app {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// GetItem returns the output serving itemPath, or nil.
func (x *Index) GetItem(ctx context.Context, itemPath string) *Output {
	if x.cache != nil {
		if out, ok := x.cache.get(itemPath); ok {
			return out
		}
	}
	out := x.lookup(ctx, itemPath)
	if x.cache != nil {
		x.cache.set(itemPath, out)
	}
	return out
}

type itemSet struct {
	kind  Kind
	items map[string]struct{}
}

func (x *Index) lookup(ctx context.Context, itemPath string) *Output {
	if bp := x.opts.BasePath; bp != "" {
		if !HasPathPrefix(itemPath, bp) {
			return nil
		}
		itemPath = strings.TrimPrefix(itemPath, bp)
		if itemPath == "" {
			itemPath = "/"
		}
	}
	if x.opts.MinimalMode {
		itemPath = NormalizeMinimalPath(itemPath)
	}
	if itemPath != "/" && strings.HasSuffix(itemPath, "/") {
		itemPath = itemPath[:len(itemPath)-1]
	}
	if itemPath == "/_next/image" {
		return &Output{Kind: KindNextImage, ItemPath: itemPath}
	}

	s := x.snap.Load()
	sets := []itemSet{
		{KindDevVirtualFS, s.devVirtual},
		{KindNextStaticFolder, s.nextStatic},
		{KindLegacyStaticFolder, s.legacyStatic},
		{KindPublicFolder, s.public},
		{KindAppFile, s.app},
		{KindPageFile, s.pages},
	}
	for _, set := range sets {
		if out := x.check(ctx, set, itemPath); out != nil {
			return out
		}
	}
	return nil
}

func (x *Index) check(ctx context.Context, set itemSet, itemPath string) *Output {
	cur := itemPath
	if set.kind == KindPageFile {
		if p, ok := DataPagePath(cur, x.snap.Load().buildID); ok {
			cur = p
		}
	}
	locale := ""
	if x.opts.I18n.Enabled() {
		// Static assets may be visited under the default locale only.
		allowed := []string{x.opts.I18n.DefaultLocale}
		if set.kind.IsDynamic() {
			allowed = x.opts.I18n.Locales
		}
		if lr := i18n.NormalizeLocalePath(cur, allowed); lr.Pathname != cur {
			cur, locale = lr.Pathname, lr.DetectedLocale
		}
	}

	root, prefix := x.rootFor(set.kind)
	if prefix != "" && !HasPathPrefix(cur, prefix) {
		return nil
	}

	matched := ""
	if x.opts.Dev {
		if _, ok := set.items[cur]; ok {
			matched = cur
		}
	} else {
		for _, cand := range candidates(cur) {
			if _, ok := set.items[cand]; ok {
				matched = cand
				break
			}
		}
	}

	out := &Output{Kind: set.kind, ItemPath: cur, Locale: locale}
	if matched != "" {
		out.ItemPath = matched
	}
	if root != nil {
		out.ItemsRoot = root.Root()
		out.ItemPath = strings.TrimPrefix(out.ItemPath, prefix)
	}

	switch {
	case set.kind.IsStatic():
		rel := out.ItemPath
		if matched == "" {
			if !x.opts.Dev {
				return nil
			}
			if !root.IsFile(rel) {
				decoded, err := url.PathUnescape(rel)
				if err != nil || !root.IsFile(decoded) {
					return nil
				}
				rel = decoded
				out.ItemPath = decoded
			}
		}
		abs, err := root.Path(rel)
		if err != nil {
			return nil
		}
		out.FSPath = abs

	case set.kind.IsDynamic():
		if matched == "" && !x.opts.Dev {
			return nil
		}
		if x.opts.Dev {
			if x.opts.Ensure == nil {
				if matched == "" {
					return nil
				}
			} else if err := x.opts.Ensure(ctx, set.kind, out.ItemPath); err != nil {
				x.logger.Debug("fsindex: ensure failed",
					slog.String("kind", set.kind.String()),
					slog.String("path", out.ItemPath),
					slog.String("error", err.Error()))
				return nil
			}
		}

	default:
		if matched == "" {
			return nil
		}
	}

	if set.kind == KindAppFile && locale != "" && locale != x.opts.I18n.DefaultLocale {
		return nil
	}
	return out
}

func (x *Index) rootFor(kind Kind) (*storage.FS, string) {
	switch kind {
	case KindNextStaticFolder:
		return x.roots.nextStatic, nextStaticPrefix
	case KindLegacyStaticFolder:
		return x.roots.legacyStatic, legacyStaticPrefix
	case KindPublicFolder:
		return x.roots.public, ""
	}
	return nil, ""
}

// candidates returns the raw, decoded and re-encoded spellings of p, to
// tolerate proxies that decode or encode request paths.
func candidates(p string) []string {
	out := []string{p}
	if d, err := url.PathUnescape(p); err == nil && d != p {
		out = append(out, d)
	}
	if e := (&url.URL{Path: p}).EscapedPath(); e != p {
		out = append(out, e)
	}
	return out
}

// HasPathPrefix reports whether p equals prefix or continues it with "/".
func HasPathPrefix(p, prefix string) bool {
	if prefix == "" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// NormalizeMinimalPath strips RSC suffixes and the postponed resume prefix
// the way a minimal-mode deployment receives them.
func NormalizeMinimalPath(p string) string {
	switch {
	case strings.HasSuffix(p, ".prefetch.rsc"):
		return normalizeIndex(strings.TrimSuffix(p, ".prefetch.rsc"))
	case strings.HasSuffix(p, ".rsc"):
		return normalizeIndex(strings.TrimSuffix(p, ".rsc"))
	case HasPathPrefix(p, "/_next/postponed/resume"):
		rest := strings.TrimPrefix(p, "/_next/postponed/resume")
		if rest == "" {
			return "/"
		}
		return rest
	}
	return p
}

// DataPagePath maps /_next/data/<buildID>/<page>.json to <page>.
func DataPagePath(p, buildID string) (string, bool) {
	prefix := "/_next/data/" + buildID + "/"
	if buildID == "" || !strings.HasPrefix(p, prefix) || !strings.HasSuffix(p, ".json") {
		return "", false
	}
	page := "/" + strings.TrimSuffix(p[len(prefix):], ".json")
	return normalizeIndex(page), true
}

func normalizeIndex(p string) string {
	if p == "/index" || p == "" {
		return "/"
	}
	return p
}

func (x *Index) String() string {
	s := x.snap.Load()
	return fmt.Sprintf("fsindex{pages=%d app=%d public=%d static=%d dynamic=%d}",
		len(s.pages), len(s.app), len(s.public), len(s.nextStatic), len(s.dynamic))
}
