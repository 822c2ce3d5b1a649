package fsindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/starford/nextserve/internal/apperr"
	"github.com/starford/nextserve/internal/i18n"
	"github.com/starford/nextserve/internal/storage"
)

const (
	pagesManifestFile    = "server/pages-manifest.json"
	appPathsManifestFile = "server/app-paths-manifest.json"
	buildIDFile          = "BUILD_ID"

	nextStaticPrefix   = "/_next/static"
	legacyStaticPrefix = "/static"
)

// internal pages are never routable on their own.
var internalPages = map[string]bool{"/_app": true, "/_document": true, "/_error": true}

type snapshot struct {
	buildID      string
	devVirtual   map[string]struct{}
	nextStatic   map[string]struct{}
	legacyStatic map[string]struct{}
	public       map[string]struct{}
	app          map[string]struct{}
	pages        map[string]struct{}
	dynamic      []DynamicRoute
}

type roots struct {
	public       *storage.FS
	nextStatic   *storage.FS
	legacyStatic *storage.FS
	pagesDir     *storage.FS
	appDir       *storage.FS
	dist         *storage.FS
}

func newRoots(dir, distDir string) (*roots, error) {
	if !filepath.IsAbs(distDir) {
		distDir = filepath.Join(dir, distDir)
	}
	var (
		r   roots
		err error
	)
	for _, item := range []struct {
		dst  **storage.FS
		root string
	}{
		{&r.public, filepath.Join(dir, "public")},
		{&r.nextStatic, filepath.Join(distDir, "static")},
		{&r.legacyStatic, filepath.Join(dir, "static")},
		{&r.pagesDir, filepath.Join(dir, "pages")},
		{&r.appDir, filepath.Join(dir, "app")},
		{&r.dist, distDir},
	} {
		if *item.dst, err = storage.NewFS(item.root); err != nil {
			return nil, fmt.Errorf("fsindex: %w", err)
		}
	}
	return &r, nil
}

func listSet(f *storage.FS, prefix string) (map[string]struct{}, error) {
	files, err := f.List("")
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(files))
	for _, p := range files {
		out[prefix+"/"+p] = struct{}{}
	}
	return out, nil
}

func readJSONKeys(f *storage.FS, name string) ([]string, error) {
	data, err := f.Read(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("fsindex: decode %s: %w", name, err)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys, nil
}

// NormalizeAppPath turns an app entry like /(shop)/@modal/item/page into
// its route /item.
func NormalizeAppPath(entry string) string {
	var segs []string
	parts := strings.Split(entry, "/")
	for i, seg := range parts {
		if seg == "" {
			continue
		}
		if strings.HasPrefix(seg, "(") && strings.HasSuffix(seg, ")") {
			continue
		}
		if strings.HasPrefix(seg, "@") {
			continue
		}
		if i == len(parts)-1 && (seg == "page" || seg == "route") {
			continue
		}
		segs = append(segs, seg)
	}
	return "/" + strings.Join(segs, "/")
}

// pagePathFromFile maps pages/blog/index.tsx to /blog.
func pagePathFromFile(rel string, exts []string) (string, bool) {
	ext := path.Ext(rel)
	if !hasExt(exts, ext) {
		return "", false
	}
	p := "/" + strings.TrimSuffix(rel, ext)
	if p == "/index" {
		return "/", true
	}
	return strings.TrimSuffix(p, "/index"), true
}

func appPathFromFile(rel string, exts []string) (string, bool) {
	ext := path.Ext(rel)
	base := strings.TrimSuffix(path.Base(rel), ext)
	if !hasExt(exts, ext) || (base != "page" && base != "route") {
		return "", false
	}
	return NormalizeAppPath("/" + strings.TrimSuffix(rel, ext)), true
}

func hasExt(exts []string, ext string) bool {
	ext = strings.TrimPrefix(ext, ".")
	for _, e := range exts {
		if strings.TrimPrefix(e, ".") == ext {
			return true
		}
	}
	return false
}

func (x *Index) scan() (*snapshot, error) {
	r := x.roots
	snap := &snapshot{devVirtual: map[string]struct{}{}}
	var err error

	if snap.public, err = listSet(r.public, ""); err != nil {
		return nil, err
	}
	if snap.nextStatic, err = listSet(r.nextStatic, nextStaticPrefix); err != nil {
		return nil, err
	}
	if snap.legacyStatic, err = listSet(r.legacyStatic, legacyStaticPrefix); err != nil {
		return nil, err
	}

	var pageKeys, appKeys []string
	if x.opts.Dev {
		snap.buildID = "development"
		pageKeys, appKeys, err = x.scanSourceDirs()
	} else {
		pageKeys, appKeys, err = x.readManifests(snap)
	}
	if err != nil {
		return nil, err
	}

	var locales []string
	if x.opts.I18n.Enabled() {
		locales = x.opts.I18n.Locales
	}
	snap.pages = make(map[string]struct{}, len(pageKeys))
	for _, p := range pageKeys {
		if internalPages[p] {
			continue
		}
		snap.pages[i18n.NormalizeLocalePath(p, locales).Pathname] = struct{}{}
	}
	snap.app = make(map[string]struct{}, len(appKeys))
	for _, a := range appKeys {
		route := NormalizeAppPath(a)
		if _, clash := snap.pages[route]; clash {
			return nil, fmt.Errorf("fsindex: %s: %w", route, apperr.ErrConflictingRoute)
		}
		snap.app[route] = struct{}{}
	}

	all := make([]string, 0, len(snap.pages)+len(snap.app))
	for p := range snap.pages {
		all = append(all, p)
	}
	for a := range snap.app {
		all = append(all, a)
	}
	if snap.dynamic, err = buildDynamicRoutes(all); err != nil {
		return nil, err
	}
	return snap, nil
}

func (x *Index) readManifests(snap *snapshot) (pages, app []string, err error) {
	if pages, err = readJSONKeys(x.roots.dist, pagesManifestFile); err != nil {
		return nil, nil, err
	}
	if app, err = readJSONKeys(x.roots.dist, appPathsManifestFile); err != nil {
		return nil, nil, err
	}
	data, err := x.roots.dist.Read(buildIDFile)
	switch {
	case err == nil:
		snap.buildID = strings.TrimSpace(string(data))
	case errors.Is(err, os.ErrNotExist):
		x.logger.Warn("fsindex: BUILD_ID missing", slog.String("dist_dir", x.roots.dist.Root()))
	default:
		return nil, nil, err
	}
	return pages, app, nil
}

func (x *Index) scanSourceDirs() (pages, app []string, err error) {
	files, err := x.roots.pagesDir.List("")
	if err != nil {
		return nil, nil, err
	}
	for _, f := range files {
		if p, ok := pagePathFromFile(f, x.opts.PageExtensions); ok {
			pages = append(pages, p)
		}
	}
	files, err = x.roots.appDir.List("")
	if err != nil {
		return nil, nil, err
	}
	for _, f := range files {
		if a, ok := appPathFromFile(f, x.opts.PageExtensions); ok {
			app = append(app, a)
		}
	}
	return pages, app, nil
}
