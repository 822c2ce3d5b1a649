package imageopt

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar"

	"github.com/starford/nextserve/internal/checksum"
)

// Params is a validated image request.
type Params struct {
	Href       string
	IsAbsolute bool
	IsStatic   bool
	Width      int
	Quality    int
	// MimeType is the negotiated output format, "" to keep the source type.
	MimeType string
}

var recursiveImage = regexp.MustCompile(`/_next/image($|/)`)

// ValidateParams checks an image request against the allow-lists in cfg.
// On failure it returns nil and the message written to the client.
func ValidateParams(req *http.Request, query url.Values, cfg Config, isDev bool) (*Params, string) {
	urls := query["url"]
	switch {
	case len(urls) == 0 || urls[0] == "":
		return nil, `"url" parameter is required`
	case len(urls) > 1:
		return nil, `"url" parameter cannot be an array`
	}
	raw := urls[0]
	if len(raw) > maxURLLength {
		return nil, `"url" parameter is too long`
	}
	if strings.HasPrefix(raw, "//") {
		return nil, `"url" parameter cannot be a protocol-relative URL (//)`
	}

	p := &Params{IsStatic: strings.HasPrefix(raw, cfg.BasePath+"/_next/static/media")}
	if strings.HasPrefix(raw, "/") {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, `"url" parameter is invalid`
		}
		if recursiveImage.MatchString(u.Path) {
			return nil, `"url" parameter cannot be recursive`
		}
		if !hasLocalMatch(cfg.LocalPatterns, u) {
			return nil, `"url" parameter is not allowed`
		}
		p.Href = raw
	} else {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, `"url" parameter is invalid`
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, `"url" parameter is invalid`
		}
		if !hasRemoteMatch(cfg.Domains, cfg.RemotePatterns, u) {
			return nil, `"url" parameter is not allowed`
		}
		p.Href = u.String()
		p.IsAbsolute = true
	}

	ws, qs := query["w"], query["q"]
	switch {
	case len(ws) == 0 || ws[0] == "":
		return nil, `"w" parameter (width) is required`
	case len(ws) > 1:
		return nil, `"w" parameter (width) cannot be an array`
	case len(qs) == 0 || qs[0] == "":
		return nil, `"q" parameter (quality) is required`
	case len(qs) > 1:
		return nil, `"q" parameter (quality) cannot be an array`
	}

	width, err := strconv.Atoi(ws[0])
	if err != nil || width <= 0 {
		return nil, `"w" parameter (width) must be an integer greater than 0`
	}
	sizes := append(slices.Clone(cfg.DeviceSizes), cfg.ImageSizes...)
	if isDev {
		sizes = append(sizes, BlurImageSize)
	}
	if !slices.Contains(sizes, width) {
		return nil, fmt.Sprintf(`"w" parameter (width) of %d is not allowed`, width)
	}

	quality, err := strconv.Atoi(qs[0])
	if err != nil || quality < 1 || quality > 100 {
		return nil, `"q" parameter (quality) must be an integer between 1 and 100`
	}
	if len(cfg.Qualities) > 0 {
		allowed := slices.Clone(cfg.Qualities)
		if isDev {
			allowed = append(allowed, BlurQuality)
		}
		if !slices.Contains(allowed, quality) {
			return nil, fmt.Sprintf(`"q" parameter (quality) of %d is not allowed`, quality)
		}
	}

	p.Width = width
	p.Quality = quality
	if req != nil {
		p.MimeType = negotiateFormat(req.Header.Get("Accept"), cfg.Formats)
	}
	return p, ""
}

// CacheKey is the directory name of the cache entry for p.
func CacheKey(p *Params) string {
	return checksum.Key(cacheVersion, p.Href, strconv.Itoa(p.Width), strconv.Itoa(p.Quality), p.MimeType)
}

func hasLocalMatch(patterns []LocalPattern, u *url.URL) bool {
	if patterns == nil {
		return true
	}
	for _, lp := range patterns {
		if lp.Search != nil && *lp.Search != search(u) {
			continue
		}
		if globMatch(orAny(lp.Pathname), u.Path) {
			return true
		}
	}
	return false
}

func hasRemoteMatch(domains []string, patterns []RemotePattern, u *url.URL) bool {
	host := u.Hostname()
	if slices.Contains(domains, host) {
		return true
	}
	for _, rp := range patterns {
		if matchRemote(rp, u, host) {
			return true
		}
	}
	return false
}

func matchRemote(rp RemotePattern, u *url.URL, host string) bool {
	if rp.Protocol != "" && strings.TrimSuffix(rp.Protocol, ":") != u.Scheme {
		return false
	}
	if rp.Port != "" && rp.Port != u.Port() {
		return false
	}
	if rp.Hostname == "" {
		return false
	}
	if !globMatch(hostGlob(rp.Hostname), hostGlob(host)) {
		return false
	}
	if rp.Search != nil && *rp.Search != search(u) {
		return false
	}
	return globMatch(orAny(rp.Pathname), u.Path)
}

// hostGlob lets path globs match hostnames label by label: "*" is one
// label, "**" any number.
func hostGlob(h string) string {
	return strings.ReplaceAll(h, ".", "/")
}

func search(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	return "?" + u.RawQuery
}

func orAny(pattern string) string {
	if pattern == "" {
		return "**"
	}
	return pattern
}

func globMatch(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}
