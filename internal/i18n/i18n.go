// Package i18n implements locale detection for paths, hosts and request
// headers.
package i18n

import (
	"net/http"
	"strings"

	"golang.org/x/text/language"
)

// CookieName is the cookie that pins a visitor's locale.
const CookieName = "NEXT_LOCALE"

// Domain maps a hostname to its default locale.
type Domain struct {
	Domain        string   `yaml:"domain" json:"domain"`
	DefaultLocale string   `yaml:"default_locale" json:"defaultLocale"`
	Locales       []string `yaml:"locales" json:"locales,omitempty"`
	HTTP          bool     `yaml:"http" json:"http,omitempty"`
}

// Config is the i18n section of the project configuration.
type Config struct {
	Locales         []string `yaml:"locales" json:"locales"`
	DefaultLocale   string   `yaml:"default_locale" json:"defaultLocale"`
	Domains         []Domain `yaml:"domains" json:"domains,omitempty"`
	LocaleDetection *bool    `yaml:"locale_detection" json:"localeDetection,omitempty"`
}

// Enabled reports whether any locales are configured.
func (c *Config) Enabled() bool {
	return c != nil && len(c.Locales) > 0
}

// DetectionEnabled reports whether locale redirects at the root are on.
func (c *Config) DetectionEnabled() bool {
	return c.Enabled() && (c.LocaleDetection == nil || *c.LocaleDetection)
}

// PathLocale is the result of stripping a locale prefix from a path.
type PathLocale struct {
	Pathname       string
	DetectedLocale string
}

// NormalizeLocalePath removes a leading locale segment from pathname.
// Locale comparison is case-insensitive; the configured spelling is
// returned.
func NormalizeLocalePath(pathname string, locales []string) PathLocale {
	if len(locales) == 0 || len(pathname) < 2 {
		return PathLocale{Pathname: pathname}
	}
	seg := pathname[1:]
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	for _, l := range locales {
		if !strings.EqualFold(seg, l) {
			continue
		}
		rest := pathname[len(seg)+1:]
		if rest == "" {
			rest = "/"
		}
		return PathLocale{Pathname: rest, DetectedLocale: l}
	}
	return PathLocale{Pathname: pathname}
}

// DetectDomainLocale finds the domain entry serving hostname, or the one
// whose locales include detectedLocale.
func DetectDomainLocale(domains []Domain, hostname, detectedLocale string) *Domain {
	hostname = strings.ToLower(hostname)
	detectedLocale = strings.ToLower(detectedLocale)
	for i := range domains {
		d := &domains[i]
		domainHost := strings.ToLower(strings.SplitN(d.Domain, ":", 2)[0])
		if hostname != "" && hostname == domainHost {
			return d
		}
		if detectedLocale == "" {
			continue
		}
		if detectedLocale == strings.ToLower(d.DefaultLocale) {
			return d
		}
		for _, l := range d.Locales {
			if strings.ToLower(l) == detectedLocale {
				return d
			}
		}
	}
	return nil
}

// Hostname returns the request host without its port, lowercased.
func Hostname(r *http.Request) string {
	host := r.Host
	if host == "" {
		host = r.Header.Get("Host")
	}
	return strings.ToLower(strings.SplitN(host, ":", 2)[0])
}

// DefaultLocaleFor returns the domain's default locale for r, falling back
// to the global default.
func (c *Config) DefaultLocaleFor(r *http.Request) (string, *Domain) {
	d := DetectDomainLocale(c.Domains, Hostname(r), "")
	if d != nil && d.DefaultLocale != "" {
		return d.DefaultLocale, d
	}
	return c.DefaultLocale, d
}

// PreferredLocale returns the locale pinned by cookie, otherwise the best
// Accept-Language match, otherwise "".
func (c *Config) PreferredLocale(r *http.Request) string {
	if ck, err := r.Cookie(CookieName); err == nil {
		for _, l := range c.Locales {
			if strings.EqualFold(ck.Value, l) {
				return l
			}
		}
	}
	return c.acceptLocale(r.Header.Get("Accept-Language"))
}

func (c *Config) acceptLocale(header string) string {
	if header == "" {
		return ""
	}
	desired, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(desired) == 0 {
		return ""
	}
	var (
		supported []language.Tag
		names     []string
	)
	for _, l := range c.Locales {
		tag, err := language.Parse(l)
		if err != nil {
			continue
		}
		supported = append(supported, tag)
		names = append(names, l)
	}
	if len(supported) == 0 {
		return ""
	}
	_, idx, conf := language.NewMatcher(supported).Match(desired...)
	if conf == language.No {
		return ""
	}
	return names[idx]
}

// RedirectInput describes the request being checked for a locale redirect.
type RedirectInput struct {
	Pathname      string
	BasePath      string
	TrailingSlash bool
	RawQuery      string
}

// Redirect returns the locale-prefixed destination for root requests
// whose preferred locale differs from the default, or "" when no redirect
// applies.
func (c *Config) Redirect(r *http.Request, in RedirectInput) string {
	if !c.DetectionEnabled() {
		return ""
	}
	if in.Pathname != "/" && in.Pathname != "" {
		return ""
	}

	preferred := c.PreferredLocale(r)
	if preferred == "" {
		return ""
	}
	defaultLocale, domain := c.DefaultLocaleFor(r)

	if domain != nil {
		preferredDomain := DetectDomainLocale(c.Domains, "", preferred)
		if preferredDomain != nil && (preferredDomain.Domain != domain.Domain || preferred != preferredDomain.DefaultLocale) {
			scheme := "https"
			if preferredDomain.HTTP {
				scheme = "http"
			}
			suffix := ""
			if preferred != preferredDomain.DefaultLocale {
				suffix = preferred
			}
			return scheme + "://" + preferredDomain.Domain + in.BasePath + "/" + suffix
		}
	}

	if strings.EqualFold(preferred, defaultLocale) {
		return ""
	}
	dest := in.BasePath + "/" + preferred
	if in.TrailingSlash {
		dest += "/"
	}
	if in.RawQuery != "" {
		dest += "?" + in.RawQuery
	}
	return dest
}
