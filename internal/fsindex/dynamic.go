package fsindex

import (
	"fmt"
	"sort"
	"strings"

	"github.com/starford/nextserve/internal/pathmatch"
)

// DynamicRoute is a page or app route with bracket segments.
type DynamicRoute struct {
	Page  string `json:"page"`
	Regex string `json:"regex"`

	matcher *pathmatch.Matcher
}

// Match matches pathname against the route. Params are returned raw;
// callers decode them.
func (d DynamicRoute) Match(pathname string) (pathmatch.Params, bool) {
	return d.matcher.Match(pathname)
}

// IsDynamicRoute reports whether page contains a bracket segment.
func IsDynamicRoute(page string) bool {
	return strings.Contains(page, "[") && strings.Contains(page, "]")
}

func newDynamicRoute(page string) (DynamicRoute, error) {
	m, err := pathmatch.Compile(page, pathmatch.Options{Sensitive: true, OptionalTrailingSlash: true})
	if err != nil {
		return DynamicRoute{}, fmt.Errorf("fsindex: dynamic route %q: %w", page, err)
	}
	return DynamicRoute{Page: page, Regex: m.String(), matcher: m}, nil
}

// segmentRank orders segments: static, [x], [...x], [[...x]].
func segmentRank(seg string) int {
	switch {
	case strings.HasPrefix(seg, "[[..."):
		return 3
	case strings.HasPrefix(seg, "[..."):
		return 2
	case strings.HasPrefix(seg, "["):
		return 1
	}
	return 0
}

func splitRoute(page string) []string {
	trimmed := strings.Trim(page, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// SortRoutes orders routes so that more specific routes come first. A
// route precedes its descendants; siblings are ordered by segmentRank and
// then alphabetically.
func SortRoutes(pages []string) []string {
	out := append([]string(nil), pages...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := splitRoute(out[i]), splitRoute(out[j])
		for k := 0; k < len(a) && k < len(b); k++ {
			ra, rb := segmentRank(a[k]), segmentRank(b[k])
			if ra != rb {
				return ra < rb
			}
			if ra == 0 && a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return len(a) < len(b)
	})
	return out
}

// validateSlugs rejects sibling dynamic segments with different names,
// which would make matching ambiguous.
func validateSlugs(pages []string) error {
	seen := map[string]string{}
	for _, p := range pages {
		segs := splitRoute(p)
		for i, seg := range segs {
			if segmentRank(seg) == 0 {
				continue
			}
			parent := "/" + strings.Join(segs[:i], "/") + fmt.Sprintf("#%d", segmentRank(seg))
			name := strings.Trim(seg, "[].")
			if prev, ok := seen[parent]; ok && prev != name {
				return fmt.Errorf("fsindex: you cannot use different slug names for the same dynamic path (%q != %q) in %s", prev, name, p)
			}
			seen[parent] = name
		}
	}
	return nil
}

func buildDynamicRoutes(pages []string) ([]DynamicRoute, error) {
	var dyn []string
	for _, p := range pages {
		if IsDynamicRoute(p) {
			dyn = append(dyn, p)
		}
	}
	if err := validateSlugs(dyn); err != nil {
		return nil, err
	}
	sorted := SortRoutes(dyn)
	routes := make([]DynamicRoute, 0, len(sorted))
	for _, p := range sorted {
		r, err := newDynamicRoute(p)
		if err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, nil
}
