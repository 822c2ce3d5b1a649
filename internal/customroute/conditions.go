package customroute

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/starford/nextserve/internal/pathmatch"
)

var conditionRegexps sync.Map // string -> *regexp2.Regexp

func conditionRegexp(value string) (*regexp2.Regexp, error) {
	if re, ok := conditionRegexps.Load(value); ok {
		return re.(*regexp2.Regexp), nil
	}
	re, err := regexp2.Compile("^(?:"+value+")$", regexp2.RE2)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = 100 * time.Millisecond
	conditionRegexps.Store(value, re)
	return re, nil
}

// MatchHas evaluates has and missing conditions against r and query. On
// success it returns the params captured by the conditions: named groups
// of a value pattern, or the whole value under the sanitized key when the
// condition has no value.
func MatchHas(r *http.Request, query url.Values, has, missing []Condition) (pathmatch.Params, bool) {
	params := pathmatch.Params{}
	for _, c := range has {
		if !matchCondition(r, query, c, params) {
			return nil, false
		}
	}
	for _, c := range missing {
		if matchCondition(r, query, c, pathmatch.Params{}) {
			return nil, false
		}
	}
	return params, true
}

func matchCondition(r *http.Request, query url.Values, c Condition, params pathmatch.Params) bool {
	key := c.Key
	var value string
	switch c.Type {
	case "header":
		key = strings.ToLower(key)
		vals := r.Header.Values(key)
		if len(vals) > 0 {
			value = vals[len(vals)-1]
		}
	case "cookie":
		if ck, err := r.Cookie(c.Key); err == nil {
			value = ck.Value
		}
	case "query":
		if vals := query[key]; len(vals) > 0 {
			value = vals[len(vals)-1]
		}
	case "host":
		host := r.Host
		if host == "" {
			host = r.Header.Get("Host")
		}
		value = strings.ToLower(strings.SplitN(host, ":", 2)[0])
	default:
		return false
	}

	if value == "" {
		return false
	}
	if c.Value == "" {
		params[SafeParamName(key)] = value
		return true
	}

	re, err := conditionRegexp(c.Value)
	if err != nil {
		return false
	}
	res, err := re.FindStringMatch(value)
	if err != nil || res == nil {
		return false
	}
	named := false
	for _, g := range res.Groups() {
		// Unnamed groups carry their number as name.
		if _, err := strconv.Atoi(g.Name); err == nil {
			continue
		}
		named = true
		params[g.Name] = g.String()
	}
	if !named && c.Type == "host" && res.String() != "" {
		params["host"] = res.String()
	}
	return true
}

// SafeParamName keeps only ASCII letters of name.
func SafeParamName(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// IsInterception reports whether the route is an interception rewrite,
// which is keyed on the Next-Url header as its first condition.
func (r *Route) IsInterception() bool {
	return r.Kind == KindRewrite && len(r.Has) > 0 && strings.EqualFold(r.Has[0].Key, "next-url")
}
