package customroute

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/starford/nextserve/internal/pathmatch"
)

const (
	rscQueryKey       = "_rsc"
	internalLocaleKey = "nextInternalLocale"
)

// PrepareDestination compiles destination with params and merges the
// request query into the result. Only params that the template names are
// substituted, so host ports and literal colons survive. When appendParams
// is set and the template references none of the params, every param is
// added to the query instead.
func PrepareDestination(destination string, params pathmatch.Params, query url.Values, appendParams bool) (*url.URL, error) {
	merged := cloneValues(query)
	merged.Del(rscQueryKey)

	raw := destination
	hash := ""
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		hash = raw[i:]
		raw = raw[:i]
	}
	rawQuery := ""
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		rawQuery = raw[i+1:]
		raw = raw[:i]
	}

	authority := ""
	pathPart := raw
	if i := strings.Index(raw, "://"); i >= 0 {
		rest := raw[i+3:]
		j := strings.IndexByte(rest, '/')
		if j < 0 {
			j = len(rest)
		}
		authority = raw[:i+3] + rest[:j]
		pathPart = rest[j:]
	}

	referenced := false
	for key := range params {
		if key == internalLocaleKey {
			continue
		}
		if pathmatch.HasParam(pathPart+hash, key) || pathmatch.HasParam(authority, key) {
			referenced = true
			break
		}
	}

	destQuery, _ := url.ParseQuery(rawQuery)
	for key, vals := range destQuery {
		for i, v := range vals {
			vals[i] = pathmatch.Fill(v, params)
		}
		destQuery[key] = vals
	}
	if appendParams && !referenced {
		for key, v := range params {
			if key == internalLocaleKey {
				continue
			}
			if _, ok := destQuery[key]; !ok {
				destQuery.Set(key, v)
			}
		}
	}
	for key, vals := range destQuery {
		merged[key] = vals
	}

	compiled := pathmatch.Fill(authority, params) + pathmatch.Fill(pathPart+hash, params)
	u, err := url.Parse(compiled)
	if err != nil {
		return nil, fmt.Errorf("customroute: parse destination %q: %w", compiled, err)
	}
	u.RawQuery = merged.Encode()
	return u, nil
}

// StripInternalQuery removes the internal __next* and nextInternalLocale
// keys before a URL leaves the server.
func StripInternalQuery(q url.Values) {
	for key := range q {
		if strings.HasPrefix(key, "__next") || key == internalLocaleKey {
			q.Del(key)
		}
	}
}

// CompileHeaders applies header templates to dst. Set-Cookie values are
// appended; every other header is replaced.
func CompileHeaders(headers []Header, params pathmatch.Params, dst http.Header) {
	for _, h := range headers {
		key, value := h.Key, h.Value
		if len(params) > 0 {
			key = pathmatch.Fill(key, params)
			value = pathmatch.Fill(value, params)
		}
		if strings.EqualFold(key, "set-cookie") {
			dst.Add(key, value)
			continue
		}
		dst.Set(key, value)
	}
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
