// Package pathmatch compiles path patterns into matchers and fills
// destination templates with captured params.
//
// Supported syntax: named params (:slug), custom patterns (:id(\d+)),
// modifiers (? * +), unnamed groups ((.*)) and the bracket forms [slug],
// [...slug] and [[...slug]]. A param directly preceded by "/" or "."
// owns that character as its prefix, so optional and repeated params
// swallow their separator.
//
// Expressions run on regexp2 in RE2 mode, so user patterns may use
// lookarounds such as /((?!api|_next).*).
package pathmatch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

const (
	defaultPattern = `[^/#?]+?`
	// matchTimeout bounds backtracking on a single path.
	matchTimeout = 100 * time.Millisecond
)

// Params holds captured values keyed by param name. Repeated params keep
// their segments joined with "/".
type Params map[string]string

// Token is one parsed element of a pattern: either a literal or a param.
type Token struct {
	Literal  string
	Name     string
	Prefix   string
	Pattern  string
	Modifier byte
	Param    bool
	Unnamed  bool
}

// Options control how a pattern is compiled.
type Options struct {
	// Sensitive makes matching case-sensitive.
	Sensitive bool
	// OptionalTrailingSlash accepts an extra "/" at the end of the path.
	OptionalTrailingSlash bool
	// RemoveUnnamed drops captures of unnamed groups from Params.
	RemoveUnnamed bool
	// Exclude lists path prefixes that never match. They are rendered as
	// a negative lookahead after the anchor.
	Exclude []string
	// PrefixExpr and SuffixExpr are raw, non-capturing expressions placed
	// around the compiled body.
	PrefixExpr string
	SuffixExpr string
}

// Matcher is a compiled pattern.
type Matcher struct {
	source string
	re     *regexp2.Regexp
	keys   []Token
	opts   Options
}

// Parse tokenizes a pattern.
func Parse(source string) ([]Token, error) {
	var (
		tokens  []Token
		lit     strings.Builder
		unnamed int
	)

	pushParam := func(tok Token) {
		s := lit.String()
		if n := len(s); n > 0 && (s[n-1] == '/' || s[n-1] == '.') {
			tok.Prefix = s[n-1:]
			s = s[:n-1]
		}
		if s != "" {
			tokens = append(tokens, Token{Literal: s})
		}
		lit.Reset()
		tokens = append(tokens, tok)
	}

	i := 0
	for i < len(source) {
		c := source[i]
		switch {
		case c == '\\' && i+1 < len(source):
			lit.WriteByte(source[i+1])
			i += 2

		case c == ':':
			j := i + 1
			for j < len(source) && isNameChar(source[j]) {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("pathmatch: missing parameter name at %d in %q", i, source)
			}
			tok := Token{Name: source[i+1 : j], Param: true}
			if j < len(source) && source[j] == '(' {
				pat, end, err := readGroup(source, j)
				if err != nil {
					return nil, err
				}
				tok.Pattern = pat
				j = end
			}
			if j < len(source) && isModifier(source[j]) {
				tok.Modifier = source[j]
				j++
			}
			pushParam(tok)
			i = j

		case c == '(':
			pat, end, err := readGroup(source, i)
			if err != nil {
				return nil, err
			}
			tok := Token{Name: strconv.Itoa(unnamed), Pattern: pat, Param: true, Unnamed: true}
			unnamed++
			if end < len(source) && isModifier(source[end]) {
				tok.Modifier = source[end]
				end++
			}
			pushParam(tok)
			i = end

		case c == '[':
			tok, end, err := readBracket(source, i)
			if err != nil {
				return nil, err
			}
			pushParam(tok)
			i = end

		default:
			lit.WriteByte(c)
			i++
		}
	}
	if lit.Len() > 0 {
		tokens = append(tokens, Token{Literal: lit.String()})
	}
	return tokens, nil
}

// readGroup reads a parenthesized pattern starting at source[start] == '('.
func readGroup(source string, start int) (string, int, error) {
	depth := 1
	j := start + 1
	if j < len(source) && source[j] == '?' {
		return "", 0, fmt.Errorf("pathmatch: pattern cannot start with \"?\" at %d in %q", j, source)
	}
	for j < len(source) {
		switch source[j] {
		case '\\':
			j += 2
			continue
		case ')':
			depth--
			if depth == 0 {
				pat := source[start+1 : j]
				if pat == "" {
					return "", 0, fmt.Errorf("pathmatch: empty pattern at %d in %q", start, source)
				}
				return pat, j + 1, nil
			}
		case '(':
			depth++
			if j+1 >= len(source) || source[j+1] != '?' {
				return "", 0, fmt.Errorf("pathmatch: capturing groups are not allowed at %d in %q", j, source)
			}
		}
		j++
	}
	return "", 0, fmt.Errorf("pathmatch: unbalanced pattern at %d in %q", start, source)
}

// readBracket reads [name], [...name] or [[...name]].
func readBracket(source string, start int) (Token, int, error) {
	rest := source[start:]
	switch {
	case strings.HasPrefix(rest, "[[..."):
		end := strings.Index(rest, "]]")
		if end < 0 {
			return Token{}, 0, fmt.Errorf("pathmatch: unclosed optional catch-all at %d in %q", start, source)
		}
		return Token{Name: rest[5:end], Param: true, Modifier: '*'}, start + end + 2, nil
	case strings.HasPrefix(rest, "[..."):
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return Token{}, 0, fmt.Errorf("pathmatch: unclosed catch-all at %d in %q", start, source)
		}
		return Token{Name: rest[4:end], Param: true, Modifier: '+'}, start + end + 1, nil
	default:
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return Token{}, 0, fmt.Errorf("pathmatch: unclosed param at %d in %q", start, source)
		}
		return Token{Name: rest[1:end], Param: true}, start + end + 1, nil
	}
}

func isNameChar(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isModifier(c byte) bool { return c == '?' || c == '*' || c == '+' }

// Body renders tokens as an unanchored regular expression where each param
// is exactly one capturing group.
func Body(tokens []Token) string {
	var b strings.Builder
	for _, tok := range tokens {
		if !tok.Param {
			b.WriteString(quote(tok.Literal))
			continue
		}
		pfx := quote(tok.Prefix)
		pat := tok.Pattern
		if pat == "" {
			pat = defaultPattern
		}
		switch tok.Modifier {
		case '?':
			b.WriteString("(?:" + pfx + "(" + pat + "))?")
		case '+':
			b.WriteString(pfx + "((?:" + pat + ")(?:" + pfx + "(?:" + pat + "))*)")
		case '*':
			b.WriteString("(?:" + pfx + "((?:" + pat + ")(?:" + pfx + "(?:" + pat + "))*))?")
		default:
			b.WriteString(pfx + "(" + pat + ")")
		}
	}
	return b.String()
}

// Expr returns the full anchored expression for source under opts.
func Expr(source string, opts Options) (string, []Token, error) {
	tokens, err := Parse(source)
	if err != nil {
		return "", nil, err
	}
	var b strings.Builder
	if !opts.Sensitive {
		b.WriteString("(?i)")
	}
	b.WriteString("^")
	if len(opts.Exclude) > 0 {
		alts := make([]string, len(opts.Exclude))
		for i, ex := range opts.Exclude {
			alts[i] = quote(ex)
		}
		b.WriteString("(?!" + strings.Join(alts, "|") + ")")
	}
	b.WriteString(opts.PrefixExpr)
	b.WriteString(Body(tokens))
	b.WriteString(opts.SuffixExpr)
	if opts.OptionalTrailingSlash {
		b.WriteString(`(?:\/)?`)
	}
	b.WriteString("$")

	var keys []Token
	for _, tok := range tokens {
		if tok.Param {
			keys = append(keys, tok)
		}
	}
	return b.String(), keys, nil
}

// Compile compiles source into a Matcher.
func Compile(source string, opts Options) (*Matcher, error) {
	expr, keys, err := Expr(source, opts)
	if err != nil {
		return nil, err
	}
	re, err := regexp2.Compile(expr, regexp2.RE2)
	if err != nil {
		return nil, fmt.Errorf("pathmatch: compile %q: %w", source, err)
	}
	re.MatchTimeout = matchTimeout
	return &Matcher{source: source, re: re, keys: keys, opts: opts}, nil
}

// quote escapes s for literal use, writing "/" as "\/" the way route
// manifests do.
func quote(s string) string {
	return strings.ReplaceAll(regexp2.Escape(s), "/", `\/`)
}

// Source returns the pattern the matcher was compiled from.
func (m *Matcher) Source() string { return m.source }

// String returns the compiled regular expression.
func (m *Matcher) String() string { return m.re.String() }

// Keys returns the param names in capture order.
func (m *Matcher) Keys() []string {
	out := make([]string, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k.Name)
	}
	return out
}

// Match reports whether path matches and returns the captured params. A
// match that exceeds the backtracking timeout counts as no match.
func (m *Matcher) Match(path string) (Params, bool) {
	res, err := m.re.FindStringMatch(path)
	if err != nil || res == nil {
		return nil, false
	}
	params := make(Params, len(m.keys))
	for i, k := range m.keys {
		if k.Unnamed && m.opts.RemoveUnnamed {
			continue
		}
		g := res.GroupByNumber(i + 1)
		if g == nil || len(g.Captures) == 0 {
			continue
		}
		if v := g.String(); v != "" {
			params[k.Name] = v
		}
	}
	return params, true
}

// Fill substitutes :name tokens in template with params. Names absent from
// params are left untouched, so ports and literal colons survive. An empty
// value for an optional or repeated token also drops the preceding "/".
func Fill(template string, params Params) string {
	var b strings.Builder
	i := 0
	for i < len(template) {
		c := template[i]
		if c == '\\' && i+1 < len(template) && template[i+1] == ':' {
			b.WriteByte(':')
			i += 2
			continue
		}
		if c != ':' {
			b.WriteByte(c)
			i++
			continue
		}
		j := i + 1
		for j < len(template) && isNameChar(template[j]) {
			j++
		}
		name := template[i+1 : j]
		value, ok := params[name]
		if name == "" || !ok {
			b.WriteByte(c)
			i++
			continue
		}
		var mod byte
		if j < len(template) && isModifier(template[j]) {
			mod = template[j]
			j++
		}
		if value == "" && (mod == '?' || mod == '*') {
			out := strings.TrimSuffix(b.String(), "/")
			b.Reset()
			b.WriteString(out)
		}
		b.WriteString(value)
		i = j
	}
	return b.String()
}

// HasParam reports whether template references :name.
func HasParam(template, name string) bool {
	for i := 0; i < len(template); i++ {
		if template[i] != ':' || (i > 0 && template[i-1] == '\\') {
			continue
		}
		j := i + 1
		for j < len(template) && isNameChar(template[j]) {
			j++
		}
		if template[i+1:j] == name {
			return true
		}
	}
	return false
}
