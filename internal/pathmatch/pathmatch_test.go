package pathmatch

import (
	"strings"
	"testing"
)

func mustCompile(t *testing.T, source string, opts Options) *Matcher {
	t.Helper()
	m, err := Compile(source, opts)
	if err != nil {
		t.Fatalf("Compile(%q): %v", source, err)
	}
	return m
}

func TestMatch_NamedParam(t *testing.T) {
	m := mustCompile(t, "/blog/:slug", Options{})
	params, ok := m.Match("/blog/hello")
	if !ok {
		t.Fatal("expected match")
	}
	if params["slug"] != "hello" {
		t.Errorf("slug = %q, want %q", params["slug"], "hello")
	}
	if _, ok := m.Match("/blog/hello/world"); ok {
		t.Error("single param should not span segments")
	}
}

func TestMatch_CaseInsensitiveByDefault(t *testing.T) {
	m := mustCompile(t, "/About", Options{})
	if _, ok := m.Match("/about"); !ok {
		t.Error("expected case-insensitive match")
	}
	s := mustCompile(t, "/About", Options{Sensitive: true})
	if _, ok := s.Match("/about"); ok {
		t.Error("sensitive matcher should not match different case")
	}
}

func TestMatch_Modifiers(t *testing.T) {
	star := mustCompile(t, "/docs/:path*", Options{})
	if p, ok := star.Match("/docs"); !ok || p["path"] != "" {
		t.Errorf("star on empty: ok=%v params=%v", ok, p)
	}
	if p, ok := star.Match("/docs/a/b/c"); !ok || p["path"] != "a/b/c" {
		t.Errorf("star on nested: ok=%v params=%v", ok, p)
	}

	plus := mustCompile(t, "/docs/:path+", Options{})
	if _, ok := plus.Match("/docs"); ok {
		t.Error("plus should require one segment")
	}

	opt := mustCompile(t, "/lang/:code?", Options{})
	if _, ok := opt.Match("/lang"); !ok {
		t.Error("optional param should allow absence")
	}
}

func TestMatch_CustomPattern(t *testing.T) {
	m := mustCompile(t, `/post/:id(\d+)`, Options{})
	if _, ok := m.Match("/post/abc"); ok {
		t.Error("digit pattern matched letters")
	}
	if p, ok := m.Match("/post/42"); !ok || p["id"] != "42" {
		t.Errorf("id: ok=%v params=%v", ok, p)
	}
}

func TestMatch_UnnamedGroups(t *testing.T) {
	m := mustCompile(t, "/files/(.*)", Options{})
	p, ok := m.Match("/files/a/b")
	if !ok || p["0"] != "a/b" {
		t.Fatalf("unnamed: ok=%v params=%v", ok, p)
	}
	r := mustCompile(t, "/files/(.*)", Options{RemoveUnnamed: true})
	p, _ = r.Match("/files/a/b")
	if _, has := p["0"]; has {
		t.Error("unnamed capture should be removed")
	}
}

func TestMatch_Brackets(t *testing.T) {
	m := mustCompile(t, "/shop/[category]/[...rest]", Options{Sensitive: true})
	p, ok := m.Match("/shop/shoes/a/b")
	if !ok {
		t.Fatal("expected match")
	}
	if p["category"] != "shoes" || p["rest"] != "a/b" {
		t.Errorf("params = %v", p)
	}
	if got := strings.Split(p["rest"], "/"); len(got) != 2 {
		t.Errorf("segments = %v", got)
	}

	opt := mustCompile(t, "/[[...slug]]", Options{})
	if _, ok := opt.Match(""); !ok {
		t.Error("optional catch-all should match the bare root")
	}
}

func TestMatch_TrailingSlashAndExclude(t *testing.T) {
	m := mustCompile(t, "/:path*", Options{OptionalTrailingSlash: true, Exclude: []string{"/_next"}})
	if _, ok := m.Match("/about/"); !ok {
		t.Error("optional trailing slash not honored")
	}
	if _, ok := m.Match("/_next/static/chunk.js"); ok {
		t.Error("excluded prefix matched")
	}
	if _, ok := m.Match("/_NEXT/static"); ok {
		t.Error("exclusion should follow case-insensitivity")
	}
	if got, want := m.String(), `(?i)^(?!\/_next)(?:\/((?:[^/#?]+?)(?:\/(?:[^/#?]+?))*))?(?:\/)?$`; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestMatch_UserLookahead(t *testing.T) {
	m := mustCompile(t, "/:path((?!api|_next).*)", Options{})
	p, ok := m.Match("/blog/post")
	if !ok {
		t.Fatal("expected match")
	}
	if p["path"] != "blog/post" {
		t.Errorf("path = %q, want blog/post", p["path"])
	}
	for _, path := range []string{"/api/users", "/_next/data"} {
		if _, ok := m.Match(path); ok {
			t.Errorf("%s should be rejected by the lookahead", path)
		}
	}
}

func TestCompile_InvalidExpression(t *testing.T) {
	if _, err := Compile("/:id([a-)", Options{}); err == nil {
		t.Fatal("invalid custom pattern should fail to compile")
	}
}

func TestParse_Errors(t *testing.T) {
	for _, src := range []string{"/:", "/(abc", "/((a))", "/[unclosed"} {
		if _, err := Parse(src); err == nil {
			t.Errorf("Parse(%q) should fail", src)
		}
	}
}

func TestFill(t *testing.T) {
	cases := []struct {
		tpl    string
		params Params
		want   string
	}{
		{"/new/:slug", Params{"slug": "x"}, "/new/x"},
		{"/docs/:path*", Params{"path": "a/b"}, "/docs/a/b"},
		{"/docs/:path*", Params{"path": ""}, "/docs"},
		{"http://localhost:3000/:path", Params{"path": "p"}, "http://localhost:3000/p"},
		{"/keep/:unknown", Params{}, "/keep/:unknown"},
		{`/literal\:colon`, Params{"colon": "no"}, "/literal:colon"},
	}
	for _, c := range cases {
		if got := Fill(c.tpl, c.params); got != c.want {
			t.Errorf("Fill(%q) = %q, want %q", c.tpl, got, c.want)
		}
	}
}

func TestHasParam(t *testing.T) {
	if !HasParam("/a/:slug/b", "slug") {
		t.Error("expected slug")
	}
	if HasParam("/a/:slugs", "slug") {
		t.Error("prefix of a longer name should not count")
	}
}
