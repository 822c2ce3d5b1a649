package mwrunner

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/starford/nextserve/internal/customroute"
	"github.com/starford/nextserve/internal/i18n"
)

func TestMatchers_DataAndJSONVariants(t *testing.T) {
	ms, err := CompileMatchers([]MatcherDecl{{Source: "/about/:path*"}}, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, p := range []string{"/about", "/about/team", "/_next/data/b1/about.json", "/about/"} {
		if !ms.Match(r, url.Values{}, p) {
			t.Errorf("Match(%q) = false", p)
		}
	}
	if ms.Match(r, url.Values{}, "/contact") {
		t.Error("Match(/contact) = true")
	}
}

func TestMatchers_Locale(t *testing.T) {
	cfg := &i18n.Config{Locales: []string{"en", "fr"}, DefaultLocale: "en"}
	off := false
	ms, err := CompileMatchers([]MatcherDecl{
		{Source: "/shop"},
		{Source: "/raw", Locale: &off},
		{Source: "/"},
	}, "/base", cfg)
	if err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	cases := map[string]bool{
		"/base/fr/shop": true,
		"/base/shop":    false,
		"/base/raw":     true,
		"/base/en/raw":  false,
		"/base/en":      true,
		"/shop":         false,
	}
	for p, want := range cases {
		if got := ms.Match(r, url.Values{}, p); got != want {
			t.Errorf("Match(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestMatchers_HasConditions(t *testing.T) {
	ms, err := CompileMatchers([]MatcherDecl{{
		Source: "/:path*",
		Has:    []customroute.Condition{{Type: "header", Key: "x-beta"}},
	}}, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	if ms.Match(r, url.Values{}, "/x") {
		t.Error("matched without header")
	}
	r.Header.Set("x-beta", "1")
	if !ms.Match(r, url.Values{}, "/x") {
		t.Error("did not match with header")
	}
}

func TestMatchers_EmptyMatchesAll(t *testing.T) {
	ms, err := CompileMatchers(nil, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ms.Match(httptest.NewRequest(http.MethodGet, "/", nil), nil, "/anything/at/all") {
		t.Error("default matcher should match every path")
	}
	var none *Matchers
	if none.Match(nil, nil, "/") {
		t.Error("nil matchers matched")
	}
}

func TestHTTPRunner_ForwardsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get(HeaderInvoke) != "1" {
			t.Errorf("missing %s", HeaderInvoke)
		}
		if r.Header.Get("Connection") == "x-secret" {
			t.Error("hop-by-hop header forwarded")
		}
		w.Header().Set(HeaderRewrite, "/b")
		w.Header().Set("x-echo", string(body)+" "+r.URL.RequestURI())
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	run := NewHTTPRunner(srv.URL, time.Second, nil)
	req := httptest.NewRequest(http.MethodPost, "/a?x=1", nil)
	req.Header.Set("Connection", "x-secret")
	resp, err := run.Run(context.Background(), req, []byte("payload"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := resp.Header.Get(HeaderRewrite); got != "/b" {
		t.Errorf("rewrite = %q", got)
	}
	if got := resp.Header.Get("x-echo"); got != "payload /a?x=1" {
		t.Errorf("echo = %q", got)
	}
}

func TestHTTPRunner_CancelledIsAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := NewHTTPRunner(srv.URL, 5*time.Second, nil).Run(ctx, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	if !IsAbort(err) {
		t.Fatalf("err = %v, want abort", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Error("cancellation reported as timeout")
	}
}
