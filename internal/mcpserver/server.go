// Package mcpserver provides an MCP (Model Context Protocol) server that
// lets an LLM inspect how the router resolves requests, via stdio
// transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/nextserve/internal/customroute"
	"github.com/starford/nextserve/internal/fsindex"
	"github.com/starford/nextserve/internal/imageopt"
	"github.com/starford/nextserve/internal/resolve"
)

const routesResourceURI = "nextserve://routes"

// Resolver runs the routing pipeline.
type Resolver interface {
	Resolve(ctx context.Context, in resolve.Input) (*resolve.Decision, error)
}

// Index is the filesystem view the tools report on.
type Index interface {
	GetItem(ctx context.Context, itemPath string) *fsindex.Output
	DynamicRoutes() []fsindex.DynamicRoute
	Routes() []string
	BuildID() string
}

// Deps are the components the tools inspect.
type Deps struct {
	Engine Resolver
	Index  Index
	Routes *customroute.Set
	Images imageopt.Config
	Dev    bool
}

// Server wraps the MCP server with the route inspection tools.
type Server struct {
	mcp  *server.MCPServer
	deps Deps
}

// New creates a new MCP server with all tools registered.
func New(deps Deps, version string) *Server {
	if deps.Routes == nil {
		deps.Routes = &customroute.Set{}
	}
	s := &Server{deps: deps}

	s.mcp = server.NewMCPServer(
		"nextserve",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("resolve_route",
		mcp.WithDescription("Run the routing pipeline on a synthetic request and return the decision: "+
			"final URL, status, redirect or proxy target, matched filesystem output and params."),
		mcp.WithString("url", mcp.Required(), mcp.Description("Request path with optional query, e.g. /blog/hello?x=1")),
		mcp.WithString("method", mcp.Description("HTTP method (default GET)")),
		mcp.WithString("headers", mcp.Description(`Optional JSON object of request headers, e.g. {"accept-language":"fr"}`)),
	), s.resolveRoute)

	s.mcp.AddTool(mcp.NewTool("list_routes",
		mcp.WithDescription("List compiled custom routes (headers, redirects, rewrites) and page routes."),
	), s.listRoutes)

	s.mcp.AddTool(mcp.NewTool("lookup_item",
		mcp.WithDescription("Look a path up in the filesystem index and return the output that serves it."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Item path, e.g. /favicon.ico or /_next/static/chunks/main.js")),
	), s.lookupItem)

	s.mcp.AddTool(mcp.NewTool("image_cache_key",
		mcp.WithDescription("Validate image optimizer parameters and return the cache key they map to."),
		mcp.WithString("url", mcp.Required(), mcp.Description("Image source URL, relative or absolute")),
		mcp.WithString("w", mcp.Required(), mcp.Description("Width")),
		mcp.WithString("q", mcp.Required(), mcp.Description("Quality 1-100")),
		mcp.WithString("accept", mcp.Description("Accept header used for format negotiation")),
	), s.imageCacheKey)

	s.mcp.AddResource(
		mcp.NewResource(routesResourceURI, "Route table",
			mcp.WithResourceDescription("Compiled custom routes and page routes as JSON."),
			mcp.WithMIMEType("application/json"),
		),
		s.readRoutesResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

type decisionView struct {
	URL           string              `json:"url,omitempty"`
	Finished      bool                `json:"finished"`
	StatusCode    int                 `json:"statusCode,omitempty"`
	Redirect      bool                `json:"redirect,omitempty"`
	External      bool                `json:"external,omitempty"`
	DidRewrite    bool                `json:"didRewrite,omitempty"`
	Locale        string              `json:"locale,omitempty"`
	MatchedOutput *fsindex.Output     `json:"matchedOutput,omitempty"`
	Params        map[string]string   `json:"params,omitempty"`
	Headers       map[string][]string `json:"headers,omitempty"`
	Body          string              `json:"body,omitempty"`
}

func (s *Server) resolveRoute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !strings.HasPrefix(target, "/") {
		return mcp.NewToolResultError("url must start with /"), nil
	}
	method := strings.ToUpper(req.GetString("method", http.MethodGet))

	r, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid request: %v", err)), nil
	}
	r.RequestURI = target
	r.Host = "localhost"
	if raw := req.GetString("headers", ""); raw != "" {
		var hs map[string]string
		if err := json.Unmarshal([]byte(raw), &hs); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("headers must be a JSON object: %v", err)), nil
		}
		for k, v := range hs {
			if strings.EqualFold(k, "host") {
				r.Host = v
				continue
			}
			r.Header.Set(k, v)
		}
	}

	d, err := s.deps.Engine.Resolve(ctx, resolve.Input{Req: r, InvokedOutputs: map[string]struct{}{}})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	view := decisionView{
		Finished:      d.Finished,
		StatusCode:    d.StatusCode,
		Redirect:      d.IsRedirect(),
		External:      d.IsExternal(),
		DidRewrite:    d.DidRewrite,
		Locale:        d.Locale(),
		MatchedOutput: d.MatchedOutput,
		Params:        d.Params,
		Headers:       d.ResHeaders,
	}
	if d.URL != nil {
		view.URL = d.URL.String()
	}
	if d.HasBody {
		view.Body = string(d.Body)
	}
	return jsonResult(view)
}

type routeTable struct {
	BuildID string                 `json:"buildId"`
	Custom  []*customroute.Route   `json:"custom"`
	Dynamic []fsindex.DynamicRoute `json:"dynamic"`
	Pages   []string               `json:"pages"`
}

func (s *Server) routeTable() routeTable {
	t := routeTable{
		BuildID: s.deps.Index.BuildID(),
		Custom:  s.deps.Routes.All(),
		Dynamic: s.deps.Index.DynamicRoutes(),
		Pages:   s.deps.Index.Routes(),
	}
	if t.Custom == nil {
		t.Custom = []*customroute.Route{}
	}
	if t.Dynamic == nil {
		t.Dynamic = []fsindex.DynamicRoute{}
	}
	return t
}

func (s *Server) listRoutes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.routeTable())
}

func (s *Server) readRoutesResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	out, err := json.MarshalIndent(s.routeTable(), "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      routesResourceURI,
			MIMEType: "application/json",
			Text:     string(out),
		},
	}, nil
}

func (s *Server) lookupItem(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := s.deps.Index.GetItem(ctx, p)
	if out == nil {
		return mcp.NewToolResultText(fmt.Sprintf("not found: %s", p)), nil
	}
	return jsonResult(struct {
		*fsindex.Output
		Kind string `json:"type"`
	}{Output: out, Kind: out.Kind.String()})
}

type cacheKeyView struct {
	Key        string `json:"key"`
	Href       string `json:"href"`
	Width      int    `json:"width"`
	Quality    int    `json:"quality"`
	MimeType   string `json:"mimeType,omitempty"`
	IsAbsolute bool   `json:"isAbsolute"`
	IsStatic   bool   `json:"isStatic"`
}

func (s *Server) imageCacheKey(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := url.Values{}
	for _, name := range []string{"url", "w", "q"} {
		v, err := req.RequireString(name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		query.Set(name, v)
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, "/_next/image?"+query.Encode(), nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if accept := req.GetString("accept", ""); accept != "" {
		r.Header.Set("Accept", accept)
	}

	p, msg := imageopt.ValidateParams(r, query, s.deps.Images, s.deps.Dev)
	if msg != "" {
		return mcp.NewToolResultError(msg), nil
	}
	return jsonResult(cacheKeyView{
		Key:        imageopt.CacheKey(p),
		Href:       p.Href,
		Width:      p.Width,
		Quality:    p.Quality,
		MimeType:   p.MimeType,
		IsAbsolute: p.IsAbsolute,
		IsStatic:   p.IsStatic,
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}
