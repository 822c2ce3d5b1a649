// Package testutil provides shared test helpers for building project
// fixtures on disk.
package testutil

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

// WriteFiles writes files (slash-separated path → content) below root.
func WriteFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// TestProject creates a temporary project directory populated with files.
func TestProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	WriteFiles(t, dir, files)
	return dir
}

// BuildOutput describes the manifests of a production build.
type BuildOutput struct {
	BuildID  string
	Pages    []string
	AppPaths []string
	Static   map[string]string
}

// TestBuild creates a project with a .next build output containing the
// given manifests, static files and extra project files.
func TestBuild(t *testing.T, build BuildOutput, files map[string]string) string {
	t.Helper()
	dir := TestProject(t, files)

	pages := map[string]string{}
	for _, p := range build.Pages {
		pages[p] = "pages" + p + ".js"
	}
	app := map[string]string{}
	for _, a := range build.AppPaths {
		app[a] = "app" + a + ".js"
	}
	out := map[string]string{
		".next/server/pages-manifest.json":     mustJSON(t, pages),
		".next/server/app-paths-manifest.json": mustJSON(t, app),
	}
	if build.BuildID != "" {
		out[".next/BUILD_ID"] = build.BuildID
	}
	for rel, content := range build.Static {
		out[".next/static/"+rel] = content
	}
	WriteFiles(t, dir, out)
	return dir
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// Logger returns a logger that only reports errors.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
