package internal

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/starford/nextserve/internal/i18n"
	"github.com/starford/nextserve/internal/imageopt"
	pkgconfig "github.com/starford/nextserve/pkg/config"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should pass: %v", err)
	}
	if got := cfg.App.HTTP.Address(); got != ":3000" {
		t.Errorf("address = %q, want :3000", got)
	}
	if got := cfg.Project.DistPath(); got != ".next" {
		t.Errorf("dist path = %q, want .next", got)
	}
}

func TestProjectConfig_DistPathAbsolute(t *testing.T) {
	cfg := ProjectConfig{Dir: "/srv/app", DistDir: "/var/build"}
	if got := cfg.DistPath(); got != "/var/build" {
		t.Errorf("dist path = %q, want /var/build", got)
	}
	cfg.DistDir = "out"
	if got := cfg.DistPath(); got != "/srv/app/out" {
		t.Errorf("dist path = %q, want /srv/app/out", got)
	}
}

func TestHTTPConfig_InvalidPort(t *testing.T) {
	for _, port := range []int{0, -1, 70000} {
		cfg := HTTPConfig{Port: port}
		if err := cfg.Validate(); err == nil {
			t.Errorf("port %d should fail validation", port)
		}
	}
}

func TestProjectConfig_BasePath(t *testing.T) {
	tests := []struct {
		basePath string
		ok       bool
	}{
		{"", true},
		{"/docs", true},
		{"/a/b", true},
		{"docs", false},
		{"/", false},
		{"/docs/", false},
	}
	for _, tt := range tests {
		cfg := NewDefaultConfig()
		cfg.Project.BasePath = tt.basePath
		err := cfg.Validate()
		if tt.ok && err != nil {
			t.Errorf("base path %q: unexpected error %v", tt.basePath, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("base path %q should fail validation", tt.basePath)
		}
	}
}

func TestConfig_I18nDefaultLocaleMustBeListed(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.I18n = &i18n.Config{Locales: []string{"en", "fr"}, DefaultLocale: "de"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("default locale outside locales should fail")
	}
	if !strings.Contains(err.Error(), "default_locale") {
		t.Errorf("unexpected error: %v", err)
	}

	cfg.I18n.DefaultLocale = "en"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("listed default locale should pass: %v", err)
	}
}

func TestConfig_I18nDomainLocale(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.I18n = &i18n.Config{
		Locales:       []string{"en", "fr"},
		DefaultLocale: "en",
		Domains:       []i18n.Domain{{Domain: "example.fr", DefaultLocale: "nl"}},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("domain locale outside locales should fail")
	}
	if !strings.Contains(err.Error(), "domains[0]") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConfig_ImageFormats(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Images.Formats = []string{"image/webp", "image/avif"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("supported formats should pass: %v", err)
	}
	cfg.Images.Formats = []string{"image/gif"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("image/gif should fail validation")
	}
}

func TestConfig_ImageQualities(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Images.Qualities = []int{50, 101}
	if err := cfg.Validate(); err == nil {
		t.Fatal("quality 101 should fail validation")
	}
}

func TestConfig_S3BackendRequiresBucket(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Images.Cache.Backend = imageopt.BackendS3
	err := cfg.Validate()
	if err == nil {
		t.Fatal("s3 backend without settings should fail")
	}
	if !strings.Contains(err.Error(), "cache.s3") {
		t.Errorf("unexpected error: %v", err)
	}

	cfg.Images.Cache.S3 = imageopt.S3Config{
		Endpoint:  "localhost:9000",
		Bucket:    "images",
		AccessKey: "minio",
		SecretKey: "minio123",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("complete s3 settings should pass: %v", err)
	}
}

func TestConfig_UnknownImageBackend(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Images.Cache.Backend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown backend should fail validation")
	}
}

func TestConfig_EndpointsMustBeAbsolute(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Render.Endpoint = "localhost:4000"
	if err := cfg.Validate(); err == nil {
		t.Fatal("render endpoint without scheme should fail")
	}
	cfg.Render.Endpoint = "http://localhost:4000"
	cfg.Middleware.Endpoint = "/middleware"
	if err := cfg.Validate(); err == nil {
		t.Fatal("relative middleware endpoint should fail")
	}
	cfg.Middleware.Endpoint = "https://mw.internal"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("absolute endpoints should pass: %v", err)
	}
	if !cfg.Middleware.Enabled() {
		t.Error("middleware with endpoint should be enabled")
	}
}

func TestConfig_ExperimentalConcurrency(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Experimental.StaticGenerationMaxConcurrency = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero concurrency should fail validation")
	}
}

func TestConfig_DecodeYAML(t *testing.T) {
	data := `
app:
  log_level: debug
  http:
    port: 8080
  dev: true
project:
  dir: /srv/site
  base_path: /docs
  trailing_slash: true
i18n:
  locales: [en, fr]
  default_locale: en
images:
  formats: [image/webp]
  minimum_cache_ttl: 120
routes:
  redirects:
    - source: /old
      destination: /new
      permanent: true
  rewrites:
    - source: /api/:path*
      destination: https://api.example.com/:path*
middleware:
  endpoint: http://localhost:4001
  timeout: 5s
`
	cfg := NewDefaultConfig()
	if err := pkgconfig.Decode("config.yaml", []byte(data), cfg); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.App.LogLevel != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", cfg.App.LogLevel)
	}
	if cfg.App.HTTP.Port != 8080 || !cfg.App.Dev {
		t.Errorf("app = %+v", cfg.App)
	}
	if cfg.Project.BasePath != "/docs" || !cfg.Project.TrailingSlash {
		t.Errorf("project = %+v", cfg.Project)
	}
	// Defaults survive a partial document.
	if cfg.Project.DistDir != ".next" || !cfg.Project.GenerateETags {
		t.Errorf("project defaults lost: %+v", cfg.Project)
	}
	if len(cfg.Images.DeviceSizes) == 0 || cfg.Images.MinimumCacheTTL != 120 {
		t.Errorf("images = %+v", cfg.Images)
	}
	if len(cfg.Routes.Redirects) != 1 || cfg.Routes.Redirects[0].Permanent == nil || !*cfg.Routes.Redirects[0].Permanent {
		t.Errorf("redirects = %+v", cfg.Routes.Redirects)
	}
	if len(cfg.Routes.Rewrites.AfterFiles) != 1 {
		t.Errorf("plain rewrite list should be afterFiles: %+v", cfg.Routes.Rewrites)
	}
	if cfg.Routes.ManifestFile != "routes-manifest.json" {
		t.Errorf("manifest file = %q", cfg.Routes.ManifestFile)
	}
	if cfg.Middleware.Timeout != 5*time.Second {
		t.Errorf("middleware timeout = %v, want 5s", cfg.Middleware.Timeout)
	}
}
