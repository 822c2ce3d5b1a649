package internal

import (
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/nextserve/internal/customroute"
	"github.com/starford/nextserve/internal/i18n"
	"github.com/starford/nextserve/internal/imageopt"
	"github.com/starford/nextserve/internal/mwrunner"
)

// Config represents the application configuration.
type Config struct {
	App          ApplicationConfig  `yaml:"app"`
	Project      ProjectConfig      `yaml:"project"`
	I18n         *i18n.Config       `yaml:"i18n"`
	Images       imageopt.Config    `yaml:"images"`
	Routes       RoutesConfig       `yaml:"routes"`
	Middleware   MiddlewareConfig   `yaml:"middleware"`
	Render       RenderConfig       `yaml:"render"`
	Proxy        ProxyConfig        `yaml:"proxy"`
	Experimental ExperimentalConfig `yaml:"experimental"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := c.Project.Validate(); err != nil {
		return fmt.Errorf("project: %w", err)
	}
	if err := validateI18n(c.I18n); err != nil {
		return fmt.Errorf("i18n: %w", err)
	}
	if err := validateImages(&c.Images); err != nil {
		return fmt.Errorf("images: %w", err)
	}
	if err := c.Middleware.Validate(); err != nil {
		return fmt.Errorf("middleware: %w", err)
	}
	if err := c.Render.Validate(); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	if err := c.Proxy.Validate(); err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	return c.Experimental.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
	// Dev enables on-demand compilation, the file watcher and the event
	// stream.
	Dev         bool `yaml:"dev"`
	MinimalMode bool `yaml:"minimal_mode"`
	Compress    bool `yaml:"compress"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// ProjectConfig locates the project and its build output.
type ProjectConfig struct {
	Dir     string `yaml:"dir"`
	DistDir string `yaml:"dist_dir"`

	BasePath                  string   `yaml:"base_path"`
	TrailingSlash             bool     `yaml:"trailing_slash"`
	UseFileSystemPublicRoutes bool     `yaml:"use_file_system_public_routes"`
	CaseSensitiveRoutes       bool     `yaml:"case_sensitive_routes"`
	PageExtensions            []string `yaml:"page_extensions"`
	GenerateETags             bool     `yaml:"generate_etags"`

	// CacheBytes is the lookup cache budget of the filesystem index.
	CacheBytes int `yaml:"cache_bytes"`
	// BodyLimit caps request bodies buffered for middleware.
	BodyLimit int64 `yaml:"body_limit"`
}

// DistPath returns the absolute-or-relative build output directory.
func (c *ProjectConfig) DistPath() string {
	if filepath.IsAbs(c.DistDir) {
		return c.DistDir
	}
	return filepath.Join(c.Dir, c.DistDir)
}

// Validate validates the project configuration.
func (c *ProjectConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
		validation.Field(&c.DistDir, validation.Required),
		validation.Field(&c.BasePath, validation.By(basePathRule)),
		validation.Field(&c.PageExtensions, validation.Required, validation.Each(validation.Required)),
		validation.Field(&c.CacheBytes, validation.Min(0)),
		validation.Field(&c.BodyLimit, validation.Min(int64(0))),
	)
}

func basePathRule(value any) error {
	bp, _ := value.(string)
	switch {
	case bp == "":
		return nil
	case bp[0] != '/':
		return fmt.Errorf("must start with /")
	case bp == "/" || bp[len(bp)-1] == '/':
		return fmt.Errorf("must not end with /")
	}
	return nil
}

func validateI18n(c *i18n.Config) error {
	if c == nil {
		return nil
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Locales, validation.Required, validation.Each(validation.Required)),
		validation.Field(&c.DefaultLocale, validation.Required),
	); err != nil {
		return err
	}
	locales := make([]any, len(c.Locales))
	for i, l := range c.Locales {
		locales[i] = l
	}
	if err := validation.Validate(c.DefaultLocale, validation.In(locales...)); err != nil {
		return fmt.Errorf("default_locale: %w", err)
	}
	for i := range c.Domains {
		d := &c.Domains[i]
		if err := validation.ValidateStruct(d,
			validation.Field(&d.Domain, validation.Required),
			validation.Field(&d.DefaultLocale, validation.Required, validation.In(locales...)),
		); err != nil {
			return fmt.Errorf("domains[%d]: %w", i, err)
		}
	}
	return nil
}

func validateImages(c *imageopt.Config) error {
	positive := validation.Each(validation.Min(1))
	if err := validation.ValidateStruct(c,
		validation.Field(&c.DeviceSizes, validation.Required, positive),
		validation.Field(&c.ImageSizes, positive),
		validation.Field(&c.Qualities, validation.Each(validation.Min(1), validation.Max(100))),
		validation.Field(&c.Formats, validation.Each(validation.In("image/avif", "image/webp"))),
		validation.Field(&c.MinimumCacheTTL, validation.Min(0)),
		validation.Field(&c.ContentDispositionType, validation.In("inline", "attachment")),
		validation.Field(&c.MaxResponseBody, validation.Min(int64(0))),
		validation.Field(&c.MaxInputPixels, validation.Min(0)),
	); err != nil {
		return err
	}
	cache := &c.Cache
	if err := validation.ValidateStruct(cache,
		validation.Field(&cache.Backend, validation.Required, validation.In(imageopt.BackendDisk, imageopt.BackendS3)),
	); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if cache.Backend == imageopt.BackendS3 {
		s3 := &cache.S3
		if err := validation.ValidateStruct(s3,
			validation.Field(&s3.Endpoint, validation.Required),
			validation.Field(&s3.Bucket, validation.Required),
			validation.Field(&s3.AccessKey, validation.Required),
			validation.Field(&s3.SecretKey, validation.Required),
		); err != nil {
			return fmt.Errorf("cache.s3: %w", err)
		}
	}
	return nil
}

// RoutesConfig holds declared custom routes.
type RoutesConfig struct {
	customroute.Manifest `yaml:",inline"`
	// ManifestFile is a build-emitted routes-manifest.json, relative to the
	// dist dir. Its routes are appended after the declared ones.
	ManifestFile string `yaml:"manifest_file"`
}

// MiddlewareConfig locates the middleware server. An empty endpoint means
// the project has no middleware.
type MiddlewareConfig struct {
	Endpoint string                 `yaml:"endpoint"`
	Timeout  time.Duration          `yaml:"timeout"`
	Matchers []mwrunner.MatcherDecl `yaml:"matchers"`
}

// Enabled reports whether middleware is configured.
func (c *MiddlewareConfig) Enabled() bool { return c.Endpoint != "" }

// Validate validates the middleware configuration.
func (c *MiddlewareConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Endpoint, validation.By(urlRule)),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}

// RenderConfig locates the render worker. An empty endpoint serves static
// outputs only.
type RenderConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Validate validates the render configuration.
func (c *RenderConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Endpoint, validation.By(urlRule)),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}

// ProxyConfig bounds requests proxied to external rewrite targets.
type ProxyConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Validate validates the proxy configuration.
func (c *ProxyConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}

// ExperimentalConfig holds the dev compile limits.
type ExperimentalConfig struct {
	StaticGenerationMaxConcurrency int `yaml:"static_generation_max_concurrency"`
	StaticGenerationRetryCount     int `yaml:"static_generation_retry_count"`
}

// Validate validates the experimental configuration.
func (c *ExperimentalConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.StaticGenerationMaxConcurrency, validation.Min(1)),
		validation.Field(&c.StaticGenerationRetryCount, validation.Min(0)),
	)
}

func urlRule(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an absolute http(s) URL")
	}
	return nil
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 3000,
			},
		},
		Project: ProjectConfig{
			Dir:                       ".",
			DistDir:                   ".next",
			UseFileSystemPublicRoutes: true,
			PageExtensions:            []string{"tsx", "ts", "jsx", "js"},
			GenerateETags:             true,
			CacheBytes:                1 << 20,
		},
		Images: imageopt.DefaultConfig(),
		Routes: RoutesConfig{
			ManifestFile: "routes-manifest.json",
		},
		Middleware: MiddlewareConfig{
			Timeout: mwrunner.DefaultTimeout,
		},
		Render: RenderConfig{
			Timeout: 30 * time.Second,
		},
		Proxy: ProxyConfig{
			Timeout: 30 * time.Second,
		},
		Experimental: ExperimentalConfig{
			StaticGenerationMaxConcurrency: 8,
			StaticGenerationRetryCount:     1,
		},
	}
}
