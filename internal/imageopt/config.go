// Package imageopt serves /_next/image: it validates the request, fetches
// the source image, resizes and re-encodes it, and keeps the result in a
// TTL-based cache keyed by (href, width, quality, mime).
package imageopt

import "time"

// Cache backends.
const (
	BackendDisk = "disk"
	BackendS3   = "s3"
)

const (
	// BlurImageSize and BlurQuality identify dev blur placeholder requests.
	BlurImageSize = 8
	BlurQuality   = 70

	// cacheVersion is mixed into every cache key. Bumping it orphans all
	// previously written entries.
	cacheVersion = "5"

	maxURLLength = 3072

	defaultUpstreamTimeout  = 7 * time.Second
	defaultTransformTimeout = 7 * time.Second
	defaultMaxResponseBody  = 50 << 20
	defaultMaxInputPixels   = 268402689
)

// RemotePattern allow-lists absolute source URLs. Empty fields match
// anything except Hostname, which is required. Hostname and Pathname are
// globs; Search must match exactly when set.
type RemotePattern struct {
	Protocol string  `yaml:"protocol" json:"protocol,omitempty"`
	Hostname string  `yaml:"hostname" json:"hostname"`
	Port     string  `yaml:"port" json:"port,omitempty"`
	Pathname string  `yaml:"pathname" json:"pathname,omitempty"`
	Search   *string `yaml:"search" json:"search,omitempty"`
}

// LocalPattern allow-lists relative source URLs.
type LocalPattern struct {
	Pathname string  `yaml:"pathname" json:"pathname,omitempty"`
	Search   *string `yaml:"search" json:"search,omitempty"`
}

// S3Config locates the bucket used by the s3 cache backend.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// CacheConfig selects the cache backend.
type CacheConfig struct {
	Backend string   `yaml:"backend"`
	S3      S3Config `yaml:"s3"`
}

// Config is the images section of the project configuration.
type Config struct {
	DeviceSizes []int    `yaml:"device_sizes"`
	ImageSizes  []int    `yaml:"image_sizes"`
	Qualities   []int    `yaml:"qualities"`
	Formats     []string `yaml:"formats"`

	// MinimumCacheTTL is in seconds.
	MinimumCacheTTL int `yaml:"minimum_cache_ttl"`

	DangerouslyAllowSVG    bool   `yaml:"dangerously_allow_svg"`
	ContentSecurityPolicy  string `yaml:"content_security_policy"`
	ContentDispositionType string `yaml:"content_disposition_type"`

	Domains        []string        `yaml:"domains"`
	RemotePatterns []RemotePattern `yaml:"remote_patterns"`
	// LocalPatterns left nil allows every relative URL.
	LocalPatterns []LocalPattern `yaml:"local_patterns"`

	MaxResponseBody  int64         `yaml:"max_response_body"`
	UpstreamTimeout  time.Duration `yaml:"upstream_timeout"`
	TransformTimeout time.Duration `yaml:"transform_timeout"`
	MaxInputPixels   int           `yaml:"max_input_pixels"`

	Cache CacheConfig `yaml:"cache"`

	// BasePath is copied from the project section.
	BasePath string `yaml:"-"`
}

// DefaultConfig returns the images defaults.
func DefaultConfig() Config {
	return Config{
		DeviceSizes:            []int{640, 750, 828, 1080, 1200, 1920, 2048, 3840},
		ImageSizes:             []int{16, 32, 48, 64, 96, 128, 256, 384},
		MinimumCacheTTL:        60,
		ContentSecurityPolicy:  "script-src 'none'; frame-src 'none'; sandbox;",
		ContentDispositionType: "attachment",
		MaxResponseBody:        defaultMaxResponseBody,
		UpstreamTimeout:        defaultUpstreamTimeout,
		TransformTimeout:       defaultTransformTimeout,
		MaxInputPixels:         defaultMaxInputPixels,
		Cache:                  CacheConfig{Backend: BackendDisk},
	}
}

func (c Config) upstreamTimeout() time.Duration {
	if c.UpstreamTimeout > 0 {
		return c.UpstreamTimeout
	}
	return defaultUpstreamTimeout
}

func (c Config) transformTimeout() time.Duration {
	if c.TransformTimeout > 0 {
		return c.TransformTimeout
	}
	return defaultTransformTimeout
}

func (c Config) maxResponseBody() int64 {
	if c.MaxResponseBody > 0 {
		return c.MaxResponseBody
	}
	return defaultMaxResponseBody
}
