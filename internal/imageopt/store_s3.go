package imageopt

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Store keeps entries in an S3-compatible bucket using the disk layout:
// <prefix>/<key>/<filename>.
type S3Store struct {
	client   *minio.Client
	bucket   string
	region   string
	prefix   string
	ttl      ttl
	logger   *slog.Logger
	initOnce sync.Once
	initErr  error
}

// NewS3Store connects lazily; the bucket is created on first use.
func NewS3Store(cfg S3Config, minimumCacheTTL int, logger *slog.Logger) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("imageopt: s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("imageopt: s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("imageopt: s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("imageopt: init s3 client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Store{
		client: client,
		bucket: bucket,
		region: region,
		prefix: strings.Trim(cfg.Prefix, "/"),
		ttl:    ttl{minimum: minimumCacheTTL, now: time.Now},
		logger: logger,
	}, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

func (s *S3Store) keyDir(key string) string {
	if s.prefix == "" {
		return key + "/"
	}
	return s.prefix + "/" + key + "/"
}

func (s *S3Store) list(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.keyDir(key)}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		names = append(names, obj.Key)
	}
	return names, nil
}

func (s *S3Store) Get(ctx context.Context, key string) *Entry {
	if err := s.ensureBucket(ctx); err != nil {
		s.logger.Warn("imageopt: s3 bucket unavailable", slog.String("error", err.Error()))
		return nil
	}
	objects, err := s.list(ctx, key)
	if err != nil {
		s.logger.Debug("imageopt: s3 list failed", slog.String("key", key), slog.String("error", err.Error()))
		return nil
	}
	for _, objKey := range objects {
		meta, err := parseFilename(strings.TrimPrefix(objKey, s.keyDir(key)))
		if err != nil {
			continue
		}
		obj, err := s.client.GetObject(ctx, s.bucket, objKey, minio.GetObjectOptions{})
		if err != nil {
			return nil
		}
		buf, err := io.ReadAll(obj)
		_ = obj.Close()
		if err != nil {
			if code := minio.ToErrorResponse(err).Code; code != "NoSuchKey" {
				s.logger.Debug("imageopt: s3 read failed", slog.String("key", key), slog.String("error", err.Error()))
			}
			return nil
		}
		return s.ttl.entry(meta, buf)
	}
	return nil
}

func (s *S3Store) Set(ctx context.Context, key string, v Value, maxAge int) {
	if err := s.ensureBucket(ctx); err != nil {
		s.logger.Error("imageopt: failed to write image to cache",
			slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	if old, err := s.list(ctx, key); err == nil {
		for _, objKey := range old {
			if err := s.client.RemoveObject(ctx, s.bucket, objKey, minio.RemoveObjectOptions{}); err != nil {
				s.logger.Warn("imageopt: clear cache entry", slog.String("key", objKey), slog.String("error", err.Error()))
			}
		}
	}
	meta := fileMeta{
		MaxAge:       maxAge,
		ExpireAt:     s.ttl.expireAt(maxAge),
		ETag:         v.ETag,
		UpstreamETag: v.UpstreamETag,
		Extension:    v.Extension,
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.keyDir(key)+meta.filename(),
		bytes.NewReader(v.Buffer), int64(len(v.Buffer)), minio.PutObjectOptions{
			ContentType: ContentTypeOf(v.Extension),
		})
	if err != nil {
		s.logger.Error("imageopt: failed to write image to cache",
			slog.String("key", key), slog.String("error", err.Error()))
	}
}
