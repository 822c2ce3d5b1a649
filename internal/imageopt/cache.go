package imageopt

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/starford/nextserve/internal/storage"
)

// Value is a cached optimized image.
type Value struct {
	Buffer       []byte
	ETag         string
	Extension    string
	UpstreamETag string
}

// Entry is a Value read back from a Store.
type Entry struct {
	Value           Value
	RevalidateAfter time.Time
	// CurRevalidate is the max-age, in seconds, the entry was written with.
	CurRevalidate int
	IsStale       bool
}

// Store persists one current Value per cache key. Get reports misses,
// including unreadable entries, as nil. Set replaces whatever the key
// held; failures are logged by the store, never returned.
type Store interface {
	Get(ctx context.Context, key string) *Entry
	Set(ctx context.Context, key string, v Value, maxAge int)
}

// fileMeta is the entry metadata encoded in its file name:
// {maxAge}.{expireAt}.{etag}.{upstreamEtag}.{extension}. expireAt is in
// Unix milliseconds.
type fileMeta struct {
	MaxAge       int
	ExpireAt     int64
	ETag         string
	UpstreamETag string
	Extension    string
}

func (m fileMeta) filename() string {
	return fmt.Sprintf("%d.%d.%s.%s.%s", m.MaxAge, m.ExpireAt, m.ETag, m.UpstreamETag, m.Extension)
}

func parseFilename(name string) (fileMeta, error) {
	parts := strings.SplitN(name, ".", 5)
	if len(parts) != 5 {
		return fileMeta{}, fmt.Errorf("imageopt: malformed cache file name %q", name)
	}
	maxAge, err := strconv.Atoi(parts[0])
	if err != nil {
		return fileMeta{}, fmt.Errorf("imageopt: cache file max age: %w", err)
	}
	expireAt, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fileMeta{}, fmt.Errorf("imageopt: cache file expiry: %w", err)
	}
	return fileMeta{
		MaxAge:       maxAge,
		ExpireAt:     expireAt,
		ETag:         parts[2],
		UpstreamETag: parts[3],
		Extension:    parts[4],
	}, nil
}

// ttl turns the metadata into an Entry relative to now.
type ttl struct {
	minimum int
	now     func() time.Time
}

func (t ttl) expireAt(maxAge int) int64 {
	return t.now().Add(time.Duration(max(maxAge, t.minimum)) * time.Second).UnixMilli()
}

func (t ttl) entry(m fileMeta, buf []byte) *Entry {
	now := t.now()
	return &Entry{
		Value: Value{
			Buffer:       buf,
			ETag:         m.ETag,
			Extension:    m.Extension,
			UpstreamETag: m.UpstreamETag,
		},
		RevalidateAfter: now.Add(time.Duration(max(m.MaxAge, t.minimum)) * time.Second),
		CurRevalidate:   m.MaxAge,
		IsStale:         now.UnixMilli() > m.ExpireAt,
	}
}

// DiskStore keeps each entry as the single file of a directory named by
// its cache key. Concurrent Sets of one key from different processes race
// at rm+write; the last writer wins.
type DiskStore struct {
	fs     *storage.FS
	ttl    ttl
	logger *slog.Logger
}

// NewDiskStore stores entries below root, normally <distDir>/cache/images.
func NewDiskStore(root string, minimumCacheTTL int, logger *slog.Logger) (*DiskStore, error) {
	fsys, err := storage.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("imageopt: disk store: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiskStore{
		fs:     fsys,
		ttl:    ttl{minimum: minimumCacheTTL, now: time.Now},
		logger: logger,
	}, nil
}

func (s *DiskStore) Get(_ context.Context, key string) *Entry {
	names, err := s.fs.ReadDir(key)
	if err != nil {
		s.logger.Debug("imageopt: cache read failed", slog.String("key", key), slog.String("error", err.Error()))
		return nil
	}
	for _, name := range names {
		if strings.HasPrefix(name, ".") {
			continue
		}
		meta, err := parseFilename(name)
		if err != nil {
			continue
		}
		buf, err := s.fs.Read(path.Join(key, name))
		if err != nil {
			s.logger.Debug("imageopt: cache read failed", slog.String("key", key), slog.String("error", err.Error()))
			return nil
		}
		return s.ttl.entry(meta, buf)
	}
	return nil
}

func (s *DiskStore) Set(_ context.Context, key string, v Value, maxAge int) {
	meta := fileMeta{
		MaxAge:       maxAge,
		ExpireAt:     s.ttl.expireAt(maxAge),
		ETag:         v.ETag,
		UpstreamETag: v.UpstreamETag,
		Extension:    v.Extension,
	}
	if err := s.fs.RemoveAll(key); err != nil {
		s.logger.Warn("imageopt: clear cache entry", slog.String("key", key), slog.String("error", err.Error()))
	}
	if err := s.fs.Write(path.Join(key, meta.filename()), v.Buffer); err != nil {
		s.logger.Error("imageopt: failed to write image to cache",
			slog.String("key", key), slog.String("error", err.Error()))
	}
}
