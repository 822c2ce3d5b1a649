package imageopt

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/nextserve/internal/testutil"
)

func newDiskStore(t *testing.T) (*DiskStore, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "cache", "images")
	s, err := NewDiskStore(root, 60, testutil.Logger())
	if err != nil {
		t.Fatal(err)
	}
	return s, root
}

func TestDiskStore_RoundTrip(t *testing.T) {
	s, _ := newDiskStore(t)
	ctx := context.Background()
	v := Value{Buffer: []byte("img"), ETag: "etag1", Extension: "png", UpstreamETag: "up1"}
	s.Set(ctx, "k1", v, 120)

	got := s.Get(ctx, "k1")
	if got == nil {
		t.Fatal("entry missing after Set")
	}
	if !bytes.Equal(got.Value.Buffer, v.Buffer) || got.Value.ETag != v.ETag || got.Value.Extension != v.Extension {
		t.Fatalf("got %+v, want %+v", got.Value, v)
	}
	if got.Value.UpstreamETag != "up1" || got.CurRevalidate != 120 {
		t.Fatalf("upstream etag %q, revalidate %d", got.Value.UpstreamETag, got.CurRevalidate)
	}
	if got.IsStale {
		t.Fatal("entry stale immediately after write")
	}
}

func TestDiskStore_SingleFilePerKey(t *testing.T) {
	s, root := newDiskStore(t)
	ctx := context.Background()
	s.Set(ctx, "k", Value{Buffer: []byte("a"), ETag: "e1", Extension: "png", UpstreamETag: "u1"}, 60)
	s.Set(ctx, "k", Value{Buffer: []byte("b"), ETag: "e2", Extension: "jpeg", UpstreamETag: "u2"}, 60)

	entries, err := os.ReadDir(filepath.Join(root, "k"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("%d files in key dir, want 1", len(entries))
	}
	if got := s.Get(ctx, "k"); got == nil || string(got.Value.Buffer) != "b" {
		t.Fatalf("got %+v, want the second write", got)
	}
}

func TestDiskStore_StaleAfterExpiry(t *testing.T) {
	s, _ := newDiskStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	s.ttl.now = func() time.Time { return past }
	s.Set(ctx, "k", Value{Buffer: []byte("a"), ETag: "e", Extension: "png", UpstreamETag: "u"}, 60)
	s.ttl.now = time.Now

	got := s.Get(ctx, "k")
	if got == nil || !got.IsStale {
		t.Fatalf("got %+v, want stale entry", got)
	}
}

func TestDiskStore_MissAndGarbage(t *testing.T) {
	s, root := newDiskStore(t)
	ctx := context.Background()
	if s.Get(ctx, "absent") != nil {
		t.Error("missing key returned an entry")
	}
	testutil.WriteFiles(t, root, map[string]string{"bad/not-a-cache-file": "x"})
	if s.Get(ctx, "bad") != nil {
		t.Error("malformed file name returned an entry")
	}
}

func TestFilename_RoundTrip(t *testing.T) {
	m := fileMeta{MaxAge: 60, ExpireAt: 1700000000123, ETag: "abc-_", UpstreamETag: "def", Extension: "webp"}
	name := m.filename()
	if name != "60.1700000000123.abc-_.def.webp" {
		t.Fatalf("filename = %q", name)
	}
	got, err := parseFilename(name)
	if err != nil {
		t.Fatal(err)
	}
	if got != m {
		t.Fatalf("parsed %+v, want %+v", got, m)
	}
	if _, err := parseFilename("60.x.a.b.png"); err == nil {
		t.Error("non-numeric expiry accepted")
	}
}

func TestNewS3Store_Validation(t *testing.T) {
	if _, err := NewS3Store(S3Config{Bucket: "b", AccessKey: "a", SecretKey: "s"}, 60, nil); err == nil {
		t.Error("missing endpoint accepted")
	}
	if _, err := NewS3Store(S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"}, 60, nil); err == nil {
		t.Error("missing bucket accepted")
	}
	s, err := NewS3Store(S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s", Bucket: "b", Prefix: "/images/"}, 60, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.keyDir("k"); got != "images/k/" {
		t.Fatalf("keyDir = %q", got)
	}
}
