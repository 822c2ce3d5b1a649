package dispatch

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/starford/nextserve/internal/apperr"
	"github.com/starford/nextserve/internal/fsindex"
)

const (
	cacheImmutable = "public, max-age=31536000, immutable"
	cacheNoStore   = "no-store, must-revalidate"
	cacheNotFound  = "private, no-cache, no-store, max-age=0, must-revalidate"
	cacheDefault   = "public, max-age=0"
)

// staticErrorStatuses pass through to error pages; other send failures
// become 400.
var staticErrorStatuses = map[int]bool{
	http.StatusBadRequest:                   true,
	http.StatusPreconditionFailed:           true,
	http.StatusRequestedRangeNotSatisfiable: true,
}

// staticCacheControl is the Cache-Control for a static output.
func staticCacheControl(kind fsindex.Kind, dev bool) string {
	if kind == fsindex.KindNextStaticFolder {
		if dev {
			return cacheNoStore
		}
		return cacheImmutable
	}
	return cacheDefault
}

// sendStatic streams out after checking preconditions. Failures are
// returned as *apperr.StaticSendError before anything is written.
func (s *Server) sendStatic(w http.ResponseWriter, r *http.Request, out *fsindex.Output) error {
	if out.FSPath == "" || strings.Contains(out.ItemPath, "\x00") {
		return &apperr.StaticSendError{Status: http.StatusNotFound}
	}
	f, err := os.Open(filepath.Clean(out.FSPath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &apperr.StaticSendError{Status: http.StatusNotFound, Err: err}
		}
		return &apperr.StaticSendError{Status: http.StatusInternalServerError, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &apperr.StaticSendError{Status: http.StatusInternalServerError, Err: err}
	}
	if info.IsDir() {
		return &apperr.StaticSendError{Status: http.StatusNotFound}
	}

	etag := ""
	if s.opts.GenerateETags {
		etag = weakETag(info.Size(), info.ModTime())
	}
	if status := checkPreconditions(r, etag, info.ModTime()); status != 0 {
		return &apperr.StaticSendError{Status: status}
	}
	if status := checkRange(r.Header.Get("Range"), info.Size()); status != 0 {
		return &apperr.StaticSendError{Status: status}
	}

	h := w.Header()
	h.Set("Cache-Control", staticCacheControl(out.Kind, s.opts.Dev))
	if etag != "" {
		h.Set("ETag", etag)
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return nil
}

// weakETag formats W/"<size>-<mtime ms>" in hex.
func weakETag(size int64, mod time.Time) string {
	return fmt.Sprintf(`W/"%s-%s"`, strconv.FormatInt(size, 16), strconv.FormatInt(mod.UnixMilli(), 16))
}

func checkPreconditions(r *http.Request, etag string, mod time.Time) int {
	if im := r.Header.Get("If-Match"); im != "" && im != "*" {
		if etag == "" || !etagListContains(im, etag) {
			return http.StatusPreconditionFailed
		}
	}
	if ius := r.Header.Get("If-Unmodified-Since"); ius != "" {
		if t, err := http.ParseTime(ius); err == nil && mod.Truncate(time.Second).After(t) {
			return http.StatusPreconditionFailed
		}
	}
	return 0
}

func etagListContains(list, etag string) bool {
	want := strings.TrimPrefix(etag, "W/")
	for _, c := range strings.Split(list, ",") {
		if strings.TrimPrefix(strings.TrimSpace(c), "W/") == want {
			return true
		}
	}
	return false
}

// checkRange reports 416 when no range in a bytes= header can be served.
// Headers in other units are ignored.
func checkRange(header string, size int64) int {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0
	}
	for _, part := range strings.Split(spec, ",") {
		start, end, found := strings.Cut(strings.TrimSpace(part), "-")
		if !found {
			continue
		}
		if start == "" {
			if n, err := strconv.ParseInt(end, 10, 64); err == nil && n > 0 && size > 0 {
				return 0
			}
			continue
		}
		from, err := strconv.ParseInt(start, 10, 64)
		if err != nil || from >= size {
			continue
		}
		if end != "" {
			if to, err := strconv.ParseInt(end, 10, 64); err != nil || to < from {
				continue
			}
		}
		return 0
	}
	return http.StatusRequestedRangeNotSatisfiable
}
