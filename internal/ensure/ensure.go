// Package ensure compiles page and app routes on demand in development.
package ensure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/starford/nextserve/internal/apperr"
	"github.com/starford/nextserve/internal/fsindex"
)

// Compiler builds one route. It returns an error wrapping
// apperr.ErrNotFound when the route does not exist.
type Compiler interface {
	Compile(ctx context.Context, kind fsindex.Kind, page string) error
}

// Options configure an Ensurer.
type Options struct {
	// MaxConcurrency bounds concurrent compiles; zero means 1.
	MaxConcurrency int
	// Retries is how many times a failed compile is retried.
	Retries int
	// Backoff is the pause before each retry.
	Backoff time.Duration
	Logger  *slog.Logger
}

// Ensurer deduplicates and bounds compiles and remembers what is built
// until Forget is called.
type Ensurer struct {
	compiler Compiler
	sem      *semaphore.Weighted
	opts     Options
	logger   *slog.Logger

	group singleflight.Group
	built sync.Map // key -> struct{}
}

// New returns an Ensurer for compiler.
func New(compiler Compiler, opts Options) *Ensurer {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ensurer{
		compiler: compiler,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		opts:     opts,
		logger:   opts.Logger,
	}
}

func key(kind fsindex.Kind, page string) string { return kind.String() + ":" + page }

// Ensure compiles page unless it is already built. It satisfies
// fsindex.EnsureFunc.
func (e *Ensurer) Ensure(ctx context.Context, kind fsindex.Kind, page string) error {
	k := key(kind, page)
	if _, ok := e.built.Load(k); ok {
		return nil
	}
	_, err, _ := e.group.Do(k, func() (any, error) {
		if err := e.compile(ctx, kind, page); err != nil {
			return nil, err
		}
		e.built.Store(k, struct{}{})
		return nil, nil
	})
	return err
}

func (e *Ensurer) compile(ctx context.Context, kind fsindex.Kind, page string) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	var err error
	for attempt := 0; attempt <= e.opts.Retries; attempt++ {
		if attempt > 0 {
			e.logger.Warn("ensure: retrying compile",
				slog.String("page", page), slog.Int("attempt", attempt), slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.opts.Backoff):
			}
		}
		start := time.Now()
		err = e.compiler.Compile(ctx, kind, page)
		if err == nil {
			e.logger.Debug("ensure: compiled",
				slog.String("kind", kind.String()),
				slog.String("page", page),
				slog.Duration("took", time.Since(start)))
			return nil
		}
		if errors.Is(err, apperr.ErrNotFound) || ctx.Err() != nil {
			return err
		}
	}
	return fmt.Errorf("ensure: compile %s: %w", page, err)
}

// Forget drops page from the built set so the next Ensure recompiles it.
func (e *Ensurer) Forget(page string) {
	e.built.Range(func(k, _ any) bool {
		if _, p, _ := strings.Cut(k.(string), ":"); p == page {
			e.built.Delete(k)
		}
		return true
	})
}

// Reset forgets every built route.
func (e *Ensurer) Reset() {
	e.built.Range(func(k, _ any) bool {
		e.built.Delete(k)
		return true
	})
}

// HTTPCompiler asks the render server to compile a route.
type HTTPCompiler struct {
	endpoint string
	client   *http.Client
}

// NewHTTPCompiler posts to <endpoint>/_next/ensure.
func NewHTTPCompiler(endpoint string, timeout time.Duration) *HTTPCompiler {
	return &HTTPCompiler{
		endpoint: strings.TrimSuffix(endpoint, "/") + "/_next/ensure",
		client:   &http.Client{Timeout: timeout},
	}
}

type ensureRequest struct {
	Type string `json:"type"`
	Page string `json:"page"`
}

func (c *HTTPCompiler) Compile(ctx context.Context, kind fsindex.Kind, page string) error {
	body, err := json.Marshal(ensureRequest{Type: kindName(kind), Page: page})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ensure: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ensure: %s: %w", page, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("ensure: %s: %w", page, apperr.ErrNotFound)
	case resp.StatusCode >= 300:
		return fmt.Errorf("ensure: %s: render server answered %d", page, resp.StatusCode)
	}
	return nil
}

func kindName(kind fsindex.Kind) string {
	if kind == fsindex.KindAppFile {
		return "app"
	}
	return "pages"
}
