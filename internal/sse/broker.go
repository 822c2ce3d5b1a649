// Package sse streams development route changes to browsers as
// Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Event types.
const (
	EventRouteAdded    = "route.added"
	EventRouteChanged  = "route.changed"
	EventRouteRemoved  = "route.removed"
	EventRoutesRebuilt = "routes.rebuilt"
)

// Watcher change kinds, as reported by fsindex.
const (
	kindAdded   = "added"
	kindChanged = "changed"
	kindRemoved = "removed"
)

const (
	heartbeatInterval = 15 * time.Second
	reconnectDelay    = time.Second
	clientBuffer      = 64
)

// RouteCounter reports the number of routes after a rebuild.
type RouteCounter func() int

// RebuiltData is the payload of a routes.rebuilt event.
type RebuiltData struct {
	Routes  int `json:"routes"`
	Changed int `json:"changed"`
}

type client struct {
	ch chan []byte
	// types is nil when the client accepts every event type.
	types map[string]bool
}

// Broker fans dev route changes out to SSE clients.
//
// Watcher changes are held per path for one window and merged, so an
// editor's save burst or a create-then-delete reaches browsers as at most
// one event per path. Each flushed batch ends with one routes.rebuilt.
type Broker struct {
	window time.Duration
	routes RouteCounter

	mu      sync.Mutex
	clients map[*client]struct{}
	pending map[string]string
	timer   *time.Timer
	closed  bool
}

// NewBroker creates a broker that coalesces watcher changes over window.
// routes may be nil.
func NewBroker(window time.Duration, routes RouteCounter) *Broker {
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	return &Broker{
		window:  window,
		routes:  routes,
		clients: make(map[*client]struct{}),
		pending: make(map[string]string),
	}
}

// merge folds a new change into the pending one for the same path. An
// empty result drops the path.
func merge(prev, next string) string {
	switch {
	case prev == "":
		return next
	case prev == kindAdded && next == kindRemoved:
		return ""
	case prev == kindAdded:
		return kindAdded
	case prev == kindRemoved && next == kindAdded:
		return kindChanged
	default:
		return next
	}
}

// PublishRouteEvent queues a watcher change ("added", "changed" or
// "removed"). Its signature matches fsindex.EventCallback.
func (b *Broker) PublishRouteEvent(kind, path string) {
	switch kind {
	case kindAdded, kindChanged, kindRemoved:
	default:
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if k := merge(b.pending[path], kind); k != "" {
		b.pending[path] = k
	} else {
		delete(b.pending, path)
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.flush)
	}
}

func (b *Broker) flush() {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]string)
	b.timer = nil
	b.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		b.broadcast("route."+pending[p], map[string]string{"path": p})
	}
	data := RebuiltData{Changed: len(paths)}
	if b.routes != nil {
		data.Routes = b.routes()
	}
	b.broadcast(EventRoutesRebuilt, data)
}

func (b *Broker) broadcast(typ string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	msg := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", typ, payload))

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		if c.types != nil && !c.types[typ] {
			continue
		}
		select {
		case c.ch <- msg:
		default:
			// Slow client; it resyncs on the next rebuilt event.
		}
	}
}

func (b *Broker) subscribe(types []string) *client {
	c := &client{ch: make(chan []byte, clientBuffer)}
	if len(types) > 0 {
		c.types = make(map[string]bool, len(types))
		for _, t := range types {
			c.types[t] = true
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(c.ch)
		return c
	}
	b.clients[c] = struct{}{}
	return c
}

func (b *Broker) unsubscribe(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.ch)
	}
}

// Close drops pending changes and disconnects every client.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	for c := range b.clients {
		close(c.ch)
	}
	clear(b.clients)
}

// parseTypes reads a comma-separated ?types= filter. Short names such as
// "added" expand to "route.added"; "rebuilt" to "routes.rebuilt".
func parseTypes(q string) []string {
	var out []string
	for _, t := range strings.Split(q, ",") {
		switch t = strings.TrimSpace(t); t {
		case "":
		case kindAdded, kindChanged, kindRemoved:
			out = append(out, "route."+t)
		case "rebuilt":
			out = append(out, EventRoutesRebuilt)
		default:
			out = append(out, t)
		}
	}
	return out
}

// ServeHTTP is the SSE endpoint handler (GET /_next/events). The optional
// types query narrows the stream, e.g. ?types=added,removed.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "retry: %d\n\n", reconnectDelay.Milliseconds())
	flusher.Flush()

	c := b.subscribe(parseTypes(r.URL.Query().Get("types")))
	defer b.unsubscribe(c)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-c.ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
