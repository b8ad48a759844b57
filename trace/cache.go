// cache.go - Trace-Cache mit Buildkoordination
//
// Enthaelt:
// - Cache mit Signatur-Lookup, Statistiken und Invalidierung
// - GetOrBuild mit singleflight: hoechstens ein Build je Signatur
// - Optionale Persistenz ueber einen DiskStore
//
// Ein Miss zeichnet den Builder einmal auf; gleichzeitige Anfragen mit
// derselben Signatur warten auf diesen einen Build und verwenden dann
// denselben Trace. Ein abgebrochener Build hinterlaesst keinen Eintrag.

package trace

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/singleflight"

	"github.com/Sygil-Dev/diffusers/logutil"
	"github.com/Sygil-Dev/diffusers/ml"
)

// Stats is a snapshot of the cache counters.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Builds        uint64 `json:"builds"`
	Loads         uint64 `json:"loads"`
	Invalidations uint64 `json:"invalidations"`

	// Rejected counts builds whose result was not retained because the
	// cache was at capacity.
	Rejected uint64 `json:"rejected"`

	Entries int `json:"entries"`
}

// Entry is one cached trace.
type Entry struct {
	ID    uuid.UUID
	Graph *Graph
}

// EntryInfo is the externally visible description of a cache entry.
type EntryInfo struct {
	ID             string    `json:"id"`
	Signature      string    `json:"signature"`
	Digest         string    `json:"digest"`
	Ops            int       `json:"ops"`
	ValueDependent bool      `json:"value_dependent,omitempty"`
	Created        time.Time `json:"created"`
	Replays        uint64    `json:"replays"`
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithStore attaches a disk store. Built traces are persisted best-effort
// and misses consult the store before rebuilding.
func WithStore(store *DiskStore) CacheOption {
	return func(c *Cache) { c.store = store }
}

// WithMaxEntries caps the number of retained traces. Builds beyond the
// cap still run but their traces are not kept, so cached contents stay
// deterministic instead of depending on eviction order.
func WithMaxEntries(n int) CacheOption {
	return func(c *Cache) { c.maxEntries = n }
}

// Cache maps run signatures to recorded traces.
type Cache struct {
	mode       CaptureMode
	store      *DiskStore
	maxEntries int

	mu      sync.RWMutex
	entries *orderedmap.OrderedMap[string, *Entry]
	stats   Stats

	group singleflight.Group
}

func NewCache(mode CaptureMode, opts ...CacheOption) *Cache {
	c := &Cache{
		mode:    mode,
		entries: orderedmap.New[string, *Entry](),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Mode returns the capture mode builds run with.
func (c *Cache) Mode() CaptureMode { return c.mode }

func (c *Cache) lookup(key string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries.Get(key)
	return e, ok
}

// Get returns the cached trace for a signature without counting a hit.
func (c *Cache) Get(sig Signature) (*Graph, bool) {
	e, ok := c.lookup(sig.Digest())
	if !ok {
		return nil, false
	}

	return e.Graph, true
}

// GetOrBuild returns the trace for the signature, capturing the builder
// once on a miss. Concurrent calls with the same signature share one
// build. The returned outputs are non-nil only for the call that
// performed the capture; other callers replay the graph with their own
// inputs.
func (c *Cache) GetOrBuild(ctx context.Context, mctx ml.Context, sig Signature, inputs []ml.Tensor, builder Builder) (*Graph, []ml.Tensor, error) {
	key := sig.Digest()

	if e, ok := c.lookup(key); ok {
		c.count(func(s *Stats) { s.Hits++ })
		return e.Graph, nil, nil
	}

	c.count(func(s *Stats) { s.Misses++ })

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		var built []ml.Tensor
		v, err, _ := c.group.Do(key, func() (any, error) {
			// A queued caller may find the winner's entry already
			// inserted.
			if e, ok := c.lookup(key); ok {
				return e.Graph, nil
			}

			if g, ok := c.load(sig); ok {
				return g, nil
			}

			g, outs, err := Capture(mctx, c.mode, sig, inputs, builder)
			if err != nil {
				return nil, err
			}

			// A cancellation during the build discards the result so no
			// entry is left behind.
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			built = outs
			c.count(func(s *Stats) { s.Builds++ })
			c.insert(key, g)
			c.persist(g)
			return g, nil
		})

		if err != nil {
			c.group.Forget(key)

			// The winning caller may have been canceled; retry while our
			// own context is still live.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() == nil {
					continue
				}
			}

			return nil, nil, err
		}

		return v.(*Graph), built, nil
	}
}

// load consults the disk store on a miss.
func (c *Cache) load(sig Signature) (*Graph, bool) {
	if c.store == nil {
		return nil, false
	}

	g, err := c.store.Load(sig)
	if err != nil {
		if !errors.Is(err, ErrTraceNotFound) {
			slog.Warn("trace store read failed", "digest", sig.Digest(), "error", err)
		}
		return nil, false
	}

	c.insert(sig.Digest(), g)
	c.count(func(s *Stats) { s.Loads++ })
	logutil.Trace("trace loaded from store", "digest", sig.Digest(), "ops", g.Ops())

	return g, true
}

func (c *Cache) insert(key string, g *Graph) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxEntries > 0 && c.entries.Len() >= c.maxEntries {
		c.stats.Rejected++
		slog.Warn("trace cache at capacity, not retaining trace", "digest", key, "capacity", c.maxEntries)
		return
	}

	c.entries.Set(key, &Entry{ID: uuid.New(), Graph: g})
}

func (c *Cache) persist(g *Graph) {
	if c.store == nil {
		return
	}

	if err := c.store.Save(g); err != nil {
		if errors.Is(err, ErrNotPersistable) {
			logutil.Trace("trace not persistable", "digest", g.Signature().Digest())
			return
		}

		slog.Warn("trace store write failed", "digest", g.Signature().Digest(), "error", err)
	}
}

func (c *Cache) count(fn func(*Stats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.stats)
}

// Invalidate drops the trace for a signature. Replays of graphs handed
// out earlier fail with ErrStaleTrace and force a rebuild.
func (c *Cache) Invalidate(sig Signature) bool {
	return c.invalidateKey(sig.Digest())
}

// InvalidateDigest drops a trace by its digest string.
func (c *Cache) InvalidateDigest(digest string) bool {
	return c.invalidateKey(digest)
}

func (c *Cache) invalidateKey(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Get(key)
	if !ok {
		return false
	}

	e.Graph.invalidate()
	c.entries.Delete(key)
	c.stats.Invalidations++

	if c.store != nil {
		if err := c.store.Remove(e.Graph.Signature()); err != nil {
			slog.Warn("trace store remove failed", "digest", key, "error", err)
		}
	}

	return true
}

// InvalidateAll drops every cached trace and returns how many were
// affected.
func (c *Cache) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.entries.Len()
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.Graph.invalidate()

		if c.store != nil {
			if err := c.store.Remove(pair.Value.Graph.Signature()); err != nil {
				slog.Warn("trace store remove failed", "digest", pair.Key, "error", err)
			}
		}
	}

	c.entries = orderedmap.New[string, *Entry]()
	c.stats.Invalidations += uint64(n)

	return n
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.stats
	s.Entries = c.entries.Len()
	return s
}

// Entries lists the cached traces in insertion order.
func (c *Cache) Entries() []EntryInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	infos := make([]EntryInfo, 0, c.entries.Len())
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		g := pair.Value.Graph
		infos = append(infos, EntryInfo{
			ID:             pair.Value.ID.String(),
			Signature:      g.Signature().String(),
			Digest:         pair.Key,
			Ops:            g.Ops(),
			ValueDependent: g.ValueDependent(),
			Created:        g.Created(),
			Replays:        g.Replays(),
		})
	}

	return infos
}
