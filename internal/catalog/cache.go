// ABOUTME: Model catalog cache with TTL refresh and memoized capability checks.
// ABOUTME: Snapshots are swapped atomically; concurrent fetches and checks collapse into one.

package catalog

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/iris/internal/llm"
)

const (
	// DefaultTTL is how long a fetched catalog is served before refreshing.
	DefaultTTL = 24 * time.Hour

	// DefaultRequestTimeout bounds a shared catalog fetch or capability check.
	DefaultRequestTimeout = 30 * time.Second

	// checkMaxTokens keeps capability checks cheap.
	checkMaxTokens = 5
)

// snapshot is an immutable catalog generation.
type snapshot struct {
	models    map[string]Model
	fetchedAt time.Time
}

type capability struct {
	supported bool
	checkedAt time.Time
}

// Options configure a Cache.
type Options struct {
	// TTL is the catalog lifetime. Zero means DefaultTTL.
	TTL time.Duration

	// CapabilityTTL rechecks a model after this long. Zero never rechecks.
	CapabilityTTL time.Duration

	// RequestTimeout bounds catalog fetches and capability checks shared between
	// callers. They run detached from any single caller's context. Zero
	// means DefaultRequestTimeout.
	RequestTimeout time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Cache serves the model catalog and system prompt capability records.
type Cache struct {
	lister    llm.ModelLister
	completer llm.Completer
	ttl       time.Duration
	capTTL    time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger

	catalog atomic.Pointer[snapshot]
	caps    atomic.Pointer[map[string]capability]
	capsMu  sync.Mutex // serializes copy-on-write updates of caps
	group   singleflight.Group
}

// New creates a cache. lister fetches the catalog; completer runs capability checks.
func New(lister llm.ModelLister, completer llm.Completer, opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Cache{
		lister:    lister,
		completer: completer,
		ttl:       ttl,
		capTTL:    opts.CapabilityTTL,
		timeout:   timeout,
		now:       now,
		logger:    logger.With("component", "catalog"),
	}
	empty := map[string]capability{}
	c.caps.Store(&empty)
	return c
}

// AllModels returns the catalog keyed by model id, refreshing it when it is
// missing or older than the TTL. The returned map must not be modified.
func (c *Cache) AllModels(ctx context.Context) map[string]Model {
	if snap := c.catalog.Load(); snap != nil && c.fresh(snap) {
		return snap.models
	}

	v, _, _ := c.group.Do("catalog", func() (any, error) {
		// Another caller may have refreshed while we waited.
		if snap := c.catalog.Load(); snap != nil && c.fresh(snap) {
			return snap.models, nil
		}
		fetchCtx, cancel := c.detached(ctx)
		defer cancel()
		return c.refresh(fetchCtx), nil
	})
	return v.(map[string]Model)
}

// Refresh fetches the catalog now, regardless of age. On failure the
// previous catalog is kept and the error is returned.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		return c.fetch(ctx)
	})
	return err
}

// ModelDetails returns the catalog entry for id.
func (c *Cache) ModelDetails(ctx context.Context, id string) (Model, bool) {
	m, ok := c.AllModels(ctx)[id]
	return m, ok
}

// FreeModels returns the zero-priced models sorted by id.
func (c *Cache) FreeModels(ctx context.Context) []Model {
	var free []Model
	for _, m := range c.AllModels(ctx) {
		if m.IsFree() {
			free = append(free, m)
		}
	}
	sort.Slice(free, func(i, j int) bool { return free[i].ID < free[j].ID })
	return free
}

// FetchedAt reports when the current catalog was fetched; zero if never.
func (c *Cache) FetchedAt() time.Time {
	if snap := c.catalog.Load(); snap != nil {
		return snap.fetchedAt
	}
	return time.Time{}
}

// SupportsImages reports whether the catalog lists image input for id.
func (c *Cache) SupportsImages(ctx context.Context, id string) bool {
	m, ok := c.ModelDetails(ctx, id)
	return ok && m.SupportsImages()
}

// SupportsSystemPrompt reports whether id accepts a system-role message.
// The first call per id runs a live check; a provider error records the
// model as unsupported. A check that times out records nothing, and a
// caller whose ctx ends first gets false while the check carries on.
func (c *Cache) SupportsSystemPrompt(ctx context.Context, id string) bool {
	if rec, ok := c.capability(id); ok {
		return rec.supported
	}

	ch := c.group.DoChan("capability:"+id, func() (any, error) {
		if rec, ok := c.capability(id); ok {
			return rec.supported, nil
		}
		checkCtx, cancel := c.detached(ctx)
		defer cancel()
		supported, conclusive := c.check(checkCtx, id)
		if conclusive {
			c.storeCapability(id, supported)
		}
		return supported, nil
	})

	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		c.logger.Debug("stopped waiting for capability check", "model", id, "error", ctx.Err())
		return false
	}
}

// detached derives a context for work shared between callers: it keeps
// ctx's values but not its cancellation, and has its own deadline.
func (c *Cache) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
}

// fresh reports whether snap is within the TTL.
func (c *Cache) fresh(snap *snapshot) bool {
	return c.now().Sub(snap.fetchedAt) <= c.ttl
}

// refresh fetches the catalog, degrading to the previous or an empty one.
func (c *Cache) refresh(ctx context.Context) map[string]Model {
	models, err := c.fetch(ctx)
	if err == nil {
		return models
	}
	if snap := c.catalog.Load(); snap != nil {
		c.logger.Warn("catalog refresh failed, serving stale catalog",
			"error", err,
			"age", c.now().Sub(snap.fetchedAt),
		)
		return snap.models
	}
	c.logger.Warn("catalog fetch failed, no catalog available", "error", err)
	return map[string]Model{}
}

func (c *Cache) fetch(ctx context.Context) (map[string]Model, error) {
	start := c.now()
	infos, err := c.lister.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	models := make(map[string]Model, len(infos))
	for _, info := range infos {
		if info.ID == "" {
			continue
		}
		models[info.ID] = modelFromInfo(info)
	}
	c.catalog.Store(&snapshot{models: models, fetchedAt: c.now()})
	c.logger.Info("catalog refreshed", "models", len(models), "duration", c.now().Sub(start))
	return models, nil
}

func (c *Cache) capability(id string) (capability, bool) {
	rec, ok := (*c.caps.Load())[id]
	if !ok {
		return capability{}, false
	}
	if c.capTTL > 0 && c.now().Sub(rec.checkedAt) > c.capTTL {
		return capability{}, false
	}
	return rec, true
}

func (c *Cache) storeCapability(id string, supported bool) {
	c.capsMu.Lock()
	defer c.capsMu.Unlock()
	old := *c.caps.Load()
	next := make(map[string]capability, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[id] = capability{supported: supported, checkedAt: c.now()}
	c.caps.Store(&next)
}

// check sends a tiny request with a system message. conclusive is false
// when the request ran out of time rather than being answered.
func (c *Cache) check(ctx context.Context, id string) (supported, conclusive bool) {
	_, err := c.completer.Complete(ctx, &llm.CompletionRequest{
		Model: id,
		Messages: []llm.ChatMessage{
			llm.NewSystemMessage("Test prompt."),
			llm.NewUserMessage("Hello."),
		},
		MaxTokens: checkMaxTokens,
	})
	if err != nil && ctx.Err() != nil {
		c.logger.Warn("capability check timed out", "model", id, "error", err)
		return false, false
	}
	if err != nil {
		c.logger.Info("model does not accept system prompts", "model", id, "error", err)
		return false, true
	}
	c.logger.Debug("model accepts system prompts", "model", id)
	return true, true
}
