// Package registry holds the concurrent tool store. It owns every
// tool entry exclusively; all readers get copies.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"orchd/internal/domain"
)

// Options configures a Registry. Zero values fall back to the domain
// defaults.
type Options struct {
	TTL           time.Duration
	MaxDynamic    int
	SweepInterval time.Duration

	// OnEvict runs after an entry has been removed, outside the lock.
	// Used to release sandbox bindings held by generated tools.
	OnEvict func(domain.ToolEntry)

	Logger  *zap.Logger
	Metrics domain.Metrics
	Clock   func() time.Time
}

// Registry is a concurrent map of tool entries with TTL-based expiry
// for non-base kinds and a capacity ceiling on the dynamic set.
type Registry struct {
	opts Options

	mu      sync.RWMutex
	base    map[string]*domain.ToolEntry
	dynamic map[string]*domain.ToolEntry

	// snapshot caches the last List result. Any mutation clears it.
	snapshot []*domain.ToolEntry
}

// New builds a Registry.
func New(opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = domain.DefaultDynamicTTLSeconds * time.Second
	}
	if opts.MaxDynamic <= 0 {
		opts.MaxDynamic = domain.DefaultMaxDynamicTools
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = domain.DefaultSweepIntervalSeconds * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger = opts.Logger.Named("registry")
	if opts.Metrics == nil {
		opts.Metrics = domain.NopMetrics{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{
		opts:    opts,
		base:    make(map[string]*domain.ToolEntry),
		dynamic: make(map[string]*domain.ToolEntry),
	}
}

// SeedBase installs a permanent entry discovered from an upstream
// server. Base entries bypass TTL and the capacity ceiling.
func (r *Registry) SeedBase(entry *domain.ToolEntry) error {
	if entry.ID == "" {
		return domain.E(domain.CodeInvalidArgument, "registry.SeedBase", "empty tool id", nil)
	}
	cp := entry.Clone()
	cp.Kind = domain.ToolKindBase
	cp.ExpiresAt = time.Time{}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = r.opts.Clock()
	}

	r.mu.Lock()
	r.base[cp.ID] = cp
	r.snapshot = nil
	n := len(r.base)
	r.mu.Unlock()

	r.opts.Metrics.SetRegistrySize(domain.ToolKindBase, n)
	return nil
}

// Upsert registers a dynamic (generated or proxy) entry. An id
// collision is surfaced as an error; nothing is overwritten. When the
// dynamic set is full, already-expired entries are evicted
// oldest-expiry-first to free a slot; if none are expired the insert
// fails with CapacityExceeded.
func (r *Registry) Upsert(entry *domain.ToolEntry) error {
	const op = "registry.Upsert"
	if entry.ID == "" {
		return domain.E(domain.CodeInvalidArgument, op, "empty tool id", nil)
	}
	if entry.Kind == domain.ToolKindBase {
		return domain.E(domain.CodeInvalidArgument, op, "base entries are seeded, not upserted", nil)
	}

	now := r.opts.Clock()
	cp := entry.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.ExpiresAt.IsZero() {
		cp.ExpiresAt = cp.CreatedAt.Add(r.opts.TTL)
	}
	if !cp.ExpiresAt.After(cp.CreatedAt) {
		return domain.E(domain.CodeInvalidArgument, op, "expiry must follow creation", nil)
	}

	var evicted []*domain.ToolEntry

	r.mu.Lock()
	if _, ok := r.base[cp.ID]; ok {
		r.mu.Unlock()
		return domain.E(domain.CodeResourceExhausted, op,
			fmt.Sprintf("id %q collides with a base tool", cp.ID), domain.ErrToolExists)
	}
	if _, ok := r.dynamic[cp.ID]; ok {
		r.mu.Unlock()
		return domain.E(domain.CodeResourceExhausted, op,
			fmt.Sprintf("id %q already registered", cp.ID), domain.ErrToolExists)
	}
	if len(r.dynamic) >= r.opts.MaxDynamic {
		evicted = r.evictExpiredLocked(now, len(r.dynamic)-r.opts.MaxDynamic+1)
		if len(r.dynamic) >= r.opts.MaxDynamic {
			r.mu.Unlock()
			r.notifyEvicted(evicted)
			return domain.E(domain.CodeResourceExhausted, op,
				fmt.Sprintf("dynamic ceiling %d reached and no entry is expired", r.opts.MaxDynamic),
				domain.ErrCapacityExceeded)
		}
	}
	r.dynamic[cp.ID] = cp
	r.snapshot = nil
	generated, proxy := r.kindCountsLocked()
	r.mu.Unlock()

	r.notifyEvicted(evicted)
	r.reportSizes(generated, proxy)
	r.opts.Logger.Debug("tool registered",
		zap.String("id", cp.ID),
		zap.String("kind", string(cp.Kind)),
		zap.Time("expires_at", cp.ExpiresAt))
	return nil
}

// Get returns a copy of the entry, or false when absent or expired.
func (r *Registry) Get(id string) (*domain.ToolEntry, bool) {
	now := r.opts.Clock()

	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.base[id]; ok {
		return e.Clone(), true
	}
	if e, ok := r.dynamic[id]; ok && !e.Expired(now) {
		return e.Clone(), true
	}
	return nil, false
}

// List returns a consistent point-in-time snapshot of every live
// entry, sorted by id. The snapshot is cached until the next
// mutation; callers receive fresh copies either way.
func (r *Registry) List() []*domain.ToolEntry {
	now := r.opts.Clock()

	r.mu.RLock()
	cached := r.snapshot
	r.mu.RUnlock()

	if cached == nil {
		r.mu.Lock()
		if r.snapshot == nil {
			snap := make([]*domain.ToolEntry, 0, len(r.base)+len(r.dynamic))
			for _, e := range r.base {
				snap = append(snap, e)
			}
			for _, e := range r.dynamic {
				snap = append(snap, e)
			}
			sort.Slice(snap, func(i, j int) bool { return snap[i].ID < snap[j].ID })
			r.snapshot = snap
		}
		cached = r.snapshot
		r.mu.Unlock()
	}

	out := make([]*domain.ToolEntry, 0, len(cached))
	for _, e := range cached {
		if e.Expired(now) {
			continue
		}
		out = append(out, e.Clone())
	}
	return out
}

// Remove deletes a dynamic entry by id. Base entries cannot be
// removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	e, ok := r.dynamic[id]
	if ok {
		delete(r.dynamic, id)
		r.snapshot = nil
	}
	generated, proxy := r.kindCountsLocked()
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.notifyEvicted([]*domain.ToolEntry{e})
	r.reportSizes(generated, proxy)
	return true
}

// RecordExecution bumps the execution counter for a live entry.
func (r *Registry) RecordExecution(id string) {
	r.mu.Lock()
	if e, ok := r.dynamic[id]; ok {
		e.ExecCount++
	} else if e, ok := r.base[id]; ok {
		e.ExecCount++
	}
	r.mu.Unlock()
}

// DynamicCount reports the current number of non-base entries,
// including ones past expiry that the sweeper has not collected yet.
func (r *Registry) DynamicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dynamic)
}

// SweepExpired removes every dynamic entry past its expiry and
// reports how many were dropped. Eviction callbacks run outside the
// lock.
func (r *Registry) SweepExpired() int {
	now := r.opts.Clock()

	r.mu.Lock()
	var evicted []*domain.ToolEntry
	for id, e := range r.dynamic {
		if e.Expired(now) {
			delete(r.dynamic, id)
			evicted = append(evicted, e)
		}
	}
	if len(evicted) > 0 {
		r.snapshot = nil
	}
	generated, proxy := r.kindCountsLocked()
	r.mu.Unlock()

	r.notifyEvicted(evicted)
	if len(evicted) > 0 {
		r.reportSizes(generated, proxy)
		r.opts.Logger.Info("swept expired tools", zap.Int("removed", len(evicted)))
	}
	r.opts.Metrics.ObserveSweep(len(evicted))
	return len(evicted)
}

// kindCountsLocked tallies the dynamic set per kind. Caller holds
// either lock; the set is ceiling-bounded so the walk is cheap.
func (r *Registry) kindCountsLocked() (generated, proxy int) {
	for _, e := range r.dynamic {
		if e.Kind == domain.ToolKindGenerated {
			generated++
		} else {
			proxy++
		}
	}
	return generated, proxy
}

func (r *Registry) reportSizes(generated, proxy int) {
	r.opts.Metrics.SetRegistrySize(domain.ToolKindGenerated, generated)
	r.opts.Metrics.SetRegistrySize(domain.ToolKindProxy, proxy)
}

// evictExpiredLocked removes up to want expired entries, oldest
// expiry first, ties broken by oldest creation. Caller holds the
// write lock.
func (r *Registry) evictExpiredLocked(now time.Time, want int) []*domain.ToolEntry {
	var expired []*domain.ToolEntry
	for _, e := range r.dynamic {
		if e.Expired(now) {
			expired = append(expired, e)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if !expired[i].ExpiresAt.Equal(expired[j].ExpiresAt) {
			return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
		}
		return expired[i].CreatedAt.Before(expired[j].CreatedAt)
	})
	if len(expired) > want {
		expired = expired[:want]
	}
	for _, e := range expired {
		delete(r.dynamic, e.ID)
	}
	if len(expired) > 0 {
		r.snapshot = nil
	}
	return expired
}

func (r *Registry) notifyEvicted(entries []*domain.ToolEntry) {
	if r.opts.OnEvict == nil {
		return
	}
	for _, e := range entries {
		r.opts.OnEvict(*e.Clone())
	}
}
