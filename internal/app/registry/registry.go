// Package registry is the live view of the tool root: which tools exist,
// what they expose, and which environment each one binds to. Lookups are
// lock-cheap snapshot reads; refreshes build a replacement table and swap it
// in, so invocations already in flight keep the descriptor they started with.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"dyntools/internal/domain"
	"dyntools/internal/infra/boundary"
	"dyntools/internal/infra/envpool"
	"dyntools/internal/infra/history"
	"dyntools/internal/infra/telemetry"
	"dyntools/internal/infra/tracker"
)

// ToolSummary is the listing row for one registered tool.
type ToolSummary struct {
	Name         string              `json:"name"`
	Description  string              `json:"description,omitempty"`
	EntryPoints  []string            `json:"entryPoints"`
	Dependencies []domain.Dependency `json:"dependencies,omitempty"`
	ContentHash  string              `json:"contentHash"`
}

type toolEntry struct {
	desc        domain.ToolDescriptor
	fingerprint string
}

type Registry struct {
	logger  *zap.Logger
	tracker *tracker.Tracker
	envs    *envpool.Manager
	proxy   *boundary.Proxy
	history *history.Store

	mu      sync.RWMutex
	entries map[string]toolEntry

	refreshMu sync.Mutex

	subsMu sync.Mutex
	subs   map[chan domain.ChangeSet]struct{}
}

type Options struct {
	Tracker *tracker.Tracker
	Envs    *envpool.Manager
	Proxy   *boundary.Proxy
	History *history.Store
	Logger  *zap.Logger
}

func New(opts Options) (*Registry, error) {
	if opts.Tracker == nil {
		return nil, fmt.Errorf("registry: tracker is required")
	}
	if opts.Envs == nil {
		return nil, fmt.Errorf("registry: environment manager is required")
	}
	if opts.Proxy == nil {
		return nil, fmt.Errorf("registry: execution proxy is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:  logger.Named("registry"),
		tracker: opts.Tracker,
		envs:    opts.Envs,
		proxy:   opts.Proxy,
		history: opts.History,
		entries: make(map[string]toolEntry),
		subs:    make(map[chan domain.ChangeSet]struct{}),
	}, nil
}

// List returns summaries of every registered tool, sorted by name.
func (r *Registry) List(ctx context.Context) ([]ToolSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSummary, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, ToolSummary{
			Name:         entry.desc.Name,
			Description:  entry.desc.Description,
			EntryPoints:  entry.desc.EntryPointNames(),
			Dependencies: entry.desc.Dependencies,
			ContentHash:  entry.desc.ContentHash,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Describe returns the full descriptor for one tool.
func (r *Registry) Describe(ctx context.Context, name string) (domain.ToolDescriptor, error) {
	const op = "registry.describe"
	if err := ctx.Err(); err != nil {
		return domain.ToolDescriptor{}, err
	}
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return domain.ToolDescriptor{}, domain.E(domain.CodeNotFound, op,
			fmt.Sprintf("tool %q is not registered", name), domain.ErrToolNotFound)
	}
	return entry.desc, nil
}

// Invoke runs one entry point of a registered tool. The descriptor is pinned
// before the environment is acquired, so a refresh landing mid-call cannot
// retarget the invocation; the environment stays pinned in the pool until the
// call returns, so a concurrent sweep cannot destroy it either. A positive
// timeout overrides the tool's configured invocation timeout.
func (r *Registry) Invoke(ctx context.Context, tool, entryPoint string, args map[string]any, timeout time.Duration) (domain.InvocationRecord, error) {
	const op = "registry.invoke"

	r.mu.RLock()
	entry, ok := r.entries[tool]
	r.mu.RUnlock()
	if !ok {
		return domain.InvocationRecord{}, domain.E(domain.CodeNotFound, op,
			fmt.Sprintf("tool %q is not registered", tool), domain.ErrToolNotFound)
	}

	env, err := r.envs.Acquire(ctx, entry.desc.Dependencies)
	if err != nil {
		return domain.InvocationRecord{}, err
	}
	defer r.envs.Done(env.Fingerprint())
	return r.proxy.Invoke(ctx, &entry.desc, env, entryPoint, args, timeout)
}

// Refresh rescans the tool root and applies the detected changes to the live
// table. It returns the summary of what changed; an empty set means the root
// and the registry already agreed.
func (r *Registry) Refresh(ctx context.Context) (domain.ChangeSet, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	result, err := r.tracker.Scan(ctx)
	if err != nil {
		return domain.ChangeSet{}, err
	}
	if result.IsEmpty() {
		return domain.ChangeSetFromRecords(nil), nil
	}

	next := make(map[string]toolEntry, len(r.entries))
	r.mu.RLock()
	for name, entry := range r.entries {
		next[name] = entry
	}
	r.mu.RUnlock()

	var released []string
	for _, record := range result.Records {
		switch record.Kind {
		case domain.ChangeAdded, domain.ChangeModified:
			desc, ok := result.Descriptors[record.Tool]
			if !ok {
				continue
			}
			fingerprint, err := r.envs.Retain(desc.Dependencies)
			if err != nil {
				r.logger.Error("retain environment failed",
					telemetry.ToolField(record.Tool), zap.Error(err))
				continue
			}
			if prev, existed := next[record.Tool]; existed {
				released = append(released, prev.fingerprint)
			}
			next[record.Tool] = toolEntry{desc: desc, fingerprint: fingerprint}
			r.logger.Info("tool registered",
				telemetry.EventField(telemetry.EventEntrySwapped),
				telemetry.ToolField(record.Tool),
				telemetry.FingerprintField(fingerprint),
				zap.String("kind", string(record.Kind)),
			)
		case domain.ChangeRemoved:
			if prev, existed := next[record.Tool]; existed {
				released = append(released, prev.fingerprint)
				delete(next, record.Tool)
				r.logger.Info("tool removed", telemetry.ToolField(record.Tool))
			}
		}
	}

	r.mu.Lock()
	r.entries = next
	r.mu.Unlock()

	for _, fingerprint := range released {
		r.envs.Release(fingerprint)
	}

	if r.history != nil && len(result.Records) > 0 {
		if err := r.history.Append(result.Records...); err != nil {
			r.logger.Warn("history append failed", zap.Error(err))
		}
	}

	set := domain.ChangeSetFromRecords(result.Records)
	if !set.IsEmpty() {
		r.broadcast(set)
	}
	return set, nil
}

// Changes returns persisted change records after the given sequence number.
func (r *Registry) Changes(ctx context.Context, after uint64, limit int) ([]domain.ChangeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.history == nil {
		return nil, nil
	}
	return r.history.Since(after, limit)
}

// Subscribe delivers change summaries until ctx is done. Slow subscribers
// miss intermediate updates rather than blocking refreshes.
func (r *Registry) Subscribe(ctx context.Context) <-chan domain.ChangeSet {
	ch := make(chan domain.ChangeSet, 1)
	r.subsMu.Lock()
	r.subs[ch] = struct{}{}
	r.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		r.subsMu.Lock()
		delete(r.subs, ch)
		r.subsMu.Unlock()
	}()
	return ch
}

func (r *Registry) broadcast(set domain.ChangeSet) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- set:
		default:
		}
	}
}

// Stats reports the current registry and environment-cache shape.
type Stats struct {
	Tools        int               `json:"tools"`
	Environments envpool.PoolStats `json:"environments"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	tools := len(r.entries)
	r.mu.RUnlock()
	return Stats{
		Tools:        tools,
		Environments: r.envs.Stats(),
	}
}
