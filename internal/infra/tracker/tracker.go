// Package tracker watches the tool root for artifact changes. It detects
// additions, modifications, and removals by content hash, so a rewrite that
// produces identical bytes is not a change.
package tracker

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"dyntools/internal/domain"
	"dyntools/internal/infra/descriptor"
	"dyntools/internal/infra/telemetry"
)

type trackedState struct {
	hash   string
	broken bool
}

// ScanResult is the outcome of one scan pass. Descriptors holds freshly
// parsed descriptors for added and modified tools; Failures holds parse
// errors keyed by tool name for artifacts that hashed as changed but could
// not be parsed.
type ScanResult struct {
	Records     []domain.ChangeRecord
	Descriptors map[string]domain.ToolDescriptor
	Failures    map[string]error
}

func (r ScanResult) IsEmpty() bool {
	return len(r.Records) == 0 && len(r.Failures) == 0
}

type Tracker struct {
	logger  *zap.Logger
	store   *descriptor.Store
	root    string
	metrics domain.Metrics
	now     func() time.Time

	mu    sync.Mutex
	known map[string]trackedState
	seq   uint64
}

type Options struct {
	Root    string
	Store   *descriptor.Store
	Logger  *zap.Logger
	Metrics domain.Metrics
}

func New(opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := opts.Store
	if store == nil {
		store = descriptor.NewStore(logger)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Tracker{
		logger:  logger.Named("tracker"),
		store:   store,
		root:    opts.Root,
		metrics: metrics,
		now:     time.Now,
		known:   make(map[string]trackedState),
	}
}

func (t *Tracker) Root() string {
	return t.root
}

// Scan compares the tool root against the last observed state and returns
// the transitions since then. The first scan reports every valid tool as
// added.
func (t *Tracker) Scan(ctx context.Context) (ScanResult, error) {
	const op = "tracker.scan"
	started := t.now()

	dirs, err := t.listToolDirs()
	if err != nil {
		return ScanResult{}, domain.E(domain.CodeInternal, op, "list tool root", err)
	}

	result := ScanResult{
		Descriptors: make(map[string]domain.ToolDescriptor),
		Failures:    make(map[string]error),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]struct{}, len(dirs))
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return ScanResult{}, domain.E(domain.CodeCanceled, op, "", err)
		}
		name := filepath.Base(dir)
		seen[name] = struct{}{}

		hash, err := descriptor.HashArtifactDir(dir)
		if err != nil {
			t.logger.Warn("artifact hash failed", zap.String("tool", name), zap.Error(err))
			continue
		}

		prev, existed := t.known[name]
		if existed && prev.hash == hash {
			continue
		}

		desc, parseErr := t.store.Parse(dir)
		if parseErr != nil {
			// Remember the broken hash so the artifact is re-parsed only
			// when its content changes again.
			t.known[name] = trackedState{hash: hash, broken: true}
			result.Failures[name] = parseErr
			if existed && !prev.broken {
				result.Records = append(result.Records, t.recordLocked(name, domain.ChangeRemoved, prev.hash, ""))
			}
			t.logger.Warn("artifact rejected",
				telemetry.ToolField(name),
				zap.Error(parseErr),
			)
			continue
		}

		kind := domain.ChangeAdded
		prevHash := ""
		if existed && !prev.broken {
			kind = domain.ChangeModified
			prevHash = prev.hash
		}
		t.known[name] = trackedState{hash: hash}
		result.Descriptors[name] = desc
		result.Records = append(result.Records, t.recordLocked(name, kind, prevHash, hash))
	}

	for name, prev := range t.known {
		if _, ok := seen[name]; ok {
			continue
		}
		delete(t.known, name)
		if prev.broken {
			continue
		}
		result.Records = append(result.Records, t.recordLocked(name, domain.ChangeRemoved, prev.hash, ""))
	}

	sort.Slice(result.Records, func(i, j int) bool {
		return result.Records[i].Seq < result.Records[j].Seq
	})

	duration := t.now().Sub(started)
	t.metrics.ObserveScan(duration, len(result.Records))
	if !result.IsEmpty() {
		t.logger.Info("scan complete",
			telemetry.EventField(telemetry.EventScanComplete),
			telemetry.DurationField(duration),
			zap.Int("changes", len(result.Records)),
			zap.Int("failures", len(result.Failures)),
		)
	}
	return result, nil
}

func (t *Tracker) recordLocked(name string, kind domain.ChangeKind, prevHash, newHash string) domain.ChangeRecord {
	t.seq++
	return domain.ChangeRecord{
		Seq:          t.seq,
		Tool:         name,
		Kind:         kind,
		PreviousHash: prevHash,
		NewHash:      newHash,
		DetectedAt:   t.now(),
	}
}

// SetSequence advances the internal counter past previously persisted
// records so restarts do not reuse sequence numbers.
func (t *Tracker) SetSequence(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq > t.seq {
		t.seq = seq
	}
}

func (t *Tracker) listToolDirs() ([]string, error) {
	entries, err := os.ReadDir(t.root)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(t.root, entry.Name())
		if descriptor.IsToolDir(dir) {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}
