// Package envpool manages the cache of isolated execution environments keyed
// by dependency-set fingerprint. All cache mutation is single-writer per
// fingerprint; concurrent provisioning requests for one fingerprint coalesce
// into a single install.
package envpool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"dyntools/internal/domain"
	"dyntools/internal/infra/telemetry"
)

const (
	defaultRetryBase        = 5 * time.Second
	defaultRetryMax         = 5 * time.Minute
	defaultProvisionTimeout = 10 * time.Minute
)

// EvictionPolicy bounds the environment cache. Zero values disable the
// corresponding bound.
type EvictionPolicy struct {
	MaxIdle         time.Duration
	MaxEnvironments int
}

type entry struct {
	env          *domain.Environment
	refCount     int
	inFlight     int
	provisioning chan struct{}
	lastErr      error
	retry        *backoff
	nextRetry    time.Time
}

type Manager struct {
	logger           *zap.Logger
	rootDir          string
	installer        Installer
	metrics          domain.Metrics
	policy           EvictionPolicy
	retryBase        time.Duration
	retryMax         time.Duration
	provisionTimeout time.Duration

	mu     sync.Mutex
	envs   map[string]*entry
	closed bool

	now func() time.Time
}

type Options struct {
	RootDir          string
	Installer        Installer
	Logger           *zap.Logger
	Metrics          domain.Metrics
	Policy           EvictionPolicy
	RetryBase        time.Duration
	RetryMax         time.Duration
	ProvisionTimeout time.Duration
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Installer == nil {
		return nil, fmt.Errorf("envpool: installer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	rootDir := opts.RootDir
	if rootDir == "" {
		var err error
		rootDir, err = os.MkdirTemp("", "dyntools-env-")
		if err != nil {
			return nil, fmt.Errorf("create environments root: %w", err)
		}
	} else if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create environments root: %w", err)
	}

	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	retryMax := opts.RetryMax
	if retryMax <= 0 {
		retryMax = defaultRetryMax
	}
	provisionTimeout := opts.ProvisionTimeout
	if provisionTimeout <= 0 {
		provisionTimeout = defaultProvisionTimeout
	}

	return &Manager{
		logger:           logger.Named("envpool"),
		rootDir:          rootDir,
		installer:        opts.Installer,
		metrics:          metrics,
		policy:           opts.Policy,
		retryBase:        retryBase,
		retryMax:         retryMax,
		provisionTimeout: provisionTimeout,
		envs:             make(map[string]*entry),
		now:              time.Now,
	}, nil
}

func (m *Manager) RootDir() string {
	return m.rootDir
}

// PoolStats is a point-in-time view of the environment cache.
type PoolStats struct {
	Total        int `json:"total"`
	Ready        int `json:"ready"`
	Provisioning int `json:"provisioning"`
	Failed       int `json:"failed"`
}

func (m *Manager) Stats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats PoolStats
	for _, e := range m.envs {
		if e.env == nil {
			continue
		}
		stats.Total++
		switch e.env.State() {
		case domain.EnvStateReady:
			stats.Ready++
		case domain.EnvStateProvisioning:
			stats.Provisioning++
		case domain.EnvStateFailed:
			stats.Failed++
		}
	}
	return stats
}

// Retain records that a descriptor depends on the fingerprint of deps and
// returns that fingerprint. Retain never provisions; installation is deferred
// to the first Acquire.
func (m *Manager) Retain(deps []domain.Dependency) (string, error) {
	fingerprint, err := domain.DependencyFingerprint(deps)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.envs[fingerprint]
	if e == nil {
		e = &entry{}
		m.envs[fingerprint] = e
	}
	e.refCount++
	return fingerprint, nil
}

// Release decrements the descriptor refcount for fingerprint. It never
// destroys synchronously; unreferenced environments wait for the next sweep.
func (m *Manager) Release(fingerprint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.envs[fingerprint]
	if e == nil {
		return
	}
	if e.refCount > 0 {
		e.refCount--
	}
}

// RefCount reports the current descriptor refcount for fingerprint.
func (m *Manager) RefCount(fingerprint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.envs[fingerprint]
	if e == nil {
		return 0
	}
	return e.refCount
}

// Done releases the in-flight pin taken by a successful Acquire.
func (m *Manager) Done(fingerprint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.envs[fingerprint]
	if e == nil {
		return
	}
	if e.inFlight > 0 {
		e.inFlight--
	}
}

// Acquire returns a Ready environment for deps, provisioning one if needed.
// Concurrent acquires for the same fingerprint share a single provisioning
// operation. A previously Failed environment is retried only once its backoff
// window has elapsed; inside the window Acquire fails fast with the recorded
// cause.
//
// The returned environment is pinned against sweeping until the caller pairs
// the Acquire with Done; a refresh dropping the descriptor refcount to zero
// mid-call therefore cannot get the directory deleted under a running
// invocation.
func (m *Manager) Acquire(ctx context.Context, deps []domain.Dependency) (*domain.Environment, error) {
	const op = "envpool.acquire"

	normalized := domain.NormalizeDependencies(deps)
	fingerprint, err := domain.DependencyFingerprint(normalized)
	if err != nil {
		return nil, domain.E(domain.CodeInternal, op, "", err)
	}

	m.mu.Lock()
	for {
		if m.closed {
			m.mu.Unlock()
			return nil, domain.E(domain.CodeUnavailable, op, "", domain.ErrRuntimeClosed)
		}
		e := m.envs[fingerprint]
		if e == nil {
			e = &entry{}
			m.envs[fingerprint] = e
		}

		if e.env != nil && e.env.State() == domain.EnvStateReady {
			e.env.Touch(m.now())
			e.inFlight++
			m.mu.Unlock()
			return e.env, nil
		}

		if e.provisioning != nil {
			wait := e.provisioning
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, domain.E(domain.CodeCanceled, op, "", ctx.Err())
			case <-wait:
			}
			m.mu.Lock()
			continue
		}

		if !e.nextRetry.IsZero() && m.now().Before(e.nextRetry) {
			cause := e.lastErr
			retryAt := e.nextRetry
			m.mu.Unlock()
			failure := domain.E(domain.CodeEnvFailed, op,
				fmt.Sprintf("environment %s failed, retry after %s", shortFingerprint(fingerprint), retryAt.Format(time.RFC3339)),
				cause)
			failure.Retryable = true
			return nil, failure
		}

		ch := make(chan struct{})
		e.provisioning = ch
		env := domain.NewEnvironment(domain.EnvironmentOptions{
			Fingerprint: fingerprint,
			Dir:         m.envDir(fingerprint),
			State:       domain.EnvStateProvisioning,
			CreatedAt:   m.now(),
		})
		e.env = env
		m.mu.Unlock()

		go m.provision(env, normalized, e, ch)

		select {
		case <-ctx.Done():
			return nil, domain.E(domain.CodeCanceled, op, "", ctx.Err())
		case <-ch:
		}
		m.mu.Lock()
	}
}

// provision runs under its own deadline, not the initiating caller's context,
// so coalesced waiters are not tied to whichever caller started the install.
func (m *Manager) provision(env *domain.Environment, deps []domain.Dependency, e *entry, done chan struct{}) {
	fingerprint := env.Fingerprint()
	started := m.now()
	m.logger.Info("provisioning environment",
		telemetry.FingerprintField(fingerprint),
		zap.Int("dependencies", len(deps)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), m.provisionTimeout)
	defer cancel()
	interpreter, err := m.installer.Provision(ctx, env.Dir(), deps)
	duration := m.now().Sub(started)
	m.metrics.ObserveProvision(fingerprint, duration, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	e.provisioning = nil
	close(done)

	if err != nil {
		env.SetState(domain.EnvStateFailed)
		e.lastErr = fmt.Errorf("%w: %v", domain.ErrProvisionFailed, err)
		if e.retry == nil {
			e.retry = newBackoff(m.retryBase, m.retryMax)
		}
		e.nextRetry = m.now().Add(e.retry.Next())
		m.logger.Error("environment provisioning failed",
			telemetry.EventField(telemetry.EventProvisionFailure),
			telemetry.FingerprintField(fingerprint),
			telemetry.DurationField(duration),
			zap.Time("nextRetry", e.nextRetry),
			zap.Error(err),
		)
		return
	}

	env.SetInterpreter(interpreter)
	env.SetState(domain.EnvStateReady)
	e.lastErr = nil
	e.nextRetry = time.Time{}
	if e.retry != nil {
		e.retry.Reset()
	}
	m.metrics.SetActiveEnvironments(m.countReadyLocked())
	m.logger.Info("environment ready",
		telemetry.FingerprintField(fingerprint),
		telemetry.DurationField(duration),
	)
}

// Sweep destroys unreferenced environments per policy: idle-expired ones
// always, then least-recently-used ones while the cache exceeds capacity.
// Environments with invocations still in flight are never victims. Returns
// the number of environments destroyed.
func (m *Manager) Sweep(ctx context.Context) int {
	type victim struct {
		fingerprint string
		dir         string
	}
	now := m.now()

	m.mu.Lock()
	var victims []victim
	type candidate struct {
		fingerprint string
		lastUsed    time.Time
	}
	var candidates []candidate
	total := 0
	for fingerprint, e := range m.envs {
		if e.env == nil {
			if e.refCount == 0 && e.provisioning == nil {
				delete(m.envs, fingerprint)
			}
			continue
		}
		total++
		if e.refCount > 0 || e.inFlight > 0 || e.provisioning != nil {
			continue
		}
		if m.policy.MaxIdle > 0 && now.Sub(e.env.LastUsed()) >= m.policy.MaxIdle {
			victims = append(victims, victim{fingerprint, e.env.Dir()})
			continue
		}
		candidates = append(candidates, candidate{fingerprint, e.env.LastUsed()})
	}

	if m.policy.MaxEnvironments > 0 && total-len(victims) > m.policy.MaxEnvironments {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].lastUsed.Before(candidates[j].lastUsed)
		})
		excess := total - len(victims) - m.policy.MaxEnvironments
		for i := 0; i < excess && i < len(candidates); i++ {
			e := m.envs[candidates[i].fingerprint]
			victims = append(victims, victim{candidates[i].fingerprint, e.env.Dir()})
		}
	}

	for _, v := range victims {
		e := m.envs[v.fingerprint]
		e.env.SetState(domain.EnvStateEvicted)
		delete(m.envs, v.fingerprint)
	}
	m.metrics.SetActiveEnvironments(m.countReadyLocked())
	m.mu.Unlock()

	for _, v := range victims {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := os.RemoveAll(v.dir); err != nil {
			m.logger.Warn("evict cleanup failed",
				telemetry.FingerprintField(v.fingerprint),
				zap.Error(err),
			)
		}
		m.metrics.ObserveEviction(v.fingerprint)
		m.logger.Info("environment evicted",
			telemetry.EventField(telemetry.EventEnvEvicted),
			telemetry.FingerprintField(v.fingerprint),
		)
	}
	return len(victims)
}

// Close marks the manager closed. Environment directories are left on disk;
// they are reusable across restarts because fingerprints are stable.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *Manager) envDir(fingerprint string) string {
	return filepath.Join(m.rootDir, "env-"+shortFingerprint(fingerprint))
}

func (m *Manager) countReadyLocked() int {
	count := 0
	for _, e := range m.envs {
		if e.env != nil && e.env.State() == domain.EnvStateReady {
			count++
		}
	}
	return count
}

func shortFingerprint(fingerprint string) string {
	if len(fingerprint) > 16 {
		return fingerprint[:16]
	}
	return fingerprint
}
