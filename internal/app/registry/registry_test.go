package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dyntools/internal/domain"
	"dyntools/internal/infra/boundary"
	"dyntools/internal/infra/envpool"
	"dyntools/internal/infra/history"
	"dyntools/internal/infra/tracker"
)

const adderSource = `def add(a: int, b: int) -> int:
    """Add two numbers."""
    return a + b
`

const adderNumpySource = `import numpy as np


def add(a: int, b: int) -> int:
    """Add two numbers."""
    return int(np.int64(a) + np.int64(b))
`

type fakeInstaller struct{}

func (fakeInstaller) Provision(_ context.Context, dir string, _ []domain.Dependency) (string, error) {
	return filepath.Join(dir, "venv", "bin", "python"), nil
}

func (fakeInstaller) Verify(context.Context) error { return nil }

type fakeLauncher struct {
	stdout []byte
	block  bool
	specs  []boundary.LaunchSpec
}

func (f *fakeLauncher) Launch(ctx context.Context, spec boundary.LaunchSpec) ([]byte, error) {
	f.specs = append(f.specs, spec)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.stdout, nil
}

type fixture struct {
	root     string
	registry *Registry
	envs     *envpool.Manager
	launcher *fakeLauncher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	root := t.TempDir()

	envs, err := envpool.NewManager(envpool.Options{
		RootDir:   t.TempDir(),
		Installer: fakeInstaller{},
		Logger:    logger,
	})
	require.NoError(t, err)

	launcher := &fakeLauncher{stdout: []byte(`{"ok":true,"result":8}` + "\n")}
	proxy, err := boundary.NewProxy(boundary.ProxyOptions{
		Launcher: launcher,
		Logger:   logger,
	})
	require.NoError(t, err)

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	reg, err := New(Options{
		Tracker: tracker.New(tracker.Options{Root: root, Logger: logger}),
		Envs:    envs,
		Proxy:   proxy,
		History: store,
		Logger:  logger,
	})
	require.NoError(t, err)

	return &fixture{root: root, registry: reg, envs: envs, launcher: launcher}
}

func (f *fixture) writeTool(t *testing.T, name, source, requirements string) {
	t.Helper()
	dir := filepath.Join(f.root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tool.py"), []byte(source), 0o644))
	if requirements != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte(requirements), 0o644))
	} else {
		_ = os.Remove(filepath.Join(dir, "requirements.txt"))
	}
}

func TestRegistry_RefreshRegistersTools(t *testing.T) {
	f := newFixture(t)
	f.writeTool(t, "adder", adderSource, "")

	set, err := f.registry.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"adder"}, set.Added)

	tools, err := f.registry.List(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "adder", tools[0].Name)
	assert.Equal(t, []string{"add"}, tools[0].EntryPoints)
	assert.Empty(t, tools[0].Dependencies)

	desc, err := f.registry.Describe(context.Background(), "adder")
	require.NoError(t, err)
	assert.Equal(t, "adder", desc.Name)
	require.Len(t, desc.EntryPoints, 1)
	assert.Equal(t, "add", desc.EntryPoints[0].Name)
}

func TestRegistry_DescribeUnknownTool(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Describe(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestRegistry_InvokeRegisteredTool(t *testing.T) {
	f := newFixture(t)
	f.writeTool(t, "adder", adderSource, "")
	_, err := f.registry.Refresh(context.Background())
	require.NoError(t, err)

	record, err := f.registry.Invoke(context.Background(), "adder", "add",
		map[string]any{"a": 3, "b": 5}, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.InvocationSucceeded, record.Status)
	assert.Equal(t, float64(8), record.Result)

	require.Len(t, f.launcher.specs, 1)
	assert.Equal(t, filepath.Join(f.root, "adder"), f.launcher.specs[0].Dir)
}

func TestRegistry_InvokeHonorsCallerTimeout(t *testing.T) {
	f := newFixture(t)
	f.writeTool(t, "adder", adderSource, "")
	_, err := f.registry.Refresh(context.Background())
	require.NoError(t, err)

	f.launcher.block = true
	record, err := f.registry.Invoke(context.Background(), "adder", "add",
		map[string]any{"a": 3, "b": 5}, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, domain.InvocationTimedOut, record.Status)
	assert.Equal(t, domain.CodeDeadlineExceeded, record.ErrorCode)
}

func TestRegistry_InvokeUnknownTool(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Invoke(context.Background(), "missing", "run", nil, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
	assert.Empty(t, f.launcher.specs)
}

func TestRegistry_DependencyChangeSwapsEnvironment(t *testing.T) {
	f := newFixture(t)
	f.writeTool(t, "adder", adderSource, "")
	_, err := f.registry.Refresh(context.Background())
	require.NoError(t, err)

	bareFp, err := domain.DependencyFingerprint(nil)
	require.NoError(t, err)
	numpyFp, err := domain.DependencyFingerprint([]domain.Dependency{{Package: "numpy", Constraint: ">=1.26"}})
	require.NoError(t, err)
	assert.Equal(t, 1, f.envs.RefCount(bareFp))

	f.writeTool(t, "adder", adderNumpySource, "numpy>=1.26\n")
	set, err := f.registry.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"adder"}, set.Modified)

	assert.Equal(t, 0, f.envs.RefCount(bareFp))
	assert.Equal(t, 1, f.envs.RefCount(numpyFp))

	desc, err := f.registry.Describe(context.Background(), "adder")
	require.NoError(t, err)
	require.Len(t, desc.Dependencies, 1)
	assert.Equal(t, "numpy", desc.Dependencies[0].Package)

	// The listing row carries the new dependency set too.
	tools, err := f.registry.List(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Len(t, tools[0].Dependencies, 1)
	assert.Equal(t, "numpy", tools[0].Dependencies[0].Package)

	// The next invocation runs against the swapped entry.
	_, err = f.registry.Invoke(context.Background(), "adder", "add",
		map[string]any{"a": 3, "b": 5}, 0)
	require.NoError(t, err)
}

func TestRegistry_RemovedToolIsDeregistered(t *testing.T) {
	f := newFixture(t)
	f.writeTool(t, "adder", adderSource, "")
	_, err := f.registry.Refresh(context.Background())
	require.NoError(t, err)

	bareFp, err := domain.DependencyFingerprint(nil)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(filepath.Join(f.root, "adder")))
	set, err := f.registry.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"adder"}, set.Removed)

	_, err = f.registry.Describe(context.Background(), "adder")
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
	assert.Equal(t, 0, f.envs.RefCount(bareFp))
}

func TestRegistry_BrokenArtifactIsNotRegistered(t *testing.T) {
	f := newFixture(t)
	f.writeTool(t, "adder", adderSource, "")
	f.writeTool(t, "broken", "def oops(:\n", "")

	set, err := f.registry.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"adder"}, set.Added)

	_, err = f.registry.Describe(context.Background(), "broken")
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestRegistry_ChangesPersistAcrossRefreshes(t *testing.T) {
	f := newFixture(t)
	f.writeTool(t, "adder", adderSource, "")
	_, err := f.registry.Refresh(context.Background())
	require.NoError(t, err)

	f.writeTool(t, "adder", adderNumpySource, "numpy>=1.26\n")
	_, err = f.registry.Refresh(context.Background())
	require.NoError(t, err)

	records, err := f.registry.Changes(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, domain.ChangeAdded, records[0].Kind)
	assert.Equal(t, domain.ChangeModified, records[1].Kind)

	tail, err := f.registry.Changes(context.Background(), records[0].Seq, 0)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, domain.ChangeModified, tail[0].Kind)
}

func TestRegistry_SubscribeReceivesChangeSets(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := f.registry.Subscribe(ctx)

	f.writeTool(t, "adder", adderSource, "")
	_, err := f.registry.Refresh(context.Background())
	require.NoError(t, err)

	select {
	case set := <-updates:
		assert.Equal(t, []string{"adder"}, set.Added)
	case <-time.After(2 * time.Second):
		t.Fatal("no change set delivered")
	}
}

func TestRegistry_UnchangedRefreshIsEmpty(t *testing.T) {
	f := newFixture(t)
	f.writeTool(t, "adder", adderSource, "")
	_, err := f.registry.Refresh(context.Background())
	require.NoError(t, err)

	set, err := f.registry.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, set.IsEmpty())

	stats := f.registry.Stats()
	assert.Equal(t, 1, stats.Tools)
}
