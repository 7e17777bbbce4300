package descriptor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dyntools/internal/domain"
)

func writeTool(t *testing.T, root, name string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for file, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
	}
	return dir
}

const adderSource = `"""Adder tool."""

def add(a: int, b: int) -> int:
    """Add two integers."""
    return a + b
`

func TestStoreParse(t *testing.T) {
	store := NewStore(zaptest.NewLogger(t))
	dir := writeTool(t, t.TempDir(), "adder", map[string]string{
		"tool.py":          adderSource,
		"requirements.txt": "NumPy>=1.26\n# comment\nrequests==2.32.0\n",
	})

	desc, err := store.Parse(dir)
	require.NoError(t, err)
	require.Equal(t, "adder", desc.Name)
	require.Equal(t, dir, desc.SourcePath)
	require.Equal(t, "Adder tool.", desc.Description)
	require.Equal(t, []string{"add"}, desc.EntryPointNames())
	require.Equal(t, []domain.Dependency{
		{Package: "numpy", Constraint: ">=1.26"},
		{Package: "requests", Constraint: "==2.32.0"},
	}, desc.Dependencies)
	require.NotEmpty(t, desc.ContentHash)
}

func TestStoreParse_Deterministic(t *testing.T) {
	store := NewStore(zaptest.NewLogger(t))
	root := t.TempDir()
	dirA := writeTool(t, root, "a", map[string]string{"tool.py": adderSource})
	dirB := writeTool(t, root, "b", map[string]string{"tool.py": adderSource})

	descA, err := store.Parse(dirA)
	require.NoError(t, err)
	descB, err := store.Parse(dirB)
	require.NoError(t, err)

	require.Equal(t, descA.ContentHash, descB.ContentHash)
	require.Equal(t, descA.EntryPoints, descB.EntryPoints)
}

func TestStoreParse_HashChangesWithContent(t *testing.T) {
	store := NewStore(zaptest.NewLogger(t))
	root := t.TempDir()
	dir := writeTool(t, root, "adder", map[string]string{"tool.py": adderSource})

	before, err := store.Parse(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("numpy\n"), 0o644))
	after, err := store.Parse(dir)
	require.NoError(t, err)
	require.NotEqual(t, before.ContentHash, after.ContentHash)
	require.Equal(t, []domain.Dependency{{Package: "numpy"}}, after.Dependencies)
}

func TestStoreParse_Manifest(t *testing.T) {
	store := NewStore(zaptest.NewLogger(t))
	dir := writeTool(t, t.TempDir(), "multi", map[string]string{
		"tool.py": "def a():\n    pass\n\ndef b():\n    pass\n",
		"tool.toml": `description = "Curated tool"
timeout_seconds = 120
entry_points = ["b"]
`,
	})

	desc, err := store.Parse(dir)
	require.NoError(t, err)
	require.Equal(t, "Curated tool", desc.Description)
	require.Equal(t, 120*time.Second, desc.Timeout)
	require.Equal(t, []string{"b"}, desc.EntryPointNames())
}

func TestStoreParse_Failures(t *testing.T) {
	store := NewStore(zaptest.NewLogger(t))
	root := t.TempDir()

	missing := filepath.Join(root, "ghost")
	require.NoError(t, os.MkdirAll(missing, 0o755))
	_, err := store.Parse(missing)
	require.ErrorIs(t, err, domain.ErrMissingMetadata)

	empty := writeTool(t, root, "empty", map[string]string{"tool.py": "x = 1\n"})
	_, err = store.Parse(empty)
	require.ErrorIs(t, err, domain.ErrMissingMetadata)

	broken := writeTool(t, root, "broken", map[string]string{"tool.py": "def f(:\n"})
	_, err = store.Parse(broken)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeParseFailed, code)

	varargs := writeTool(t, root, "varargs", map[string]string{"tool.py": "def f(*args):\n    pass\n"})
	_, err = store.Parse(varargs)
	require.ErrorIs(t, err, domain.ErrUnsupportedSignature)
}

func TestHashArtifactDir(t *testing.T) {
	root := t.TempDir()
	dir := writeTool(t, root, "adder", map[string]string{"tool.py": adderSource})

	hash, err := HashArtifactDir(dir)
	require.NoError(t, err)

	store := NewStore(zaptest.NewLogger(t))
	desc, err := store.Parse(dir)
	require.NoError(t, err)
	require.Equal(t, desc.ContentHash, hash)

	_, err = HashArtifactDir(filepath.Join(root, "nope"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
