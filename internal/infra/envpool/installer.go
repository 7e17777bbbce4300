package envpool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"dyntools/internal/domain"
)

// Installer provisions the isolated storage for one dependency set. It is the
// only collaborator permitted to perform network or package-installation side
// effects.
type Installer interface {
	// Provision installs deps into dir and returns the interpreter to use
	// for execution inside that environment.
	Provision(ctx context.Context, dir string, deps []domain.Dependency) (string, error)
	// Verify checks that the backend is usable at all. A Verify failure at
	// startup is the one condition fatal to the runtime.
	Verify(ctx context.Context) error
}

// VenvInstaller provisions environments with python -m venv plus pip.
type VenvInstaller struct {
	python   string
	indexURL string
	logger   *zap.Logger
}

type VenvInstallerOptions struct {
	Python   string
	IndexURL string
	Logger   *zap.Logger
}

func NewVenvInstaller(opts VenvInstallerOptions) *VenvInstaller {
	python := opts.Python
	if python == "" {
		python = "python3"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VenvInstaller{
		python:   python,
		indexURL: opts.IndexURL,
		logger:   logger.Named("installer"),
	}
}

func (v *VenvInstaller) Verify(ctx context.Context) error {
	if _, err := exec.LookPath(v.python); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInterpreterNotFound, v.python)
	}
	cmd := exec.CommandContext(ctx, v.python, "--version")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s: %s", domain.ErrInterpreterNotFound, v.python, strings.TrimSpace(string(out)))
	}
	return nil
}

func (v *VenvInstaller) Provision(ctx context.Context, dir string, deps []domain.Dependency) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create environment dir: %w", err)
	}

	venvDir := filepath.Join(dir, "venv")
	if err := v.run(ctx, dir, v.python, "-m", "venv", venvDir); err != nil {
		return "", fmt.Errorf("create venv: %w", err)
	}

	interpreter := venvInterpreter(venvDir)
	if _, err := os.Stat(interpreter); err != nil {
		return "", fmt.Errorf("venv interpreter missing: %w", err)
	}

	if len(deps) > 0 {
		reqPath := filepath.Join(dir, "requirements.txt")
		if err := os.WriteFile(reqPath, []byte(formatRequirements(deps)), 0o644); err != nil {
			return "", fmt.Errorf("write requirements: %w", err)
		}
		args := []string{"-m", "pip", "install", "-r", reqPath}
		if v.indexURL != "" {
			args = append(args, "-i", v.indexURL)
		}
		if err := v.run(ctx, dir, interpreter, args...); err != nil {
			return "", fmt.Errorf("pip install: %w", err)
		}
	}

	return interpreter, nil
}

func (v *VenvInstaller) run(ctx context.Context, dir, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	v.logger.Debug("running installer command",
		zap.String("bin", bin),
		zap.Strings("args", args),
		zap.String("dir", dir),
	)
	if err := cmd.Run(); err != nil {
		tail := tailLines(out.String(), 20)
		return fmt.Errorf("%s %s: %w: %s", filepath.Base(bin), strings.Join(args, " "), err, tail)
	}
	return nil
}

func venvInterpreter(venvDir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venvDir, "Scripts", "python.exe")
	}
	return filepath.Join(venvDir, "bin", "python")
}

func formatRequirements(deps []domain.Dependency) string {
	var sb strings.Builder
	for _, dep := range deps {
		sb.WriteString(dep.Package)
		sb.WriteString(dep.Constraint)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
