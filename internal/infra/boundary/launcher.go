package boundary

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"go.uber.org/zap"

	"dyntools/internal/infra/telemetry"
)

// LaunchSpec describes one runner subprocess: which interpreter to execute,
// the script to hand it, the request bytes on stdin, and the working
// directory (the tool's artifact directory, so relative file access inside
// the tool resolves next to tool.py).
type LaunchSpec struct {
	Interpreter string
	Dir         string
	Script      string
	Stdin       []byte
	Env         map[string]string
}

// Launcher runs one runner subprocess to completion and returns its stdout.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) ([]byte, error)
}

type processCleanup func()

// ExecLauncher launches runner subprocesses in their own process group so a
// timeout kill reaps the tool's children too.
type ExecLauncher struct {
	logger *zap.Logger
}

func NewExecLauncher(logger *zap.Logger) *ExecLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecLauncher{logger: logger.Named("launcher")}
}

func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) ([]byte, error) {
	cmd := exec.CommandContext(ctx, spec.Interpreter, "-c", spec.Script)
	cmd.Dir = spec.Dir
	cmd.Env = buildEnv(spec.Env)
	cmd.Stdin = bytes.NewReader(spec.Stdin)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	cleanup := setupProcessHandling(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("runner stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, fmt.Errorf("runner start: %w", err)
	}

	mirrorDone := make(chan struct{})
	go func() {
		defer close(mirrorDone)
		mirrorStderr(stderr, l.logger.With(
			zap.String(telemetry.FieldLogSource, telemetry.LogSourceDownstream),
			zap.String(telemetry.FieldLogStream, "stderr"),
		))
	}()

	waitErr := cmd.Wait()
	<-mirrorDone
	if cleanup != nil {
		cleanup()
	}
	if waitErr != nil {
		if ctx.Err() != nil {
			return stdout.Bytes(), ctx.Err()
		}
		return stdout.Bytes(), fmt.Errorf("runner exited: %w", waitErr)
	}
	return stdout.Bytes(), nil
}

// passthroughEnv is the only part of the host environment runner subprocesses
// see. Tools must not inherit the daemon's credentials; anything they need
// beyond this arrives through LaunchSpec.Env.
var passthroughEnv = []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR"}

func buildEnv(extra map[string]string) []string {
	env := map[string]string{}
	for _, key := range passthroughEnv {
		if value, ok := os.LookupEnv(key); ok {
			env[key] = value
		}
	}
	for key, value := range extra {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		env[key] = value
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, fmt.Sprintf("%s=%s", key, env[key]))
	}
	return out
}

func mirrorStderr(reader io.ReadCloser, logger *zap.Logger) {
	defer func() {
		_ = reader.Close()
	}()
	buf := make([]byte, 8*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			line := strings.TrimRight(string(buf[:n]), "\r\n")
			if line != "" {
				logger.Info(line)
			}
		}
		if err != nil {
			return
		}
	}
}
