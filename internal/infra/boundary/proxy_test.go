package boundary

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dyntools/internal/domain"
)

type fakeLauncher struct {
	spec   LaunchSpec
	stdout []byte
	err    error
	block  bool
	called int
}

func (f *fakeLauncher) Launch(ctx context.Context, spec LaunchSpec) ([]byte, error) {
	f.called++
	f.spec = spec
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.stdout, f.err
}

func testDescriptor() *domain.ToolDescriptor {
	return &domain.ToolDescriptor{
		Name:       "adder",
		SourcePath: "/tools/adder",
		EntryPoints: []domain.EntryPoint{
			{
				Name: "add",
				Params: []domain.Parameter{
					{Name: "a", Type: "int"},
					{Name: "b", Type: "int"},
					{Name: "scale", Type: "float", HasDefault: true, Default: 1.0},
				},
				ReturnType: "int",
			},
		},
		ContentHash: "abc",
	}
}

func testEnvironment() *domain.Environment {
	env := domain.NewEnvironment(domain.EnvironmentOptions{
		Fingerprint: "feedfacefeedfacefeedface",
		Dir:         "/envs/env-feedfacefeedface",
		State:       domain.EnvStateReady,
		CreatedAt:   time.Now(),
	})
	env.SetInterpreter("/envs/env-feedfacefeedface/venv/bin/python")
	return env
}

func newTestProxy(t *testing.T, launcher Launcher) *Proxy {
	t.Helper()
	p, err := NewProxy(ProxyOptions{
		Launcher: launcher,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return p
}

func TestProxy_InvokeSuccess(t *testing.T) {
	launcher := &fakeLauncher{stdout: []byte(`{"ok":true,"result":8}` + "\n")}
	p := newTestProxy(t, launcher)

	record, err := p.Invoke(context.Background(), testDescriptor(), testEnvironment(), "add",
		map[string]any{"a": 3, "b": 5}, 0)
	require.NoError(t, err)

	assert.Equal(t, domain.InvocationSucceeded, record.Status)
	assert.Equal(t, float64(8), record.Result)
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, "adder", record.Tool)
	assert.Equal(t, "add", record.EntryPoint)

	assert.Equal(t, "/tools/adder", launcher.spec.Dir)
	assert.Equal(t, "/envs/env-feedfacefeedface/venv/bin/python", launcher.spec.Interpreter)
	assert.Equal(t, runnerScript, launcher.spec.Script)
	assert.Equal(t, "/tools/adder", launcher.spec.Env["PYTHONPATH"])

	var req runnerRequest
	require.NoError(t, json.Unmarshal(launcher.spec.Stdin, &req))
	assert.Equal(t, "tool.py", req.ModulePath)
	assert.Equal(t, "add", req.FunctionName)
	assert.Len(t, req.Kwargs, 2)
}

func TestProxy_InvokeIgnoresToolStdoutNoise(t *testing.T) {
	launcher := &fakeLauncher{stdout: []byte("debug print\nmore noise\n" + `{"ok":true,"result":"done"}` + "\n")}
	p := newTestProxy(t, launcher)

	record, err := p.Invoke(context.Background(), testDescriptor(), testEnvironment(), "add",
		map[string]any{"a": 1, "b": 2}, 0)
	require.NoError(t, err)
	assert.Equal(t, "done", record.Result)
}

func TestProxy_InvokeToolFault(t *testing.T) {
	launcher := &fakeLauncher{stdout: []byte(`{"ok":false,"error":"boom","error_type":"ValueError","traceback":"Traceback (most recent call last):\n..."}`)}
	p := newTestProxy(t, launcher)

	record, err := p.Invoke(context.Background(), testDescriptor(), testEnvironment(), "add",
		map[string]any{"a": 1, "b": 2}, 0)
	require.Error(t, err)

	assert.Equal(t, domain.InvocationFailed, record.Status)
	assert.Equal(t, domain.CodeToolFault, record.ErrorCode)
	assert.Contains(t, record.Error, "boom")
	assert.Contains(t, record.Trace, "Traceback")

	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "ValueError", derr.Meta["errorType"])
}

func TestProxy_InvokeUnreadableOutput(t *testing.T) {
	launcher := &fakeLauncher{stdout: []byte("segfault noise, no json")}
	p := newTestProxy(t, launcher)

	record, err := p.Invoke(context.Background(), testDescriptor(), testEnvironment(), "add",
		map[string]any{"a": 1, "b": 2}, 0)
	require.Error(t, err)
	assert.Equal(t, domain.InvocationFailed, record.Status)
	assert.Equal(t, domain.CodeToolFault, record.ErrorCode)
}

func TestProxy_InvokeTimeout(t *testing.T) {
	launcher := &fakeLauncher{block: true}
	p := newTestProxy(t, launcher)

	desc := testDescriptor()
	desc.Timeout = 50 * time.Millisecond

	record, err := p.Invoke(context.Background(), desc, testEnvironment(), "add",
		map[string]any{"a": 1, "b": 2}, 0)
	require.Error(t, err)

	assert.Equal(t, domain.InvocationTimedOut, record.Status)
	assert.Equal(t, domain.CodeDeadlineExceeded, record.ErrorCode)
}

func TestProxy_InvokeCallerTimeoutWinsOverManifest(t *testing.T) {
	launcher := &fakeLauncher{block: true}
	p := newTestProxy(t, launcher)

	desc := testDescriptor()
	desc.Timeout = time.Hour

	record, err := p.Invoke(context.Background(), desc, testEnvironment(), "add",
		map[string]any{"a": 1, "b": 2}, 50*time.Millisecond)
	require.Error(t, err)

	assert.Equal(t, domain.InvocationTimedOut, record.Status)
	assert.Equal(t, domain.CodeDeadlineExceeded, record.ErrorCode)
}

func TestProxy_InvokeUnknownEntryPoint(t *testing.T) {
	launcher := &fakeLauncher{}
	p := newTestProxy(t, launcher)

	record, err := p.Invoke(context.Background(), testDescriptor(), testEnvironment(), "multiply", nil, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEntryPointNotFound)
	assert.Equal(t, domain.CodeNotFound, record.ErrorCode)
	assert.Zero(t, launcher.called)
}

func TestProxy_InvokeRejectsBadArguments(t *testing.T) {
	launcher := &fakeLauncher{}
	p := newTestProxy(t, launcher)

	tests := []struct {
		name string
		args map[string]any
	}{
		{name: "missing required", args: map[string]any{"a": 1}},
		{name: "unknown parameter", args: map[string]any{"a": 1, "b": 2, "c": 3}},
		{name: "wrong type", args: map[string]any{"a": "one", "b": 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, err := p.Invoke(context.Background(), testDescriptor(), testEnvironment(), "add", tt.args, 0)
			require.Error(t, err)
			assert.Equal(t, domain.CodeInvalidArgument, record.ErrorCode)
		})
	}
	assert.Zero(t, launcher.called)
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, `{"ok":true}`, string(lastLine([]byte("noise\n"+`{"ok":true}`+"\n"))))
	assert.Equal(t, `{"ok":true}`, string(lastLine([]byte(`{"ok":true}`))))
	assert.Equal(t, "", string(lastLine(nil)))
}
