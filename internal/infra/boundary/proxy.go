// Package boundary executes entry points out of process. Every invocation
// crosses into a fresh runner subprocess bound to the tool's provisioned
// environment, so a crashing or hanging tool can never take the runtime down
// with it.
package boundary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dyntools/internal/domain"
	"dyntools/internal/infra/descriptor"
	"dyntools/internal/infra/telemetry"
)

const defaultInvokeTimeout = 60 * time.Second

type Proxy struct {
	logger   *zap.Logger
	launcher Launcher
	metrics  domain.Metrics
	timeout  time.Duration
	now      func() time.Time
	newID    func() string
}

type ProxyOptions struct {
	Launcher Launcher
	Logger   *zap.Logger
	Metrics  domain.Metrics
	Timeout  time.Duration
}

func NewProxy(opts ProxyOptions) (*Proxy, error) {
	if opts.Launcher == nil {
		return nil, fmt.Errorf("boundary: launcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultInvokeTimeout
	}
	return &Proxy{
		logger:   logger.Named("boundary"),
		launcher: opts.Launcher,
		metrics:  metrics,
		timeout:  timeout,
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// Invoke runs one entry point inside env and returns the completed record.
// The returned error carries the classification; the record is returned
// alongside it so callers can persist failed invocations too.
//
// A positive timeout wins over the tool manifest's timeout, which in turn
// wins over the proxy default; zero means no caller preference.
func (p *Proxy) Invoke(ctx context.Context, desc *domain.ToolDescriptor, env *domain.Environment, entryPoint string, args map[string]any, timeout time.Duration) (domain.InvocationRecord, error) {
	const op = "boundary.invoke"

	record := domain.InvocationRecord{
		ID:         p.newID(),
		Tool:       desc.Name,
		EntryPoint: entryPoint,
		Arguments:  args,
		StartedAt:  p.now(),
		Status:     domain.InvocationRunning,
	}

	ep, ok := desc.EntryPoint(entryPoint)
	if !ok {
		err := domain.E(domain.CodeNotFound, op,
			fmt.Sprintf("tool %q has no entry point %q", desc.Name, entryPoint),
			domain.ErrEntryPointNotFound)
		return p.finish(record, nil, err)
	}

	if err := descriptor.ValidateArguments(ep, args); err != nil {
		return p.finish(record, nil, err)
	}

	stdin, err := json.Marshal(runnerRequest{
		ModulePath:   domain.ArtifactSourceFile,
		FunctionName: ep.Name,
		Kwargs:       args,
	})
	if err != nil {
		return p.finish(record, nil, domain.E(domain.CodeInternal, op, "encode runner request", err))
	}

	if timeout <= 0 {
		timeout = desc.Timeout
	}
	if timeout <= 0 {
		timeout = p.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.logger.Debug("invoking entry point",
		telemetry.EventField(telemetry.EventInvokeAttempt),
		telemetry.InvocationIDField(record.ID),
		telemetry.ToolField(desc.Name),
		telemetry.EntryPointField(ep.Name),
		telemetry.FingerprintField(env.Fingerprint()),
	)

	stdout, launchErr := p.launcher.Launch(callCtx, LaunchSpec{
		Interpreter: env.Interpreter(),
		Dir:         desc.SourcePath,
		Script:      runnerScript,
		Stdin:       stdin,
		// Sibling modules next to tool.py resolve regardless of how the
		// interpreter treats the -c working directory.
		Env: map[string]string{"PYTHONPATH": desc.SourcePath},
	})

	if launchErr != nil {
		if errors.Is(launchErr, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			record.Status = domain.InvocationTimedOut
			err := domain.E(domain.CodeDeadlineExceeded, op,
				fmt.Sprintf("entry point %q exceeded %s", ep.Name, timeout), launchErr)
			return p.finish(record, env, err)
		}
		if errors.Is(launchErr, context.Canceled) {
			err := domain.E(domain.CodeCanceled, op, "", launchErr)
			return p.finish(record, env, err)
		}
		err := domain.E(domain.CodeToolFault, op,
			fmt.Sprintf("runner for %q failed", ep.Name), launchErr)
		return p.finish(record, env, err)
	}

	var resp runnerResponse
	if err := json.Unmarshal(lastLine(stdout), &resp); err != nil {
		faultErr := domain.E(domain.CodeToolFault, op,
			fmt.Sprintf("runner for %q produced unreadable output", ep.Name), err)
		return p.finish(record, env, faultErr)
	}

	if !resp.OK {
		faultErr := domain.E(domain.CodeToolFault, op, resp.Error, nil)
		faultErr.Trace = resp.Traceback
		if resp.ErrorType != "" {
			faultErr.Meta = map[string]string{"errorType": resp.ErrorType}
		}
		return p.finish(record, env, faultErr)
	}

	var result any
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			faultErr := domain.E(domain.CodeToolFault, op,
				fmt.Sprintf("runner for %q returned unreadable result", ep.Name), err)
			return p.finish(record, env, faultErr)
		}
	}
	record.Result = result
	return p.finish(record, env, nil)
}

func (p *Proxy) finish(record domain.InvocationRecord, env *domain.Environment, err error) (domain.InvocationRecord, error) {
	record.Duration = p.now().Sub(record.StartedAt)
	if err == nil {
		record.Status = domain.InvocationSucceeded
		if env != nil {
			env.Touch(p.now())
		}
		p.metrics.ObserveInvocation(record.Tool, record.Status, record.Duration)
		p.logger.Info("entry point succeeded",
			telemetry.EventField(telemetry.EventInvokeSuccess),
			telemetry.InvocationIDField(record.ID),
			telemetry.ToolField(record.Tool),
			telemetry.EntryPointField(record.EntryPoint),
			telemetry.DurationField(record.Duration),
		)
		return record, nil
	}

	if record.Status != domain.InvocationTimedOut {
		record.Status = domain.InvocationFailed
	}
	record.Error = err.Error()
	var derr *domain.Error
	if errors.As(err, &derr) {
		record.ErrorCode = derr.Code
		record.Trace = derr.Trace
	}
	p.metrics.ObserveInvocation(record.Tool, record.Status, record.Duration)
	p.logger.Warn("entry point failed",
		telemetry.EventField(telemetry.EventInvokeFailure),
		telemetry.InvocationIDField(record.ID),
		telemetry.ToolField(record.Tool),
		telemetry.EntryPointField(record.EntryPoint),
		telemetry.DurationField(record.Duration),
		zap.String("status", string(record.Status)),
		zap.Error(err),
	)
	return record, err
}

// lastLine isolates the runner's response, which is the final stdout line,
// from anything a tool printed before it.
func lastLine(out []byte) []byte {
	trimmed := out
	for len(trimmed) > 0 && (trimmed[len(trimmed)-1] == '\n' || trimmed[len(trimmed)-1] == '\r') {
		trimmed = trimmed[:len(trimmed)-1]
	}
	for i := len(trimmed) - 1; i >= 0; i-- {
		if trimmed[i] == '\n' {
			return trimmed[i+1:]
		}
	}
	return trimmed
}
