package telemetry

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldEvent       = "event"
	FieldTool        = "tool"
	FieldEntryPoint  = "entryPoint"
	FieldFingerprint = "fingerprint"
	FieldState       = "state"
	FieldDurationMs  = "duration_ms"
	FieldLogSource   = "log_source"
	FieldLogStream   = "stream"
	FieldInvocation  = "invocationID"
)

const (
	EventInvokeAttempt    = "invoke_attempt"
	EventInvokeSuccess    = "invoke_success"
	EventInvokeFailure    = "invoke_failure"
	EventProvisionFailure = "provision_failure"
	EventScanComplete     = "scan_complete"
	EventEntrySwapped     = "entry_swapped"
	EventEnvEvicted       = "env_evicted"
)

const (
	LogSourceCore       = "core"
	LogSourceDownstream = "downstream"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func ToolField(tool string) zap.Field {
	return zap.String(FieldTool, tool)
}

func EntryPointField(entryPoint string) zap.Field {
	return zap.String(FieldEntryPoint, entryPoint)
}

func FingerprintField(fingerprint string) zap.Field {
	if len(fingerprint) > 16 {
		fingerprint = fingerprint[:16]
	}
	return zap.String(FieldFingerprint, fingerprint)
}

func StateField(state string) zap.Field {
	return zap.String(FieldState, state)
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}

func InvocationIDField(id string) zap.Field {
	return zap.String(FieldInvocation, id)
}
