package domain

import "time"

// Metrics receives runtime observations. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ObserveInvocation(tool string, status InvocationStatus, duration time.Duration)
	ObserveProvision(fingerprint string, duration time.Duration, err error)
	ObserveEviction(fingerprint string)
	SetActiveEnvironments(count int)
	ObserveScan(duration time.Duration, changed int)
}
