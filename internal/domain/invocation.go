package domain

import "time"

type InvocationStatus string

const (
	InvocationRunning   InvocationStatus = "running"
	InvocationSucceeded InvocationStatus = "succeeded"
	InvocationFailed    InvocationStatus = "failed"
	InvocationTimedOut  InvocationStatus = "timed_out"
)

// InvocationRecord captures one in-flight or completed tool call. It is owned
// by the execution proxy for the duration of the call and returned to the
// caller as a value afterwards.
type InvocationRecord struct {
	ID         string           `json:"id"`
	Tool       string           `json:"tool"`
	EntryPoint string           `json:"entryPoint"`
	Arguments  map[string]any   `json:"arguments,omitempty"`
	StartedAt  time.Time        `json:"startedAt"`
	Duration   time.Duration    `json:"duration"`
	Status     InvocationStatus `json:"status"`
	Result     any              `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	ErrorCode  ErrorCode        `json:"errorCode,omitempty"`
	Trace      string           `json:"trace,omitempty"`
}
