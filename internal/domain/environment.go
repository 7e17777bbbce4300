package domain

import (
	"sync"
	"time"
)

type EnvironmentState string

const (
	EnvStateProvisioning EnvironmentState = "provisioning"
	EnvStateReady        EnvironmentState = "ready"
	EnvStateFailed       EnvironmentState = "failed"
	EnvStateEvicted      EnvironmentState = "evicted"
)

// Environment is an isolated, reusable execution context for one normalized
// dependency set. Identity and location are immutable; only state and usage
// bookkeeping change after construction.
type Environment struct {
	mu          sync.RWMutex
	fingerprint string
	dir         string
	interpreter string
	state       EnvironmentState
	createdAt   time.Time
	lastUsed    time.Time
}

// EnvironmentOptions provides initial values for a new Environment.
type EnvironmentOptions struct {
	Fingerprint string
	Dir         string
	Interpreter string
	State       EnvironmentState
	CreatedAt   time.Time
}

// NewEnvironment constructs an environment with the provided options.
func NewEnvironment(opts EnvironmentOptions) *Environment {
	env := &Environment{
		fingerprint: opts.Fingerprint,
		dir:         opts.Dir,
		interpreter: opts.Interpreter,
		state:       opts.State,
		createdAt:   opts.CreatedAt,
	}
	if env.state == "" {
		env.state = EnvStateProvisioning
	}
	if env.createdAt.IsZero() {
		env.createdAt = time.Now()
	}
	env.lastUsed = env.createdAt
	return env
}

// Fingerprint returns the dependency-set digest identifying this environment.
func (e *Environment) Fingerprint() string {
	return e.fingerprint
}

// Dir returns the isolated storage root of this environment.
func (e *Environment) Dir() string {
	return e.dir
}

// Interpreter returns the path of the interpreter installed in this
// environment.
func (e *Environment) Interpreter() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.interpreter
}

// SetInterpreter records the interpreter path once provisioning resolved it.
func (e *Environment) SetInterpreter(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interpreter = path
}

// State returns the current lifecycle state.
func (e *Environment) State() EnvironmentState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// SetState updates the lifecycle state.
func (e *Environment) SetState(state EnvironmentState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
}

// CreatedAt returns the construction timestamp.
func (e *Environment) CreatedAt() time.Time {
	return e.createdAt
}

// LastUsed returns the timestamp of the most recent acquire.
func (e *Environment) LastUsed() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastUsed
}

// Touch updates the last-used timestamp.
func (e *Environment) Touch(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if at.After(e.lastUsed) {
		e.lastUsed = at
	}
}
