package domain

import "errors"

var (
	// Parse failures. The store reports exactly one of these per artifact.
	ErrSyntax               = errors.New("artifact has invalid syntax")
	ErrMissingMetadata      = errors.New("artifact declares no entry points")
	ErrUnsupportedSignature = errors.New("entry point signature cannot be statically introspected")

	ErrToolNotFound       = errors.New("tool not found")
	ErrEntryPointNotFound = errors.New("entry point not found")

	ErrProvisionFailed     = errors.New("environment provisioning failed")
	ErrEnvironmentEvicted  = errors.New("environment was evicted")
	ErrInterpreterNotFound = errors.New("interpreter not found")

	ErrRuntimeClosed = errors.New("runtime is closed")
)
