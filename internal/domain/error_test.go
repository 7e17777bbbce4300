package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	err := E(CodeToolFault, "proxy.invoke", "division by zero", nil)
	require.Equal(t, "proxy.invoke: TOOL_FAULT: division by zero", err.Error())

	bare := E(CodeNotFound, "", "", ErrToolNotFound)
	require.Equal(t, "NOT_FOUND: tool not found", bare.Error())
}

func TestWrapPreservesExisting(t *testing.T) {
	inner := E(CodeEnvFailed, "envpool.acquire", "pip exited 1", nil)
	wrapped := Wrap(CodeInternal, "registry.invoke", fmt.Errorf("invoke: %w", inner))
	require.Equal(t, CodeEnvFailed, wrapped.Code)
	require.Equal(t, "envpool.acquire", wrapped.Op)
}

func TestCodeFromSentinels(t *testing.T) {
	cases := []struct {
		err  error
		code ErrorCode
	}{
		{ErrToolNotFound, CodeNotFound},
		{ErrEntryPointNotFound, CodeNotFound},
		{ErrSyntax, CodeParseFailed},
		{ErrMissingMetadata, CodeParseFailed},
		{ErrUnsupportedSignature, CodeParseFailed},
		{ErrProvisionFailed, CodeEnvFailed},
		{ErrInterpreterNotFound, CodeFailedPrecond},
		{ErrRuntimeClosed, CodeUnavailable},
	}
	for _, tc := range cases {
		code, ok := CodeFrom(fmt.Errorf("op: %w", tc.err))
		require.True(t, ok, tc.err.Error())
		require.Equal(t, tc.code, code)
	}

	_, ok := CodeFrom(errors.New("plain"))
	require.False(t, ok)
}
