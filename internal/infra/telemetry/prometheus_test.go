package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dyntools/internal/domain"
)

func TestNewPrometheusMetrics(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())
	assert.NotNil(t, m)
	assert.NotNil(t, m.invocationDuration)
	assert.NotNil(t, m.provisions)
	assert.NotNil(t, m.provisionDuration)
	assert.NotNil(t, m.evictions)
	assert.NotNil(t, m.activeEnvironments)
	assert.NotNil(t, m.scanDuration)
	assert.NotNil(t, m.scanChanges)
}

func TestNewPrometheusMetrics_UsesProvidedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()

	m := NewPrometheusMetrics(registry)
	m.ObserveInvocation("adder", domain.InvocationSucceeded, 10*time.Millisecond)
	m.ObserveProvision("abc123", 2*time.Second, nil)
	m.ObserveProvision("abc123", time.Second, errors.New("pip exploded"))
	m.ObserveEviction("abc123")
	m.SetActiveEnvironments(3)
	m.ObserveScan(5*time.Millisecond, 2)

	metrics, err := registry.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(metrics))
	for _, mf := range metrics {
		names = append(names, mf.GetName())
	}

	assert.Contains(t, names, "dyntools_invocation_duration_seconds")
	assert.Contains(t, names, "dyntools_environment_provisions_total")
	assert.Contains(t, names, "dyntools_environment_provision_duration_seconds")
	assert.Contains(t, names, "dyntools_environment_evictions_total")
	assert.Contains(t, names, "dyntools_active_environments")
	assert.Contains(t, names, "dyntools_scan_duration_seconds")
	assert.Contains(t, names, "dyntools_scan_changes_total")
	assert.Contains(t, names, "dyntools_build_info")
}

func TestPrometheusMetrics_ImplementsInterface(t *testing.T) {
	var _ domain.Metrics = (*PrometheusMetrics)(nil)
	var _ domain.Metrics = (*NoopMetrics)(nil)
}

func TestHealthTracker_Report(t *testing.T) {
	tracker := NewHealthTracker()
	now := time.Now()
	tracker.now = func() time.Time { return now }

	report := tracker.Report()
	assert.Equal(t, "ok", report.Status)
	assert.Empty(t, report.Components)

	beat := tracker.Register("sweeper", 100*time.Millisecond)
	report = tracker.Report()
	assert.Equal(t, "unhealthy", report.Status)

	beat.Beat()
	report = tracker.Report()
	assert.Equal(t, "ok", report.Status)
	require.Len(t, report.Components, 1)
	assert.Equal(t, "sweeper", report.Components[0].Name)
	assert.Equal(t, "ok", report.Components[0].Status)

	now = now.Add(time.Second)
	report = tracker.Report()
	assert.Equal(t, "unhealthy", report.Status)
	assert.Equal(t, "stale", report.Components[0].Status)

	tracker.Unregister("sweeper")
	report = tracker.Report()
	assert.Equal(t, "ok", report.Status)
}
